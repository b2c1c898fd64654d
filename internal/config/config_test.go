package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ruleledger/internal/deploy"
	"grimm.is/ruleledger/internal/livestate"
	"grimm.is/ruleledger/internal/logging"
	"grimm.is/ruleledger/internal/scheduler"
)

func TestLoadHCL_Empty(t *testing.T) {
	cfg, err := LoadHCLWithEnv(nil, "empty.hcl", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadHCL_Full(t *testing.T) {
	src := `
database {
  path             = "${env.DATA_DIR}/ledger.db"
  busy_timeout     = "2s"
  conflict_retries = 0
}

remote {
  user            = "deploy"
  port            = 2222
  key_file        = "/etc/ruleledger/id_ed25519"
  known_hosts     = "/etc/ruleledger/known_hosts"
  become          = true
  dial_timeout    = "3s"
  command_timeout = "1m"
}

deploy {
  management_port = 2222
  concurrency     = 8
  timeout         = "90s"
  flush           = false
  persist         = false
  input_policy    = "accept"
  output_policy   = "DROP"
}

live_state {
  table    = "nat"
  commands = ["iptables-save | base64 -w0"]
}

logging {
  level = "debug"
  json  = true
}

metrics {
  collect_interval = "1m"
}

drift {
  enabled = true
  cron    = "*/30 * * * *"
  timeout = "45s"
}
`
	cfg, err := LoadHCLWithEnv([]byte(src), "full.hcl", []string{"DATA_DIR=/srv/ledger"})
	require.NoError(t, err)

	so := cfg.StoreOptions()
	assert.Equal(t, "/srv/ledger/ledger.db", so.Path)
	assert.Equal(t, 2*time.Second, so.BusyTimeout)
	assert.Equal(t, 0, cfg.ConflictRetries())

	ssh := cfg.SSHConfig()
	assert.Equal(t, "deploy", ssh.User)
	assert.Equal(t, 2222, ssh.Port)
	assert.Equal(t, "/etc/ruleledger/id_ed25519", ssh.KeyFile)
	assert.Equal(t, "/etc/ruleledger/known_hosts", ssh.KnownHosts)
	assert.True(t, ssh.Become)
	assert.Equal(t, 3*time.Second, ssh.DialTimeout)
	assert.Equal(t, time.Minute, ssh.CommandTimeout)

	dc := cfg.OrchestratorConfig()
	assert.Equal(t, 8, dc.Concurrency)
	assert.Equal(t, 90*time.Second, dc.Timeout)
	assert.Equal(t, 2222, dc.Render.ManagementPort)
	assert.False(t, dc.Render.Flush)
	assert.False(t, dc.Render.Persist)
	assert.Equal(t, deploy.Defaults{
		Input:   deploy.PolicyAccept,
		Forward: deploy.PolicyDrop,
		Output:  deploy.PolicyDrop,
	}, dc.Render.Defaults)

	assert.Equal(t, "nat", cfg.LiveState.Table)
	assert.Equal(t, []string{"iptables-save | base64 -w0"}, cfg.LiveState.Commands)
	assert.Len(t, cfg.FetcherOptions(), 2)

	lc := cfg.LoggerConfig()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.JSON)

	assert.Equal(t, time.Minute, cfg.CollectInterval())

	sched, timeout, ok := cfg.DriftSchedule()
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, timeout)
	from := time.Date(2025, 1, 1, 10, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC), sched.Next(from))
}

func TestLoadHCL_PartialBlocksKeepDefaults(t *testing.T) {
	src := `
remote {
  user = "ops"
}
`
	cfg, err := LoadHCLWithEnv([]byte(src), "partial.hcl", nil)
	require.NoError(t, err)

	assert.Equal(t, "ops", cfg.Remote.User)
	assert.Equal(t, 22, cfg.Remote.Port)
	assert.Equal(t, "10s", cfg.Remote.DialTimeout)
	assert.Equal(t, livestate.DefaultTable, cfg.LiveState.Table)
	assert.Equal(t, 3, cfg.ConflictRetries())

	dc := cfg.OrchestratorConfig()
	assert.True(t, dc.Render.Flush)
	assert.True(t, dc.Render.Persist)
	assert.Equal(t, deploy.DefaultDefaults, dc.Render.Defaults)

	_, _, ok := cfg.DriftSchedule()
	assert.False(t, ok)
}

func TestLoadHCL_ManagementPortFollowsRemotePort(t *testing.T) {
	cfg, err := LoadHCLWithEnv([]byte(`remote { port = 2222 }`), "ssh.hcl", nil)
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.SSHConfig().Port)
	assert.Equal(t, 2222, cfg.OrchestratorConfig().Render.ManagementPort)

	src := `
remote {
  port = 2222
}

deploy {
  management_port = 22
}
`
	cfg, err = LoadHCLWithEnv([]byte(src), "explicit.hcl", nil)
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.SSHConfig().Port)
	assert.Equal(t, 22, cfg.OrchestratorConfig().Render.ManagementPort)
}

func TestDriftSchedule_Interval(t *testing.T) {
	cfg, err := LoadHCLWithEnv([]byte(`drift { enabled = true }`), "drift.hcl", nil)
	require.NoError(t, err)

	sched, timeout, ok := cfg.DriftSchedule()
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, timeout)
	assert.Equal(t, scheduler.Every(15*time.Minute), sched)
}

func TestLoadHCL_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"remote port", `remote { port = 70000 }`, "remote.port"},
		{"management port", `deploy { management_port = -1 }`, "deploy.management_port"},
		{"concurrency", `deploy { concurrency = -2 }`, "deploy.concurrency"},
		{"timeout", `deploy { timeout = "soon" }`, "deploy.timeout"},
		{"negative duration", `remote { dial_timeout = "-5s" }`, "remote.dial_timeout"},
		{"policy", `deploy { input_policy = "REJECT" }`, "deploy.input_policy"},
		{"log level", `logging { level = "loud" }`, "logging.level"},
		{"empty command", `live_state { commands = [" "] }`, "live_state.commands[0]"},
		{"retries", `database { conflict_retries = -1 }`, "database.conflict_retries"},
		{"collect interval", `metrics { collect_interval = "0s" }`, "metrics.collect_interval"},
		{"drift interval", `drift { interval = "often" }`, "drift.interval"},
		{"drift cron", `drift { cron = "* * *" }`, "drift.cron"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHCLWithEnv([]byte(tt.src), "bad.hcl", nil)
			require.Error(t, err)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestLoadHCL_Syntax(t *testing.T) {
	_, err := LoadHCLWithEnv([]byte(`database {`), "broken.hcl", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HCL parse error")

	_, err = LoadHCLWithEnv([]byte(`unknown { a = 1 }`), "unknown.hcl", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HCL decode error")
}

func TestLoadHCL_UnknownEnv(t *testing.T) {
	_, err := LoadHCLWithEnv([]byte(`database { path = env.MISSING }`), "env.hcl", []string{"OTHER=1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HCL decode error")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ruleledger.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`logging { level = "warn" }`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.hcl"))
	require.Error(t, err)
}

func TestEvalContext(t *testing.T) {
	ctx := EvalContext([]string{"A=1", "B=x=y", "broken", "=nokey"})
	env := ctx.Variables["env"]
	assert.Equal(t, "1", env.GetAttr("A").AsString())
	assert.Equal(t, "x=y", env.GetAttr("B").AsString())
	assert.Len(t, env.Type().AttributeTypes(), 2)

	empty := EvalContext(nil)
	assert.Empty(t, empty.Variables["env"].Type().AttributeTypes())
}
