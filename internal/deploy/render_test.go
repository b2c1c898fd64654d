package deploy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ruleledger/internal/rules"
)

func mustRule(t *testing.T, raw rules.Raw) rules.Rule {
	t.Helper()
	r, err := rules.Normalize(raw, rules.Defaults{})
	require.NoError(t, err)
	return r
}

func TestRender_StepOrder(t *testing.T) {
	rs := []rules.Rule{
		mustRule(t, rules.Raw{"chain": "INPUT", "target": "ACCEPT", "protocol": "tcp", "dport": 443}),
		mustRule(t, rules.Raw{"chain": "INPUT", "target": "DROP", "src": "10.0.0.0/8", "state": "absent"}),
	}
	p, err := Render(rs, DefaultOptions())
	require.NoError(t, err)

	var kinds []StepKind
	for _, s := range p.Steps {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []StepKind{StepSafety, StepFlush, StepEnsure, StepRemove, StepPolicy, StepPersist}, kinds)

	assert.Equal(t,
		"iptables -t filter -C INPUT -p tcp -m tcp --dport 443 -j ACCEPT 2>/dev/null || iptables -t filter -A INPUT -p tcp -m tcp --dport 443 -j ACCEPT",
		p.Steps[2].Commands[0])
	assert.Equal(t,
		"while iptables -t filter -C INPUT -s 10.0.0.0/8 -j DROP 2>/dev/null; do iptables -t filter -D INPUT -s 10.0.0.0/8 -j DROP; done",
		p.Steps[3].Commands[0])
	assert.Equal(t, []string{"iptables -P INPUT DROP", "iptables -P FORWARD DROP", "iptables -P OUTPUT ACCEPT"}, p.Steps[4].Commands)
}

func TestRender_SafetyBeforeFlush(t *testing.T) {
	opts := DefaultOptions()
	opts.ManagementPort = 2222
	p, err := Render(nil, opts)
	require.NoError(t, err)

	require.Equal(t, StepSafety, p.Steps[0].Kind)
	assert.Contains(t, p.Steps[0].Commands[0], "--dport 2222")
	assert.Contains(t, p.Steps[0].Commands[0], "-I INPUT 1")

	flush := p.Steps[1]
	require.Equal(t, StepFlush, flush.Kind)
	assert.Equal(t, "iptables -t filter -F", flush.Commands[0])
	assert.Contains(t, flush.Commands[len(flush.Commands)-1], "--dport 2222", "safety rule is restored right after the flush")

	script := p.Script()
	safetyAt := strings.Index(script, "--dport 2222")
	flushAt := strings.Index(script, "iptables -t filter -F")
	assert.Less(t, safetyAt, flushAt)
}

func TestRender_NoFlushNoPersist(t *testing.T) {
	opts := DefaultOptions()
	opts.Flush = false
	opts.Persist = false
	p, err := Render(nil, opts)
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, StepSafety, p.Steps[0].Kind)
	assert.Equal(t, StepPolicy, p.Steps[1].Kind)
}

func TestRender_FlushesTouchedTables(t *testing.T) {
	rs := []rules.Rule{
		mustRule(t, rules.Raw{"table": "raw", "chain": "PREROUTING", "target": "NOTRACK", "protocol": "udp", "dport": 53}),
		mustRule(t, rules.Raw{"table": "mangle", "chain": "PREROUTING", "target": "ACCEPT"}),
	}
	p, err := Render(rs, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"iptables -t filter -F", "iptables -t mangle -F", "iptables -t raw -F"}, p.Steps[1].Commands[:3])
	assert.Contains(t, p.Steps[2].Commands[0], "iptables -t raw -C PREROUTING")
}

func TestDefaults_Resolve(t *testing.T) {
	got := Defaults{Input: "accept", Forward: "REJECT"}.Resolve(DefaultDefaults)
	assert.Equal(t, Defaults{Input: "ACCEPT", Forward: "DROP", Output: "ACCEPT"}, got)

	p, err := Render(nil, Options{Defaults: Defaults{Output: "drop"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"iptables -P INPUT DROP", "iptables -P FORWARD DROP", "iptables -P OUTPUT DROP"}, p.Steps[len(p.Steps)-1].Commands)
	assert.Contains(t, p.Steps[0].Commands[0], "--dport 22", "invalid management port falls back to 22")
}

func TestRuleSpec(t *testing.T) {
	tests := []struct {
		name string
		raw  rules.Raw
		want string
	}{
		{"multiport", rules.Raw{"chain": "INPUT", "target": "ACCEPT", "protocol": "tcp", "dport": []any{80, 443, "8000:8100"}},
			"-p tcp -m multiport --dports 80,443,8000:8100 -j ACCEPT"},
		{"range", rules.Raw{"chain": "INPUT", "target": "ACCEPT", "protocol": "udp", "sport": "1024-65535"},
			"-p udp -m udp --sport 1024:65535 -j ACCEPT"},
		{"interfaces and state", rules.Raw{"chain": "FORWARD", "target": "ACCEPT", "in_iface": "eth0", "out_iface": "eth1", "state_match": "related,established"},
			"-i eth0 -o eth1 -m conntrack --ctstate RELATED,ESTABLISHED -j ACCEPT"},
		{"comment quoted", rules.Raw{"chain": "INPUT", "target": "DROP", "comment": "block it's bad"},
			`-m comment --comment 'block it'\''s bad' -j DROP`},
		{"negated", rules.Raw{"chain": "INPUT", "target": "DROP", "src": "!192.168.0.0/16"},
			"! -s 192.168.0.0/16 -j DROP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ruleSpec(mustRule(t, tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	// Normalize rejects these; rules built in code can still carry them.
	for _, r := range []rules.Rule{
		{Table: "filter", Chain: "INPUT", Target: "ACCEPT", DPort: "22"},
		{Table: "filter", Chain: "INPUT", Target: "ACCEPT", Protocol: "!tcp", DPort: "22"},
		{Table: "filter", Chain: "INPUT", Protocol: "tcp"},
	} {
		_, err := ruleSpec(r)
		assert.Error(t, err, "%+v", r)
	}
}

func TestRender_Error(t *testing.T) {
	rs := []rules.Rule{
		mustRule(t, rules.Raw{"chain": "INPUT", "target": "ACCEPT"}),
		{Table: "filter", Chain: "INPUT", Target: "ACCEPT", DPort: "22"},
	}
	_, err := Render(rs, DefaultOptions())
	var re *RenderError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1, re.Index)
}

func TestProcedure_Script(t *testing.T) {
	rs := []rules.Rule{mustRule(t, rules.Raw{"chain": "INPUT", "target": "ACCEPT", "protocol": "icmp", "comment": "ping\nrm -rf /"})}
	p, err := Render(rs, DefaultOptions())
	require.NoError(t, err)

	script := p.Script()
	assert.True(t, strings.HasPrefix(script, "#!/bin/sh\nset -e\n"))
	assert.Contains(t, script, "# step 1: accept management port 22\n")
	assert.Contains(t, script, "echo '== step 3: INPUT icmp ACCEPT (ping rm -rf /)'")
	assert.NotContains(t, script, "\nrm -rf /")
}
