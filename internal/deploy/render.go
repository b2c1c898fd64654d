// Package deploy renders stored policy versions into enforcement
// procedures and applies them to hosts, one deployment row per host.
package deploy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"grimm.is/ruleledger/internal/remote"
	"grimm.is/ruleledger/internal/rules"
)

// Chain default policies.
const (
	PolicyAccept = "ACCEPT"
	PolicyDrop   = "DROP"
)

// ManagementComment tags the safety rule that keeps the management port
// open. It is not part of any version.
const ManagementComment = "ruleledger management access"

// Defaults are the default policies of the three built-in filter chains.
// Empty or invalid values fall back to DefaultDefaults.
type Defaults struct {
	Input   string `json:"input_policy,omitempty"`
	Forward string `json:"forward_policy,omitempty"`
	Output  string `json:"output_policy,omitempty"`
}

// DefaultDefaults drops inbound and forwarded traffic and allows outbound.
var DefaultDefaults = Defaults{Input: PolicyDrop, Forward: PolicyDrop, Output: PolicyAccept}

// Resolve fills empty or invalid fields of d from fallback.
func (d Defaults) Resolve(fallback Defaults) Defaults {
	pick := func(v, fb string) string {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v == PolicyAccept || v == PolicyDrop {
			return v
		}
		return fb
	}
	return Defaults{
		Input:   pick(d.Input, fallback.Input),
		Forward: pick(d.Forward, fallback.Forward),
		Output:  pick(d.Output, fallback.Output),
	}
}

// Options control rendering.
type Options struct {
	// ManagementPort is the TCP port the orchestrator reaches hosts on. It
	// is always accepted ahead of any flush.
	ManagementPort int
	// Flush removes every rule of the touched tables before the version's
	// rules are ensured.
	Flush bool
	// Persist saves the resulting ruleset so it survives a reboot.
	Persist bool

	Defaults Defaults
}

// DefaultOptions returns the rendering defaults.
func DefaultOptions() Options {
	return Options{
		ManagementPort: 22,
		Flush:          true,
		Persist:        true,
		Defaults:       DefaultDefaults,
	}
}

// StepKind classifies procedure steps.
type StepKind string

const (
	StepSafety  StepKind = "safety"
	StepFlush   StepKind = "flush"
	StepEnsure  StepKind = "ensure"
	StepRemove  StepKind = "remove"
	StepPolicy  StepKind = "policy"
	StepPersist StepKind = "persist"
)

// Step is one unit of an enforcement procedure.
type Step struct {
	Kind     StepKind `json:"kind"`
	Name     string   `json:"name"`
	Commands []string `json:"commands"`
}

// Procedure is the ordered list of steps that enforces a version.
type Procedure struct {
	Steps []Step `json:"steps"`
}

// Script renders the procedure as a shell script.
func (p *Procedure) Script() string {
	b := NewScriptBuilder()
	b.AddComment("ruleledger enforcement procedure")
	for i, s := range p.Steps {
		b.AddStep(i+1, s)
	}
	return b.Build()
}

// RenderError reports a rule that cannot be expressed as a command.
type RenderError struct {
	Index  int
	Key    string
	Reason string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("rule %d (%.12s): %s", e.Index, e.Key, e.Reason)
}

// Render expands rules, in the order given, into an enforcement procedure:
// the management-port safety rule, the optional flush, one ensure or remove
// step per rule, the three chain default policies and the optional
// persistence step. It performs no I/O.
func Render(rs []rules.Rule, opts Options) (*Procedure, error) {
	if opts.ManagementPort <= 0 || opts.ManagementPort > 65535 {
		opts.ManagementPort = 22
	}
	defaults := opts.Defaults.Resolve(DefaultDefaults)

	safety := safetySpec(opts.ManagementPort)
	p := &Procedure{}
	p.Steps = append(p.Steps, Step{
		Kind:     StepSafety,
		Name:     fmt.Sprintf("accept management port %d", opts.ManagementPort),
		Commands: []string{ensureFirst("filter", "INPUT", safety)},
	})

	if opts.Flush {
		cmds := make([]string, 0, 4)
		for _, table := range tables(rs) {
			cmds = append(cmds, fmt.Sprintf("iptables -t %s -F", quote(table)))
		}
		// Back in immediately: the flush above removed it.
		cmds = append(cmds, ensureFirst("filter", "INPUT", safety))
		p.Steps = append(p.Steps, Step{Kind: StepFlush, Name: "flush rules", Commands: cmds})
	}

	for i, r := range rs {
		spec, err := ruleSpec(r)
		if err != nil {
			return nil, &RenderError{Index: i, Key: r.Key, Reason: err.Error()}
		}
		table, chain := quote(r.Table), quote(r.Chain)
		if r.State == rules.StateAbsent {
			p.Steps = append(p.Steps, Step{
				Kind: StepRemove,
				Name: describe(r),
				Commands: []string{fmt.Sprintf(
					"while iptables -t %s -C %s %s 2>/dev/null; do iptables -t %s -D %s %s; done",
					table, chain, spec, table, chain, spec)},
			})
			continue
		}
		p.Steps = append(p.Steps, Step{
			Kind: StepEnsure,
			Name: describe(r),
			Commands: []string{fmt.Sprintf(
				"iptables -t %s -C %s %s 2>/dev/null || iptables -t %s -A %s %s",
				table, chain, spec, table, chain, spec)},
		})
	}

	p.Steps = append(p.Steps, Step{
		Kind: StepPolicy,
		Name: "set default policies",
		Commands: []string{
			"iptables -P INPUT " + defaults.Input,
			"iptables -P FORWARD " + defaults.Forward,
			"iptables -P OUTPUT " + defaults.Output,
		},
	})

	if opts.Persist {
		p.Steps = append(p.Steps, Step{
			Kind: StepPersist,
			Name: "persist rules",
			Commands: []string{
				"if command -v netfilter-persistent >/dev/null 2>&1; then netfilter-persistent save; " +
					"else mkdir -p /etc/iptables && iptables-save > /etc/iptables/rules.v4; fi",
			},
		})
	}
	return p, nil
}

func safetySpec(port int) string {
	return "-p tcp -m tcp --dport " + strconv.Itoa(port) +
		" -m conntrack --ctstate NEW,ESTABLISHED -m comment --comment " +
		quote(ManagementComment) + " -j ACCEPT"
}

func ensureFirst(table, chain, spec string) string {
	return fmt.Sprintf("iptables -t %s -C %s %s 2>/dev/null || iptables -t %s -I %s 1 %s",
		table, chain, spec, table, chain, spec)
}

// tables lists the tables rules touch, filter first.
func tables(rs []rules.Rule) []string {
	seen := map[string]bool{"filter": true}
	var others []string
	for _, r := range rs {
		if r.Table != "" && !seen[r.Table] {
			seen[r.Table] = true
			others = append(others, r.Table)
		}
	}
	sort.Strings(others)
	return append([]string{"filter"}, others...)
}

func describe(r rules.Rule) string {
	parts := []string{r.Chain}
	if r.Protocol != "" {
		parts = append(parts, r.Protocol)
	}
	if r.DPort != "" {
		parts = append(parts, r.DPort)
	}
	parts = append(parts, r.Target)
	if r.Comment != "" {
		parts = append(parts, fmt.Sprintf("(%s)", r.Comment))
	}
	return strings.Join(parts, " ")
}

// ruleSpec renders the match and jump part of an iptables command for r.
// Values written as "!x" render as negated matches.
func ruleSpec(r rules.Rule) (string, error) {
	var args []string
	add := func(flag, v string) {
		if v == "" {
			return
		}
		if neg, ok := strings.CutPrefix(v, "!"); ok {
			args = append(args, "!", flag, quote(strings.TrimSpace(neg)))
			return
		}
		args = append(args, flag, quote(v))
	}

	add("-p", r.Protocol)
	add("-s", r.Src)
	add("-d", r.Dst)
	add("-i", r.InIface)
	add("-o", r.OutIface)

	if r.SPort != "" || r.DPort != "" {
		if r.Protocol == "" || strings.HasPrefix(r.Protocol, "!") {
			return "", fmt.Errorf("port match requires a protocol")
		}
		if strings.Contains(r.SPort, ",") || strings.Contains(r.DPort, ",") {
			args = append(args, "-m", "multiport")
			add("--sports", iptablesPorts(r.SPort))
			add("--dports", iptablesPorts(r.DPort))
		} else {
			args = append(args, "-m", quote(r.Protocol))
			add("--sport", iptablesPorts(r.SPort))
			add("--dport", iptablesPorts(r.DPort))
		}
	}

	if r.StateMatch != "" {
		args = append(args, "-m", "conntrack")
		add("--ctstate", r.StateMatch)
	}
	if r.Comment != "" {
		args = append(args, "-m", "comment", "--comment", quote(flatten(r.Comment)))
	}

	if r.Target == "" {
		return "", fmt.Errorf("missing target")
	}
	args = append(args, "-j", quote(r.Target))
	return strings.Join(args, " "), nil
}

// iptablesPorts turns canonical "N-M" ranges back into iptables' "N:M".
func iptablesPorts(spec string) string {
	if spec == "" {
		return ""
	}
	neg := strings.HasPrefix(spec, "!")
	items := strings.Split(strings.TrimPrefix(spec, "!"), ",")
	for i, item := range items {
		if lo, hi, ok := strings.Cut(item, "-"); ok {
			items[i] = lo + ":" + hi
		}
	}
	out := strings.Join(items, ",")
	if neg {
		return "!" + out
	}
	return out
}

func quote(s string) string {
	return remote.Quote(s)
}
