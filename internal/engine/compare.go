package engine

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/ruleledger/internal/deploy"
	"grimm.is/ruleledger/internal/rules"
)

// ProcedureDiff renders both versions with the same defaults and returns a
// unified diff of the two procedures. Identical procedures yield "".
func (s *Service) ProcedureDiff(ctx context.Context, baseID, newID int64, defaults deploy.Defaults) (string, error) {
	base, err := s.Render(ctx, baseID, defaults)
	if err != nil {
		return "", err
	}
	next, err := s.Render(ctx, newID, defaults)
	if err != nil {
		return "", err
	}

	a, b := base.Script(), next.Script()
	if a == b {
		return "", nil
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: fmt.Sprintf("version %d", baseID),
		ToFile:   fmt.Sprintf("version %d", newID),
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("diff procedures: %w", err)
	}
	return text, nil
}

// Drift compares what a host enforces in one table against a stored
// version's rules for that table.
type Drift struct {
	VersionID int64  `json:"version_id"`
	Host      string `json:"host"`
	Table     string `json:"table"`
	// Missing rules are present in the version but not on the host.
	Missing []rules.Rule `json:"missing"`
	// Lingering rules are marked absent in the version but still enforced.
	Lingering []rules.Rule `json:"lingering"`
	// Unexpected rules are enforced but not mentioned by the version.
	Unexpected []rules.Rule `json:"unexpected"`
	// Unreadable counts live rules that could not be compared.
	Unreadable int `json:"unreadable"`
}

// InSync reports whether the host enforces exactly the version's rules.
func (d *Drift) InSync() bool {
	return len(d.Missing) == 0 && len(d.Lingering) == 0 && len(d.Unexpected) == 0
}

// Drift fetches a host's live state and compares it with a version.
// Priorities do not survive a dump, so rules are matched on every other
// keyed field. The management safety rule every apply installs is not
// reported.
func (s *Service) Drift(ctx context.Context, versionID int64, host string) (*Drift, error) {
	if _, err := s.store.GetVersionHeader(ctx, versionID); err != nil {
		return nil, err
	}
	want, err := s.store.GetRules(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load rules of version %d: %w", versionID, err)
	}
	live, err := s.fetcher.Fetch(ctx, host)
	if err != nil {
		return nil, err
	}

	d := &Drift{VersionID: versionID, Host: host, Table: live.Table}
	enforced := make(map[string]bool, len(live.Rules))
	for _, lr := range live.Rules {
		r, err := lr.ToCanonical()
		if err != nil {
			d.Unreadable++
			continue
		}
		if r.Comment == deploy.ManagementComment {
			continue
		}
		enforced[matchKey(r)] = true
		r.Key = rules.ComputeKey(r)
		if !mentioned(want, r, live.Table) {
			d.Unexpected = append(d.Unexpected, r)
		}
	}

	for _, r := range want {
		if r.Table != live.Table {
			continue
		}
		on := enforced[matchKey(r)]
		switch {
		case r.State == rules.StateAbsent && on:
			d.Lingering = append(d.Lingering, r)
		case r.State != rules.StateAbsent && !on:
			d.Missing = append(d.Missing, r)
		}
	}
	return d, nil
}

func mentioned(want []rules.Rule, r rules.Rule, table string) bool {
	k := matchKey(r)
	for _, w := range want {
		if w.Table == table && matchKey(w) == k {
			return true
		}
	}
	return false
}

// matchKey keys r on what iptables-save reproduces. The dump prints host
// addresses with a prefix length and conntrack states in its own order.
func matchKey(r rules.Rule) string {
	r.Priority = 0
	r.Extras = ""
	r.Src = prefixForm(r.Src)
	r.Dst = prefixForm(r.Dst)
	r.StateMatch = stateSet(r.StateMatch)
	return rules.ComputeKey(r)
}

// prefixForm writes an address or network as a masked prefix, keeping a
// leading "!". Host names are returned unchanged.
func prefixForm(addr string) string {
	body, neg := strings.CutPrefix(addr, "!")
	body = strings.TrimSpace(body)

	var p netip.Prefix
	if ip, err := netip.ParseAddr(body); err == nil {
		p = netip.PrefixFrom(ip, ip.BitLen())
	} else if pp, err := netip.ParsePrefix(body); err == nil {
		p = pp.Masked()
	} else {
		return addr
	}
	if neg {
		return "!" + p.String()
	}
	return p.String()
}

// stateSet sorts a comma-separated state list.
func stateSet(states string) string {
	body, neg := strings.CutPrefix(states, "!")
	var items []string
	for _, s := range strings.Split(body, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			items = append(items, s)
		}
	}
	sort.Strings(items)
	out := strings.Join(items, ",")
	if neg {
		return "!" + out
	}
	return out
}
