// Package livestate reads the ruleset a host actually enforces.
//
// A dump produced by iptables-save is fetched over the remote channel,
// decoded and parsed into policy records (one per built-in chain default)
// and live rules. Results are for display and comparison only and are never
// stored as a version.
package livestate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"grimm.is/ruleledger/internal/rules"
)

// Platform tags every record produced by this package.
const Platform = "on-premise"

const (
	// AnyProtocol is reported when a rule names no protocol.
	AnyProtocol = "all"
	// AnyPortText is reported when a rule names no port.
	AnyPortText = "any"
)

// Port is a port specification as found in a dump. A single numeric port is
// held in Number and marshals as a JSON number; everything else (ranges,
// lists, the "any" sentinel) is held in Text and marshals as a string.
type Port struct {
	Number int
	Text   string
}

// AnyPort is the port of a rule with no port match.
var AnyPort = Port{Text: AnyPortText}

// IsNumber reports whether p is a single numeric port.
func (p Port) IsNumber() bool { return p.Text == "" }

// IsAny reports whether p is the "any" sentinel.
func (p Port) IsAny() bool { return p.Text == AnyPortText }

func (p Port) String() string {
	if p.IsNumber() {
		return strconv.Itoa(p.Number)
	}
	return p.Text
}

func (p Port) MarshalJSON() ([]byte, error) {
	if p.IsNumber() {
		return json.Marshal(p.Number)
	}
	return json.Marshal(p.Text)
}

func (p *Port) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*p = Port{Number: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("port must be a number or a string: %w", err)
	}
	*p = Port{Text: s}
	return nil
}

// PolicyRecord is the default policy of a built-in chain.
type PolicyRecord struct {
	Platform string `json:"platform"`
	Table    string `json:"table"`
	Chain    string `json:"chain"`
	Policy   string `json:"policy"`
	Packets  uint64 `json:"packets"`
	Bytes    uint64 `json:"bytes"`
}

// Rule is one appended rule line of a dump.
type Rule struct {
	Platform    string `json:"platform"`
	Table       string `json:"table"`
	Chain       string `json:"chain"`
	Protocol    string `json:"protocol"`
	Source      string `json:"source_ip,omitempty"`
	Destination string `json:"destination_ip,omitempty"`
	Port        Port   `json:"port"`
	SourcePort  Port   `json:"source_port"`
	InIface     string `json:"in_iface,omitempty"`
	OutIface    string `json:"out_iface,omitempty"`
	Action      string `json:"action,omitempty"`
	StateMatch  string `json:"state_match,omitempty"`
	Comment     string `json:"comment,omitempty"`

	// Modules lists the -m match modules in order of appearance.
	Modules []string `json:"modules,omitempty"`
	// Unparsed holds the tokens the parser did not model.
	Unparsed []string `json:"unparsed,omitempty"`
	// Line is the 1-based line number in the dump.
	Line int `json:"line"`
}

// Result is the parsed content of one table section.
type Result struct {
	Table    string         `json:"table"`
	Policies []PolicyRecord `json:"policies"`
	Rules    []Rule         `json:"rules"`
	// Skipped counts lines and tokens that could not be interpreted.
	Skipped int `json:"skipped"`
}

// Empty reports whether the result holds no records.
func (r *Result) Empty() bool {
	return len(r.Policies) == 0 && len(r.Rules) == 0
}

// ToCanonical converts a live rule into the canonical rule schema so it can
// be compared with stored rules by key. Live rules carry no priority or
// desired state; they get the defaults. The "all" protocol and "any" port
// sentinels map back to absent fields.
func (r Rule) ToCanonical() (rules.Rule, error) {
	raw := rules.Raw{
		"table":       r.Table,
		"chain":       r.Chain,
		"target":      r.Action,
		"src":         r.Source,
		"dst":         r.Destination,
		"in_iface":    r.InIface,
		"out_iface":   r.OutIface,
		"state_match": r.StateMatch,
		"comment":     r.Comment,
	}
	if r.Protocol != AnyProtocol {
		raw["protocol"] = r.Protocol
	}
	if !r.Port.IsAny() {
		raw["dport"] = r.Port.String()
	}
	if !r.SourcePort.IsAny() {
		raw["sport"] = r.SourcePort.String()
	}
	if strings.TrimSpace(r.Action) == "" {
		return rules.Rule{}, &rules.ValidationError{Index: -1, Field: "target", Reason: fmt.Sprintf("line %d has no jump target", r.Line)}
	}
	return rules.Normalize(raw, rules.Defaults{Table: r.Table})
}
