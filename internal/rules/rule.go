// Package rules defines the canonical firewall rule schema and the
// normalizer that turns loosely structured rule records into it.
//
// A canonical Rule has a fixed set of typed fields. Optional fields use the
// empty string for "absent", so nil, "" and a missing key in the source
// record all collapse to the same value. Fields the schema does not model are
// kept, sorted and serialized, in Extras. The rule Key is a SHA-256 over the
// canonical tuple and is therefore independent of how the source record
// spelled its optional fields.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// State is the desired presence of a rule on the host.
type State string

const (
	StatePresent State = "present"
	StateAbsent  State = "absent"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == StatePresent || s == StateAbsent
}

const (
	// DefaultTable is used when neither the rule nor the document defaults
	// name a table.
	DefaultTable = "filter"

	// DefaultPriority is used when a rule has no priority.
	DefaultPriority = 100
)

// Rule is a canonical rule.
type Rule struct {
	Table      string `json:"table"`
	Chain      string `json:"chain"`
	Priority   int    `json:"priority"`
	Target     string `json:"target"`
	Protocol   string `json:"protocol,omitempty"`
	Src        string `json:"src,omitempty"`
	Dst        string `json:"dst,omitempty"`
	SPort      string `json:"sport,omitempty"`
	DPort      string `json:"dport,omitempty"`
	InIface    string `json:"in_iface,omitempty"`
	OutIface   string `json:"out_iface,omitempty"`
	StateMatch string `json:"state_match,omitempty"`
	Comment    string `json:"comment,omitempty"`

	// Extras is the canonical JSON object of unmodeled fields, or "".
	Extras string `json:"extras,omitempty"`

	State State  `json:"state"`
	Key   string `json:"rule_key"`
}

// ComputeKey returns the deterministic fingerprint of r's canonical fields.
// Comment and State are not part of the key: two rules that differ only in
// those fields are the same rule in different conditions.
func ComputeKey(r Rule) string {
	tuple := []any{
		r.Table,
		r.Chain,
		r.Priority,
		r.Target,
		optional(r.Protocol),
		optional(r.Src),
		optional(r.Dst),
		optional(r.SPort),
		optional(r.DPort),
		optional(r.InIface),
		optional(r.OutIface),
		optional(r.StateMatch),
		optional(r.Extras),
	}
	// A JSON array quotes every value and encodes absent fields as null, so no
	// field value can be confused with the sentinel or with a separator.
	b, err := json.Marshal(tuple)
	if err != nil {
		// Every tuple element is a string, int or nil.
		panic(fmt.Sprintf("rules: marshal key tuple: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Raw converts r back into a loosely structured record. Normalizing the
// result yields r again.
func (r Rule) Raw() Raw {
	raw := Raw{
		"table":    r.Table,
		"chain":    r.Chain,
		"priority": r.Priority,
		"target":   r.Target,
		"state":    string(r.State),
	}
	set := func(k, v string) {
		if v != "" {
			raw[k] = v
		}
	}
	set("protocol", r.Protocol)
	set("src", r.Src)
	set("dst", r.Dst)
	set("sport", r.SPort)
	set("dport", r.DPort)
	set("in_iface", r.InIface)
	set("out_iface", r.OutIface)
	set("state_match", r.StateMatch)
	set("comment", r.Comment)

	if r.Extras != "" {
		var extras map[string]any
		if err := json.Unmarshal([]byte(r.Extras), &extras); err == nil {
			for k, v := range extras {
				raw[k] = v
			}
		}
	}
	return raw
}

// Equivalent reports whether a and b agree on every compared field. Empty
// and absent values are equal by construction.
func Equivalent(a, b Rule) bool {
	return len(ChangedFields(a, b)) == 0
}

// ChangedFields lists the compared fields on which a and b differ.
func ChangedFields(a, b Rule) []string {
	var changed []string
	cmp := func(name, x, y string) {
		if x != y {
			changed = append(changed, name)
		}
	}
	if a.Priority != b.Priority {
		changed = append(changed, "priority")
	}
	cmp("target", a.Target, b.Target)
	cmp("protocol", a.Protocol, b.Protocol)
	cmp("src", a.Src, b.Src)
	cmp("dst", a.Dst, b.Dst)
	cmp("sport", a.SPort, b.SPort)
	cmp("dport", a.DPort, b.DPort)
	cmp("in_iface", a.InIface, b.InIface)
	cmp("out_iface", a.OutIface, b.OutIface)
	cmp("state_match", a.StateMatch, b.StateMatch)
	cmp("comment", a.Comment, b.Comment)
	cmp("extras", a.Extras, b.Extras)
	return changed
}
