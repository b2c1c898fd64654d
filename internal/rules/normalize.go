package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"grimm.is/ruleledger/internal/validation"
)

// Raw is an untrusted rule record as decoded from a policy document.
type Raw map[string]any

// Defaults are document-level fallbacks applied during normalization.
type Defaults struct {
	Table string
}

// ValidationError reports a rule or metadata field that cannot be accepted.
type ValidationError struct {
	Index  int // rule position in the document, -1 when not rule-scoped
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("rule %d: %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// knownFields are the keys consumed by the canonical schema. Anything else
// is carried in Extras.
var knownFields = map[string]bool{
	"table": true, "chain": true, "priority": true, "target": true,
	"protocol": true, "proto": true, "src": true, "dst": true,
	"sport": true, "dport": true, "in_iface": true, "out_iface": true,
	"state_match": true, "comment": true, "state": true,
}

// portProtocols are the protocols iptables can match ports of.
var portProtocols = map[string]bool{
	"tcp": true, "udp": true, "udplite": true, "sctp": true, "dccp": true,
}

// Normalize validates raw and returns its canonical form with Key set.
func Normalize(raw Raw, defaults Defaults) (Rule, error) {
	fail := func(field, reason string) (Rule, error) {
		return Rule{}, &ValidationError{Index: -1, Field: field, Reason: reason}
	}

	var r Rule
	var err error

	if r.Table, err = scalar(raw["table"]); err != nil {
		return fail("table", err.Error())
	}
	if r.Table == "" {
		r.Table = strings.TrimSpace(defaults.Table)
	}
	if r.Table == "" {
		r.Table = DefaultTable
	}
	r.Table = strings.ToLower(r.Table)

	if r.Chain, err = scalar(raw["chain"]); err != nil {
		return fail("chain", err.Error())
	}
	if r.Chain == "" {
		return fail("chain", "required")
	}
	if err := validation.ValidateChainName(r.Chain); err != nil {
		return fail("chain", err.Error())
	}
	r.Chain = strings.ToUpper(r.Chain)

	if r.Target, err = scalar(raw["target"]); err != nil {
		return fail("target", err.Error())
	}
	if r.Target == "" {
		return fail("target", "required")
	}
	r.Target = strings.ToUpper(r.Target)

	if r.Priority, err = priority(raw["priority"]); err != nil {
		return fail("priority", err.Error())
	}

	proto := raw["protocol"]
	if isEmpty(proto) {
		proto = raw["proto"]
	}
	if r.Protocol, err = scalar(proto); err != nil {
		return fail("protocol", err.Error())
	}
	r.Protocol = strings.ToLower(r.Protocol)

	strFields := []struct {
		name string
		dst  *string
	}{
		{"src", &r.Src},
		{"dst", &r.Dst},
		{"in_iface", &r.InIface},
		{"out_iface", &r.OutIface},
		{"state_match", &r.StateMatch},
		{"comment", &r.Comment},
	}
	for _, f := range strFields {
		if *f.dst, err = scalar(raw[f.name]); err != nil {
			return fail(f.name, err.Error())
		}
	}
	r.StateMatch = strings.ToUpper(r.StateMatch)

	checks := []struct {
		name  string
		value string
		check func(string) error
	}{
		{"src", r.Src, validation.ValidateAddress},
		{"dst", r.Dst, validation.ValidateAddress},
		{"in_iface", r.InIface, validation.ValidateInterfaceName},
		{"out_iface", r.OutIface, validation.ValidateInterfaceName},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		if err := c.check(c.value); err != nil {
			return fail(c.name, err.Error())
		}
	}

	if r.SPort, err = PortSpec(raw["sport"]); err != nil {
		return fail("sport", err.Error())
	}
	if r.DPort, err = PortSpec(raw["dport"]); err != nil {
		return fail("dport", err.Error())
	}
	for _, p := range []struct{ name, spec string }{{"sport", r.SPort}, {"dport", r.DPort}} {
		if p.spec == "" {
			continue
		}
		if err := validation.ValidatePortSpec(p.spec); err != nil {
			return fail(p.name, err.Error())
		}
		if r.Protocol == "" {
			return fail(p.name, "port match requires a protocol")
		}
		if !portProtocols[r.Protocol] {
			return fail(p.name, fmt.Sprintf("protocol %q has no ports", r.Protocol))
		}
	}

	state, err := scalar(raw["state"])
	if err != nil {
		return fail("state", err.Error())
	}
	r.State = State(strings.ToLower(state))
	if r.State == "" {
		r.State = StatePresent
	}
	if !r.State.Valid() {
		return fail("state", fmt.Sprintf("must be %q or %q, got %q", StatePresent, StateAbsent, state))
	}

	if r.Extras, err = canonicalExtras(raw); err != nil {
		return fail("extras", err.Error())
	}

	r.Key = ComputeKey(r)
	return r, nil
}

// NormalizeAll normalizes raws in order. The first invalid rule aborts the
// whole batch; its position is recorded in the returned ValidationError.
func NormalizeAll(raws []Raw, defaults Defaults) ([]Rule, error) {
	out := make([]Rule, 0, len(raws))
	for i, raw := range raws {
		r, err := Normalize(raw, defaults)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Index = i
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// scalar renders a scalar field as a trimmed string; nil becomes "".
func scalar(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return strconv.FormatInt(int64(t), 10), nil
		}
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case json.Number:
		return t.String(), nil
	}
	return "", fmt.Errorf("expected a scalar, got %T", v)
}

func priority(v any) (int, error) {
	if isEmpty(v) {
		return DefaultPriority, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("must be an integer, got %v", t)
		}
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("must be an integer, got %q", t)
		}
		return n, nil
	case json.Number:
		n, err := strconv.Atoi(t.String())
		if err != nil {
			return 0, fmt.Errorf("must be an integer, got %q", t)
		}
		return n, nil
	}
	return 0, fmt.Errorf("must be an integer, got %T", v)
}

// PortSpec canonicalizes a port field. Numbers are stringified, lists are
// comma-joined, and "N:M" ranges become "N-M". Absent values yield "".
// Range checks are left to Normalize.
func PortSpec(v any) (string, error) {
	var items []string
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			s, err := scalar(e)
			if err != nil {
				return "", err
			}
			items = append(items, s)
		}
	case []int:
		for _, e := range t {
			items = append(items, strconv.Itoa(e))
		}
	case []string:
		items = append(items, t...)
	default:
		s, err := scalar(v)
		if err != nil {
			return "", err
		}
		items = strings.Split(s, ",")
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		neg := strings.HasPrefix(item, "!")
		body := strings.TrimSpace(strings.TrimPrefix(item, "!"))
		if lo, hi, ok := strings.Cut(body, ":"); ok && isDigits(lo) && isDigits(hi) {
			body = lo + "-" + hi
		}
		if neg {
			body = "!" + body
		}
		out = append(out, body)
	}
	return strings.Join(out, ","), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// canonicalExtras serializes unmodeled fields as a JSON object with sorted
// keys. Empty-valued extras are dropped so they cannot perturb the key.
func canonicalExtras(raw Raw) (string, error) {
	extras := make(map[string]any)
	for k, v := range raw {
		if knownFields[k] || isEmpty(v) {
			continue
		}
		cv, err := canonicalValue(v)
		if err != nil {
			return "", fmt.Errorf("%s: %w", k, err)
		}
		extras[k] = cv
	}
	if len(extras) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(extras); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// canonicalValue converts YAML-decoded values into JSON-encodable ones.
// encoding/json sorts map keys, which keeps the output deterministic.
func canonicalValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			ce, err := canonicalValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = ce
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			ce, err := canonicalValue(e)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = ce
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			ce, err := canonicalValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ce
		}
		return out, nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t), nil
		}
		return t, nil
	}
	return v, nil
}
