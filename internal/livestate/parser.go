package livestate

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
)

// DefaultTable is the table section parsed when none is named.
const DefaultTable = "filter"

// maxLineLen bounds one dump line. Longer lines are skipped.
const maxLineLen = 1024 * 1024

// Parse reads the named table section ("filter" when empty) of an
// iptables-save dump. It never fails: lines it cannot interpret are counted
// in Result.Skipped and the rest of the dump is still parsed. A dump without
// the section yields an empty result.
func Parse(dump, table string) *Result {
	if table == "" {
		table = DefaultTable
	}
	p := &sectionParser{
		table: table,
		res:   &Result{Table: table, Policies: []PolicyRecord{}, Rules: []Rule{}},
	}

	r := bufio.NewReader(strings.NewReader(dump))
	lineNo := 0
	for {
		text, err := r.ReadString('\n')
		if text != "" {
			lineNo++
			p.line(lineNo, text)
		}
		if err != nil {
			break
		}
	}
	return p.res
}

// sectionParser collects the rules and policies of one table section.
type sectionParser struct {
	table     string
	inSection bool
	res       *Result
}

func (p *sectionParser) line(lineNo int, text string) {
	if len(text) > maxLineLen {
		p.res.Skipped++
		return
	}
	line := strings.TrimSpace(text)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	// Table declaration: *filter, *nat, *mangle, *raw
	if strings.HasPrefix(line, "*") {
		p.inSection = strings.TrimPrefix(line, "*") == p.table
		return
	}
	if !p.inSection {
		return
	}

	switch {
	case line == "COMMIT":
		p.inSection = false

	case strings.HasPrefix(line, ":"):
		// Chain declaration: :INPUT ACCEPT [0:0]
		rec, ok := parseChainDeclaration(line)
		if !ok {
			p.res.Skipped++
			return
		}
		rec.Table = p.table
		// User-defined chains carry "-" instead of a policy.
		if rec.Policy != "-" {
			p.res.Policies = append(p.res.Policies, rec)
		}

	case strings.HasPrefix(line, "-A"):
		rule, skipped, err := parseRuleLine(line)
		p.res.Skipped += skipped
		if err != nil {
			p.res.Skipped++
			return
		}
		rule.Table = p.table
		rule.Line = lineNo
		p.res.Rules = append(p.res.Rules, rule)

	default:
		p.res.Skipped++
	}
}

func parseChainDeclaration(line string) (PolicyRecord, bool) {
	parts := strings.Fields(strings.TrimPrefix(line, ":"))
	if len(parts) < 2 {
		return PolicyRecord{}, false
	}
	rec := PolicyRecord{
		Platform: Platform,
		Chain:    parts[0],
		Policy:   parts[1],
	}
	if len(parts) >= 3 {
		counters := strings.Trim(parts[2], "[]")
		fmt.Sscanf(counters, "%d:%d", &rec.Packets, &rec.Bytes)
	}
	return rec, true
}

// walkState is the state of the rule-line walker.
type walkState int

const (
	// scanningChain expects "-A <chain>".
	scanningChain walkState = iota
	// readingFlag expects a top-level flag such as -p, -s or -m.
	readingFlag
	// readingModuleSuboption expects a --option of the current -m module.
	readingModuleSuboption
)

var (
	errNotAppend    = errors.New("not an append directive")
	errMissingChain = errors.New("missing chain name")
)

// walker turns the tokens of one "-A" line into a Rule.
type walker struct {
	tokens []string
	pos    int
	state  walkState
	module string
	negate bool

	rule    Rule
	skipped int
}

func parseRuleLine(line string) (Rule, int, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return Rule{}, 0, err
	}
	w := &walker{
		tokens: tokens,
		state:  scanningChain,
		rule: Rule{
			Platform:   Platform,
			Protocol:   AnyProtocol,
			Port:       AnyPort,
			SourcePort: AnyPort,
		},
	}
	if err := w.run(); err != nil {
		return Rule{}, w.skipped, err
	}
	return w.rule, w.skipped, nil
}

func (w *walker) run() error {
	for w.pos < len(w.tokens) {
		tok := w.tokens[w.pos]
		switch w.state {
		case scanningChain:
			if tok != "-A" && tok != "--append" {
				return errNotAppend
			}
			if w.pos+1 >= len(w.tokens) {
				return errMissingChain
			}
			w.rule.Chain = w.tokens[w.pos+1]
			w.pos += 2
			w.state = readingFlag

		case readingFlag:
			w.pos++
			w.flag(tok)

		case readingModuleSuboption:
			if tok == "!" {
				w.negate = true
				w.pos++
				continue
			}
			if strings.HasPrefix(tok, "--") && w.suboption(tok) {
				continue
			}
			// Not an option of this module: hand the token back.
			w.state = readingFlag
			w.module = ""
		}
	}
	return nil
}

// value consumes the argument of the flag just read. A trailing flag with
// no argument yields ok=false.
func (w *walker) value() (string, bool) {
	if w.pos >= len(w.tokens) {
		w.skipped++
		return "", false
	}
	v := w.tokens[w.pos]
	w.pos++
	if w.negate {
		w.negate = false
		v = "!" + v
	}
	return v, true
}

func (w *walker) flag(tok string) {
	switch tok {
	case "!":
		w.negate = true
	case "-p", "--protocol":
		if v, ok := w.value(); ok {
			w.rule.Protocol = strings.ToLower(v)
		}
	case "-s", "--source":
		w.rule.Source, _ = w.value()
	case "-d", "--destination":
		w.rule.Destination, _ = w.value()
	case "-i", "--in-interface":
		w.rule.InIface, _ = w.value()
	case "-o", "--out-interface":
		w.rule.OutIface, _ = w.value()
	case "-j", "--jump", "-g", "--goto":
		w.rule.Action, _ = w.value()
	case "-m", "--match":
		if v, ok := w.value(); ok {
			w.rule.Modules = append(w.rule.Modules, v)
			w.module = v
			w.state = readingModuleSuboption
		}
	case "--dport", "--destination-port":
		if v, ok := w.value(); ok {
			w.rule.Port = singlePort(v)
		}
	case "--sport", "--source-port":
		if v, ok := w.value(); ok {
			w.rule.SourcePort = singlePort(v)
		}
	default:
		w.unknown(tok)
	}
}

// suboption handles one option of the current match module and reports
// whether it belonged to the module.
func (w *walker) suboption(tok string) bool {
	switch w.module {
	case "conntrack":
		if tok != "--ctstate" {
			return w.otherSuboption(tok)
		}
	case "state":
		if tok != "--state" {
			return w.otherSuboption(tok)
		}
	case "multiport":
		switch tok {
		case "--dports", "--destination-ports", "--ports":
		case "--sports", "--source-ports":
		default:
			return w.otherSuboption(tok)
		}
	case "tcp", "udp", "sctp", "udplite":
		switch tok {
		case "--dport", "--destination-port", "--sport", "--source-port":
		default:
			return w.otherSuboption(tok)
		}
	case "comment":
		if tok != "--comment" {
			return false
		}
	default:
		return w.otherSuboption(tok)
	}

	w.pos++
	v, ok := w.value()
	if !ok {
		return true
	}
	switch tok {
	case "--ctstate", "--state":
		w.rule.StateMatch = v
	case "--dports", "--destination-ports", "--ports":
		w.rule.Port = portList(v)
	case "--sports", "--source-ports":
		w.rule.SourcePort = portList(v)
	case "--dport", "--destination-port":
		w.rule.Port = singlePort(v)
	case "--sport", "--source-port":
		w.rule.SourcePort = singlePort(v)
	case "--comment":
		w.rule.Comment = v
	}
	return true
}

// otherSuboption consumes an option the module has but the schema does not
// model, e.g. "--tcp-flags SYN,RST SYN" or "--limit 5/min". Options that are
// also top-level flags are left for readingFlag.
func (w *walker) otherSuboption(tok string) bool {
	switch tok {
	case "--protocol", "--source", "--destination", "--in-interface",
		"--out-interface", "--jump", "--goto", "--match",
		"--dport", "--destination-port", "--sport", "--source-port":
		return false
	}
	w.pos++
	w.unknown(tok)
	return true
}

// unknown records tok and any arguments that follow it up to the next
// flag.
func (w *walker) unknown(tok string) {
	w.negate = false
	w.skipped++
	w.rule.Unparsed = append(w.rule.Unparsed, tok)
	for w.pos < len(w.tokens) {
		next := w.tokens[w.pos]
		if next == "!" || (strings.HasPrefix(next, "-") && len(next) > 1 && !isNumeric(next[1:])) {
			return
		}
		w.rule.Unparsed = append(w.rule.Unparsed, next)
		w.pos++
	}
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

// singlePort normalizes a --dport/--sport argument: a plain number stays a
// number, "N:M" becomes "N-M".
func singlePort(v string) Port {
	v = rangeText(v)
	if isNumeric(v) {
		var n int
		fmt.Sscanf(v, "%d", &n)
		return Port{Number: n}
	}
	return Port{Text: v}
}

// portList normalizes a multiport list: ranges become "N-M" and the items
// are comma-joined. A single item is returned bare.
func portList(v string) Port {
	items := strings.Split(v, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, rangeText(item))
		}
	}
	if len(out) == 0 {
		return AnyPort
	}
	return Port{Text: strings.Join(out, ",")}
}

func rangeText(v string) string {
	neg := strings.HasPrefix(v, "!")
	body := strings.TrimPrefix(v, "!")
	if lo, hi, ok := strings.Cut(body, ":"); ok && isNumeric(lo) && isNumeric(hi) {
		body = lo + "-" + hi
	}
	if neg {
		return "!" + body
	}
	return body
}
