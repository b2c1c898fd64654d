package livestate

import (
	"context"
	"encoding/base64"
	"strings"

	"grimm.is/ruleledger/internal/logging"
	"grimm.is/ruleledger/internal/metrics"
	"grimm.is/ruleledger/internal/remote"
)

// DefaultCommands are the dump command variants tried in order. The dump
// travels base64-encoded so no layer between the host and the parser can
// mangle it.
var DefaultCommands = []string{
	"iptables-save | base64 -w0",
	"/usr/sbin/iptables-save | base64 -w0",
	"/sbin/iptables-save | base64 | tr -d '\\n'",
}

// Fetcher reads the live ruleset of hosts over a remote executor.
type Fetcher struct {
	exec     remote.Executor
	table    string
	commands []string
	logger   *logging.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithTable selects the table section to parse.
func WithTable(table string) FetcherOption {
	return func(f *Fetcher) {
		if table != "" {
			f.table = table
		}
	}
}

// WithCommands replaces the dump command variants.
func WithCommands(commands []string) FetcherOption {
	return func(f *Fetcher) {
		if len(commands) > 0 {
			f.commands = append([]string(nil), commands...)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) FetcherOption {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(exec remote.Executor, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		exec:     exec,
		table:    DefaultTable,
		commands: DefaultCommands,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.WithComponent("livestate")
	return f
}

// Fetch dumps, decodes and parses the live ruleset of host. When every
// command variant fails the error is a *remote.TransportError. A payload
// that does not decode, or decodes to nothing, is an empty result: a host
// with no rules is a legal state.
func (f *Fetcher) Fetch(ctx context.Context, host string) (*Result, error) {
	variants := make([]remote.Command, len(f.commands))
	for i, line := range f.commands {
		variants[i] = remote.Command{Line: line, Privileged: true}
	}

	res, idx, err := remote.RunFirst(ctx, f.exec, host, variants)
	if err != nil {
		metrics.Get().RecordLiveFetch("error", 0)
		f.logger.Warn("live-state fetch failed", "host", host, "error", err)
		return nil, err
	}

	dump, err := Decode(res.Output)
	if err != nil {
		metrics.Get().RecordLiveFetch("empty", 0)
		f.logger.Warn("live-state payload did not decode", "host", host, "variant", idx+1, "error", err)
		return Parse("", f.table), nil
	}

	parsed := Parse(dump, f.table)
	result := "ok"
	if parsed.Empty() {
		result = "empty"
	}
	metrics.Get().RecordLiveFetch(result, parsed.Skipped)
	f.logger.Debug("live state fetched", "host", host, "variant", idx+1,
		"policies", len(parsed.Policies), "rules", len(parsed.Rules), "skipped", parsed.Skipped)
	return parsed, nil
}

// Decode reverses the transport encoding of a dump. Whitespace that line
// wrapping may have added is ignored.
func Decode(payload string) (string, error) {
	compact := strings.Join(strings.Fields(payload), "")
	if compact == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return "", &DecodeError{Err: err}
	}
	return string(b), nil
}

// DecodeError reports a dump payload that is not valid base64.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode live-state payload: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }
