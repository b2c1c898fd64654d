// Package remote is the remote-execution channel: run a command on a named
// host and get back its exit status and combined output.
//
// An Executor returns an error only when the command could not be run at
// all (unreachable host, authentication, timeout). A command that ran and
// exited non-zero is a Result with ExitCode != 0 and a nil error.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Command is one command line to run on a host.
type Command struct {
	// Line is interpreted by the remote shell.
	Line string
	// Stdin, if set, is fed to the command's standard input.
	Stdin string
	// Privileged commands are escalated when the executor is configured to.
	Privileged bool
}

// Result is the outcome of a command that ran.
type Result struct {
	ExitCode int
	Output   string
}

// OK reports whether the command exited zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Executor runs commands on remote hosts.
type Executor interface {
	Run(ctx context.Context, host string, cmd Command) (Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, host string, cmd Command) (Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, host string, cmd Command) (Result, error) {
	return f(ctx, host, cmd)
}

// TransportError reports that a host could not be reached or that no
// command variant could be executed successfully on it.
type TransportError struct {
	Host string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("remote %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("remote %s: %s: %v", e.Host, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrNoVariants is returned by RunFirst when it is given nothing to run.
var ErrNoVariants = errors.New("no command variants")

// RunFirst runs the variants in order and returns the first one that exits
// zero, along with its index. When every variant fails to run or exits
// non-zero the result is a *TransportError describing each attempt.
func RunFirst(ctx context.Context, exec Executor, host string, variants []Command) (Result, int, error) {
	if len(variants) == 0 {
		return Result{}, -1, &TransportError{Host: host, Err: ErrNoVariants}
	}

	var failures []string
	var last error
	for i, cmd := range variants {
		res, err := exec.Run(ctx, host, cmd)
		if err == nil && res.OK() {
			return res, i, nil
		}
		if err != nil {
			last = err
			failures = append(failures, fmt.Sprintf("variant %d: %v", i+1, err))
		} else {
			failures = append(failures, fmt.Sprintf("variant %d: exit status %d", i+1, res.ExitCode))
		}
		if ctx.Err() != nil {
			break
		}
	}

	err := fmt.Errorf("all command variants failed (%s)", strings.Join(failures, "; "))
	if last != nil {
		err = fmt.Errorf("%w: %w", err, last)
	}
	return Result{}, -1, &TransportError{Host: host, Op: "run", Err: err}
}

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			strings.ContainsRune("-_./:,=+@%", c)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
