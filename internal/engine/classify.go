package engine

import (
	"context"
	"errors"

	"grimm.is/ruleledger/internal/document"
	"grimm.is/ruleledger/internal/remote"
	"grimm.is/ruleledger/internal/rules"
	"grimm.is/ruleledger/internal/store"
)

// Outcome is the caller-facing class of an operation's error.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeInvalidInput Outcome = "invalid_input"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeConflict     Outcome = "conflict"
	OutcomeUnreachable  Outcome = "unreachable"
	OutcomeInternal     Outcome = "internal"
)

// Retryable reports whether the whole operation may be resubmitted as is.
func (o Outcome) Retryable() bool {
	return o == OutcomeConflict || o == OutcomeUnreachable
}

// Classify maps an error returned by Service to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}

	var (
		verr *rules.ValidationError
		perr *document.ParseError
		terr *remote.TransportError
	)
	switch {
	case errors.As(err, &perr), errors.As(err, &verr):
		return OutcomeInvalidInput
	case errors.Is(err, store.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, store.ErrConflict):
		return OutcomeConflict
	case errors.As(err, &terr), errors.Is(err, context.DeadlineExceeded):
		return OutcomeUnreachable
	}
	return OutcomeInternal
}
