// Package aaerr holds the typed failures reported by the user operation
// pipeline. Every failure carries the stage it happened in and a kind that
// callers match with errors.Is.
package aaerr

import (
	"errors"
	"fmt"
)

type Stage string

const (
	StageConfig  Stage = "config"
	StageDraft   Stage = "draft"
	StageSponsor Stage = "sponsor"
	StageSign    Stage = "sign"
	StageSubmit  Stage = "submit"
)

var (
	ErrConfig             = errors.New("invalid configuration")
	ErrNonceFetch         = errors.New("nonce fetch failed")
	ErrEncoding           = errors.New("encoding failed")
	ErrSponsorUnavailable = errors.New("sponsor unavailable")
	ErrSponsorRejected    = errors.New("sponsor rejected request")
	ErrSponsorMalformed   = errors.New("sponsor returned a malformed response")
	ErrSigning            = errors.New("signing failed")
	ErrCancelled          = errors.New("cancelled before submission")
	ErrSubmission         = errors.New("submission rejected")

	// ErrNotSent means the submission failed before any byte reached the
	// bundler, so the operation cannot have been accepted.
	ErrNotSent = errors.New("submission not sent")

	// ErrAmbiguousOutcome means the submission left the process but no
	// definitive answer came back. The operation may still be included.
	ErrAmbiguousOutcome = errors.New("submission outcome unknown")
)

var kindStage = map[error]Stage{
	ErrConfig:             StageConfig,
	ErrNonceFetch:         StageDraft,
	ErrEncoding:           StageDraft,
	ErrSponsorUnavailable: StageSponsor,
	ErrSponsorRejected:    StageSponsor,
	ErrSponsorMalformed:   StageSponsor,
	ErrSigning:            StageSign,
	ErrSubmission:         StageSubmit,
	ErrAmbiguousOutcome:   StageSubmit,
	ErrNotSent:            StageSubmit,
}

// Error is a pipeline failure. Kind is one of the sentinel errors above and
// Err is the underlying cause, if any.
type Error struct {
	Stage Stage
	Kind  error
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// New builds an Error of the given kind. The stage defaults to the one the
// kind belongs to.
func New(kind error, err error) *Error {
	return &Error{Stage: kindStage[kind], Kind: kind, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind error, format string, args ...any) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// At returns a copy of err attributed to stage. Non pipeline errors are
// wrapped as they are.
func At(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Stage = stage
		return &cp
	}
	return &Error{Stage: stage, Kind: nil, Err: err}
}

// StageOf reports the stage err failed in, or "" for foreign errors.
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// Retryable reports whether the exact same request may simply be sent
// again. Only a sponsor outage qualifies.
func Retryable(err error) bool {
	return errors.Is(err, ErrSponsorUnavailable)
}

// SameNonceSafe reports whether the nonce used by the failed attempt was
// certainly not consumed, so a new attempt may reuse it.
func SameNonceSafe(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrAmbiguousOutcome), errors.Is(err, ErrSubmission):
		return false
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrNotSent):
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Stage != StageSubmit
	}
	return false
}
