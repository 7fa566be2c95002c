package core

import (
	"github.com/cockroachdb/errors"
)

// Error taxonomy shared by the engine packages. Concrete errors are marked
// with one of these so callers can test them with errors.Is regardless of
// how much context was wrapped around them.
var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrAlreadyFinished  = errors.New("already finished")
	ErrStartFailure     = errors.New("start failure")
	ErrStillRunning     = errors.New("still running")
	ErrInternal         = errors.New("internal error")
)

var publicKinds = []error{
	ErrNotFound,
	ErrForbidden,
	ErrInvalidParameter,
	ErrInvalidSchedule,
	ErrAlreadyFinished,
	ErrStartFailure,
	ErrStillRunning,
}

// Mark tags err with one of the taxonomy sentinels. The result matches kind
// under both the standard errors.Is and the cockroachdb one, and keeps err
// in its chain.
func Mark(err error, kind error) error {
	if err == nil {
		return nil
	}
	return &kindError{cause: errors.Mark(err, kind), kind: kind}
}

type kindError struct {
	cause error
	kind  error
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }

func (e *kindError) Is(target error) bool { return target == e.kind }

// NotFoundf builds an error marked as ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return Mark(errors.Newf(format, args...), ErrNotFound)
}

// Forbiddenf builds an error marked as ErrForbidden.
func Forbiddenf(format string, args ...any) error {
	return Mark(errors.Newf(format, args...), ErrForbidden)
}

// InvalidParameterf builds an error marked as ErrInvalidParameter.
func InvalidParameterf(format string, args ...any) error {
	return Mark(errors.Newf(format, args...), ErrInvalidParameter)
}

// InvalidSchedulef builds an error marked as ErrInvalidSchedule.
func InvalidSchedulef(format string, args ...any) error {
	return Mark(errors.Newf(format, args...), ErrInvalidSchedule)
}

// StartFailure wraps a spawn error so it is reported as ErrStartFailure.
func StartFailure(err error, format string, args ...any) error {
	return Mark(errors.Wrapf(err, format, args...), ErrStartFailure)
}

// Kind returns the taxonomy sentinel err is marked with, or ErrInternal.
func Kind(err error) error {
	for _, kind := range publicKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}

// PublicMessage returns text that is safe to show to the caller. Errors that
// do not belong to the taxonomy collapse to a generic message.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if Kind(err) == ErrInternal {
		return ErrInternal.Error()
	}
	msg := err.Error()
	if hint := errors.FlattenHints(err); hint != "" {
		msg += " (" + hint + ")"
	}
	return msg
}
