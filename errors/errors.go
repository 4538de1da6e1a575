// Package errors defines the coordinator's error kinds; internal errors
// wrap their cause with a stack trace via github.com/pingcap/errors.
package errors

import (
	"fmt"

	pingerrors "github.com/pingcap/errors"
)

// Kind identifies one of the coordinator's error categories. Callers
// should switch on Kind rather than match error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindReadOnly
	KindBadContext
	KindMissingContext
	KindBadFlag
	KindNoObject
	KindAliasInUse
	KindStorageClass
	KindTimeout
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindReadOnly:
		return "ReadOnly"
	case KindBadContext:
		return "BadContext"
	case KindMissingContext:
		return "MissingContext"
	case KindBadFlag:
		return "BadFlag"
	case KindNoObject:
		return "NoObject"
	case KindAliasInUse:
		return "AliasInUse"
	case KindStorageClass:
		return "StorageClassError"
	case KindTimeout:
		return "Timeout"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// CoordinatorError is the concrete type behind every error kind. Errors
// built by NewInternalError wrap their cause with a stack trace via
// github.com/pingcap/errors so that internal errors logged server-side
// keep useful context; the other constructors carry only a message.
type CoordinatorError struct {
	kind    Kind
	message string
	cause   error
}

func (e *CoordinatorError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

// Kind returns the error's kind, so callers can dispatch without string
// matching.
func (e *CoordinatorError) Kind() Kind { return e.kind }

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *CoordinatorError) Unwrap() error { return e.cause }

func newError(kind Kind, msg string, args ...interface{}) *CoordinatorError {
	return &CoordinatorError{
		kind:    kind,
		message: pingerrors.Errorf(msg, args...).Error(),
	}
}

// NewReadOnlyError reports a mutation attempted against a read-only pool.
func NewReadOnlyError() *CoordinatorError {
	return newError(KindReadOnly, "pool is read-only")
}

// NewBadContextError reports that ctx does not refer to the expected
// table kind, or lacks required meta.
func NewBadContextError(ctx int, wantKind string) *CoordinatorError {
	return newError(KindBadContext, "ctx %d is not a valid %s context", ctx, wantKind)
}

// NewMissingContextError reports a union-typed relationship created
// without an explicit endpoint context.
func NewMissingContextError(ctx int) *CoordinatorError {
	return newError(KindMissingContext, "ctx %d requires an explicit endpoint context", ctx)
}

// NewBadFlagError reports a flag value not registered for ctx.
func NewBadFlagError(ctx int, flag int) *CoordinatorError {
	return newError(KindBadFlag, "flag %d is not registered for ctx %d", flag, ctx)
}

// NewNoObjectError reports that the parent object a mutation hangs off
// does not exist.
func NewNoObjectError(kind string, ctx int, id uint64) *CoordinatorError {
	return newError(KindNoObject, "%s<%d/%d> does not exist", kind, ctx, id)
}

// NewAliasInUseError reports that an alias digest is owned by a
// different base_id.
func NewAliasInUseError(alias string, ctx int) *CoordinatorError {
	return newError(KindAliasInUse, "alias %q already in use for ctx %d", alias, ctx)
}

// NewStorageClassError reports a value that does not satisfy ctx's
// storage class.
func NewStorageClassError(ctx int, class string) *CoordinatorError {
	return newError(KindStorageClass, "value does not satisfy storage class %s for ctx %d", class, ctx)
}

// NewTimeoutError reports that the operation's timer fired and cancelled
// an in-flight query.
func NewTimeoutError() *CoordinatorError {
	return newError(KindTimeout, "operation timed out")
}

// NewInternalError wraps an unexpected underlying error (driver failure,
// programmer error) with a stack trace and a lookup sequence number for
// server-side logs.
func NewInternalError(seq int64, cause error) *CoordinatorError {
	return &CoordinatorError{
		kind:    KindInternal,
		message: fmt.Sprintf("internal error (seq=%d)", seq),
		cause:   pingerrors.WithStack(cause),
	}
}

// Is reports whether err is a CoordinatorError of the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := err.(*CoordinatorError)
	if !ok {
		return false
	}
	return ce.kind == kind
}
