package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindConfig       ErrorKind = "config"
	KindSchemaDrift  ErrorKind = "schema_drift"
	KindConnectivity ErrorKind = "connectivity"
	KindData         ErrorKind = "data"
	KindSlice        ErrorKind = "slice"
	KindSanitization ErrorKind = "sanitization"
	KindRollback     ErrorKind = "rollback"
	KindCancelled    ErrorKind = "cancelled"
	KindInternal     ErrorKind = "internal"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrPairBusy             = errors.New("another job is active for this source/target pair")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrConflictResolved     = errors.New("conflict already resolved")
	ErrRollbackUnsupported  = errors.New("rollback unsupported")
	ErrJobNotActive         = errors.New("job is not active")
	ErrTableNotFound        = errors.New("table not found")
	ErrDuplicateMapping     = errors.New("duplicate mapping")
	ErrDuplicateRule        = errors.New("sanitization rule already registered")
	ErrUnknownRule          = errors.New("unknown sanitization rule")
	ErrRuleNotApplicable    = errors.New("sanitization rule does not cover the declared type")
	ErrUnsupportedEndpoint  = errors.New("unsupported endpoint")
	ErrEngineClosed         = errors.New("engine closed")
	ErrRowThresholdExceeded = errors.New("row error threshold exceeded")
)

// Error is the typed error carried through the engine. Kind drives retries, slice
// and job handling, and the CLI exit code.
type Error struct {
	Kind  ErrorKind
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.Table != "" {
		msg += " (" + e.Table + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewConfigError(format string, args ...any) error {
	return &Error{Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}

func NewSchemaDriftError(table string, err error) error {
	return &Error{Kind: KindSchemaDrift, Op: "validate", Table: table, Err: err}
}

func NewConnectivityError(op string, err error) error {
	return &Error{Kind: KindConnectivity, Op: op, Err: err}
}

func NewDataError(op string, err error) error {
	return &Error{Kind: KindData, Op: op, Err: err}
}

func NewSliceError(table string, err error) error {
	return &Error{Kind: KindSlice, Table: table, Err: err}
}

func NewSanitizationError(rule, field string, err error) error {
	return &Error{Kind: KindSanitization, Op: "sanitize " + field + " with " + rule, Err: err}
}

func NewRollbackError(table string, err error) error {
	return &Error{Kind: KindRollback, Op: "rollback", Table: table, Err: err}
}

// KindOf returns the kind of the outermost typed error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateMapping) || errors.Is(err, ErrUnknownRule) {
		return KindConfig
	}
	return KindInternal
}

// RootKind walks the whole chain and returns the innermost typed kind, so a SliceError
// wrapping a ConnectivityError reports connectivity.
func RootKind(err error) ErrorKind {
	kind := KindOf(err)
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		kind = e.Kind
		err = e.Err
	}
	return kind
}

func IsTransient(err error) bool {
	return KindOf(err) == KindConnectivity
}

// IsRowLevel reports errors that skip a single row instead of aborting the slice.
func IsRowLevel(err error) bool {
	k := KindOf(err)
	return k == KindData || k == KindSanitization
}
