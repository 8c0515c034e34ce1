package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error kinds. Every failure below the manager boundary unwraps to exactly one of these.
var (
	ErrConfig         = errors.New("config error")
	ErrAuth           = errors.New("auth error")
	ErrTransient      = errors.New("transient error")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrCircuitOpen    = errors.New("circuit open")
	ErrNotFound       = errors.New("not found")
)

var kinds = []error{ErrConfig, ErrAuth, ErrTransient, ErrSchemaMismatch, ErrCircuitOpen, ErrNotFound}

// Error carries the kind of a failure together with where it happened.
type Error struct {
	Kind        error
	Integration string
	Op          string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Integration != "" {
		msg = e.Integration + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError wraps err with kind. An err that already has a kind keeps it.
func NewError(kind error, op string, err error) error {
	if err != nil && KindOf(err) != nil {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithIntegration stamps the integration name on a kinded error, wrapping bare errors as transient.
func WithIntegration(name string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Integration == "" {
			cp := *de
			cp.Integration = name
			return &cp
		}
		return err
	}
	kind := KindOf(err)
	if kind == nil {
		kind = ErrTransient
	}
	return &Error{Kind: kind, Integration: name, Err: err}
}

// KindOf returns the taxonomy sentinel err unwraps to, or nil.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName is the stable wire name of an error kind.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrConfig:
		return "ConfigError"
	case ErrAuth:
		return "AuthError"
	case ErrTransient:
		return "TransientError"
	case ErrSchemaMismatch:
		return "SchemaMismatch"
	case ErrCircuitOpen:
		return "CircuitOpenError"
	case ErrNotFound:
		return "NotFound"
	default:
		return "Error"
	}
}

// SourceError is the JSON form of a per-source failure.
type SourceError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SourceErrors maps integration names to their failure for one aggregated call.
type SourceErrors map[string]error

func (s SourceErrors) MarshalJSON() ([]byte, error) {
	out := make(map[string]SourceError, len(s))
	for name, err := range s {
		out[name] = SourceError{Kind: KindName(err), Message: err.Error()}
	}
	return json.Marshal(out)
}

func (s *SourceErrors) UnmarshalJSON(b []byte) error {
	var in map[string]SourceError
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := make(SourceErrors, len(in))
	for name, se := range in {
		out[name] = &storedError{kind: kindByName(se.Kind), msg: se.Message}
	}
	*s = out
	return nil
}

// storedError is a per-source error restored from a cached result.
type storedError struct {
	kind error
	msg  string
}

func (e *storedError) Error() string { return e.msg }
func (e *storedError) Unwrap() error { return e.kind }

func kindByName(name string) error {
	for _, k := range kinds {
		if KindName(k) == name {
			return k
		}
	}
	return ErrTransient
}
