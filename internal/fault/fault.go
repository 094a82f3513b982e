// Package fault defines the error taxonomy shared by every layer of the
// orchestrator. Each failure carries a Kind so callers can branch with
// errors.Is without parsing messages.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an orchestrator failure. A Kind is itself an error so it
// can be used as the target of errors.Is.
type Kind string

const (
	DefinitionError   Kind = "definition_error"
	DuplicateFeature  Kind = "duplicate_feature"
	IllegalTransition Kind = "illegal_transition"
	MissingOutputs    Kind = "missing_outputs"
	NoPendingGate     Kind = "no_pending_gate"
	VersionConflict   Kind = "version_conflict"
	RetryExhausted    Kind = "retry_exhausted"
	NotFound          Kind = "not_found"
)

func (k Kind) Error() string {
	return strings.ReplaceAll(string(k), "_", " ")
}

// Error is a classified failure with optional feature/step context.
type Error struct {
	Kind    Kind
	Op      string
	Feature string
	Step    string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Feature != "" {
		fmt.Fprintf(&b, "feature %q: ", e.Feature)
	}
	if e.Step != "" {
		fmt.Fprintf(&b, "step %q: ", e.Step)
	}
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithStep returns a copy of e scoped to a feature and step.
func (e *Error) WithStep(feature, step string) *Error {
	cp := *e
	if feature != "" {
		cp.Feature = feature
	}
	if step != "" {
		cp.Step = step
	}
	return &cp
}

// KindOf extracts the Kind of err, or "" when err is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// Retryable reports whether the caller should reload and resubmit. Only
// version conflicts qualify; every other kind needs a different request.
func Retryable(err error) bool {
	return errors.Is(err, VersionConflict)
}

// Exit codes returned by the CLI.
const (
	ExitOK      = 0
	ExitGeneric = 1
	ExitUsage   = 2
)

var exitCodes = map[Kind]int{
	DefinitionError:   10,
	DuplicateFeature:  11,
	IllegalTransition: 12,
	MissingOutputs:    13,
	NoPendingGate:     14,
	VersionConflict:   15,
	RetryExhausted:    16,
	NotFound:          17,
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if code, ok := exitCodes[KindOf(err)]; ok {
		return code
	}
	return ExitGeneric
}
