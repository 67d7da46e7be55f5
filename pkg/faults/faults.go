// Package faults defines the error taxonomy shared across the gateway.
//
// Every user-surfaced error carries a kind, a short human-readable cause,
// and a concrete remediation. Stack traces and wrapped causes are logged,
// never returned to callers over the wire.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatch and user messaging.
type Kind string

const (
	ConfigInvalid              Kind = "config_invalid"
	BackendUnreachable         Kind = "backend_unreachable"
	AuthExpired                Kind = "auth_expired"
	AuthTimeout                Kind = "auth_timeout"
	QuotaExceeded              Kind = "quota_exceeded"
	QueryInvalid               Kind = "query_invalid"
	LLMUnavailable             Kind = "llm_unavailable"
	LLMParseError              Kind = "llm_parse_error"
	SchemaIndexUnavailable     Kind = "schema_index_unavailable"
	PartialIntrospection       Kind = "partial_introspection"
	ToolExecutionFailed        Kind = "tool_execution_failed"
	AdapterSelectionAmbiguous  Kind = "adapter_selection_ambiguous"
	EmbeddingDimensionMismatch Kind = "embedding_dimension_mismatch"
	Timeout                    Kind = "timeout"
	Internal                   Kind = "internal"
)

// Fault is the error type surfaced at component boundaries.
type Fault struct {
	Kind        Kind
	Cause       string
	Remediation string
	// Query holds the offending query text for QueryInvalid faults.
	Query string
	// Raw holds the unparseable model output for LLMParseError faults.
	Raw string
	Err error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", f.Kind, f.Cause, f.Err)
	}
	return fmt.Sprintf("[%s] %s", f.Kind, f.Cause)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New creates a fault of the given kind.
func New(kind Kind, cause string) *Fault {
	return &Fault{Kind: kind, Cause: cause}
}

// Wrap creates a fault wrapping an underlying error.
func Wrap(kind Kind, cause string, err error) *Fault {
	return &Fault{Kind: kind, Cause: cause, Err: err}
}

// WithRemediation attaches a remediation hint and returns the fault.
func (f *Fault) WithRemediation(hint string) *Fault {
	f.Remediation = hint
	return f
}

// WithQuery attaches the offending query text and returns the fault.
func (f *Fault) WithQuery(query string) *Fault {
	f.Query = query
	return f
}

// WithRaw attaches raw model output and returns the fault.
func (f *Fault) WithRaw(raw string) *Fault {
	f.Raw = raw
	return f
}

// KindOf returns the fault kind of err, or Internal when err carries none.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given fault kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CLI exit codes: 0 success, 1 auth, 2 config, 3 backend, 4 query, 5 timeout.
const (
	ExitOK          = 0
	ExitAuth        = 1
	ExitConfig      = 2
	ExitUnreachable = 3
	ExitQuery       = 4
	ExitTimeout     = 5
)

// ExitCode maps an error to the process exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case AuthExpired, AuthTimeout:
		return ExitAuth
	case ConfigInvalid:
		return ExitConfig
	case BackendUnreachable, LLMUnavailable:
		return ExitUnreachable
	case QueryInvalid, LLMParseError:
		return ExitQuery
	case Timeout:
		return ExitTimeout
	default:
		return ExitUnreachable
	}
}
