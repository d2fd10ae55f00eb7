// Package orcherr defines the error taxonomy of the orchestrator:
// a fixed set of Kinds, a typed Error carrying one, and the propagation
// policy each Kind implies (recovered locally vs. surfaced to the caller).
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is one entry of the error taxonomy. It is not a Go type
// hierarchy, just a tag callers can switch on.
type Kind string

const (
	ProviderUnavailable Kind = "provider_unavailable"
	ProviderProtocol    Kind = "provider_protocol"

	ToolTimeout  Kind = "tool_timeout"
	ToolCrash    Kind = "tool_crash"
	ToolProtocol Kind = "tool_protocol"
	ToolError    Kind = "tool_error"
	ToolUnknown  Kind = "tool_unknown"

	EmbeddingFailed  Kind = "embedding_failed"
	SummaryFailed    Kind = "summary_failed"
	CacheUnavailable Kind = "cache_unavailable"

	RepositoryFailed Kind = "repository_failed"
	InvalidRequest   Kind = "invalid_request"
)

// Recovered reports whether errors of this kind are handled locally and
// allow the turn to continue.
func (k Kind) Recovered() bool {
	switch k {
	case ToolTimeout, ToolCrash, ToolProtocol, ToolError, ToolUnknown,
		EmbeddingFailed, SummaryFailed, CacheUnavailable:
		return true
	default:
		return false
	}
}

// ChunkCategory maps a surfaced Kind to the short category string the
// caller-facing error chunk carries.
func (k Kind) ChunkCategory() string {
	switch k {
	case ProviderUnavailable:
		return "provider_unavailable"
	case InvalidRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// Error is a taxonomy-tagged error. Cause is nil when the error
// originates here rather than wrapping another one (for example an
// unknown tool name, a tool-server error reply, or an InvalidRequest).
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a tagged Error.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error.
// Callers that need a definite kind for logging should use this rather
// than assume err is always tagged.
func KindOf(err error) (Kind, bool) {
	if e, ok := As(err); ok {
		return e.Kind, true
	}
	return "", false
}
