// Package kernelerr defines the typed error kinds the agent's RPC façade
// and internal components return, so callers can branch on failure class
// with errors.Is/errors.As instead of matching message strings.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind classifies a kernelerr.Error for programmatic handling.
type Kind string

const (
	// KindUnsupportedLang means the requested language/image alias has no
	// entry in the agent's supported-language table.
	KindUnsupportedLang Kind = "unsupported_lang"
	// KindImageInspectFailed means the container engine could not inspect
	// or pull the image backing the requested language.
	KindImageInspectFailed Kind = "image_inspect_failed"
	// KindAllocationExhausted means the CPU allocator has no cores left to
	// satisfy a kernel's core-count requirement.
	KindAllocationExhausted Kind = "allocation_exhausted"
	// KindRestartTimeout means a restart's Create did not see the previous
	// container cleaned (its restart signal fired) within the restart wait
	// window.
	KindRestartTimeout Kind = "restart_timeout"
	// KindExecTimeout means code execution exceeded the configured
	// per-kernel exec timeout.
	KindExecTimeout Kind = "exec_timeout"
	// KindEngineTransient means the container engine returned an error the
	// caller may retry (e.g. a container already mid-removal).
	KindEngineTransient Kind = "engine_transient"
	// KindUpstreamUnavailable means the upstream event dispatcher did not
	// accept a dispatch within its deadline.
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	// KindInvalidMatch means an execute_code match clause named an
	// unsupported operator or target.
	KindInvalidMatch Kind = "invalid_match"
)

// Error is a kernel agent error tagged with a Kind, so the facade can map
// it to an RPC status without inspecting Error() text.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a kernelerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}
