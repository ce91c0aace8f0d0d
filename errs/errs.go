// Package errs provides structured error types and helpers for Moneta services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a coarse error category used for routing and retry decisions.
type Code string

const (
	// CodeProtocol indicates a memo wire-format violation.
	CodeProtocol Code = "protocol"
	// CodeResource indicates an exhausted or unavailable pooled resource.
	CodeResource Code = "resource"
	// CodeRemote indicates a remote venue or network failure.
	CodeRemote Code = "remote"
	// CodeReconciliation indicates a financial-safety guard rejection.
	CodeReconciliation Code = "reconciliation"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures venue-agnostic failure categories recorded on orders.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"

	// CanonicalInvalidChecksum indicates a memo whose checksum did not verify.
	CanonicalInvalidChecksum CanonicalCode = "invalid_checksum"
	// CanonicalUnsupportedVersion indicates a memo version this decoder refuses.
	CanonicalUnsupportedVersion CanonicalCode = "unsupported_version"
	// CanonicalMalformedPayload indicates a memo whose field layout did not parse.
	CanonicalMalformedPayload CanonicalCode = "malformed_payload"
	// CanonicalUnknownCode indicates an unrecognized lookup-table code in a memo.
	CanonicalUnknownCode CanonicalCode = "unknown_code"

	// CanonicalNoKeyAvailable indicates no pooled credential satisfied the request.
	CanonicalNoKeyAvailable CanonicalCode = "no_key_available"
	// CanonicalInsufficientBalance indicates insufficient balance for the requested operation.
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"

	// CanonicalOrderRejected indicates the venue permanently rejected the order.
	CanonicalOrderRejected CanonicalCode = "order_rejected"
	// CanonicalInvalidSymbol indicates an unsupported or malformed symbol.
	CanonicalInvalidSymbol CanonicalCode = "invalid_symbol"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"

	// CanonicalReleaseWithoutFill indicates a release attempt for an unfilled order.
	CanonicalReleaseWithoutFill CanonicalCode = "release_without_fill"
	// CanonicalDoubleRelease indicates a release attempt for an already-released order.
	CanonicalDoubleRelease CanonicalCode = "double_release"
)

// E captures structured error information produced across the Moneta stack.
type E struct {
	Component   string
	Code        Code
	RawCode     string
	RawMsg      string
	Message     string
	Canonical   CanonicalCode
	Metadata    map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		RawCode:     "",
		RawMsg:      "",
		Message:     "",
		Canonical:   CanonicalUnknown,
		Metadata:    nil,
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Canonical extracts the canonical code carried by err, or CanonicalUnknown
// when err has no envelope.
func Canonical(err error) CanonicalCode {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Canonical
	}
	return CanonicalUnknown
}

// IsProtocol reports whether err is a memo wire-format violation.
func IsProtocol(err error) bool {
	var envelope *E
	return errors.As(err, &envelope) && envelope.Code == CodeProtocol
}

// IsTerminal reports whether err must fail an order permanently instead of
// retrying through the dispatcher.
func IsTerminal(err error) bool {
	var envelope *E
	if !errors.As(err, &envelope) {
		return false
	}
	switch envelope.Code {
	case CodeProtocol, CodeResource, CodeReconciliation, CodeInvalid:
		return true
	}
	switch envelope.Canonical {
	case CanonicalOrderRejected, CanonicalInvalidSymbol:
		return true
	}
	return false
}
