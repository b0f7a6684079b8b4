package apierr

import (
	"errors"
	"fmt"
)

// Code is the closed set of provider-facing error codes. Anything outside
// this set is mapped to CodeInternal before it crosses the public boundary.
type Code string

const (
	CodeTokenNotFound             Code = "TOKEN_NOT_FOUND"
	CodeTokenInvalid              Code = "TOKEN_INVALID"
	CodeUpstreamUnavailable       Code = "UPSTREAM_UNAVAILABLE"
	CodeUnsupportedResponse       Code = "UNSUPPORTED_RESPONSE"
	CodeInternal                  Code = "INTERNAL"
	CodeCodexAppServerUnavailable Code = "CODEX_APP_SERVER_UNAVAILABLE"
	CodePricingNotConfigured      Code = "PRICING_NOT_CONFIGURED"
	CodePricingFetchFailed        Code = "PRICING_FETCH_FAILED"
	CodePricingCacheTooOld        Code = "PRICING_CACHE_TOO_OLD"
	CodeModelMappingMissing       Code = "MODEL_MAPPING_MISSING"
	CodeModelPriceMissing         Code = "MODEL_PRICE_MISSING"
	CodeCostSourceUnavailable     Code = "COST_SOURCE_UNAVAILABLE"
	CodeWeztermUnavailable        Code = "WEZTERM_UNAVAILABLE"
	CodeTmuxUnavailable           Code = "TMUX_UNAVAILABLE"
	CodeInvalidPane               Code = "INVALID_PANE"
	CodeRateLimit                 Code = "RATE_LIMIT"
	CodeDangerousCommand          Code = "DANGEROUS_COMMAND"
)

var knownCodes = map[Code]bool{
	CodeTokenNotFound:             true,
	CodeTokenInvalid:              true,
	CodeUpstreamUnavailable:       true,
	CodeUnsupportedResponse:       true,
	CodeInternal:                  true,
	CodeCodexAppServerUnavailable: true,
	CodePricingNotConfigured:      true,
	CodePricingFetchFailed:        true,
	CodePricingCacheTooOld:        true,
	CodeModelMappingMissing:       true,
	CodeModelPriceMissing:         true,
	CodeCostSourceUnavailable:     true,
	CodeWeztermUnavailable:        true,
	CodeTmuxUnavailable:           true,
	CodeInvalidPane:               true,
	CodeRateLimit:                 true,
	CodeDangerousCommand:          true,
}

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Error is a typed core error. It short-circuits inside a component and is
// either surfaced directly (screen/commands path) or attached to a snapshot
// as an Issue (dashboard path).
type Error struct {
	Code     Code
	Severity Severity
	Message  string
	cause    error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Severity: defaultSeverity(code), Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(code Code, err error, message string) *Error {
	e := New(code, message)
	e.cause = err
	if message == "" && err != nil {
		e.Message = err.Error()
	}
	return e
}

// Token-lookup and model-mapping issues attach to otherwise valid snapshots,
// so they default to warnings. Everything else starts as an error; the
// dashboard downgrades transport failures to warnings when a prior valid
// snapshot exists.
func defaultSeverity(code Code) Severity {
	switch code {
	case CodeTokenNotFound, CodeModelMappingMissing, CodeModelPriceMissing:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// CodeOf extracts the taxonomy code from err, mapping anything unknown to
// CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		if knownCodes[e.Code] {
			return e.Code
		}
		return CodeInternal
	}
	return CodeInternal
}

// Normalize returns err as a taxonomy error, wrapping foreign errors as
// INTERNAL at the public boundary.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if !knownCodes[e.Code] {
			return &Error{Code: CodeInternal, Severity: e.Severity, Message: e.Message, cause: e}
		}
		return e
	}
	return Wrap(CodeInternal, err, "")
}

// Issue is the snapshot-attached form of an Error.
type Issue struct {
	Code     Code     `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
}

func (e *Error) Issue() Issue {
	return Issue{Code: e.Code, Severity: e.Severity, Message: e.Message}
}

// AppendIssue appends issue to issues unless an identical (code, message)
// pair is already present.
func AppendIssue(issues []Issue, issue Issue) []Issue {
	for _, existing := range issues {
		if existing.Code == issue.Code && existing.Message == issue.Message {
			return issues
		}
	}
	return append(issues, issue)
}
