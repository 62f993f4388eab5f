package provider

import (
	"regexp"
	"strconv"
)

// ErrorKind classifies a terminal or recoverable failure from a model call,
// per the completion driver's escalation ladder.
type ErrorKind int

const (
	// ErrKindContextLengthExceeded means the request no longer fits the
	// model's context window. UsedTokens carries the provider-reported
	// token count, or -1 if it could not be parsed from the error body.
	ErrKindContextLengthExceeded ErrorKind = iota
	// ErrKindAPIUnavailable covers transient 502/503/504 responses.
	ErrKindAPIUnavailable
	// ErrKindHTTPError covers any other decoded 4xx/5xx body.
	ErrKindHTTPError
	// ErrKindTransport covers network-level failures below the HTTP layer.
	ErrKindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindContextLengthExceeded:
		return "context_length_exceeded"
	case ErrKindAPIUnavailable:
		return "api_unavailable"
	case ErrKindHTTPError:
		return "http_error"
	case ErrKindTransport:
		return "transport_error"
	default:
		return "unknown_error"
	}
}

// CallError is the typed error a Provider returns for any failure the
// completion driver must distinguish. Its Message is the provider's error
// body cut to 200 bytes by sanitize; those bytes are not otherwise filtered.
type CallError struct {
	Kind       ErrorKind
	UsedTokens int    // meaningful only for ErrKindContextLengthExceeded; -1 if unparseable
	Status     int    // HTTP status, 0 if not applicable
	Code       string // provider error code, if any
	Message    string // sanitized summary
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// contextLengthPattern extracts the first integer group from the provider's
// context-overflow error text, e.g. "Your messages resulted in 204812 tokens".
var contextLengthPattern = regexp.MustCompile(`[Yy]our messages resulted in (\d+) tokens`)

// ParseUsedTokens extracts the token count reported in a context-length-exceeded
// error body. Returns -1 if the body does not contain a recognizable count.
func ParseUsedTokens(body string) int {
	m := contextLengthPattern.FindStringSubmatch(body)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// ClassifyHTTPStatus maps a raw HTTP status code to the error kind the
// driver's escalation ladder understands. Status 502/503/504 are treated as
// transiently retriable; any other 4xx/5xx is a terminal HttpError.
func ClassifyHTTPStatus(status int, body string) *CallError {
	switch status {
	case 502, 503, 504:
		return &CallError{Kind: ErrKindAPIUnavailable, Status: status}
	}
	if looksLikeContextOverflow(body) {
		return &CallError{Kind: ErrKindContextLengthExceeded, UsedTokens: ParseUsedTokens(body)}
	}
	return &CallError{Kind: ErrKindHTTPError, Status: status, Message: sanitize(body)}
}

func looksLikeContextOverflow(body string) bool {
	return contextLengthPattern.MatchString(body)
}

// sanitize trims a provider error body to at most 200 bytes plus an ellipsis.
// It does not remove message or tool content found within those bytes.
func sanitize(body string) string {
	const maxLen = 200
	if len(body) > maxLen {
		return body[:maxLen] + "…"
	}
	return body
}
