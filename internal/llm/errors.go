package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrRequestCancelled is returned when an in-flight request is cut short
// by Abort or by caller cancellation.
var ErrRequestCancelled = errors.New("request cancelled")

// FailureKind categorizes a chat-completion failure for retry decisions.
type FailureKind string

const (
	// FailureNetwork covers connect refused, resets, DNS failures, and
	// request timeouts. Retryable.
	FailureNetwork FailureKind = "network"

	// FailureRateLimit is HTTP 429 without a quota payload. Retryable.
	FailureRateLimit FailureKind = "rate_limit"

	// FailureServer is HTTP 5xx. Retryable.
	FailureServer FailureKind = "server_error"

	// FailureContextLength means the request exceeded the model's
	// context window. Never retried as-is; the loop shrinks history.
	FailureContextLength FailureKind = "context_length"

	// FailureQuota means the account is out of credit. Fatal.
	FailureQuota FailureKind = "quota"

	// FailureCancelled is caller or user cancellation. Fatal.
	FailureCancelled FailureKind = "cancelled"

	// FailureInvalid covers 4xx other than 429 and HTTP 200 responses
	// with undecodable bodies. Fatal.
	FailureInvalid FailureKind = "invalid"
)

// IsRetryable reports whether another attempt may succeed.
func (k FailureKind) IsRetryable() bool {
	switch k {
	case FailureNetwork, FailureRateLimit, FailureServer:
		return true
	default:
		return false
	}
}

// ContextLengthError is the distinguished error the agent loop catches to
// trigger a history rollback.
type ContextLengthError struct {
	Cause error
}

func (e *ContextLengthError) Error() string {
	return fmt.Sprintf("context length exceeded: %v", e.Cause)
}

func (e *ContextLengthError) Unwrap() error { return e.Cause }

// QuotaExceededError terminates a run gracefully with a user-facing
// message instead of retrying.
type QuotaExceededError struct {
	Cause error
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %v", e.Cause)
}

func (e *QuotaExceededError) Unwrap() error { return e.Cause }

// contextLengthMarkers are substring pairs/phrases that identify a
// context-window overflow in provider error messages.
var contextLengthMarkers = []string{
	"maximum context",
	"token limit",
	"too many tokens",
}

func isContextLengthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "context") && strings.Contains(lower, "length") {
		return true
	}
	for _, marker := range contextLengthMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isQuotaMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "quota") ||
		strings.Contains(lower, "insufficient credit") ||
		strings.Contains(lower, "insufficient balance")
}

// Classify maps an error from the chat-completions transport onto a
// FailureKind. Status codes are preferred when present; message
// substrings cover providers that bury the condition in text.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureInvalid
	}

	if errors.Is(err, ErrRequestCancelled) || errors.Is(err, context.Canceled) {
		return FailureCancelled
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, reqErr.Error())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case isContextLengthMessage(msg):
		return FailureContextLength
	case isQuotaMessage(msg):
		return FailureQuota
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"):
		return FailureNetwork
	}
	return FailureInvalid
}

func classifyStatus(status int, msg string) FailureKind {
	if isContextLengthMessage(msg) {
		return FailureContextLength
	}
	switch {
	case status == 402:
		return FailureQuota
	case status == 429:
		if isQuotaMessage(msg) {
			return FailureQuota
		}
		return FailureRateLimit
	case status >= 500:
		return FailureServer
	case status >= 400:
		return FailureInvalid
	}
	return FailureInvalid
}

// wrapFatal converts fatal failure kinds into their distinguished error
// types so callers can match with errors.As.
func wrapFatal(kind FailureKind, err error) error {
	switch kind {
	case FailureContextLength:
		return &ContextLengthError{Cause: err}
	case FailureQuota:
		return &QuotaExceededError{Cause: err}
	case FailureCancelled:
		return ErrRequestCancelled
	default:
		return err
	}
}
