package unifiedllm

import (
	"context"
	"errors"
	"fmt"
)

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// TransportError means bytes stopped arriving or could not be framed or
// decoded at all.
type TransportError struct {
	SDKError
	Provider string
}

// ProtocolError means the bytes were well formed but violate the grammar of
// the declared provider.
type ProtocolError struct {
	SDKError
	Provider string
	Event    string
}

func (e *ProtocolError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("%s protocol error in %q: %s", e.Provider, e.Event, e.SDKError.Error())
	}
	return fmt.Sprintf("%s protocol error: %s", e.Provider, e.SDKError.Error())
}

// ToolCallError reports tool-call arguments that could not be parsed when
// the call completed. It does not end the stream.
type ToolCallError struct {
	SDKError
	CallID   string
	ToolName string
	Raw      string
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("tool call %s (%s): %s", e.CallID, e.ToolName, e.SDKError.Error())
}

func newTransportError(provider, msg string, cause error) *TransportError {
	return &TransportError{SDKError: SDKError{Message: msg, Cause: cause}, Provider: provider}
}

func newProtocolError(provider, event, msg string) *ProtocolError {
	return &ProtocolError{SDKError: SDKError{Message: msg}, Provider: provider, Event: event}
}

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504, 529:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		// Unknown errors default to retryable.
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable returns true if the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch e := err.(type) {
	case *ProviderError:
		return e.Retryable
	case *AuthenticationError, *AccessDeniedError, *NotFoundError, *InvalidRequestError,
		*ContextLengthError, *ContentFilterError, *ConfigurationError, *AbortError:
		return false
	case *RateLimitError, *ServerError, *RequestTimeoutError, *TransportError, *ProtocolError:
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Unknown errors default to retryable.
	return true
}
