package jobclient

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindSubmissionFailed ErrorKind = "SUBMISSION_FAILED"
	KindPollTransport    ErrorKind = "POLL_TRANSPORT_ERROR"
	KindTimeout          ErrorKind = "TIMEOUT"
)

// TimeoutMessage is shown to the user when a job never completes.
const TimeoutMessage = "Response not ready, try again later."

const fallbackMessage = "An error occurred. Please try again."

// Sentinels for errors.Is; every *Error matches the one for its Kind.
var (
	ErrSubmissionFailed = errors.New("jobclient: submission failed")
	ErrPollTransport    = errors.New("jobclient: poll transport error")
	ErrTimeout          = errors.New("jobclient: response not ready")
)

type Error struct {
	Kind   ErrorKind
	Reason string
	JobID  string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("jobclient: %s (%s)", e.Kind, e.Reason)
	if e.JobID != "" {
		msg += " job_id=" + e.JobID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrSubmissionFailed:
		return e.Kind == KindSubmissionFailed
	case ErrPollTransport:
		return e.Kind == KindPollTransport
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

func newError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// HTTPStatusError captures non-2xx responses from either endpoint.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// UserMessage turns a Submit error into the text shown as the assistant's reply.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return TimeoutMessage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Request cancelled."
	case errors.Is(err, ErrSubmissionFailed):
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			return fmt.Sprintf("Could not submit your question (status %d). Please try again.", statusErr.StatusCode)
		}
		return "Could not submit your question. Please try again."
	case errors.Is(err, ErrPollTransport):
		return "Lost contact with the server while waiting for a response. Please try again."
	default:
		return fallbackMessage
	}
}
