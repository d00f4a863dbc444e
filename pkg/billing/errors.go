package billing

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a webhook failure for the boundary layer
type ErrorKind string

const (
	// KindInvalidSignature: untrusted payload, reject without retry
	KindInvalidSignature ErrorKind = "invalid_signature"
	// KindMalformed: the payload verified but cannot be interpreted
	KindMalformed ErrorKind = "malformed"
	// KindDuplicate: the event was already applied, acknowledge it
	KindDuplicate ErrorKind = "duplicate"
	// KindUnresolvedAccount: no account matches the event
	KindUnresolvedAccount ErrorKind = "unresolved_account"
	// KindPreconditionFailed: the transition guard does not hold yet
	KindPreconditionFailed ErrorKind = "precondition_failed"
	// KindTransient: store or network failure, nothing was applied
	KindTransient ErrorKind = "transient"
)

// WebhookError is returned by Processor.Handle
type WebhookError struct {
	Kind      ErrorKind
	EventID   string
	EventType string
	Err       error
}

func (e *WebhookError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("webhook %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("webhook event %s %s: %v", e.EventID, e.Kind, e.Err)
}

func (e *WebhookError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a webhook error, or "" for other errors
func KindOf(err error) ErrorKind {
	var we *WebhookError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}

// IsDuplicate reports whether err is a duplicate event outcome
func IsDuplicate(err error) bool {
	return KindOf(err) == KindDuplicate
}

// IsRetryable reports whether the provider should redeliver the event
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindPreconditionFailed:
		return true
	}
	return false
}
