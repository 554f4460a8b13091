package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired        = sterrors.New("queueflow: configuration is required")
	ErrCredentialsRequired   = sterrors.New("queueflow: credentials are required")
	ErrReceiverNotConfigured = sterrors.New("queueflow: receiver is not configured")
	ErrSenderNotConfigured   = sterrors.New("queueflow: sender is not configured")
	ErrMessengerClosed       = sterrors.New("queueflow: messenger is closed")
	ErrEmptyToken            = sterrors.New("queueflow: authority returned an empty token")
	ErrAccessKeysNotFound    = sterrors.New("queueflow: no access keys returned for account")
	ErrAccountNotFound       = sterrors.New("queueflow: account not found in subscription")

	// ErrSubscriptionKindMismatch is returned when a payload type already has a
	// background poll of the other style (callback or stream).
	ErrSubscriptionKindMismatch = sterrors.New("queueflow: payload type is already polled by a different receive style")
)

// ValidationError is returned when a configuration is missing mandatory
// fields. It is raised at construction time, before any network access.
type ValidationError struct {
	Err error
}

func (e ValidationError) Error() string {
	return "queueflow: invalid configuration: " + e.Err.Error()
}

func (e ValidationError) Unwrap() error { return e.Err }

// NewValidationError wraps err in a ValidationError. A nil err yields nil.
func NewValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ValidationError{Err: err}
}

// AuthenticationError reports a failed or empty token acquisition.
type AuthenticationError struct {
	Authority string
	Err       error
}

func (e *AuthenticationError) Error() string {
	if e.Authority == "" {
		return fmt.Sprintf("queueflow: authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("queueflow: authentication against %s failed: %v", e.Authority, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// AccountLookupError reports that the account, or its access keys, could not
// be found through the management plane.
type AccountLookupError struct {
	Account        string
	SubscriptionID string
	Err            error
}

func (e *AccountLookupError) Error() string {
	return fmt.Sprintf("queueflow: account %q (subscription %q): %v", e.Account, e.SubscriptionID, e.Err)
}

func (e *AccountLookupError) Unwrap() error { return e.Err }

// ConnectionError wraps any failure raised while resolving a connection string.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("queueflow: an error occurred during service connection: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MessageTooLargeError is returned by Send before any I/O when the serialized
// envelope exceeds the sender limit.
type MessageTooLargeError struct {
	Size  int
	Limit int
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("queueflow: max message size of %d bytes exceeded (message size was %d)", e.Limit, e.Size)
}

// MessageNotTrackedError is returned by acknowledgment operations when the
// delivery token is not present in the in-flight registry.
type MessageNotTrackedError struct {
	Token string
	// Malformed is set when Token could never have been issued.
	Malformed bool
}

func (e *MessageNotTrackedError) Error() string {
	if e.Malformed {
		return fmt.Sprintf("queueflow: %q is not a delivery token", e.Token)
	}
	return fmt.Sprintf("queueflow: message %q is not tracked", e.Token)
}

// NotSupportedError is returned for operations that need control-plane access
// the messenger does not hold.
type NotSupportedError struct {
	Operation string
	Err       error
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("queueflow: %s is not supported", e.Operation)
}

func (e *NotSupportedError) Unwrap() error { return e.Err }
