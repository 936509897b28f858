package domain

import "errors"

// Common domain errors
var (
	// Conversation errors
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationInactive = errors.New("conversation is not active")
	ErrNotMember            = errors.New("user is not an active member of the conversation")
	ErrUserBlocked          = errors.New("sender is blocked")
	ErrSoleOwner            = errors.New("cannot remove the only owner of a conversation")
	ErrRoleRestricted       = errors.New("role change not permitted")

	// Producer errors
	ErrInvalidSchema    = errors.New("invalid request schema")
	ErrPayloadTooLarge  = errors.New("message content too long")
	ErrEnqueueFailed    = errors.New("failed to enqueue message")
	ErrEnqueueThrottled = errors.New("partition backlog above high-water mark")

	// Consumer errors
	ErrPersistenceTransient = errors.New("transient persistence failure")
	ErrPersistencePermanent = errors.New("permanent persistence failure")

	// Message errors
	ErrMessageNotFound = errors.New("message not found")

	// Data access errors
	ErrPoolExhausted      = errors.New("connection pool exhausted")
	ErrQueryTimeout       = errors.New("query timed out")
	ErrReplicaUnavailable = errors.New("replica unavailable")

	// Presence errors
	ErrPresenceStoreUnavailable = errors.New("presence store unavailable")

	// Validation errors
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidCursor  = errors.New("invalid pagination cursor")
	ErrLimitTooLarge  = errors.New("limit exceeds maximum")
	ErrUserIDMismatch = errors.New("userId mismatch")
	ErrNotFound       = errors.New("resource not found")
)

// DomainError wraps a domain error with additional context
type DomainError struct {
	Err     error
	Message string
	Code    string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func NewDomainError(err error, message string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
	}
}

func NewDomainErrorWithCode(err error, message, code string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}
