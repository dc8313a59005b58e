package delivery

import (
	"errors"
	"fmt"
)

// Error classes. Use errors.Is to classify an error returned by this package.
var (
	ErrValidation   = errors.New("validation failed")
	ErrStoreWrite   = errors.New("store write failed")
	ErrSubscription = errors.New("subscription failed")
)

var (
	// ErrEmptyBody is returned when the text is empty after trimming.
	ErrEmptyBody = errors.New("message body is empty")
	// ErrBodyTooLong is returned when the text exceeds the configured limit.
	ErrBodyTooLong = errors.New("message body is too long")
)

// ValidationError is returned before any store call is made.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

// StoreWriteError is returned when the store rejected a create or update.
type StoreWriteError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%s in %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreWriteError) Unwrap() []error {
	return []error{ErrStoreWrite, e.Err}
}

// SubscriptionError reports a failed live view of a conversation.
type SubscriptionError struct {
	Key string
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription to %s: %v", e.Key, e.Err)
}

func (e *SubscriptionError) Unwrap() []error {
	return []error{ErrSubscription, e.Err}
}
