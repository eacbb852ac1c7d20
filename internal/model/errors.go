package model

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrStore      = errors.New("store error")
	ErrDispatch   = errors.New("dispatch error")
)

// ValidationError reports a malformed inbound observation. Reason is safe to
// return to the sender.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
}

func (ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError reports an observation for a printer with no profile.
type NotFoundError struct {
	DeviceID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("unknown device: %s", e.DeviceID)
}

func (NotFoundError) Unwrap() error {
	return ErrNotFound
}

// StoreError wraps a profile store failure that survived retries.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStore, e.Op, e.Err)
}

func (e StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

// DispatchError reports that an event fired and was persisted but could not be
// published.
type DispatchError struct {
	DeviceID string
	Err      error
}

func (e DispatchError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrDispatch, e.DeviceID, e.Err)
}

func (e DispatchError) Unwrap() []error {
	return []error{ErrDispatch, e.Err}
}
