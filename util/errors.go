package util

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConnectionError reports a connection that could not be opened or that
// failed while in use. It terminates the owning loop, never the process.
type ConnectionError struct {
	err error
}

func NewConnectionError(err error) error {
	return &ConnectionError{err: err}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.err)
}

func (e *ConnectionError) Cause() error  { return e.err }
func (e *ConnectionError) Unwrap() error { return e.err }

// SubscriptionError reports a failed LISTEN on a channel during start.
type SubscriptionError struct {
	Channel string
	err     error
}

func NewSubscriptionError(channel string, err error) error {
	return &SubscriptionError{Channel: channel, err: err}
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("failed to listen on channel %q: %v", e.Channel, e.err)
}

func (e *SubscriptionError) Cause() error  { return e.err }
func (e *SubscriptionError) Unwrap() error { return e.err }

// ParseError reports a change record that could not be decoded. Position is
// the record position in the change feed, if known.
type ParseError struct {
	Position string
	Data     string
	err      error
}

func NewParseError(position, data string, err error) error {
	return &ParseError{Position: position, Data: data, err: err}
}

func (e *ParseError) Error() string {
	if e.Position == "" {
		return fmt.Sprintf("failed to parse change record: %v", e.err)
	}
	return fmt.Sprintf("failed to parse change record at %s: %v", e.Position, e.err)
}

func (e *ParseError) Cause() error  { return e.err }
func (e *ParseError) Unwrap() error { return e.err }

// CallbackError wraps an error returned (or a panic raised) by a caller
// supplied callback.
type CallbackError struct {
	err error
}

func NewCallbackError(err error) error {
	return &CallbackError{err: err}
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback failed: %v", e.err)
}

func (e *CallbackError) Cause() error  { return e.err }
func (e *CallbackError) Unwrap() error { return e.err }

func IsConnectionError(err error) bool {
	var e *ConnectionError
	return errors.As(err, &e)
}

func IsSubscriptionError(err error) bool {
	var e *SubscriptionError
	return errors.As(err, &e)
}

func IsParseError(err error) bool {
	var e *ParseError
	return errors.As(err, &e)
}

func IsCallbackError(err error) bool {
	var e *CallbackError
	return errors.As(err, &e)
}

// RecoverCallback runs f converting a panic into a CallbackError.
func RecoverCallback(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewCallbackError(errors.Errorf("panic: %v", r))
		}
	}()
	if cerr := f(); cerr != nil {
		return NewCallbackError(cerr)
	}
	return nil
}
