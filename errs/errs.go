// Package errs classifies the failures of the replication engine so callers can decide
// whether a failure is local to one message, one session, or the whole space.
//
//	Verification   bad signature, broken chain, stale nonce: credential dropped
//	Authorization  well formed credential from a feed or key that may not issue it: dropped
//	Auth           peer handshake rejected: session closed, swarm keeps going
//	Cancelled      epoch preemption or shutdown: logged at debug, never a fault
//	Storage        snapshot / metadata persistence: logged, retried on next window
//	Protocol       malformed or unanswerable RPC: returned to the caller as typed error
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Class is the failure category
type Class int

const (
	Verification Class = iota
	Authorization
	Auth
	Cancelled
	Storage
	Protocol
)

func (c Class) String() string {
	switch c {
	case Verification:
		return "verification"
	case Authorization:
		return "authorization"
	case Auth:
		return "auth"
	case Cancelled:
		return "cancelled"
	case Storage:
		return "storage"
	case Protocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a classified failure of one operation
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s failure: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a class; a nil err yields nil
func New(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// Newf builds a classified error from a format string
func Newf(class Class, op string, format string, args ...interface{}) error {
	return &Error{Class: class, Op: op, Err: fmt.Errorf(format, args...)}
}

// ClassOf returns the class of err and whether it was classified at all
func ClassOf(err error) (Class, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return 0, false
}

// IsClass reports whether err carries class
func IsClass(err error, class Class) bool {
	c, ok := ClassOf(err)
	return ok && c == class
}

// IsCancelled reports expected shutdown / preemption errors
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return IsClass(err, Cancelled)
}
