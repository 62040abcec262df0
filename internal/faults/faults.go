package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the failure category used to pick a recovery policy.
type Kind int

const (
	Unknown Kind = iota
	Transient
	RateLimited
	NoRoute
	Auth
	Precondition
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case NoRoute:
		return "no_route"
	case Auth:
		return "auth"
	case Precondition:
		return "precondition"
	default:
		return "unknown"
	}
}

// Error is an error tagged with its Kind.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a tagged error.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

var (
	ErrTradingDisabled     = New(Precondition, "swap", "trading disabled")
	ErrInsufficientBalance = New(Precondition, "swap", "insufficient balance")
	ErrInvalidAmount       = New(Precondition, "swap", "amount must be positive")
	ErrNoRoute             = New(NoRoute, "route", "no route found")
)

// CooldownError is returned while a rate limit bucket is cooling down.
type CooldownError struct {
	Bucket string
	Until  time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("rate limit bucket %s cooling down until %s", e.Bucket, e.Until.UTC().Format(time.RFC3339Nano))
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return Classify(err) == kind
}

// As is errors.As for *Error.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
