// Package faults classifies failures into transient and permanent so that
// retry decisions are a function of the error class, not of string matching
// at every call site.
package faults

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Class is the retry class of a failure.
type Class int

const (
	ClassUnknown   Class = iota
	ClassTransient       // worth retrying: timeouts, unavailable dependencies
	ClassPermanent       // not worth retrying: bad input, bad credentials, bugs
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

type classified struct {
	err   error
	class Class
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassTransient}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassPermanent}
}

// Transientf is shorthand for Transient(fmt.Errorf(...)).
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf is shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Classify returns the retry class of err. Explicit marks win; otherwise the
// class is derived from the error type. Unknown errors are treated as
// permanent so that a bug never loops forever through the retry path.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var c *classified
	if errors.As(err, &c) {
		return c.class
	}

	// Malformed payloads never get better on retry.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ClassPermanent
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return ClassPermanent
	}

	// Postgres: connection-level failures are retryable, constraint and
	// syntax errors are not. Class 08 is connection exception, 57 is
	// operator intervention (shutdown), 40 is transaction rollback
	// (serialization failure, deadlock).
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "57", "40", "53":
			return ClassTransient
		default:
			return ClassPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	return ClassPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// ShouldRetry reports whether a transient failure should be attempted again
// given the number of attempts already made.
func ShouldRetry(err error, attempts, maxAttempts int64) bool {
	return IsTransient(err) && attempts < maxAttempts
}
