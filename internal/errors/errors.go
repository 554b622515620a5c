// Package errors defines the error types surfaced by the connection
// registry. Every type here is safe to print: no constructor accepts a
// credential value and none of the Error strings embed one.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ParseError reports malformed secret text. It is fatal at startup:
// a secret that does not parse produces no bundle at all.
type ParseError struct {
	Cause   error
	Message string
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("secret parse failed: %s: %v", e.Message, e.Cause)
	}
	return "secret parse failed: " + e.Message
}

func (e *ParseError) Unwrap() error { return e.Cause }

// DuplicatePlatformError reports a platform block that appears twice at
// the top level of the secret.
type DuplicatePlatformError struct {
	Platform string
}

func (e *DuplicatePlatformError) Error() string {
	return fmt.Sprintf("duplicate platform %q in secret", e.Platform)
}

// MissingFieldError reports a required key absent from a platform block.
type MissingFieldError struct {
	Platform string
	Field    string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("platform %q: missing required field %q", e.Platform, e.Field)
}

// InvalidPortError reports a port value outside 1-65535 or one that does
// not parse as an integer. Value holds the raw text as it appeared in
// the secret; ports are not credentials.
type InvalidPortError struct {
	Platform string
	Value    string
}

func (e *InvalidPortError) Error() string {
	return fmt.Sprintf("platform %q: invalid port %q (want integer in 1-65535)", e.Platform, e.Value)
}

// EmptyDatabaseListError reports a databases key present but empty.
type EmptyDatabaseListError struct {
	Platform string
}

func (e *EmptyDatabaseListError) Error() string {
	return fmt.Sprintf("platform %q: databases list is empty", e.Platform)
}

// ValidationError collects every violation found for one platform so an
// operator gets the full picture in one pass. Per-platform and
// non-fatal: the platform is excluded, others proceed.
type ValidationError struct {
	Platform   string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("platform %q failed validation: %s",
		e.Platform, strings.Join(e.Violations, "; "))
}

// ConnectError reports a failed connection attempt after retries were
// exhausted. Non-fatal: the platform stays out of the registry and is
// retried by the health supervisor.
type ConnectError struct {
	Platform string
	Attempts int
	Cause    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("platform %q: connect failed after %d attempts: %v",
		e.Platform, e.Attempts, e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// NotFoundError is returned by registry lookups for a name that was
// never registered or has been evicted.
type NotFoundError struct {
	Platform string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("platform %q is not registered", e.Platform)
}

// IsNotFound reports whether err is a registry NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a per-platform ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsParse reports whether err is a fatal secret ParseError.
func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
