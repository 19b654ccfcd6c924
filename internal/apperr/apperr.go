// Package apperr defines the error taxonomy shared by every layer of the
// backend.  Components return *Error values (or wrap them with %w) and the
// HTTP layer translates the Kind into a status code and a localized message.
// Infrastructure failures that carry no Kind are reported as Internal.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind names a failure class.  The string value is what clients see in the
// "error" field of a JSON response and is the key used for message lookup.
type Kind string

const (
	// Authentication
	MissingToken Kind = "MissingToken"
	InvalidToken Kind = "InvalidToken"
	ExpiredToken Kind = "ExpiredToken"
	NotAllowed   Kind = "NotAllowed"

	// Rate limiting
	TryAgainAfter Kind = "TryAgainAfter"
	UserBlocked   Kind = "UserBlocked"

	// Challenges
	InvalidRequest Kind = "InvalidRequest"
	ExpiredOtp     Kind = "ExpiredOtp"
	WrongOtp       Kind = "WrongOtp"
	TooManyTries   Kind = "TooManyTries"

	// Conflicts
	AlreadyExists    Kind = "AlreadyExists"
	BelongsToAnother Kind = "BelongsToAnother"

	// Gateway
	CardNotFound      Kind = "CardNotFound"
	InsufficientFunds Kind = "InsufficientFunds"
	CardBlocked       Kind = "CardBlocked"
	ExpiredChallenge  Kind = "ExpiredChallenge"
	WrongChallenge    Kind = "WrongChallenge"
	OwnershipConflict Kind = "OwnershipConflict"
	GatewayError      Kind = "GatewayError"

	// Request/credential problems that are not challenges.
	BadCredentials Kind = "BadCredentials"
	NotFound       Kind = "NotFound"

	Internal Kind = "Internal"
)

// Error is the concrete error type carried through the service layer.
type Error struct {
	Kind     Kind
	Message  string        // optional detail, never shown instead of the localized text
	TimeLeft time.Duration // set for TryAgainAfter / UserBlocked
	Code     int           // external numeric code for gateway failures
	Err      error         // underlying cause, if any
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.TimeLeft > 0 {
		msg += fmt.Sprintf(" (time left %ds)", Seconds(e.TimeLeft))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, apperr.New(apperr.WrongOtp))
// works regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an Error of the given kind.
func New(kind Kind) *Error { return &Error{Kind: kind} }

// Newf returns an Error of the given kind with a formatted detail message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// Blocked builds a rate-limit error with the remaining lock time.
func Blocked(kind Kind, left time.Duration) *Error {
	return &Error{Kind: kind, TimeLeft: left}
}

// KindOf returns the Kind of err, or Internal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, New(kind))
}

// Seconds rounds a duration up to whole seconds, which is what clients are
// told to wait.
func Seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
