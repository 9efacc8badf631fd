// Package errcode defines the string reason codes callers branch on.
//
// Every error that crosses a transport boundary is either an *Error carrying
// one of these codes or is reported as INTERNAL_ERROR.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a stable, string reason code.
type Code string

const (
	SessionNotFound     Code = "SESSION_NOT_FOUND"
	SessionExpired      Code = "SESSION_EXPIRED"
	MissingSessionToken Code = "MISSING_SESSION_TOKEN"
	TrialExpired        Code = "TRIAL_EXPIRED"
	NoTrial             Code = "NO_TRIAL"
	AccountSuspended    Code = "ACCOUNT_SUSPENDED"
	TrialNotAvailable   Code = "trial_not_available"

	InvalidRequest    Code = "INVALID_REQUEST"
	TooManyNames      Code = "TOO_MANY_NAMES"
	InvalidAPIKey     Code = "INVALID_API_KEY"
	MissingCredential Code = "MISSING_CREDENTIAL"
	RateLimited       Code = "RATE_LIMITED"
	Internal          Code = "INTERNAL_ERROR"
)

// Kind groups codes by who has to act.
type Kind int

const (
	// KindInternal is an infrastructure or collaborator failure.
	KindInternal Kind = iota
	// KindClient is a malformed or over-limit request.
	KindClient
	// KindAuth means the credential does not grant access.
	KindAuth
	// KindState means the addressed record is missing or in the wrong state.
	KindState
)

// KindOf classifies a code.
func KindOf(c Code) Kind {
	switch c {
	case MissingSessionToken, InvalidRequest, TooManyNames, RateLimited:
		return KindClient
	case TrialExpired, AccountSuspended, TrialNotAvailable, InvalidAPIKey, MissingCredential:
		return KindAuth
	case SessionNotFound, SessionExpired, NoTrial:
		return KindState
	default:
		return KindInternal
	}
}

// Error is an error with a reason code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New creates an Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Of returns the code carried by err, or Internal.
func Of(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// MessageOf returns the client-safe message for err. Unclassified errors get
// a generic message so infrastructure details are not leaked.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
