package apikey

import "errors"

type Class string

const (
	ClassAuthentication Class = "authentication"
	ClassAuthorization  Class = "authorization"
)

// Reasons stay internal (logs, metrics); clients only see PublicMessage.
const (
	ReasonMalformed      = "malformed credential"
	ReasonUnknown        = "unknown credential"
	ReasonInactive       = "inactive credential"
	ReasonExpired        = "expired credential"
	ReasonScopeMismatch  = "scope mismatch"
	ReasonCapability     = "insufficient capability"
	ReasonSourceNotAllow = "source address not permitted"
)

// Error is a failed validation.
type Error struct {
	Class  Class
	Reason string
}

func (e *Error) Error() string { return string(e.Class) + ": " + e.Reason }

// PublicMessage collapses the reason so callers cannot tell which check failed.
func (e *Error) PublicMessage() string {
	if e.Class == ClassAuthorization {
		return "forbidden"
	}
	return "invalid api key"
}

func authnErr(reason string) *Error { return &Error{Class: ClassAuthentication, Reason: reason} }
func authzErr(reason string) *Error { return &Error{Class: ClassAuthorization, Reason: reason} }

func IsAuthentication(err error) bool { return hasClass(err, ClassAuthentication) }
func IsAuthorization(err error) bool  { return hasClass(err, ClassAuthorization) }

func hasClass(err error, c Class) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == c
}
