package siosession

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every error the session manager hands back to callers.
type Kind int

const (
	KindGeneric Kind = iota
	KindConnectionFailed
	KindConnectionTimeout
	KindInvalidURL
	KindNotConnected
	KindEventError
	KindEmissionFailed
	KindDisconnectionFailed
)

var kindNames = map[Kind]string{
	KindGeneric:             "generic",
	KindConnectionFailed:    "connection failed",
	KindConnectionTimeout:   "connection timeout",
	KindInvalidURL:          "invalid url",
	KindNotConnected:        "not connected",
	KindEventError:          "event error",
	KindEmissionFailed:      "emission failed",
	KindDisconnectionFailed: "disconnection failed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// transport reported codes
var kindCodes = map[string]Kind{
	"CONNECTION_FAILED":    KindConnectionFailed,
	"CONNECTION_TIMEOUT":   KindConnectionTimeout,
	"INVALID_URL":          KindInvalidURL,
	"NOT_CONNECTED":        KindNotConnected,
	"EVENT_ERROR":          KindEventError,
	"EMISSION_FAILED":      KindEmissionFailed,
	"DISCONNECTION_FAILED": KindDisconnectionFailed,
}

// KindFromCode maps a transport failure code onto the taxonomy. Unknown codes
// are Generic.
func KindFromCode(code string) Kind {
	if k, ok := kindCodes[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return k
	}
	return KindGeneric
}

// Error is the only error type returned by Manager operations.
type Error struct {
	Kind    Kind
	Message string
	Code    string // optional machine code
	Cause   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Code != "" {
		sb.WriteString(" [")
		sb.WriteString(e.Code)
		sb.WriteString("]")
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports a match on Kind so callers can compare against the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrConnectionFailed    = &Error{Kind: KindConnectionFailed}
	ErrConnectionTimeout   = &Error{Kind: KindConnectionTimeout}
	ErrInvalidURL          = &Error{Kind: KindInvalidURL}
	ErrNotConnected        = &Error{Kind: KindNotConnected}
	ErrEventError          = &Error{Kind: KindEventError}
	ErrEmissionFailed      = &Error{Kind: KindEmissionFailed}
	ErrDisconnectionFailed = &Error{Kind: KindDisconnectionFailed}
	ErrGeneric             = &Error{Kind: KindGeneric}
)

// NewError builds an *Error with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FromCode builds an *Error from a transport failure code.
func FromCode(code, message string) *Error {
	return &Error{Kind: KindFromCode(code), Message: message, Code: code}
}

// wrap returns err unchanged when it already is an *Error, otherwise it is
// wrapped as kind with the cause kept.
func wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf returns the Kind of err, Generic for foreign errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindGeneric
}
