package socketio

import (
	"errors"

	"github.com/ansmatterer/siosession"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrHandshakeFailed  = errors.New("handshake failed")
	ErrInvalidPacket    = errors.New("invalid packet format")
	ErrWriteTimeout     = errors.New("write operation timed out")
	ErrPingTimeout      = errors.New("ping timeout")
	ErrServerDisconnect = errors.New("io server disconnect")
)

// Codes attached to the *siosession.Error values this transport returns.
const (
	CodeInvalidURL           = "INVALID_URL"
	CodeConnectionFailed     = "CONNECTION_FAILED"
	CodeConnectionTimeout    = "CONNECTION_TIMEOUT"
	CodeNotConnected         = "NOT_CONNECTED"
	CodeEventError           = "EVENT_ERROR"
	CodeEmissionFailed       = "EMISSION_FAILED"
	CodeDisconnectionFailed  = "DISCONNECTION_FAILED"
	CodeTransportUnsupported = "TRANSPORT_UNSUPPORTED"
)

func failure(code, message string, cause error) error {
	err := siosession.FromCode(code, message)
	err.Cause = cause
	return err
}

func connectionFailed(message string, cause error) error {
	return failure(CodeConnectionFailed, message, cause)
}

func notConnected() error {
	return failure(CodeNotConnected, "no live socket", nil)
}
