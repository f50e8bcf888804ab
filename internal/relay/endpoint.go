package relay

import (
	"errors"
	"fmt"

	"github.com/matst80/wsrelay/internal/session"
)

// CloseCode is the reason code sent when the relay closes a connection.
// Values follow RFC 6455 so transports can pass them through unchanged.
type CloseCode int

const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	CloseUnsupported     CloseCode = 1003
	CloseInvalid         CloseCode = 1007
	ClosePolicyViolation CloseCode = 1008
	CloseTooBig          CloseCode = 1009
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going_away"
	case CloseUnsupported:
		return "unsupported"
	case CloseInvalid:
		return "invalid"
	case ClosePolicyViolation:
		return "policy_violation"
	case CloseTooBig:
		return "too_big"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

var (
	// ErrPeerUnavailable is reported when an established peer can no longer be reached.
	ErrPeerUnavailable = errors.New("peer unavailable")
	// ErrAlreadyClosed may be returned by Endpoint.Close on repeated calls.
	ErrAlreadyClosed = errors.New("endpoint already closed")
)

// Endpoint is one live connection as seen by the engine. Send and Close must
// be safe to call from any goroutine, and Close must be idempotent.
type Endpoint interface {
	ID() session.EndpointID
	Send(payload []byte) error
	Close(code CloseCode, reason string) error
}
