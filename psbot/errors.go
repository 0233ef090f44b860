package psbot

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState reports an operation issued outside its allowed
	// client state range. Callers are expected to treat it as fatal.
	ErrInvalidState = errors.New("invalid client state")

	// ErrConnectTimeout reports that the websocket handshake did not
	// complete within the connect bound.
	ErrConnectTimeout = errors.New("connection to websocket timed out")

	// ErrMalformedSend reports an outgoing message that contains line
	// breaks without the !code marker. Showdown drops such messages, so
	// we refuse them before any network write.
	ErrMalformedSend = errors.New("newlines without !code are not allowed to be sent")

	// ErrShutdown settles every waiter still registered when the
	// connection goes down.
	ErrShutdown = errors.New("disconnected")

	// ErrTimeout settles a waiter whose deadline passed without a
	// matching message.
	ErrTimeout = errors.New("timed out")
)

// PredicateRejectionError is a designed negative outcome: a message
// matched a waiter's predicate but carried a "no" (a declined invite,
// an offline user). It is not a protocol failure.
type PredicateRejectionError struct {
	Description string
	Message     string
}

func (e *PredicateRejectionError) Error() string {
	return fmt.Sprintf("%s: rejected by message %q", e.Description, e.Message)
}
