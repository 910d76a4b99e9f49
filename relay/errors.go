package relay

import (
	"errors"
	"fmt"
)

var ErrNotConnected = errors.New("Not connected.")
var ErrClientClosed = errors.New("Client closed.")
var ErrPublishTimeout = errors.New("Publish timeout.")
var ErrDuplicatePublish = errors.New("Publish already pending for event.")
var ErrMissingEventId = errors.New("Event is missing an id.")

// connection refused, or the connection closed unexpectedly
type TransportError struct {
	// connect, send, receive
	Op  string
	Err error
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("Transport %s error = %s", self.Op, self.Err)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}

// a malformed or unrecognized frame
// protocol errors are logged and the frame is dropped; they are never fatal
type ProtocolError struct {
	Frame []byte
	Err   error
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("Protocol error = %s (%s)", self.Err, truncateFrame(self.Frame))
}

func (self *ProtocolError) Unwrap() error {
	return self.Err
}

// a failure returned or raised by a collaborator's event handler
type HandlerError struct {
	SubscriptionId string
	Err            error
}

func (self *HandlerError) Error() string {
	return fmt.Sprintf("Handler sub(%s) error = %s", self.SubscriptionId, self.Err)
}

func (self *HandlerError) Unwrap() error {
	return self.Err
}

func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

func IsProtocolError(err error) bool {
	var protocolErr *ProtocolError
	return errors.As(err, &protocolErr)
}

const maxLoggedFrameLength = 128

func truncateFrame(frame []byte) string {
	if len(frame) <= maxLoggedFrameLength {
		return string(frame)
	}
	return string(frame[0:maxLoggedFrameLength]) + "..."
}
