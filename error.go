package rp1210

import (
	"errors"
	"fmt"
)

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrAddressClaimFailed   = errors.New("address claim failed")
	ErrMalformed            = errors.New("malformed message")
	ErrSendFailed           = errors.New("send failed")
	ErrAlreadyConnected     = errors.New("channel already connected")
	ErrNotConnected         = errors.New("channel not connected")
	ErrClosed               = errors.New("driver closed")
	ErrNilTransport         = errors.New("transport is nil")
	ErrInvalidInterval      = errors.New("interval must be greater than zero")
	ErrReplayRunning        = errors.New("replay already running")
)

// TransportUnavailableError is returned when a session cannot be opened or
// configured, the channel stays disconnected.
type TransportUnavailableError struct {
	Channel ChannelKind
	Op      string
	Err     error
}

func (e *TransportUnavailableError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Channel, e.Op, ErrTransportUnavailable, e.Err)
}

func (e *TransportUnavailableError) Unwrap() []error {
	return []error{ErrTransportUnavailable, e.Err}
}

type AddressClaimError struct {
	Address uint8
	Err     error
}

func (e *AddressClaimError) Error() string {
	return fmt.Sprintf("%s for source address %d: %v", ErrAddressClaimFailed, e.Address, e.Err)
}

func (e *AddressClaimError) Unwrap() []error {
	return []error{ErrAddressClaimFailed, e.Err}
}

// SendFailedError wraps a per-send transport failure.
type SendFailedError struct {
	Channel ChannelKind
	Err     error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Channel, ErrSendFailed, e.Err)
}

func (e *SendFailedError) Unwrap() []error {
	return []error{ErrSendFailed, e.Err}
}
