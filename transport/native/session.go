package native

import (
	"fmt"
	"sync"

	"github.com/roffe/rp1210/transport"
)

const readBufferSize = 2048

// api is the subset of the RP1210 C API used by a session.
type api interface {
	ClientConnect(deviceID int16, protocol string) (int16, error)
	ClientDisconnect(client int16) error
	SendMessage(client int16, data []byte, blocking bool) error
	// ReadMessage returns the number of bytes copied to buf, 0 when there
	// is nothing to read.
	ReadMessage(client int16, buf []byte, blocking bool) (int, error)
	SendCommand(cmd int16, client int16, payload []byte) error
	Release() error
}

type session struct {
	n        *Native
	driverID string
	api      api
	client   int16
	protocol string

	readMu sync.Mutex
	buf    []byte

	mu     sync.Mutex
	closed bool
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) SendCommand(cmd transport.Command, payload []byte) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	if err := s.api.SendCommand(int16(cmd), s.client, payload); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

func (s *session) Send(data []byte, blocking bool) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	var (
		buf []byte
		err error
	)
	switch s.protocol {
	case transport.ProtocolJ1939:
		buf, err = J1939ToNative(data)
	case transport.ProtocolJ1708:
		buf, err = J1708ToNative(data, s.n.J1708Priority, s.n.J1708MID)
	}
	if err != nil {
		return err
	}
	return s.api.SendMessage(s.client, buf, blocking)
}

// Read returns one frame in the core layout, nil when nothing was read.
func (s *session) Read(blocking bool) ([]byte, error) {
	if s.isClosed() {
		return nil, transport.ErrClosed
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()
	n, err := s.api.ReadMessage(s.client, s.buf, blocking)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	raw := s.buf[:n]
	switch s.protocol {
	case transport.ProtocolJ1939:
		frame, err := J1939FromNative(raw)
		if err != nil {
			// runt buffer, treat as no data
			return nil, nil
		}
		return frame, nil
	default:
		return J1708FromNative(raw), nil
	}
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	s.closed = true
	s.mu.Unlock()
	err := s.api.ClientDisconnect(s.client)
	if errr := s.n.release(s.driverID); errr != nil && err == nil {
		err = errr
	}
	return err
}
