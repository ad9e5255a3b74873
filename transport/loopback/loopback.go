// Package loopback is an in-memory transport used for tests and dry runs.
// Sessions opened on the same protocol form a bus: every frame sent by one
// session is delivered to all other open sessions of that protocol.
package loopback

import (
	"fmt"
	"sync"

	"github.com/roffe/rp1210/transport"
)

const Name = "Loopback"

func init() {
	if err := transport.Register(&transport.Info{
		Name:        Name,
		Description: "In-memory loopback bus",
		New: func() (transport.Transport, error) {
			return New(), nil
		},
	}); err != nil {
		panic(err)
	}
}

type CommandRecord struct {
	Command transport.Command
	Payload []byte
}

// Loopback implements transport.Transport.
type Loopback struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}

	// Echo delivers sent frames back to the sending session as well.
	Echo bool

	// OpenErr, CommandErr and SendErr are returned from the respective
	// operations when set.
	OpenErr    error
	CommandErr func(transport.Command) error
	SendErr    error
}

func New() *Loopback {
	return &Loopback{
		sessions: make(map[*Session]struct{}),
	}
}

func (l *Loopback) Name() string {
	return Name
}

func (l *Loopback) ListAvailable() ([]string, error) {
	return []string{Name}, nil
}

func (l *Loopback) ListDevices(driverID string) ([]transport.Device, error) {
	if driverID != Name {
		return nil, fmt.Errorf("%w %q", transport.ErrUnknownDriver, driverID)
	}
	return []transport.Device{{ID: 1, Name: "loop0", Description: "virtual bus"}}, nil
}

func (l *Loopback) Open(driverID string, deviceID int, protocol string) (transport.Session, error) {
	if l.OpenErr != nil {
		return nil, l.OpenErr
	}
	if driverID != Name {
		return nil, fmt.Errorf("%w %q", transport.ErrUnknownDriver, driverID)
	}
	if deviceID != 1 {
		return nil, fmt.Errorf("%w %d", transport.ErrUnknownDevice, deviceID)
	}
	switch protocol {
	case transport.ProtocolJ1939, transport.ProtocolJ1708:
	default:
		return nil, fmt.Errorf("protocol %q: %w", protocol, transport.ErrNotSupported)
	}
	s := &Session{
		lb:       l,
		protocol: protocol,
		recv:     make(chan []byte, 1024),
		closed:   make(chan struct{}),
	}
	l.mu.Lock()
	l.sessions[s] = struct{}{}
	l.mu.Unlock()
	return s, nil
}

// Sessions returns the currently open sessions.
func (l *Loopback) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Session, 0, len(l.sessions))
	for s := range l.sessions {
		out = append(out, s)
	}
	return out
}

func (l *Loopback) broadcast(from *Session, data []byte) {
	l.mu.Lock()
	targets := make([]*Session, 0, len(l.sessions))
	for s := range l.sessions {
		if s.protocol != from.protocol {
			continue
		}
		if s == from && !l.Echo {
			continue
		}
		targets = append(targets, s)
	}
	l.mu.Unlock()
	for _, s := range targets {
		s.Inject(data)
	}
}

// Session implements transport.Session.
type Session struct {
	lb       *Loopback
	protocol string
	recv     chan []byte

	mu       sync.Mutex
	commands []CommandRecord
	sent     [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Session) Protocol() string {
	return s.protocol
}

func (s *Session) SendCommand(cmd transport.Command, payload []byte) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	if s.lb.CommandErr != nil {
		if err := s.lb.CommandErr(cmd); err != nil {
			return err
		}
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	s.mu.Lock()
	s.commands = append(s.commands, CommandRecord{Command: cmd, Payload: p})
	s.mu.Unlock()
	return nil
}

func (s *Session) Send(data []byte, blocking bool) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	if s.lb.SendErr != nil {
		return s.lb.SendErr
	}
	d := make([]byte, len(data))
	copy(d, data)
	s.mu.Lock()
	s.sent = append(s.sent, d)
	s.mu.Unlock()
	s.lb.broadcast(s, d)
	return nil
}

func (s *Session) Read(blocking bool) ([]byte, error) {
	if blocking {
		select {
		case <-s.closed:
			return nil, transport.ErrClosed
		case b := <-s.recv:
			return b, nil
		}
	}
	select {
	case <-s.closed:
		return nil, transport.ErrClosed
	case b := <-s.recv:
		return b, nil
	default:
		return nil, nil
	}
}

// Inject queues a raw frame for the next Read.
func (s *Session) Inject(data []byte) {
	select {
	case <-s.closed:
	case s.recv <- data:
	default:
	}
}

func (s *Session) Commands() []CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CommandRecord, len(s.commands))
	copy(out, s.commands)
	return out
}

func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *Session) Close() error {
	err := transport.ErrClosed
	s.closeOnce.Do(func() {
		close(s.closed)
		s.lb.mu.Lock()
		delete(s.lb.sessions, s)
		s.lb.mu.Unlock()
		err = nil
	})
	return err
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
