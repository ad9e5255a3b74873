// Package j1708 implements the J1708 channel on a serial line transceiver.
// Messages are delimited by bus idle time, the J1939 protocol is not
// available.
package j1708

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roffe/rp1210/transport"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	Name     = "J1708Serial"
	DriverID = "serial"

	BaudRate = 9600
	// Idle time that ends a message, 12 bit times at 9600 baud rounded up.
	DefaultIdleGap = 2 * time.Millisecond
	// Offboard diagnostics tool
	DefaultMID = 172
)

func init() {
	if err := transport.Register(&transport.Info{
		Name:        Name,
		Description: "J1708 over a serial transceiver",
		New: func() (transport.Transport, error) {
			return New(), nil
		},
	}); err != nil {
		panic(err)
	}
}

// port is the part of serial.Port used by a session.
type port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

type Serial struct {
	MID     byte
	IdleGap time.Duration
	// Echo keeps received messages carrying our own MID.
	Echo bool

	listPorts func() ([]*enumerator.PortDetails, error)
	openPort  func(name string) (port, error)
}

func New() *Serial {
	return &Serial{
		MID:       DefaultMID,
		IdleGap:   DefaultIdleGap,
		listPorts: enumerator.GetDetailedPortsList,
		openPort:  openSerial,
	}
}

func openSerial(name string) (port, error) {
	mode := &serial.Mode{
		BaudRate: BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	p.ResetInputBuffer()
	p.ResetOutputBuffer()
	return p, nil
}

func (s *Serial) Name() string {
	return Name
}

func (s *Serial) ListAvailable() ([]string, error) {
	return []string{DriverID}, nil
}

// ListDevices numbers the serial ports from 1 in name order.
func (s *Serial) ListDevices(driverID string) ([]transport.Device, error) {
	if !strings.EqualFold(driverID, DriverID) {
		return nil, fmt.Errorf("%w %q", transport.ErrUnknownDriver, driverID)
	}
	ports, err := s.listPorts()
	if err != nil {
		return nil, err
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	out := make([]transport.Device, 0, len(ports))
	for i, p := range ports {
		d := transport.Device{ID: i + 1, Name: p.Name}
		if p.IsUSB {
			d.Description = fmt.Sprintf("USB %s:%s %s", p.VID, p.PID, p.SerialNumber)
			d.Description = strings.TrimSpace(d.Description)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Serial) Open(driverID string, deviceID int, protocol string) (transport.Session, error) {
	if protocol != transport.ProtocolJ1708 {
		return nil, fmt.Errorf("protocol %q: %w", protocol, transport.ErrNotSupported)
	}
	devs, err := s.ListDevices(driverID)
	if err != nil {
		return nil, err
	}
	name := ""
	for _, d := range devs {
		if d.ID == deviceID {
			name = d.Name
		}
	}
	if name == "" {
		return nil, fmt.Errorf("%w %d", transport.ErrUnknownDevice, deviceID)
	}
	if runtime.GOOS == "windows" {
		name = strings.ToUpper(name)
	}
	p, err := s.openPort(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open com port %q: %w", name, err)
	}
	idle := s.IdleGap
	if idle <= 0 {
		idle = DefaultIdleGap
	}
	if err := p.SetReadTimeout(idle); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	sess := &Session{
		port:   p,
		mid:    s.MID,
		echo:   s.Echo,
		recv:   make(chan []byte, 256),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go sess.reader()
	return sess, nil
}

type Session struct {
	port port
	mid  byte
	echo bool

	writeMu sync.Mutex
	recv    chan []byte

	errMu   sync.Mutex
	readErr error

	mu      sync.Mutex
	dropped int

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// SendCommand accepts the filter state commands, filtering is done by the
// caller. Everything else is not available on a plain transceiver.
func (s *Session) SendCommand(cmd transport.Command, payload []byte) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	switch cmd {
	case transport.CmdSetAllFiltersStatesToPass, transport.CmdSetAllFiltersStatesToDiscard:
		return nil
	}
	return fmt.Errorf("%s: %w", cmd, transport.ErrNotSupported)
}

func (s *Session) Send(data []byte, blocking bool) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	frame, err := Frame(s.mid, data)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(frame); err != nil {
		return fmt.Errorf("failed to write to com port: %w", err)
	}
	return nil
}

func (s *Session) Read(blocking bool) ([]byte, error) {
	if blocking {
		select {
		case b := <-s.recv:
			return b, nil
		case <-s.done:
			return nil, s.err()
		}
	}
	select {
	case b := <-s.recv:
		return b, nil
	case <-s.done:
		return nil, s.err()
	default:
		return nil, nil
	}
}

// Dropped counts received frames lost to a bad checksum, an overrun or a full
// receive queue.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Session) Close() error {
	err := transport.ErrClosed
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.port.Close()
		<-s.done
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

func (s *Session) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr != nil {
		return s.readErr
	}
	return transport.ErrClosed
}

func (s *Session) reader() {
	defer close(s.done)
	buf := make([]byte, 64)
	var frame []byte
	for {
		n, err := s.port.Read(buf)
		if err != nil {
			if !s.isClosed() {
				s.errMu.Lock()
				s.readErr = fmt.Errorf("failed to read com port: %w", err)
				s.errMu.Unlock()
			}
			return
		}
		if s.isClosed() {
			return
		}
		if n == 0 {
			// idle gap, message complete
			if len(frame) > 0 {
				s.deliver(frame)
				frame = nil
			}
			continue
		}
		frame = append(frame, buf[:n]...)
		if len(frame) > 4*MaxFrame {
			// never saw an idle gap, resync
			s.drop()
			frame = nil
		}
	}
}

func (s *Session) deliver(frame []byte) {
	mid, payload, err := Unframe(frame)
	if err != nil {
		s.drop()
		return
	}
	if mid == s.mid && !s.echo {
		return
	}
	select {
	case s.recv <- payload:
	default:
		s.drop()
	}
}

func (s *Session) drop() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}
