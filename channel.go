package rp1210

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/roffe/rp1210/transport"
)

type ChannelKind int

const (
	ChannelJ1939 ChannelKind = iota
	ChannelJ1587
)

var Channels = []ChannelKind{ChannelJ1939, ChannelJ1587}

func (k ChannelKind) String() string {
	switch k {
	case ChannelJ1939:
		return "J1939"
	case ChannelJ1587:
		return "J1587"
	default:
		return fmt.Sprintf("channel(%d)", int(k))
	}
}

// Protocol returns the transport protocol name the channel is opened with.
func (k ChannelKind) Protocol() string {
	if k == ChannelJ1587 {
		return transport.ProtocolJ1708
	}
	return transport.ProtocolJ1939
}

func (k ChannelKind) valid() bool {
	return k == ChannelJ1939 || k == ChannelJ1587
}

type ChannelState int32

const (
	StateDisconnected ChannelState = iota
	StateConnecting
	StateConnected
)

func (s ChannelState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

type ClaimStatus int32

const (
	ClaimNone ClaimStatus = iota
	ClaimSucceeded
	ClaimFailed
)

func (c ClaimStatus) String() string {
	switch c {
	case ClaimSucceeded:
		return "claimed"
	case ClaimFailed:
		return "failed"
	default:
		return "none"
	}
}

// MessageHandler receives decoded messages. The message is shared between all
// handlers and must not be modified.
type MessageHandler func(Message)

type subscriber struct {
	fn MessageHandler
}

type channel struct {
	kind ChannelKind

	// mu guards session and the state transitions, reads and sends hold it
	// shared so Disconnect waits for them before closing the session.
	mu      sync.RWMutex
	session transport.Session
	state   atomic.Int32
	claim   atomic.Int32
	// bumped on every successful Connect
	gen atomic.Uint64
	// consecutive read errors on session failGen, poller only
	readFailures int
	failGen      uint64

	// all sends and commands on the session are serialized here
	sendMu sync.Mutex

	filter atomic.Pointer[FilterSet]

	subMu sync.Mutex
	subs  atomic.Pointer[[]*subscriber]
}

func newChannel(kind ChannelKind) *channel {
	ch := &channel{kind: kind}
	ch.filter.Store(NewFilterSet())
	ch.subs.Store(&[]*subscriber{})
	return ch
}

func (ch *channel) State() ChannelState {
	return ChannelState(ch.state.Load())
}

func (ch *channel) setState(s ChannelState) {
	ch.state.Store(int32(s))
}

func (ch *channel) connected() bool {
	return ch.State() == StateConnected
}

// read returns one frame and the generation of the session it came from.
func (ch *channel) read() ([]byte, uint64, error) {
	if !ch.connected() {
		return nil, 0, ErrNotConnected
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.session == nil || !ch.connected() {
		return nil, 0, ErrNotConnected
	}
	gen := ch.gen.Load()
	data, err := ch.session.Read(false)
	return data, gen, err
}

func (ch *channel) send(data []byte, blocking bool) error {
	return ch.withSession(func(s transport.Session) error {
		return s.Send(data, blocking)
	})
}

func (ch *channel) command(cmd transport.Command, payload []byte) error {
	return ch.withSession(func(s transport.Session) error {
		return s.SendCommand(cmd, payload)
	})
}

func (ch *channel) withSession(fn func(transport.Session) error) error {
	if !ch.connected() {
		return ErrNotConnected
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.session == nil || !ch.connected() {
		return ErrNotConnected
	}
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	return fn(ch.session)
}

func (ch *channel) subscribe(fn MessageHandler) func() {
	sub := &subscriber{fn: fn}
	ch.subMu.Lock()
	old := *ch.subs.Load()
	next := make([]*subscriber, len(old), len(old)+1)
	copy(next, old)
	next = append(next, sub)
	ch.subs.Store(&next)
	ch.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ch.subMu.Lock()
			defer ch.subMu.Unlock()
			old := *ch.subs.Load()
			next := make([]*subscriber, 0, len(old))
			for _, s := range old {
				if s != sub {
					next = append(next, s)
				}
			}
			ch.subs.Store(&next)
		})
	}
}

// dispatch calls every subscriber in registration order.
func (ch *channel) dispatch(msg Message) {
	for _, sub := range *ch.subs.Load() {
		sub.fn(msg)
	}
}

// filterPolicy applies the transport side filtering for the given set. J1708
// filtering on the transport is by MID, PIDs are only filtered in software.
func filterPolicy(kind ChannelKind, fs *FilterSet, cmd func(transport.Command, []byte) error) error {
	if kind != ChannelJ1939 || fs.Len() == 0 {
		if err := cmd(transport.CmdSetAllFiltersStatesToPass, nil); err != nil {
			return fmt.Errorf("%s: %w", transport.CmdSetAllFiltersStatesToPass, err)
		}
		return nil
	}
	if err := cmd(transport.CmdSetAllFiltersStatesToDiscard, nil); err != nil {
		return fmt.Errorf("%s: %w", transport.CmdSetAllFiltersStatesToDiscard, err)
	}
	for _, pgn := range fs.Values() {
		if err := cmd(transport.CmdSetMessageFilteringForJ1939, transport.J1939FilterPGN(pgn)); err != nil {
			return fmt.Errorf("%s PGN %d: %w", transport.CmdSetMessageFilteringForJ1939, pgn, err)
		}
	}
	return nil
}
