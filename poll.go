package rp1210

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roffe/rp1210/transport"
)

// maxReadFailures is the number of consecutive read errors after which the
// session is considered lost.
const maxReadFailures = 5

// lostSession is a channel whose session failed during a poll iteration.
type lostSession struct {
	ch  *channel
	gen uint64
}

// poller is the single read loop shared by all channels. It exits on its own
// once no channel is connected and is restarted by the next Connect.
type poller struct {
	d *Driver

	mu      sync.Mutex
	running bool
	closed  bool
	quit    chan struct{}
	done    chan struct{}

	// held for the duration of one iteration
	iterMu sync.Mutex
}

func newPoller(d *Driver) *poller {
	return &poller{d: d}
}

func (p *poller) ensureRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.closed {
		return
	}
	p.running = true
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(p.quit, p.done)
}

// stop requests the loop to exit and waits for it. The poller cannot be
// started again afterwards.
func (p *poller) stop() {
	p.mu.Lock()
	p.closed = true
	if !p.running {
		done := p.done
		p.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	p.running = false
	close(p.quit)
	done := p.done
	p.mu.Unlock()
	<-done
}

// sync waits for the in-flight iteration to finish. Must not be called from
// a subscriber.
func (p *poller) sync() {
	p.iterMu.Lock()
	p.iterMu.Unlock() //lint:ignore SA2001 barrier
}

func (p *poller) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *poller) run(quit, done chan struct{}) {
	defer close(done)
	interval := p.d.cfg.PollInterval
	var idle *time.Timer
	if interval > 0 {
		idle = time.NewTimer(interval)
		defer idle.Stop()
	}
	if p.d.cfg.Debug {
		p.d.cfg.OnMessage("poller started")
		defer p.d.cfg.OnMessage("poller stopped")
	}
	for {
		select {
		case <-quit:
			return
		default:
		}
		got, lost := p.poll()
		for _, l := range lost {
			p.d.dropSession(l.ch, l.gen)
		}
		if got {
			continue
		}
		if !p.keepRunning(quit) {
			return
		}
		if idle == nil {
			continue
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(interval)
		select {
		case <-quit:
			return
		case <-idle.C:
		}
	}
}

// keepRunning reports false and marks the poller stopped when every channel
// is disconnected.
func (p *poller) keepRunning(quit chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-quit:
		return false
	default:
	}
	for _, ch := range p.d.channels {
		if ch.State() != StateDisconnected {
			return true
		}
	}
	p.running = false
	return false
}

// poll does one non-blocking read per connected channel and reports whether
// any frame was returned. Channels whose session is gone are returned in lost,
// they must be disconnected after the iteration lock is released.
func (p *poller) poll() (got bool, lost []lostSession) {
	p.iterMu.Lock()
	defer p.iterMu.Unlock()
	for _, ch := range p.d.channels {
		if !ch.connected() {
			continue
		}
		data, gen, err := ch.read()
		if err != nil {
			if errors.Is(err, ErrNotConnected) {
				continue
			}
			p.d.stats.readErrors.Add(1)
			if ch.failGen != gen {
				ch.failGen = gen
				ch.readFailures = 0
			}
			ch.readFailures++
			if errors.Is(err, transport.ErrClosed) || ch.readFailures >= maxReadFailures {
				ch.readFailures = 0
				p.d.reportError(ch.kind, fmt.Errorf("read: %w, session lost", err))
				lost = append(lost, lostSession{ch: ch, gen: gen})
				continue
			}
			p.d.reportError(ch.kind, fmt.Errorf("read: %w", err))
			continue
		}
		ch.readFailures = 0
		if len(data) <= 1 {
			continue
		}
		got = true
		p.d.stats.received.Add(1)
		msg, id, err := decode(ch.kind, data)
		if err != nil {
			// partial and keepalive frames are expected, drop them
			p.d.stats.malformed.Add(1)
			if p.d.cfg.Debug {
				p.d.cfg.OnMessage(fmt.Sprintf("%s dropped frame %X: %v", ch.kind, data, err))
			}
			continue
		}
		if !ch.filter.Load().Allows(id) {
			p.d.stats.filtered.Add(1)
			continue
		}
		ch.dispatch(msg)
		p.d.stats.dispatched.Add(1)
	}
	return got, lost
}

// decode returns the message and the id used for filtering (PGN or PID).
func decode(kind ChannelKind, data []byte) (Message, uint32, error) {
	switch kind {
	case ChannelJ1939:
		m, err := DecodeJ1939(data)
		if err != nil {
			return nil, 0, err
		}
		return m, m.PGN, nil
	case ChannelJ1587:
		m, err := DecodeJ1587(data)
		if err != nil {
			return nil, 0, err
		}
		return m, uint32(m.ParameterID()), nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown channel %s", ErrMalformed, kind)
	}
}
