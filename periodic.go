package rp1210

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

type SendFunc func(Message) error

// Periodic is a message sent on its own timer until cancelled.
type Periodic struct {
	id       uint64
	msg      Message
	interval time.Duration
	send     SendFunc
	onError  func(error)
	sched    *Scheduler

	fires atomic.Uint64

	once sync.Once
	quit chan struct{}
	done chan struct{}
}

func (p *Periodic) ID() uint64 {
	return p.id
}

func (p *Periodic) Message() Message {
	return p.msg
}

func (p *Periodic) Interval() time.Duration {
	return p.interval
}

// Fires returns how many times the message has been sent.
func (p *Periodic) Fires() uint64 {
	return p.fires.Load()
}

// Cancel stops the timer and waits for a send in progress. Once it returns the
// send function is not called again for this handle. Safe to call repeatedly,
// but not from within the send function.
func (p *Periodic) Cancel() {
	p.once.Do(func() {
		close(p.quit)
	})
	<-p.done
	p.sched.remove(p)
}

func (p *Periodic) run() {
	defer close(p.done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-t.C:
			select {
			case <-p.quit:
				return
			default:
			}
			if err := p.send(p.msg); err != nil && p.onError != nil {
				p.onError(err)
			}
			p.fires.Add(1)
		}
	}
}

// Scheduler owns a set of independent periodic sends.
type Scheduler struct {
	mu      sync.Mutex
	handles map[uint64]*Periodic
	nextID  uint64
	closed  bool
	onError func(*Periodic, error)
}

// NewScheduler creates a scheduler, onError is called from the timer
// goroutine of the failing handle and may be nil.
func NewScheduler(onError func(*Periodic, error)) *Scheduler {
	return &Scheduler{
		handles: make(map[uint64]*Periodic),
		onError: onError,
	}
}

// Schedule starts sending a copy of msg every intervalMs milliseconds.
func (s *Scheduler) Schedule(msg Message, intervalMs float64, send SendFunc) (*Periodic, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if send == nil {
		return nil, fmt.Errorf("nil send function")
	}
	if math.IsNaN(intervalMs) || math.IsInf(intervalMs, 0) {
		return nil, ErrInvalidInterval
	}
	interval := time.Duration(intervalMs * float64(time.Millisecond))
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if _, err := msg.Bytes(); err != nil {
		return nil, err
	}
	// later changes to the caller's message do not reach the bus
	msg = cloneMessage(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.nextID++
	p := &Periodic{
		id:       s.nextID,
		msg:      msg,
		interval: interval,
		send:     send,
		sched:    s,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.onError != nil {
		p.onError = func(err error) { s.onError(p, err) }
	}
	s.handles[p.id] = p
	go p.run()
	return p, nil
}

func (s *Scheduler) remove(p *Periodic) {
	s.mu.Lock()
	delete(s.handles, p.id)
	s.mu.Unlock()
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Active returns the handles that have not been cancelled.
func (s *Scheduler) Active() []*Periodic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Periodic, 0, len(s.handles))
	for _, p := range s.handles {
		out = append(out, p)
	}
	return out
}

func (s *Scheduler) CancelAll() {
	for _, p := range s.Active() {
		p.Cancel()
	}
}

// Close cancels every handle and refuses new ones.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.CancelAll()
}
