package rp1210

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/roffe/rp1210/transport"
)

// Driver manages the J1939 and J1587 channels of one transport device.
type Driver struct {
	cfg      *Config
	channels []*channel

	poller    *poller
	scheduler *Scheduler
	replay    *Replayer

	stats   counters
	evtChan chan Event

	closed    atomic.Bool
	closeOnce sync.Once
}

func New(cfg *Config) (*Driver, error) {
	if cfg == nil {
		return nil, ErrNilTransport
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := &Driver{
		cfg:     cfg,
		evtChan: make(chan Event, 100),
	}
	for _, kind := range Channels {
		d.channels = append(d.channels, newChannel(kind))
	}
	d.poller = newPoller(d)
	d.scheduler = NewScheduler(func(p *Periodic, err error) {
		d.reportError(p.msg.Channel(), fmt.Errorf("periodic #%d: %w", p.id, err))
	})
	d.replay = NewReplayer(d.replaySend, cfg.ReplayPollInterval, func(err error) {
		d.reportError(ChannelJ1939, fmt.Errorf("replay: %w", err))
	})
	return d, nil
}

// Event returns the channel events are reported on. Events are dropped when
// the channel is full.
func (d *Driver) Event() <-chan Event {
	return d.evtChan
}

func (d *Driver) Stats() Stats {
	return d.stats.snapshot()
}

func (d *Driver) channel(kind ChannelKind) (*channel, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("unknown channel %s", kind)
	}
	return d.channels[kind], nil
}

func (d *Driver) State(kind ChannelKind) ChannelState {
	ch, err := d.channel(kind)
	if err != nil {
		return StateDisconnected
	}
	return ch.State()
}

// ClaimStatus reports the outcome of the last J1939 address claim.
func (d *Driver) ClaimStatus() ClaimStatus {
	return ClaimStatus(d.channels[ChannelJ1939].claim.Load())
}

// Connect opens a session for the channel, claims the J1939 address and
// applies the filter policy. The channel is left disconnected on failure.
func (d *Driver) Connect(ctx context.Context, kind ChannelKind) error {
	if d.closed.Load() {
		return ErrClosed
	}
	ch, err := d.channel(kind)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	if ch.State() != StateDisconnected {
		ch.mu.Unlock()
		return fmt.Errorf("%s: %w", kind, ErrAlreadyConnected)
	}
	ch.setState(StateConnecting)

	session, err := d.cfg.Transport.Open(d.cfg.DriverID, d.cfg.DeviceID, kind.Protocol())
	if err != nil {
		ch.setState(StateDisconnected)
		ch.mu.Unlock()
		return &TransportUnavailableError{Channel: kind, Op: "open", Err: err}
	}

	cmd := func(c transport.Command, payload []byte) error {
		return session.SendCommand(c, payload)
	}

	if kind == ChannelJ1939 {
		if err := d.claimAddress(ctx, cmd); err != nil {
			ch.claim.Store(int32(ClaimFailed))
			d.sendEvent(EventTypeWarning, kind, "", err)
		} else {
			ch.claim.Store(int32(ClaimSucceeded))
		}
	}

	if err := filterPolicy(kind, ch.filter.Load(), cmd); err != nil {
		if errc := session.Close(); errc != nil {
			d.cfg.OnMessage(fmt.Sprintf("%s close after failed connect: %v", kind, errc))
		}
		ch.claim.Store(int32(ClaimNone))
		ch.setState(StateDisconnected)
		ch.mu.Unlock()
		return &TransportUnavailableError{Channel: kind, Op: "filter", Err: err}
	}

	ch.session = session
	ch.gen.Add(1)
	ch.setState(StateConnected)
	ch.mu.Unlock()

	if d.closed.Load() {
		// raced with Close
		return errors.Join(ErrClosed, d.disconnect(ch))
	}

	d.poller.ensureRunning()
	d.sendEvent(EventTypeInfo, kind, "connected", nil)
	return nil
}

func (d *Driver) claimAddress(ctx context.Context, cmd func(transport.Command, []byte) error) error {
	payload := make([]byte, 0, 10)
	payload = append(payload, d.cfg.SourceAddress)
	payload = append(payload, d.cfg.Name[:]...)
	payload = append(payload, 0x00) // block until done

	err := retry.Do(func() error {
		return cmd(transport.CmdProtectJ1939Address, payload)
	},
		retry.Context(ctx),
		retry.Attempts(d.cfg.AddressClaimAttempts),
		retry.Delay(50*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			if d.cfg.Debug {
				d.cfg.OnMessage(fmt.Sprintf("address claim retry #%d: %v", n, err))
			}
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return &AddressClaimError{Address: d.cfg.SourceAddress, Err: err}
	}
	return nil
}

// ClaimAddress repeats the J1939 address claim on a connected channel.
func (d *Driver) ClaimAddress(ctx context.Context) error {
	ch := d.channels[ChannelJ1939]
	if !ch.connected() {
		return fmt.Errorf("%s: %w", ChannelJ1939, ErrNotConnected)
	}
	if err := d.claimAddress(ctx, ch.command); err != nil {
		ch.claim.Store(int32(ClaimFailed))
		return err
	}
	ch.claim.Store(int32(ClaimSucceeded))
	return nil
}

// Disconnect closes the channel session. Calling it on a disconnected channel
// is a no-op. Must not be called from a subscriber.
func (d *Driver) Disconnect(kind ChannelKind) error {
	ch, err := d.channel(kind)
	if err != nil {
		return err
	}
	return d.disconnect(ch)
}

func (d *Driver) disconnect(ch *channel) error {
	return d.disconnectGen(ch, 0)
}

// dropSession disconnects a channel whose session failed under the poller,
// unless it has been reconnected since.
func (d *Driver) dropSession(ch *channel, gen uint64) {
	if err := d.disconnectGen(ch, gen); err != nil && d.cfg.Debug {
		d.cfg.OnMessage(err.Error())
	}
}

// disconnectGen closes the channel session, when gen is not 0 only if it is
// still the session of that generation.
func (d *Driver) disconnectGen(ch *channel, gen uint64) error {
	ch.mu.Lock()
	if gen != 0 && ch.gen.Load() != gen {
		ch.mu.Unlock()
		return nil
	}
	session := ch.session
	ch.session = nil
	ch.setState(StateDisconnected)
	ch.claim.Store(int32(ClaimNone))
	var err error
	if session != nil {
		err = session.Close()
	}
	ch.mu.Unlock()
	if session == nil {
		return nil
	}
	d.poller.sync()
	if err != nil {
		return fmt.Errorf("%s close: %w", ch.kind, err)
	}
	if d.cfg.Debug {
		d.cfg.OnMessage(fmt.Sprintf("%s disconnected", ch.kind))
	}
	return nil
}

// SetFilter replaces the channel filter, no ids means pass all. A connected
// channel gets the transport filters updated first, when that fails the
// previous filter stays in effect.
func (d *Driver) SetFilter(kind ChannelKind, ids ...uint32) error {
	ch, err := d.channel(kind)
	if err != nil {
		return err
	}
	fs := NewFilterSet(ids...)
	if !ch.connected() {
		ch.filter.Store(fs)
		return nil
	}
	old := ch.filter.Load()
	if err := filterPolicy(kind, fs, ch.command); err != nil {
		if errors.Is(err, ErrNotConnected) {
			ch.filter.Store(fs)
			return nil
		}
		// put the transport back to the filter still in use
		if errr := filterPolicy(kind, old, ch.command); errr != nil {
			err = errors.Join(err, fmt.Errorf("restore previous filter: %w", errr))
		}
		return fmt.Errorf("%s set filter: %w", kind, err)
	}
	ch.filter.Store(fs)
	return nil
}

func (d *Driver) Filter(kind ChannelKind) *FilterSet {
	ch, err := d.channel(kind)
	if err != nil {
		return nil
	}
	return ch.filter.Load()
}

// Subscribe registers fn for messages received on the channel. Handlers are
// called from the poll goroutine in registration order. The returned func
// removes the subscription.
func (d *Driver) Subscribe(kind ChannelKind, fn MessageHandler) (func(), error) {
	ch, err := d.channel(kind)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}
	return ch.subscribe(fn), nil
}

// SendOnce transmits a message on the channel matching its type.
func (d *Driver) SendOnce(ctx context.Context, msg Message) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.send(msg, false)
}

func (d *Driver) send(msg Message, blocking bool) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrMalformed)
	}
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	kind := msg.Channel()
	ch, err := d.channel(kind)
	if err != nil {
		return err
	}
	if err := ch.send(data, blocking); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return fmt.Errorf("%s: %w", kind, err)
		}
		d.stats.sendErrors.Add(1)
		return &SendFailedError{Channel: kind, Err: err}
	}
	d.stats.sent.Add(1)
	if d.cfg.Debug {
		d.cfg.OnMessage("<o> " + msg.String())
	}
	return nil
}

// SchedulePeriodic sends msg every intervalMs on the channel matching its type
// until cancelled. Send failures are reported as events.
func (d *Driver) SchedulePeriodic(msg Message, intervalMs float64) (*Periodic, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	return d.scheduler.Schedule(msg, intervalMs, func(m Message) error {
		return d.send(m, false)
	})
}

func (d *Driver) CancelPeriodic(p *Periodic) {
	if p != nil {
		p.Cancel()
	}
}

func (d *Driver) Periodics() []*Periodic {
	return d.scheduler.Active()
}

// LoadReplay queues recorded J1939 entries, timeOffsetMs is subtracted from
// each recorded timestamp.
func (d *Driver) LoadReplay(entries []ReplayEntry, timeOffsetMs int64) {
	d.replay.Load(entries, timeOffsetMs)
}

// StartReplay starts sending the loaded entries on the J1939 channel.
func (d *Driver) StartReplay() error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.channels[ChannelJ1939].connected() {
		return fmt.Errorf("%s: %w", ChannelJ1939, ErrNotConnected)
	}
	return d.replay.Start()
}

func (d *Driver) StopReplay() {
	d.replay.Stop()
}

// Replay exposes the replay worker for progress reporting.
func (d *Driver) Replay() *Replayer {
	return d.replay
}

func (d *Driver) replaySend(msg *J1939Message) error {
	return d.send(msg, true)
}

// Close cancels periodic sends and replay, stops polling and disconnects both
// channels, in that order.
func (d *Driver) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.scheduler.Close()
		d.replay.Stop()
		d.poller.stop()
		for _, ch := range d.channels {
			if err := d.disconnect(ch); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (d *Driver) sendEvent(eventType EventType, kind ChannelKind, details string, err error) {
	evt := Event{Type: eventType, Channel: kind, Details: details, Err: err}
	if evt.Details == "" && err != nil {
		evt.Details = err.Error()
	}
	select {
	case d.evtChan <- evt:
	default:
		_, file, no, ok := runtime.Caller(1)
		if ok {
			log.Printf("%s#%d event channel full: %s\n", filepath.Base(file), no, evt)
		} else {
			log.Printf("event channel full: %s", evt)
		}
	}
}

func (d *Driver) reportError(kind ChannelKind, err error) {
	d.sendEvent(EventTypeError, kind, "", err)
}
