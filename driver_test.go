package rp1210

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roffe/rp1210/transport"
	"github.com/roffe/rp1210/transport/loopback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T, lb *loopback.Loopback) *Driver {
	t.Helper()
	d, err := New(&Config{
		Transport:            lb,
		DriverID:             loopback.Name,
		DeviceID:             1,
		PollInterval:         time.Millisecond,
		AddressClaimAttempts: 1,
		OnMessage:            func(string) {},
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func sessionFor(t *testing.T, lb *loopback.Loopback, protocol string) *loopback.Session {
	t.Helper()
	for _, s := range lb.Sessions() {
		if s.Protocol() == protocol {
			return s
		}
	}
	t.Fatalf("no %s session open", protocol)
	return nil
}

func mustEncode(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := m.Bytes()
	require.NoError(t, err)
	return b
}

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(m Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) all() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(&Config{})
	assert.ErrorIs(t, err, ErrNilTransport)
	_, err = New(nil)
	assert.ErrorIs(t, err, ErrNilTransport)
}

func TestConnectJ1939(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)

	require.NoError(t, d.Connect(context.Background(), ChannelJ1939))
	assert.Equal(t, StateConnected, d.State(ChannelJ1939))
	assert.Equal(t, StateDisconnected, d.State(ChannelJ1587))
	assert.Equal(t, ClaimSucceeded, d.ClaimStatus())

	cmds := sessionFor(t, lb, transport.ProtocolJ1939).Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, transport.CmdProtectJ1939Address, cmds[0].Command)
	assert.Equal(t, []byte{0x00, 0, 0, 0x20, 0x25, 0, 0x81, 0, 0, 0x00}, cmds[0].Payload)
	assert.Equal(t, transport.CmdSetAllFiltersStatesToPass, cmds[1].Command)

	err := d.Connect(context.Background(), ChannelJ1939)
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	select {
	case evt := <-d.Event():
		assert.Equal(t, EventTypeInfo, evt.Type)
		assert.Equal(t, ChannelJ1939, evt.Channel)
	case <-time.After(time.Second):
		t.Fatal("no connect event")
	}
}

func TestConnectJ1587SkipsAddressClaim(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)
	require.NoError(t, d.SetFilter(ChannelJ1587, 84))
	require.NoError(t, d.Connect(context.Background(), ChannelJ1587))

	cmds := sessionFor(t, lb, transport.ProtocolJ1708).Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, transport.CmdSetAllFiltersStatesToPass, cmds[0].Command)
	assert.Equal(t, ClaimNone, d.ClaimStatus())
}

func TestConnectAppliesNarrowFilter(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)
	require.NoError(t, d.SetFilter(ChannelJ1939, 0xFEF1, 0xF004))
	require.NoError(t, d.Connect(context.Background(), ChannelJ1939))

	cmds := sessionFor(t, lb, transport.ProtocolJ1939).Commands()
	require.Len(t, cmds, 4)
	assert.Equal(t, transport.CmdSetAllFiltersStatesToDiscard, cmds[1].Command)
	assert.Equal(t, transport.CmdSetMessageFilteringForJ1939, cmds[2].Command)
	assert.Equal(t, transport.J1939FilterPGN(0xF004), cmds[2].Payload)
	assert.Equal(t, transport.J1939FilterPGN(0xFEF1), cmds[3].Payload)

	// clearing the filter goes back to pass all
	require.NoError(t, d.SetFilter(ChannelJ1939))
	cmds = sessionFor(t, lb, transport.ProtocolJ1939).Commands()
	assert.Equal(t, transport.CmdSetAllFiltersStatesToPass, cmds[len(cmds)-1].Command)
}

func TestConnectOpenFailure(t *testing.T) {
	lb := loopback.New()
	lb.OpenErr = errors.New("no device")
	d := newTestDriver(t, lb)

	err := d.Connect(context.Background(), ChannelJ1939)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportUnavailable)
	var tue *TransportUnavailableError
	require.ErrorAs(t, err, &tue)
	assert.Equal(t, "open", tue.Op)
	assert.Equal(t, StateDisconnected, d.State(ChannelJ1939))
	assert.False(t, d.poller.isRunning())
}

func TestConnectFilterFailureReleasesSession(t *testing.T) {
	lb := loopback.New()
	lb.CommandErr = func(c transport.Command) error {
		if c == transport.CmdSetAllFiltersStatesToPass {
			return errors.New("rejected")
		}
		return nil
	}
	d := newTestDriver(t, lb)

	err := d.Connect(context.Background(), ChannelJ1939)
	assert.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Equal(t, StateDisconnected, d.State(ChannelJ1939))
	assert.Empty(t, lb.Sessions())
	assert.False(t, d.poller.isRunning())
}

func TestSetFilterFailureKeepsPrevious(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)
	require.NoError(t, d.Connect(context.Background(), ChannelJ1939))

	rejected := errors.New("rejected")
	lb.CommandErr = func(c transport.Command) error {
		if c == transport.CmdSetMessageFilteringForJ1939 {
			return rejected
		}
		return nil
	}
	err := d.SetFilter(ChannelJ1939, 0xFEF1)
	assert.ErrorIs(t, err, rejected)
	assert.Zero(t, d.Filter(ChannelJ1939).Len())

	cmds := sessionFor(t, lb, transport.ProtocolJ1939).Commands()
	assert.Equal(t, transport.CmdSetAllFiltersStatesToDiscard, cmds[len(cmds)-2].Command)
	assert.Equal(t, transport.CmdSetAllFiltersStatesToPass, cmds[len(cmds)-1].Command)

	// traffic keeps flowing with the previous filter
	c := &collector{}
	_, err = d.Subscribe(ChannelJ1939, c.handle)
	require.NoError(t, err)
	sessionFor(t, lb, transport.ProtocolJ1939).Inject(mustEncode(t, &J1939Message{Priority: 3, PGN: 0xF004}))
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)
}

func TestAddressClaimFailureIsNotFatal(t *testing.T) {
	lb := loopback.New()
	fail := true
	var mu sync.Mutex
	lb.CommandErr = func(c transport.Command) error {
		mu.Lock()
		defer mu.Unlock()
		if c == transport.CmdProtectJ1939Address && fail {
			return errors.New("address in use")
		}
		return nil
	}
	d := newTestDriver(t, lb)

	require.NoError(t, d.Connect(context.Background(), ChannelJ1939))
	assert.Equal(t, StateConnected, d.State(ChannelJ1939))
	assert.Equal(t, ClaimFailed, d.ClaimStatus())

	var warned bool
	for !warned {
		select {
		case evt := <-d.Event():
			if evt.Type == EventTypeWarning {
				assert.ErrorIs(t, evt.Err, ErrAddressClaimFailed)
				warned = true
			}
		case <-time.After(time.Second):
			t.Fatal("no address claim warning")
		}
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	require.NoError(t, d.ClaimAddress(context.Background()))
	assert.Equal(t, ClaimSucceeded, d.ClaimStatus())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)

	require.NoError(t, d.Disconnect(ChannelJ1939))
	require.NoError(t, d.Connect(context.Background(), ChannelJ1939))
	require.NoError(t, d.Disconnect(ChannelJ1939))
	require.NoError(t, d.Disconnect(ChannelJ1939))
	assert.Equal(t, StateDisconnected, d.State(ChannelJ1939))
	assert.Empty(t, lb.Sessions())

	require.Eventually(t, func() bool { return !d.poller.isRunning() }, time.Second, time.Millisecond)

	// reconnect restarts polling
	require.NoError(t, d.Connect(context.Background(), ChannelJ1939))
	assert.True(t, d.poller.isRunning())
}

func TestSessionLostDisconnects(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx, ChannelJ1939))
	<-d.Event()

	require.NoError(t, sessionFor(t, lb, transport.ProtocolJ1939).Close())
	require.Eventually(t, func() bool {
		return d.State(ChannelJ1939) == StateDisconnected && !d.poller.isRunning()
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	require.Len(t, d.Event(), 1)
	evt := <-d.Event()
	assert.Equal(t, EventTypeError, evt.Type)
	assert.Equal(t, ChannelJ1939, evt.Channel)
	assert.ErrorIs(t, evt.Err, transport.ErrClosed)
	assert.Equal(t, uint64(1), d.Stats().ReadErrors)
	assert.Equal(t, ClaimNone, d.ClaimStatus())

	require.NoError(t, d.Connect(ctx, ChannelJ1939))
	assert.Equal(t, StateConnected, d.State(ChannelJ1939))
	assert.True(t, d.poller.isRunning())
}

type failingSession struct {
	transport.Session
	mu    sync.Mutex
	reads int
}

func (f *failingSession) Read(bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return nil, errors.New("usb gone")
}

type failingTransport struct {
	*loopback.Loopback
	s *failingSession
}

func (f *failingTransport) Open(driverID string, deviceID int, protocol string) (transport.Session, error) {
	s, err := f.Loopback.Open(driverID, deviceID, protocol)
	if err != nil {
		return nil, err
	}
	f.s = &failingSession{Session: s}
	return f.s, nil
}

func TestRepeatedReadErrorsDisconnect(t *testing.T) {
	tr := &failingTransport{Loopback: loopback.New()}
	d, err := New(&Config{
		Transport:            tr,
		DriverID:             loopback.Name,
		DeviceID:             1,
		PollInterval:         time.Millisecond,
		AddressClaimAttempts: 1,
		OnMessage:            func(string) {},
	})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Connect(context.Background(), ChannelJ1587))
	<-d.Event()
	require.Eventually(t, func() bool { return d.State(ChannelJ1587) == StateDisconnected }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, uint64(maxReadFailures), d.Stats().ReadErrors)
	assert.Len(t, d.Event(), maxReadFailures)
	assert.Empty(t, tr.Sessions())
}

func TestPollerNotRestartedAfterClose(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)
	require.NoError(t, d.Close())
	d.poller.ensureRunning()
	assert.False(t, d.poller.isRunning())
}

func TestDispatchAndFilter(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)

	var first, second collector
	var order []int
	var orderMu sync.Mutex
	_, err := d.Subscribe(ChannelJ1939, func(m Message) {
		orderMu.Lock()
		order = append(order, 1)
		orderMu.Unlock()
		first.handle(m)
	})
	require.NoError(t, err)
	_, err = d.Subscribe(ChannelJ1939, func(m Message) {
		orderMu.Lock()
		order = append(order, 2)
		orderMu.Unlock()
		second.handle(m)
	})
	require.NoError(t, err)

	require.NoError(t, d.Connect(context.Background(), ChannelJ1939))
	s := sessionFor(t, lb, transport.ProtocolJ1939)

	eec1 := &J1939Message{Priority: 3, PGN: 0xF004, Source: 0, TimestampMs: 10, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	ccvs := &J1939Message{Priority: 6, PGN: 0xFEF1, Source: 0, TimestampMs: 11, Data: []byte{8, 7}}

	// empty filter dispatches everything
	s.Inject(mustEncode(t, eec1))
	s.Inject([]byte{0x00})             // keepalive, ignored
	s.Inject([]byte{0x00, 0x01, 0x02}) // malformed, dropped
	s.Inject(mustEncode(t, ccvs))
	require.Eventually(t, func() bool { return first.len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []Message{eec1, ccvs}, first.all())
	assert.Equal(t, first.all(), second.all())
	orderMu.Lock()
	assert.Equal(t, []int{1, 2, 1, 2}, order)
	orderMu.Unlock()

	// non-empty filter dispatches iff the PGN is in the set
	require.NoError(t, d.SetFilter(ChannelJ1939, 0xFEF1))
	s.Inject(mustEncode(t, eec1))
	s.Inject(mustEncode(t, ccvs))
	require.Eventually(t, func() bool { return first.len() == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return d.Stats().Filtered == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, ccvs, first.all()[2])

	st := d.Stats()
	assert.Equal(t, uint64(5), st.Received)
	assert.Equal(t, uint64(1), st.Malformed)
	assert.Equal(t, uint64(3), st.Dispatched)
}

func TestDispatchJ1587(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)
	var c collector
	unsub, err := d.Subscribe(ChannelJ1587, c.handle)
	require.NoError(t, err)
	require.NoError(t, d.SetFilter(ChannelJ1587, 84, 256+5))
	require.NoError(t, d.Connect(context.Background(), ChannelJ1587))
	s := sessionFor(t, lb, transport.ProtocolJ1708)

	speed, _ := NewJ1587Message(84, []byte{0x64})
	rpm, _ := NewJ1587Message(190, []byte{0x10, 0x27})
	page2, _ := NewJ1587Message(256+5, []byte{0x01, 0x02})
	s.Inject(mustEncode(t, speed))
	s.Inject(mustEncode(t, rpm))
	s.Inject(mustEncode(t, page2))
	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []Message{speed, page2}, c.all())

	unsub()
	unsub()
	s.Inject(mustEncode(t, speed))
	require.Eventually(t, func() bool { return d.Stats().Dispatched == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, c.len())
}

func TestSendOnce(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)
	ctx := context.Background()

	m, err := NewJ1939Message(6, 0xEA00, 0, []byte{0xEE, 0xFE, 0x00})
	require.NoError(t, err)
	assert.ErrorIs(t, d.SendOnce(ctx, m), ErrNotConnected)

	require.NoError(t, d.Connect(ctx, ChannelJ1939))
	require.NoError(t, d.Connect(ctx, ChannelJ1587))
	require.NoError(t, d.SendOnce(ctx, m))

	pid, err := NewJ1587Message(84, []byte{0x64})
	require.NoError(t, err)
	require.NoError(t, d.SendOnce(ctx, pid))

	// each message type goes out on its own channel
	assert.Equal(t, [][]byte{mustEncode(t, m)}, sessionFor(t, lb, transport.ProtocolJ1939).Sent())
	assert.Equal(t, [][]byte{mustEncode(t, pid)}, sessionFor(t, lb, transport.ProtocolJ1708).Sent())

	assert.ErrorIs(t, d.SendOnce(ctx, &J1939Message{Priority: 9}), ErrMalformed)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, d.SendOnce(cctx, m), context.Canceled)
}

func TestSendFailure(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)
	require.NoError(t, d.Connect(context.Background(), ChannelJ1939))
	lb.SendErr = errors.New("bus off")

	m, _ := NewJ1939Message(6, 0xFEF1, 0, nil)
	err := d.SendOnce(context.Background(), m)
	assert.ErrorIs(t, err, ErrSendFailed)
	var sfe *SendFailedError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, ChannelJ1939, sfe.Channel)
	assert.Equal(t, uint64(1), d.Stats().SendErrors)
	assert.Equal(t, StateConnected, d.State(ChannelJ1939))
}

func TestClose(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx, ChannelJ1939))
	require.NoError(t, d.Connect(ctx, ChannelJ1587))

	m, _ := NewJ1939Message(6, 0xFEF1, 0, nil)
	p, err := d.SchedulePeriodic(m, 5)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Zero(t, d.scheduler.Len())
	fires := p.Fires()
	assert.Equal(t, StateDisconnected, d.State(ChannelJ1939))
	assert.Equal(t, StateDisconnected, d.State(ChannelJ1587))
	assert.Empty(t, lb.Sessions())
	assert.False(t, d.poller.isRunning())

	assert.ErrorIs(t, d.Connect(ctx, ChannelJ1939), ErrClosed)
	assert.ErrorIs(t, d.SendOnce(ctx, m), ErrClosed)
	_, err = d.SchedulePeriodic(m, 5)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.StartReplay(), ErrClosed)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, fires, p.Fires())
}

func TestPeriodicSendFailureReported(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)
	require.NoError(t, d.Connect(context.Background(), ChannelJ1939))
	for len(d.Event()) > 0 {
		<-d.Event()
	}
	lb.SendErr = errors.New("bus off")

	m, _ := NewJ1939Message(6, 0xFEF1, 0, nil)
	p, err := d.SchedulePeriodic(m, 5)
	require.NoError(t, err)
	defer d.CancelPeriodic(p)

	select {
	case evt := <-d.Event():
		assert.Equal(t, EventTypeError, evt.Type)
		assert.ErrorIs(t, evt.Err, ErrSendFailed)
	case <-time.After(time.Second):
		t.Fatal("no send failure event")
	}
}

func TestReplayThroughDriver(t *testing.T) {
	lb := loopback.New()
	d := newTestDriver(t, lb)
	ctx := context.Background()

	entries := []ReplayEntry{
		{Message: J1939Message{Priority: 6, PGN: 0xFEF1, TimestampMs: 1000, Data: []byte{1}}},
		{Message: J1939Message{Priority: 6, PGN: 0xFEF1, TimestampMs: 1010, Data: []byte{2}}},
	}
	d.LoadReplay(entries, 1000)
	assert.ErrorIs(t, d.StartReplay(), ErrNotConnected)

	require.NoError(t, d.Connect(ctx, ChannelJ1939))
	require.NoError(t, d.StartReplay())
	d.Replay().Wait()

	sent := sessionFor(t, lb, transport.ProtocolJ1939).Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, mustEncode(t, &entries[0].Message), sent[0])
	assert.Equal(t, mustEncode(t, &entries[1].Message), sent[1])
	d.StopReplay()
}
