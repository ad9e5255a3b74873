package rp1210

import (
	"fmt"
	"sync/atomic"
)

type Stats struct {
	Received   uint64
	Dispatched uint64
	Filtered   uint64
	Malformed  uint64
	ReadErrors uint64
	Sent       uint64
	SendErrors uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("recv: %d dispatched: %d filtered: %d malformed: %d read errors: %d sent: %d send errors: %d",
		st.Received, st.Dispatched, st.Filtered, st.Malformed, st.ReadErrors, st.Sent, st.SendErrors)
}

type counters struct {
	received   atomic.Uint64
	dispatched atomic.Uint64
	filtered   atomic.Uint64
	malformed  atomic.Uint64
	readErrors atomic.Uint64
	sent       atomic.Uint64
	sendErrors atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:   c.received.Load(),
		Dispatched: c.dispatched.Load(),
		Filtered:   c.filtered.Load(),
		Malformed:  c.malformed.Load(),
		ReadErrors: c.readErrors.Load(),
		Sent:       c.sent.Load(),
		SendErrors: c.sendErrors.Load(),
	}
}
