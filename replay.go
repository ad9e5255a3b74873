package rp1210

import (
	"sync"
	"sync/atomic"
	"time"
)

// ReplayEntry is a recorded message, due at Message.TimestampMs.
type ReplayEntry struct {
	Message J1939Message
}

func (e ReplayEntry) TimestampMs() uint32 {
	return e.Message.TimestampMs
}

// ReplayQueue is a FIFO safe for one producer and one consumer.
type ReplayQueue struct {
	mu      sync.Mutex
	entries []ReplayEntry
	head    int
}

func NewReplayQueue(entries ...ReplayEntry) *ReplayQueue {
	q := &ReplayQueue{}
	q.Push(entries...)
	return q
}

func (q *ReplayQueue) Push(entries ...ReplayEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entries...)
}

func (q *ReplayQueue) Peek() (ReplayEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.entries) {
		return ReplayEntry{}, false
	}
	return q.entries[q.head], true
}

// PopIf dequeues the head entry when cond returns true for it. Peek and
// dequeue happen under one lock.
func (q *ReplayQueue) PopIf(cond func(ReplayEntry) bool) (ReplayEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.entries) {
		return ReplayEntry{}, false
	}
	e := q.entries[q.head]
	if !cond(e) {
		return ReplayEntry{}, false
	}
	q.entries[q.head] = ReplayEntry{}
	q.head++
	if q.head == len(q.entries) {
		q.entries = q.entries[:0]
		q.head = 0
	} else if q.head > 1024 && q.head > len(q.entries)/2 {
		n := copy(q.entries, q.entries[q.head:])
		q.entries = q.entries[:n]
		q.head = 0
	}
	return e, true
}

func (q *ReplayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) - q.head
}

func (q *ReplayQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.head = 0
}

type ReplayFunc func(*J1939Message) error

// Replayer sends queued entries at their recorded offset from the start of the
// replay. Entries are sent strictly in queue order, an entry that is already
// late is sent immediately.
type Replayer struct {
	queue        *ReplayQueue
	send         ReplayFunc
	onError      func(error)
	pollInterval time.Duration

	offsetMs atomic.Int64
	dequeued atomic.Uint64
	failed   atomic.Uint64

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewReplayer(send ReplayFunc, pollInterval time.Duration, onError func(error)) *Replayer {
	if pollInterval <= 0 {
		pollInterval = DefaultReplayPollInterval
	}
	done := make(chan struct{})
	close(done)
	return &Replayer{
		queue:        NewReplayQueue(),
		send:         send,
		onError:      onError,
		pollInterval: pollInterval,
		done:         done,
	}
}

func (r *Replayer) Queue() *ReplayQueue {
	return r.queue
}

// Load appends entries to the queue and sets the offset subtracted from every
// recorded timestamp.
func (r *Replayer) Load(entries []ReplayEntry, timeOffsetMs int64) {
	r.offsetMs.Store(timeOffsetMs)
	r.queue.Push(entries...)
}

func (r *Replayer) TimeOffsetMs() int64 {
	return r.offsetMs.Load()
}

// Dequeued returns the number of entries taken off the queue since creation,
// including those whose send failed.
func (r *Replayer) Dequeued() uint64 {
	return r.dequeued.Load()
}

// Failed returns how many of the dequeued entries could not be sent.
func (r *Replayer) Failed() uint64 {
	return r.failed.Load()
}

func (r *Replayer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Replayer) Start() error {
	return r.StartAt(time.Now())
}

// StartAt starts the replay worker measuring elapsed time from ref.
func (r *Replayer) StartAt(ref time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrReplayRunning
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.run(ref, r.stop, r.done)
	return nil
}

// Stop asks the worker to exit after the current send and waits for it.
func (r *Replayer) Stop() {
	r.mu.Lock()
	if r.running {
		r.running = false
		close(r.stop)
	}
	done := r.done
	r.mu.Unlock()
	<-done
}

// Done is closed when the current replay has finished.
func (r *Replayer) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Replayer) Wait() {
	<-r.Done()
}

func (r *Replayer) run(ref time.Time, stop, done chan struct{}) {
	defer close(done)
	defer func() {
		r.mu.Lock()
		if r.stop == stop {
			r.running = false
		}
		r.mu.Unlock()
	}()
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		default:
		}
		elapsed := time.Since(ref)
		offset := r.offsetMs.Load()
		var wait time.Duration
		pending := false
		entry, ok := r.queue.PopIf(func(e ReplayEntry) bool {
			due := time.Duration(int64(e.Message.TimestampMs)-offset) * time.Millisecond
			if elapsed > due {
				return true
			}
			wait = due - elapsed
			pending = true
			return false
		})
		if ok {
			msg := entry.Message
			if err := r.send(&msg); err != nil {
				r.failed.Add(1)
				if r.onError != nil {
					r.onError(err)
				}
			}
			r.dequeued.Add(1)
			continue
		}
		if !pending {
			// queue exhausted
			return
		}
		if wait > r.pollInterval {
			wait = r.pollInterval
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-stop:
			return
		case <-timer.C:
		}
	}
}
