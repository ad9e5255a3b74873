// Package recording stores received J1939 traffic as a CBOR stream and loads
// it back as replay entries.
//
// A file is one Header item followed by one Record item per message.
package recording

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/roffe/rp1210"
)

const Version = 1

var ErrVersion = errors.New("unsupported recording version")

type Header struct {
	Version int       `cbor:"1,keyasint"`
	Started time.Time `cbor:"2,keyasint"`
	Driver  string    `cbor:"3,keyasint,omitempty"`
	Device  int       `cbor:"4,keyasint,omitempty"`
}

type Record struct {
	TimestampMs uint32 `cbor:"1,keyasint"`
	Identifier  uint32 `cbor:"2,keyasint"`
	Data        []byte `cbor:"3,keyasint"`
}

func (r Record) Message() (*rp1210.J1939Message, error) {
	priority, pgn, source, err := rp1210.ParseIdentifier(r.Identifier)
	if err != nil {
		return nil, err
	}
	m, err := rp1210.NewJ1939Message(priority, pgn, source, r.Data)
	if err != nil {
		return nil, err
	}
	m.TimestampMs = r.TimestampMs
	return m, nil
}

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Writer appends records to w. It is safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	enc   *cbor.Encoder
	start time.Time
	count int
	err   error

	// HostTime replaces the device timestamp with the milliseconds elapsed
	// since the writer was created.
	HostTime bool
}

func NewWriter(w io.Writer, h Header) (*Writer, error) {
	if h.Started.IsZero() {
		h.Started = time.Now()
	}
	h.Version = Version
	enc := encMode.NewEncoder(w)
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return &Writer{enc: enc, start: time.Now()}, nil
}

func (w *Writer) Write(m *rp1210.J1939Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	rec := Record{
		TimestampMs: m.TimestampMs,
		Identifier:  m.Identifier(),
		Data:        m.Data,
	}
	if w.HostTime {
		rec.TimestampMs = uint32(time.Since(w.start).Milliseconds())
	}
	if err := w.enc.Encode(rec); err != nil {
		w.err = fmt.Errorf("write record %d: %w", w.count, err)
		return w.err
	}
	w.count++
	return nil
}

// Handler returns a subscriber recording every J1939 message. The first
// write error is kept and returned by Err.
func (w *Writer) Handler() rp1210.MessageHandler {
	return func(msg rp1210.Message) {
		if m, ok := msg.(*rp1210.J1939Message); ok {
			w.Write(m)
		}
	}
}

func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

type Reader struct {
	Header Header
	dec    *cbor.Decoder
}

func NewReader(r io.Reader) (*Reader, error) {
	dec := cbor.NewDecoder(r)
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w %d", ErrVersion, h.Version)
	}
	return &Reader{Header: h, dec: dec}, nil
}

// Next returns the next record, io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return rec, io.EOF
		}
		return rec, err
	}
	return rec, nil
}

// ReadAll loads every record as a replay entry together with the offset that
// makes the first entry due at replay start.
func (r *Reader) ReadAll() ([]rp1210.ReplayEntry, int64, error) {
	var entries []rp1210.ReplayEntry
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, Offset(entries), fmt.Errorf("record %d: %w", len(entries), err)
		}
		m, err := rec.Message()
		if err != nil {
			return entries, Offset(entries), fmt.Errorf("record %d: %w", len(entries), err)
		}
		entries = append(entries, rp1210.ReplayEntry{Message: *m})
	}
	return entries, Offset(entries), nil
}

func Offset(entries []rp1210.ReplayEntry) int64 {
	if len(entries) == 0 {
		return 0
	}
	return int64(entries[0].TimestampMs())
}
