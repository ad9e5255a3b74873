package recording

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/roffe/rp1210"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	var buf bytes.Buffer
	started := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)
	w, err := NewWriter(&buf, Header{Started: started, Driver: "Loopback", Device: 1})
	require.NoError(t, err)

	msgs := []*rp1210.J1939Message{
		{Priority: 3, PGN: 0xF004, Source: 0, TimestampMs: 1000, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Priority: 6, PGN: 0xFEF1, Source: 0, TimestampMs: 1100, Data: []byte{0xFF}},
		{Priority: 6, PGN: 0xEA00, Source: 0xF9, TimestampMs: 1250, Data: []byte{}},
	}
	for _, m := range msgs {
		require.NoError(t, w.Write(m))
	}
	assert.Error(t, w.Write(&rp1210.J1939Message{Priority: 8}))
	assert.Equal(t, 3, w.Count())
	require.NoError(t, w.Err())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, Version, r.Header.Version)
	assert.True(t, started.Equal(r.Header.Started))
	assert.Equal(t, "Loopback", r.Header.Driver)
	assert.Equal(t, 1, r.Header.Device)

	entries, offset, err := r.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), offset)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, *msgs[i], e.Message)
	}
}

func TestHostTime(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Header{})
	require.NoError(t, err)
	w.HostTime = true

	h := w.Handler()
	h(&rp1210.J1939Message{Priority: 6, PGN: 0xFEF1, TimestampMs: 99999, Data: []byte{1}})
	h(&rp1210.J1587Message{PID: []byte{84}, Data: []byte{1}})
	time.Sleep(20 * time.Millisecond)
	h(&rp1210.J1939Message{Priority: 6, PGN: 0xFEF1, TimestampMs: 5, Data: []byte{2}})
	assert.Equal(t, 2, w.Count())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	assert.False(t, r.Header.Started.IsZero())
	first, err := r.Next()
	require.NoError(t, err)
	second, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)

	assert.Less(t, first.TimestampMs, uint32(20))
	assert.GreaterOrEqual(t, second.TimestampMs-first.TimestampMs, uint32(20))
}

func TestConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Header{})
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.Write(&rp1210.J1939Message{Priority: 6, PGN: 0xFEF1, Source: uint8(i), TimestampMs: uint32(j)})
			}
		}(i)
	}
	wg.Wait()

	r, err := NewReader(&buf)
	require.NoError(t, err)
	entries, _, err := r.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 400)
}

func TestReaderErrors(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil))
	assert.Error(t, err)

	b, err := cbor.Marshal(Header{Version: 99})
	require.NoError(t, err)
	_, err = NewReader(bytes.NewReader(b))
	assert.ErrorIs(t, err, ErrVersion)

	// record with an identifier wider than 29 bits
	var buf bytes.Buffer
	_, err = NewWriter(&buf, Header{})
	require.NoError(t, err)
	rec, err := cbor.Marshal(Record{Identifier: 0xFFFFFFFF})
	require.NoError(t, err)
	buf.Write(rec)
	r, err := NewReader(&buf)
	require.NoError(t, err)
	_, _, err = r.ReadAll()
	assert.ErrorIs(t, err, rp1210.ErrMalformed)

	// truncated stream
	buf.Reset()
	w, err := NewWriter(&buf, Header{})
	require.NoError(t, err)
	require.NoError(t, w.Write(&rp1210.J1939Message{Priority: 6, PGN: 0xFEF1, Data: []byte{1, 2}}))
	data := buf.Bytes()[:buf.Len()-1]
	r, err = NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	_, _, err = r.ReadAll()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}
