package rp1210

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJ1939RoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(1210))
	for i := 0; i < 2000; i++ {
		data := make([]byte, rnd.Intn(MaxJ1939Data+1))
		rnd.Read(data)
		m := &J1939Message{
			Priority:    uint8(rnd.Intn(MaxPriority + 1)),
			PGN:         uint32(rnd.Intn(MaxPGN + 1)),
			Source:      uint8(rnd.Intn(256)),
			TimestampMs: rnd.Uint32(),
			Data:        data,
		}
		b, err := EncodeJ1939(m)
		require.NoError(t, err)
		require.Len(t, b, 9+len(data))

		got, err := DecodeJ1939(b)
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
}

func TestJ1939RoundTripBounds(t *testing.T) {
	tests := []struct {
		name string
		msg  J1939Message
	}{
		{"zero", J1939Message{Data: []byte{}}},
		{"max fields", J1939Message{Priority: 7, PGN: MaxPGN, Source: 255, TimestampMs: 0xFFFFFFFF, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}},
		{"request PGN", J1939Message{Priority: 6, PGN: 0xEA00, Source: 0xF9, Data: []byte{0x00, 0xEE, 0x00}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := EncodeJ1939(&tt.msg)
			require.NoError(t, err)
			got, err := DecodeJ1939(b)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, *got)
		})
	}
}

func TestIdentifierPacking(t *testing.T) {
	tests := []struct {
		priority uint8
		pgn      uint32
		source   uint8
		want     uint32
	}{
		{3, 0xF004, 0x00, 0x0CF00400},
		{6, 0xFEF1, 0x17, 0x18FEF117},
		{7, MaxPGN, 0xFF, MaxIdentifier},
		{0, 0, 0, 0},
	}
	for _, tt := range tests {
		m, err := NewJ1939Message(tt.priority, tt.pgn, tt.source, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, m.Identifier())
		assert.Equal(t, uint32(tt.priority)<<26|tt.pgn<<8|uint32(tt.source), m.Identifier())

		p, pgn, sa, err := ParseIdentifier(tt.want)
		require.NoError(t, err)
		assert.Equal(t, tt.priority, p)
		assert.Equal(t, tt.pgn, pgn)
		assert.Equal(t, tt.source, sa)
	}
}

func TestJ1939RejectsOverflow(t *testing.T) {
	tests := []struct {
		name string
		msg  J1939Message
	}{
		{"priority", J1939Message{Priority: 8}},
		{"pgn", J1939Message{PGN: MaxPGN + 1}},
		{"data", J1939Message{Data: make([]byte, 9)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeJ1939(&tt.msg)
			assert.ErrorIs(t, err, ErrMalformed)
			_, err = NewJ1939Message(tt.msg.Priority, tt.msg.PGN, tt.msg.Source, tt.msg.Data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
	_, _, _, err := ParseIdentifier(MaxIdentifier + 1)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = EncodeJ1939(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeJ1939Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"keepalive", []byte{0x01}},
		{"short header", []byte{0, 0, 0, 1, 0x0C, 0xF0, 0x04, 0x00}},
		{"length over 8", []byte{0, 0, 0, 1, 0x0C, 0xF0, 0x04, 0x00, 9, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"length exceeds buffer", []byte{0, 0, 0, 1, 0x0C, 0xF0, 0x04, 0x00, 3, 0xAA}},
		{"trailing bytes", []byte{0, 0, 0, 1, 0x0C, 0xF0, 0x04, 0x00, 1, 0xAA, 0xBB}},
		{"identifier over 29 bits", []byte{0, 0, 0, 1, 0x20, 0x00, 0x00, 0x00, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJ1939(tt.in)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncodeJ1939Layout(t *testing.T) {
	m := &J1939Message{Priority: 3, PGN: 0xF004, Source: 0x00, TimestampMs: 0x01020304, Data: []byte{0xAA, 0xBB}}
	b, err := EncodeJ1939(m)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x0C, 0xF0, 0x04, 0x00, 0x02, 0xAA, 0xBB}, b)
}

func TestJ1587(t *testing.T) {
	tests := []struct {
		name    string
		pid     uint16
		data    []byte
		want    []byte
		wantErr bool
	}{
		{"single byte pid", 84, []byte{0x64}, []byte{84, 0x64}, false},
		{"no data", 0, []byte{}, []byte{0}, false},
		{"page 2 pid", 256 + 37, []byte{1, 2}, []byte{0xFF, 37, 1, 2}, false},
		{"escape value", 255, nil, nil, true},
		{"out of range", 512, nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewJ1587Message(tt.pid, tt.data)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.pid, m.ParameterID())

			b, err := EncodeJ1587(m)
			require.NoError(t, err)
			assert.Equal(t, tt.want, b)

			got, err := DecodeJ1587(b)
			require.NoError(t, err)
			assert.Equal(t, m, got)
			assert.Equal(t, len(b), len(got.PID)+len(got.Data))
		})
	}
}

func TestDecodeJ1587Malformed(t *testing.T) {
	_, err := DecodeJ1587(nil)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeJ1587([]byte{0xFF})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = EncodeJ1587(&J1587Message{PID: []byte{1, 2}})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMessageString(t *testing.T) {
	m := &J1939Message{Priority: 6, PGN: 0xFEF1, Source: 0x17, TimestampMs: 42, Data: []byte{'A', 0x00}}
	s := m.String()
	assert.Contains(t, s, "0x18FEF117")
	assert.Contains(t, s, "41 00")
	assert.Contains(t, s, "A·")

	j, err := NewJ1587Message(190, []byte{0x10, 0x27})
	require.NoError(t, err)
	assert.Contains(t, j.String(), "PID 190")
}
