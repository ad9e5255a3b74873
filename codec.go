package rp1210

import (
	"encoding/binary"
	"fmt"
)

// J1939 frame layout:
//
//	[0:4] timestamp in ms, big endian
//	[4:8] 29-bit identifier, big endian
//	[8]   data length (0-8)
//	[9:]  data
const j1939HeaderSize = 9

// EncodeJ1939 returns the frame as laid out on the transport
func EncodeJ1939(m *J1939Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, j1939HeaderSize, j1939HeaderSize+len(m.Data))
	binary.BigEndian.PutUint32(buf[0:4], m.TimestampMs)
	binary.BigEndian.PutUint32(buf[4:8], m.Identifier())
	buf[8] = uint8(len(m.Data))
	return append(buf, m.Data...), nil
}

func DecodeJ1939(b []byte) (*J1939Message, error) {
	if len(b) < j1939HeaderSize {
		return nil, fmt.Errorf("%w: frame is %d bytes, min %d", ErrMalformed, len(b), j1939HeaderSize)
	}
	dlc := int(b[8])
	if dlc > MaxJ1939Data {
		return nil, fmt.Errorf("%w: data length %d", ErrMalformed, dlc)
	}
	if j1939HeaderSize+dlc != len(b) {
		return nil, fmt.Errorf("%w: data length %d does not match frame size %d", ErrMalformed, dlc, len(b))
	}
	priority, pgn, source, err := ParseIdentifier(binary.BigEndian.Uint32(b[4:8]))
	if err != nil {
		return nil, err
	}
	data := make([]byte, dlc)
	copy(data, b[j1939HeaderSize:])
	return &J1939Message{
		Priority:    priority,
		PGN:         pgn,
		Source:      source,
		TimestampMs: binary.BigEndian.Uint32(b[0:4]),
		Data:        data,
	}, nil
}

// EncodeJ1587 concatenates the PID bytes and the data
func EncodeJ1587(m *J1587Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(m.PID)+len(m.Data))
	out = append(out, m.PID...)
	return append(out, m.Data...), nil
}

func DecodeJ1587(b []byte) (*J1587Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	pidLen := 1
	if b[0] == J1587PIDEscape {
		if len(b) < 2 {
			return nil, fmt.Errorf("%w: escape PID without page 2 byte", ErrMalformed)
		}
		pidLen = 2
	}
	pid := make([]byte, pidLen)
	copy(pid, b[:pidLen])
	data := make([]byte, len(b)-pidLen)
	copy(data, b[pidLen:])
	return &J1587Message{PID: pid, Data: data}, nil
}
