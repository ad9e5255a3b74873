package native

import (
	"encoding/binary"
	"fmt"

	"github.com/roffe/rp1210"
)

const (
	// J1939 buffers as read from the DLL with echo off:
	// [ts 4][PGN 3 LE][how/priority][source][destination][data]
	j1939RxHeader = 10
	// [PGN 3 LE][how/priority][source][destination][data]
	j1939TxHeader = 6
	// [ts 4][MID][PID...]
	j1708RxHeader = 5

	globalAddress = 0xFF
	pdu2Boundary  = 240
)

// J1939ToNative converts a core J1939 frame to the RP1210 send buffer. PDU1
// PGNs carry the destination in their low byte.
func J1939ToNative(frame []byte) ([]byte, error) {
	m, err := rp1210.DecodeJ1939(frame)
	if err != nil {
		return nil, err
	}
	pgn := m.PGN
	dest := uint8(globalAddress)
	if uint8(pgn>>8) < pdu2Boundary {
		dest = uint8(pgn)
		pgn &^= 0xFF
	}
	out := make([]byte, j1939TxHeader, j1939TxHeader+len(m.Data))
	out[0] = byte(pgn)
	out[1] = byte(pgn >> 8)
	out[2] = byte(pgn >> 16)
	out[3] = m.Priority & 0x07
	out[4] = m.Source
	out[5] = dest
	return append(out, m.Data...), nil
}

// J1939FromNative converts a received RP1210 buffer to the core frame layout.
// Reassembled transport protocol messages longer than 8 bytes are passed on
// with their real length and fail the core decode.
func J1939FromNative(buf []byte) ([]byte, error) {
	if len(buf) < j1939RxHeader {
		return nil, fmt.Errorf("%w: J1939 buffer is %d bytes", rp1210.ErrMalformed, len(buf))
	}
	pgn := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16
	pgn &= rp1210.MaxPGN
	priority := buf[7] & 0x07
	source := buf[8]
	if uint8(pgn>>8) < pdu2Boundary {
		pgn = pgn&^0xFF | uint32(buf[9])
	}
	data := buf[j1939RxHeader:]
	if len(data) > 0xFF {
		data = data[:0xFF]
	}
	out := make([]byte, 9, 9+len(data))
	copy(out[0:4], buf[0:4])
	binary.BigEndian.PutUint32(out[4:8], uint32(priority)<<26|pgn<<8|uint32(source))
	out[8] = uint8(len(data))
	return append(out, data...), nil
}

// J1708ToNative prefixes the PID and data with the send priority and MID.
func J1708ToNative(frame []byte, priority, mid uint8) ([]byte, error) {
	if _, err := rp1210.DecodeJ1587(frame); err != nil {
		return nil, err
	}
	out := make([]byte, 2, 2+len(frame))
	out[0] = priority
	out[1] = mid
	return append(out, frame...), nil
}

// J1708FromNative strips the timestamp and MID from a received buffer. A
// buffer without any PID byte returns nil.
func J1708FromNative(buf []byte) []byte {
	if len(buf) <= j1708RxHeader {
		return nil
	}
	out := make([]byte, len(buf)-j1708RxHeader)
	copy(out, buf[j1708RxHeader:])
	return out
}
