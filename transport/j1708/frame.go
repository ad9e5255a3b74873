package j1708

import (
	"errors"
	"fmt"
)

// MaxFrame is the longest J1708 message including MID and checksum.
const MaxFrame = 21

var ErrChecksum = errors.New("checksum mismatch")

// Checksum is the two's complement of the sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return -sum
}

// Frame builds the line frame [MID][payload][checksum].
func Frame(mid byte, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if len(payload)+2 > MaxFrame {
		return nil, fmt.Errorf("payload of %d bytes exceeds J1708 frame", len(payload))
	}
	out := make([]byte, 0, len(payload)+2)
	out = append(out, mid)
	out = append(out, payload...)
	return append(out, Checksum(out)), nil
}

// Unframe verifies the checksum and splits off MID and payload.
func Unframe(frame []byte) (byte, []byte, error) {
	if len(frame) < 3 {
		return 0, nil, fmt.Errorf("frame of %d bytes too short", len(frame))
	}
	var sum byte
	for _, c := range frame {
		sum += c
	}
	if sum != 0 {
		return 0, nil, fmt.Errorf("%w: % X", ErrChecksum, frame)
	}
	payload := make([]byte, len(frame)-2)
	copy(payload, frame[1:len(frame)-1])
	return frame[0], payload, nil
}
