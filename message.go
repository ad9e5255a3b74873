package rp1210

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

const (
	MaxPriority   = 0x07
	MaxPGN        = 0x3FFFF
	MaxIdentifier = 0x1FFFFFFF
	MaxJ1939Data  = 8

	// J1587 PIDs above 255 are sent as the escape byte followed by the page 2 PID.
	J1587PIDEscape = 0xFF
)

// Message is implemented by *J1939Message and *J1587Message.
type Message interface {
	Channel() ChannelKind
	Bytes() ([]byte, error)
	String() string
}

// J1939Message is a single J1939 frame.
type J1939Message struct {
	Priority    uint8
	PGN         uint32
	Source      uint8
	TimestampMs uint32
	Data        []byte
}

// NewJ1939Message creates a validated message and copies the data slice
func NewJ1939Message(priority uint8, pgn uint32, source uint8, data []byte) (*J1939Message, error) {
	d := make([]byte, len(data))
	copy(d, data)
	m := &J1939Message{
		Priority: priority,
		PGN:      pgn,
		Source:   source,
		Data:     d,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseIdentifier splits a 29-bit identifier into priority, PGN and source address.
func ParseIdentifier(id uint32) (priority uint8, pgn uint32, source uint8, err error) {
	if id > MaxIdentifier {
		return 0, 0, 0, fmt.Errorf("%w: identifier 0x%X exceeds 29 bits", ErrMalformed, id)
	}
	return uint8(id >> 26), (id >> 8) & MaxPGN, uint8(id), nil
}

func (m *J1939Message) Validate() error {
	if m.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d out of range", ErrMalformed, m.Priority)
	}
	if m.PGN > MaxPGN {
		return fmt.Errorf("%w: PGN 0x%X exceeds 18 bits", ErrMalformed, m.PGN)
	}
	if len(m.Data) > MaxJ1939Data {
		return fmt.Errorf("%w: %d data bytes, max %d", ErrMalformed, len(m.Data), MaxJ1939Data)
	}
	return nil
}

// Identifier returns the 29-bit bus identifier carried on the wire.
func (m *J1939Message) Identifier() uint32 {
	return uint32(m.Priority)<<26 | m.PGN<<8 | uint32(m.Source)
}

func (m *J1939Message) Channel() ChannelKind {
	return ChannelJ1939
}

func (m *J1939Message) Bytes() ([]byte, error) {
	return EncodeJ1939(m)
}

func (m *J1939Message) String() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("%10d || ", m.TimestampMs))
	out.WriteString(fmt.Sprintf("0x%08X", m.Identifier()) + " || ")
	out.WriteString(fmt.Sprintf("P%d PGN %6d SA %3d", m.Priority, m.PGN, m.Source) + " || ")
	out.WriteString(strconv.Itoa(len(m.Data)) + " || ")
	out.WriteString(fmt.Sprintf("%-23s", hexView(m.Data)))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(m.Data))
	return out.String()
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (m *J1939Message) ColorString() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("%10d || ", m.TimestampMs))
	out.WriteString(green("0x%08X", m.Identifier()) + " || ")
	out.WriteString(fmt.Sprintf("P%d PGN %6d SA %3d", m.Priority, m.PGN, m.Source) + " || ")
	out.WriteString(strconv.Itoa(len(m.Data)) + " || ")
	out.WriteString(red(fmt.Sprintf("%-23s", hexView(m.Data))))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(m.Data)))
	return out.String()
}

// J1587Message is a single J1587 parameter as carried on the J1708 bus.
type J1587Message struct {
	PID  []byte
	Data []byte
}

func NewJ1587Message(pid uint16, data []byte) (*J1587Message, error) {
	var p []byte
	switch {
	case pid < J1587PIDEscape:
		p = []byte{byte(pid)}
	case pid >= 256 && pid < 512:
		p = []byte{J1587PIDEscape, byte(pid - 256)}
	default:
		return nil, fmt.Errorf("%w: PID %d out of range", ErrMalformed, pid)
	}
	d := make([]byte, len(data))
	copy(d, data)
	return &J1587Message{PID: p, Data: d}, nil
}

func (m *J1587Message) Validate() error {
	switch len(m.PID) {
	case 1:
		if m.PID[0] == J1587PIDEscape {
			return fmt.Errorf("%w: escape PID without page 2 byte", ErrMalformed)
		}
	case 2:
		if m.PID[0] != J1587PIDEscape {
			return fmt.Errorf("%w: two byte PID must start with 0x%02X", ErrMalformed, J1587PIDEscape)
		}
	default:
		return fmt.Errorf("%w: PID length %d", ErrMalformed, len(m.PID))
	}
	return nil
}

// ParameterID returns the numeric PID, page 2 PIDs are returned as 256 + n.
func (m *J1587Message) ParameterID() uint16 {
	if len(m.PID) == 2 {
		return 256 + uint16(m.PID[1])
	}
	if len(m.PID) == 1 {
		return uint16(m.PID[0])
	}
	return 0
}

func (m *J1587Message) Channel() ChannelKind {
	return ChannelJ1587
}

func (m *J1587Message) Bytes() ([]byte, error) {
	return EncodeJ1587(m)
}

func (m *J1587Message) String() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("PID %3d", m.ParameterID()) + " || ")
	out.WriteString(strconv.Itoa(len(m.Data)) + " || ")
	out.WriteString(hexView(m.Data))
	return out.String()
}

func (m *J1587Message) ColorString() string {
	var out strings.Builder
	out.WriteString(green("PID %3d", m.ParameterID()) + " || ")
	out.WriteString(strconv.Itoa(len(m.Data)) + " || ")
	out.WriteString(red(hexView(m.Data)))
	return out.String()
}

// cloneMessage returns a copy of msg that shares no memory with it.
func cloneMessage(msg Message) Message {
	switch m := msg.(type) {
	case *J1939Message:
		c := *m
		c.Data = append([]byte(nil), m.Data...)
		return &c
	case *J1587Message:
		return &J1587Message{
			PID:  append([]byte(nil), m.PID...),
			Data: append([]byte(nil), m.Data...),
		}
	default:
		return msg
	}
}

func hexView(data []byte) string {
	var hv strings.Builder
	for i, b := range data {
		hv.WriteString(fmt.Sprintf("%02X", b))
		if i != len(data)-1 {
			hv.WriteString(" ")
		}
	}
	return hv.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 127 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
