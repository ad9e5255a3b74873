package mqttbridge

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roffe/rp1210"
)

const (
	ChannelJ1939 = "j1939"
	ChannelJ1587 = "j1587"
)

// HexBytes marshals as a hex string.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.ToUpper(hex.EncodeToString(h)))
}

func (h *HexBytes) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.ReplaceAll(s, " ", "")
	d, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	*h = d
	return nil
}

// Frame is the JSON form of a bus message, published for received messages
// and accepted on the send topic.
type Frame struct {
	Channel     string   `json:"channel"`
	Priority    uint8    `json:"priority,omitempty"`
	PGN         uint32   `json:"pgn,omitempty"`
	Source      uint8    `json:"source,omitempty"`
	PID         uint16   `json:"pid,omitempty"`
	TimestampMs uint32   `json:"timestamp_ms,omitempty"`
	Data        HexBytes `json:"data"`
}

func FromMessage(msg rp1210.Message) (Frame, error) {
	switch m := msg.(type) {
	case *rp1210.J1939Message:
		return Frame{
			Channel:     ChannelJ1939,
			Priority:    m.Priority,
			PGN:         m.PGN,
			Source:      m.Source,
			TimestampMs: m.TimestampMs,
			Data:        m.Data,
		}, nil
	case *rp1210.J1587Message:
		return Frame{
			Channel: ChannelJ1587,
			PID:     m.ParameterID(),
			Data:    m.Data,
		}, nil
	}
	return Frame{}, fmt.Errorf("unsupported message type %T", msg)
}

// Message validates the frame and returns the bus message.
func (f Frame) Message() (rp1210.Message, error) {
	switch strings.ToLower(f.Channel) {
	case ChannelJ1939, "":
		m, err := rp1210.NewJ1939Message(f.Priority, f.PGN, f.Source, f.Data)
		if err != nil {
			return nil, err
		}
		m.TimestampMs = f.TimestampMs
		return m, nil
	case ChannelJ1587, "j1708":
		return rp1210.NewJ1587Message(f.PID, f.Data)
	}
	return nil, fmt.Errorf("unknown channel %q", f.Channel)
}

// Topic returns <prefix>/j1939/<pgn> or <prefix>/j1587/<pid>.
func (f Frame) Topic(prefix string) string {
	if f.Channel == ChannelJ1587 {
		return fmt.Sprintf("%s/%s/%d", prefix, ChannelJ1587, f.PID)
	}
	return fmt.Sprintf("%s/%s/%d", prefix, ChannelJ1939, f.PGN)
}
