package rp1210

import (
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"time"

	"github.com/roffe/rp1210/transport"
)

const (
	DefaultPollInterval         = time.Millisecond
	DefaultAddressClaimAttempts = 3
	DefaultReplayPollInterval   = time.Millisecond
)

type Config struct {
	Transport transport.Transport
	DriverID  string
	DeviceID  int

	// Idle sleep between poll iterations that returned no data, 0 busy polls.
	PollInterval time.Duration
	// How often the replay worker re-checks a not yet due entry.
	ReplayPollInterval time.Duration

	AddressClaimAttempts uint
	// Source address and NAME used for the J1939 address claim.
	SourceAddress uint8
	Name          [8]byte

	Debug     bool
	OnMessage func(string)
}

// ServiceToolName is the J1939 NAME announced by this tool (J1939/81):
// not self configurable, global industry group, non specific vehicle system,
// function 129 offboard service tool, manufacturer code 297.
var ServiceToolName = [8]byte{0x00, 0x00, 0x20, 0x25, 0x00, 0x81, 0x00, 0x00}

func (cfg *Config) validate() error {
	if cfg.Transport == nil {
		return ErrNilTransport
	}
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(msg string) {
			_, file, no, ok := runtime.Caller(1)
			if ok {
				log.Printf("%s#%d %v\n", filepath.Base(file), no, msg)
			} else {
				log.Println(msg)
			}
		}
	}
	if cfg.PollInterval < 0 {
		return fmt.Errorf("invalid poll interval %s", cfg.PollInterval)
	}
	if cfg.ReplayPollInterval <= 0 {
		cfg.ReplayPollInterval = DefaultReplayPollInterval
	}
	if cfg.AddressClaimAttempts == 0 {
		cfg.AddressClaimAttempts = DefaultAddressClaimAttempts
	}
	if cfg.Name == [8]byte{} {
		cfg.Name = ServiceToolName
	}
	return nil
}
