package transport

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	ProtocolJ1939 = "J1939"
	ProtocolJ1708 = "J1708"
)

var (
	ErrNotSupported  = errors.New("operation not supported by transport")
	ErrClosed        = errors.New("session closed")
	ErrUnknownDriver = errors.New("unknown driver")
	ErrUnknownDevice = errors.New("unknown device")
)

// Transport is a vendor driver able to open bus sessions on its devices.
type Transport interface {
	Name() string
	ListAvailable() ([]string, error)
	ListDevices(driverID string) ([]Device, error)
	Open(driverID string, deviceID int, protocol string) (Session, error)
}

// Session is an open client connection to one protocol on one device.
//
// Read returns an empty slice when no data is available. Implementations must
// allow Read to run concurrently with Send; concurrent Sends are serialized by
// the caller.
type Session interface {
	SendCommand(cmd Command, payload []byte) error
	Send(data []byte, blocking bool) error
	Read(blocking bool) ([]byte, error)
	Close() error
}

type Device struct {
	ID          int
	Name        string
	Description string
}

func (d Device) String() string {
	if d.Description == "" {
		return fmt.Sprintf("#%d %s", d.ID, d.Name)
	}
	return fmt.Sprintf("#%d %s (%s)", d.ID, d.Name, d.Description)
}

type Info struct {
	Name        string
	Description string
	New         func() (Transport, error)
}

func (i *Info) String() string {
	return fmt.Sprintf("%s | %s", i.Name, i.Description)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Info)
)

func Register(info *Info) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, found := registry[info.Name]; found {
		return fmt.Errorf("transport %s already registered", info.Name)
	}
	registry[info.Name] = info
	return nil
}

// Get instantiates the registered transport, names are matched case-insensitively.
func Get(name string) (Transport, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for n, info := range registry {
		if strings.EqualFold(n, name) {
			return info.New()
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownDriver, name)
}

func List() []Info {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Info, 0, len(registry))
	for _, info := range registry {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}

func ListNames() []string {
	var out []string
	for _, info := range List() {
		out = append(out, info.Name)
	}
	return out
}
