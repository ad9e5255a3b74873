// Package native talks to RP1210 vendor drivers. Driver and device discovery
// reads the RP1210 ini files and works on every platform, the DLL itself can
// only be loaded on windows.
package native

import (
	"fmt"
	"strings"
	"sync"

	"github.com/roffe/rp1210/transport"
)

const Name = "RP1210"

const (
	// DefaultJ1708MID is the offboard diagnostics tool MID.
	DefaultJ1708MID      = 172
	DefaultJ1708Priority = 8
)

func init() {
	if err := transport.Register(&transport.Info{
		Name:        Name,
		Description: "RP1210 vendor driver",
		New: func() (transport.Transport, error) {
			return New(defaultDir()), nil
		},
	}); err != nil {
		panic(err)
	}
}

// Native implements transport.Transport on top of the installed RP1210
// drivers. One DLL is loaded per driver and shared by its sessions.
type Native struct {
	// Dir holds RP121032.ini and the vendor ini files.
	Dir string

	J1708MID      uint8
	J1708Priority uint8

	load func(driverID string) (api, error)

	mu   sync.Mutex
	libs map[string]*library
}

type library struct {
	api  api
	refs int
}

func New(dir string) *Native {
	return &Native{
		Dir:           dir,
		J1708MID:      DefaultJ1708MID,
		J1708Priority: DefaultJ1708Priority,
		load:          loadDLL,
		libs:          make(map[string]*library),
	}
}

func (n *Native) Name() string {
	return Name
}

func (n *Native) ListAvailable() ([]string, error) {
	return LoadDriverList(n.Dir)
}

func (n *Native) ListDevices(driverID string) ([]transport.Device, error) {
	di, err := LoadDriverInfo(n.Dir, driverID)
	if err != nil {
		return nil, err
	}
	return di.Devices, nil
}

func (n *Native) Open(driverID string, deviceID int, protocol string) (transport.Session, error) {
	switch protocol {
	case transport.ProtocolJ1939, transport.ProtocolJ1708:
	default:
		return nil, fmt.Errorf("protocol %q: %w", protocol, transport.ErrNotSupported)
	}
	di, err := LoadDriverInfo(n.Dir, driverID)
	if err != nil {
		return nil, err
	}
	if _, ok := di.Device(deviceID); !ok {
		return nil, fmt.Errorf("%s: %w %d", driverID, transport.ErrUnknownDevice, deviceID)
	}
	if !di.Supports(deviceID, protocol) {
		return nil, fmt.Errorf("%s device %d protocol %s: %w", driverID, deviceID, protocol, transport.ErrNotSupported)
	}

	a, err := n.acquire(driverID)
	if err != nil {
		return nil, err
	}
	client, err := a.ClientConnect(int16(deviceID), protocol)
	if err != nil {
		n.release(driverID)
		return nil, fmt.Errorf("%s client connect: %w", driverID, err)
	}
	return &session{
		n:        n,
		driverID: driverID,
		api:      a,
		client:   client,
		protocol: protocol,
		buf:      make([]byte, readBufferSize),
	}, nil
}

func (n *Native) acquire(driverID string) (api, error) {
	key := strings.ToUpper(driverID)
	n.mu.Lock()
	defer n.mu.Unlock()
	if lib, ok := n.libs[key]; ok {
		lib.refs++
		return lib.api, nil
	}
	a, err := n.load(driverID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", driverID, err)
	}
	n.libs[key] = &library{api: a, refs: 1}
	return a, nil
}

func (n *Native) release(driverID string) error {
	key := strings.ToUpper(driverID)
	n.mu.Lock()
	defer n.mu.Unlock()
	lib, ok := n.libs[key]
	if !ok {
		return nil
	}
	lib.refs--
	if lib.refs > 0 {
		return nil
	}
	delete(n.libs, key)
	return lib.api.Release()
}
