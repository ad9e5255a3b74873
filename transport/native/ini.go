package native

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/roffe/rp1210/transport"
	"gopkg.in/ini.v1"
)

// SupportFile lists the installed RP1210 drivers, it lives in the windows
// directory next to one <driver>.ini per implementation.
const SupportFile = "RP121032.ini"

var loadOpts = ini.LoadOptions{
	Insensitive:             true,
	IgnoreInlineComment:     true,
	AllowBooleanKeys:        true,
	SkipUnrecognizableLines: true,
}

type Protocol struct {
	Name        string
	Description string
	Devices     []int
}

// DriverInfo is the content of a vendor <driver>.ini.
type DriverInfo struct {
	ID        string
	Vendor    string
	Devices   []transport.Device
	Protocols []Protocol
}

// Supports reports whether the device is listed for protocol. Drivers that
// omit the device list for a protocol support it on every device.
func (di *DriverInfo) Supports(deviceID int, protocol string) bool {
	if len(di.Protocols) == 0 {
		return true
	}
	for _, p := range di.Protocols {
		if !strings.EqualFold(p.Name, protocol) {
			continue
		}
		if len(p.Devices) == 0 {
			return true
		}
		for _, id := range p.Devices {
			if id == deviceID {
				return true
			}
		}
	}
	return false
}

func (di *DriverInfo) Device(id int) (transport.Device, bool) {
	for _, d := range di.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return transport.Device{}, false
}

// LoadDriverList reads the API implementations from RP121032.ini in dir.
func LoadDriverList(dir string) ([]string, error) {
	f, err := ini.LoadSources(loadOpts, filepath.Join(dir, SupportFile))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", SupportFile, err)
	}
	raw := f.Section("RP1210Support").Key("APIImplementations").String()
	var out []string
	seen := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToUpper(s)] {
			continue
		}
		seen[strings.ToUpper(s)] = true
		out = append(out, s)
	}
	return out, nil
}

// LoadDriverInfo parses <driverID>.ini in dir.
func LoadDriverInfo(dir, driverID string) (*DriverInfo, error) {
	f, err := ini.LoadSources(loadOpts, filepath.Join(dir, driverID+".ini"))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", transport.ErrUnknownDriver, driverID, err)
	}
	di := &DriverInfo{
		ID:     driverID,
		Vendor: f.Section("VendorInformation").Key("Name").String(),
	}
	for _, sec := range f.Sections() {
		name := strings.ToLower(sec.Name())
		switch {
		case strings.HasPrefix(name, "deviceinformation"):
			id, err := sec.Key("DeviceID").Int()
			if err != nil {
				continue
			}
			di.Devices = append(di.Devices, transport.Device{
				ID:          id,
				Name:        sec.Key("DeviceName").String(),
				Description: sec.Key("DeviceDescription").String(),
			})
		case strings.HasPrefix(name, "protocolinformation"):
			p := Protocol{
				Name:        sec.Key("ProtocolString").String(),
				Description: sec.Key("ProtocolDescription").String(),
				Devices:     parseInts(sec.Key("Devices").String()),
			}
			if p.Name != "" {
				di.Protocols = append(di.Protocols, p)
			}
		}
	}
	sort.Slice(di.Devices, func(i, j int) bool { return di.Devices[i].ID < di.Devices[j].ID })
	return di, nil
}

func parseInts(s string) []int {
	var out []int
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
