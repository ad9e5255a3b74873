package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/roffe/rp1210"
	"github.com/roffe/rp1210/transport"
	"github.com/spf13/viper"
)

// newDriver creates the driver from flags and config, prompting for driver
// and device when they are not given.
func newDriver() (*rp1210.Driver, error) {
	tr, err := transport.Get(viper.GetString(flagTransport))
	if err != nil {
		return nil, fmt.Errorf("%w, available: %s", err, strings.Join(transport.ListNames(), ", "))
	}
	driverID := viper.GetString(flagDriver)
	if driverID == "" {
		if driverID, err = selectDriver(tr); err != nil {
			return nil, err
		}
	}
	deviceID := viper.GetInt(flagDevice)
	if deviceID == 0 {
		if deviceID, err = selectDevice(tr, driverID); err != nil {
			return nil, err
		}
	}
	debug := viper.GetBool(flagDebug)
	return rp1210.New(&rp1210.Config{
		Transport:     tr,
		DriverID:      driverID,
		DeviceID:      deviceID,
		PollInterval:  viper.GetDuration(flagPoll),
		SourceAddress: uint8(viper.GetUint(flagSource)),
		Debug:         debug,
	})
}

func selectDriver(tr transport.Transport) (string, error) {
	drivers, err := tr.ListAvailable()
	if err != nil {
		return "", err
	}
	switch len(drivers) {
	case 0:
		return "", fmt.Errorf("%s: no drivers installed", tr.Name())
	case 1:
		return drivers[0], nil
	}
	prompt := promptui.Select{
		Label: "Driver",
		Items: drivers,
	}
	_, result, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return result, nil
}

func selectDevice(tr transport.Transport, driverID string) (int, error) {
	devs, err := tr.ListDevices(driverID)
	if err != nil {
		return 0, err
	}
	switch len(devs) {
	case 0:
		return 0, fmt.Errorf("%s: no devices", driverID)
	case 1:
		return devs[0].ID, nil
	}
	prompt := promptui.Select{
		Label: "Device",
		Items: devs,
	}
	i, _, err := prompt.Run()
	if err != nil {
		return 0, fmt.Errorf("prompt failed: %w", err)
	}
	return devs[i].ID, nil
}

func yesNo(label string) bool {
	prompt := promptui.Select{
		Label:    label + " [Yes/No]",
		HideHelp: true,
		Items:    []string{"Yes", "No"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		return false
	}
	return result == "Yes"
}

// logEvents prints driver events until ctx is done.
func logEvents(ctx context.Context, d *rp1210.Driver) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-d.Event():
			if evt.Type == rp1210.EventTypeDebug && !viper.GetBool(flagDebug) {
				continue
			}
			log.Println(evt)
		}
	}
}

func connect(ctx context.Context, d *rp1210.Driver, kinds ...rp1210.ChannelKind) error {
	for _, kind := range kinds {
		if err := d.Connect(ctx, kind); err != nil {
			return err
		}
		if kind == rp1210.ChannelJ1939 && d.ClaimStatus() == rp1210.ClaimFailed {
			log.Printf("J1939 address claim failed, sends may not reach the bus")
		}
	}
	return nil
}

func parseUint(s string, bits int) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, bits)
}

func parseUints(in []string, bits int) ([]uint32, error) {
	var out []uint32
	for _, s := range in {
		for _, f := range strings.Split(s, ",") {
			if f == "" {
				continue
			}
			v, err := parseUint(f, bits)
			if err != nil {
				return nil, err
			}
			out = append(out, uint32(v))
		}
	}
	return out, nil
}

func parseData(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	return b, nil
}

// messageFromArgs builds a J1939 message from "<pgn> <hex data>", or a J1587
// message when pid is set.
func messageFromArgs(args []string, priority, source uint8, pid bool) (rp1210.Message, error) {
	if len(args) < 1 {
		return nil, errors.New("missing id")
	}
	var data []byte
	if len(args) > 1 {
		var err error
		if data, err = parseData(strings.Join(args[1:], "")); err != nil {
			return nil, err
		}
	}
	if pid {
		id, err := parseUint(args[0], 16)
		if err != nil {
			return nil, fmt.Errorf("pid: %w", err)
		}
		return rp1210.NewJ1587Message(uint16(id), data)
	}
	pgn, err := parseUint(args[0], 32)
	if err != nil {
		return nil, fmt.Errorf("pgn: %w", err)
	}
	return rp1210.NewJ1939Message(priority, uint32(pgn), source, data)
}
