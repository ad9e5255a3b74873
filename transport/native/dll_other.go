//go:build !windows

package native

import (
	"fmt"

	"github.com/roffe/rp1210/transport"
)

func loadDLL(driverID string) (api, error) {
	return nil, fmt.Errorf("RP1210 driver %s: %w on this platform", driverID, transport.ErrNotSupported)
}
