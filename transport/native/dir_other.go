//go:build !windows

package native

import "os"

// defaultDir lets ini discovery be pointed at a copy of the windows directory.
func defaultDir() string {
	return os.Getenv("RP1210_INI_DIR")
}
