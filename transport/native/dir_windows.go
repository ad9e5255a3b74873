package native

import (
	"os"

	"golang.org/x/sys/windows"
)

func defaultDir() string {
	if dir, err := windows.GetSystemWindowsDirectory(); err == nil {
		return dir
	}
	return os.Getenv("SystemRoot")
}
