//go:build unix

package lock

import (
	"os"

	"golang.org/x/sys/unix"
)

var releaseSignals = []os.Signal{unix.SIGTERM, unix.SIGINT}

func exitCode(sig os.Signal) int {
	if sig == unix.SIGINT {
		return 130
	}
	return 0
}
