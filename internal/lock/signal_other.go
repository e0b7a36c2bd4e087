//go:build !unix

package lock

import "os"

var releaseSignals = []os.Signal{os.Interrupt}

func exitCode(os.Signal) int {
	return 1
}
