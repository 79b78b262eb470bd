package common

import (
	"fmt"
	"os"
	"runtime/debug"
)

// QuarryPanicHandler is deferred at the top of each binary's main. It writes to stderr directly - the logger
// may be the thing that's broken.
func QuarryPanicHandler() {
	if r := recover(); r != nil {
		_, _ = fmt.Fprintf(os.Stderr, "panic in quarry process: %v\n%s\n", r, debug.Stack())
		os.Exit(1)
	}
}
