// Package xcpassert provides a debug-only invariant checker. Built with the
// xcpdebug tag it panics on a violated invariant; otherwise it is a no-op,
// so a production binary never pays for or crashes on a check that should
// be caught in development and tests.
package xcpassert

import "fmt"

// Assertf panics with a formatted message if cond is false and the binary
// was built with the xcpdebug tag. It does nothing otherwise.
func Assertf(cond bool, format string, args ...any) {
	if enabled && !cond {
		panic("xcp: invariant violated: " + fmt.Sprintf(format, args...))
	}
}
