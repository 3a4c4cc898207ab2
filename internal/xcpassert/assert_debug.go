//go:build xcpdebug

package xcpassert

const enabled = true
