//go:build !xcpdebug

package xcpassert

const enabled = false
