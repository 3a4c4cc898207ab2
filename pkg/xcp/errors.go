package xcp

import "errors"

// Sentinel errors returned or wrapped by the engine. Transport
// implementations should wrap their own failures with these via %w so
// callers can classify errors with errors.Is regardless of which transport
// produced them.
var (
	// ErrOpenFailed means a source's Open call failed.
	ErrOpenFailed = errors.New("xcp: open failed")
	// ErrStatFailed means a source's Stat call failed while resolving the
	// file size.
	ErrStatFailed = errors.New("xcp: stat failed")
	// ErrReadFailed means a source's Read call failed or its completion
	// handler reported failure.
	ErrReadFailed = errors.New("xcp: read failed")
	// ErrNoReachableSources means no live source remains: every replica URL
	// failed to open, or every opened source has since failed. The copy
	// cannot proceed.
	ErrNoReachableSources = errors.New("xcp: no reachable sources")
	// ErrInternal marks a condition that should never occur given the
	// engine's own invariants; seeing it means a bug, not a transport
	// failure.
	ErrInternal = errors.New("xcp: internal error")
	// ErrClosed names the closed state of a Ctx or Sink. No operation in this
	// package returns it: a Sink.Put after Close is dropped and a Sink.Get
	// after Close reports ok=false.
	ErrClosed = errors.New("xcp: closed")
)
