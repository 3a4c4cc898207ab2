package xcp

// ReadHandler is invoked, exactly once and from any goroutine, when an
// asynchronous read issued through Source.Read completes. status.OK
// reports success; on success chunk is non-nil and holds exactly the bytes
// requested. On failure chunk is nil and status.Err carries the cause.
type ReadHandler func(status Status, chunk *Chunk)

// Source is the external transport collaborator a Src drives. Engines never
// touch sockets, files, or wire formats directly; every concrete replica
// (HTTP range requests, a QUIC stream, a mock for tests) implements Source.
//
// Open and Stat are synchronous; Read is asynchronous and must invoke
// handler exactly once, even on failure, even if Read itself returns a
// non-nil error (in which case handler is invoked synchronously by the
// caller, matching the pattern of an async API whose submission step can
// also fail outright).
type Source interface {
	// Open establishes the connection to the replica. It is called once,
	// before any Stat or Read.
	Open() error

	// Stat resolves the file size in bytes. It is only consulted when the
	// caller was not given an assumed size up front.
	Stat() (size int64, err error)

	// Read requests length bytes starting at offset. buf has length exactly
	// length (its capacity may be larger) and is owned by the caller until handler is
	// invoked; the source must not retain it afterward.
	Read(offset, length uint64, buf []byte, handler ReadHandler) error

	// Close releases any resources held by the source. It is safe to call
	// more than once.
	Close() error
}
