package xcp

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/multireplica/xcp/internal/bufpool"
	"github.com/multireplica/xcp/internal/xcpassert"
)

// SourceSnapshot is one source's contribution to a Snapshot.
type SourceSnapshot struct {
	ID              string
	URL             string
	DataTransferred uint64
	Efficiency      float64
}

// Snapshot is a read-only, point-in-time view of a copy's progress. It is
// safe to call concurrently with GetChunk.
type Snapshot struct {
	Size            int64
	DataTransferred uint64
	LiveSources     int
	FailedSources   int
	BewareDuplicates bool
	Sources         []SourceSnapshot
}

// Ctx is the block/chunk scheduler: it owns the pending replica URL list,
// the live and failed sources, and the shared sink they all feed. GetChunk
// is meant to be driven by a single goroutine; Snapshot and Close may be
// called from any goroutine at any time.
type Ctx struct {
	blockSize       uint64
	parallelSrc     uint8
	chunkSize       uint32
	parallelChunks  uint8
	readRecovery    string
	newSource       func(url string) Source
	pool            *bufpool.Pool
	sink            *Sink
	log             *slog.Logger

	mu                  sync.Mutex
	urls                []string
	offset              uint64
	size                int64
	sources             []*Src
	failed              []*Src
	bewareDuplicates    bool
	received            map[uint64]uint64
	duplicatesDiscarded uint64
	closed              bool
	stealObserver       func(caseLabel string)
}

// SetStealObserver registers a callback invoked after every steal attempt
// alloc_block drives, with the case label the protocol took (see the
// StealCase* constants in source.go). Passing nil disables observation. This
// is purely diagnostic: nothing in the scheduler's own behavior depends on
// it.
func (c *Ctx) SetStealObserver(fn func(caseLabel string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stealObserver = fn
}

// DuplicatesDiscarded reports how many chunks GetChunk has discarded so far
// because their offset was already delivered under beware_dups.
func (c *Ctx) DuplicatesDiscarded() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplicatesDiscarded
}

// NewCtx constructs a scheduler for the given replica URLs. newSource is
// called once per URL to build the Source that backs each
// replica; blockSize, parallelSrc, chunkSize, and parallelChunks bound the
// initial partition and the per-source concurrency. readRecovery is
// forwarded verbatim to every source that opts into it.
func NewCtx(urls []string, blockSize uint64, parallelSrc uint8, chunkSize uint32, parallelChunks uint8, pool *bufpool.Pool, newSource func(url string) Source, readRecovery string, log *slog.Logger) *Ctx {
	if log == nil {
		log = slog.Default()
	}
	u := make([]string, len(urls))
	copy(u, urls)
	return &Ctx{
		blockSize:      blockSize,
		parallelSrc:    parallelSrc,
		chunkSize:      chunkSize,
		parallelChunks: parallelChunks,
		readRecovery:   readRecovery,
		newSource:      newSource,
		pool:           pool,
		sink:           NewSink(),
		log:            log,
		urls:           u,
		received:       make(map[uint64]uint64),
	}
}

// Initialize opens as many sources as parallelSrc allows, resolves the file
// size (from fileSize if non-negative, otherwise the first source's Stat),
// and hands each initial source its starting block.
func (c *Ctx) Initialize(fileSize int64) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.initNewSrcLocked(fileSize)

	if len(c.sources) == 0 {
		return Status{Kind: StatusError, Err: ErrNoReachableSources}
	}

	if fileSize < 0 {
		c.size = c.sources[0].GetSize()
	} else {
		c.size = fileSize
	}

	allocation := uint64(c.size) / uint64(len(c.sources))
	if allocation < c.blockSize {
		c.blockSize = allocation
	}
	if c.blockSize < uint64(c.chunkSize) {
		c.blockSize = uint64(c.chunkSize)
	}

	for _, src := range c.sources {
		if c.offset >= uint64(c.size) {
			break
		}
		block := c.blockSize
		if c.offset+block > uint64(c.size) {
			block = uint64(c.size) - c.offset
		}
		src.SetBlock(c.offset, block)
		c.offset += block
	}

	return Status{Kind: StatusContinue}
}

// GetSize returns the resolved file size.
func (c *Ctx) GetSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// GetChunk drives one round of the scheduler and returns the next chunk to
// deliver. Kind is Done once every source is finished and the sink is
// drained, Retry if the caller should call again without a chunk this time
// (a source latched an error and pushed its wake-up sentinel, or a duplicate
// was suppressed), Continue with
// a non-nil chunk otherwise, or Error if every source has failed.
func (c *Ctx) GetChunk() (Status, *Chunk) {
	c.mu.Lock()

	c.removeFailedLocked()
	c.initNewSrcLocked(c.size)

	if len(c.sources) == 0 {
		c.mu.Unlock()
		return Status{Kind: StatusError, Err: ErrNoReachableSources}, nil
	}

	for _, src := range c.sources {
		src.ReadChunk()
		if !src.HasBlock() {
			if c.allocBlockLocked(src) {
				c.bewareDuplicates = true
				c.log.Debug("steal introduced possible duplicate", "source", src.ID())
			}
		}
	}

	done := c.accumulateDoneLocked() == len(c.sources) && c.sink.Empty()
	beware := c.bewareDuplicates
	c.mu.Unlock()

	if done {
		return Status{Kind: StatusDone}, nil
	}

	chunk, ok := c.sink.Get()
	if !ok {
		return Status{Kind: StatusDone}, nil
	}
	if chunk == nil {
		return Status{Kind: StatusRetry}, nil
	}

	if beware {
		c.mu.Lock()
		prevLen, seen := c.received[chunk.Offset]
		if seen {
			c.duplicatesDiscarded++
			c.mu.Unlock()
			xcpassert.Assertf(prevLen == chunk.Length(),
				"duplicate chunk at offset %d has mismatched length: got %d, want %d",
				chunk.Offset, chunk.Length(), prevLen)
			c.pool.Put(chunk.Data)
			return Status{Kind: StatusRetry}, nil
		}
		c.received[chunk.Offset] = chunk.Length()
		c.mu.Unlock()
	}

	return Status{Kind: StatusContinue}, chunk
}

// ReleaseChunk returns a delivered chunk's buffer to the pool it was
// allocated from, for reuse by a future read. Callers should call this once
// they're done with a Continue chunk's Data (e.g. after writing it out).
func (c *Ctx) ReleaseChunk(chunk *Chunk) {
	if chunk == nil {
		return
	}
	c.pool.Put(chunk.Data)
}

// Snapshot returns a point-in-time view of transfer progress, safe to call
// while GetChunk is in flight on another goroutine.
func (c *Ctx) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Size:             c.size,
		LiveSources:      len(c.sources),
		FailedSources:    len(c.failed),
		BewareDuplicates: c.bewareDuplicates,
		Sources:          make([]SourceSnapshot, 0, len(c.sources)),
	}
	for _, src := range c.sources {
		transferred := src.DataTransferred()
		snap.DataTransferred += transferred
		snap.Sources = append(snap.Sources, SourceSnapshot{
			ID:              src.ID(),
			URL:             src.URL(),
			DataTransferred: transferred,
			Efficiency:      src.EfficiencyIndicator(),
		})
	}
	return snap
}

// Close releases every live and failed source, then the sink. It is
// idempotent.
func (c *Ctx) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, src := range c.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, src := range c.failed {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.sink.Close()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// removeFailedLocked moves every source whose status has latched to Error
// out of the live set: to the failed queue if it still holds work worth
// stealing, or straight to Close otherwise. Caller must hold c.mu.
func (c *Ctx) removeFailedLocked() {
	live := make([]*Src, 0, len(c.sources))
	for _, src := range c.sources {
		if src.GetStatus().OK() {
			live = append(live, src)
			continue
		}
		if src.HasWork() {
			c.failed = append(c.failed, src)
		} else {
			src.Close()
		}
	}
	c.sources = live
}

// initNewSrcLocked opens new sources from the pending URL queue until
// parallelSrc live sources exist or the queue is empty. Caller must hold
// c.mu.
func (c *Ctx) initNewSrcLocked(fileSize int64) {
	for len(c.sources) < int(c.parallelSrc) && len(c.urls) > 0 {
		url := c.urls[0]
		c.urls = c.urls[1:]

		source := c.newSource(url)
		src := NewSrc(url, source, c.sink, c.pool, c.chunkSize, c.parallelChunks, c.readRecovery, c.log)
		if st := src.Initialize(fileSize); st.OK() {
			c.sources = append(c.sources, src)
		} else {
			c.log.Warn("source failed to initialize", "url", url, "err", st.Err)
			src.Close()
		}
	}
}

// allocBlockLocked gives src more work: a fresh block if the file isn't
// fully partitioned yet, otherwise a failed source's entire remaining
// work, otherwise a share of the least efficient live source's work.
// Caller must hold c.mu.
func (c *Ctx) allocBlockLocked(src *Src) bool {
	if c.offset < uint64(c.size) {
		block := c.blockSize
		if c.offset+block > uint64(c.size) {
			block = uint64(c.size) - c.offset
		}
		src.SetBlock(c.offset, block)
		c.offset += block
		return false
	}

	if len(c.failed) > 0 {
		failedSrc := c.failed[0]
		c.failed = c.failed[1:]
		src.Steal(failedSrc)
		failedSrc.Close()
		c.notifyStealLocked(src)
		return false
	}

	weak := c.weakestLinkLocked(src)
	beware := src.Steal(weak)
	c.notifyStealLocked(src)
	return beware
}

// notifyStealLocked reports src's most recent steal case to the registered
// observer, if any. Caller must hold c.mu.
func (c *Ctx) notifyStealLocked(src *Src) {
	if c.stealObserver != nil {
		c.stealObserver(src.LastStealCase())
	}
}

// weakestLinkLocked returns the live source (other than exclude) with the
// greatest efficiency indicator, or nil if none scores above zero. Caller
// must hold c.mu.
func (c *Ctx) weakestLinkLocked(exclude *Src) *Src {
	var best *Src
	bestScore := 0.0
	for _, src := range c.sources {
		if src == exclude {
			continue
		}
		score := src.EfficiencyIndicator()
		if score > bestScore {
			best = src
			bestScore = score
		}
	}
	return best
}

// accumulateDoneLocked counts live sources whose status is Done. Caller
// must hold c.mu.
func (c *Ctx) accumulateDoneLocked() int {
	done := 0
	for _, src := range c.sources {
		if src.GetStatus().Kind == StatusDone {
			done++
		}
	}
	return done
}
