package xcp

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/multireplica/xcp/internal/bufpool"
)

// srcSeq assigns each Src a monotonically increasing sequence number at
// construction. Go pointers aren't orderable the way C++'s were used for
// deadlock-free double locking in the original, so Steal orders its two
// lock acquisitions by this sequence instead.
var srcSeq atomic.Uint64

// ReadRecoveryConfigurable is implemented by transports that support the
// verbatim environment-forwarded read-recovery knob. Transports that don't
// need it simply don't implement the interface.
type ReadRecoveryConfigurable interface {
	SetReadRecovery(value string)
}

// Src drives a single replica: it owns the transport connection, the block
// currently assigned to it, any chunks stolen from slower peers, and the
// chunks it has issued but not yet heard back on.
type Src struct {
	seq uint64
	id  string
	url string

	source Source
	pool   *bufpool.Pool
	sink   *Sink
	log    *slog.Logger

	readRecovery string

	mu              sync.Mutex
	status          Status
	size            int64
	cur             uint64
	end             uint64
	chunkSize       uint32
	parallel        uint8
	dataTransferred uint64
	ongoing         map[uint64]uint64
	stolen          map[uint64]uint64
	lastErr         error
	lastStealCase   string
}

// Steal case labels, mirroring the five cases of the §4.2 protocol table.
// Exported as plain strings (rather than a typed enum tied to a metrics
// package) so pkg/xcp stays free of any dependency on how a caller chooses
// to observe them.
const (
	StealCaseVictimDone       = "victim_done"
	StealCaseVictimError      = "victim_error"
	StealCaseBlockFraction    = "block_fraction"
	StealCaseStolenTakeover   = "stolen_takeover"
	StealCaseOngoingDuplicate = "ongoing_duplicate"
	StealCaseNone             = "none"
)

// NewSrc constructs a Src bound to url, transferring into sink through
// source, with the given per-source parallelism and chunk size.
func NewSrc(url string, source Source, sink *Sink, pool *bufpool.Pool, chunkSize uint32, parallel uint8, readRecovery string, log *slog.Logger) *Src {
	if log == nil {
		log = slog.Default()
	}
	return &Src{
		seq:          srcSeq.Add(1),
		id:           uuid.NewString(),
		url:          url,
		source:       source,
		pool:         pool,
		sink:         sink,
		log:          log,
		readRecovery: readRecovery,
		status:       Status{Kind: StatusDone},
		chunkSize:    chunkSize,
		parallel:     parallel,
		ongoing:      make(map[uint64]uint64),
		stolen:       make(map[uint64]uint64),
	}
}

// ID is a stable diagnostic identifier, independent of URL, so two replicas
// on the same host can be told apart in logs and dashboard snapshots.
func (s *Src) ID() string { return s.id }

// URL returns the replica URL this source was constructed with.
func (s *Src) URL() string { return s.url }

// Initialize opens the transport and, if fileSize is negative, stats the
// file to learn its size.
func (s *Src) Initialize(fileSize int64) Status {
	s.log.Debug("opening source for reading", "url", s.url)

	if rr, ok := s.source.(ReadRecoveryConfigurable); ok {
		rr.SetReadRecovery(s.readRecovery)
	}

	if err := s.source.Open(); err != nil {
		st := Status{Kind: StatusError, Err: fmt.Errorf("%w: %s: %v", ErrOpenFailed, s.url, err)}
		s.mu.Lock()
		s.status = st
		s.lastErr = st.Err
		s.mu.Unlock()
		return st
	}

	if fileSize < 0 {
		size, err := s.source.Stat()
		if err != nil {
			st := Status{Kind: StatusError, Err: fmt.Errorf("%w: %s: %v", ErrStatFailed, s.url, err)}
			s.mu.Lock()
			s.status = st
			s.lastErr = st.Err
			s.mu.Unlock()
			return st
		}
		s.size = size
	} else {
		s.size = fileSize
	}

	return Status{Kind: StatusContinue}
}

// GetSize returns the file size as learned or assumed during Initialize.
func (s *Src) GetSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// GetStatus returns the current status.
func (s *Src) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError returns the error that latched status to Error, or nil.
func (s *Src) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// HasWork reports whether the source has a block, stolen chunks, or ongoing
// transfers left.
func (s *Src) HasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur < s.end || len(s.ongoing) > 0 || len(s.stolen) > 0
}

// HasBlock reports whether the source still has a nonempty block assigned.
func (s *Src) HasBlock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur < s.end
}

// SetBlock assigns [offset, offset+size) to the source, unconditionally
// forcing its status back to Continue even if it was previously Done.
func (s *Src) SetBlock(offset, size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = offset
	s.end = offset + size
	s.status = Status{Kind: StatusContinue}
}

// ReadChunk spawns new asynchronous reads: stolen chunks first, then the
// source's own block, up to the per-source parallelism cap. It returns the
// source's status after issuing whatever it could.
func (s *Src) ReadChunk() Status {
	s.mu.Lock()
	if s.status.Kind == StatusError {
		st := s.status
		s.mu.Unlock()
		return st
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.ongoing) >= int(s.parallel) || len(s.stolen) == 0 {
			s.mu.Unlock()
			break
		}
		off, length := popMin(s.stolen)
		s.ongoing[off] = length
		s.mu.Unlock()
		s.issue(off, length)
	}

	for {
		s.mu.Lock()
		if len(s.ongoing) >= int(s.parallel) || s.cur >= s.end {
			s.mu.Unlock()
			break
		}
		length := uint64(s.chunkSize)
		if s.cur+length > s.end {
			length = s.end - s.cur
		}
		off := s.cur
		s.ongoing[off] = length
		s.cur += length
		s.mu.Unlock()
		s.issue(off, length)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Kind != StatusError {
		if s.cur < s.end || len(s.ongoing) > 0 || len(s.stolen) > 0 {
			s.status = Status{Kind: StatusContinue}
		} else {
			s.status = Status{Kind: StatusDone}
		}
	}
	return s.status
}

// issue allocates a buffer and submits one asynchronous read.
func (s *Src) issue(offset, length uint64) {
	buf := s.pool.Get()[:length]
	if err := s.source.Read(offset, length, buf, s.reportResult); err != nil {
		s.reportResult(Status{Kind: StatusError, Err: fmt.Errorf("%w: %s: %v", ErrReadFailed, s.url, err)}, nil)
	}
}

// reportResult is the completion handler for every read this source issues.
// It runs on whatever goroutine the transport chooses to call it from.
func (s *Src) reportResult(status Status, chunk *Chunk) {
	if status.OK() && chunk == nil {
		status = Status{Kind: StatusError, Err: fmt.Errorf("%w: %s: success with no chunk", ErrInternal, s.url)}
	}

	if !status.OK() {
		s.mu.Lock()
		s.status = status
		s.lastErr = status.Err
		s.mu.Unlock()
	}

	s.mu.Lock()
	latched := !s.status.OK()
	s.mu.Unlock()

	if latched {
		s.sink.Put(nil)
		return
	}

	chunk.SourceID = s.id

	s.mu.Lock()
	delete(s.ongoing, chunk.Offset)
	s.dataTransferred += chunk.Length()
	s.mu.Unlock()

	s.sink.Put(chunk)
}

// Steal takes work from other. It reports whether the theft could cause
// duplicate chunk downloads: this only happens when other's only remaining
// work was ongoing (in-flight) reads, which s now also holds a copy of.
//
// The two locks are acquired in a fixed order by sequence number, since Go
// pointers carry no comparable ordering the way addresses did in the
// original, to make concurrent Steal calls (should they ever happen)
// deadlock-free.
func (s *Src) Steal(other *Src) bool {
	if other == nil || other == s {
		s.mu.Lock()
		s.lastStealCase = StealCaseNone
		s.mu.Unlock()
		return false
	}

	first, second := s, other
	if other.seq < s.seq {
		first, second = other, s
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if other.status.Kind == StatusDone {
		s.lastStealCase = StealCaseVictimDone
		return false
	}

	if other.status.Kind == StatusError {
		insertMissing(s.stolen, other.ongoing)
		insertMissing(s.stolen, other.stolen)
		s.cur = other.cur
		s.end = other.end

		other.ongoing = make(map[uint64]uint64)
		other.stolen = make(map[uint64]uint64)
		other.cur = 0
		other.end = 0

		s.lastStealCase = StealCaseVictimError
		return false
	}

	if other.cur < other.end {
		blkSize := other.end - other.cur
		var steal uint64
		if blkSize <= uint64(s.chunkSize) {
			steal = blkSize
		} else {
			denom := s.dataTransferred + other.dataTransferred
			fraction := 0.5
			if denom > 0 {
				fraction = float64(s.dataTransferred) / float64(denom)
			}
			steal = uint64(fraction * float64(blkSize))
		}

		s.cur = other.end - steal
		s.end = other.end
		other.end -= steal

		s.lastStealCase = StealCaseBlockFraction
		return false
	}

	if len(other.stolen) > 0 {
		insertMissing(s.stolen, other.stolen)
		other.stolen = make(map[uint64]uint64)
		s.lastStealCase = StealCaseStolenTakeover
		return false
	}

	if s.dataTransferred > other.dataTransferred {
		insertMissing(s.stolen, other.ongoing)
		s.lastStealCase = StealCaseOngoingDuplicate
		return true
	}

	s.lastStealCase = StealCaseNone
	return false
}

// LastStealCase reports which case of the stealing protocol the most recent
// Steal call on this source took, for callers that want to observe the
// protocol's behavior (e.g. metrics) without pkg/xcp depending on how they
// report it.
func (s *Src) LastStealCase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStealCase
}

// EfficiencyIndicator estimates outstanding work per byte already
// delivered; larger means less efficient. A source that has transferred
// nothing yet is treated as maximally inefficient rather than propagating
// a division-by-zero NaN or Inf ambiguity.
func (s *Src) EfficiencyIndicator() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dataTransferred == 0 {
		return math.Inf(1)
	}

	var toBeTransferred float64
	for _, length := range s.ongoing {
		toBeTransferred += float64(length)
	}
	for _, length := range s.stolen {
		toBeTransferred += float64(length)
	}
	toBeTransferred += float64(s.end - s.cur)

	return toBeTransferred / float64(s.dataTransferred)
}

// Close releases the underlying transport connection.
func (s *Src) Close() error {
	return s.source.Close()
}

// DataTransferred reports the total bytes this source has delivered so far.
func (s *Src) DataTransferred() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataTransferred
}

func insertMissing(dst, src map[uint64]uint64) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}

// popMin removes and returns the smallest-offset entry of m, mirroring the
// ascending iteration order of an ordered map.
func popMin(m map[uint64]uint64) (uint64, uint64) {
	first := true
	var minK, minV uint64
	for k, v := range m {
		if first || k < minK {
			minK, minV = k, v
			first = false
		}
	}
	delete(m, minK)
	return minK, minV
}
