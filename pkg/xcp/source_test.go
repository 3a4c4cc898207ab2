package xcp

import (
	"errors"
	"math"
	"testing"

	"github.com/multireplica/xcp/internal/bufpool"
)

func TestInitialize_Success(t *testing.T) {
	fs := newFakeSource(make([]byte, 500))
	s := NewSrc("s", fs, NewSink(), bufpool.New(64), 64, 1, "", nil)

	st := s.Initialize(-1)
	if !st.OK() {
		t.Fatalf("initialize: %v", st.Err)
	}
	if s.GetSize() != 500 {
		t.Fatalf("size = %d, want 500", s.GetSize())
	}
}

func TestInitialize_OpenFailure(t *testing.T) {
	fs := newFakeSource(nil).failOpen(errors.New("refused"))
	s := NewSrc("s", fs, NewSink(), bufpool.New(64), 64, 1, "", nil)

	st := s.Initialize(-1)
	if st.Kind != StatusError || !errors.Is(st.Err, ErrOpenFailed) {
		t.Fatalf("initialize = %+v, want Error wrapping ErrOpenFailed", st)
	}
	if s.GetStatus().Kind != StatusError {
		t.Fatalf("status should latch to Error on open failure")
	}
}

func TestInitialize_StatFailure(t *testing.T) {
	fs := newFakeSource(nil).failStat(errors.New("no such file"))
	s := NewSrc("s", fs, NewSink(), bufpool.New(64), 64, 1, "", nil)

	st := s.Initialize(-1)
	if st.Kind != StatusError || !errors.Is(st.Err, ErrStatFailed) {
		t.Fatalf("initialize = %+v, want Error wrapping ErrStatFailed", st)
	}
}

func TestInitialize_KnownSizeSkipsStat(t *testing.T) {
	fs := newFakeSource(nil).failStat(errors.New("stat should not be called"))
	s := NewSrc("s", fs, NewSink(), bufpool.New(64), 64, 1, "", nil)

	st := s.Initialize(500)
	if !st.OK() {
		t.Fatalf("initialize: %v", st.Err)
	}
	if s.GetSize() != 500 {
		t.Fatalf("size = %d, want the caller-supplied 500", s.GetSize())
	}
}

func TestSetBlock_ForcesContinueEvenFromDone(t *testing.T) {
	s := NewSrc("s", newFakeSource(nil), NewSink(), bufpool.New(64), 64, 1, "", nil)
	s.status = Status{Kind: StatusDone}

	s.SetBlock(100, 50)

	if s.GetStatus().Kind != StatusContinue {
		t.Fatalf("status = %v, want Continue", s.GetStatus().Kind)
	}
	if s.cur != 100 || s.end != 150 {
		t.Fatalf("block = [%d,%d), want [100,150)", s.cur, s.end)
	}
}

func TestReadChunk_DrainsStolenThenBlock(t *testing.T) {
	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i)
	}
	fs := newFakeSource(data)
	fs.sync = true

	sink := NewSink()
	s := NewSrc("s", fs, sink, bufpool.New(50), 50, 2, "", nil)
	if st := s.Initialize(3000); !st.OK() {
		t.Fatalf("initialize: %v", st.Err)
	}
	s.SetBlock(0, 1000)
	s.stolen = map[uint64]uint64{2000: 10, 2010: 5}

	st := s.ReadChunk()
	if st.Kind != StatusDone {
		t.Fatalf("status = %v, want Done once block and stolen work are drained", st.Kind)
	}
	if got := s.DataTransferred(); got != 1015 {
		t.Fatalf("data transferred = %d, want 1015 (1000 block + 10 + 5 stolen)", got)
	}

	count, total := 0, uint64(0)
	for {
		c, ok := sink.TryGet()
		if !ok {
			break
		}
		count++
		total += c.Length()
	}
	if count != 22 {
		t.Fatalf("delivered %d chunks, want 22 (20 block chunks + 2 stolen)", count)
	}
	if total != 1015 {
		t.Fatalf("delivered %d bytes, want 1015", total)
	}
}

func TestReadChunk_RespectsParallelismCap(t *testing.T) {
	fs := newFakeSource(make([]byte, 1000))
	fs.gate = make(chan struct{})

	s := NewSrc("s", fs, NewSink(), bufpool.New(50), 50, 3, "", nil)
	if st := s.Initialize(1000); !st.OK() {
		t.Fatalf("initialize: %v", st.Err)
	}
	s.SetBlock(0, 1000)

	st := s.ReadChunk()
	if st.Kind != StatusContinue {
		t.Fatalf("status = %v, want Continue while reads are outstanding", st.Kind)
	}

	s.mu.Lock()
	n := len(s.ongoing)
	s.mu.Unlock()
	if n != 3 {
		t.Fatalf("ongoing = %d, want 3 (the parallelism cap)", n)
	}

	close(fs.gate)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestReadChunk_LatchesErrorAndStopsIssuing(t *testing.T) {
	fs := newFakeSource(make([]byte, 1000)).failReadAt(0, errors.New("connection reset"))

	s := NewSrc("s", fs, NewSink(), bufpool.New(50), 50, 4, "", nil)
	defer s.Close()
	if st := s.Initialize(1000); !st.OK() {
		t.Fatalf("initialize: %v", st.Err)
	}
	s.SetBlock(0, 1000)

	st := s.ReadChunk()
	if st.Kind != StatusError || !errors.Is(st.Err, ErrReadFailed) {
		t.Fatalf("status = %+v, want Error wrapping ErrReadFailed", st)
	}

	// A second pump call must return the latched error unchanged, without
	// attempting any further reads.
	st2 := s.ReadChunk()
	if st2.Kind != StatusError {
		t.Fatalf("status = %v, want the latched Error to stick", st2.Kind)
	}
}

func TestReportResult_DiscardsChunkOnceLatched(t *testing.T) {
	sink := NewSink()
	s := NewSrc("s", newFakeSource(nil), sink, bufpool.New(64), 64, 2, "", nil)
	s.status = Status{Kind: StatusError, Err: errors.New("prior failure")}
	s.ongoing = map[uint64]uint64{10: 5}

	s.reportResult(Status{Kind: StatusContinue}, &Chunk{Offset: 10, Data: make([]byte, 5)})

	chunk, ok := sink.TryGet()
	if !ok {
		t.Fatalf("expected a sentinel wake-up to be pushed into the sink")
	}
	if chunk != nil {
		t.Fatalf("chunk should be discarded once status is latched, got %+v", chunk)
	}
	if _, stillOngoing := s.ongoing[10]; !stillOngoing {
		t.Fatalf("ongoing entry should be untouched when a result is discarded")
	}
}

func TestReportResult_LatchesErrorAndWakesSink(t *testing.T) {
	sink := NewSink()
	s := NewSrc("s", newFakeSource(nil), sink, bufpool.New(64), 64, 1, "", nil)
	s.ongoing = map[uint64]uint64{10: 5}

	s.reportResult(Status{Kind: StatusError, Err: errors.New("boom")}, nil)

	if s.GetStatus().Kind != StatusError {
		t.Fatalf("status should latch to Error")
	}
	chunk, ok := sink.TryGet()
	if !ok || chunk != nil {
		t.Fatalf("expected a nil sentinel in the sink, got (%v, %v)", chunk, ok)
	}
}

func TestEfficiencyIndicator_ZeroTransferredIsInfinite(t *testing.T) {
	s := NewSrc("s", newFakeSource(nil), NewSink(), bufpool.New(64), 64, 1, "", nil)
	got := s.EfficiencyIndicator()
	if !math.IsInf(got, 1) {
		t.Fatalf("efficiency = %v, want +Inf for a source with no data transferred", got)
	}
}

func TestEfficiencyIndicator_ComputesRatio(t *testing.T) {
	s := NewSrc("s", newFakeSource(nil), NewSink(), bufpool.New(64), 64, 1, "", nil)
	s.dataTransferred = 100
	s.ongoing = map[uint64]uint64{0: 50}
	s.stolen = map[uint64]uint64{100: 25}
	s.cur, s.end = 200, 225

	got := s.EfficiencyIndicator()
	if got != 1.0 {
		t.Fatalf("efficiency = %v, want 1.0 ((50+25+25)/100)", got)
	}
}

func TestSteal_NilAndSelfGuards(t *testing.T) {
	s := NewSrc("s", newFakeSource(nil), NewSink(), bufpool.New(64), 64, 1, "", nil)
	if s.Steal(nil) {
		t.Fatalf("stealing from nil must never signal a duplicate risk")
	}
	if s.Steal(s) {
		t.Fatalf("stealing from self must never signal a duplicate risk")
	}
}

func TestSteal_CaseA_VictimDone(t *testing.T) {
	sink := NewSink()
	pool := bufpool.New(64)
	thief := NewSrc("t", newFakeSource(nil), sink, pool, 64, 1, "", nil)
	victim := NewSrc("v", newFakeSource(nil), sink, pool, 64, 1, "", nil)
	victim.status = Status{Kind: StatusDone}

	if beware := thief.Steal(victim); beware {
		t.Fatalf("case A must never introduce duplicates")
	}
	if thief.HasWork() {
		t.Fatalf("thief should gain no work stealing from a Done source")
	}
}

func TestSteal_CaseB_VictimErrorTakesEverything(t *testing.T) {
	sink := NewSink()
	pool := bufpool.New(64)
	thief := NewSrc("t", newFakeSource(nil), sink, pool, 64, 1, "", nil)
	victim := NewSrc("v", newFakeSource(nil), sink, pool, 64, 1, "", nil)

	victim.status = Status{Kind: StatusError, Err: errors.New("boom")}
	victim.cur, victim.end = 100, 200
	victim.ongoing = map[uint64]uint64{100: 50}
	victim.stolen = map[uint64]uint64{64: 16}

	if beware := thief.Steal(victim); beware {
		t.Fatalf("case B must never introduce duplicates")
	}
	if thief.cur != 100 || thief.end != 200 {
		t.Fatalf("thief block = [%d,%d), want [100,200)", thief.cur, thief.end)
	}
	if thief.stolen[100] != 50 || thief.stolen[64] != 16 {
		t.Fatalf("thief did not absorb victim's ongoing+stolen: %v", thief.stolen)
	}
	if victim.cur != 0 || victim.end != 0 || len(victim.ongoing) != 0 || len(victim.stolen) != 0 {
		t.Fatalf("victim should be fully drained after case B")
	}
}

func TestSteal_CaseC_SmallRemainderStealsWhole(t *testing.T) {
	sink := NewSink()
	pool := bufpool.New(64)
	thief := NewSrc("t", newFakeSource(nil), sink, pool, 100, 1, "", nil)
	victim := NewSrc("v", newFakeSource(nil), sink, pool, 100, 1, "", nil)
	victim.status = Status{Kind: StatusContinue}
	victim.cur, victim.end = 900, 950

	if beware := thief.Steal(victim); beware {
		t.Fatalf("case C must never introduce duplicates")
	}
	if thief.cur != 900 || thief.end != 950 {
		t.Fatalf("thief should take the whole remainder: got [%d,%d)", thief.cur, thief.end)
	}
	if victim.cur != 900 || victim.end != 900 {
		t.Fatalf("victim block should be emptied: [%d,%d)", victim.cur, victim.end)
	}
}

func TestSteal_CaseC_LargeRemainderSplitsByShare(t *testing.T) {
	sink := NewSink()
	pool := bufpool.New(64)
	thief := NewSrc("t", newFakeSource(nil), sink, pool, 100, 1, "", nil)
	victim := NewSrc("v", newFakeSource(nil), sink, pool, 100, 1, "", nil)
	victim.status = Status{Kind: StatusContinue}
	victim.cur, victim.end = 0, 1000
	thief.dataTransferred = 300
	victim.dataTransferred = 700

	thief.Steal(victim)

	const wantSteal = 300
	if thief.cur != 1000-wantSteal || thief.end != 1000 {
		t.Fatalf("thief block = [%d,%d), want [%d,1000)", thief.cur, thief.end, 1000-wantSteal)
	}
	if victim.end != 1000-wantSteal {
		t.Fatalf("victim end = %d, want %d", victim.end, 1000-wantSteal)
	}
}

func TestSteal_CaseD_VictimStolenOnly(t *testing.T) {
	sink := NewSink()
	pool := bufpool.New(64)
	thief := NewSrc("t", newFakeSource(nil), sink, pool, 64, 1, "", nil)
	victim := NewSrc("v", newFakeSource(nil), sink, pool, 64, 1, "", nil)
	victim.status = Status{Kind: StatusContinue}
	victim.cur, victim.end = 500, 500
	victim.stolen = map[uint64]uint64{10: 5, 20: 7}

	if beware := thief.Steal(victim); beware {
		t.Fatalf("case D must never introduce duplicates")
	}
	if thief.stolen[10] != 5 || thief.stolen[20] != 7 {
		t.Fatalf("thief did not absorb victim's stolen map: %v", thief.stolen)
	}
	if len(victim.stolen) != 0 {
		t.Fatalf("victim's stolen map should be emptied")
	}
}

func TestSteal_CaseE_OngoingDuplicate(t *testing.T) {
	sink := NewSink()
	pool := bufpool.New(64)
	thief := NewSrc("t", newFakeSource(nil), sink, pool, 64, 1, "", nil)
	victim := NewSrc("v", newFakeSource(nil), sink, pool, 64, 1, "", nil)
	victim.status = Status{Kind: StatusContinue}
	victim.cur, victim.end = 500, 500
	victim.ongoing = map[uint64]uint64{500: 100}
	thief.dataTransferred = 1000
	victim.dataTransferred = 10

	beware := thief.Steal(victim)
	if !beware {
		t.Fatalf("case E must report a duplicate-download risk")
	}
	if thief.stolen[500] != 100 {
		t.Fatalf("thief should have copied the ongoing entry into its own stolen map")
	}
	if _, stillThere := victim.ongoing[500]; !stillThere {
		t.Fatalf("case E must not remove the entry from the victim, both race the same bytes")
	}
}

func TestSteal_NoCandidateLeavesBothUnchanged(t *testing.T) {
	sink := NewSink()
	pool := bufpool.New(64)
	thief := NewSrc("t", newFakeSource(nil), sink, pool, 64, 1, "", nil)
	victim := NewSrc("v", newFakeSource(nil), sink, pool, 64, 1, "", nil)
	victim.status = Status{Kind: StatusContinue}
	victim.cur, victim.end = 500, 500
	victim.ongoing = map[uint64]uint64{1: 1}
	thief.dataTransferred = 5
	victim.dataTransferred = 10

	if beware := thief.Steal(victim); beware {
		t.Fatalf("with the thief no further ahead, no steal should occur")
	}
	if len(thief.stolen) != 0 {
		t.Fatalf("thief should gain nothing: %v", thief.stolen)
	}
}
