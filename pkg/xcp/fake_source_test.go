package xcp

import "sync"

// fakeSource is a minimal in-memory Source used by this package's own tests.
// It supports injected open/stat/read failures and both synchronous and
// asynchronous completion, without depending on any concrete transport.
type fakeSource struct {
	mu   sync.Mutex
	data []byte

	openErr error
	statErr error
	// failAt, once matched, fails the read at that offset exactly once, then
	// removes itself so a retry of the same offset succeeds.
	failAt map[uint64]error

	// sync delivers completions inline within Read instead of on a goroutine,
	// for tests that need deterministic ordering.
	sync bool
	// gate, if non-nil, makes every asynchronous read wait for it to close
	// before invoking the handler, letting a test observe in-flight state.
	gate chan struct{}

	opened bool
	closed bool
	wg     sync.WaitGroup
}

func newFakeSource(data []byte) *fakeSource {
	return &fakeSource{data: data, failAt: make(map[uint64]error)}
}

func (f *fakeSource) failOpen(err error) *fakeSource {
	f.openErr = err
	return f
}

func (f *fakeSource) failStat(err error) *fakeSource {
	f.statErr = err
	return f
}

func (f *fakeSource) failReadAt(offset uint64, err error) *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAt[offset] = err
	return f
}

func (f *fakeSource) Open() error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeSource) Stat() (int64, error) {
	if f.statErr != nil {
		return 0, f.statErr
	}
	return int64(len(f.data)), nil
}

func (f *fakeSource) Read(offset, length uint64, buf []byte, handler ReadHandler) error {
	f.mu.Lock()
	if err, ok := f.failAt[offset]; ok {
		delete(f.failAt, offset)
		f.mu.Unlock()
		return err
	}
	src := f.data[offset : offset+length]
	f.mu.Unlock()

	n := copy(buf, src)
	chunk := &Chunk{Offset: offset, Data: buf[:n]}

	if f.sync {
		handler(Status{Kind: StatusContinue}, chunk)
		return nil
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if f.gate != nil {
			<-f.gate
		}
		handler(Status{Kind: StatusContinue}, chunk)
	}()
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	f.wg.Wait()
	return nil
}

var _ Source = (*fakeSource)(nil)
