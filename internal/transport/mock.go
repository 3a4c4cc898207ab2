// Package transport supplies concrete xcp.Source implementations: an
// in-memory mock for tests, and HTTP/QUIC transports for real replicas.
package transport

import (
	"errors"
	"sync"

	"github.com/multireplica/xcp/pkg/xcp"
)

// MockSource is an in-memory xcp.Source backed by a byte slice, usable in
// tests in place of a real HTTP or QUIC replica (pkg/xcp's own tests use
// their package-local fakeSource instead). It answers
// reads on a background goroutine, matching a real transport's contract
// that the completion handler may run on any goroutine.
type MockSource struct {
	mu   sync.Mutex
	data []byte

	openErr error
	statErr error
	// failAt, if non-nil, fails any read whose offset matches a key with
	// the mapped error, exactly once; the entry is then removed so a retry
	// of the same offset succeeds.
	failAt map[uint64]error

	opened bool
	closed bool
	wg     sync.WaitGroup
}

// NewMockSource returns a MockSource serving data in full.
func NewMockSource(data []byte) *MockSource {
	return &MockSource{data: data, failAt: make(map[uint64]error)}
}

// FailOpen makes every later Open call return err.
func (m *MockSource) FailOpen(err error) *MockSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
	return m
}

// FailStat makes every later Stat call return err.
func (m *MockSource) FailStat(err error) *MockSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statErr = err
	return m
}

// FailReadAt makes the read starting at offset fail once with err.
func (m *MockSource) FailReadAt(offset uint64, err error) *MockSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAt[offset] = err
	return m
}

func (m *MockSource) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *MockSource) Stat() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statErr != nil {
		return 0, m.statErr
	}
	return int64(len(m.data)), nil
}

func (m *MockSource) Read(offset, length uint64, buf []byte, handler xcp.ReadHandler) error {
	m.mu.Lock()
	if !m.opened {
		m.mu.Unlock()
		return errors.New("mock source: read before open")
	}
	if err, ok := m.failAt[offset]; ok {
		delete(m.failAt, offset)
		m.mu.Unlock()
		return err
	}
	if offset+length > uint64(len(m.data)) {
		m.mu.Unlock()
		return errors.New("mock source: read out of range")
	}
	src := m.data[offset : offset+length]
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		n := copy(buf, src)
		handler(xcp.Status{Kind: xcp.StatusContinue}, &xcp.Chunk{Offset: offset, Data: buf[:n]})
	}()
	return nil
}

func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

var _ xcp.Source = (*MockSource)(nil)
