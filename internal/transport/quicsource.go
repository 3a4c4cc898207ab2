package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/multireplica/xcp/pkg/xcp"
)

// Wire format for the single bidirectional stream a QUICSource opens:
// requests and responses are fixed-size frames followed by an optional
// payload.
//
//	request:  [1 byte op][8 bytes offset][8 bytes length]
//	response: [1 byte status][8 bytes offset][8 bytes length][length bytes payload]
//
// status 0 is success, 1 is failure (payload is a UTF-8 error message
// instead of chunk data, and offset carries the failed request's offset).
const (
	opStat byte = 0
	opRead byte = 1

	statusOK   byte = 0
	statusFail byte = 1
)

// QUICSource is an xcp.Source for a replica reachable over a single QUIC
// stream, an alternative to HTTP range requests for replicas that expose
// this protocol directly.
type QUICSource struct {
	addr string

	udpConn net.PacketConn
	conn    *quic.Conn
	stream  *quic.Stream

	// mu serializes request/response round trips: requests and responses
	// share one stream with no request IDs, so only one may be in flight
	// at a time.
	mu sync.Mutex

	readRecovery string
}

// NewQUICSource constructs a QUICSource for the replica at addr
// ("host:port").
func NewQUICSource(addr string) *QUICSource {
	return &QUICSource{addr: addr}
}

// SetReadRecovery implements xcp.ReadRecoveryConfigurable.
func (q *QUICSource) SetReadRecovery(value string) {
	q.readRecovery = value
}

func (q *QUICSource) Open() error {
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}

	raddr, err := net.ResolveUDPAddr("udp", q.addr)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("resolve %s: %w", q.addr, err)
	}

	conn, err := quic.Dial(context.Background(), udpConn, raddr, quicClientTLSConfig(), defaultQUICConfig())
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("quic dial %s: %w", q.addr, err)
	}

	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		udpConn.Close()
		return fmt.Errorf("open stream: %w", err)
	}

	q.udpConn = udpConn
	q.conn = conn
	q.stream = stream
	return nil
}

func (q *QUICSource) Stat() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := writeRequest(q.stream, opStat, 0, 0); err != nil {
		return 0, fmt.Errorf("send stat request: %w", err)
	}
	status, offset, payload, err := readResponse(q.stream)
	if err != nil {
		return 0, fmt.Errorf("read stat response: %w", err)
	}
	if status != statusOK {
		return 0, fmt.Errorf("stat failed: %s", string(payload))
	}
	return int64(offset), nil
}

func (q *QUICSource) Read(offset, length uint64, buf []byte, handler xcp.ReadHandler) error {
	go func() {
		status, chunk := q.doRead(offset, length, buf)
		handler(status, chunk)
	}()
	return nil
}

func (q *QUICSource) doRead(offset, length uint64, buf []byte) (xcp.Status, *xcp.Chunk) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := writeRequest(q.stream, opRead, offset, length); err != nil {
		return xcp.Status{Kind: xcp.StatusError, Err: fmt.Errorf("%w: send read request: %v", xcp.ErrReadFailed, err)}, nil
	}

	status, _, payload, err := readResponseInto(q.stream, buf)
	if err != nil {
		return xcp.Status{Kind: xcp.StatusError, Err: fmt.Errorf("%w: read response: %v", xcp.ErrReadFailed, err)}, nil
	}
	if status != statusOK {
		return xcp.Status{Kind: xcp.StatusError, Err: fmt.Errorf("%w: replica reported: %s", xcp.ErrReadFailed, string(payload))}, nil
	}

	return xcp.Status{Kind: xcp.StatusContinue}, &xcp.Chunk{Offset: offset, Data: buf[:length]}
}

func (q *QUICSource) Close() error {
	var firstErr error
	if q.stream != nil {
		if err := q.stream.Close(); err != nil {
			firstErr = err
		}
	}
	if q.conn != nil {
		_ = q.conn.CloseWithError(0, "")
	}
	if q.udpConn != nil {
		if err := q.udpConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func writeRequest(w io.Writer, op byte, offset, length uint64) error {
	var hdr [17]byte
	hdr[0] = op
	binary.BigEndian.PutUint64(hdr[1:9], offset)
	binary.BigEndian.PutUint64(hdr[9:17], length)
	_, err := w.Write(hdr[:])
	return err
}

func readResponse(r io.Reader) (status byte, offset uint64, payload []byte, err error) {
	var hdr [17]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	status = hdr[0]
	offset = binary.BigEndian.Uint64(hdr[1:9])
	length := binary.BigEndian.Uint64(hdr[9:17])
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, 0, nil, err
	}
	return status, offset, payload, nil
}

// readResponseInto is readResponse specialized for the success path of a
// read request: on success the payload is copied directly into buf instead
// of a freshly allocated slice.
func readResponseInto(r io.Reader, buf []byte) (status byte, offset uint64, payload []byte, err error) {
	var hdr [17]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	status = hdr[0]
	offset = binary.BigEndian.Uint64(hdr[1:9])
	length := binary.BigEndian.Uint64(hdr[9:17])

	if status == statusOK {
		if uint64(len(buf)) < length {
			return 0, 0, nil, fmt.Errorf("response length %d exceeds buffer capacity %d", length, len(buf))
		}
		if _, err = io.ReadFull(r, buf[:length]); err != nil {
			return 0, 0, nil, err
		}
		return status, offset, nil, nil
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, 0, nil, err
	}
	return status, offset, payload, nil
}

var _ xcp.Source = (*QUICSource)(nil)
var _ xcp.ReadRecoveryConfigurable = (*QUICSource)(nil)
