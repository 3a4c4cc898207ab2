package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/multireplica/xcp/pkg/xcp"
)

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	Client *http.Client
	// MaxInFlight bounds the number of concurrent range requests this
	// source will have outstanding against the replica, independent of
	// the engine's own per-source chunk parallelism. Zero means 8.
	MaxInFlight int
	// RateLimiter, if non-nil, is waited on before every range request.
	// Off by default: flow control beyond the per-source parallelism cap
	// is a transport concern, not the scheduler's.
	RateLimiter *rate.Limiter
}

// HTTPSource is an xcp.Source backed by HTTP range requests (RFC 7233).
type HTTPSource struct {
	url          string
	client       *http.Client
	limiter      *rate.Limiter
	readRecovery string

	g *errgroup.Group
}

// NewHTTPSource constructs an HTTPSource for url.
func NewHTTPSource(url string, opts HTTPOptions) *HTTPSource {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	g := &errgroup.Group{}
	g.SetLimit(maxInFlight)
	return &HTTPSource{
		url:     url,
		client:  client,
		limiter: opts.RateLimiter,
		g:       g,
	}
}

// SetReadRecovery implements xcp.ReadRecoveryConfigurable. HTTPSource stores
// the value but does not use it when building or sending range requests.
func (h *HTTPSource) SetReadRecovery(value string) {
	h.readRecovery = value
}

func (h *HTTPSource) Open() error {
	req, err := http.NewRequest(http.MethodHead, h.url, nil)
	if err != nil {
		return fmt.Errorf("build HEAD request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("HEAD %s: %w", h.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HEAD %s: server returned %d", h.url, resp.StatusCode)
	}
	return nil
}

func (h *HTTPSource) Stat() (int64, error) {
	req, err := http.NewRequest(http.MethodHead, h.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build HEAD request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HEAD %s: %w", h.url, err)
	}
	defer resp.Body.Close()
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("HEAD %s: server did not report Content-Length", h.url)
	}
	return resp.ContentLength, nil
}

func (h *HTTPSource) Read(offset, length uint64, buf []byte, handler xcp.ReadHandler) error {
	h.g.Go(func() error {
		status, chunk := h.doRead(offset, length, buf)
		handler(status, chunk)
		return nil
	})
	return nil
}

func (h *HTTPSource) doRead(offset, length uint64, buf []byte) (xcp.Status, *xcp.Chunk) {
	ctx := context.Background()
	if h.limiter != nil {
		if err := h.limiter.WaitN(ctx, int(length)); err != nil {
			return xcp.Status{Kind: xcp.StatusError, Err: fmt.Errorf("%w: rate limiter: %v", xcp.ErrReadFailed, err)}, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return xcp.Status{Kind: xcp.StatusError, Err: fmt.Errorf("%w: build GET request: %v", xcp.ErrReadFailed, err)}, nil
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := h.client.Do(req)
	if err != nil {
		return xcp.Status{Kind: xcp.StatusError, Err: fmt.Errorf("%w: GET %s: %v", xcp.ErrReadFailed, h.url, err)}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return xcp.Status{Kind: xcp.StatusError, Err: fmt.Errorf("%w: GET %s: server returned %d", xcp.ErrReadFailed, h.url, resp.StatusCode)}, nil
	}

	// A 200 response ignored the Range header and carries the whole file
	// from byte 0, so skip ahead to the requested offset.
	if resp.StatusCode == http.StatusOK {
		if _, err := io.CopyN(io.Discard, resp.Body, int64(offset)); err != nil {
			return xcp.Status{Kind: xcp.StatusError, Err: fmt.Errorf("%w: skip to offset %d: %v", xcp.ErrReadFailed, offset, err)}, nil
		}
	}

	n, err := io.ReadFull(resp.Body, buf)
	if err != nil {
		return xcp.Status{Kind: xcp.StatusError, Err: fmt.Errorf("%w: read body: %v", xcp.ErrReadFailed, err)}, nil
	}

	return xcp.Status{Kind: xcp.StatusContinue}, &xcp.Chunk{Offset: offset, Data: buf[:n]}
}

func (h *HTTPSource) Close() error {
	return h.g.Wait()
}

var _ xcp.Source = (*HTTPSource)(nil)
var _ xcp.ReadRecoveryConfigurable = (*HTTPSource)(nil)
