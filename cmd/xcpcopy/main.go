// Command xcpcopy is the reference user-facing copy loop for the extreme
// copy engine: it pulls chunks from a Ctx and writes them to a destination
// file at their offset. It deliberately does nothing beyond that — no
// ordering, no integrity check, no resume — the engine's own non-goals.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/multireplica/xcp/internal/bufpool"
	"github.com/multireplica/xcp/internal/config"
	"github.com/multireplica/xcp/internal/dashboard"
	"github.com/multireplica/xcp/internal/logging"
	"github.com/multireplica/xcp/internal/metrics"
	"github.com/multireplica/xcp/internal/transport"
	"github.com/multireplica/xcp/pkg/xcp"
)

func main() {
	cfg := config.ParseCopyConfig()
	logger := logging.New("xcpcopy", cfg.LogLevel)

	if len(cfg.URLs) == 0 {
		fmt.Fprintln(os.Stderr, "xcpcopy: at least one -url is required")
		os.Exit(2)
	}
	if cfg.Dest == "" {
		fmt.Fprintln(os.Stderr, "xcpcopy: -dest is required")
		os.Exit(2)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("copy failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.CopyConfig, logger *slog.Logger) error {
	pool := bufpool.New(int(cfg.ChunkSize))

	newSource := func(url string) xcp.Source {
		if strings.HasPrefix(url, "quic://") {
			return transport.NewQUICSource(strings.TrimPrefix(url, "quic://"))
		}
		return transport.NewHTTPSource(url, transport.HTTPOptions{})
	}

	ctx := xcp.NewCtx(cfg.URLs, cfg.BlockSize, cfg.ParallelSrc, cfg.ChunkSize, cfg.ParallelChunks, pool, newSource, cfg.ReadRecovery, logger)
	defer ctx.Close()

	if st := ctx.Initialize(-1); !st.OK() {
		return fmt.Errorf("initialize: %w", st.Err)
	}
	logger.Info("copy starting", "size", ctx.GetSize(), "urls", len(cfg.URLs))

	dst, err := os.OpenFile(cfg.Dest, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer dst.Close()
	if err := dst.Truncate(ctx.GetSize()); err != nil {
		return fmt.Errorf("truncate destination: %w", err)
	}

	m := metrics.New("xcp")
	ctx.SetStealObserver(func(caseLabel string) {
		m.ObserveSteal(metrics.StealCase(caseLabel))
	})
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	hub := dashboard.NewHub(logger)
	stopDashboard := make(chan struct{})
	go hub.Run(ctx, time.Second, stopDashboard)
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/live", hub.ServeHTTP)
		if err := http.ListenAndServe(cfg.DashboardAddr, mux); err != nil {
			logger.Warn("dashboard server stopped", "err", err)
		}
	}()
	defer close(stopDashboard)

	g := new(errgroup.Group)
	g.Go(func() error {
		return pumpChunks(ctx, dst, m)
	})

	return g.Wait()
}

func pumpChunks(ctx *xcp.Ctx, dst *os.File, m *metrics.Metrics) error {
	var lastDuplicates uint64
	for {
		status, chunk := ctx.GetChunk()
		switch status.Kind {
		case xcp.StatusDone:
			return nil
		case xcp.StatusError:
			return status.Err
		case xcp.StatusRetry:
			if d := ctx.DuplicatesDiscarded(); d > lastDuplicates {
				m.ObserveDuplicate()
				lastDuplicates = d
			}
			continue
		case xcp.StatusContinue:
			if chunk == nil {
				continue
			}
			if _, err := dst.WriteAt(chunk.Data, int64(chunk.Offset)); err != nil {
				return fmt.Errorf("write at offset %d: %w", chunk.Offset, err)
			}
			m.ObserveChunk(chunk.SourceID, chunk)
			ctx.ReleaseChunk(chunk)
		default:
			return errors.New("xcpcopy: unexpected status kind")
		}
	}
}
