// Command xcpmonitor attaches to a running xcpcopy's dashboard WebSocket
// feed and prints each progress snapshot as it arrives.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/websocket"

	"github.com/multireplica/xcp/internal/logging"
)

func main() {
	addr := flag.String("addr", "ws://localhost:9091/live", "dashboard WebSocket address to attach to")
	healthAddr := flag.String("health-addr", ":9092", "local health check listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.New("xcpmonitor", *logLevel)

	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if err := http.ListenAndServe(*healthAddr, mux); err != nil {
			logger.Warn("health server stopped", "err", err)
		}
	}()

	if err := run(*addr, logger); err != nil {
		logger.Error("monitor stopped", "err", err)
		os.Exit(1)
	}
}

func run(addr string, logger *slog.Logger) error {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	logger.Info("attached to dashboard", "addr", addr)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var snap map[string]any
		if err := json.Unmarshal(payload, &snap); err != nil {
			logger.Warn("malformed snapshot", "err", err)
			continue
		}
		fmt.Println(string(payload))
	}
}
