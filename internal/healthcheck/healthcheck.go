package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quailyquaily/musedown/internal/metrics"
)

// NormalizeListen trims addr and turns a bare port ("8080" or ":8080") into a
// loopback address. "off", "none" and "" disable the server.
func NormalizeListen(addr string) string {
	addr = strings.TrimSpace(addr)
	switch strings.ToLower(addr) {
	case "", "off", "none", "false", "disabled":
		return ""
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return addr
}

// NewHandler serves /health with a small JSON status body and /metrics with
// the process Prometheus registry.
func NewHandler(component string, started time.Time) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":        true,
			"component": component,
			"uptime_s":  int64(time.Since(started).Seconds()),
			"time":      time.Now().Format(time.RFC3339Nano),
		})
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// StartServer listens on addr and serves NewHandler until ctx ends or the
// returned server is shut down.
func StartServer(ctx context.Context, logger *slog.Logger, addr, component string) (*http.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing listen address")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           NewHandler(component, time.Now()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("health_server_start", "addr", ln.Addr().String(), "component", component)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("health_server_error", "addr", addr, "error", err.Error())
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv, nil
}
