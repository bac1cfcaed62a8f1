// Package httpapi serves the optional localhost observability surface:
// health, a status snapshot, and Prometheus metrics. The inference protocol
// itself stays on the Unix-domain socket; nothing here accepts prompts.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/haochend/uma-serve/pkg/types"
)

var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// Snapshotter supplies the daemon's metrics snapshot.
type Snapshotter interface {
	Snapshot() types.MetricsSnapshot
}

// StatusResponse is returned by GET /statusz.
type StatusResponse struct {
	Model          string                `json:"model"`
	UptimeSeconds  int64                 `json:"uptime_seconds"`
	ServerTimeUnix int64                 `json:"server_time_unix"`
	HostMemTotalMB uint64                `json:"host_mem_total_mb"`
	HostMemUsedMB  uint64                `json:"host_mem_used_mb"`
	Metrics        types.MetricsSnapshot `json:"metrics"`
}

// NewMux assembles the observability router.
func NewMux(src Snapshotter, modelPath string) http.Handler {
	started := time.Now()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/statusz", func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{
			Model:          modelPath,
			UptimeSeconds:  int64(time.Since(started).Seconds()),
			ServerTimeUnix: time.Now().Unix(),
			Metrics:        src.Snapshot(),
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			resp.HostMemTotalMB = vm.Total / (1 << 20)
			resp.HostMemUsedMB = vm.Used / (1 << 20)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// requestLogger logs each request at debug through the installed logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if zlog != nil {
			zlog.Debug().Str("path", r.URL.Path).Str("method", r.Method).
				Dur("dur", time.Since(start)).Msg("http")
		}
	})
}

// Serve runs the observability server until the listener fails or the
// process exits. Callers run it in its own goroutine.
func Serve(addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}
