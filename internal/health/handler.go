package health

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"lv-futures/internal/httputil"
	"lv-futures/internal/liquidation"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SweepStats exposes the outcome of the latest liquidation sweep.
type SweepStats interface {
	LastReport() (liquidation.Report, bool)
}

type Handler struct {
	pool      *pgxpool.Pool
	sweeps    SweepStats
	startedAt time.Time
	storage   string
	httpAddr  string
}

// NewHandler builds the health endpoints. pool is nil when the in-memory
// store is used; the database is then reported as not configured, which
// does not degrade readiness.
func NewHandler(pool *pgxpool.Pool, sweeps SweepStats, startedAt time.Time, storage, httpAddr string) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{
		pool:      pool,
		sweeps:    sweeps,
		startedAt: start,
		storage:   strings.TrimSpace(storage),
		httpAddr:  strings.TrimSpace(httpAddr),
	}
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
	Uptime    string `json:"uptime"`
}

type readinessResponse struct {
	Status    string        `json:"status"`
	Timestamp string        `json:"timestamp"`
	UptimeSec int64         `json:"uptime_sec"`
	Storage   string        `json:"storage"`
	Database  databaseStats `json:"database"`
}

type databaseStats struct {
	Configured bool       `json:"configured"`
	Reachable  bool       `json:"reachable"`
	PingMs     int64      `json:"ping_ms"`
	Error      string     `json:"error,omitempty"`
	CheckedAt  string     `json:"checked_at"`
	Pool       *poolStats `json:"pool,omitempty"`
}

type poolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
	AcquireCount  int64 `json:"acquire_count"`
}

type sweepStats struct {
	Ran         bool   `json:"ran"`
	StartedAt   string `json:"started_at,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	Price       string `json:"price,omitempty"`
	Checked     int    `json:"checked"`
	Liquidated  int    `json:"liquidated"`
	Raced       int    `json:"raced"`
	Quarantined int    `json:"quarantined"`
	Failed      int    `json:"failed"`
}

type fullResponse struct {
	readinessResponse
	Uptime   string       `json:"uptime"`
	HTTPAddr string       `json:"http_addr"`
	Runtime  runtimeStats `json:"runtime"`
	Sweep    sweepStats   `json:"sweep"`
	Build    buildStats   `json:"build"`
}

type runtimeStats struct {
	GoVersion      string `json:"go_version"`
	Goroutines     int    `json:"goroutines"`
	GoMaxProcs     int    `json:"gomaxprocs"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	NumGC          uint32 `json:"num_gc"`
	PID            int    `json:"pid"`
	Hostname       string `json:"hostname"`
}

type buildStats struct {
	MainPath string `json:"main_path"`
	Version  string `json:"version"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func (h *Handler) collectDB(ctx context.Context, includePool bool) databaseStats {
	out := databaseStats{CheckedAt: time.Now().UTC().Format(time.RFC3339)}
	if h.pool == nil {
		return out
	}
	out.Configured = true
	if includePool {
		stat := h.pool.Stat()
		out.Pool = &poolStats{
			TotalConns:    stat.TotalConns(),
			IdleConns:     stat.IdleConns(),
			AcquiredConns: stat.AcquiredConns(),
			MaxConns:      stat.MaxConns(),
			AcquireCount:  stat.AcquireCount(),
		}
	}
	pingStart := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	err := h.pool.Ping(pingCtx)
	cancel()
	out.PingMs = time.Since(pingStart).Milliseconds()
	out.CheckedAt = time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Reachable = true
	}
	return out
}

func (h *Handler) readiness(ctx context.Context, includePool bool) (readinessResponse, int) {
	now := time.Now().UTC()
	db := h.collectDB(ctx, includePool)
	resp := readinessResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(h.uptime(now).Seconds()),
		Storage:   h.storage,
		Database:  db,
	}
	if db.Configured && !db.Reachable {
		resp.Status = "degraded"
		return resp, http.StatusServiceUnavailable
	}
	return resp, http.StatusOK
}

func (h *Handler) sweep() sweepStats {
	if h.sweeps == nil {
		return sweepStats{}
	}
	rep, ok := h.sweeps.LastReport()
	if !ok {
		return sweepStats{}
	}
	return sweepStats{
		Ran:         true,
		StartedAt:   rep.StartedAt.Format(time.RFC3339),
		DurationMs:  rep.Duration.Milliseconds(),
		Price:       rep.Price.String(),
		Checked:     rep.Checked,
		Liquidated:  len(rep.Liquidated),
		Raced:       rep.Raced,
		Quarantined: rep.Quarantined,
		Failed:      len(rep.Failures),
	}
}

// Live is a lightweight liveness endpoint and does not check database reachability.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptime := h.uptime(now)
	httputil.WriteJSON(w, http.StatusOK, liveResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    uptime.String(),
	})
}

// Ready returns 503 when the configured database is not reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	resp, status := h.readiness(r.Context(), false)
	httputil.WriteJSON(w, status, resp)
}

// Full returns diagnostics. It is mounted behind the internal token.
func (h *Handler) Full(w http.ResponseWriter, r *http.Request) {
	ready, status := h.readiness(r.Context(), true)
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	host, _ := os.Hostname()
	build := buildStats{}
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		build.MainPath = strings.TrimSpace(info.Main.Path)
		build.Version = strings.TrimSpace(info.Main.Version)
	}
	httputil.WriteJSON(w, status, fullResponse{
		readinessResponse: ready,
		Uptime:            h.uptime(time.Now().UTC()).String(),
		HTTPAddr:          h.httpAddr,
		Runtime: runtimeStats{
			GoVersion:      runtime.Version(),
			Goroutines:     runtime.NumGoroutine(),
			GoMaxProcs:     runtime.GOMAXPROCS(0),
			HeapAllocBytes: mem.HeapAlloc,
			NumGC:          mem.NumGC,
			PID:            os.Getpid(),
			Hostname:       host,
		},
		Sweep: h.sweep(),
		Build: build,
	})
}
