package health

import (
	"context"
	"net/http"
	"time"

	"lv-escrow/internal/httputil"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	db        Pinger
	startedAt time.Time
	timeout   time.Duration
	now       func() time.Time
}

func NewHandler(db Pinger, startedAt time.Time) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{db: db, startedAt: start, timeout: time.Second, now: time.Now}
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
	Uptime    string `json:"uptime"`
}

type databaseStat struct {
	Reachable bool   `json:"reachable"`
	PingMs    int64  `json:"ping_ms"`
	Error     string `json:"error,omitempty"`
	CheckedAt string `json:"checked_at"`
}

type readinessResponse struct {
	liveResponse
	Database databaseStat `json:"database"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func (h *Handler) live(now time.Time, status string) liveResponse {
	uptime := h.uptime(now)
	return liveResponse{
		Status:    status,
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    uptime.Truncate(time.Second).String(),
	}
}

func (h *Handler) pingDB(ctx context.Context) databaseStat {
	if h.db == nil {
		return databaseStat{Error: "database is not configured", CheckedAt: h.now().UTC().Format(time.RFC3339)}
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.db.Ping(ctx)
	cancel()
	stat := databaseStat{
		Reachable: err == nil,
		PingMs:    time.Since(start).Milliseconds(),
		CheckedAt: h.now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		stat.Error = err.Error()
	}
	return stat
}

// Live does not touch the database.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.live(h.now().UTC(), "ok"))
}

// Ready returns 503 while the database is unreachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	db := h.pingDB(r.Context())
	status, code := "ok", http.StatusOK
	if !db.Reachable {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, readinessResponse{liveResponse: h.live(h.now().UTC(), status), Database: db})
}
