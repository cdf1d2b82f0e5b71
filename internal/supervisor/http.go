package supervisor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/blueplane/telemetry-core/internal/metrics"
)

// router builds the local-only status surface: /healthz for a liveness
// probe, /status for the verbose per-component breakdown `server status
// --verbose` prints. This is the one inbound HTTP surface spec.md §D
// carves out of the otherwise query-surface-free Non-goals.
func (svc *Service) router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/healthz", svc.handleHealthz)
	r.Get("/status", svc.handleStatus)
	return r
}

func (svc *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	overall := svc.health.Overall()
	status := http.StatusOK
	if overall == metrics.Failed {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": overall.String()})
}

// statusResponse is the JSON shape behind `server status --verbose`.
type statusResponse struct {
	UptimeSeconds  float64                             `json:"uptime_seconds"`
	Overall        string                              `json:"overall"`
	Components     map[string]componentStatusResponse  `json:"components"`
	MQDepth        map[string]int64                    `json:"mq_depth,omitempty"`
	PELSize        map[string]int64                    `json:"pel_size,omitempty"`
	ActiveSessions int                                  `json:"active_sessions"`
	DedupCacheSize int                                  `json:"dedup_cache_size"`
}

type componentStatusResponse struct {
	State         string    `json:"state"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

func (svc *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := svc.health.Snapshot()
	components := make(map[string]componentStatusResponse, len(snap))
	for name, cs := range snap {
		components[name] = componentStatusResponse{
			State:         cs.State.String(),
			LastError:     cs.LastError,
			LastErrorAt:   cs.LastErrorAt,
			LastSuccessAt: cs.LastSuccessAt,
		}
	}

	resp := statusResponse{
		UptimeSeconds:  time.Since(svc.startedAt).Seconds(),
		Overall:        svc.health.Overall().String(),
		Components:     components,
		ActiveSessions: svc.sessions.ActiveCount(),
		DedupCacheSize: svc.dedup.Len(),
	}

	ctx := r.Context()
	streams := map[string]string{"cursor": "bp:events:cursor", "claude": "bp:events:claude"}
	mqDepth := make(map[string]int64, len(streams))
	pelSize := make(map[string]int64, len(streams))
	for label, stream := range streams {
		if n, err := svc.queue.StreamLen(ctx, stream); err == nil {
			mqDepth[label] = n
		}
		if n, err := svc.queue.PendingCount(ctx, stream); err == nil {
			pelSize[label] = n
		}
	}
	resp.MQDepth = mqDepth
	resp.PELSize = pelSize

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
