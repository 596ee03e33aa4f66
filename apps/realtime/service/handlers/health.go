package handlers

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/pitabwire/util"
	"github.com/zeidalqadri/tenderflow-realtime/apps/realtime/service/business"
	"github.com/zeidalqadri/tenderflow-realtime/internal/health"
)

// StatsHandler reports instance statistics for dashboards and debugging.
// Unlike the health probes it has no pass/fail semantics.
type StatsHandler struct {
	stats business.StatsProvider
}

func NewStatsHandler(stats business.StatsProvider) *StatsHandler {
	return &StatsHandler{stats: stats}
}

func (sh *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats := sh.stats.Stats()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := map[string]any{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"connections": stats,
		"runtime": map[string]any{
			"goroutines":    runtime.NumGoroutine(),
			"heap_alloc_mb": mem.HeapAlloc / (1 << 20),
			"heap_sys_mb":   mem.HeapSys / (1 << 20),
			"num_gc":        mem.NumGC,
			"gomaxprocs":    runtime.GOMAXPROCS(0),
			"go_version":    runtime.Version(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		util.Log(r.Context()).WithError(err).Error("Failed to encode stats response")
	}
}

// NewHealthHandler assembles the liveness and readiness checkers. The
// backplane checker reports degraded without failing readiness: an instance
// with a broken backplane still serves local traffic.
func NewHealthHandler(broadcaster business.Broadcaster, checkers ...health.Checker) *health.Handler {
	h := health.NewHandler()

	h.AddChecker(health.NewDegradedChecker(
		"backplane",
		broadcaster.Degraded,
		"cross-instance broadcasts unavailable, delivering locally only",
	))

	for _, checker := range checkers {
		h.AddChecker(checker)
	}

	return h
}
