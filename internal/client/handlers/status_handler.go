package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/siasync/siasync/internal/version"
)

// StatusHandler handles status-related endpoints
type StatusHandler struct {
	svc       SyncService
	clock     clockwork.Clock
	startedAt time.Time
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(svc SyncService, clock clockwork.Clock) *StatusHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StatusHandler{
		svc:       svc,
		clock:     clock,
		startedAt: clock.Now().UTC(),
	}
}

func (h *StatusHandler) Health(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, &HealthResponse{Status: "ok"})
}

// Status returns the fully-synced flag and the number of records in each state.
func (h *StatusHandler) Status(ctx *gin.Context) {
	// this is unlikely to happen, but just in case
	if h.svc == nil || h.svc.Store() == nil {
		ctx.PureJSON(http.StatusServiceUnavailable, &ControlPlaneError{
			ErrorCode: ErrCodeSyncNotReady,
			Error:     "sync manager not initialized",
		})
		return
	}

	store := h.svc.Store()
	counts := make(map[string]int)
	pending := 0
	for state, n := range store.Counts() {
		counts[string(state)] = n
		if !state.IsTerminal() {
			pending += n
		}
	}

	var syncStatus string
	if notifier := h.svc.Status(); notifier != nil {
		syncStatus = string(notifier.Current().Params.Status)
	}

	ctx.PureJSON(http.StatusOK, &StatusResponse{
		Status:      "ok",
		Timestamp:   h.clock.Now().UTC().Format(time.RFC3339),
		Version:     version.Version,
		Revision:    version.Revision,
		BuildDate:   version.BuildDate,
		StartedAt:   h.startedAt.Format(time.RFC3339),
		SyncStatus:  syncStatus,
		FullySynced: store.IsFullySynced(),
		Pending:     pending,
		Counts:      counts,
	})
}
