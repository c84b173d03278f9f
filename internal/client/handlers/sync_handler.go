package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/siasync/siasync/internal/client/sync"
)

type SyncHandler struct {
	svc SyncService
}

func NewSyncHandler(svc SyncService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// Records lists sync records sorted by name. The optional state query parameter
// filters by state and may be repeated or comma separated.
func (h *SyncHandler) Records(c *gin.Context) {
	states, err := parseStates(c.QueryArray("state"))
	if err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidState, err)
		return
	}

	var records []*sync.SyncRecord
	if len(states) == 0 {
		records = h.svc.Store().All()
	} else {
		records = h.svc.Store().ByState(states...)
	}
	if records == nil {
		records = []*sync.SyncRecord{}
	}

	c.PureJSON(http.StatusOK, &RecordsResponse{
		Records: records,
		Count:   len(records),
	})
}

// Record returns the record for the name query parameter.
func (h *SyncHandler) Record(c *gin.Context) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, errors.New("name is required"))
		return
	}

	rec, ok := h.svc.Store().Get(name)
	if !ok {
		AbortWithError(c, http.StatusNotFound, ErrCodeRecordMissing, fmt.Errorf("%w: %s", sync.ErrRecordNotFound, name))
		return
	}

	c.PureJSON(http.StatusOK, &RecordResponse{Record: rec})
}

// Conflicts lists conflicted copies present in the sync dir.
func (h *SyncHandler) Conflicts(c *gin.Context) {
	copies, err := sync.ConflictedCopies(h.svc.SyncDir())
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	if copies == nil {
		copies = []string{}
	}

	c.PureJSON(http.StatusOK, &ConflictsResponse{
		Conflicts: copies,
		Count:     len(copies),
	})
}

func parseStates(values []string) ([]sync.SyncState, error) {
	var states []sync.SyncState
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			state, err := sync.ParseState(part)
			if err != nil {
				return nil, err
			}
			states = append(states, state)
		}
	}
	return states, nil
}
