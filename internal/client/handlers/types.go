package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/siasync/siasync/internal/client/sync"
)

const (
	CodeOk               string = "OK"
	ErrCodeBadRequest    string = "ERR_BAD_REQUEST"
	ErrCodeUnknownError  string = "ERR_UNKNOWN_ERROR"
	ErrCodeInvalidState  string = "ERR_INVALID_STATE"
	ErrCodeSyncNotReady  string = "ERR_SYNC_NOT_READY"
	ErrCodeRecordMissing string = "ERR_RECORD_NOT_FOUND"
)

// SyncService is the part of the sync manager the control plane reads from.
type SyncService interface {
	Store() *sync.RecordStore
	Status() *sync.StatusNotifier
	Metrics() *sync.Metrics
	SyncDir() string
}

type ControlPlaneResponse struct {
	Code string `json:"code"`
}

type ControlPlaneError struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

func AbortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	c.Error(err)
	c.PureJSON(status, ControlPlaneError{
		ErrorCode: code,
		Error:     err.Error(),
	})
}
