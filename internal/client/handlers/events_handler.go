package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/siasync/siasync/internal/utils"
)

const (
	eventsWriteTimeout = 10 * time.Second
	eventsCloseReason  = "shutdown"
)

// EventsHandler streams status events over a websocket.
type EventsHandler struct {
	svc SyncService
}

func NewEventsHandler(svc SyncService) *EventsHandler {
	return &EventsHandler{svc: svc}
}

// Events upgrades the request and writes the current status followed by every
// status change until the client goes away. Client messages are discarded.
func (h *EventsHandler) Events(c *gin.Context) {
	notifier := h.svc.Status()

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// the control plane is bearer token protected, browsers on any origin may connect
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("events accept", "error", err)
		return
	}
	defer conn.CloseNow()

	connID := utils.TokenHex(4)
	slog.Debug("events subscriber connected", "connId", connID)

	events, cancel := notifier.Subscribe()
	defer cancel()

	ctx := conn.CloseRead(c.Request.Context())

	if err := writeEvent(ctx, conn, notifier.Current()); err != nil {
		slog.Debug("events write", "connId", connID, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, eventsCloseReason)
			slog.Debug("events subscriber gone", "connId", connID)
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, eventsCloseReason)
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("events write", "connId", connID, "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, eventsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
