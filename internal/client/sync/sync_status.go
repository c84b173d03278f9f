package sync

import (
	"io"
	"log/slog"
	gosync "sync"

	"github.com/goccy/go-json"
)

type SyncStatus string

const (
	StatusStart         SyncStatus = "start"
	StatusIdle          SyncStatus = "idle"
	StatusSynchronizing SyncStatus = "synchronizing"
)

const statusMethod = "syncStatus"

type StatusParams struct {
	Status  SyncStatus `json:"status"`
	Pending int        `json:"pending"`
}

// StatusEvent is one line of the status stream.
type StatusEvent struct {
	Method string       `json:"method"`
	Params StatusParams `json:"params"`
}

// StatusNotifier publishes sync status changes as newline delimited JSON and
// to in-process subscribers. Delivery is best effort.
type StatusNotifier struct {
	enc *json.Encoder

	mu      gosync.Mutex
	current StatusEvent
	subs    map[chan StatusEvent]struct{}
}

// NewStatusNotifier writes events to out. A nil out only notifies subscribers.
func NewStatusNotifier(out io.Writer) *StatusNotifier {
	n := &StatusNotifier{
		subs: make(map[chan StatusEvent]struct{}),
	}
	if out != nil {
		n.enc = json.NewEncoder(out)
	}
	return n
}

// Start announces the beginning of synchronization.
func (n *StatusNotifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emitLocked(StatusStart, 0)
}

// Update reports the store state. Only changes between idle and synchronizing are emitted.
func (n *StatusNotifier) Update(fullySynced bool, pending int) {
	status := StatusSynchronizing
	if fullySynced {
		status = StatusIdle
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current.Params.Status == status {
		n.current.Params.Pending = pending
		return
	}
	n.emitLocked(status, pending)
}

func (n *StatusNotifier) emitLocked(status SyncStatus, pending int) {
	n.current = StatusEvent{
		Method: statusMethod,
		Params: StatusParams{Status: status, Pending: pending},
	}
	if n.enc != nil {
		if err := n.enc.Encode(n.current); err != nil {
			slog.Debug("status stream", "error", err)
		}
	}
	for ch := range n.subs {
		select {
		case ch <- n.current:
		default:
		}
	}
}

// Current returns the last status with an up to date pending count.
func (n *StatusNotifier) Current() StatusEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Subscribe returns a channel of future events and a function that ends the subscription.
func (n *StatusNotifier) Subscribe() (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, 8)

	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
	}
}
