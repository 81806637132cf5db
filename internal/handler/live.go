package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"paygate/internal/domain"
	"paygate/internal/notification"
	"paygate/pkg/logger"
)

// CollectionFinder reads a collection's persisted state.
type CollectionFinder interface {
	FindCollection(ctx context.Context, id uuid.UUID) (*domain.CollectionRequest, error)
}

// LiveHandler streams the outcome of a request to a waiting client, such
// as the payment link page.
type LiveHandler struct {
	hub      notification.Hub
	requests CollectionFinder
	idle     time.Duration
	upgrader websocket.Upgrader
	logger   logger.Logger
}

func NewLiveHandler(hub notification.Hub, requests CollectionFinder, idle time.Duration, log logger.Logger) *LiveHandler {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &LiveHandler{
		hub:      hub,
		requests: requests,
		idle:     idle,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log,
	}
}

// Subscribe handles GET /subscribe/{request_id}. The client receives one
// JSON status message when the request resolves, then a close frame. The
// stream also ends when the client goes away or nothing happens for the
// idle timeout.
func (h *LiveHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(mux.Vars(r)["request_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request id")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading state so an outcome landing in between is
	// still delivered.
	sub, err := h.hub.Subscribe(ctx, requestID)
	if err != nil {
		h.logger.Error("Live subscription failed", map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		})
		respondError(w, http.StatusServiceUnavailable, "Live updates unavailable")
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if c, err := h.requests.FindCollection(ctx, requestID); err == nil && c.Status.IsTerminal() {
		h.finish(conn, notification.CollectionPayload(c), "resolved")
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(h.idle)
	defer timer.Stop()

	select {
	case p, ok := <-sub.C:
		if ok && p != nil {
			h.finish(conn, p, "resolved")
			return
		}
		h.finish(conn, nil, "subscription ended")
	case <-gone:
	case <-timer.C:
		h.finish(conn, nil, "idle timeout")
	}
}

func (h *LiveHandler) finish(conn *websocket.Conn, p *notification.Payload, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetWriteDeadline(deadline)
	if p != nil {
		if err := conn.WriteJSON(p); err != nil {
			h.logger.Warn("Live status write failed", map[string]interface{}{
				"request_id": p.RequestID,
				"error":      err.Error(),
			})
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
}
