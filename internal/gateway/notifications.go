package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"paddlearena/server/internal/input"
	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/notify"
	"paddlearena/server/internal/store"
)

// ServeNotifications forwards every event addressed to the authenticated user. Pending invites
// are replayed first so a client that was offline catches up.
func (h *Handler) ServeNotifications(w http.ResponseWriter, r *http.Request) {
	conn, user, logger := h.accept(w, r, "notifications")
	if conn == nil {
		return
	}
	h.metrics.ConnectionOpened("notifications")
	defer h.metrics.ConnectionClosed("notifications")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.bus.Subscribe(ctx, user)
	if err != nil {
		logger.Warn("notification subscribe failed", logging.Error(err))
		closeWith(conn, CloseInternalError, "notifications unavailable")
		return
	}

	out := make(chan []byte, 16)
	writerDone := make(chan struct{})
	go h.notificationPump(ctx, conn, events, out, writerDone)

	//1.- Replay goes through the writer so it never races the forwarded events.
	h.replayInvites(ctx, user, out, logger)

	h.notificationReader(conn, out, writerDone, logger)
	cancel()
	<-writerDone
	_ = conn.Close()
	logger.Info("notification socket closed")
}

func (h *Handler) replayInvites(ctx context.Context, user string, out chan<- []byte, logger *logging.Logger) {
	if h.store == nil {
		return
	}
	invites, err := h.store.ListPendingInvites(ctx, user)
	if err != nil {
		logger.Warn("pending invite lookup failed", logging.Error(err))
		return
	}
	for _, inv := range invites {
		event := notify.NewInvite(inv.ID, inv.Sender, string(inv.Mode), store.Deref(inv.TournamentID))
		select {
		case out <- mustJSON(event):
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) notificationPump(ctx context.Context, conn *websocket.Conn, events <-chan notify.Event, out <-chan []byte, writerDone chan<- struct{}) {
	defer close(writerDone)
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				closeWith(conn, websocket.CloseGoingAway, "notifications closed")
				return
			}
			if err := writeJSON(conn, event); err != nil {
				_ = conn.Close()
				return
			}
		case payload := <-out:
			if err := writeRaw(conn, payload); err != nil {
				_ = conn.Close()
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// notificationReader only answers application pings; anything else is ignored.
func (h *Handler) notificationReader(conn *websocket.Conn, out chan<- []byte, writerDone <-chan struct{}, logger *logging.Logger) {
	pongWait := 2 * h.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("notification socket read ended", logging.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		msg, err := input.Decode(raw)
		if err != nil || !msg.IsPing() {
			continue
		}
		select {
		case out <- mustJSON(statusMessage{Type: "pong"}):
		case <-writerDone:
			return
		}
	}
}
