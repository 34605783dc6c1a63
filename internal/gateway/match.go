package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"paddlearena/server/internal/fanout"
	"paddlearena/server/internal/input"
	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/match"
	"paddlearena/server/internal/simulation"
	"paddlearena/server/internal/store"
)

// session is what a connection holds once it has joined a live match.
type session struct {
	id      string
	user    string
	sides   []match.Side
	snap    match.Snapshot
	started bool
}

// ServeMatch runs one player connection through waiting, joining, playing and leaving.
func (h *Handler) ServeMatch(w http.ResponseWriter, r *http.Request) {
	conn, user, logger := h.accept(w, r, "match")
	if conn == nil {
		return
	}
	matchID := chi.URLParam(r, "matchID")
	logger = logger.With(logging.MatchID(matchID))
	h.metrics.ConnectionOpened("match")
	defer h.metrics.ConnectionClosed("match")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	//1.- Subscribe before waiting so nothing published after the join snapshot is missed.
	sub := h.hub.Subscribe(matchID)
	defer sub.Close()

	if code, reason := h.waitForMatch(ctx, conn, matchID, logger); code != 0 {
		closeWith(conn, code, reason)
		return
	} else if reason != "" {
		_ = conn.Close()
		return
	}

	sess, err := h.join(matchID, user)
	if err != nil {
		code, reason := joinFailure(err)
		logger.Info("match join refused", logging.String("reason", reason))
		closeWith(conn, code, reason)
		return
	}
	defer h.leave(sess, logger)
	logger.Info("player joined match", logging.Bool("loop_started", sess.started))

	//2.- The snapshot goes out before any pushed frame.
	if err := writeRaw(conn, simulation.EncodeFrame(simulation.FrameInit, sess.snap)); err != nil {
		_ = conn.Close()
		return
	}
	if sess.started {
		h.hub.Publish(matchID, fanout.Message{Tick: sess.snap.Tick, Payload: mustJSON(status("starting"))})
	} else if err := writeJSON(conn, status("waiting_for_opponent")); err != nil {
		_ = conn.Close()
		return
	}

	out := make(chan []byte, 16)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go h.writePump(conn, sub, out, sess.snap.Tick, done, writerDone)
	h.readPump(conn, sess, out, writerDone, logger)
	close(done)
	<-writerDone
	_ = conn.Close()
}

// waitForMatch polls the registry until the match is live. A non-zero code means the socket
// must be closed with it; an empty reason with code zero means the match is live.
func (h *Handler) waitForMatch(ctx context.Context, conn *websocket.Conn, id string, logger *logging.Logger) (int, string) {
	timeout := time.NewTimer(h.cfg.MatchWaitTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(h.cfg.MatchWaitPoll)
	defer poll.Stop()

	for {
		if h.sim.Registry().Exists(id) {
			return 0, ""
		}
		//1.- Absent from memory: the durable record decides between waiting and failing fast.
		if h.store != nil {
			rec, err := h.store.GetMatch(ctx, id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				return CloseMatchNotFound, "match not found"
			case err != nil:
				logger.Warn("match lookup failed while waiting", logging.Error(err))
			case rec.Status != store.MatchPlaying:
				return CloseMatchFinished, "match finished"
			}
		}
		if err := writeJSON(conn, status("waiting")); err != nil {
			return 0, "client gone"
		}
		//2.- No lock is held while sleeping.
		select {
		case <-ctx.Done():
			return 0, "client gone"
		case <-timeout.C:
			return CloseMatchWaitTimeout, "match wait timeout"
		case <-poll.C:
		}
	}
}

func joinFailure(err error) (int, string) {
	switch {
	case errors.Is(err, match.ErrNotParticipant):
		return CloseNotParticipant, "not a participant"
	case errors.Is(err, match.ErrMatchDone), errors.Is(err, match.ErrMatchNotFound):
		return CloseMatchFinished, "match finished"
	default:
		return CloseInternalError, "internal error"
	}
}

// join marks the user's sides online and decides under the match lock whether the loop starts.
func (h *Handler) join(id, user string) (*session, error) {
	sess := &session{id: id, user: user}
	err := h.sim.Registry().WithLock(id, func(s *match.State) error {
		if !s.IsParticipant(user) {
			return match.ErrNotParticipant
		}
		if s.Status == match.StatusDone || s.Finalizing {
			return match.ErrMatchDone
		}
		if s.Mode == match.ModeLocal {
			sess.sides = []match.Side{match.Left, match.Right}
		} else {
			side, err := s.SideOf(user)
			if err != nil {
				return err
			}
			sess.sides = []match.Side{side}
		}
		for _, side := range sess.sides {
			h.retain(id, side)
			s.MarkOnline(side)
		}
		sess.snap = s.Snapshot()
		//1.- A returning player restarts a loop that stopped when everybody left.
		if !s.LoopRunning && (s.Mode == match.ModeLocal || s.BothOnline() || s.Started) {
			sess.started = h.sim.StartLocked(s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// leave marks the sides offline once their last connection is gone and stops an empty match.
func (h *Handler) leave(sess *session, logger *logging.Logger) {
	err := h.sim.Registry().WithLock(sess.id, func(s *match.State) error {
		for _, side := range sess.sides {
			if h.release(sess.id, side) == 0 {
				s.MarkOffline(side, h.now())
			}
		}
		if !s.AnyOnline() {
			h.sim.StopLocked(s)
		}
		return nil
	})
	if err != nil && !errors.Is(err, match.ErrMatchNotFound) {
		logger.Warn("match leave failed", logging.Error(err))
		return
	}
	logger.Info("player left match")
}

func presenceKey(id string, side match.Side) string { return fmt.Sprintf("%s/%d", id, side) }

func (h *Handler) retain(id string, side match.Side) {
	h.presenceMu.Lock()
	h.presence[presenceKey(id, side)]++
	h.presenceMu.Unlock()
}

func (h *Handler) release(id string, side match.Side) int {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	key := presenceKey(id, side)
	h.presence[key]--
	left := h.presence[key]
	if left <= 0 {
		delete(h.presence, key)
		return 0
	}
	return left
}

func (h *Handler) writePump(conn *websocket.Conn, sub *fanout.Subscription, out <-chan []byte, minTick uint64, done <-chan struct{}, writerDone chan<- struct{}) {
	defer close(writerDone)
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				//1.- The group closes right after the terminal frame.
				closeWith(conn, CloseMatchFinished, "match finished")
				return
			}
			if msg.Tick < minTick {
				continue
			}
			if err := writeRaw(conn, msg.Payload); err != nil {
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
		case <-done:
			return
		}
	}
}

func (h *Handler) readPump(conn *websocket.Conn, sess *session, out chan<- []byte, writerDone <-chan struct{}, logger *logging.Logger) {
	pongWait := 2 * h.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	gate := input.NewGate(input.Config{Rate: h.cfg.InputRate, Burst: h.cfg.InputBurst})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("match socket read ended", logging.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		reply := h.handleInput(sess, raw, gate)
		select {
		case out <- reply:
		case <-writerDone:
			return
		}
	}
}

func (h *Handler) handleInput(sess *session, raw []byte, gate *input.Gate) []byte {
	msg, err := input.Decode(raw)
	if err == nil && msg.IsPing() {
		return mustJSON(statusMessage{Type: "pong"})
	}
	if err == nil {
		err = gate.Allow()
	}
	if err == nil {
		err = h.sim.Registry().WithLock(sess.id, func(s *match.State) error {
			cmd, err := input.Resolve(msg, sess.user, s)
			if err != nil {
				return err
			}
			return s.SetIntent(cmd.Side, cmd.Action)
		})
		if errors.Is(err, match.ErrMatchNotFound) {
			err = match.ErrMatchDone
		}
	}
	if err != nil {
		if !errors.Is(err, input.ErrRateLimited) {
			gate.Invalid()
		}
		reason := input.Reason(err)
		h.metrics.InputRejected(reason)
		return mustJSON(errorMessage{Type: "error", Error: reason})
	}
	return mustJSON(ackMessage{Type: "ack", Action: msg.Action})
}
