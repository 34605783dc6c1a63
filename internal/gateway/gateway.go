// Package gateway terminates the player WebSockets: the match socket drives a live match and
// the notification socket forwards per-user events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"paddlearena/server/internal/auth"
	"paddlearena/server/internal/fanout"
	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/match"
	"paddlearena/server/internal/metrics"
	"paddlearena/server/internal/notify"
	"paddlearena/server/internal/store"
)

// Close codes sent to clients.
const (
	CloseMissingCredential = 4001
	CloseInvalidCredential = 4002
	CloseExpiredCredential = 4003
	CloseNotParticipant    = 4004
	CloseMatchNotFound     = 4005
	CloseMatchWaitTimeout  = 4006
	CloseRateLimited       = 4007
	CloseMatchFinished     = websocket.CloseNormalClosure
	CloseInternalError     = websocket.CloseInternalServerErr
)

const writeWait = 5 * time.Second

// Simulation is the slice of the engine the gateway drives.
type Simulation interface {
	Registry() *match.Registry
	StartLocked(s *match.State) bool
	StopLocked(s *match.State)
}

// Store resolves durable records when a match is not live and lists pending invites.
type Store interface {
	GetMatch(ctx context.Context, id string) (store.Match, error)
	ListPendingInvites(ctx context.Context, recipient string) ([]store.Invite, error)
}

// Config tunes connection handling.
type Config struct {
	AllowedOrigins   []string
	PingInterval     time.Duration
	MaxPayloadBytes  int64
	MatchWaitTimeout time.Duration
	MatchWaitPoll    time.Duration
	InputRate        float64
	InputBurst       int
	ConnectRate      float64
	ConnectBurst     int
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 4 << 10
	}
	if c.MatchWaitTimeout <= 0 {
		c.MatchWaitTimeout = 30 * time.Second
	}
	if c.MatchWaitPoll <= 0 {
		c.MatchWaitPoll = time.Second
	}
	return c
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the handler logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMetrics attaches connection counters.
func WithMetrics(m *metrics.Collectors) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock overrides the wall clock used for disconnect timestamps.
func WithClock(clock func() time.Time) Option {
	return func(h *Handler) {
		if clock != nil {
			h.now = clock
		}
	}
}

// Handler serves the match and notification sockets.
type Handler struct {
	cfg      Config
	auth     *auth.RequestAuthenticator
	sim      Simulation
	hub      *fanout.Hub
	store    Store
	bus      notify.Bus
	metrics  *metrics.Collectors
	log      *logging.Logger
	now      func() time.Time
	upgrader websocket.Upgrader

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	// presence counts open sockets per match side; taken inside the match lock.
	presenceMu sync.Mutex
	presence   map[string]int
}

// New wires a gateway handler.
func New(cfg Config, authenticator *auth.RequestAuthenticator, sim Simulation, hub *fanout.Hub, st Store, bus notify.Bus, opts ...Option) *Handler {
	h := &Handler{
		cfg:      cfg.withDefaults(),
		auth:     authenticator,
		sim:      sim,
		hub:      hub,
		store:    st,
		bus:      bus,
		log:      logging.L(),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		presence: make(map[string]int),
	}
	if h.bus == nil {
		h.bus = notify.Nop{}
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(h.cfg.AllowedOrigins),
	}
	return h
}

// Routes mounts both sockets.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws/match/{matchID}", h.ServeMatch)
	r.Get("/ws/notifications", h.ServeNotifications)
}

// originChecker allows every origin when the list is empty, mirroring local development.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// accept upgrades the request and authenticates it. On failure the socket has already been
// closed with the matching code and the returned connection is nil.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request, kind string) (*websocket.Conn, string, *logging.Logger) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logging.String("kind", kind), logging.Error(err))
		return nil, "", nil
	}
	conn.SetReadLimit(h.cfg.MaxPayloadBytes)

	//1.- Authentication runs after the upgrade so the client sees a distinct close code.
	user, err := h.auth.Authenticate(r)
	if err != nil {
		code, reason := CloseInvalidCredential, "invalid credential"
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			code, reason = CloseMissingCredential, "missing credential"
		case errors.Is(err, auth.ErrExpiredToken):
			code, reason = CloseExpiredCredential, "expired credential"
		}
		h.log.Debug("websocket authentication failed", logging.String("kind", kind), logging.Error(err))
		closeWith(conn, code, reason)
		return nil, "", nil
	}
	if !h.allowConnect(user) {
		closeWith(conn, CloseRateLimited, "too many connections")
		return nil, "", nil
	}
	logger := h.log.With(logging.UserID(user), logging.String("kind", kind))
	return conn, user, logger
}

func (h *Handler) allowConnect(user string) bool {
	if h.cfg.ConnectRate <= 0 {
		return true
	}
	h.limiterMu.Lock()
	limiter, ok := h.limiters[user]
	if !ok {
		burst := h.cfg.ConnectBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.cfg.ConnectRate), burst)
		h.limiters[user] = limiter
	}
	h.limiterMu.Unlock()
	return limiter.Allow()
}

// closeWith sends a close frame and releases the socket.
func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func writeJSON(conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeRaw(conn, payload)
}

func writeRaw(conn *websocket.Conn, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

type statusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
}

type ackMessage struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func status(s string) statusMessage { return statusMessage{Type: "status", Status: s} }

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return payload
}
