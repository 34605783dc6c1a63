// Package httpapi serves the REST surface: games, invites, tournaments, player statistics and
// the operational health checks.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"paddlearena/server/internal/auth"
	"paddlearena/server/internal/lobby"
	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/match"
	"paddlearena/server/internal/store"
	"paddlearena/server/internal/tournament"
)

const maxBodyBytes = 64 << 10

// Lobby creates games and answers direct invites.
type Lobby interface {
	CreateGame(ctx context.Context, creator, opponent string) (string, error)
	SendInvite(ctx context.Context, sender, recipient string) (store.Invite, error)
	AcceptInvite(ctx context.Context, inviteID, acceptor string) (string, error)
	RejectInvite(ctx context.Context, inviteID, user string) error
	PendingInvites(ctx context.Context, user string) ([]store.Invite, error)
}

// Tournaments runs brackets.
type Tournaments interface {
	Create(ctx context.Context, creator, name string, invitees []string) (tournament.View, error)
	Get(ctx context.Context, id string) (tournament.View, error)
	AcceptInvite(ctx context.Context, inviteID, tournamentID, acceptor string) error
	RejectInvite(ctx context.Context, inviteID, user string) error
	ReportResult(ctx context.Context, matchID, winner, tournamentID string) error
}

// Records reads durable rows.
type Records interface {
	GetMatch(ctx context.Context, id string) (store.Match, error)
	GetInvite(ctx context.Context, id string) (store.Invite, error)
	GetPlayerStats(ctx context.Context, userID string) (store.PlayerStats, error)
}

// LiveMatches exposes snapshots of running matches.
type LiveMatches interface {
	Snapshot(id string) (match.Snapshot, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the HandlerSet.
type Options struct {
	Logger        *logging.Logger
	Authenticator *auth.RequestAuthenticator
	Lobby         Lobby
	Tournaments   Tournaments
	Records       Records
	Live          LiveMatches
	Database      Pinger
	LiveCount     func() int
	Metrics       http.Handler
	RateLimiter   *IPRateLimiter
	TimeSource    func() time.Time
}

// HandlerSet bundles the REST handlers.
type HandlerSet struct {
	logger      *logging.Logger
	auth        *auth.RequestAuthenticator
	lobby       Lobby
	tournaments Tournaments
	records     Records
	live        LiveMatches
	database    Pinger
	liveCount   func() int
	metrics     http.Handler
	limiter     *IPRateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		auth:        opts.Authenticator,
		lobby:       opts.Lobby,
		tournaments: opts.Tournaments,
		records:     opts.Records,
		live:        opts.Live,
		database:    opts.Database,
		liveCount:   opts.LiveCount,
		metrics:     opts.Metrics,
		limiter:     opts.RateLimiter,
		now:         now,
	}
}

// Routes attaches the health checks and the authenticated API to r.
func (h *HandlerSet) Routes(r chi.Router) {
	r.Get("/livez", h.LivenessHandler())
	r.Get("/readyz", h.ReadinessHandler())
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}
	r.Route("/api", func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware(h.logger))
		}
		r.Use(h.requireUser)

		r.Post("/games", h.createGame)
		r.Get("/games/{id}", h.getGame)

		r.Post("/invites", h.sendInvite)
		r.Get("/invites", h.listInvites)
		r.Post("/invites/{id}/accept", h.acceptInvite)
		r.Post("/invites/{id}/reject", h.rejectInvite)

		r.Post("/tournaments", h.createTournament)
		r.Get("/tournaments/{id}", h.getTournament)
		r.Post("/tournaments/{id}/results", h.reportResult)

		r.Get("/players/{id}/stats", h.playerStats)
	})
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports whether the database answers, with the number of running loops.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status      string `json:"status"`
		Message     string `json:"message,omitempty"`
		LiveMatches int    `json:"live_matches"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		code := http.StatusOK
		resp := response{Status: "ok"}
		if h.liveCount != nil {
			resp.LiveMatches = h.liveCount()
		}
		if h.database != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := h.database.Ping(ctx); err != nil {
				code = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, code, resp)
	}
}

// requireUser authenticates the request and stores the user in its context.
func (h *HandlerSet) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.auth.Authenticate(r)
		if err != nil {
			reason := "invalid-credential"
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				reason = "missing-credential"
			case errors.Is(err, auth.ErrExpiredToken):
				reason = "expired-credential"
			}
			writeError(w, http.StatusUnauthorized, reason)
			return
		}
		ctx := auth.ContextWithUser(r.Context(), user)
		ctx = logging.ContextWithLogger(ctx, logging.LoggerFromContext(ctx).With(logging.UserID(user)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *HandlerSet) createGame(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Opponent string `json:"opponent"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	user := currentUser(r)
	id, err := h.lobby.CreateGame(r.Context(), user, body.Opponent)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"match_id": id})
}

func (h *HandlerSet) getGame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.live != nil {
		snap, err := h.live.Snapshot(id)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"live": true, "match": snap})
			return
		}
		if !errors.Is(err, match.ErrMatchNotFound) {
			h.fail(w, r, err)
			return
		}
	}
	rec, err := h.records.GetMatch(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"live": false, "match": rec})
}

func (h *HandlerSet) sendInvite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To string `json:"to"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	inv, err := h.lobby.SendInvite(r.Context(), currentUser(r), body.To)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"invite": inv})
}

func (h *HandlerSet) listInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := h.lobby.PendingInvites(r.Context(), currentUser(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if invites == nil {
		invites = []store.Invite{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"invites": invites})
}

// acceptInvite answers either kind of invite. A tournament_id in the body, or a tournament
// invite, routes the answer to the bracket.
func (h *HandlerSet) acceptInvite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TournamentID string `json:"tournament_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	ctx, user, inviteID := r.Context(), currentUser(r), chi.URLParam(r, "id")
	inv, err := h.records.GetInvite(ctx, inviteID)
	if err != nil {
		h.fail(w, r, inviteLookupError(err))
		return
	}
	tournamentID := strings.TrimSpace(body.TournamentID)
	if tournamentID == "" && inv.Mode == store.InviteTournament {
		tournamentID = store.Deref(inv.TournamentID)
	}
	if tournamentID != "" {
		if err := h.tournaments.AcceptInvite(ctx, inviteID, tournamentID, user); err != nil {
			h.fail(w, r, err)
			return
		}
		view, err := h.tournaments.Get(ctx, tournamentID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tournament": view})
		return
	}
	matchID, err := h.lobby.AcceptInvite(ctx, inviteID, user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"match_id": matchID})
}

func (h *HandlerSet) rejectInvite(w http.ResponseWriter, r *http.Request) {
	ctx, user, inviteID := r.Context(), currentUser(r), chi.URLParam(r, "id")
	inv, err := h.records.GetInvite(ctx, inviteID)
	if err != nil {
		h.fail(w, r, inviteLookupError(err))
		return
	}
	if inv.Mode == store.InviteTournament {
		err = h.tournaments.RejectInvite(ctx, inviteID, user)
	} else {
		err = h.lobby.RejectInvite(ctx, inviteID, user)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(store.InviteRefused)})
}

func (h *HandlerSet) createTournament(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string   `json:"name"`
		Invitees []string `json:"invitees"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	view, err := h.tournaments.Create(r.Context(), currentUser(r), body.Name, body.Invitees)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tournament": view})
}

func (h *HandlerSet) getTournament(w http.ResponseWriter, r *http.Request) {
	view, err := h.tournaments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tournament": view})
}

func (h *HandlerSet) reportResult(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MatchID string `json:"match_id"`
		Winner  string `json:"winner"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.MatchID) == "" || strings.TrimSpace(body.Winner) == "" {
		writeError(w, http.StatusBadRequest, "match_id and winner are required")
		return
	}
	if err := h.tournaments.ReportResult(r.Context(), body.MatchID, body.Winner, chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *HandlerSet) playerStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "me" {
		id = currentUser(r)
	}
	stats, err := h.records.GetPlayerStats(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// fail maps domain errors onto status codes and reasons. Unknown errors are logged and hidden.
func (h *HandlerSet) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, reason := classify(err)
	if code == http.StatusInternalServerError {
		logging.LoggerFromContext(r.Context()).Error("request failed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	writeError(w, code, reason)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, lobby.ErrMissingUser):
		return http.StatusBadRequest, "missing-user"
	case errors.Is(err, lobby.ErrSelfInvite):
		return http.StatusBadRequest, "self-invite"
	case errors.Is(err, lobby.ErrDuplicateInvite):
		return http.StatusConflict, "duplicate-invite"
	case errors.Is(err, lobby.ErrInvalidInvite), errors.Is(err, tournament.ErrInvalidInvite):
		return http.StatusNotFound, tournament.ErrInvalidInvite.Error()
	case errors.Is(err, tournament.ErrMissingCreator):
		return http.StatusBadRequest, "missing-user"
	case errors.Is(err, tournament.ErrInvalidInvitees):
		return http.StatusBadRequest, tournament.ErrInvalidInvitees.Error()
	case errors.Is(err, tournament.ErrNotFound):
		return http.StatusNotFound, tournament.ErrNotFound.Error()
	case errors.Is(err, tournament.ErrMatchNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, tournament.ErrMatchNotFound.Error()
	}
	for _, conflict := range []error{
		tournament.ErrTournamentFull,
		tournament.ErrAlreadyJoined,
		tournament.ErrTournamentClosed,
		tournament.ErrNotLinked,
		tournament.ErrMatchInProgress,
		tournament.ErrWinnerMismatch,
	} {
		if errors.Is(err, conflict) {
			return http.StatusConflict, conflict.Error()
		}
	}
	return http.StatusInternalServerError, "internal-error"
}

func inviteLookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return tournament.ErrInvalidInvite
	}
	return err
}

func currentUser(r *http.Request) string {
	user, _ := auth.UserFromContext(r.Context())
	return user
}

// decodeBody reads an optional JSON body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid-body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
