package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paddlearena/server/internal/auth"
	"paddlearena/server/internal/fanout"
	"paddlearena/server/internal/jobs"
	"paddlearena/server/internal/lobby"
	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/match"
	"paddlearena/server/internal/notify"
	"paddlearena/server/internal/simulation"
	"paddlearena/server/internal/store"
	"paddlearena/server/internal/tournament"
)

const testSecret = "test-secret"

type testEnv struct {
	srv    *httptest.Server
	store  *store.Store
	engine *simulation.Engine
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database unavailable") }

func newTestEnv(t *testing.T, tweak func(*Options)) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())

	logger := logging.NewTestLogger()
	registry := match.NewRegistry()
	engine := simulation.NewEngine(registry, fanout.NewHub(), simulation.WithStore(st), simulation.WithLogger(logger))
	bus := notify.NewLocalBus(notify.WithLogger(logger))
	sched, err := jobs.New(logger)
	require.NoError(t, err)
	orch := tournament.New(tournament.Config{}, st, engine, bus, sched, tournament.WithLogger(logger))
	engine.SetReporter(orch)
	verifier, err := auth.NewVerifier(testSecret, 0)
	require.NoError(t, err)

	opts := Options{
		Logger:        logger,
		Authenticator: auth.NewRequestAuthenticator(verifier, ""),
		Lobby:         lobby.New(st, engine, bus, lobby.WithLogger(logger)),
		Tournaments:   orch,
		Records:       st,
		Live:          registry,
		Database:      st,
		LiveCount:     registry.Len,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("arena_up 1\n"))
		}),
	}
	if tweak != nil {
		tweak(&opts)
	}
	router := chi.NewRouter()
	router.Use(logging.HTTPTraceMiddleware(logger))
	NewHandlerSet(opts).Routes(router)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		orch.Shutdown()
		_ = sched.Shutdown()
		_ = engine.Shutdown(context.Background())
		_ = bus.Close()
		_ = st.Close()
	})
	return &testEnv{srv: srv, store: st, engine: engine}
}

// do sends an authenticated request when user is set and decodes the JSON reply.
func (e *testEnv) do(t *testing.T, method, path, user string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		token, err := auth.Issue(testSecret, user, time.Minute, time.Now())
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp.StatusCode, decoded
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodGet, "/livez", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])

	code, body = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["live_matches"])

	//1.- A registered match counts as live before any player connects.
	_, err := env.engine.CreateMatch(context.Background(), simulation.MatchSpec{Player1: "alice", Player2: "bob"})
	require.NoError(t, err)
	_, body = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.EqualValues(t, 1, body["live_matches"])

	resp, err := env.srv.Client().Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	broken := newTestEnv(t, func(o *Options) { o.Database = failingPinger{} })
	code, body = broken.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "database unavailable", body["message"])
}

func TestAPIRequiresCredential(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodGet, "/api/invites", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "missing-credential", body["error"])

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/invites", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: auth.DefaultCookieName, Value: "garbage"})
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var decoded map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "invalid-credential", decoded["error"])

	expired, err := auth.Issue(testSecret, "alice", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	req, err = http.NewRequest(http.MethodGet, env.srv.URL+"/api/invites", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+expired)
	resp2, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&decoded))
	assert.Equal(t, "expired-credential", decoded["error"])
}

func TestGamesEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodPost, "/api/games", "alice", map[string]string{"opponent": "bob"})
	require.Equal(t, http.StatusCreated, code)
	id, _ := body["match_id"].(string)
	require.NotEmpty(t, id)

	code, body = env.do(t, http.MethodGet, "/api/games/"+id, "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["live"])
	snap := body["match"].(map[string]any)
	assert.Equal(t, "alice", snap["player_1"])
	assert.Equal(t, "online", snap["mode"])

	//1.- A match that left the registry is served from its durable record.
	require.NoError(t, env.store.CreateMatch(context.Background(), store.Match{ID: "old", Mode: "online", Player1: "carol", Player2: "dave"}))
	code, body = env.do(t, http.MethodGet, "/api/games/old", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["live"])
	assert.Equal(t, "carol", body["match"].(map[string]any)["player_1"])

	code, body = env.do(t, http.MethodGet, "/api/games/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "match-not-found", body["error"])

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/games", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	token, err := auth.Issue(testSecret, "alice", time.Minute, time.Now())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDirectInviteEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodPost, "/api/invites", "alice", map[string]string{"to": "bob"})
	require.Equal(t, http.StatusCreated, code)
	inviteID := body["invite"].(map[string]any)["id"].(string)

	code, body = env.do(t, http.MethodPost, "/api/invites", "alice", map[string]string{"to": "bob"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "duplicate-invite", body["error"])
	code, body = env.do(t, http.MethodPost, "/api/invites", "alice", map[string]string{"to": "alice"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "self-invite", body["error"])

	code, body = env.do(t, http.MethodGet, "/api/invites", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["invites"], 1)
	code, body = env.do(t, http.MethodGet, "/api/invites", "carol", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["invites"])

	code, body = env.do(t, http.MethodPost, "/api/invites/"+inviteID+"/accept", "carol", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "invalid-invite", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/invites/"+inviteID+"/accept", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	matchID := body["match_id"].(string)
	assert.True(t, env.engine.Registry().Exists(matchID))

	code, _ = env.do(t, http.MethodPost, "/api/invites/"+inviteID+"/reject", "bob", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, body = env.do(t, http.MethodPost, "/api/invites/nope/accept", "bob", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "invalid-invite", body["error"])
}

func TestTournamentEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodPost, "/api/tournaments", "alice", map[string]any{"name": "Cup", "invitees": []string{"bob", "bob"}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid-invitees", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/tournaments", "alice", map[string]any{"name": "Cup", "invitees": []string{"bob", "carol"}})
	require.Equal(t, http.StatusCreated, code)
	view := body["tournament"].(map[string]any)
	tid := view["id"].(string)
	assert.Equal(t, "pending", view["status"])

	pending, err := env.store.ListPendingInvites(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	code, body = env.do(t, http.MethodPost, "/api/invites/"+pending[0].ID+"/accept", "bob", map[string]string{"tournament_id": "other"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "invalid-invite", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/invites/"+pending[0].ID+"/accept", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["tournament"].(map[string]any)["participants"], 2)

	code, body = env.do(t, http.MethodPost, "/api/invites/"+pending[0].ID+"/accept", "bob", map[string]string{"tournament_id": tid})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already-joined", body["error"])

	carolInvites, err := env.store.ListPendingInvites(context.Background(), "carol")
	require.NoError(t, err)
	require.Len(t, carolInvites, 1)
	code, body = env.do(t, http.MethodPost, "/api/invites/"+carolInvites[0].ID+"/reject", "carol", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "refused", body["status"])

	code, body = env.do(t, http.MethodGet, "/api/tournaments/"+tid, "dave", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, tid, body["tournament"].(map[string]any)["id"])

	code, body = env.do(t, http.MethodGet, "/api/tournaments/missing", "dave", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "tournament-not-found", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/tournaments/"+tid+"/results", "alice", map[string]string{"match_id": "m-404", "winner": "alice"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "match-not-found", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/tournaments/"+tid+"/results", "alice", map[string]string{"match_id": ""})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])

	require.NoError(t, env.store.CreateMatch(context.Background(), store.Match{ID: "loose", Mode: "online", Player1: "alice", Player2: "bob"}))
	code, body = env.do(t, http.MethodPost, "/api/tournaments/"+tid+"/results", "alice", map[string]string{"match_id": "loose", "winner": "alice"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "match-not-in-tournament", body["error"])
}

func TestPlayerStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodGet, "/api/players/me/stats", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	stats := body["stats"].(map[string]any)
	assert.Equal(t, "alice", stats["user_id"])
	assert.EqualValues(t, 1000, stats["rating"])

	require.NoError(t, env.store.CreateMatch(context.Background(), store.Match{ID: "m-1", Mode: "online", Player1: "alice", Player2: "bob"}))
	require.NoError(t, env.store.FinishMatch(context.Background(), store.MatchResult{ID: "m-1", Score1: 7, Winner: "alice", Loser: "bob", Reason: "score"}))

	code, body = env.do(t, http.MethodGet, "/api/players/bob/stats", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	stats = body["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["matches_played"])
	assert.EqualValues(t, 1, stats["matches_lost"])
}

func TestAPIRateLimited(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.RateLimiter = NewIPRateLimiter(0.001, 1, nil) })

	code, _ := env.do(t, http.MethodGet, "/api/invites", "alice", nil)
	assert.Equal(t, http.StatusOK, code)
	code, body := env.do(t, http.MethodGet, "/api/invites", "alice", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate-limited", body["error"])

	//1.- Health checks are outside the limited group.
	code, _ = env.do(t, http.MethodGet, "/livez", "", nil)
	assert.Equal(t, http.StatusOK, code)
}
