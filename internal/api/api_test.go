package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/room"
	"github.com/energizer-project/gignet/internal/server"
)

type nopAgent struct{}

func (nopAgent) CreateRoom(roomID int64, capacity, botCount int, botWins bool) {}
func (nopAgent) OnFilledRoom(roomID int64, info room.Info) {}
func (nopAgent) OnPlayerDisconnect(roomID int64, seat int) {}
func (nopAgent) OnPlayerReconnect(roomID int64, seat int) {}
func (nopAgent) BindRemoveRoom(remove func(int64)) {}

func newTestAPI(t *testing.T, mutate func(*config.Config)) (*Server, *server.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.RateLimitRPS = 0
	if mutate != nil {
		mutate(cfg)
	}

	game, err := server.New(cfg, nopAgent{}, nil)
	require.NoError(t, err)

	// No listeners are bound, so Serve only runs the tick loop.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		game.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		game.Bus().Stop()
	})

	return NewServer(cfg, game.Bus(), game, nil), game
}

func do(t *testing.T, s *Server, method, path, body string, mutate ...func(*http.Request)) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func fromLoopback(r *http.Request) { r.RemoteAddr = "127.0.0.1:50000" }

const lobbyBody = `{
	"lobbyId": "5",
	"realPlayers": 2,
	"botCount": "1",
	"botWins": "true",
	"participants": [
		{"id": 1, "name": "Ann", "actualId": "u-1", "avatar": "a.png"},
		{"id": "2", "name": "Ben", "actualId": 77}
	],
	"tournamentId": 42
}`

func TestProvisionAcceptsNumbersAndStrings(t *testing.T) {
	s, game := newTestAPI(t, nil)

	rec, out := do(t, s, http.MethodPost, "/api/lobby", lobbyBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["ok"])

	info, ok := game.Rooms().Get(5)
	require.True(t, ok)
	assert.Equal(t, 2, info.Capacity)
	assert.Equal(t, 1, info.BotCount)
	assert.True(t, info.BotWins)
	assert.True(t, info.Provisioned)
	require.Len(t, info.Participants, 2)
	assert.Equal(t, "77", info.Participants[1].ActualID)
	assert.Equal(t, int64(2), info.Participants[1].ID)

	v, ok := game.RoomParameter(5, "tournamentId")
	require.True(t, ok)
	assert.Equal(t, "42", v)
}

func TestProvisionAtRoot(t *testing.T) {
	s, game := newTestAPI(t, nil)

	rec, _ := do(t, s, http.MethodPost, "/", `{"lobbyId": 9, "realPlayers": 1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := game.Rooms().Get(9)
	assert.True(t, ok)
}

func TestProvisionFailures(t *testing.T) {
	s, _ := newTestAPI(t, nil)

	rec, _ := do(t, s, http.MethodPost, "/api/lobby", lobbyBody)
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"put", http.MethodPut, lobbyBody, http.StatusMethodNotAllowed},
		{"malformed json", http.MethodPost, `{"lobbyId":`, http.StatusInternalServerError},
		{"non numeric id", http.MethodPost, `{"lobbyId":"abc","realPlayers":2}`, http.StatusInternalServerError},
		{"missing id", http.MethodPost, `{"realPlayers":2}`, http.StatusInternalServerError},
		{"zero capacity", http.MethodPost, `{"lobbyId":6,"realPlayers":0}`, http.StatusInternalServerError},
		{"duplicate room", http.MethodPost, lobbyBody, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := do(t, s, tt.method, "/api/lobby", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "error", out["status"])
			assert.NotEmpty(t, out["message"])
		})
	}
}

func TestMonitorEndpoints(t *testing.T) {
	s, _ := newTestAPI(t, nil)
	rec, _ := do(t, s, http.MethodPost, "/api/lobby", lobbyBody)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, out := do(t, s, http.MethodGet, "/api/monitor/rooms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	// Room 5 plus the permanent room.
	assert.EqualValues(t, 2, out["total"])

	rec, out = do(t, s, http.MethodGet, "/api/monitor/rooms/5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	roster, ok := out["roster"].([]interface{})
	require.True(t, ok)
	// Two open seats followed by the unseated participants.
	assert.Len(t, roster, 4)

	rec, _ = do(t, s, http.MethodGet, "/api/monitor/rooms/404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, s, http.MethodGet, "/api/monitor/rooms/x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = do(t, s, http.MethodGet, "/api/monitor/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, out["total"])

	rec, _ = do(t, s, http.MethodGet, "/api/monitor/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, s, http.MethodGet, "/api/monitor/lag", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, s, http.MethodGet, "/api/monitor/ledger", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, out = do(t, s, http.MethodGet, "/api/public/ping", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gignet", out["service"])

	rec, _ = do(t, s, http.MethodGet, "/api/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlRequiresLoopbackWithoutToken(t *testing.T) {
	s, game := newTestAPI(t, nil)
	rec, _ := do(t, s, http.MethodPost, "/api/lobby", lobbyBody)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/control/end_room/5", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/control/end_room/5", "", fromLoopback)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Eventually(t, func() bool { return game.Rooms().RecentlyEnded(5) }, 2*time.Second, 10*time.Millisecond)

	rec, _ = do(t, s, http.MethodPost, "/api/control/end_room/5", "", fromLoopback)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlToken(t *testing.T) {
	s, _ := newTestAPI(t, func(cfg *config.Config) { cfg.API.ControlToken = "secret" })

	rec, _ := do(t, s, http.MethodGet, "/api/control/config", "", fromLoopback)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/api/control/config", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, out := do(t, s, http.MethodGet, "/api/control/config", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer secret")
	})
	require.Equal(t, http.StatusOK, rec.Code)
	apiSection, ok := out["api"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "", apiSection["control_token"])
}

func TestUpdateConfigValidates(t *testing.T) {
	s, _ := newTestAPI(t, nil)
	before := s.cfg.GetSession().TickIntervalMs

	rec, _ := do(t, s, http.MethodPost, "/api/control/config",
		`{"section":"session","key":"no_such_key","value":1}`, fromLoopback)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/control/config",
		`{"section":"session","key":"tick_interval_ms","value":0}`, fromLoopback)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, before, s.cfg.GetSession().TickIntervalMs)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))

	assert.Equal(t, 0, rl.Prune(time.Hour))
	assert.Equal(t, 2, rl.Prune(0))

	assert.True(t, NewRateLimiter(0).Allow("10.0.0.1"))
}

func TestFlexInt(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{`7`, 7, false},
		{`"7"`, 7, false},
		{`" 12 "`, 12, false},
		{`2.0`, 2, false},
		{`""`, 0, false},
		{`2.5`, 0, true},
		{`"x"`, 0, true},
	}
	for _, tt := range tests {
		var f flexInt
		err := json.Unmarshal([]byte(tt.in), &f)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, int64(f), tt.in)
	}
}
