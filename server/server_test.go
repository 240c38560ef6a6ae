package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"QFMBot/core/auth"
	"QFMBot/core/player"
	"QFMBot/core/recovery"
	"QFMBot/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopBackend struct{}

func (nopBackend) Connect(context.Context, string, string) error                  { return nil }
func (nopBackend) Play(context.Context, string, model.Track, int) error          { return nil }
func (nopBackend) Stop(context.Context, string) error                            { return nil }
func (nopBackend) Pause(context.Context, string, bool) error                     { return nil }
func (nopBackend) Seek(context.Context, string, int64) error                     { return nil }
func (nopBackend) SetVolume(context.Context, string, int) error                  { return nil }
func (nopBackend) SetEqualizer(context.Context, string, player.Bands) error      { return nil }
func (nopBackend) Destroy(context.Context, string) error                         { return nil }
func (nopBackend) SetEventHandler(player.EventHandler)                           {}
func (nopBackend) Resolve(_ context.Context, t model.Track) (model.Track, error) { return t, nil }
func (nopBackend) Search(context.Context, string, model.Requester) (*model.SearchResult, error) {
	return &model.SearchResult{LoadType: model.LoadTypeNoMatch}, nil
}

type fakeHistory struct {
	records []*model.DisconnectRecord
	tracks  []model.PreviousTrack
	err     error
	limit   int
}

func (f *fakeHistory) History(_ context.Context, _ string, limit int) ([]*model.DisconnectRecord, error) {
	f.limit = limit
	return f.records, f.err
}

func (f *fakeHistory) PreviousTracks(_ context.Context, _ string, limit int) ([]model.PreviousTrack, error) {
	f.limit = limit
	return f.tracks, f.err
}

type fakeRecoverer struct {
	guilds []string
}

func (f *fakeRecoverer) RecoverGuild(_ context.Context, guildID string) (recovery.Outcome, error) {
	f.guilds = append(f.guilds, guildID)
	return recovery.Outcome{GuildID: guildID, Status: recovery.StatusRecovered, Tracks: 2, Attempts: 1}, nil
}

var secret = []byte("test-secret")

type fixture struct {
	srv       *Server
	manager   *player.Manager
	history   *fakeHistory
	recoverer *fakeRecoverer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := player.NewManager(nopBackend{})
	p, err := m.Create(context.Background(), "g1", "v1", "t1", 80)
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(
		model.Track{Title: "Song A", Author: "Artist A", URI: "https://a", Encoded: "x"},
		model.Track{Title: "Song B", Author: "Artist B", URI: "https://b", Encoded: "y"},
	))

	h := &fakeHistory{}
	rec := &fakeRecoverer{}
	return &fixture{srv: New(m, h, rec, secret), manager: m, history: h, recoverer: rec}
}

func (f *fixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.GenerateToken(secret, "ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.srv.AddHealthCheck("redis", func(context.Context) error { return nil })

	w := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	f.srv.AddHealthCheck("mysql", func(context.Context) error { return errors.New("connection refused") })
	w = f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Players int               `json:"players"`
		Deps    map[string]string `json:"deps"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Players)
	assert.Equal(t, "ok", body.Deps["redis"])
	assert.Equal(t, "connection refused", body.Deps["mysql"])
}

func TestPlayersEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/players", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []player.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "g1", list[0].GuildID)
	assert.Empty(t, list[0].Queue)

	w = f.do(t, http.MethodGet, "/api/players/g1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/players/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/players/g1/queue", "")
	require.Equal(t, http.StatusOK, w.Code)
	var queue struct {
		Tracks []model.Track `json:"tracks"`
		Total  int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queue))
	assert.Equal(t, 2, queue.Total)
	assert.Equal(t, "Song A", queue.Tracks[0].Title)
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t)
	f.history.records = []*model.DisconnectRecord{{ID: "r1", GuildID: "g1", Reason: model.ReasonQueueEnd}}

	w := f.do(t, http.MethodGet, "/api/guilds/g1/disconnects?limit=500", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxHistoryLimit, f.history.limit)
	assert.Contains(t, w.Body.String(), model.ReasonQueueEnd)

	w = f.do(t, http.MethodGet, "/api/guilds/g1/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultHistoryLimit, f.history.limit)
	assert.JSONEq(t, `[]`, w.Body.String())

	f.history.err = errors.New("redis down")
	w = f.do(t, http.MethodGet, "/api/guilds/g1/history", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/recovery/g1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/recovery/g1", "garbage").Code)

	viewer, err := auth.GenerateToken(secret, "someone", "viewer", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodDelete, "/api/players/g1", viewer).Code)
	assert.Empty(t, f.recoverer.guilds)
	assert.NotNil(t, f.manager.Lookup("g1"))
}

func TestRecoverEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/recovery/g9", adminToken(t))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"g9"}, f.recoverer.guilds)

	var out recovery.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, recovery.StatusRecovered, out.Status)
}

func TestDestroyEndpoint(t *testing.T) {
	f := newFixture(t)
	tok := adminToken(t)

	w := f.do(t, http.MethodDelete, "/api/players/g1", tok)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Nil(t, f.manager.Lookup("g1"))

	w = f.do(t, http.MethodDelete, "/api/players/g1", tok)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	f := newFixture(t)
	f.srv.secret = nil
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/recovery/g1", "x").Code)
}
