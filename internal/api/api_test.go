package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timwie/steward/internal/auth"
	"github.com/timwie/steward/internal/config"
	"github.com/timwie/steward/internal/controller"
	"github.com/timwie/steward/internal/domain"
	"github.com/timwie/steward/internal/storage"
)

func testRouter(t *testing.T) (*Router, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "steward.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctrl := controller.New(&config.Config{}, nil, store, nil, controller.Options{})
	authService := auth.NewService("test-secret", time.Hour)
	return NewRouter(store, ctrl, authService), store
}

func TestHealth(t *testing.T) {
	router, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Phase   string `json:"phase"`
		Players []any  `json:"players"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "boot", status.Phase)
	assert.Empty(t, status.Players)
}

func TestMapRankingEndpoint(t *testing.T) {
	router, store := testRouter(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPlayer(ctx, domain.Player{Login: "p", DisplayName: "P"}))
	require.NoError(t, store.InsertMap(ctx, domain.Map{
		UID: "m", FileName: "m.Map.Gbx", Name: "M",
		AuthorLogin: "a", AuthorDisplayName: "A",
		AuthorMillis: 45000, AddedSince: time.Now(),
	}, nil))
	require.NoError(t, store.UpsertRecordAndSectors(ctx,
		domain.Record{PlayerLogin: "p", MapUID: "m", Millis: 15000, Timestamp: time.Now()},
		[]domain.Sector{{PlayerLogin: "p", MapUID: "m", Index: 0, CpMillis: 15000, CpSpeed: 300}}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/maps/m/ranking", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var ranking []domain.RankedRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ranking))
	require.Len(t, ranking, 1)
	assert.Equal(t, 1, ranking[0].MapRank)
	assert.Equal(t, 15000, ranking[0].Millis)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/maps/m/ranking?limit=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginFlow(t *testing.T) {
	router, store := testRouter(t)
	ctx := context.Background()

	hash, err := auth.HashPassword("hunter22")
	require.NoError(t, err)
	require.NoError(t, store.CreateWebUser(ctx, "boss", hash, true))

	body, _ := json.Marshal(map[string]string{"username": "boss", "password": "wrong"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/auth/login", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body, _ = json.Marshal(map[string]string{"username": "boss", "password": "hunter22"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/auth/login", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	// The token opens authenticated routes.
	req := httptest.NewRequest("GET", "/api/auth/check", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// No token: rejected.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/auth/check", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
