package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/synthmatch/internal/config"
	"github.com/copyleftdev/synthmatch/internal/logging"
	"github.com/copyleftdev/synthmatch/internal/metrics"
	"github.com/copyleftdev/synthmatch/internal/storage"
)

// testConfig creates a test configuration with a short render and a small
// search.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{Environment: "test"}

	cfg.HTTP.Port = 8080
	cfg.HTTP.MaxUploadBytes = 1 << 20

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"

	cfg.Database.Type = "memory"

	cfg.Search.Estimator = "ga"
	cfg.Search.PopSize = 6
	cfg.Search.Generations = 2
	cfg.Search.Workers = 1
	cfg.Search.Metric = "mae"
	cfg.Search.MaxJobs = 1

	cfg.Synth.Engine = "fm"
	cfg.Synth.SampleRate = 8000
	cfg.Synth.MIDINote = 57
	cfg.Synth.Velocity = 127
	cfg.Synth.NoteSecs = 0.1
	cfg.Synth.RenderSecs = 0.2
	cfg.Synth.Clamp = true

	cfg.RateLimit.RPS = 100
	cfg.RateLimit.Burst = 100

	require.NoError(t, cfg.Validate())
	return cfg
}

// testLogger creates a test logger
func testLogger(t *testing.T) *logging.Logger {
	logger, closer, err := logging.NewLogger(logging.Config{
		Level:  "debug",
		Format: "text",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	t.Cleanup(func() { closer.Close() })
	return logger
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) (*Server, http.Handler) {
	t.Helper()
	factory, err := cfg.SynthFactory()
	require.NoError(t, err)

	srv, err := NewServer(cfg, testLogger(t), factory, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

// targetWAV renders a patch of the configured synthesizer and returns it as
// WAV bytes together with the file path.
func targetWAV(t *testing.T, cfg *config.Config) ([]byte, string) {
	t.Helper()
	factory, err := cfg.SynthFactory()
	require.NoError(t, err)
	s, err := factory()
	require.NoError(t, err)
	require.NoError(t, s.SetPatch([]float64{0.1, 0.3, 0.5, 0, 0.4, 0.9, 0.2, 0.6, 0.8, 0.7}))
	require.NoError(t, s.Render())
	buf, err := s.Audio()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "target.wav")
	require.NoError(t, buf.SaveWAV(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data, path
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, bytes.NewReader(body)))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out), rr.Body.String())
	return out
}

func waitForStatus(t *testing.T, h http.Handler, id string, want storage.Status) map[string]interface{} {
	t.Helper()
	var last map[string]interface{}
	require.Eventually(t, func() bool {
		rr := do(t, h, http.MethodGet, "/api/v1/match/"+id, nil)
		if rr.Code != http.StatusOK {
			return false
		}
		last = decode(t, rr)
		return last["status"] == string(want)
	}, 10*time.Second, 10*time.Millisecond)
	return last
}

func TestNewServer(t *testing.T) {
	cfg := testConfig(t)
	srv, _ := newTestServer(t, cfg)
	assert.NotNil(t, srv, "Server should be created")

	_, err := NewServer(cfg, testLogger(t), nil)
	assert.Error(t, err)
}

func TestRegisterRoutes(t *testing.T) {
	_, r := newTestServer(t, testConfig(t))

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/match", true},
		{"GET", "/api/v1/match", true},
		{"GET", "/api/v1/match/123", true},
		{"DELETE", "/api/v1/match/123", true},
		{"GET", "/api/v1/synth/parameters", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false}, // Not registered by server package
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := do(t, r, tt.method, tt.path, nil)
			// A chi 404 means the route is missing; handlers answer with JSON.
			missing := rr.Code == http.StatusNotFound && !strings.Contains(rr.Header().Get("Content-Type"), "json")
			assert.Equal(t, !tt.shouldExist, missing)
		})
	}
}

func TestMatchLifecycle(t *testing.T) {
	cfg := testConfig(t)
	reg := prometheus.NewRegistry()
	_, r := newTestServer(t, cfg, WithMetrics(metrics.New(reg)))
	body, _ := targetWAV(t, cfg)

	rr := do(t, r, http.MethodPost, "/api/v1/match?seed=3&ngen=2&pop_size=6", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	started := decode(t, rr)
	id, _ := started["match_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", started["status"])

	done := waitForStatus(t, r, id, storage.StatusCompleted)
	assert.Equal(t, "ga", done["estimator"])
	assert.Equal(t, 3.0, done["seed"])
	assert.Equal(t, 2.0, done["generations"])
	assert.Len(t, done["patch"], 10)
	assert.Len(t, done["fitness"], 1)
	assert.Greater(t, done["evaluations"], 6.0)

	rr = do(t, r, http.MethodDelete, "/api/v1/match/"+id, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, r, http.MethodGet, "/api/v1/match?limit=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode(t, rr)
	assert.Len(t, list["matches"], 1)

	count, err := testutil.GatherAndCount(reg, "synthmatch_match_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConcurrentMatchStarts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Search.MaxJobs = 2
	cfg.Search.Generations = 1
	_, r := newTestServer(t, cfg)
	body, _ := targetWAV(t, cfg)

	const starts = 4
	ids := make(chan string, starts)
	var wg sync.WaitGroup
	for i := 0; i < starts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/match?seed=1", bytes.NewReader(body)))
			if !assert.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String()) {
				return
			}
			var started map[string]interface{}
			if assert.NoError(t, json.NewDecoder(rr.Body).Decode(&started)) {
				assert.Equal(t, "pending", started["status"], "the returned record is the queued snapshot")
				ids <- started["match_id"].(string)
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := 0
	for id := range ids {
		waitForStatus(t, r, id, storage.StatusCompleted)
		seen++
	}
	assert.Equal(t, starts, seen)
}

func TestMatchSettingsKeepExplicitZero(t *testing.T) {
	s, _ := newTestServer(t, testConfig(t))

	req, err := parseMatchQuery(map[string][]string{"ngen": {"0"}, "cxpb": {"0"}, "mutpb": {"0"}})
	require.NoError(t, err)
	set := s.settings(req)
	require.NotNil(t, set.Search.Generations)
	require.NotNil(t, set.Search.CrossoverProb)
	require.NotNil(t, set.Search.MutationProb)
	assert.Zero(t, *set.Search.Generations)
	assert.Zero(t, *set.Search.CrossoverProb)
	assert.Zero(t, *set.Search.MutationProb)

	req, err = parseMatchQuery(map[string][]string{})
	require.NoError(t, err)
	set = s.settings(req)
	assert.Equal(t, 2, set.Search.NumGenerations(), "service configuration")
	assert.Nil(t, set.Search.CrossoverProb, "estimator default")
}

func TestMatchMultiObjective(t *testing.T) {
	cfg := testConfig(t)
	_, r := newTestServer(t, cfg)
	body, _ := targetWAV(t, cfg)

	rr := do(t, r, http.MethodPost, "/api/v1/match?estimator=nsga3&seed=5", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	id := decode(t, rr)["match_id"].(string)

	done := waitForStatus(t, r, id, storage.StatusCompleted)
	assert.Equal(t, "nsga3", done["estimator"])
	assert.Len(t, done["fitness"], 2)
}

func TestMatchStartRejectsBadInput(t *testing.T) {
	cfg := testConfig(t)
	_, r := newTestServer(t, cfg)
	body, _ := targetWAV(t, cfg)

	tests := []struct {
		name  string
		query string
		body  []byte
		code  int
	}{
		{"not a wav", "", []byte("RIFF????"), http.StatusBadRequest},
		{"bad seed", "?seed=abc", body, http.StatusBadRequest},
		{"bad cxpb", "?cxpb=x", body, http.StatusBadRequest},
		{"unknown estimator", "?estimator=pso", body, http.StatusBadRequest},
		{"ga with two features", "?features=fft,spectral", body, http.StatusBadRequest},
		{"probability out of range", "?mutpb=1.5", body, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, http.MethodPost, "/api/v1/match"+tt.query, tt.body)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
			assert.Contains(t, decode(t, rr), "error")
		})
	}

	rr := do(t, r, http.MethodGet, "/api/v1/match?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, r, http.MethodGet, "/api/v1/match/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, r, http.MethodDelete, "/api/v1/match/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMatchStartRateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.RPS = 0.001
	cfg.RateLimit.Burst = 1
	_, r := newTestServer(t, cfg)

	rr := do(t, r, http.MethodPost, "/api/v1/match", []byte("junk"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, r, http.MethodPost, "/api/v1/match", []byte("junk"))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestMatchUploadTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.MaxUploadBytes = 16
	_, r := newTestServer(t, cfg)
	body, _ := targetWAV(t, cfg)

	rr := do(t, r, http.MethodPost, "/api/v1/match", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestCancelPendingMatch(t *testing.T) {
	cfg := testConfig(t)
	srv, r := newTestServer(t, cfg)
	body, _ := targetWAV(t, cfg)

	// Occupy the only slot so the job stays pending.
	srv.slots <- struct{}{}

	rr := do(t, r, http.MethodPost, "/api/v1/match", body)
	require.Equal(t, http.StatusAccepted, rr.Code)
	id := decode(t, rr)["match_id"].(string)

	rr = do(t, r, http.MethodDelete, "/api/v1/match/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "cancelled", decode(t, rr)["status"])

	<-srv.slots
	require.NoError(t, srv.Close())

	rec, ok, err := srv.store.GetMatch(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.StatusCancelled, rec.Status)
	assert.Empty(t, rec.Patch)

	rr = do(t, r, http.MethodPost, "/api/v1/match", body)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestResultsOutliveServer(t *testing.T) {
	cfg := testConfig(t)
	store := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "matches.db"))
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	first, r := newTestServer(t, cfg, WithStore(store))
	body, _ := targetWAV(t, cfg)
	rr := do(t, r, http.MethodPost, "/api/v1/match?seed=11", body)
	require.Equal(t, http.StatusAccepted, rr.Code)
	id := decode(t, rr)["match_id"].(string)
	waitForStatus(t, r, id, storage.StatusCompleted)
	require.NoError(t, first.Close())

	_, r2 := newTestServer(t, cfg, WithStore(store))
	rr = do(t, r2, http.MethodGet, "/api/v1/match/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode(t, rr)
	assert.Equal(t, "completed", got["status"])
	assert.Len(t, got["patch"], 10)
}

func TestParameters(t *testing.T) {
	cfg := testConfig(t)
	cfg.Synth.Overrides = "0:0.5"
	_, r := newTestServer(t, cfg)

	rr := do(t, r, http.MethodGet, "/api/v1/synth/parameters", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode(t, rr)
	assert.Equal(t, "fm", got["engine"])
	assert.Len(t, got["parameters"], 10)
	assert.Len(t, got["overridden"], 1)
	assert.Equal(t, 9.0, got["free"])
}

func rpc(t *testing.T, h http.Handler, method string, params ...interface{}) map[string]interface{} {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method, "params": params}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	rr := do(t, h, http.MethodPost, "/rpc", body)
	require.Equal(t, http.StatusOK, rr.Code)
	return decode(t, rr)
}

func TestJSONRPC(t *testing.T) {
	cfg := testConfig(t)
	_, r := newTestServer(t, cfg)
	_, path := targetWAV(t, cfg)

	resp := rpc(t, r, "match.start", map[string]interface{}{"target": path, "seed": 2, "ngen": 1})
	require.Nil(t, resp["error"], resp)
	result := resp["result"].(map[string]interface{})
	id := result["match_id"].(string)

	waitForStatus(t, r, id, storage.StatusCompleted)
	resp = rpc(t, r, "match.status", map[string]interface{}{"match_id": id})
	status := resp["result"].(map[string]interface{})
	assert.Equal(t, "completed", status["status"])
	assert.Equal(t, 1.0, status["generations"])

	resp = rpc(t, r, "match.cancel", map[string]interface{}{"match_id": id})
	assert.Equal(t, -32000.0, resp["error"].(map[string]interface{})["code"])

	resp = rpc(t, r, "match.list")
	assert.Len(t, resp["result"], 1)

	resp = rpc(t, r, "synth.parameters")
	assert.Equal(t, 10.0, resp["result"].(map[string]interface{})["free"])

	tests := []struct {
		method string
		params []interface{}
		code   float64
	}{
		{"match.start", nil, -32602},
		{"match.start", []interface{}{map[string]interface{}{}}, -32602},
		{"match.start", []interface{}{map[string]interface{}{"target": "/missing.wav"}}, -32602},
		{"match.status", []interface{}{"not-an-object"}, -32602},
		{"match.status", []interface{}{map[string]interface{}{"match_id": "nope"}}, -32000},
		{"optimization.start", nil, -32601},
	}
	for _, tt := range tests {
		resp := rpc(t, r, tt.method, tt.params...)
		errObj, ok := resp["error"].(map[string]interface{})
		require.True(t, ok, "%s: %v", tt.method, resp)
		assert.Equal(t, tt.code, errObj["code"], tt.method)
	}

	rr := do(t, r, http.MethodPost, "/rpc", []byte("{"))
	assert.Equal(t, -32700.0, decode(t, rr)["error"].(map[string]interface{})["code"])
	rr = do(t, r, http.MethodPost, "/rpc", []byte(`{"jsonrpc":"1.0","method":"match.list"}`))
	assert.Equal(t, -32600.0, decode(t, rr)["error"].(map[string]interface{})["code"])
}

func TestRespondWithError(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t))

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
	}{
		{"valid error response", -32602, "invalid input", "123", "123"},
		{"nil id", -32000, "server error", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			assert.Equal(t, http.StatusOK, rr.Code, "JSON-RPC errors travel in the body")

			response := decode(t, rr)
			errObj, ok := response["error"].(map[string]interface{})
			require.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"])
			assert.Equal(t, tt.message, errObj["message"])
			assert.Equal(t, tt.expectedID, response["id"])
		})
	}
}
