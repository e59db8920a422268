package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/copyleftdev/synthmatch/internal/audio"
	"github.com/copyleftdev/synthmatch/internal/config"
	"github.com/copyleftdev/synthmatch/internal/logging"
	"github.com/copyleftdev/synthmatch/internal/metrics"
	"github.com/copyleftdev/synthmatch/internal/patch"
	"github.com/copyleftdev/synthmatch/internal/storage"
	"github.com/copyleftdev/synthmatch/internal/synth"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

var (
	errNotFound       = errors.New("match not found")
	errNotCancellable = errors.New("match already finished")
	errRateLimited    = errors.New("too many match requests")
	errClosed         = errors.New("server is shutting down")
)

// requestError marks errors caused by the client's input.
type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

// Option configures a Server.
type Option func(*Server)

// WithStore sets the result store. The store must be initialized.
func WithStore(store storage.Store) Option {
	return func(s *Server) {
		if store != nil {
			s.store = store
		}
	}
}

// WithMetrics records search and job metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithZapLogger sets the logger handed to the search engines.
func WithZapLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.zap = logger
		}
	}
}

// Server implements the HTTP and JSON-RPC server of the sound matching
// service. It runs match jobs in the background, at most
// cfg.Search.MaxJobs at a time, and persists their outcome.
type Server struct {
	cfg     *config.Config
	logger  Logger
	zap     *zap.Logger
	store   storage.Store
	metrics *metrics.Metrics
	factory synth.Factory

	parameters []patch.Parameter
	overridden patch.Patch

	limiter *rate.Limiter
	slots   chan struct{}

	jobs   map[string]*job
	jobsMu sync.RWMutex // Protects jobs and closed
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a new server instance. factory builds the synthesizer
// sessions of every match job.
func NewServer(cfg *config.Config, logger Logger, factory synth.Factory, opts ...Option) (*Server, error) {
	if factory == nil {
		return nil, fmt.Errorf("synthesizer factory is required")
	}
	session, err := factory()
	if err != nil {
		return nil, fmt.Errorf("creating synthesizer: %w", err)
	}

	maxJobs := cfg.Search.MaxJobs
	if maxJobs < 1 {
		maxJobs = 1
	}
	burst := cfg.RateLimit.Burst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(cfg.RateLimit.RPS)
	if cfg.RateLimit.RPS <= 0 {
		limit = rate.Inf
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		zap:        zap.NewNop(),
		factory:    factory,
		parameters: session.Parameters(),
		overridden: session.Model().Overridden(),
		limiter:    rate.NewLimiter(limit, burst),
		slots:      make(chan struct{}, maxJobs),
		jobs:       make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = storage.NewMemoryStore()
		if err := s.store.Init(context.Background()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/match", s.handleMatchStart)
		r.Get("/match", s.handleMatchList)
		r.Get("/match/{id}", s.handleMatchStatus)
		r.Delete("/match/{id}", s.handleMatchCancel)
		r.Get("/synth/parameters", s.handleParameters)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      interface{}   `json:"id"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "match.start":
		result, err = s.rpcMatchStart(r.Context(), request.Params)
	case "match.status":
		result, err = s.rpcMatchStatus(r.Context(), request.Params)
	case "match.cancel":
		result, err = s.rpcMatchCancel(r.Context(), request.Params)
	case "match.list":
		result, err = s.listMatches(r.Context(), 0)
	case "synth.parameters":
		result = s.parameterInfo()
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	if err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			s.respondWithError(w, -32602, err.Error(), request.ID)
			return
		}
		s.respondWithError(w, -32000, err.Error(), request.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// rpcParams decodes the first positional parameter into v.
func rpcParams(params []interface{}, v interface{}) error {
	if len(params) == 0 {
		return badRequest(fmt.Errorf("missing required parameters"))
	}
	if _, ok := params[0].(map[string]interface{}); !ok {
		return badRequest(fmt.Errorf("invalid parameter format, expected object"))
	}
	raw, err := json.Marshal(params[0])
	if err != nil {
		return badRequest(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return badRequest(fmt.Errorf("invalid parameters: %w", err))
	}
	return nil
}

// rpcMatchStart handles match.start. The target is a WAV file path readable
// by the server.
// Expected parameters: {"target": "/data/sound.wav", "estimator": "nsga3", "seed": 42}
// Returns: {"match_id": "...", "status": "pending"}
func (s *Server) rpcMatchStart(ctx context.Context, params []interface{}) (interface{}, error) {
	var req matchRequest
	if err := rpcParams(params, &req); err != nil {
		return nil, err
	}
	if req.Target == "" {
		return nil, badRequest(fmt.Errorf("target is required"))
	}
	if !s.limiter.Allow() {
		return nil, errRateLimited
	}
	target, err := audio.LoadWAV(req.Target)
	if err != nil {
		return nil, badRequest(err)
	}
	rec, err := s.startMatch(ctx, req, target)
	if err != nil {
		return nil, err
	}
	return startedResponse(rec), nil
}

type idParams struct {
	MatchID string `json:"match_id"`
}

func (p idParams) validate() error {
	if p.MatchID == "" {
		return badRequest(fmt.Errorf("match_id is required"))
	}
	return nil
}

// rpcMatchStatus handles match.status.
// Expected parameters: {"match_id": "..."}
func (s *Server) rpcMatchStatus(ctx context.Context, params []interface{}) (interface{}, error) {
	var p idParams
	if err := rpcParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.matchStatus(ctx, p.MatchID)
}

// rpcMatchCancel handles match.cancel. The running search completes but its
// result is discarded.
// Expected parameters: {"match_id": "..."}
func (s *Server) rpcMatchCancel(ctx context.Context, params []interface{}) (interface{}, error) {
	var p idParams
	if err := rpcParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.cancelMatch(ctx, p.MatchID)
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("RPC error", map[string]interface{}{
		"code":    code,
		"message": message,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}

// handleMatchStart handles POST /api/v1/match. The body is the target WAV;
// search settings come from the query string.
func (s *Server) handleMatchStart(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, errRateLimited)
		return
	}

	req, err := parseMatchQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxUploadBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := audio.DecodeWAV(bytes.NewReader(data))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := s.startMatch(r.Context(), req, target)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, startedResponse(rec))
}

// handleMatchStatus handles GET /api/v1/match/{id}.
func (s *Server) handleMatchStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.matchStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleMatchList handles GET /api/v1/match?limit=n.
func (s *Server) handleMatchList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	recs, err := s.listMatches(r.Context(), limit)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matches": recs})
}

// handleMatchCancel handles DELETE /api/v1/match/{id}.
func (s *Server) handleMatchCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cancelMatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleParameters handles GET /api/v1/synth/parameters.
func (s *Server) handleParameters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.parameterInfo())
}

func (s *Server) parameterInfo() map[string]interface{} {
	return map[string]interface{}{
		"engine":     s.cfg.Synth.Engine,
		"parameters": s.parameters,
		"overridden": s.overridden,
		"free":       len(s.parameters) - len(s.overridden),
	}
}

func startedResponse(rec storage.MatchRecord) map[string]interface{} {
	return map[string]interface{}{
		"match_id": rec.ID,
		"status":   rec.Status,
	}
}

func statusOf(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, errNotCancellable):
		return http.StatusConflict
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

// parseMatchQuery reads search overrides from the query string.
func parseMatchQuery(q map[string][]string) (matchRequest, error) {
	get := func(key string) string {
		if v := q[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	req := matchRequest{
		Estimator: get("estimator"),
		Metric:    get("metric"),
	}
	if raw := get("features"); raw != "" {
		req.Features = strings.Split(raw, ",")
	}
	if raw := get("seed"); raw != "" {
		seed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return req, badRequest(fmt.Errorf("invalid seed %q", raw))
		}
		req.Seed = &seed
	}
	if raw := get("pop_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, badRequest(fmt.Errorf("invalid pop_size %q", raw))
		}
		req.PopSize = n
	}
	if raw := get("ngen"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, badRequest(fmt.Errorf("invalid ngen %q", raw))
		}
		req.Generations = &n
	}
	floats := map[string]**float64{"cxpb": &req.CrossoverProb, "mutpb": &req.MutationProb}
	for key, dst := range floats {
		if raw := get(key); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return req, badRequest(fmt.Errorf("invalid %s %q", key, raw))
			}
			*dst = &v
		}
	}
	return req, nil
}

// Close marks every unfinished job cancelled and waits for the background
// searches to return. Running searches complete before Close returns.
func (s *Server) Close() error {
	s.jobsMu.Lock()
	s.closed = true
	var pending []*job
	now := time.Now().UTC()
	for _, j := range s.jobs {
		if !j.record.Status.Terminal() {
			j.cancel(now)
			pending = append(pending, j)
		}
	}
	s.jobsMu.Unlock()

	var errs []error
	for _, j := range pending {
		if err := s.persist(context.Background(), j); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
