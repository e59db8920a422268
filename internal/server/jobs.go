package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/synthmatch/internal/audio"
	"github.com/copyleftdev/synthmatch/internal/match"
	"github.com/copyleftdev/synthmatch/internal/optimization"
	"github.com/copyleftdev/synthmatch/internal/storage"
)

// matchRequest carries per-request search overrides. Absent fields and a
// zero population size fall back to the service configuration.
type matchRequest struct {
	Target        string   `json:"target"`
	Estimator     string   `json:"estimator"`
	Seed          *int64   `json:"seed"`
	PopSize       int      `json:"pop_size"`
	Generations   *int     `json:"ngen"`
	CrossoverProb *float64 `json:"cxpb"`
	MutationProb  *float64 `json:"mutpb"`
	Features      []string `json:"features"`
	Metric        string   `json:"metric"`
}

func (s *Server) settings(req matchRequest) match.Settings {
	search := s.cfg.SearchConfig()
	if req.Seed != nil {
		search.Seed = *req.Seed
	}
	if req.PopSize != 0 {
		search.PopSize = req.PopSize
	}
	if req.Generations != nil {
		search.Generations = req.Generations
	}
	if req.CrossoverProb != nil {
		search.CrossoverProb = req.CrossoverProb
	}
	if req.MutationProb != nil {
		search.MutationProb = req.MutationProb
	}

	set := match.Settings{
		Estimator: s.cfg.Search.Estimator,
		Search:    search,
		Features:  s.cfg.Search.Features,
		Metric:    s.cfg.Search.Metric,
	}
	if req.Estimator != "" {
		set.Estimator = req.Estimator
		set.Features = nil
	}
	if len(req.Features) > 0 {
		set.Features = req.Features
	}
	if req.Metric != "" {
		set.Metric = req.Metric
	}
	return set
}

// job is one background match. Its record is guarded by Server.jobsMu;
// saveMu orders the writes of its snapshots to the store.
type job struct {
	record    storage.MatchRecord
	cancelled bool
	saveMu    sync.Mutex
}

func (j *job) cancel(now time.Time) {
	j.cancelled = true
	j.record.Status = storage.StatusCancelled
	j.record.UpdatedAt = now
}

// startMatch validates the request, builds the matcher and queues the search.
// Configuration errors are returned before anything is stored.
func (s *Server) startMatch(ctx context.Context, req matchRequest, target *audio.Buffer) (storage.MatchRecord, error) {
	if err := target.Validate(); err != nil {
		return storage.MatchRecord{}, badRequest(err)
	}

	id := uuid.NewString()
	set := s.settings(req)
	j := &job{}

	opts := []match.Option{
		match.WithLogger(s.zap.With(zap.String("match_id", id))),
		match.WithObserver(optimization.ObserverFunc(func(_ string, rec optimization.Record) {
			s.jobsMu.Lock()
			j.record.Generations = rec.Gen
			j.record.Evaluations += rec.Evals
			j.record.UpdatedAt = time.Now().UTC()
			s.jobsMu.Unlock()
		})),
	}
	if s.metrics != nil {
		opts = append(opts, match.WithObserver(s.metrics))
	}
	matcher, err := match.Build(s.factory, set, opts...)
	if err != nil {
		return storage.MatchRecord{}, badRequest(err)
	}

	now := time.Now().UTC()
	j.record = storage.MatchRecord{
		ID:        id,
		Status:    storage.StatusPending,
		Estimator: matcher.Estimator().Name(),
		Target:    req.Target,
		Seed:      set.Search.Seed,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.jobsMu.Lock()
	if s.closed {
		s.jobsMu.Unlock()
		return storage.MatchRecord{}, errClosed
	}
	s.jobs[id] = j
	s.wg.Add(1)
	s.jobsMu.Unlock()

	if err := s.persist(ctx, j); err != nil {
		s.jobsMu.Lock()
		delete(s.jobs, id)
		s.jobsMu.Unlock()
		s.wg.Done()
		return storage.MatchRecord{}, err
	}

	s.jobsMu.RLock()
	rec := j.record
	s.jobsMu.RUnlock()

	s.logger.Info("Match queued", map[string]interface{}{
		"match_id":  id,
		"estimator": rec.Estimator,
		"seed":      rec.Seed,
	})
	go s.run(j, matcher, target)
	return rec, nil
}

// run executes the search once a slot is free. A job cancelled meanwhile
// keeps its cancelled state and the search result is dropped.
func (s *Server) run(j *job, matcher *match.Matcher, target *audio.Buffer) {
	defer s.wg.Done()

	s.slots <- struct{}{}
	defer func() { <-s.slots }()

	s.jobsMu.Lock()
	if j.cancelled {
		s.jobsMu.Unlock()
		return
	}
	j.record.Status = storage.StatusRunning
	j.record.UpdatedAt = time.Now().UTC()
	id, estimator := j.record.ID, j.record.Estimator
	s.jobsMu.Unlock()
	s.save(j)

	if s.metrics != nil {
		s.metrics.JobStarted()
	}
	start := time.Now()
	result, err := matcher.Match(target)
	elapsed := time.Since(start)

	s.jobsMu.Lock()
	now := time.Now().UTC()
	switch {
	case j.cancelled:
		s.logger.Info("Cancelled match finished, result discarded", map[string]interface{}{"match_id": id})
	case err != nil:
		j.record.Status = storage.StatusFailed
		j.record.Error = err.Error()
		j.record.UpdatedAt = now
		s.logger.Error("Match failed", map[string]interface{}{"match_id": id, "error": err.Error()})
	default:
		j.record.Status = storage.StatusCompleted
		j.record.Patch = result.Patch
		j.record.Fitness = result.Fitness
		j.record.Evaluations = result.Result.Evaluations
		j.record.Generations = len(result.Result.Logbook) - 1
		j.record.UpdatedAt = now
		s.logger.Info("Match completed", map[string]interface{}{
			"match_id":   id,
			"fitness":    result.Fitness,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
	status := j.record.Status
	s.jobsMu.Unlock()
	s.save(j)

	if s.metrics != nil {
		s.metrics.JobFinished(estimator, string(status), elapsed)
	}
}

// persist writes the latest snapshot of j to the store.
func (s *Server) persist(ctx context.Context, j *job) error {
	j.saveMu.Lock()
	defer j.saveMu.Unlock()

	s.jobsMu.RLock()
	rec := j.record
	s.jobsMu.RUnlock()
	return s.store.SaveMatch(ctx, rec)
}

func (s *Server) save(j *job) {
	if err := s.persist(context.Background(), j); err != nil {
		s.jobsMu.RLock()
		id := j.record.ID
		s.jobsMu.RUnlock()
		s.logger.Error("Failed to persist match", map[string]interface{}{
			"match_id": id,
			"error":    err.Error(),
		})
	}
}

// matchStatus returns the live record of a job of this process, or the
// stored record of an older one.
func (s *Server) matchStatus(ctx context.Context, id string) (storage.MatchRecord, error) {
	s.jobsMu.RLock()
	j, ok := s.jobs[id]
	var rec storage.MatchRecord
	if ok {
		rec = j.record
	}
	s.jobsMu.RUnlock()
	if ok {
		return rec, nil
	}

	rec, found, err := s.store.GetMatch(ctx, id)
	if err != nil {
		return storage.MatchRecord{}, err
	}
	if !found {
		return storage.MatchRecord{}, errNotFound
	}
	return rec, nil
}

func (s *Server) cancelMatch(ctx context.Context, id string) (storage.MatchRecord, error) {
	s.jobsMu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.jobsMu.Unlock()
		if _, err := s.matchStatus(ctx, id); err != nil {
			return storage.MatchRecord{}, err
		}
		return storage.MatchRecord{}, errNotCancellable
	}
	if j.record.Status.Terminal() {
		s.jobsMu.Unlock()
		return storage.MatchRecord{}, errNotCancellable
	}
	j.cancel(time.Now().UTC())
	rec := j.record
	s.jobsMu.Unlock()

	if err := s.persist(ctx, j); err != nil {
		return storage.MatchRecord{}, err
	}
	s.logger.Info("Match cancelled", map[string]interface{}{"match_id": id})
	return rec, nil
}

func (s *Server) listMatches(ctx context.Context, limit int) ([]storage.MatchRecord, error) {
	recs, err := s.store.ListMatches(ctx, limit)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []storage.MatchRecord{}
	}
	return recs, nil
}
