package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-simulator/internal/config"
	"github.com/stemsi/exstem-simulator/internal/engine"
	"github.com/stemsi/exstem-simulator/internal/invariant"
	"github.com/stemsi/exstem-simulator/internal/model"
	"github.com/stemsi/exstem-simulator/internal/recorder"
	"github.com/stemsi/exstem-simulator/internal/repository"
	"github.com/stemsi/exstem-simulator/internal/scoring"
)

var now = time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC)

type memQuestions map[string]model.Question

func (m memQuestions) GetQuestionsByIDs(_ context.Context, ids []string) ([]model.Question, error) {
	var out []model.Question
	for _, id := range ids {
		if q, ok := m[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

type noCredits struct{}

func (noCredits) ConsumeSimulatorCredit(context.Context, int) (bool, error) { return false, nil }

// memAttempts is both the recorder's store and the service's reader.
type memAttempts struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*model.ExamAttempt
}

func (m *memAttempts) Create(_ context.Context, a *model.ExamAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[a.ID]; !ok {
		m.attempts[a.ID] = a.Clone()
	}
	return nil
}

func (m *memAttempts) Update(_ context.Context, id uuid.UUID, p model.AttemptPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return repository.ErrAttemptNotFound
	}
	_, err := a.Apply(p, now)
	return err
}

func (m *memAttempts) Finalize(_ context.Context, id uuid.UUID, f model.Finalization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return repository.ErrAttemptNotFound
	}
	return a.Finalize(f, now)
}

func (m *memAttempts) GetByID(_ context.Context, id uuid.UUID) (*model.ExamAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, repository.ErrAttemptNotFound
	}
	return a.Clone(), nil
}

func (m *memAttempts) ListByUser(_ context.Context, userID, limit int) ([]model.ExamAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ExamAttempt
	for _, a := range m.attempts {
		if a.UserID == userID && len(out) < limit {
			out = append(out, *a.Clone())
		}
	}
	return out, nil
}

type env struct {
	store *memAttempts
	cache *repository.SessionCache
	rdb   *redis.Client
	qs    memQuestions
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	qs := memQuestions{}
	for _, q := range []model.Question{
		{ID: "q1", QuestionText: "one", CorrectAnswer: model.LetterA, Subject: "math"},
		{ID: "q2", QuestionText: "two", CorrectAnswer: model.LetterB, Subject: "math", Explanation: "because"},
	} {
		qs[q.ID] = q
	}
	return &env{
		store: &memAttempts{attempts: make(map[uuid.UUID]*model.ExamAttempt)},
		cache: repository.NewSessionCache(rdb),
		rdb:   rdb,
		qs:    qs,
	}
}

// service builds a fresh service over the shared store and cache, as a
// restarted process would.
func (e *env) service(t *testing.T) (*SimulatorService, *recorder.Recorder) {
	t.Helper()
	guard := invariant.New(true, zerolog.Nop())
	rec := recorder.New(e.store, recorder.NewRedisSpillQueue(e.rdb, "test:spill"),
		recorder.Config{MaxRetries: 0, Now: func() time.Time { return now }}, guard, zerolog.Nop())
	t.Cleanup(func() { _ = rec.Close(context.Background()) })

	deps := engine.Deps{
		Questions:    e.qs,
		Entitlement:  noCredits{},
		Policy:       scoring.DefaultPolicy,
		MinPoolSize:  1,
		Now:          func() time.Time { return now },
		TickInterval: -1,
		Guard:        guard,
		Log:          zerolog.Nop(),
	}
	cfg := &config.Config{SessionMinutes: 30, CheckpointInterval: time.Second}
	return NewSimulatorService(cfg, deps, e.store, e.cache, rec, zerolog.Nop()), rec
}

var alice = model.SessionContext{UserID: 1, DisplayName: "Alice"}

func startMock(t *testing.T, svc *SimulatorService) engine.ExamSnapshot {
	t.Helper()
	snap, err := svc.Start(context.Background(), alice, &model.StartExamRequest{
		Title:        "Mock 1",
		ExamType:     "mock",
		QuestionIDs:  []string{"q1", "q2"},
		SessionCount: 1,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return snap
}

func TestStartCachesSessionAndActiveAttempt(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	svc, rec := e.service(t)

	snap := startMock(t, svc)
	if snap.Phase != model.PhaseSession1 || snap.Session == nil {
		t.Fatalf("expected session 1 running, got %+v", snap)
	}
	if snap.Session.RemainingSeconds != 30*60 {
		t.Errorf("expected default 30 minutes, got %d seconds", snap.Session.RemainingSeconds)
	}

	at, ok, err := e.cache.SessionStart(ctx, snap.AttemptID, 1)
	if err != nil || !ok || !at.Equal(now) {
		t.Errorf("expected cached session start %v, got %v ok=%v err=%v", now, at, ok, err)
	}
	active, ok, _ := e.cache.ActiveAttempt(ctx, alice.UserID)
	if !ok || active != snap.AttemptID {
		t.Errorf("expected active attempt %s, got %s", snap.AttemptID, active)
	}

	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	stored, err := e.store.GetByID(ctx, snap.AttemptID)
	if err != nil {
		t.Fatalf("attempt not stored: %v", err)
	}
	if stored.Phase != model.PhaseSession1 || stored.SessionStartedAt[0] == nil {
		t.Errorf("expected stored session start, got %+v", stored)
	}
}

func TestGetRejectsOtherUsers(t *testing.T) {
	e := newEnv(t)
	svc, _ := e.service(t)
	snap := startMock(t, svc)

	_, err := svc.Get(context.Background(), model.SessionContext{UserID: 2}, snap.AttemptID)
	if !errors.Is(err, engine.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	_, err = svc.Get(context.Background(), alice, uuid.New())
	if !errors.Is(err, repository.ErrAttemptNotFound) {
		t.Errorf("expected ErrAttemptNotFound, got %v", err)
	}
}

func TestGetResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	first, rec := e.service(t)
	snap := startMock(t, first)

	ctrl, err := first.Get(ctx, alice, snap.AttemptID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := ctrl.SelectAnswer(model.LetterC); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !ctrl.Checkpoint() {
		t.Fatal("expected a checkpoint")
	}
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	second, _ := e.service(t)
	resumed, err := second.Get(ctx, alice, snap.AttemptID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := resumed.Snapshot()
	if got.Phase != model.PhaseSession1 || got.Session.Answers["q1"] != model.LetterC {
		t.Errorf("expected answer to survive restart, got %+v", got.Session)
	}

	again, err := second.Get(ctx, alice, snap.AttemptID)
	if err != nil || again != resumed {
		t.Errorf("expected the loaded exam to stay live, got %p vs %p (%v)", again, resumed, err)
	}
}

func TestGetFallsBackToCachedSessionStart(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	svc, _ := e.service(t)

	// The session start write never reached the store.
	id := uuid.New()
	spec := model.ExamSpec{Title: "Mock", ExamType: model.ExamTypeMock, QuestionIDs: []string{"q1", "q2"}, SessionCount: 1, SessionMinutes: 30}
	a := model.NewAttempt(id, alice.UserID, spec, now)
	a.Phase = model.PhaseSession1
	e.store.attempts[id] = a

	started := now.Add(-10 * time.Minute)
	if err := e.cache.SetSessionStart(ctx, id, 1, started); err != nil {
		t.Fatalf("cache: %v", err)
	}

	ctrl, err := svc.Get(ctx, alice, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	snap := ctrl.Snapshot()
	if !snap.Session.StartedAt.Equal(started) {
		t.Errorf("expected start %v from cache, got %v", started, snap.Session.StartedAt)
	}
	if snap.Session.RemainingSeconds != 20*60 {
		t.Errorf("expected 20 minutes left, got %d seconds", snap.Session.RemainingSeconds)
	}
}

func TestSweepEvictsSettledExamsAndReloadsResults(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	svc, rec := e.service(t)
	snap := startMock(t, svc)

	ctrl, _ := svc.Get(ctx, alice, snap.AttemptID)
	if err := ctrl.SelectAnswer(model.LetterA); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, err := ctrl.FinishSession(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	svc.sweep()
	svc.mu.RLock()
	_, live := svc.live[snap.AttemptID]
	svc.mu.RUnlock()
	if live {
		t.Fatal("finished and settled exam should be evicted")
	}

	reloaded, err := svc.Get(ctx, alice, snap.AttemptID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	res, err := reloaded.Results()
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if res.RawScore != 1 || res.TotalQuestions != 2 {
		t.Errorf("expected 1/2, got %d/%d", res.RawScore, res.TotalQuestions)
	}

	review, err := svc.Review(ctx, alice, snap.AttemptID)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if len(review.Questions) != 2 || !review.Questions[0].Correct || review.Questions[1].Answer != nil {
		t.Errorf("unexpected review %+v", review.Questions)
	}
	if review.Questions[1].Explanation != "because" {
		t.Errorf("review should carry explanations, got %q", review.Questions[1].Explanation)
	}

	history, err := svc.History(ctx, alice, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || !history[0].Completed || history[0].Results == nil || history[0].Results.RawScore != 1 {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestAbandonClearsActiveAttempt(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	svc, rec := e.service(t)
	snap := startMock(t, svc)

	if err := svc.Abandon(ctx, alice, snap.AttemptID); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, ok, _ := e.cache.ActiveAttempt(ctx, alice.UserID); ok {
		t.Error("active attempt should be cleared")
	}
	if _, ok, err := svc.Active(ctx, alice); ok || err != nil {
		t.Errorf("expected no active exam, got ok=%v err=%v", ok, err)
	}

	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	second, _ := e.service(t)
	if _, err := second.Get(ctx, alice, snap.AttemptID); !errors.Is(err, engine.ErrAttemptAbandoned) {
		t.Errorf("expected ErrAttemptAbandoned after restart, got %v", err)
	}
}

func TestShutdownFlushesLiveExams(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	svc, _ := e.service(t)
	snap := startMock(t, svc)

	ctrl, _ := svc.Get(ctx, alice, snap.AttemptID)
	_ = ctrl.Next()
	events, _ := ctrl.Subscribe()

	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, open := <-events; open {
		t.Error("subscriber channel should be closed on shutdown")
	}

	stored, _ := e.store.GetByID(ctx, snap.AttemptID)
	if stored.LiveIndex != 1 {
		t.Errorf("expected final checkpoint with index 1, got %d", stored.LiveIndex)
	}
}
