package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-simulator/internal/invariant"
	"github.com/stemsi/exstem-simulator/internal/model"
	"github.com/stemsi/exstem-simulator/internal/scoring"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeTime struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeTime() *fakeTime { return &fakeTime{now: t0} }

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func question(id string, key model.Letter) model.Question {
	return model.Question{
		ID:            id,
		QuestionText:  "question " + id,
		Options:       [model.OptionCount]string{"a", "b", "c", "d", "e"},
		CorrectAnswer: key,
		Subject:       "general",
	}
}

type fakeQuestions struct {
	byID map[string]model.Question
	err  error
}

func newFakeQuestions(qs ...model.Question) *fakeQuestions {
	f := &fakeQuestions{byID: make(map[string]model.Question)}
	for _, q := range qs {
		f.byID[q.ID] = q
	}
	return f
}

// GetQuestionsByIDs returns the matches in reverse order so callers must re-sort.
func (f *fakeQuestions) GetQuestionsByIDs(_ context.Context, ids []string) ([]model.Question, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Question
	for i := len(ids) - 1; i >= 0; i-- {
		if q, ok := f.byID[ids[i]]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

type fakeEntitlement struct {
	mu      sync.Mutex
	credits int
	calls   int
	err     error
}

func (f *fakeEntitlement) ConsumeSimulatorCredit(_ context.Context, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if f.credits <= 0 {
		return false, nil
	}
	f.credits--
	return true, nil
}

// memRecorder applies every write synchronously to an in-memory attempt.
type memRecorder struct {
	mu       sync.Mutex
	now      func() time.Time
	attempts map[uuid.UUID]*model.ExamAttempt
	starts   int
	finishes int
	sessions []int
}

func newMemRecorder(now func() time.Time) *memRecorder {
	return &memRecorder{now: now, attempts: make(map[uuid.UUID]*model.ExamAttempt)}
}

func (r *memRecorder) OnAttemptStart(_ context.Context, user model.SessionContext, spec model.ExamSpec) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.attempts[id] = model.NewAttempt(id, user.UserID, spec, r.now())
	r.starts++
	return id, nil
}

func (r *memRecorder) OnSessionComplete(id uuid.UUID, res model.SessionResult, next model.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, res.Session)
	if _, err := r.attempts[id].Apply(res.Patch(next), r.now()); err != nil {
		panic(err)
	}
}

func (r *memRecorder) OnCheckpoint(id uuid.UUID, patch model.AttemptPatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.attempts[id].Apply(patch, r.now()); err != nil {
		panic(err)
	}
}

func (r *memRecorder) OnAttemptFinish(id uuid.UUID, report model.ScoreReport, taken time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishes++
	err := r.attempts[id].Finalize(model.Finalization{Report: report, TimeTakenMinutes: taken.Minutes()}, r.now())
	if err != nil {
		panic(err)
	}
}

func (r *memRecorder) attempt(id uuid.UUID) *model.ExamAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id].Clone()
}

type harness struct {
	clock       *fakeTime
	questions   *fakeQuestions
	entitlement *fakeEntitlement
	recorder    *memRecorder
}

func newHarness(qs ...model.Question) *harness {
	clk := newFakeTime()
	return &harness{
		clock:       clk,
		questions:   newFakeQuestions(qs...),
		entitlement: &fakeEntitlement{credits: 1},
		recorder:    newMemRecorder(clk.Now),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Questions:    h.questions,
		Entitlement:  h.entitlement,
		Recorder:     h.recorder,
		Policy:       scoring.DefaultPolicy,
		MinPoolSize:  1,
		Now:          h.clock.Now,
		TickInterval: -1,
		Guard:        invariant.New(true, zerolog.Nop()),
		Log:          zerolog.Nop(),
	}
}

func (h *harness) setup(t *testing.T, spec model.ExamSpec) *ExamSessionController {
	t.Helper()
	e := NewExamSessionController(h.deps())
	if err := e.Setup(context.Background(), model.SessionContext{UserID: 7}, spec); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return e
}

// poll drives the running session's clock once, as the background poller would.
func poll(e *ExamSessionController) {
	e.mu.Lock()
	sc, err := e.active()
	e.mu.Unlock()
	if err == nil {
		sc.clock.Check()
	}
}

func mustNot(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
