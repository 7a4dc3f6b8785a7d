package recorder

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
)

var errStoreDown = errors.New("store down")

type memStore struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*model.ExamAttempt
	log      []Kind
	failures int
	down     bool
}

func newMemStore() *memStore {
	return &memStore{attempts: make(map[uuid.UUID]*model.ExamAttempt)}
}

func (s *memStore) fail() error {
	if s.down {
		return errStoreDown
	}
	if s.failures > 0 {
		s.failures--
		return errStoreDown
	}
	return nil
}

func (s *memStore) Create(_ context.Context, a *model.ExamAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.attempts[a.ID] = a.Clone()
	s.log = append(s.log, KindCreate)
	return nil
}

func (s *memStore) Update(_ context.Context, id uuid.UUID, p model.AttemptPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	a, ok := s.attempts[id]
	if !ok {
		return errors.New("not found")
	}
	if _, err := a.Apply(p, time.Now()); err != nil {
		return err
	}
	s.log = append(s.log, KindPatch)
	return nil
}

func (s *memStore) Finalize(_ context.Context, id uuid.UUID, f model.Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	a, ok := s.attempts[id]
	if !ok {
		return errors.New("not found")
	}
	if err := a.Finalize(f, time.Now()); err != nil {
		return err
	}
	s.log = append(s.log, KindFinish)
	return nil
}

func (s *memStore) get(id uuid.UUID) *model.ExamAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attempts[id]; ok {
		return a.Clone()
	}
	return nil
}

type memSpill struct {
	mu     sync.Mutex
	writes []Write
}

func (q *memSpill) Push(_ context.Context, w Write) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.writes = append(q.writes, w)
	return nil
}

func (q *memSpill) kinds() []Kind {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Kind, len(q.writes))
	for i, w := range q.writes {
		out[i] = w.Kind
	}
	return out
}

func newTestRecorder(store Store, spill SpillQueue, strict bool) *Recorder {
	return New(store, spill, Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, invariant.New(strict, zerolog.Nop()), zerolog.Nop())
}

func flush(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

var spec = model.ExamSpec{
	Title:          "Exam day",
	ExamType:       model.ExamTypeExamDay,
	QuestionIDs:    []string{"q1", "q2", "q3", "q4"},
	SessionCount:   2,
	SessionMinutes: 157.5,
}

func sessionResult(n int, ids []string, answers map[string]model.Letter) model.SessionResult {
	return model.SessionResult{
		Session:       n,
		QuestionIDs:   ids,
		Answers:       answers,
		QuestionTimes: map[string]float64{ids[0]: 3},
	}
}

func TestRecorderPersistsInOrder(t *testing.T) {
	store := newMemStore()
	r := newTestRecorder(store, &memSpill{}, true)

	id, err := r.OnAttemptStart(context.Background(), model.SessionContext{UserID: 3}, spec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	r.OnSessionComplete(id, sessionResult(1, []string{"q1", "q2"}, map[string]model.Letter{"q1": model.LetterA}), model.PhaseBreak)
	r.OnSessionComplete(id, sessionResult(2, []string{"q3", "q4"}, map[string]model.Letter{"q3": model.LetterC}), model.PhaseResults)
	r.OnAttemptFinish(id, model.ScoreReport{RawScore: 2, TotalQuestions: 4, StandardPassScore: 3}, 90*time.Minute)
	flush(t, r)

	want := []Kind{KindCreate, KindPatch, KindPatch, KindFinish}
	if len(store.log) != len(want) {
		t.Fatalf("expected writes %v, got %v", want, store.log)
	}
	for i := range want {
		if store.log[i] != want[i] {
			t.Fatalf("expected writes %v, got %v", want, store.log)
		}
	}

	a := store.get(id)
	if !a.Completed || a.RawScore != 2 || a.SessionsCompleted != 2 {
		t.Errorf("unexpected stored attempt %+v", a)
	}
	if len(a.Answers) != 2 || a.TimeTakenMinutes != 90 {
		t.Errorf("unexpected merged data answers=%v taken=%v", a.Answers, a.TimeTakenMinutes)
	}
}

func TestRecorderRetriesTransientFailures(t *testing.T) {
	store := newMemStore()
	store.failures = 2
	spill := &memSpill{}
	r := newTestRecorder(store, spill, true)

	id, err := r.OnAttemptStart(context.Background(), model.SessionContext{UserID: 3}, spec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	flush(t, r)

	if store.get(id) == nil {
		t.Fatal("expected attempt to be created after retries")
	}
	if len(spill.kinds()) != 0 {
		t.Errorf("nothing should spill, got %v", spill.kinds())
	}
}

func TestRecorderSpillsWholeLaneInOrder(t *testing.T) {
	store := newMemStore()
	store.down = true
	spill := &memSpill{}
	r := newTestRecorder(store, spill, true)

	id, err := r.OnAttemptStart(context.Background(), model.SessionContext{UserID: 3}, spec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	flush(t, r)

	store.mu.Lock()
	store.down = false
	store.mu.Unlock()

	r.OnSessionComplete(id, sessionResult(1, []string{"q1", "q2"}, map[string]model.Letter{"q1": model.LetterA}), model.PhaseBreak)
	r.OnAttemptFinish(id, model.ScoreReport{RawScore: 1, TotalQuestions: 4, StandardPassScore: 3}, time.Hour)

	other, err := r.OnAttemptStart(context.Background(), model.SessionContext{UserID: 4}, spec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	flush(t, r)

	got := spill.kinds()
	want := []Kind{KindCreate, KindPatch, KindFinish}
	if len(got) != len(want) {
		t.Fatalf("expected spilled %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected spilled %v, got %v", want, got)
		}
	}
	for _, w := range spill.writes {
		if w.AttemptID != id {
			t.Errorf("spill contains a write for another attempt: %s", w.AttemptID)
		}
	}
	if store.get(id) != nil {
		t.Error("spilled attempt should not reach the store out of order")
	}
	if store.get(other) == nil {
		t.Error("healthy attempt should be persisted directly")
	}
}

func TestRecorderRejectsSecondFinish(t *testing.T) {
	t.Run("lenient", func(t *testing.T) {
		store := newMemStore()
		r := newTestRecorder(store, &memSpill{}, false)
		id, _ := r.OnAttemptStart(context.Background(), model.SessionContext{UserID: 3}, spec)

		r.OnAttemptFinish(id, model.ScoreReport{RawScore: 1, TotalQuestions: 4}, time.Minute)
		r.OnAttemptFinish(id, model.ScoreReport{RawScore: 4, TotalQuestions: 4}, time.Minute)
		flush(t, r)

		if a := store.get(id); a.RawScore != 1 {
			t.Errorf("second finish overwrote the score: %d", a.RawScore)
		}
		finishes := 0
		for _, k := range store.log {
			if k == KindFinish {
				finishes++
			}
		}
		if finishes != 1 {
			t.Errorf("expected one finalize, got %d", finishes)
		}
	})

	t.Run("strict", func(t *testing.T) {
		r := newTestRecorder(newMemStore(), &memSpill{}, true)
		id, _ := r.OnAttemptStart(context.Background(), model.SessionContext{UserID: 3}, spec)
		r.OnAttemptFinish(id, model.ScoreReport{TotalQuestions: 4}, time.Minute)

		defer func() {
			if recover() == nil {
				t.Error("expected a panic on double finish in strict mode")
			}
			flush(t, r)
		}()
		r.OnAttemptFinish(id, model.ScoreReport{TotalQuestions: 4}, time.Minute)
	})
}

func TestRecorderApplyCannotComplete(t *testing.T) {
	store := newMemStore()
	r := newTestRecorder(store, &memSpill{}, false)
	id, _ := r.OnAttemptStart(context.Background(), model.SessionContext{UserID: 3}, spec)

	idx := 2
	r.Apply(id, model.AttemptPatch{Phase: model.PhaseResults, LiveIndex: &idx})
	flush(t, r)

	a := store.get(id)
	if a.Completed || a.Phase == model.PhaseResults {
		t.Errorf("apply moved the attempt to results: completed=%v phase=%s", a.Completed, a.Phase)
	}
	if a.LiveIndex != 2 {
		t.Errorf("rest of the patch should still apply, live index %d", a.LiveIndex)
	}
}

func TestRecorderIgnoresWritesAfterCompletion(t *testing.T) {
	store := newMemStore()
	spill := &memSpill{}
	r := newTestRecorder(store, spill, true)
	id, _ := r.OnAttemptStart(context.Background(), model.SessionContext{UserID: 3}, spec)
	r.OnAttemptFinish(id, model.ScoreReport{TotalQuestions: 4}, time.Minute)
	r.OnCheckpoint(id, model.AttemptPatch{Answers: map[string]model.Letter{"q1": model.LetterB}})
	flush(t, r)

	if a := store.get(id); len(a.Answers) != 0 {
		t.Errorf("completed attempt changed: %v", a.Answers)
	}
	if len(spill.kinds()) != 0 {
		t.Errorf("late write should not spill, got %v", spill.kinds())
	}
}

func TestRecorderCloseRejectsNewAttempts(t *testing.T) {
	r := newTestRecorder(newMemStore(), &memSpill{}, true)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := r.OnAttemptStart(context.Background(), model.SessionContext{UserID: 1}, spec); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// stuckStore blocks every call until the caller's context ends.
type stuckStore struct{ *memStore }

func (s stuckStore) Create(ctx context.Context, _ *model.ExamAttempt) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRecorderFlushGivesUpWhenContextEnds(t *testing.T) {
	spill := &memSpill{}
	r := newTestRecorder(stuckStore{newMemStore()}, spill, true)
	if _, err := r.OnAttemptStart(context.Background(), model.SessionContext{UserID: 1}, spec); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	begin := time.Now()
	if err := r.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if waited := time.Since(begin); waited > time.Second {
		t.Errorf("flush outlived its context by %v", waited)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer closeCancel()
	if err := r.Close(closeCtx); err == nil {
		t.Fatal("expected close to report the stuck write")
	}

	// Close cut the stuck write short, so nothing is left to wait for.
	flush(t, r)
	if got := spill.kinds(); len(got) != 1 || got[0] != KindCreate {
		t.Errorf("expected the create to be spilled, got %v", got)
	}
}
