package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stemsi/exstem-simulator/internal/model"
)

func singleSpec(minutes float64, ids ...string) model.ExamSpec {
	return model.ExamSpec{
		Title:          "Mock 1",
		ExamType:       model.ExamTypeMock,
		QuestionIDs:    ids,
		SessionCount:   1,
		SessionMinutes: minutes,
	}
}

func twoSessionSpec(ids ...string) model.ExamSpec {
	return model.ExamSpec{
		Title:          "Exam day",
		ExamType:       model.ExamTypeExamDay,
		QuestionIDs:    ids,
		SessionCount:   2,
		SessionMinutes: 157.5,
	}
}

func TestSingleSessionTimeoutScenario(t *testing.T) {
	h := newHarness(
		question("q1", model.LetterA),
		question("q2", model.LetterC),
		question("q3", model.LetterD),
	)
	e := h.setup(t, singleSpec(2, "q1", "q2", "q3"))

	mustNot(t, e.SelectAnswer(model.LetterA))
	mustNot(t, e.Next())
	mustNot(t, e.SelectAnswer(model.LetterB))
	mustNot(t, e.Next())

	h.clock.Advance(2 * time.Minute)
	poll(e)

	if e.Phase() != model.PhaseResults {
		t.Fatalf("expected results phase after expiry, got %s", e.Phase())
	}
	view, err := e.Results()
	mustNot(t, err)
	if view.RawScore != 1 || view.TotalQuestions != 3 || view.StandardPassScore != 2 {
		t.Errorf("unexpected report %+v", view.ScoreReport)
	}
	if view.Passed {
		t.Error("1/3 should not pass")
	}

	a := h.recorder.attempt(e.AttemptID())
	if !a.Completed {
		t.Fatal("expected attempt to be completed")
	}
	if a.RawScore != 1 || a.StandardPassScore != 2 {
		t.Errorf("unexpected persisted score raw=%d std=%d", a.RawScore, a.StandardPassScore)
	}
	if _, ok := a.Answers["q3"]; ok {
		t.Error("unanswered q3 should be absent")
	}
	if a.TimeTakenMinutes != 2 {
		t.Errorf("expected 2 minutes taken, got %v", a.TimeTakenMinutes)
	}
}

func TestTwoSessionScenario(t *testing.T) {
	h := newHarness(
		question("q1", model.LetterA),
		question("q2", model.LetterB),
		question("q3", model.LetterC),
		question("q4", model.LetterD),
	)
	e := h.setup(t, twoSessionSpec("q1", "q2", "q3", "q4"))

	mustNot(t, e.SelectAnswer(model.LetterA))
	mustNot(t, e.Next())
	mustNot(t, e.SelectAnswer(model.LetterB))
	res, err := e.FinishSession()
	mustNot(t, err)
	if res.CorrectCount != 2 {
		t.Errorf("expected session 1 correct 2, got %d", res.CorrectCount)
	}
	if e.Phase() != model.PhaseBreak {
		t.Fatalf("expected break, got %s", e.Phase())
	}
	if err := e.SelectAnswer(model.LetterA); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("answer during break: expected ErrNoActiveSession, got %v", err)
	}

	mustNot(t, e.Continue())
	if e.Phase() != model.PhaseSession2 {
		t.Fatalf("expected session 2, got %s", e.Phase())
	}
	if snap := e.Snapshot(); snap.CurrentQuestion.ID != "q3" {
		t.Errorf("session 2 should start at q3, got %s", snap.CurrentQuestion.ID)
	}
	mustNot(t, e.SelectAnswer(model.LetterA))
	mustNot(t, e.Next())
	mustNot(t, e.SelectAnswer(model.LetterA))
	_, err = e.FinishSession()
	mustNot(t, err)

	view, err := e.Results()
	mustNot(t, err)
	if view.RawScore != 2 || view.TotalQuestions != 4 || view.StandardPassScore != 3 {
		t.Errorf("unexpected report %+v", view.ScoreReport)
	}
	if view.Passed {
		t.Error("2/4 should not pass at 60%")
	}
	if view.Points != 250 {
		t.Errorf("expected 250 points, got %v", view.Points)
	}

	if !reflect.DeepEqual(h.recorder.sessions, []int{1, 2}) {
		t.Errorf("sessions recorded out of order: %v", h.recorder.sessions)
	}
	if h.entitlement.calls != 1 || h.entitlement.credits != 0 {
		t.Errorf("expected one credit consumed, calls=%d credits=%d", h.entitlement.calls, h.entitlement.credits)
	}

	a := h.recorder.attempt(e.AttemptID())
	spec := map[string]bool{"q1": true, "q2": true, "q3": true, "q4": true}
	for qid := range a.Answers {
		if !spec[qid] {
			t.Errorf("merged answers contain foreign id %s", qid)
		}
	}
	if len(a.Answers) != 4 {
		t.Errorf("expected 4 merged answers, got %d", len(a.Answers))
	}
}

func TestResultsAreScoredOnce(t *testing.T) {
	h := newHarness(question("q1", model.LetterA))
	e := h.setup(t, singleSpec(1, "q1"))

	_, err := e.FinishSession()
	mustNot(t, err)
	first, err := e.Results()
	mustNot(t, err)

	h.clock.Advance(time.Hour)
	poll(e)
	if _, err := e.FinishSession(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	second, err := e.Results()
	mustNot(t, err)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("results changed between reads")
	}
	if h.recorder.finishes != 1 {
		t.Errorf("expected one finish write, got %d", h.recorder.finishes)
	}
}

func TestSetupConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		spec model.ExamSpec
		min  int
		want error
	}{
		{"empty", singleSpec(10), 0, ErrEmptyQuestionSet},
		{"undersized", singleSpec(10, "q1", "q2"), 3, ErrUndersizedPool},
		{"no time limit", singleSpec(0, "q1"), 0, ErrMissingTimeLimit},
		{"uneven", twoSessionSpec("q1", "q2", "q3"), 0, ErrUnevenSessions},
		{"duplicate", singleSpec(10, "q1", "q1"), 0, ErrDuplicateQuestion},
		{"missing question", singleSpec(10, "q1", "nope"), 0, ErrQuestionsMissing},
		{"bad session count", model.ExamSpec{QuestionIDs: []string{"q1"}, SessionCount: 3, SessionMinutes: 1}, 0, ErrInvalidSessions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(question("q1", model.LetterA), question("q2", model.LetterB), question("q3", model.LetterC))
			deps := h.deps()
			deps.MinPoolSize = tt.min
			e := NewExamSessionController(deps)

			err := e.Setup(context.Background(), model.SessionContext{UserID: 1}, tt.spec)
			if !errors.Is(err, tt.want) || !IsConfigError(err) {
				t.Fatalf("expected config error %v, got %v", tt.want, err)
			}
			if h.recorder.starts != 0 || h.entitlement.calls != 0 {
				t.Errorf("setup failure left side effects: starts=%d entitlement=%d", h.recorder.starts, h.entitlement.calls)
			}
			if e.Phase() != model.PhaseSetup {
				t.Errorf("expected setup phase, got %s", e.Phase())
			}
		})
	}
}

func TestSetupEntitlement(t *testing.T) {
	qs := []model.Question{question("q1", model.LetterA), question("q2", model.LetterB)}

	t.Run("denied", func(t *testing.T) {
		h := newHarness(qs...)
		h.entitlement.credits = 0
		e := NewExamSessionController(h.deps())
		err := e.Setup(context.Background(), model.SessionContext{UserID: 1}, twoSessionSpec("q1", "q2"))
		expectErr(t, err, ErrNotEntitled)
		if h.recorder.starts != 0 {
			t.Error("denied setup must not create an attempt")
		}
	})

	t.Run("lookup failure", func(t *testing.T) {
		h := newHarness(qs...)
		h.entitlement.err = errors.New("credits service down")
		e := NewExamSessionController(h.deps())
		err := e.Setup(context.Background(), model.SessionContext{UserID: 1}, twoSessionSpec("q1", "q2"))
		if err == nil || IsConfigError(err) {
			t.Fatalf("expected entitlement error, got %v", err)
		}
		if h.recorder.starts != 0 {
			t.Error("failed setup must not create an attempt")
		}
	})

	t.Run("mock skips entitlement", func(t *testing.T) {
		h := newHarness(qs...)
		h.entitlement.credits = 0
		h.setup(t, singleSpec(5, "q1", "q2"))
		if h.entitlement.calls != 0 {
			t.Errorf("single-session exam consulted entitlement %d times", h.entitlement.calls)
		}
	})

	t.Run("second setup", func(t *testing.T) {
		h := newHarness(qs...)
		e := h.setup(t, singleSpec(5, "q1", "q2"))
		err := e.Setup(context.Background(), model.SessionContext{UserID: 7}, singleSpec(5, "q1", "q2"))
		expectErr(t, err, ErrAlreadyStarted)
	})
}

func TestAbandonDoesNotScore(t *testing.T) {
	h := newHarness(question("q1", model.LetterA), question("q2", model.LetterB))
	e := h.setup(t, singleSpec(5, "q1", "q2"))

	mustNot(t, e.SelectAnswer(model.LetterA))
	mustNot(t, e.Abandon())
	mustNot(t, e.Abandon())

	if err := e.SelectAnswer(model.LetterB); !errors.Is(err, ErrAttemptAbandoned) {
		t.Errorf("expected ErrAttemptAbandoned, got %v", err)
	}
	if _, err := e.Results(); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("abandoned exam should have no results, got %v", err)
	}

	h.clock.Advance(time.Hour)
	poll(e)

	a := h.recorder.attempt(e.AttemptID())
	if a.Completed || a.Phase != model.PhaseAbandoned {
		t.Errorf("expected incomplete abandoned attempt, got completed=%v phase=%s", a.Completed, a.Phase)
	}
	if a.Answers["q1"] != model.LetterA {
		t.Error("abandon should keep the answers flushed so far")
	}
	if h.recorder.finishes != 0 {
		t.Error("abandon must not finalize")
	}

	_, err := Resume(context.Background(), h.deps(), model.SessionContext{UserID: 7}, a)
	expectErr(t, err, ErrAttemptAbandoned)
}

func TestResumeAfterFirstSessionRoundTrip(t *testing.T) {
	h := newHarness(
		question("q1", model.LetterA),
		question("q2", model.LetterB),
		question("q3", model.LetterC),
		question("q4", model.LetterD),
	)
	e := h.setup(t, twoSessionSpec("q1", "q2", "q3", "q4"))

	h.clock.Advance(7 * time.Second)
	mustNot(t, e.SelectAnswer(model.LetterA))
	h.clock.Advance(3 * time.Second)
	mustNot(t, e.Next())
	_, err := e.ToggleFlag()
	mustNot(t, err)
	h.clock.Advance(11 * time.Second)
	flushed, err := e.FinishSession()
	mustNot(t, err)
	e.Close()

	stored := h.recorder.attempt(e.AttemptID())
	resumed, err := Resume(context.Background(), h.deps(), model.SessionContext{UserID: 7}, stored)
	mustNot(t, err)

	if resumed.Phase() != model.PhaseBreak {
		t.Fatalf("expected break after reload, got %s", resumed.Phase())
	}
	got := resumed.Snapshot().Completed
	if len(got) != 1 {
		t.Fatalf("expected one completed session, got %d", len(got))
	}
	if !reflect.DeepEqual(got[0].Answers, flushed.Answers) {
		t.Errorf("answers differ after reload: %v vs %v", got[0].Answers, flushed.Answers)
	}
	if !reflect.DeepEqual(got[0].QuestionTimes, flushed.QuestionTimes) {
		t.Errorf("times differ after reload: %v vs %v", got[0].QuestionTimes, flushed.QuestionTimes)
	}
	if !reflect.DeepEqual(got[0].Flags, []string{"q2"}) {
		t.Errorf("flags differ after reload: %v", got[0].Flags)
	}

	mustNot(t, resumed.Continue())
	mustNot(t, resumed.SelectAnswer(model.LetterC))
	_, err = resumed.FinishSession()
	mustNot(t, err)
	view, err := resumed.Results()
	mustNot(t, err)
	if view.RawScore != 2 {
		t.Errorf("expected session 1 answers to count after reload, raw=%d", view.RawScore)
	}
}

func TestResumeSecondSessionBeforeCheckpoint(t *testing.T) {
	h := newHarness(
		question("q1", model.LetterA),
		question("q2", model.LetterB),
		question("q3", model.LetterC),
		question("q4", model.LetterD),
	)
	e := h.setup(t, twoSessionSpec("q1", "q2", "q3", "q4"))

	mustNot(t, e.Next())
	if !e.Checkpoint() {
		t.Fatal("expected checkpoint to be written")
	}
	_, err := e.FinishSession()
	mustNot(t, err)
	mustNot(t, e.Continue())

	stored := h.recorder.attempt(e.AttemptID())
	if stored.Phase != model.PhaseSession2 || stored.LiveIndex != 2 {
		t.Fatalf("expected session 2 start at exam position 2, got phase=%s live_index=%d", stored.Phase, stored.LiveIndex)
	}

	h.clock.Advance(5 * time.Second)
	resumed, err := Resume(context.Background(), h.deps(), model.SessionContext{UserID: 7}, stored)
	mustNot(t, err)

	snap := resumed.Snapshot()
	if snap.Session == nil || snap.Session.Session != 2 {
		t.Fatalf("expected session 2 to be running, got %+v", snap.Session)
	}
	if snap.Session.CurrentIndex != 0 || snap.CurrentQuestion.ID != "q3" {
		t.Errorf("expected to resume on q3 at index 0, got index %d (%s)", snap.Session.CurrentIndex, snap.CurrentQuestion.ID)
	}

	h.clock.Advance(6 * time.Second)
	mustNot(t, resumed.Next())
	times := resumed.Snapshot().Session.QuestionTimes
	if times["q3"] != 6 {
		t.Errorf("expected 6s on q3 after reload, got %v", times)
	}
	if _, ok := times["q4"]; ok {
		t.Errorf("q4 was never shown before the move, got %v", times)
	}
}

func TestResumeIgnoresPositionFromEarlierSession(t *testing.T) {
	h := newHarness(
		question("q1", model.LetterA),
		question("q2", model.LetterB),
		question("q3", model.LetterC),
		question("q4", model.LetterD),
	)
	e := h.setup(t, twoSessionSpec("q1", "q2", "q3", "q4"))
	_, err := e.FinishSession()
	mustNot(t, err)
	mustNot(t, e.Continue())

	tests := []struct {
		name  string
		index int
		want  string
	}{
		{"session 1 position", 1, "q3"},
		{"session 2 position", 3, "q4"},
		{"past the end", 9, "q3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := h.recorder.attempt(e.AttemptID())
			stored.LiveIndex = tt.index
			resumed, err := Resume(context.Background(), h.deps(), model.SessionContext{UserID: 7}, stored)
			mustNot(t, err)
			if got := resumed.Snapshot().CurrentQuestion.ID; got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestResumeMidSessionRestoresCheckpoint(t *testing.T) {
	h := newHarness(question("q1", model.LetterA), question("q2", model.LetterB), question("q3", model.LetterC))
	e := h.setup(t, singleSpec(30, "q1", "q2", "q3"))

	h.clock.Advance(20 * time.Second)
	mustNot(t, e.SelectAnswer(model.LetterD))
	mustNot(t, e.JumpTo(2))
	h.clock.Advance(4 * time.Second)
	if !e.Checkpoint() {
		t.Fatal("expected checkpoint to be written")
	}
	before := e.Snapshot().Session
	e.Close()

	h.clock.Advance(time.Minute)
	resumed, err := Resume(context.Background(), h.deps(), model.SessionContext{UserID: 7}, h.recorder.attempt(e.AttemptID()))
	mustNot(t, err)

	after := resumed.Snapshot().Session
	if after == nil {
		t.Fatal("expected a running session")
	}
	if !reflect.DeepEqual(after.Answers, before.Answers) || !reflect.DeepEqual(after.QuestionTimes, before.QuestionTimes) {
		t.Errorf("state differs after reload:\n%+v\n%+v", before, after)
	}
	if after.CurrentIndex != 2 {
		t.Errorf("expected to resume at index 2, got %d", after.CurrentIndex)
	}
	if want := 30*60 - 84; after.RemainingSeconds != want {
		t.Errorf("expected %ds remaining from the stored start, got %d", want, after.RemainingSeconds)
	}
}

func TestResumeAfterExpiryFinishesImmediately(t *testing.T) {
	h := newHarness(question("q1", model.LetterA), question("q2", model.LetterB))
	e := h.setup(t, singleSpec(1, "q1", "q2"))
	mustNot(t, e.SelectAnswer(model.LetterA))
	e.Checkpoint()
	e.Close()

	h.clock.Advance(10 * time.Minute)
	resumed, err := Resume(context.Background(), h.deps(), model.SessionContext{UserID: 7}, h.recorder.attempt(e.AttemptID()))
	mustNot(t, err)

	if resumed.Phase() != model.PhaseResults {
		t.Fatalf("expected results after resuming an expired session, got %s", resumed.Phase())
	}
	a := h.recorder.attempt(e.AttemptID())
	if !a.Completed || a.RawScore != 1 {
		t.Errorf("expected completed attempt with raw 1, got completed=%v raw=%d", a.Completed, a.RawScore)
	}
	if got := resumed.Snapshot().Completed[0]; !got.TimedOut {
		t.Error("expected the resumed session to be marked timed out")
	}
}

func TestResumeCompletedUsesStoredScore(t *testing.T) {
	h := newHarness(question("q1", model.LetterA), question("q2", model.LetterB))
	e := h.setup(t, singleSpec(5, "q1", "q2"))
	mustNot(t, e.SelectAnswer(model.LetterA))
	_, err := e.FinishSession()
	mustNot(t, err)

	stored := h.recorder.attempt(e.AttemptID())
	resumed, err := Resume(context.Background(), h.deps(), model.SessionContext{UserID: 7}, stored)
	mustNot(t, err)

	view, err := resumed.Results()
	mustNot(t, err)
	if view.RawScore != 1 || view.TotalQuestions != 2 {
		t.Errorf("unexpected stored report %+v", view.ScoreReport)
	}
	if h.recorder.finishes != 1 {
		t.Errorf("resuming a completed attempt must not finalize again, got %d finishes", h.recorder.finishes)
	}
}

func TestResumeRejectsOtherUser(t *testing.T) {
	h := newHarness(question("q1", model.LetterA))
	e := h.setup(t, singleSpec(5, "q1"))
	_, err := Resume(context.Background(), h.deps(), model.SessionContext{UserID: 99}, h.recorder.attempt(e.AttemptID()))
	expectErr(t, err, ErrNotOwner)
}

func TestSubscribeReceivesPhaseEvents(t *testing.T) {
	h := newHarness(question("q1", model.LetterA), question("q2", model.LetterB))
	e := h.setup(t, twoSessionSpec("q1", "q2"))
	events, cancel := e.Subscribe()
	defer cancel()

	poll(e)
	_, err := e.FinishSession()
	mustNot(t, err)
	mustNot(t, e.Continue())
	_, err = e.FinishSession()
	mustNot(t, err)

	var types []EventType
	var phases []model.Phase
	for len(events) > 0 {
		ev := <-events
		types = append(types, ev.Type)
		if ev.Type == EventPhase {
			phases = append(phases, ev.Phase)
		}
		if ev.AttemptID != e.AttemptID() {
			t.Errorf("event carries wrong attempt id %s", ev.AttemptID)
		}
	}

	if types[0] != EventTick {
		t.Errorf("expected first event to be a tick, got %s", types[0])
	}
	wantPhases := []model.Phase{model.PhaseBreak, model.PhaseSession2, model.PhaseResults}
	if !reflect.DeepEqual(phases, wantPhases) {
		t.Errorf("expected phases %v, got %v", wantPhases, phases)
	}
	if types[len(types)-1] != EventResults {
		t.Errorf("expected results event last, got %s", types[len(types)-1])
	}
}
