package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-simulator/internal/config"
	"github.com/stemsi/exstem-simulator/internal/engine"
	"github.com/stemsi/exstem-simulator/internal/metrics"
	"github.com/stemsi/exstem-simulator/internal/model"
	"github.com/stemsi/exstem-simulator/internal/repository"
	"github.com/stemsi/exstem-simulator/internal/scoring"
	"golang.org/x/sync/singleflight"
)

// AttemptReader reads persisted attempts.
type AttemptReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamAttempt, error)
	ListByUser(ctx context.Context, userID, limit int) ([]model.ExamAttempt, error)
}

// AttemptRecorder is the write-behind recorder as seen by the service.
type AttemptRecorder interface {
	engine.Recorder
	Settled(attemptID uuid.UUID) bool
	Close(ctx context.Context) error
}

// AttemptSummary is one row of a user's attempt history.
type AttemptSummary struct {
	ID        uuid.UUID         `json:"id"`
	Title     string            `json:"title"`
	ExamType  model.ExamType    `json:"exam_type"`
	Phase     model.Phase       `json:"phase"`
	Completed bool              `json:"completed"`
	CreatedAt time.Time         `json:"created_at"`
	Results   *model.ResultView `json:"results,omitempty"`
}

// ReviewQuestion pairs a question with the candidate's response for the review page.
type ReviewQuestion struct {
	model.Question
	Answer      *model.Letter `json:"answer"`
	Correct     bool          `json:"correct"`
	Flagged     bool          `json:"flagged"`
	TimeSeconds float64       `json:"time_seconds"`
}

// Review is the results page with every question and its explanation.
type Review struct {
	Results   model.ResultView `json:"results"`
	Questions []ReviewQuestion `json:"questions"`
}

type liveExam struct {
	ctrl *engine.ExamSessionController
}

// SimulatorService owns the exams running in this process. Exams are loaded
// from the attempt store on first access and evicted once they are finished
// and every write for them has been persisted.
type SimulatorService struct {
	cfg      *config.Config
	deps     engine.Deps
	attempts AttemptReader
	cache    *repository.SessionCache
	recorder AttemptRecorder
	log      zerolog.Logger

	mu    sync.RWMutex
	live  map[uuid.UUID]*liveExam
	loads singleflight.Group
}

// NewSimulatorService creates a new SimulatorService.
func NewSimulatorService(
	cfg *config.Config,
	deps engine.Deps,
	attempts AttemptReader,
	cache *repository.SessionCache,
	rec AttemptRecorder,
	log zerolog.Logger,
) *SimulatorService {
	deps.Recorder = rec
	return &SimulatorService{
		cfg:      cfg,
		deps:     deps,
		attempts: attempts,
		cache:    cache,
		recorder: rec,
		log:      log.With().Str("component", "simulator_service").Logger(),
		live:     make(map[uuid.UUID]*liveExam),
	}
}

// Start sets up a new exam for user and starts its first session.
func (s *SimulatorService) Start(ctx context.Context, user model.SessionContext, req *model.StartExamRequest) (engine.ExamSnapshot, error) {
	spec := req.Spec(s.cfg.SessionMinutes)
	ctrl := engine.NewExamSessionController(s.deps)
	if err := ctrl.Setup(ctx, user, spec); err != nil {
		return engine.ExamSnapshot{}, err
	}

	s.register(ctrl)
	snap := ctrl.Snapshot()
	s.cacheSessionStart(ctx, snap)
	if err := s.cache.SetActiveAttempt(ctx, user.UserID, snap.AttemptID); err != nil {
		s.log.Warn().Err(err).Msg("Failed to cache active attempt")
	}
	return snap, nil
}

// Get returns the live exam, loading it from the attempt store if this
// process does not hold it yet.
func (s *SimulatorService) Get(ctx context.Context, user model.SessionContext, attemptID uuid.UUID) (*engine.ExamSessionController, error) {
	s.mu.RLock()
	le, ok := s.live[attemptID]
	s.mu.RUnlock()
	if ok {
		if le.ctrl.Owner() != user.UserID {
			return nil, engine.ErrNotOwner
		}
		return le.ctrl, nil
	}

	v, err, _ := s.loads.Do(attemptID.String(), func() (any, error) {
		s.mu.RLock()
		le, ok := s.live[attemptID]
		s.mu.RUnlock()
		if ok {
			return le.ctrl, nil
		}
		return s.load(ctx, user, attemptID)
	})
	if err != nil {
		return nil, err
	}
	ctrl := v.(*engine.ExamSessionController)
	if ctrl.Owner() != user.UserID {
		return nil, engine.ErrNotOwner
	}
	return ctrl, nil
}

func (s *SimulatorService) load(ctx context.Context, user model.SessionContext, attemptID uuid.UUID) (*engine.ExamSessionController, error) {
	a, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.UserID != user.UserID {
		return nil, engine.ErrNotOwner
	}
	s.fillSessionStarts(ctx, a)

	ctrl, err := engine.Resume(ctx, s.deps, user, a)
	if err != nil {
		return nil, err
	}
	s.register(ctrl)
	s.log.Info().Str("attempt_id", attemptID.String()).Str("phase", string(ctrl.Phase())).Msg("Attempt loaded")
	return ctrl, nil
}

// fillSessionStarts prefers the stored session start and falls back to the
// cache when the start write has not landed yet. A start found only in the
// store is put back in the cache.
func (s *SimulatorService) fillSessionStarts(ctx context.Context, a *model.ExamAttempt) {
	for n := 1; n <= a.SessionCount && n <= len(a.SessionStartedAt); n++ {
		if at := a.SessionStartedAt[n-1]; at != nil {
			if _, ok, err := s.cache.SessionStart(ctx, a.ID, n); err == nil && !ok {
				_ = s.cache.SetSessionStart(ctx, a.ID, n, *at)
			}
			continue
		}
		at, ok, err := s.cache.SessionStart(ctx, a.ID, n)
		if err != nil {
			s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Int("session", n).
				Msg("Session start cache lookup failed")
			continue
		}
		if ok {
			a.SessionStartedAt[n-1] = &at
		}
	}
}

// Continue ends the break and starts session 2.
func (s *SimulatorService) Continue(ctx context.Context, user model.SessionContext, attemptID uuid.UUID) (engine.ExamSnapshot, error) {
	ctrl, err := s.Get(ctx, user, attemptID)
	if err != nil {
		return engine.ExamSnapshot{}, err
	}
	if err := ctrl.Continue(); err != nil {
		return engine.ExamSnapshot{}, err
	}
	snap := ctrl.Snapshot()
	s.cacheSessionStart(ctx, snap)
	return snap, nil
}

// Abandon stops the exam without scoring it.
func (s *SimulatorService) Abandon(ctx context.Context, user model.SessionContext, attemptID uuid.UUID) error {
	ctrl, err := s.Get(ctx, user, attemptID)
	if err != nil {
		return err
	}
	if err := ctrl.Abandon(); err != nil {
		return err
	}
	if err := s.cache.ClearActiveAttempt(ctx, user.UserID, attemptID); err != nil {
		s.log.Warn().Err(err).Msg("Failed to clear active attempt")
	}
	return nil
}

// Active returns the attempt the user is running, if the cache knows one.
func (s *SimulatorService) Active(ctx context.Context, user model.SessionContext) (engine.ExamSnapshot, bool, error) {
	id, ok, err := s.cache.ActiveAttempt(ctx, user.UserID)
	if err != nil || !ok {
		return engine.ExamSnapshot{}, false, err
	}
	ctrl, err := s.Get(ctx, user, id)
	if errors.Is(err, engine.ErrAttemptAbandoned) || errors.Is(err, repository.ErrAttemptNotFound) {
		_ = s.cache.ClearActiveAttempt(ctx, user.UserID, id)
		return engine.ExamSnapshot{}, false, nil
	}
	if err != nil {
		return engine.ExamSnapshot{}, false, err
	}
	if ctrl.Done() {
		_ = s.cache.ClearActiveAttempt(ctx, user.UserID, id)
		return engine.ExamSnapshot{}, false, nil
	}
	return ctrl.Snapshot(), true, nil
}

// Review returns the scored attempt with every question, key and explanation.
func (s *SimulatorService) Review(ctx context.Context, user model.SessionContext, attemptID uuid.UUID) (*Review, error) {
	ctrl, err := s.Get(ctx, user, attemptID)
	if err != nil {
		return nil, err
	}
	snap := ctrl.Snapshot()
	if snap.Results == nil {
		return nil, engine.ErrWrongPhase
	}

	var ids []string
	answers := make(map[string]model.Letter)
	flags := make(map[string]bool)
	times := make(map[string]float64)
	for _, res := range snap.Completed {
		ids = append(ids, res.QuestionIDs...)
		for qid, l := range res.Answers {
			answers[qid] = l
		}
		for _, qid := range res.Flags {
			flags[qid] = true
		}
		for qid, secs := range res.QuestionTimes {
			times[qid] = secs
		}
	}

	fetched, err := s.deps.Questions.GetQuestionsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch questions: %w", err)
	}
	set, err := engine.NewQuestionSet(ids, fetched)
	if err != nil {
		return nil, err
	}

	review := &Review{Results: *snap.Results, Questions: make([]ReviewQuestion, 0, set.Len())}
	for _, q := range set.Questions() {
		rq := ReviewQuestion{
			Question:    q,
			Correct:     scoring.IsCorrect(&q, answers),
			Flagged:     flags[q.ID],
			TimeSeconds: times[q.ID],
		}
		if l, ok := answers[q.ID]; ok {
			rq.Answer = &l
		}
		review.Questions = append(review.Questions, rq)
	}
	return review, nil
}

// History lists the user's attempts, newest first.
func (s *SimulatorService) History(ctx context.Context, user model.SessionContext, limit int) ([]AttemptSummary, error) {
	attempts, err := s.attempts.ListByUser(ctx, user.UserID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]AttemptSummary, 0, len(attempts))
	for i := range attempts {
		a := &attempts[i]
		sum := AttemptSummary{
			ID:        a.ID,
			Title:     a.ExamTitle,
			ExamType:  a.ExamType,
			Phase:     a.Phase,
			Completed: a.Completed,
			CreatedAt: a.CreatedAt,
		}
		if a.Completed {
			view := scoring.View(model.ScoreReport{
				RawScore:          a.RawScore,
				TotalQuestions:    a.TotalQuestions,
				StandardPassScore: a.StandardPassScore,
				AngoffPassScore:   a.AngoffPassScore,
			}, s.deps.Policy)
			sum.Results = &view
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *SimulatorService) register(ctrl *engine.ExamSessionController) {
	id := ctrl.AttemptID()
	events, _ := ctrl.Subscribe()

	s.mu.Lock()
	s.live[id] = &liveExam{ctrl: ctrl}
	metrics.LiveExams.Set(float64(len(s.live)))
	s.mu.Unlock()

	go s.watch(ctrl.Owner(), events)
}

// watch counts phase transitions and forgets the user's active attempt once
// it ends. It returns when the exam is closed.
func (s *SimulatorService) watch(userID int, events <-chan engine.Event) {
	for ev := range events {
		if ev.Type != engine.EventPhase {
			continue
		}
		metrics.PhaseTransitions.WithLabelValues(string(ev.Phase)).Inc()
		if ev.Phase == model.PhaseResults || ev.Phase == model.PhaseAbandoned {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.cache.ClearActiveAttempt(ctx, userID, ev.AttemptID); err != nil {
				s.log.Warn().Err(err).Str("attempt_id", ev.AttemptID.String()).Msg("Failed to clear active attempt")
			}
			cancel()
		}
	}
}

func (s *SimulatorService) cacheSessionStart(ctx context.Context, snap engine.ExamSnapshot) {
	if snap.Session == nil || snap.Session.StartedAt.IsZero() {
		return
	}
	if err := s.cache.SetSessionStart(ctx, snap.AttemptID, snap.Session.Session, snap.Session.StartedAt); err != nil {
		// The attempt store still gets the start through the recorder.
		s.log.Warn().Err(err).Str("attempt_id", snap.AttemptID.String()).Msg("Failed to cache session start")
	}
}

// Run checkpoints every live exam on an interval and evicts finished ones.
// Call in a goroutine.
func (s *SimulatorService) Run(ctx context.Context) {
	interval := s.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("Checkpoint loop started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Checkpoint loop stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *SimulatorService) sweep() {
	s.mu.RLock()
	exams := make([]*liveExam, 0, len(s.live))
	for _, le := range s.live {
		exams = append(exams, le)
	}
	s.mu.RUnlock()

	checkpointed := 0
	for _, le := range exams {
		if le.ctrl.Checkpoint() {
			checkpointed++
			continue
		}
		if le.ctrl.Done() && s.recorder.Settled(le.ctrl.AttemptID()) {
			s.evict(le)
		}
	}
	if checkpointed > 0 {
		s.log.Debug().Int("count", checkpointed).Msg("Checkpointed live exams")
	}
}

func (s *SimulatorService) evict(le *liveExam) {
	id := le.ctrl.AttemptID()
	s.mu.Lock()
	if cur, ok := s.live[id]; ok && cur == le {
		delete(s.live, id)
	}
	metrics.LiveExams.Set(float64(len(s.live)))
	s.mu.Unlock()

	le.ctrl.Close()
	s.log.Debug().Str("attempt_id", id.String()).Msg("Evicted finished exam")
}

// Shutdown checkpoints and stops every live exam, then waits for the
// recorder to persist what is queued.
func (s *SimulatorService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	exams := make([]*liveExam, 0, len(s.live))
	for id, le := range s.live {
		exams = append(exams, le)
		delete(s.live, id)
	}
	metrics.LiveExams.Set(0)
	s.mu.Unlock()

	for _, le := range exams {
		le.ctrl.Close()
	}
	s.log.Info().Int("exams", len(exams)).Msg("Live exams closed, flushing recorder")
	return s.recorder.Close(ctx)
}
