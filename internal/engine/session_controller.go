package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-simulator/internal/model"
	"github.com/stemsi/exstem-simulator/internal/scoring"
)

// SessionConfig configures a SessionController.
type SessionConfig struct {
	// Number is the 1-based session number within the exam.
	Number int
	Limit  time.Duration
	// Offset is the exam-wide position of the session's first question.
	// Checkpoints and restores address questions by exam-wide position.
	Offset int

	// Locker serializes every mutation, including clock callbacks. Controllers
	// owned by an ExamSessionController share its lock.
	Locker sync.Locker

	Now func() time.Time
	// TickInterval is the clock poll interval. Zero leaves polling to Clock.Check.
	TickInterval time.Duration

	// OnTick and OnComplete run with Locker held and must not block.
	OnTick     func(session, remainingSeconds int)
	OnComplete func(model.SessionResult)

	Log zerolog.Logger
}

// SessionController runs one session from its first question until it finishes.
type SessionController struct {
	mu       sync.Locker
	cfg      SessionConfig
	now      func() time.Time
	state    *SessionState
	clock    *Clock
	started  time.Time
	running  bool
	result   *model.SessionResult
	log      zerolog.Logger
	restored *sessionRestore
}

type sessionRestore struct {
	answers map[string]model.Letter
	flags   []string
	times   map[string]float64
	current int
}

// NewSessionController creates a controller for set. An empty set is a configuration error.
func NewSessionController(set *QuestionSet, cfg SessionConfig) (*SessionController, error) {
	if set == nil || set.Len() == 0 {
		return nil, &ConfigError{Err: ErrEmptyQuestionSet}
	}
	if cfg.Limit <= 0 {
		return nil, &ConfigError{Err: ErrMissingTimeLimit}
	}
	if cfg.Locker == nil {
		cfg.Locker = &sync.Mutex{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Number == 0 {
		cfg.Number = 1
	}

	c := &SessionController{
		mu:  cfg.Locker,
		cfg: cfg,
		now: cfg.Now,
		log: cfg.Log.With().Int("session", cfg.Number).Logger(),
	}
	c.state = newSessionState(set, c.now())
	c.clock = NewClock(WithNow(cfg.Now), WithInterval(cfg.TickInterval))
	return c, nil
}

// Restore loads answers, flags, times and the exam-wide position flushed
// before a reload. A position outside this session restores to its first
// question. It must be called before Start.
func (c *SessionController) Restore(answers map[string]model.Letter, flags []string, times map[string]float64, current int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restored = &sessionRestore{answers: answers, flags: flags, times: times, current: current}
}

// Start begins the session clock from startedAt. If the limit has already
// elapsed the session finishes immediately.
func (c *SessionController) Start(startedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked(startedAt)
}

func (c *SessionController) startLocked(startedAt time.Time) {
	if c.running || c.result != nil {
		return
	}
	now := c.now()
	c.started = startedAt
	c.running = true
	c.state.viewStart = now
	if r := c.restored; r != nil {
		c.state.restore(r.answers, r.flags, r.times, r.current-c.cfg.Offset, now)
		c.restored = nil
	}

	if Remaining(startedAt, c.cfg.Limit, now) <= 0 {
		c.log.Info().Msg("Session limit elapsed before start, finishing")
		c.finishLocked(true)
		return
	}
	c.clock.Start(startedAt, c.cfg.Limit, c.handleTick, c.handleExpire)
}

func (c *SessionController) handleTick(remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != nil || c.cfg.OnTick == nil {
		return
	}
	c.cfg.OnTick(c.cfg.Number, remaining)
}

func (c *SessionController) handleExpire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != nil {
		return
	}
	c.log.Info().Msg("Session time expired")
	c.finishLocked(true)
}

// SelectAnswer records l for the current question, replacing any earlier answer.
func (c *SessionController) SelectAnswer(l model.Letter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectAnswerLocked(l)
}

func (c *SessionController) selectAnswerLocked(l model.Letter) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !l.Valid() {
		return ErrIndexOutOfRange
	}
	c.state.flush(c.now())
	c.state.answers[c.state.currentID()] = l
	return nil
}

// Next moves to the following question. It is a no-op on the last question.
func (c *SessionController) Next() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepLocked(1)
}

// Previous moves to the preceding question. It is a no-op on the first question.
func (c *SessionController) Previous() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepLocked(-1)
}

func (c *SessionController) stepLocked(delta int) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	target := c.state.current + delta
	if target < 0 || target >= c.state.set.Len() {
		return nil
	}
	c.state.moveTo(target, c.now())
	return nil
}

// JumpTo moves to question i, which must be within the session.
func (c *SessionController) JumpTo(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jumpToLocked(i)
}

func (c *SessionController) jumpToLocked(i int) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if i < 0 || i >= c.state.set.Len() {
		return ErrIndexOutOfRange
	}
	if i != c.state.current {
		c.state.moveTo(i, c.now())
	}
	return nil
}

// ToggleFlag flips the flag on the current question and returns the new state.
func (c *SessionController) ToggleFlag() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toggleFlagLocked()
}

func (c *SessionController) toggleFlagLocked() (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	id := c.state.currentID()
	if _, ok := c.state.flags[id]; ok {
		delete(c.state.flags, id)
		return false, nil
	}
	c.state.flags[id] = struct{}{}
	return true, nil
}

// Finish ends the session and returns its result. Later calls return the same
// result without recomputing it.
func (c *SessionController) Finish() model.SessionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishLocked(false)
}

func (c *SessionController) finishLocked(timedOut bool) model.SessionResult {
	if c.result != nil {
		return *c.result
	}
	now := c.now()
	c.clock.Cancel()
	c.state.flush(now)
	c.state.frozen = true

	started := c.started
	if started.IsZero() {
		started = now
	}
	finishedAt := now
	if timedOut {
		if deadline := started.Add(c.cfg.Limit); deadline.Before(now) {
			finishedAt = deadline
		}
	}

	res := model.SessionResult{
		Session:       c.cfg.Number,
		QuestionIDs:   c.state.set.IDs(),
		Answers:       c.state.answersCopy(),
		Flags:         c.state.flagList(),
		QuestionTimes: c.state.timesCopy(),
		CorrectCount:  scoring.CountCorrect(c.state.set.questions, c.state.answers),
		StartedAt:     started,
		FinishedAt:    finishedAt,
		TimedOut:      timedOut,
	}
	c.result = &res
	c.running = false

	c.log.Info().
		Int("answered", len(res.Answers)).
		Int("correct", res.CorrectCount).
		Bool("timed_out", timedOut).
		Msg("Session finished")

	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete(res)
	}
	return res
}

// Result returns the emitted result once the session has finished.
func (c *SessionController) Result() (model.SessionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return model.SessionResult{}, false
	}
	return *c.result, true
}

// Snapshot returns a read-only view of the session.
func (c *SessionController) Snapshot() model.SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *SessionController) snapshotLocked() model.SessionSnapshot {
	snap := model.SessionSnapshot{
		Session:       c.cfg.Number,
		QuestionIDs:   c.state.set.IDs(),
		Answers:       c.state.answersCopy(),
		Flags:         c.state.flagList(),
		QuestionTimes: c.state.timesCopy(),
		CurrentIndex:  c.state.current,
		StartedAt:     c.started,
		Finished:      c.result != nil,
	}
	if c.running {
		snap.RemainingSeconds = RemainingSeconds(c.started, c.cfg.Limit, c.now())
	}
	return snap
}

// checkpointLocked flushes the current view time and returns a patch holding
// everything recorded so far. LiveIndex is exam-wide.
func (c *SessionController) checkpointLocked() model.AttemptPatch {
	c.state.flush(c.now())
	idx := c.cfg.Offset + c.state.current
	return model.AttemptPatch{
		Answers:       c.state.answersCopy(),
		Flags:         c.state.flagPatch(),
		QuestionTimes: c.state.timesCopy(),
		LiveIndex:     &idx,
	}
}

// Current returns the question on screen and its index.
func (c *SessionController) Current() (model.QuestionForCandidate, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.set.At(c.state.current).ForCandidate(), c.state.current
}

// Remaining returns the time left in the session.
func (c *SessionController) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return 0
	}
	return Remaining(c.started, c.cfg.Limit, c.now())
}

// Finished reports whether the session has emitted its result.
func (c *SessionController) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result != nil
}

// cancel stops the clock without finishing the session.
func (c *SessionController) cancel() {
	c.clock.Cancel()
	c.running = false
}

func (c *SessionController) checkOpen() error {
	if c.result != nil {
		return ErrSessionClosed
	}
	if !c.running {
		return ErrNoActiveSession
	}
	return nil
}
