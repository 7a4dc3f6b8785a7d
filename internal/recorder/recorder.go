// Package recorder persists exam phase transitions to the attempt store.
//
// Every write is write-behind: callers never wait on storage. Writes for one
// attempt go through a single ordered lane, are retried with exponential
// backoff, and once retries run out they are spilled, together with every
// later write of that attempt, to a durable queue that the spill worker
// replays in order.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-simulator/internal/invariant"
	"github.com/stemsi/exstem-simulator/internal/metrics"
	"github.com/stemsi/exstem-simulator/internal/model"
)

// ErrClosed is returned by OnAttemptStart after Close.
var ErrClosed = errors.New("recorder is closed")

// Config tunes retries.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// WriteTimeout bounds a single store call.
	WriteTimeout time.Duration
	Now          func() time.Time
}

func (c *Config) defaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type lane struct {
	pending []Write
	running bool
}

// Recorder implements the engine's Recorder port on top of a Store.
type Recorder struct {
	store Store
	spill SpillQueue
	cfg   Config
	guard *invariant.Guard
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lanes    map[uuid.UUID]*lane
	spilled  map[uuid.UUID]struct{}
	finished map[uuid.UUID]struct{}
	closed   bool
	wg       sync.WaitGroup
	idle     *sync.Cond
}

// New creates a Recorder.
func New(store Store, spill SpillQueue, cfg Config, guard *invariant.Guard, log zerolog.Logger) *Recorder {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		store:    store,
		spill:    spill,
		cfg:      cfg,
		guard:    guard,
		log:      log.With().Str("component", "attempt_recorder").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[uuid.UUID]*lane),
		spilled:  make(map[uuid.UUID]struct{}),
		finished: make(map[uuid.UUID]struct{}),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// OnAttemptStart assigns an id and queues the attempt's creation.
func (r *Recorder) OnAttemptStart(_ context.Context, user model.SessionContext, spec model.ExamSpec) (uuid.UUID, error) {
	id := uuid.New()
	attempt := model.NewAttempt(id, user.UserID, spec, r.cfg.Now())
	if !r.enqueue(Write{Kind: KindCreate, AttemptID: id, Attempt: attempt}) {
		return uuid.Nil, ErrClosed
	}
	return id, nil
}

// OnSessionComplete queues the merge of a finished session. It never completes the attempt.
func (r *Recorder) OnSessionComplete(attemptID uuid.UUID, result model.SessionResult, next model.Phase) {
	patch := result.Patch(next)
	r.enqueue(Write{Kind: KindPatch, AttemptID: attemptID, Patch: &patch})
}

// OnCheckpoint queues a live snapshot.
func (r *Recorder) OnCheckpoint(attemptID uuid.UUID, patch model.AttemptPatch) {
	r.Apply(attemptID, patch)
}

// Apply queues a partial update. Patches cannot complete an attempt; only
// OnAttemptFinish does.
func (r *Recorder) Apply(attemptID uuid.UUID, patch model.AttemptPatch) {
	if patch.Phase == model.PhaseResults {
		r.guard.Violation("patch tried to move an attempt to results", map[string]any{
			"attempt_id": attemptID.String(),
		})
		patch.Phase = ""
	}
	r.enqueue(Write{Kind: KindPatch, AttemptID: attemptID, Patch: &patch})
}

// OnAttemptFinish queues the final score. It is the single place an attempt
// becomes completed; a second call for the same attempt is rejected.
func (r *Recorder) OnAttemptFinish(attemptID uuid.UUID, report model.ScoreReport, timeTaken time.Duration) {
	r.mu.Lock()
	_, done := r.finished[attemptID]
	if !done {
		r.finished[attemptID] = struct{}{}
	}
	r.mu.Unlock()
	if done {
		r.guard.Violation("attempt finalized twice", map[string]any{
			"attempt_id": attemptID.String(),
		})
		return
	}

	f := model.Finalization{Report: report, TimeTakenMinutes: timeTaken.Minutes()}
	r.enqueue(Write{Kind: KindFinish, AttemptID: attemptID, Finalization: &f})
}

func (r *Recorder) enqueue(w Write) bool {
	w.QueuedAt = r.cfg.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.log.Error().Str("attempt_id", w.AttemptID.String()).Str("kind", string(w.Kind)).
			Msg("Write after close dropped")
		metrics.RecorderWrites.WithLabelValues(string(w.Kind), "dropped").Inc()
		return false
	}

	l, ok := r.lanes[w.AttemptID]
	if !ok {
		l = &lane{}
		r.lanes[w.AttemptID] = l
		metrics.RecorderLanes.Inc()
	}
	l.pending = append(l.pending, w)
	if !l.running {
		l.running = true
		r.wg.Add(1)
		go r.drain(w.AttemptID, l)
	}
	return true
}

func (r *Recorder) drain(id uuid.UUID, l *lane) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(l.pending) == 0 {
			l.running = false
			delete(r.lanes, id)
			metrics.RecorderLanes.Dec()
			r.idle.Broadcast()
			r.mu.Unlock()
			return
		}
		w := l.pending[0]
		l.pending = l.pending[1:]
		_, spilled := r.spilled[id]
		r.mu.Unlock()

		if spilled {
			r.spillWrite(w)
			continue
		}
		if err := r.persist(w); err != nil {
			r.mu.Lock()
			r.spilled[id] = struct{}{}
			r.mu.Unlock()
			r.log.Error().Err(err).Str("attempt_id", id.String()).Str("kind", string(w.Kind)).
				Msg("Write failed after retries, spilling attempt lane")
			r.spillWrite(w)
		}
	}
}

// persist writes w with retries. It returns an error only when the write
// should be spilled.
func (r *Recorder) persist(w Write) error {
	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.WriteTimeout)
		defer cancel()
		err := w.Apply(ctx, r.store)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, model.ErrAttemptCompleted), errors.Is(err, ErrMalformedWrite):
			return backoff.Permanent(err)
		}
		if attempt <= r.cfg.MaxRetries {
			metrics.RecorderWrites.WithLabelValues(string(w.Kind), "retry").Inc()
			r.log.Warn().Err(err).Str("attempt_id", w.AttemptID.String()).
				Str("kind", string(w.Kind)).Int("try", attempt).Msg("Write failed, retrying")
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxRetries)), r.ctx)

	err := backoff.Retry(op, policy)
	switch {
	case err == nil:
		metrics.RecorderWrites.WithLabelValues(string(w.Kind), "ok").Inc()
		return nil
	case errors.Is(err, model.ErrAttemptCompleted):
		// A finished attempt is immutable; late writes have nothing left to change.
		r.log.Warn().Str("attempt_id", w.AttemptID.String()).Str("kind", string(w.Kind)).
			Msg("Write to completed attempt ignored")
		metrics.RecorderWrites.WithLabelValues(string(w.Kind), "dropped").Inc()
		return nil
	case errors.Is(err, ErrMalformedWrite):
		r.guard.Violation("malformed attempt write", map[string]any{
			"attempt_id": w.AttemptID.String(),
			"kind":       string(w.Kind),
		})
		metrics.RecorderWrites.WithLabelValues(string(w.Kind), "dropped").Inc()
		return nil
	}
	return err
}

func (r *Recorder) spillWrite(w Write) {
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		defer cancel()
		return r.spill.Push(ctx, w)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	if err := backoff.Retry(op, backoff.WithMaxRetries(b, uint64(r.cfg.MaxRetries))); err != nil {
		payload, _ := w.Encode()
		r.log.Error().Err(err).Str("attempt_id", w.AttemptID.String()).Str("kind", string(w.Kind)).
			Str("payload", payload).Msg("Spill failed, write lost")
		metrics.RecorderWrites.WithLabelValues(string(w.Kind), "lost").Inc()
		return
	}
	metrics.RecorderWrites.WithLabelValues(string(w.Kind), "spilled").Inc()
}

// Settled reports whether every write for the attempt has reached the store.
// A spilled attempt is never settled in this process.
func (r *Recorder) Settled(attemptID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, pending := r.lanes[attemptID]
	_, spilled := r.spilled[attemptID]
	return !pending && !spilled
}

// Flush blocks until every queued write has been persisted or spilled, or ctx ends.
func (r *Recorder) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.idle.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.lanes) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("flush recorder: %w", err)
		}
		r.idle.Wait()
	}
	return nil
}

// Close stops accepting writes and waits for queued ones. Retries still in
// backoff when ctx ends are cut short and spilled.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	if err := r.Flush(ctx); err != nil {
		r.cancel()
		r.wg.Wait()
		return err
	}
	r.cancel()
	return nil
}
