package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-simulator/internal/metrics"
	"github.com/stemsi/exstem-simulator/internal/model"
	"github.com/stemsi/exstem-simulator/internal/recorder"
	"github.com/stemsi/exstem-simulator/internal/repository"
)

// SpillWorker replays writes the recorder could not persist. It handles one
// write at a time from the head of the queue, so writes of an attempt land
// in the order they were made.
type SpillWorker struct {
	queue      *recorder.RedisSpillQueue
	store      recorder.Store
	retryDelay time.Duration
	// replayTimeout bounds a single store call; drainTimeout bounds the
	// whole drain on shutdown.
	replayTimeout time.Duration
	drainTimeout  time.Duration
	log           zerolog.Logger
}

// NewSpillWorker creates a new SpillWorker.
func NewSpillWorker(queue *recorder.RedisSpillQueue, store recorder.Store, log zerolog.Logger) *SpillWorker {
	return &SpillWorker{
		queue:         queue,
		store:         store,
		retryDelay:    5 * time.Second,
		replayTimeout: 5 * time.Second,
		drainTimeout:  10 * time.Second,
		log:           log.With().Str("component", "spill_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *SpillWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit; what is left stays queued.
			drainCtx, cancel := context.WithTimeout(context.Background(), w.drainTimeout)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *SpillWorker) processNext(ctx context.Context) {
	raw, ok, err := w.queue.Pop(ctx, time.Second)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if !ok {
		return
	}

	if err := w.replay(ctx, raw); err != nil {
		w.log.Error().Err(err).Msg("Replay error, retrying later")
		// Back to the head so later writes for the attempt keep waiting behind it.
		w.requeue(ctx, raw)
		select {
		case <-ctx.Done():
		case <-time.After(w.retryDelay):
		}
	}
}

// replay applies one spilled write. It returns an error only when the write
// should be tried again.
func (w *SpillWorker) replay(ctx context.Context, raw string) error {
	write, err := recorder.DecodeWrite(raw)
	if err != nil {
		w.log.Error().Err(err).Str("payload", raw).Msg("Unmarshal error, dropping")
		metrics.SpillReplays.WithLabelValues("dropped").Inc()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.replayTimeout)
	defer cancel()
	err = write.Apply(ctx, w.store)
	switch {
	case err == nil:
		metrics.SpillReplays.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, model.ErrAttemptCompleted):
		w.log.Warn().Str("attempt_id", write.AttemptID.String()).Str("kind", string(write.Kind)).
			Msg("Spilled write targets a completed attempt, dropping")
		metrics.SpillReplays.WithLabelValues("dropped").Inc()
		return nil
	case errors.Is(err, repository.ErrAttemptNotFound), errors.Is(err, recorder.ErrMalformedWrite):
		w.log.Error().Err(err).Str("attempt_id", write.AttemptID.String()).Str("payload", raw).
			Msg("Spilled write cannot be applied, dropping")
		metrics.SpillReplays.WithLabelValues("dropped").Inc()
		return nil
	}
	metrics.SpillReplays.WithLabelValues("retry").Inc()
	return err
}

// drain processes all remaining items in the queue before shutdown.
func (w *SpillWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, ok, err := w.queue.TryPop(ctx)
		if err != nil || !ok {
			break
		}
		if err := w.replay(ctx, raw); err != nil {
			w.log.Error().Err(err).Msg("Drain replay error")
			w.requeue(ctx, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}

// requeue puts raw back at the head of the queue. It outlives ctx so a write
// cut short by shutdown is not lost.
func (w *SpillWorker) requeue(ctx context.Context, raw string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.replayTimeout)
	defer cancel()
	if err := w.queue.Requeue(ctx, raw); err != nil {
		w.log.Error().Err(err).Str("payload", raw).Msg("Requeue failed, write lost")
	}
}
