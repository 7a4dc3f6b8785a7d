package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-simulator/internal/model"
)

// Store is the durable attempt store. It never deletes attempts.
type Store interface {
	Create(ctx context.Context, a *model.ExamAttempt) error
	Update(ctx context.Context, id uuid.UUID, patch model.AttemptPatch) error
	Finalize(ctx context.Context, id uuid.UUID, f model.Finalization) error
}

// SpillQueue holds writes that could not be persisted, in order.
type SpillQueue interface {
	Push(ctx context.Context, w Write) error
}

// Kind names the attempt store operation a Write performs.
type Kind string

const (
	KindCreate Kind = "create"
	KindPatch  Kind = "patch"
	KindFinish Kind = "finish"
)

// Write is one queued attempt store operation.
type Write struct {
	Kind         Kind                `json:"kind"`
	AttemptID    uuid.UUID           `json:"attempt_id"`
	Attempt      *model.ExamAttempt  `json:"attempt,omitempty"`
	Patch        *model.AttemptPatch `json:"patch,omitempty"`
	Finalization *model.Finalization `json:"finalization,omitempty"`
	QueuedAt     time.Time           `json:"queued_at"`
}

// ErrMalformedWrite is returned for a write missing the payload its kind needs.
var ErrMalformedWrite = errors.New("malformed attempt write")

// Apply performs w against store.
func (w *Write) Apply(ctx context.Context, store Store) error {
	switch w.Kind {
	case KindCreate:
		if w.Attempt == nil {
			return ErrMalformedWrite
		}
		return store.Create(ctx, w.Attempt)
	case KindPatch:
		if w.Patch == nil {
			return ErrMalformedWrite
		}
		return store.Update(ctx, w.AttemptID, *w.Patch)
	case KindFinish:
		if w.Finalization == nil {
			return ErrMalformedWrite
		}
		return store.Finalize(ctx, w.AttemptID, *w.Finalization)
	}
	return fmt.Errorf("%w: kind %q", ErrMalformedWrite, w.Kind)
}

// Encode serializes w for the spill queue.
func (w *Write) Encode() (string, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeWrite parses a spilled write.
func DecodeWrite(raw string) (Write, error) {
	var w Write
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Write{}, err
	}
	return w, nil
}
