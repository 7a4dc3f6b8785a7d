package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-simulator/internal/model"
)

// QuestionStore supplies immutable questions. Result order is not guaranteed.
type QuestionStore interface {
	GetQuestionsByIDs(ctx context.Context, ids []string) ([]model.Question, error)
}

// Entitlement answers whether a user may start an exam-day simulator now and
// consumes one credit when it does.
type Entitlement interface {
	ConsumeSimulatorCredit(ctx context.Context, userID int) (bool, error)
}

// Recorder persists phase transitions. Every method except OnAttemptStart is
// write-behind and must not block.
type Recorder interface {
	OnAttemptStart(ctx context.Context, user model.SessionContext, spec model.ExamSpec) (uuid.UUID, error)
	OnSessionComplete(attemptID uuid.UUID, result model.SessionResult, next model.Phase)
	OnCheckpoint(attemptID uuid.UUID, patch model.AttemptPatch)
	OnAttemptFinish(attemptID uuid.UUID, report model.ScoreReport, timeTaken time.Duration)
}
