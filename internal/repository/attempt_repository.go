package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-simulator/internal/model"
)

// ErrAttemptNotFound is returned when no attempt has the requested id.
var ErrAttemptNotFound = errors.New("attempt not found")

const attemptColumns = `id, user_id, exam_title, exam_type, session_count, session_minutes,
	question_ids, answers, flags, question_times, phase, sessions_completed,
	session1_started_at, session2_started_at, live_index,
	raw_score, total_questions, standard_pass_score, angoff_pass_score,
	completed, time_taken_minutes, created_at, updated_at`

// AttemptRepository stores exam attempts in PostgreSQL. It never deletes.
type AttemptRepository struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool, log zerolog.Logger) *AttemptRepository {
	return &AttemptRepository{
		pool: pool,
		log:  log.With().Str("component", "attempt_repository").Logger(),
	}
}

// Create inserts a new attempt. Replaying the same create is a no-op.
func (r *AttemptRepository) Create(ctx context.Context, a *model.ExamAttempt) error {
	cols, err := encodeAttempt(a)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO exam_attempts (id, user_id, exam_title, exam_type, session_count, session_minutes,
		    question_ids, answers, flags, question_times, phase, total_questions, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.UserID, a.ExamTitle, a.ExamType, a.SessionCount, a.SessionMinutes,
		cols.questionIDs, cols.answers, cols.flags, cols.times, a.Phase, a.TotalQuestions,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// GetByID retrieves an attempt.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamAttempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	return a, err
}

// ListByUser retrieves a user's attempts, newest first.
func (r *AttemptRepository) ListByUser(ctx context.Context, userID, limit int) ([]model.ExamAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.ExamAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// Update merges patch into the attempt. Completed attempts are never changed.
func (r *AttemptRepository) Update(ctx context.Context, id uuid.UUID, patch model.AttemptPatch) error {
	return r.withLockedAttempt(ctx, id, func(tx pgx.Tx, a *model.ExamAttempt) error {
		dropped, err := a.Apply(patch, time.Now())
		if err != nil {
			return err
		}
		if len(dropped) > 0 {
			r.log.Warn().Str("attempt_id", id.String()).Strs("question_ids", dropped).
				Msg("Dropped entries for questions outside the attempt")
		}

		cols, err := encodeAttempt(a)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE exam_attempts
			 SET answers = $1, flags = $2, question_times = $3, phase = $4, sessions_completed = $5,
			     session1_started_at = $6, session2_started_at = $7, live_index = $8, updated_at = $9
			 WHERE id = $10 AND completed = FALSE`,
			cols.answers, cols.flags, cols.times, a.Phase, a.SessionsCompleted,
			a.SessionStartedAt[0], a.SessionStartedAt[1], a.LiveIndex, a.UpdatedAt, id,
		)
		if err != nil {
			return fmt.Errorf("update attempt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.ErrAttemptCompleted
		}
		return nil
	})
}

// Finalize writes the score and marks the attempt completed. It fails with
// model.ErrAttemptCompleted if the attempt was already completed.
func (r *AttemptRepository) Finalize(ctx context.Context, id uuid.UUID, f model.Finalization) error {
	return r.withLockedAttempt(ctx, id, func(tx pgx.Tx, a *model.ExamAttempt) error {
		if err := a.Finalize(f, time.Now()); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE exam_attempts
			 SET raw_score = $1, total_questions = $2, standard_pass_score = $3, angoff_pass_score = $4,
			     time_taken_minutes = $5, phase = $6, completed = TRUE, updated_at = $7
			 WHERE id = $8 AND completed = FALSE`,
			a.RawScore, a.TotalQuestions, a.StandardPassScore, a.AngoffPassScore,
			a.TimeTakenMinutes, a.Phase, a.UpdatedAt, id,
		)
		if err != nil {
			return fmt.Errorf("finalize attempt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.ErrAttemptCompleted
		}
		return nil
	})
}

func (r *AttemptRepository) withLockedAttempt(ctx context.Context, id uuid.UUID, fn func(pgx.Tx, *model.ExamAttempt) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAttempt(tx.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAttemptNotFound
	}
	if err != nil {
		return err
	}

	if err := fn(tx, a); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type attemptJSON struct {
	questionIDs []byte
	answers     []byte
	flags       []byte
	times       []byte
}

func encodeAttempt(a *model.ExamAttempt) (attemptJSON, error) {
	var out attemptJSON
	var err error
	if out.questionIDs, err = json.Marshal(nonNil(a.QuestionIDs)); err != nil {
		return out, fmt.Errorf("encode question ids: %w", err)
	}
	answers := a.Answers
	if answers == nil {
		answers = map[string]model.Letter{}
	}
	if out.answers, err = json.Marshal(answers); err != nil {
		return out, fmt.Errorf("encode answers: %w", err)
	}
	if out.flags, err = json.Marshal(nonNil(a.Flags)); err != nil {
		return out, fmt.Errorf("encode flags: %w", err)
	}
	times := a.QuestionTimes
	if times == nil {
		times = map[string]float64{}
	}
	if out.times, err = json.Marshal(times); err != nil {
		return out, fmt.Errorf("encode question times: %w", err)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanAttempt(row pgx.Row) (*model.ExamAttempt, error) {
	var a model.ExamAttempt
	var cols attemptJSON
	err := row.Scan(
		&a.ID, &a.UserID, &a.ExamTitle, &a.ExamType, &a.SessionCount, &a.SessionMinutes,
		&cols.questionIDs, &cols.answers, &cols.flags, &cols.times, &a.Phase, &a.SessionsCompleted,
		&a.SessionStartedAt[0], &a.SessionStartedAt[1], &a.LiveIndex,
		&a.RawScore, &a.TotalQuestions, &a.StandardPassScore, &a.AngoffPassScore,
		&a.Completed, &a.TimeTakenMinutes, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cols.questionIDs, &a.QuestionIDs); err != nil {
		return nil, fmt.Errorf("decode question ids: %w", err)
	}
	if err := json.Unmarshal(cols.answers, &a.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	if err := json.Unmarshal(cols.flags, &a.Flags); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}
	if err := json.Unmarshal(cols.times, &a.QuestionTimes); err != nil {
		return nil, fmt.Errorf("decode question times: %w", err)
	}
	return &a, nil
}
