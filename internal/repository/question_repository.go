package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-simulator/internal/model"
)

// QuestionRepository reads the question bank. The simulator never writes to it.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// GetQuestionsByIDs retrieves the questions with the given ids in no particular order.
// Ids that do not exist are skipped.
func (r *QuestionRepository) GetQuestionsByIDs(ctx context.Context, ids []string) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, question_text, option_a, option_b, option_c, option_d, option_e,
		        correct_answer, explanation, subject, difficulty, angoff_score
		 FROM questions WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	questions := make([]model.Question, 0, len(ids))
	for rows.Next() {
		var q model.Question
		var key string
		if err := rows.Scan(&q.ID, &q.QuestionText,
			&q.Options[0], &q.Options[1], &q.Options[2], &q.Options[3], &q.Options[4],
			&key, &q.Explanation, &q.Subject, &q.Difficulty, &q.AngoffScore); err != nil {
			return nil, err
		}
		if q.CorrectAnswer, err = model.ParseLetter(key); err != nil {
			return nil, fmt.Errorf("question %s: %w", q.ID, err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}
