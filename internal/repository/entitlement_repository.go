package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EntitlementRepository tracks how many exam-day simulators each user may still start.
type EntitlementRepository struct {
	pool *pgxpool.Pool
}

// NewEntitlementRepository creates a new EntitlementRepository.
func NewEntitlementRepository(pool *pgxpool.Pool) *EntitlementRepository {
	return &EntitlementRepository{pool: pool}
}

// ConsumeSimulatorCredit takes one credit from the user. It returns false
// without changing anything when the user has none left.
func (r *EntitlementRepository) ConsumeSimulatorCredit(ctx context.Context, userID int) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE simulator_credits
		 SET credits = credits - 1, updated_at = NOW()
		 WHERE user_id = $1 AND credits > 0`, userID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Credits returns the user's remaining credits.
func (r *EntitlementRepository) Credits(ctx context.Context, userID int) (int, error) {
	var credits int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT credits FROM simulator_credits WHERE user_id = $1), 0)`, userID,
	).Scan(&credits)
	return credits, err
}
