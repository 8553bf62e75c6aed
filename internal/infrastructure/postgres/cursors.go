package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CursorStore owns the durable round-robin cursor, one row per rule. The
// cursor must live outside the process so two engine instances firing the
// same rule never assign the same slot twice.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore creates a cursor store over the given pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Advance performs the atomic read-increment-write in a single statement:
// the row is created lazily at position 0 on first use, then stepped
// (position+1) mod modulus on every subsequent call. Row-level locking in
// the upsert serializes concurrent callers per rule.
func (s *CursorStore) Advance(ctx context.Context, ruleID string, modulus int) (int, error) {
	if modulus <= 0 {
		return 0, fmt.Errorf("cursor advance: modulus must be positive, got %d", modulus)
	}

	query := `
		INSERT INTO task_assignment_cursors (rule_id, position)
		VALUES ($1, 0)
		ON CONFLICT (rule_id) DO UPDATE
		SET position = (task_assignment_cursors.position + 1) % $2,
		    updated_at = NOW()
		RETURNING position
	`

	var pos int
	if err := s.pool.QueryRow(ctx, query, ruleID, modulus).Scan(&pos); err != nil {
		return 0, fmt.Errorf("cursor advance: %w", err)
	}

	// The stored position can exceed the modulus when the candidate list
	// shrank since the last firing; fold it back into range.
	return pos % modulus, nil
}
