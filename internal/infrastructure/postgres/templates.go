package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/task-engine/internal/domain/rule"
)

// TemplateStore reads task templates. The template table is owned by the
// task administration service; the engine only resolves templates by id
// during materialization.
type TemplateStore struct {
	pool *pgxpool.Pool
}

// NewTemplateStore creates a template reader over the given pool.
func NewTemplateStore(pool *pgxpool.Pool) *TemplateStore {
	return &TemplateStore{pool: pool}
}

// Template fetches one active template by id.
func (s *TemplateStore) Template(ctx context.Context, id string) (*rule.TaskTemplate, error) {
	query := `
		SELECT id, name, title_template,
		       COALESCE(description_template, ''),
		       COALESCE(default_priority, ''),
		       COALESCE(default_due_in_hours, 0),
		       COALESCE(default_category, ''),
		       COALESCE(default_labels, '{}')
		FROM task_templates
		WHERE id = $1 AND is_active = TRUE
	`

	t := &rule.TaskTemplate{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.Name, &t.TitleTemplate, &t.DescriptionTemplate,
		&t.DefaultPriority, &t.DefaultDueInHours, &t.DefaultCategory, &t.DefaultLabels,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task template not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	return t, nil
}
