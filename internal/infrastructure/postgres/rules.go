// Package postgres provides PostgreSQL persistence for the rule engine:
// the rule store, the execution log, and the assignment cursor table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinicore/task-engine/internal/domain/rule"
)

// RuleStore reads task assignment rules. Rule CRUD lives in the admin
// service; the engine consumes candidate sets read-only, while Save and
// SetActive exist for the admin layer to reuse with cache invalidation.
type RuleStore struct {
	pool       *pgxpool.Pool
	logger     *zap.Logger
	invalidate func(orgID string)
}

// NewRuleStore creates a rule store. onChange, when non-nil, is called with
// the org id after every mutation so the candidate cache can be dropped.
func NewRuleStore(pool *pgxpool.Pool, onChange func(orgID string), logger *zap.Logger) *RuleStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onChange == nil {
		onChange = func(string) {}
	}
	return &RuleStore{pool: pool, logger: logger, invalidate: onChange}
}

// CandidateRules returns active rules for the organization and trigger,
// priority descending, creation time ascending on ties.
func (s *RuleStore) CandidateRules(ctx context.Context, orgID, eventType string) ([]*rule.Rule, error) {
	query := `
		SELECT id, org_id, name, description, is_active, priority, trigger_event,
		       trigger_conditions, task_template_id, task_config,
		       assignment_strategy, assignment_target, options,
		       created_at, updated_at, created_by
		FROM task_assignment_rules
		WHERE org_id = $1
		  AND trigger_event = $2
		  AND is_active = TRUE
		ORDER BY priority DESC, created_at ASC
	`

	rows, err := s.pool.Query(ctx, query, orgID, eventType)
	if err != nil {
		return nil, fmt.Errorf("query candidate rules: %w", err)
	}
	defer rows.Close()

	var rules []*rule.Rule
	for rows.Next() {
		r := &rule.Rule{}
		var (
			description, templateID, createdBy *string
			conditions, taskCfg, target, opts  []byte
		)
		err := rows.Scan(
			&r.ID, &r.OrgID, &r.Name, &description, &r.IsActive, &r.Priority,
			&r.TriggerEvent, &conditions, &templateID, &taskCfg,
			&r.AssignmentStrategy, &target, &opts,
			&r.CreatedAt, &r.UpdatedAt, &createdBy,
		)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if description != nil {
			r.Description = *description
		}
		if templateID != nil {
			r.TaskTemplateID = *templateID
		}
		if createdBy != nil {
			r.CreatedBy = *createdBy
		}
		if err := decodeRuleJSON(r, conditions, taskCfg, target, opts); err != nil {
			return nil, fmt.Errorf("decode rule %s: %w", r.ID, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func decodeRuleJSON(r *rule.Rule, conditions, taskCfg, target, opts []byte) error {
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &r.TriggerConditions); err != nil {
			return fmt.Errorf("trigger_conditions: %w", err)
		}
	}
	if r.TriggerConditions == nil {
		r.TriggerConditions = rule.Conditions{}
	}
	if len(taskCfg) > 0 {
		if err := json.Unmarshal(taskCfg, &r.TaskConfig); err != nil {
			return fmt.Errorf("task_config: %w", err)
		}
	}
	if len(target) > 0 {
		if err := json.Unmarshal(target, &r.AssignmentTarget); err != nil {
			return fmt.Errorf("assignment_target: %w", err)
		}
	}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &r.Options); err != nil {
			return fmt.Errorf("options: %w", err)
		}
	}
	return nil
}

// Save upserts a rule after validating it, then invalidates the candidate
// cache for the organization. (org_id, name) uniqueness is enforced by the
// table constraint.
func (s *RuleStore) Save(ctx context.Context, r *rule.Rule) error {
	if err := rule.Validate(r); err != nil {
		return err
	}

	conditions, err := json.Marshal(r.TriggerConditions)
	if err != nil {
		return fmt.Errorf("marshal trigger_conditions: %w", err)
	}
	taskCfg, err := json.Marshal(r.TaskConfig)
	if err != nil {
		return fmt.Errorf("marshal task_config: %w", err)
	}
	target, err := json.Marshal(r.AssignmentTarget)
	if err != nil {
		return fmt.Errorf("marshal assignment_target: %w", err)
	}
	opts, err := json.Marshal(r.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	query := `
		INSERT INTO task_assignment_rules
			(id, org_id, name, description, is_active, priority, trigger_event,
			 trigger_conditions, task_template_id, task_config,
			 assignment_strategy, assignment_target, options, created_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13, NULLIF($14, ''))
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			priority = EXCLUDED.priority,
			trigger_event = EXCLUDED.trigger_event,
			trigger_conditions = EXCLUDED.trigger_conditions,
			task_template_id = EXCLUDED.task_template_id,
			task_config = EXCLUDED.task_config,
			assignment_strategy = EXCLUDED.assignment_strategy,
			assignment_target = EXCLUDED.assignment_target,
			options = EXCLUDED.options,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err = s.pool.QueryRow(ctx, query,
		r.ID, r.OrgID, r.Name, r.Description, r.IsActive, r.Priority,
		r.TriggerEvent, conditions, r.TaskTemplateID, taskCfg,
		r.AssignmentStrategy, target, opts, r.CreatedBy,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save rule: %w", err)
	}

	s.invalidate(r.OrgID)
	return nil
}

// SetActive enables or disables a rule and invalidates the candidate cache
// so the change is visible within the staleness bound.
func (s *RuleStore) SetActive(ctx context.Context, orgID, ruleID string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_assignment_rules SET is_active = $1, updated_at = NOW() WHERE id = $2 AND org_id = $3`,
		active, ruleID, orgID)
	if err != nil {
		return fmt.Errorf("set rule active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule not found: %s", ruleID)
	}

	s.invalidate(orgID)
	s.logger.Info("rule active flag changed",
		zap.String("rule_id", ruleID),
		zap.Bool("active", active))
	return nil
}

// Delete removes a rule. Cursor rows cascade with the rule.
func (s *RuleStore) Delete(ctx context.Context, orgID, ruleID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM task_assignment_rules WHERE id = $1 AND org_id = $2`, ruleID, orgID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule not found: %s", ruleID)
	}
	s.invalidate(orgID)
	return nil
}

var _ rule.Source = (*RuleStore)(nil)
