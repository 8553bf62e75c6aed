package engine

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/clinicore/task-engine/internal/domain/rule"
)

// Strategy defaults applied when neither the rule's task config nor the
// template specifies a value.
const (
	defaultTaskPriority = "routine"
	defaultDueInHours   = 24
)

// CreateTaskRequest is the request sent to the external task service. The
// originating rule id and trigger event tag the task for traceability.
type CreateTaskRequest struct {
	OrgID                 string    `json:"org_id"`
	Title                 string    `json:"title,omitempty"`
	Description           string    `json:"description"`
	Priority              string    `json:"priority"`
	Category              string    `json:"category,omitempty"`
	Labels                []string  `json:"labels,omitempty"`
	DueAt                 time.Time `json:"due_at"`
	AssigneeType          string    `json:"assignee_type"`
	AssigneeID            string    `json:"assignee_id"`
	PatientID             string    `json:"patient_id,omitempty"`
	OriginatingRuleID     string    `json:"originating_rule_id"`
	TriggerEvent          string    `json:"trigger_event"`
	AutoStart             bool      `json:"auto_start,omitempty"`
	RequireAcknowledgment bool      `json:"require_acknowledgment,omitempty"`
}

// TaskCreator creates a task in the external task service and returns the
// created task id.
type TaskCreator interface {
	CreateTask(ctx context.Context, req *CreateTaskRequest) (string, error)
}

// TemplateStore reads task templates by id from the external template store.
type TemplateStore interface {
	Template(ctx context.Context, id string) (*rule.TaskTemplate, error)
}

// Notifier publishes a task-created notification after a successful
// materialization. Publish failures must never fail the execution.
type Notifier interface {
	TaskCreated(ctx context.Context, orgID, taskID, ruleID, triggerEvent string, assignee Assignee)
}

// Materializer merges rule and template configuration into a task creation
// request. Precedence, highest first: rule task config, template defaults,
// strategy defaults.
type Materializer struct {
	tasks     TaskCreator
	templates TemplateStore
	notifier  Notifier
	logger    *zap.Logger
}

// NewMaterializer creates a materializer. templates and notifier may be nil
// when the deployment has no template store or notification bus.
func NewMaterializer(tasks TaskCreator, templates TemplateStore, notifier Notifier, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{tasks: tasks, templates: templates, notifier: notifier, logger: logger}
}

// Materialize builds and creates the task for one matched rule firing.
// executedAt anchors the due date computation.
func (m *Materializer) Materialize(ctx context.Context, rl *rule.Rule, assignee Assignee, payload map[string]any, executedAt time.Time) (string, error) {
	var tmpl *rule.TaskTemplate
	if rl.TaskTemplateID != "" && m.templates != nil {
		t, err := m.templates.Template(ctx, rl.TaskTemplateID)
		if err != nil {
			return "", fmt.Errorf("%w: template %s: %v", ErrTaskCreation, rl.TaskTemplateID, err)
		}
		tmpl = t
	}

	req := m.buildRequest(rl, tmpl, assignee, payload, executedAt)

	taskID, err := m.tasks.CreateTask(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTaskCreation, err)
	}

	if m.notifier != nil && rl.Options.SendNotification {
		m.notifier.TaskCreated(ctx, rl.OrgID, taskID, rl.ID, rl.TriggerEvent, assignee)
	}

	return taskID, nil
}

func (m *Materializer) buildRequest(rl *rule.Rule, tmpl *rule.TaskTemplate, assignee Assignee, payload map[string]any, executedAt time.Time) *CreateTaskRequest {
	cfg := rl.TaskConfig

	description := cfg.Description
	title := ""
	priority := cfg.Priority
	dueInHours := cfg.DueInHours
	category := cfg.Category
	labels := cfg.Labels

	if tmpl != nil {
		title = interpolate(tmpl.TitleTemplate, payload)
		if description == "" {
			description = tmpl.DescriptionTemplate
		}
		if priority == "" {
			priority = tmpl.DefaultPriority
		}
		if dueInHours == 0 {
			dueInHours = tmpl.DefaultDueInHours
		}
		if category == "" {
			category = tmpl.DefaultCategory
		}
		if len(labels) == 0 {
			labels = tmpl.DefaultLabels
		}
	}

	if priority == "" {
		priority = defaultTaskPriority
	}
	if dueInHours == 0 {
		dueInHours = defaultDueInHours
	}

	patientID := ""
	if v, ok := payload["patient_id"].(string); ok {
		patientID = v
	}

	return &CreateTaskRequest{
		OrgID:                 rl.OrgID,
		Title:                 title,
		Description:           interpolate(description, payload),
		Priority:              priority,
		Category:              category,
		Labels:                labels,
		DueAt:                 executedAt.Add(time.Duration(dueInHours) * time.Hour),
		AssigneeType:          assignee.Type,
		AssigneeID:            assignee.ID,
		PatientID:             patientID,
		OriginatingRuleID:     rl.ID,
		TriggerEvent:          rl.TriggerEvent,
		AutoStart:             rl.Options.AutoStart,
		RequireAcknowledgment: rl.Options.RequireAcknowledgment,
	}
}

var tokenPattern = regexp.MustCompile(`\{\{\s*([^}\s]+)\s*\}\}`)

// interpolate replaces {{dot.path}} tokens with values from the event
// payload. Unresolvable tokens are left verbatim so misconfiguration is
// visible on the created task rather than silently blanked.
func interpolate(template string, payload map[string]any) string {
	if template == "" {
		return template
	}
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		path := tokenPattern.FindStringSubmatch(token)[1]
		v, ok := lookupPath(payload, path)
		if !ok || v == nil {
			return token
		}
		return normalize(v)
	})
}
