// Package rule defines the task assignment rule model and its trigger events.
package rule

import (
	"encoding/json"
	"time"
)

// AssignmentStrategy selects the algorithm used to pick a task assignee.
type AssignmentStrategy string

const (
	StrategyPool             AssignmentStrategy = "pool"
	StrategyUser             AssignmentStrategy = "user"
	StrategyPatient          AssignmentStrategy = "patient"
	StrategyRole             AssignmentStrategy = "role"
	StrategyRoundRobin       AssignmentStrategy = "round_robin"
	StrategyWorkloadBalanced AssignmentStrategy = "workload_balanced"
)

// Strategies lists the accepted assignment strategies.
var Strategies = []AssignmentStrategy{
	StrategyPool,
	StrategyUser,
	StrategyPatient,
	StrategyRole,
	StrategyRoundRobin,
	StrategyWorkloadBalanced,
}

// AssignmentTarget is the strategy-dependent target configuration. Which
// fields are required is determined by the rule's AssignmentStrategy and
// enforced by Validate at save time, not at dispatch time.
type AssignmentTarget struct {
	PoolID     string   `json:"pool_id,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	Role       string   `json:"role,omitempty"`
	Department string   `json:"department,omitempty"`
	Location   string   `json:"location,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// TaskConfig holds the task content configured on a rule. Non-zero fields
// override the referenced template's defaults. Description supports
// {{dot.path}} tokens interpolated against the trigger payload.
type TaskConfig struct {
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	DueInHours  int      `json:"due_in_hours,omitempty"`
	Category    string   `json:"category,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// Options carries per-rule behavioral flags forwarded to task creation.
type Options struct {
	SendNotification      bool `json:"send_notification,omitempty"`
	AutoStart             bool `json:"auto_start,omitempty"`
	RequireAcknowledgment bool `json:"require_acknowledgment,omitempty"`
}

// Conditions is a flat AND-of-equality predicate: each key is a dot-path
// into the event payload, each value a scalar (equality) or a list
// (membership). An empty predicate matches every payload.
type Conditions map[string]any

// Rule is the configuration unit mapping a trigger event to a task
// definition and an assignment strategy. (orgID, name) is unique.
type Rule struct {
	ID                 string             `json:"id"`
	OrgID              string             `json:"org_id"`
	Name               string             `json:"name"`
	Description        string             `json:"description,omitempty"`
	IsActive           bool               `json:"is_active"`
	Priority           int                `json:"priority"`
	TriggerEvent       string             `json:"trigger_event"`
	TriggerConditions  Conditions         `json:"trigger_conditions"`
	TaskTemplateID     string             `json:"task_template_id,omitempty"`
	TaskConfig         TaskConfig         `json:"task_config"`
	AssignmentStrategy AssignmentStrategy `json:"assignment_strategy"`
	AssignmentTarget   AssignmentTarget   `json:"assignment_target"`
	Options            Options            `json:"options"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	CreatedBy          string             `json:"created_by,omitempty"`
}

// TriggerEvent is a transient domain occurrence delivered by a producer
// module. DedupeKey is the producer-supplied idempotency boundary.
type TriggerEvent struct {
	OrgID      string          `json:"org_id"`
	EventType  string          `json:"event_type"`
	DedupeKey  string          `json:"dedupe_key"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Known trigger event types emitted by the clinical modules.
const (
	EventLabOrderCreated     = "lab_order_created"
	EventImagingOrderCreated = "imaging_order_created"
	EventAppointmentCreated  = "appointment_scheduled"
	EventFormSubmitted       = "form_submitted"
)

// PayloadMap decodes the event payload into a generic map. A nil or empty
// payload decodes to an empty map.
func (e *TriggerEvent) PayloadMap() (map[string]any, error) {
	if len(e.Payload) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// TaskTemplate is the external template referenced by a rule. Only the
// fields consumed by task materialization are modeled here.
type TaskTemplate struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	TitleTemplate       string   `json:"title_template"`
	DescriptionTemplate string   `json:"description_template,omitempty"`
	DefaultPriority     string   `json:"default_priority,omitempty"`
	DefaultDueInHours   int      `json:"default_due_in_hours,omitempty"`
	DefaultCategory     string   `json:"default_category,omitempty"`
	DefaultLabels       []string `json:"default_labels,omitempty"`
}
