package workflow

import (
	"time"
)

// Status is the workflow lifecycle status.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// Workflow is a named, versioned, org-owned workflow graph.
type Workflow struct {
	ID             string     `gorm:"primaryKey;size:36"`
	OrganizationID string     `gorm:"size:36;index:idx_workflows_org_status"`
	Name           string     `gorm:"size:255;index"`
	Description    string
	Definition     Definition `gorm:"serializer:json"`
	Status         Status     `gorm:"size:20;index:idx_workflows_org_status"`
	IsActive       bool       `gorm:"index"`
	Version        int        `gorm:"default:1"`
	Tags           []string               `gorm:"serializer:json"`
	Metadata       map[string]interface{} `gorm:"serializer:json"`
	ExecutionCount int64
	SuccessCount   int64
	FailureCount   int64
	LastExecutedAt *time.Time
	CreatedBy      string `gorm:"size:36"`
	UpdatedBy      string `gorm:"size:36"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SuccessRate returns the workflow's success percentage.
func (w *Workflow) SuccessRate() float64 {
	if w.ExecutionCount == 0 {
		return 0
	}
	return float64(w.SuccessCount) / float64(w.ExecutionCount) * 100
}

// Version snapshots are immutable; (workflow, version number) is unique
// and version numbers are monotone per workflow.
type Version struct {
	ID            string     `gorm:"primaryKey;size:36"`
	WorkflowID    string     `gorm:"size:36;uniqueIndex:idx_versions_wf_number"`
	VersionNumber int        `gorm:"uniqueIndex:idx_versions_wf_number"`
	Definition    Definition `gorm:"serializer:json"`
	ChangeSummary string
	CreatedBy     string `gorm:"size:36"`
	CreatedAt     time.Time
}

// TableName keeps the table name stable.
func (Version) TableName() string { return "workflow_versions" }

// VariableType constrains variable values.
type VariableType string

const (
	VariableString  VariableType = "string"
	VariableNumber  VariableType = "number"
	VariableBoolean VariableType = "boolean"
	VariableArray   VariableType = "array"
	VariableObject  VariableType = "object"
)

// VariableScope scopes where a variable applies.
type VariableScope string

const (
	ScopeGlobal      VariableScope = "global"
	ScopeLocal       VariableScope = "local"
	ScopeEnvironment VariableScope = "environment"
)

// Variable is a declared workflow input. Secret variables are never
// returned through read APIs in plaintext.
type Variable struct {
	ID           string       `gorm:"primaryKey;size:36"`
	WorkflowID   string       `gorm:"size:36;uniqueIndex:idx_variables_wf_name"`
	Name         string       `gorm:"size:100;uniqueIndex:idx_variables_wf_name"`
	Type         VariableType `gorm:"size:20"`
	Scope        VariableScope `gorm:"size:20;default:local"`
	DefaultValue interface{}   `gorm:"serializer:json"`
	IsRequired   bool
	IsSecret     bool
	Description  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName keeps the table name stable.
func (Variable) TableName() string { return "workflow_variables" }

// Masked returns the variable with the default value hidden when secret.
func (v Variable) Masked() Variable {
	if v.IsSecret && v.DefaultValue != nil {
		v.DefaultValue = "********"
	}
	return v
}

// TriggerKind is the trigger classification.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerWebhook   TriggerKind = "webhook"
	TriggerEvent     TriggerKind = "event"
)

// Trigger submits executions for its workflow. Scheduled triggers carry a
// cron expression and timezone; webhook triggers carry a globally unique
// path token and secret.
type Trigger struct {
	ID             string      `gorm:"primaryKey;size:36"`
	WorkflowID     string      `gorm:"size:36;index"`
	Name           string      `gorm:"size:255"`
	Kind           TriggerKind `gorm:"size:20;index"`
	Config         map[string]interface{} `gorm:"serializer:json"`
	CronExpression string                 `gorm:"size:100"`
	Timezone       string                 `gorm:"size:50;default:UTC"`
	WebhookPath    *string                `gorm:"size:64;uniqueIndex"`
	WebhookSecret  string                 `gorm:"size:255" json:"-"`
	EventType      string                 `gorm:"size:100;index"`
	EventFilter    map[string]interface{} `gorm:"serializer:json"`
	NonOverlapping bool
	IsActive       bool `gorm:"index;default:true"`
	ExecutionCount int64
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName keeps the table name stable.
func (Trigger) TableName() string { return "workflow_triggers" }
