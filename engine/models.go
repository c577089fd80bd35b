// Package engine implements the workflow execution engine: the execution
// records and their state machine, the scheduler that owns dispatch, and
// the DAG runner that walks a workflow graph node by node.
package engine

import (
	"time"
)

// Status is the execution lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is the per-step lifecycle status.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// Error kinds recorded on failed executions.
const (
	ErrorKindTimeout     = "timeout"
	ErrorKindInterrupted = "interrupted"
	ErrorKindUpstream    = "upstream_failure"
	ErrorKindValidation  = "validation"
	ErrorKindInternal    = "internal"
)

// Execution is one attempt to run a workflow. State transitions are
// guarded by an optimistic lock (LockVersion); concurrent conflicting
// transitions fail with a retryable conflict error.
type Execution struct {
	ID             string `gorm:"primaryKey;size:36"`
	WorkflowID     string `gorm:"size:36;index:idx_executions_wf_status"`
	OrganizationID string `gorm:"size:36;index"`
	Status         Status `gorm:"size:20;index:idx_executions_wf_status"`

	Input        map[string]interface{} `gorm:"serializer:json"`
	Output       map[string]interface{} `gorm:"serializer:json"`
	ErrorMessage string
	ErrorDetails map[string]interface{} `gorm:"serializer:json"`
	Context      map[string]interface{} `gorm:"serializer:json"`

	TriggerID   *string `gorm:"size:36;index"`
	TriggeredBy *string `gorm:"size:36;index"`

	StartedAt   *time.Time
	CompletedAt *time.Time
	Duration    float64 // seconds

	MemoryUsage  int64
	CPUTime      float64
	AITokensUsed int
	AICost       float64

	RetryCount        int
	MaxRetries        int
	ParentExecutionID *string `gorm:"size:36;index"`

	Metadata map[string]interface{} `gorm:"serializer:json"`

	LockVersion    int
	LeaseExpiresAt *time.Time `gorm:"index"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName keeps the table name stable.
func (Execution) TableName() string { return "workflow_executions" }

// CanRetry reports whether a retry child may be created.
func (e *Execution) CanRetry() bool {
	return e.Status == StatusFailed && e.RetryCount < e.MaxRetries
}

// Step is one node invocation within one execution. Step numbers are
// dense from 1 and unique per execution.
type Step struct {
	ID          string     `gorm:"primaryKey;size:36"`
	ExecutionID string     `gorm:"size:36;uniqueIndex:idx_steps_exec_number"`
	NodeID      string     `gorm:"size:255;index"`
	NodeType    string     `gorm:"size:100"`
	NodeName    string     `gorm:"size:255"`
	StepNumber  int        `gorm:"uniqueIndex:idx_steps_exec_number"`
	Status      StepStatus `gorm:"size:20;index"`

	Input        map[string]interface{} `gorm:"serializer:json"`
	Output       map[string]interface{} `gorm:"serializer:json"`
	ErrorMessage string
	ErrorDetails map[string]interface{} `gorm:"serializer:json"`

	StartedAt   *time.Time
	CompletedAt *time.Time
	Duration    float64 // seconds
	RetryCount  int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName keeps the table name stable.
func (Step) TableName() string { return "execution_steps" }

// LogLevel is the execution log severity.
type LogLevel string

const (
	LogDebug    LogLevel = "debug"
	LogInfo     LogLevel = "info"
	LogWarning  LogLevel = "warning"
	LogError    LogLevel = "error"
	LogCritical LogLevel = "critical"
)

// Log is one append-only execution log line.
type Log struct {
	ID          string   `gorm:"primaryKey;size:36"`
	ExecutionID string   `gorm:"size:36;index:idx_logs_exec_created"`
	StepID      *string  `gorm:"size:36;index"`
	Level       LogLevel `gorm:"size:20;index"`
	Message     string
	Details     map[string]interface{} `gorm:"serializer:json"`
	CreatedAt   time.Time              `gorm:"index:idx_logs_exec_created"`
}

// TableName keeps the table name stable.
func (Log) TableName() string { return "execution_logs" }

// AIRequest records one outbound AI call. TotalTokens is computed from
// the input and output counts on save, never stored raw.
type AIRequest struct {
	ID          string  `gorm:"primaryKey;size:36"`
	ExecutionID string  `gorm:"size:36;index"`
	StepID      *string `gorm:"size:36;index"`

	Provider     string `gorm:"size:50"`
	Model        string `gorm:"size:100"`
	Prompt       string
	SystemPrompt string
	Response     string

	InputTokens  int
	OutputTokens int
	TotalTokens  int

	Cost     float64
	Duration float64 // seconds

	Success      bool
	ErrorMessage string

	CreatedAt time.Time `gorm:"index"`
}

// TableName keeps the table name stable.
func (AIRequest) TableName() string { return "ai_requests" }

// SubmitRequest asks the scheduler to run a workflow.
type SubmitRequest struct {
	WorkflowID     string
	OrganizationID string
	Input          map[string]interface{}
	TriggerID      string
	PrincipalID    string
	Metadata       map[string]interface{}
}

// Models returns the models this package migrates.
func Models() []interface{} {
	return []interface{}{&Execution{}, &Step{}, &Log{}, &AIRequest{}}
}
