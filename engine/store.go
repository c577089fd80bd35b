package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"flowmatic.io/apperr"
	"flowmatic.io/handler"
	"flowmatic.io/workflow"
)

// Store persists executions, steps, logs, and AI requests, and applies
// state transitions under the per-execution optimistic lock.
type Store struct {
	db        *gorm.DB
	workflows *workflow.Store
}

// NewStore creates an engine store.
func NewStore(db *gorm.DB, workflows *workflow.Store) *Store {
	return &Store{db: db, workflows: workflows}
}

// CreateExecution persists a new pending execution.
func (s *Store) CreateExecution(ex *Execution) error {
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	ex.Status = StatusPending
	if ex.Input == nil {
		ex.Input = map[string]interface{}{}
	}
	if ex.Context == nil {
		ex.Context = map[string]interface{}{}
	}
	return s.db.Create(ex).Error
}

// GetExecution loads an execution by id.
func (s *Store) GetExecution(id string) (*Execution, error) {
	var ex Execution
	err := s.db.First(&ex, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("execution %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

// GetScopedExecution loads an execution scoped to an organization.
func (s *Store) GetScopedExecution(orgID, id string) (*Execution, error) {
	var ex Execution
	err := s.db.First(&ex, "id = ? AND organization_id = ?", id, orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("execution %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

// ListExecutions returns an organization's executions, newest first.
func (s *Store) ListExecutions(orgID, workflowID string, limit, offset int) ([]Execution, int64, error) {
	q := s.db.Model(&Execution{}).Where("organization_id = ?", orgID)
	if workflowID != "" {
		q = q.Where("workflow_id = ?", workflowID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var executions []Execution
	err := q.Order("created_at DESC").Find(&executions).Error
	return executions, total, err
}

// applyTransition runs the pure state machine and persists the result
// guarded by the lock version. A stale update surfaces as a conflict.
func (s *Store) applyTransition(ex *Execution, event Event, updates map[string]interface{}) error {
	next, err := Transition(ex.Status, event)
	if err != nil {
		return err
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = next
	updates["lock_version"] = ex.LockVersion + 1

	res := s.db.Model(&Execution{}).
		Where("id = ? AND lock_version = ?", ex.ID, ex.LockVersion).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("execution %s was modified concurrently", ex.ID)
	}
	ex.Status = next
	ex.LockVersion++
	return nil
}

// Start transitions pending -> running and records the start time and
// clears the dispatch lease.
func (s *Store) Start(ex *Execution) error {
	now := time.Now()
	if err := s.applyTransition(ex, EventStart, map[string]interface{}{
		"started_at":       now,
		"lease_expires_at": nil,
	}); err != nil {
		return err
	}
	ex.StartedAt = &now
	ex.LeaseExpiresAt = nil
	return nil
}

// Complete transitions running -> completed, records the final output and
// duration, and bumps the workflow's success statistics.
func (s *Store) Complete(ex *Execution, output map[string]interface{}) error {
	now := time.Now()
	duration := float64(0)
	if ex.StartedAt != nil {
		duration = now.Sub(*ex.StartedAt).Seconds()
	}
	err := s.applyTransition(ex, EventComplete, map[string]interface{}{
		"completed_at":   now,
		"duration":       duration,
		"output":         output,
		"context":        ex.Context,
		"ai_tokens_used": ex.AITokensUsed,
		"ai_cost":        ex.AICost,
	})
	if err != nil {
		return err
	}
	ex.CompletedAt = &now
	ex.Duration = duration
	ex.Output = output
	return s.workflows.RecordCompletion(ex.WorkflowID, now)
}

// Fail transitions to failed, records the error, and bumps the workflow's
// failure statistics.
func (s *Store) Fail(ex *Execution, message string, details map[string]interface{}) error {
	now := time.Now()
	duration := float64(0)
	if ex.StartedAt != nil {
		duration = now.Sub(*ex.StartedAt).Seconds()
	}
	err := s.applyTransition(ex, EventFail, map[string]interface{}{
		"completed_at":   now,
		"duration":       duration,
		"error_message":  message,
		"error_details":  details,
		"context":        ex.Context,
		"ai_tokens_used": ex.AITokensUsed,
		"ai_cost":        ex.AICost,
	})
	if err != nil {
		return err
	}
	ex.CompletedAt = &now
	ex.Duration = duration
	ex.ErrorMessage = message
	ex.ErrorDetails = details
	return s.workflows.RecordFailure(ex.WorkflowID, now)
}

// Cancel transitions to cancelled from pending, running, or paused.
func (s *Store) Cancel(ex *Execution) error {
	now := time.Now()
	duration := float64(0)
	if ex.StartedAt != nil {
		duration = now.Sub(*ex.StartedAt).Seconds()
	}
	if err := s.applyTransition(ex, EventCancel, map[string]interface{}{
		"completed_at": now,
		"duration":     duration,
	}); err != nil {
		return err
	}
	ex.CompletedAt = &now
	ex.Duration = duration
	return nil
}

// Pause transitions running -> paused.
func (s *Store) Pause(ex *Execution) error {
	return s.applyTransition(ex, EventPause, nil)
}

// Resume transitions paused -> running.
func (s *Store) Resume(ex *Execution) error {
	return s.applyTransition(ex, EventResume, nil)
}

// CreateRetry creates a child execution for a failed parent, inheriting
// its input, context, and trigger.
func (s *Store) CreateRetry(parent *Execution, principalID string) (*Execution, error) {
	if !parent.CanRetry() {
		return nil, apperr.Validation("execution %s cannot be retried", parent.ID)
	}

	triggeredBy := parent.TriggeredBy
	if principalID != "" {
		triggeredBy = &principalID
	}

	child := &Execution{
		ID:                uuid.New().String(),
		WorkflowID:        parent.WorkflowID,
		OrganizationID:    parent.OrganizationID,
		Input:             parent.Input,
		Context:           parent.Context,
		TriggerID:         parent.TriggerID,
		TriggeredBy:       triggeredBy,
		RetryCount:        parent.RetryCount + 1,
		MaxRetries:        parent.MaxRetries,
		ParentExecutionID: &parent.ID,
		Metadata:          parent.Metadata,
	}
	if err := s.CreateExecution(child); err != nil {
		return nil, err
	}
	return child, nil
}

// Leases

// RenewLease extends the dispatch lease on a pending execution.
func (s *Store) RenewLease(executionID string, window time.Duration) error {
	return s.db.Model(&Execution{}).
		Where("id = ?", executionID).
		Update("lease_expires_at", time.Now().Add(window)).Error
}

// ReclaimExpired returns the ids of pending executions whose dispatch
// lease lapsed, renewing their leases so each reclaim hands the execution
// to exactly one queue push.
func (s *Store) ReclaimExpired(window time.Duration) ([]string, error) {
	var expired []Execution
	err := s.db.Select("id").
		Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", StatusPending, time.Now()).
		Find(&expired).Error
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(expired))
	for _, ex := range expired {
		if err := s.RenewLease(ex.ID, window); err != nil {
			return ids, err
		}
		ids = append(ids, ex.ID)
	}
	return ids, nil
}

// CountActiveForTrigger counts non-terminal executions of a
// (workflow, trigger) pair, for non-overlapping triggers.
func (s *Store) CountActiveForTrigger(workflowID, triggerID string) (int64, error) {
	var count int64
	err := s.db.Model(&Execution{}).
		Where("workflow_id = ? AND trigger_id = ? AND status IN ?",
			workflowID, triggerID, []Status{StatusPending, StatusRunning, StatusPaused}).
		Count(&count).Error
	return count, err
}

// Steps

// CreateStep persists a new pending step with its context snapshot.
func (s *Store) CreateStep(step *Step) error {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	step.Status = StepPending
	return s.db.Create(step).Error
}

// StartStep transitions a step to running.
func (s *Store) StartStep(step *Step) error {
	now := time.Now()
	step.Status = StepRunning
	step.StartedAt = &now
	return s.db.Model(&Step{}).Where("id = ?", step.ID).Updates(map[string]interface{}{
		"status":     StepRunning,
		"started_at": now,
	}).Error
}

// CompleteStep transitions a step to completed with its output.
func (s *Store) CompleteStep(step *Step, output map[string]interface{}) error {
	now := time.Now()
	duration := float64(0)
	if step.StartedAt != nil {
		duration = now.Sub(*step.StartedAt).Seconds()
	}
	step.Status = StepCompleted
	step.CompletedAt = &now
	step.Duration = duration
	step.Output = output
	return s.db.Model(&Step{}).Where("id = ?", step.ID).Updates(map[string]interface{}{
		"status":       StepCompleted,
		"completed_at": now,
		"duration":     duration,
		"output":       output,
	}).Error
}

// FailStep transitions a step to failed with its error.
func (s *Store) FailStep(step *Step, message string, details map[string]interface{}) error {
	now := time.Now()
	duration := float64(0)
	if step.StartedAt != nil {
		duration = now.Sub(*step.StartedAt).Seconds()
	}
	step.Status = StepFailed
	step.CompletedAt = &now
	step.Duration = duration
	step.ErrorMessage = message
	return s.db.Model(&Step{}).Where("id = ?", step.ID).Updates(map[string]interface{}{
		"status":        StepFailed,
		"completed_at":  now,
		"duration":      duration,
		"error_message": message,
		"error_details": details,
	}).Error
}

// SkipStep marks a step skipped.
func (s *Store) SkipStep(step *Step) error {
	now := time.Now()
	step.Status = StepSkipped
	step.CompletedAt = &now
	return s.db.Model(&Step{}).Where("id = ?", step.ID).Updates(map[string]interface{}{
		"status":       StepSkipped,
		"completed_at": now,
	}).Error
}

// ListSteps returns an execution's steps in step-number order.
func (s *Store) ListSteps(executionID string) ([]Step, error) {
	var steps []Step
	err := s.db.Where("execution_id = ?", executionID).
		Order("step_number ASC").Find(&steps).Error
	return steps, err
}

// Logs

// AppendLog writes one execution log line. The log stream is append-only.
func (s *Store) AppendLog(executionID string, stepID *string, level LogLevel, message string, details map[string]interface{}) error {
	entry := &Log{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		StepID:      stepID,
		Level:       level,
		Message:     message,
		Details:     details,
		CreatedAt:   time.Now(),
	}
	return s.db.Create(entry).Error
}

// ListLogs returns an execution's logs in append order.
func (s *Store) ListLogs(executionID string) ([]Log, error) {
	var logs []Log
	err := s.db.Where("execution_id = ?", executionID).
		Order("created_at ASC").Find(&logs).Error
	return logs, err
}

// SweepLogs deletes execution logs older than the retention window.
func (s *Store) SweepLogs(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := s.db.Where("created_at < ?", cutoff).Delete(&Log{})
	return res.RowsAffected, res.Error
}

// AI requests

// RecordAIRequest implements handler.AIRecorder: it persists the AI call
// record with the computed total token count.
func (s *Store) RecordAIRequest(ctx context.Context, record *handler.AIRequestRecord) error {
	var stepID *string
	if record.StepID != "" {
		stepID = &record.StepID
	}
	row := &AIRequest{
		ID:           uuid.New().String(),
		ExecutionID:  record.ExecutionID,
		StepID:       stepID,
		Provider:     record.Provider,
		Model:        record.Model,
		Prompt:       record.Prompt,
		SystemPrompt: record.SystemPrompt,
		Response:     record.Response,
		InputTokens:  record.InputTokens,
		OutputTokens: record.OutputTokens,
		TotalTokens:  record.InputTokens + record.OutputTokens,
		Cost:         record.Cost,
		Duration:     record.Duration.Seconds(),
		Success:      record.Success,
		ErrorMessage: record.ErrorMessage,
		CreatedAt:    time.Now(),
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// ListAIRequests returns an execution's AI calls, oldest first.
func (s *Store) ListAIRequests(executionID string) ([]AIRequest, error) {
	var requests []AIRequest
	err := s.db.Where("execution_id = ?", executionID).
		Order("created_at ASC").Find(&requests).Error
	return requests, err
}
