package workflow

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"flowmatic.io/apperr"
)

// Store persists workflows, versions, variables, and triggers, and
// enforces the graph validity invariants on every definition write.
type Store struct {
	db *gorm.DB
}

// NewStore creates a workflow store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for cross-store transactions.
func (s *Store) DB() *gorm.DB { return s.db }

// Create validates the definition and persists a new workflow together
// with its initial version snapshot.
func (s *Store) Create(wf *Workflow) error {
	if wf.Name == "" {
		return apperr.Validation("workflow name is required")
	}
	if result := ValidateDefinition(&wf.Definition); !result.Valid() {
		return result.Err()
	}

	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Status == "" {
		wf.Status = StatusDraft
	}
	wf.Version = 1
	wf.IsActive = wf.Status == StatusActive

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(wf).Error; err != nil {
			return err
		}
		version := &Version{
			ID:            uuid.New().String(),
			WorkflowID:    wf.ID,
			VersionNumber: 1,
			Definition:    wf.Definition,
			ChangeSummary: "initial version",
			CreatedBy:     wf.CreatedBy,
			CreatedAt:     time.Now(),
		}
		return tx.Create(version).Error
	})
}

// Get loads a workflow by id scoped to an organization.
func (s *Store) Get(orgID, id string) (*Workflow, error) {
	var wf Workflow
	err := s.db.First(&wf, "id = ? AND organization_id = ?", id, orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("workflow %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// GetByID loads a workflow without organization scoping. Used by the
// engine, which already holds a persisted execution row.
func (s *Store) GetByID(id string) (*Workflow, error) {
	var wf Workflow
	err := s.db.First(&wf, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("workflow %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListFilter filters workflow listings.
type ListFilter struct {
	Status   Status
	IsActive *bool
	Tag      string
	Limit    int
	Offset   int
}

// List returns an organization's workflows, newest first.
func (s *Store) List(orgID string, filter ListFilter) ([]Workflow, int64, error) {
	q := s.db.Model(&Workflow{}).Where("organization_id = ?", orgID)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.IsActive != nil {
		q = q.Where("is_active = ?", *filter.IsActive)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var workflows []Workflow
	err := q.Order("updated_at DESC").Find(&workflows).Error
	return workflows, total, err
}

// Update validates and persists changes to a workflow. The definition is
// re-validated on every write; status=active implies the active flag.
func (s *Store) Update(wf *Workflow) error {
	if result := ValidateDefinition(&wf.Definition); !result.Valid() {
		return result.Err()
	}
	wf.IsActive = wf.Status == StatusActive
	return s.db.Save(wf).Error
}

// Delete removes a workflow and its dependent rows.
func (s *Store) Delete(orgID, id string) error {
	wf, err := s.Get(orgID, id)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Version{}, "workflow_id = ?", wf.ID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&Variable{}, "workflow_id = ?", wf.ID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&Trigger{}, "workflow_id = ?", wf.ID).Error; err != nil {
			return err
		}
		return tx.Delete(&Workflow{}, "id = ?", wf.ID).Error
	})
}

// CreateVersion writes a new immutable version snapshot and atomically
// bumps the workflow's version and definition.
func (s *Store) CreateVersion(wf *Workflow, def Definition, author, summary string) (*Version, error) {
	if result := ValidateDefinition(&def); !result.Valid() {
		return nil, result.Err()
	}

	version := &Version{
		ID:            uuid.New().String(),
		WorkflowID:    wf.ID,
		VersionNumber: wf.Version + 1,
		Definition:    def,
		ChangeSummary: summary,
		CreatedBy:     author,
		CreatedAt:     time.Now(),
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(version).Error; err != nil {
			return apperr.Conflict("version %d already exists for workflow %s", version.VersionNumber, wf.ID).Wrap(err)
		}
		return tx.Model(&Workflow{}).Where("id = ? AND version = ?", wf.ID, wf.Version).
			Updates(map[string]interface{}{
				"version":    version.VersionNumber,
				"definition": def,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	wf.Version = version.VersionNumber
	wf.Definition = def
	return version, nil
}

// GetVersion loads one version snapshot.
func (s *Store) GetVersion(workflowID string, number int) (*Version, error) {
	var version Version
	err := s.db.First(&version, "workflow_id = ? AND version_number = ?", workflowID, number).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("version %d of workflow %s not found", number, workflowID)
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// ListVersions returns a workflow's versions, newest first.
func (s *Store) ListVersions(workflowID string) ([]Version, error) {
	var versions []Version
	err := s.db.Where("workflow_id = ?", workflowID).
		Order("version_number DESC").Find(&versions).Error
	return versions, err
}

// Rollback copies a historical version's definition back into the
// workflow without destroying newer versions.
func (s *Store) Rollback(wf *Workflow, number int) (*Version, error) {
	version, err := s.GetVersion(wf.ID, number)
	if err != nil {
		return nil, err
	}

	err = s.db.Model(&Workflow{}).Where("id = ?", wf.ID).
		Update("definition", version.Definition).Error
	if err != nil {
		return nil, err
	}
	wf.Definition = version.Definition
	return version, nil
}

// SweepVersions garbage-collects old versions, keeping the most recent
// keep snapshots per workflow and never the one matching the workflow's
// current version number.
func (s *Store) SweepVersions(keep int) (int64, error) {
	if keep <= 0 {
		keep = 10
	}
	var workflows []Workflow
	if err := s.db.Select("id", "version").Find(&workflows).Error; err != nil {
		return 0, err
	}

	var deleted int64
	for _, wf := range workflows {
		var versions []Version
		err := s.db.Select("id", "version_number").
			Where("workflow_id = ?", wf.ID).
			Order("version_number DESC").Find(&versions).Error
		if err != nil {
			return deleted, err
		}
		if len(versions) <= keep {
			continue
		}
		for _, version := range versions[keep:] {
			if version.VersionNumber == wf.Version {
				continue
			}
			res := s.db.Delete(&Version{}, "id = ?", version.ID)
			if res.Error != nil {
				return deleted, res.Error
			}
			deleted += res.RowsAffected
		}
	}
	return deleted, nil
}

// Variables

// CreateVariable validates and persists a variable declaration.
func (s *Store) CreateVariable(v *Variable) error {
	if err := ValidateVariable(v); err != nil {
		return err
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Scope == "" {
		v.Scope = ScopeLocal
	}
	if err := s.db.Create(v).Error; err != nil {
		return apperr.Conflict("variable %q already exists for this workflow", v.Name).Wrap(err)
	}
	return nil
}

// ListVariables returns a workflow's variables with secrets masked.
func (s *Store) ListVariables(workflowID string) ([]Variable, error) {
	variables, err := s.RawVariables(workflowID)
	if err != nil {
		return nil, err
	}
	for i := range variables {
		variables[i] = variables[i].Masked()
	}
	return variables, nil
}

// RawVariables returns a workflow's variables including secret defaults.
// Only the engine reads these.
func (s *Store) RawVariables(workflowID string) ([]Variable, error) {
	var variables []Variable
	err := s.db.Where("workflow_id = ?", workflowID).Order("name ASC").Find(&variables).Error
	return variables, err
}

// Triggers

// CreateTrigger validates and persists a trigger. Scheduled triggers must
// carry a parseable cron expression and a valid timezone; webhook triggers
// get a generated path token and secret.
func (s *Store) CreateTrigger(t *Trigger) error {
	if err := validateTrigger(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.IsActive = true

	if t.Kind == TriggerWebhook && t.WebhookPath == nil {
		path, secret, err := generateWebhookToken()
		if err != nil {
			return apperr.Internal(err)
		}
		t.WebhookPath = &path
		t.WebhookSecret = secret
	}

	return s.db.Create(t).Error
}

// UpdateTrigger re-validates and persists trigger changes.
func (s *Store) UpdateTrigger(t *Trigger) error {
	if err := validateTrigger(t); err != nil {
		return err
	}
	return s.db.Save(t).Error
}

func validateTrigger(t *Trigger) error {
	switch t.Kind {
	case TriggerManual, TriggerWebhook:
	case TriggerScheduled:
		if t.CronExpression == "" {
			return apperr.Validation("scheduled triggers require a cron expression")
		}
		if _, err := cron.ParseStandard(t.CronExpression); err != nil {
			return apperr.Validation("invalid cron expression %q", t.CronExpression).Wrap(err)
		}
		if t.Timezone == "" {
			t.Timezone = "UTC"
		}
		if _, err := time.LoadLocation(t.Timezone); err != nil {
			return apperr.Validation("invalid timezone %q", t.Timezone).Wrap(err)
		}
	case TriggerEvent:
		if t.EventType == "" {
			return apperr.Validation("event triggers require an event type")
		}
	default:
		return apperr.Validation("unknown trigger kind %q", t.Kind)
	}
	return nil
}

func generateWebhookToken() (path, secret string, err error) {
	pathBytes := make([]byte, 16)
	if _, err = rand.Read(pathBytes); err != nil {
		return "", "", err
	}
	secretBytes := make([]byte, 24)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(pathBytes), hex.EncodeToString(secretBytes), nil
}

// GetTrigger loads a trigger by id.
func (s *Store) GetTrigger(id string) (*Trigger, error) {
	var t Trigger
	err := s.db.First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("trigger %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTriggers returns a workflow's triggers.
func (s *Store) ListTriggers(workflowID string) ([]Trigger, error) {
	var triggers []Trigger
	err := s.db.Where("workflow_id = ?", workflowID).Order("created_at DESC").Find(&triggers).Error
	return triggers, err
}

// ActiveScheduledTriggers returns every active scheduled trigger whose
// workflow is active, for the cron scanner.
func (s *Store) ActiveScheduledTriggers() ([]Trigger, error) {
	var triggers []Trigger
	err := s.db.
		Joins("JOIN workflows ON workflows.id = workflow_triggers.workflow_id").
		Where("workflow_triggers.kind = ? AND workflow_triggers.is_active = ? AND workflows.is_active = ?",
			TriggerScheduled, true, true).
		Find(&triggers).Error
	return triggers, err
}

// ActiveEventTriggers returns active event triggers subscribed to the
// given event type.
func (s *Store) ActiveEventTriggers(eventType string) ([]Trigger, error) {
	var triggers []Trigger
	err := s.db.
		Joins("JOIN workflows ON workflows.id = workflow_triggers.workflow_id").
		Where("workflow_triggers.kind = ? AND workflow_triggers.event_type = ? AND workflow_triggers.is_active = ? AND workflows.is_active = ?",
			TriggerEvent, eventType, true, true).
		Find(&triggers).Error
	return triggers, err
}

// RecordTriggerFired bumps the trigger counters after a submission.
func (s *Store) RecordTriggerFired(triggerID string) error {
	return s.db.Model(&Trigger{}).Where("id = ?", triggerID).Updates(map[string]interface{}{
		"execution_count":   gorm.Expr("execution_count + 1"),
		"last_triggered_at": time.Now(),
	}).Error
}

// Statistics

// RecordCompletion bumps success and execution counts after a completed
// execution.
func (s *Store) RecordCompletion(workflowID string, at time.Time) error {
	return s.db.Model(&Workflow{}).Where("id = ?", workflowID).Updates(map[string]interface{}{
		"success_count":    gorm.Expr("success_count + 1"),
		"execution_count":  gorm.Expr("execution_count + 1"),
		"last_executed_at": at,
	}).Error
}

// RecordFailure bumps failure and execution counts after a failed
// execution.
func (s *Store) RecordFailure(workflowID string, at time.Time) error {
	return s.db.Model(&Workflow{}).Where("id = ?", workflowID).Updates(map[string]interface{}{
		"failure_count":    gorm.Expr("failure_count + 1"),
		"execution_count":  gorm.Expr("execution_count + 1"),
		"last_executed_at": at,
	}).Error
}

// AutoPauseFailing pauses active workflows whose failure rate crossed the
// threshold over at least minExecutions runs. Returns the paused ids.
func (s *Store) AutoPauseFailing(minExecutions int64, failureRate float64) ([]string, error) {
	var workflows []Workflow
	err := s.db.Where("is_active = ? AND execution_count >= ?", true, minExecutions).Find(&workflows).Error
	if err != nil {
		return nil, err
	}

	var paused []string
	for _, wf := range workflows {
		if wf.ExecutionCount == 0 {
			continue
		}
		rate := float64(wf.FailureCount) / float64(wf.ExecutionCount)
		if rate < failureRate {
			continue
		}
		err := s.db.Model(&Workflow{}).Where("id = ?", wf.ID).Updates(map[string]interface{}{
			"is_active": false,
			"status":    StatusPaused,
		}).Error
		if err != nil {
			return paused, err
		}
		paused = append(paused, wf.ID)
	}
	return paused, nil
}

// Models returns the models this package migrates.
func Models() []interface{} {
	return []interface{}{&Workflow{}, &Version{}, &Variable{}, &Trigger{}}
}
