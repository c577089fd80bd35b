// Package analytics aggregates execution and usage records into the
// dashboard metrics served by the API.
package analytics

import (
	"time"

	"gorm.io/gorm"

	"flowmatic.io/apperr"
	"flowmatic.io/engine"
	"flowmatic.io/metering"
	"flowmatic.io/workflow"
)

// Period selects the aggregation window.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Window returns the period's start time relative to now.
func (p Period) Window(now time.Time) (time.Time, error) {
	switch p {
	case PeriodDay:
		return now.Add(-24 * time.Hour), nil
	case PeriodWeek, "":
		return now.Add(-7 * 24 * time.Hour), nil
	case PeriodMonth:
		return now.Add(-30 * 24 * time.Hour), nil
	}
	return time.Time{}, apperr.Validation("unknown analytics period %q", p)
}

// Dashboard is the aggregate metrics payload.
type Dashboard struct {
	Period          Period            `json:"period"`
	Executions      int64             `json:"executions"`
	Completed       int64             `json:"completed"`
	Failed          int64             `json:"failed"`
	SuccessRate     float64           `json:"success_rate"`
	AvgDurationSecs float64           `json:"avg_duration_seconds"`
	AITokensUsed    int64             `json:"ai_tokens_used"`
	AICost          float64           `json:"ai_cost"`
	ActiveWorkflows int64             `json:"active_workflows"`
	UsageCost       float64           `json:"usage_cost"`
	TopWorkflows    []WorkflowMetrics `json:"top_workflows"`
}

// WorkflowMetrics are per-workflow aggregates.
type WorkflowMetrics struct {
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name"`
	Executions int64  `json:"executions"`
	Failed     int64  `json:"failed"`
}

// Service computes analytics aggregates.
type Service struct {
	db *gorm.DB
}

// NewService creates an analytics service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Dashboard aggregates an organization's activity over the period.
func (s *Service) Dashboard(orgID string, period Period) (*Dashboard, error) {
	now := time.Now()
	since, err := period.Window(now)
	if err != nil {
		return nil, err
	}
	if period == "" {
		period = PeriodWeek
	}

	dashboard := &Dashboard{Period: period}

	base := s.db.Model(&engine.Execution{}).
		Where("organization_id = ? AND created_at >= ?", orgID, since)

	if err := base.Session(&gorm.Session{}).Count(&dashboard.Executions).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Where("status = ?", engine.StatusCompleted).
		Count(&dashboard.Completed).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Where("status = ?", engine.StatusFailed).
		Count(&dashboard.Failed).Error; err != nil {
		return nil, err
	}
	if dashboard.Executions > 0 {
		dashboard.SuccessRate = float64(dashboard.Completed) / float64(dashboard.Executions) * 100
	}

	type aggregates struct {
		AvgDuration float64
		Tokens      int64
		Cost        float64
	}
	var agg aggregates
	err = s.db.Model(&engine.Execution{}).
		Select("COALESCE(AVG(duration), 0) AS avg_duration, COALESCE(SUM(ai_tokens_used), 0) AS tokens, COALESCE(SUM(ai_cost), 0) AS cost").
		Where("organization_id = ? AND created_at >= ?", orgID, since).
		Scan(&agg).Error
	if err != nil {
		return nil, err
	}
	dashboard.AvgDurationSecs = agg.AvgDuration
	dashboard.AITokensUsed = agg.Tokens
	dashboard.AICost = agg.Cost

	err = s.db.Model(&workflow.Workflow{}).
		Where("organization_id = ? AND is_active = ?", orgID, true).
		Count(&dashboard.ActiveWorkflows).Error
	if err != nil {
		return nil, err
	}

	var usageCost float64
	err = s.db.Model(&metering.UsageEvent{}).
		Select("COALESCE(SUM(total_cost), 0)").
		Where("organization_id = ? AND created_at >= ?", orgID, since).
		Scan(&usageCost).Error
	if err != nil {
		return nil, err
	}
	dashboard.UsageCost = usageCost

	err = s.db.Model(&engine.Execution{}).
		Select("workflow_executions.workflow_id, workflows.name, COUNT(*) AS executions, SUM(CASE WHEN workflow_executions.status = 'failed' THEN 1 ELSE 0 END) AS failed").
		Joins("JOIN workflows ON workflows.id = workflow_executions.workflow_id").
		Where("workflow_executions.organization_id = ? AND workflow_executions.created_at >= ?", orgID, since).
		Group("workflow_executions.workflow_id, workflows.name").
		Order("executions DESC").
		Limit(5).
		Scan(&dashboard.TopWorkflows).Error
	if err != nil {
		return nil, err
	}

	return dashboard, nil
}
