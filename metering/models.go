// Package metering implements usage quotas and the billable-event ledger.
// Quota counters are the enforcement source of truth; usage events are the
// append-only ledger behind them.
package metering

import (
	"time"
)

// Quota kinds. Every chargeable event maps to one of these.
const (
	KindWorkflows  = "workflows"
	KindExecutions = "executions"
	KindAPICalls   = "api_calls"
	KindStorage    = "storage"
	KindMembers    = "members"
	KindAITokens   = "ai_tokens"
	KindDocuments  = "documents"
)

// Period is the quota accounting window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
	PeriodTotal   Period = "total"
)

// Duration returns the reset interval of the period. Total never resets
// and returns zero.
func (p Period) Duration() time.Duration {
	switch p {
	case PeriodDaily:
		return 24 * time.Hour
	case PeriodWeekly:
		return 7 * 24 * time.Hour
	case PeriodMonthly:
		return 30 * 24 * time.Hour
	case PeriodYearly:
		return 365 * 24 * time.Hour
	}
	return 0
}

// Quota is a per-organization, per-resource-kind usage ceiling. When
// enforced, no successful chargeable event may push CurrentUsage past
// Limit.
type Quota struct {
	ID               string `gorm:"primaryKey;size:36"`
	OrganizationID   string `gorm:"size:36;uniqueIndex:idx_quota_org_kind_period"`
	QuotaType        string `gorm:"size:50;uniqueIndex:idx_quota_org_kind_period"`
	Period           Period `gorm:"size:20;uniqueIndex:idx_quota_org_kind_period"`
	Limit            int64  `gorm:"column:quota_limit"`
	CurrentUsage     int64
	WarningThreshold int // percent, warning < alert
	AlertThreshold   int // percent, alert <= 100
	IsActive         bool `gorm:"index;default:true"`
	IsEnforced       bool `gorm:"default:true"`
	PeriodStart      time.Time
	PeriodEnd        *time.Time
	LastResetAt      *time.Time
	WarningSentAt    *time.Time
	AlertSentAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName keeps the table name stable.
func (Quota) TableName() string { return "usage_quotas" }

// UsagePercent returns current usage as a percentage of the limit.
func (q *Quota) UsagePercent() float64 {
	if q.Limit == 0 {
		return 0
	}
	return float64(q.CurrentUsage) / float64(q.Limit) * 100
}

// UsageEvent is one row of the append-only billable-event ledger.
type UsageEvent struct {
	ID             string `gorm:"primaryKey;size:36"`
	OrganizationID string `gorm:"size:36;index"`
	QuotaType      string `gorm:"size:50;index"`
	Quantity       int64
	UnitCost       float64
	TotalCost      float64
	ResourceID     string `gorm:"size:36"`
	PeriodStart    time.Time
	PeriodEnd      *time.Time
	CreatedAt      time.Time `gorm:"index"`
}

// TableName keeps the table name stable.
func (UsageEvent) TableName() string { return "usage_events" }

// Pricing looks up the unit cost of a quota kind.
type Pricing map[string]float64

// DefaultPricing is the built-in per-unit price table.
var DefaultPricing = Pricing{
	KindExecutions: 0.002,
	KindAITokens:   0.00001,
	KindAPICalls:   0.0001,
	KindDocuments:  0.01,
	KindStorage:    0.02,
}

// UnitCost returns the unit cost for a kind, zero when unpriced.
func (p Pricing) UnitCost(kind string) float64 {
	return p[kind]
}
