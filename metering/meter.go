package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"flowmatic.io/apperr"
)

// Alerter receives threshold-crossing notifications. Implemented by the
// notifier wiring in main; tests use an in-memory fake.
type Alerter interface {
	QuotaAlert(ctx context.Context, orgID, quotaType, threshold string, usagePercent float64) error
}

// Meter owns the quota counters and the usage-event ledger.
type Meter struct {
	db      *gorm.DB
	pricing Pricing
	alerter Alerter
	logger  *logrus.Logger
}

// NewMeter creates a usage meter. alerter may be nil when threshold
// notifications are not wired.
func NewMeter(db *gorm.DB, pricing Pricing, alerter Alerter, logger *logrus.Logger) *Meter {
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &Meter{db: db, pricing: pricing, alerter: alerter, logger: logger}
}

// CreateQuota creates a quota row. Thresholds must satisfy
// warning < alert <= 100.
func (m *Meter) CreateQuota(quota *Quota) error {
	if quota.WarningThreshold <= 0 {
		quota.WarningThreshold = 80
	}
	if quota.AlertThreshold <= 0 {
		quota.AlertThreshold = 95
	}
	if quota.WarningThreshold >= quota.AlertThreshold || quota.AlertThreshold > 100 {
		return apperr.Validation("quota thresholds must satisfy warning < alert <= 100")
	}
	if quota.Limit < 0 {
		return apperr.Validation("quota limit must not be negative")
	}
	if quota.ID == "" {
		quota.ID = uuid.New().String()
	}
	if quota.PeriodStart.IsZero() {
		quota.PeriodStart = time.Now()
	}
	quota.IsActive = true
	return m.db.Create(quota).Error
}

// Get loads the active quota for (org, kind), or nil when none is
// configured.
func (m *Meter) Get(ctx context.Context, orgID, kind string) (*Quota, error) {
	var quota Quota
	err := m.db.WithContext(ctx).
		First(&quota, "organization_id = ? AND quota_type = ? AND is_active = ?", orgID, kind, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &quota, nil
}

// Check verifies that charging qty would not exceed an enforced quota. It
// mutates nothing; Charge re-verifies atomically.
func (m *Meter) Check(ctx context.Context, orgID, kind string, qty int64) error {
	quota, err := m.Get(ctx, orgID, kind)
	if err != nil {
		return err
	}
	if quota == nil || !quota.IsEnforced {
		return nil
	}
	if quota.CurrentUsage+qty > quota.Limit {
		return apperr.QuotaExceeded(kind, quota.Limit)
	}
	return nil
}

// Charge atomically increments the quota counter and appends a usage
// event. The increment is a single conditional UPDATE so an enforced quota
// can never be pushed past its limit, even under concurrent chargers.
func (m *Meter) Charge(ctx context.Context, orgID, kind string, qty int64, resourceID string) error {
	var quota Quota
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&quota, "organization_id = ? AND quota_type = ? AND is_active = ?", orgID, kind, true).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No quota configured: unmetered, but still ledgered.
			return m.appendEvent(tx, orgID, kind, qty, resourceID, time.Now(), nil)
		}
		if err != nil {
			return err
		}

		update := tx.Model(&Quota{}).
			Where("id = ?", quota.ID).
			Where("is_enforced = ? OR current_usage + ? <= quota_limit", false, qty).
			UpdateColumn("current_usage", gorm.Expr("current_usage + ?", qty))
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return apperr.QuotaExceeded(kind, quota.Limit)
		}
		quota.CurrentUsage += qty

		return m.appendEvent(tx, orgID, kind, qty, resourceID, quota.PeriodStart, quota.PeriodEnd)
	})
	if err != nil {
		return err
	}

	m.notifyThresholds(ctx, &quota)
	return nil
}

func (m *Meter) appendEvent(tx *gorm.DB, orgID, kind string, qty int64, resourceID string, periodStart time.Time, periodEnd *time.Time) error {
	unitCost := m.pricing.UnitCost(kind)
	event := &UsageEvent{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		QuotaType:      kind,
		Quantity:       qty,
		UnitCost:       unitCost,
		TotalCost:      float64(qty) * unitCost,
		ResourceID:     resourceID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		CreatedAt:      time.Now(),
	}
	return tx.Create(event).Error
}

// notifyThresholds emits warning/alert notifications once per threshold
// per period.
func (m *Meter) notifyThresholds(ctx context.Context, quota *Quota) {
	if m.alerter == nil || quota.Limit == 0 {
		return
	}
	percent := quota.UsagePercent()
	now := time.Now()

	if percent >= float64(quota.AlertThreshold) && quota.AlertSentAt == nil {
		if err := m.alerter.QuotaAlert(ctx, quota.OrganizationID, quota.QuotaType, "alert", percent); err == nil {
			m.db.Model(&Quota{}).Where("id = ? AND alert_sent_at IS NULL", quota.ID).
				UpdateColumn("alert_sent_at", now)
		} else if m.logger != nil {
			m.logger.WithError(err).Warn("quota alert notification failed")
		}
		return
	}
	if percent >= float64(quota.WarningThreshold) && quota.WarningSentAt == nil {
		if err := m.alerter.QuotaAlert(ctx, quota.OrganizationID, quota.QuotaType, "warning", percent); err == nil {
			m.db.Model(&Quota{}).Where("id = ? AND warning_sent_at IS NULL", quota.ID).
				UpdateColumn("warning_sent_at", now)
		} else if m.logger != nil {
			m.logger.WithError(err).Warn("quota warning notification failed")
		}
	}
}

// Usage returns (used, limit) for the org's quota of the given kind.
// Returns found=false when no quota is configured.
func (m *Meter) Usage(ctx context.Context, orgID, kind string) (used, limit int64, found bool, err error) {
	quota, err := m.Get(ctx, orgID, kind)
	if err != nil || quota == nil {
		return 0, 0, false, err
	}
	return quota.CurrentUsage, quota.Limit, true, nil
}

// ResetElapsed resets every quota whose period has elapsed since its last
// reset. Total-period quotas never reset. Returns the number of quotas
// reset.
func (m *Meter) ResetElapsed(ctx context.Context) (int, error) {
	var quotas []Quota
	if err := m.db.WithContext(ctx).
		Where("is_active = ? AND period <> ?", true, string(PeriodTotal)).
		Find(&quotas).Error; err != nil {
		return 0, err
	}

	now := time.Now()
	reset := 0
	for i := range quotas {
		quota := &quotas[i]
		window := quota.Period.Duration()
		if window == 0 {
			continue
		}
		anchor := quota.PeriodStart
		if quota.LastResetAt != nil {
			anchor = *quota.LastResetAt
		}
		if now.Sub(anchor) < window {
			continue
		}

		end := now.Add(window)
		err := m.db.Model(&Quota{}).Where("id = ?", quota.ID).Updates(map[string]interface{}{
			"current_usage":   0,
			"last_reset_at":   now,
			"period_start":    now,
			"period_end":      end,
			"warning_sent_at": nil,
			"alert_sent_at":   nil,
		}).Error
		if err != nil {
			return reset, fmt.Errorf("failed to reset quota %s: %w", quota.ID, err)
		}
		reset++
	}

	if reset > 0 && m.logger != nil {
		m.logger.WithField("count", reset).Info("reset elapsed usage quotas")
	}
	return reset, nil
}

// Events returns the ledger for an organization, newest first.
func (m *Meter) Events(ctx context.Context, orgID string, limit int) ([]UsageEvent, error) {
	q := m.db.WithContext(ctx).Where("organization_id = ?", orgID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []UsageEvent
	err := q.Find(&events).Error
	return events, err
}

// Models returns the models this package migrates.
func Models() []interface{} {
	return []interface{}{&Quota{}, &UsageEvent{}}
}
