package metering

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"flowmatic.io/apperr"
)

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (f *fakeAlerter) QuotaAlert(_ context.Context, orgID, quotaType, threshold string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, quotaType+":"+threshold)
	return nil
}

func newTestMeter(t *testing.T) (*Meter, *fakeAlerter) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(Models()...))

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	alerter := &fakeAlerter{}
	return NewMeter(gdb, DefaultPricing, alerter, logger), alerter
}

func TestCreateQuotaValidation(t *testing.T) {
	meter, _ := newTestMeter(t)

	err := meter.CreateQuota(&Quota{
		OrganizationID:   "org-1",
		QuotaType:        KindExecutions,
		Period:           PeriodMonthly,
		Limit:            10,
		WarningThreshold: 95,
		AlertThreshold:   80,
	})
	require.Error(t, err, "warning must be below alert")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestChargeWithinLimit(t *testing.T) {
	meter, _ := newTestMeter(t)
	ctx := context.Background()

	require.NoError(t, meter.CreateQuota(&Quota{
		OrganizationID: "org-1",
		QuotaType:      KindExecutions,
		Period:         PeriodMonthly,
		Limit:          5,
		IsEnforced:     true,
	}))

	require.NoError(t, meter.Check(ctx, "org-1", KindExecutions, 1))
	require.NoError(t, meter.Charge(ctx, "org-1", KindExecutions, 1, "ex-1"))

	used, limit, found, err := meter.Usage(ctx, "org-1", KindExecutions)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), used)
	assert.Equal(t, int64(5), limit)

	// A usage event was ledgered with the priced cost.
	events, err := meter.Events(ctx, "org-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindExecutions, events[0].QuotaType)
	assert.Equal(t, int64(1), events[0].Quantity)
	assert.InDelta(t, DefaultPricing[KindExecutions], events[0].TotalCost, 1e-9)
	assert.Equal(t, "ex-1", events[0].ResourceID)
}

func TestEnforcedQuotaNeverOverruns(t *testing.T) {
	meter, _ := newTestMeter(t)
	ctx := context.Background()

	require.NoError(t, meter.CreateQuota(&Quota{
		OrganizationID: "org-1",
		QuotaType:      KindExecutions,
		Period:         PeriodMonthly,
		Limit:          3,
		IsEnforced:     true,
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, meter.Charge(ctx, "org-1", KindExecutions, 1, ""))
	}

	err := meter.Charge(ctx, "org-1", KindExecutions, 1, "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindQuotaExceeded))

	// The failed charge mutated nothing.
	used, _, _, err := meter.Usage(ctx, "org-1", KindExecutions)
	require.NoError(t, err)
	assert.Equal(t, int64(3), used)

	// Check reports the exhaustion before any mutation.
	err = meter.Check(ctx, "org-1", KindExecutions, 1)
	assert.True(t, apperr.IsKind(err, apperr.KindQuotaExceeded))
}

func TestUnenforcedQuotaAllowsOverrun(t *testing.T) {
	meter, _ := newTestMeter(t)
	ctx := context.Background()

	require.NoError(t, meter.CreateQuota(&Quota{
		OrganizationID: "org-1",
		QuotaType:      KindAPICalls,
		Period:         PeriodMonthly,
		Limit:          1,
		IsEnforced:     false,
	}))

	require.NoError(t, meter.Charge(ctx, "org-1", KindAPICalls, 1, ""))
	require.NoError(t, meter.Charge(ctx, "org-1", KindAPICalls, 1, ""))

	used, _, _, err := meter.Usage(ctx, "org-1", KindAPICalls)
	require.NoError(t, err)
	assert.Equal(t, int64(2), used)
}

func TestChargeWithoutQuotaIsLedgeredOnly(t *testing.T) {
	meter, _ := newTestMeter(t)
	ctx := context.Background()

	require.NoError(t, meter.Charge(ctx, "org-1", KindDocuments, 1, "doc-1"))

	events, err := meter.Events(ctx, "org-1", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestThresholdAlertsOncePerPeriod(t *testing.T) {
	meter, alerter := newTestMeter(t)
	ctx := context.Background()

	require.NoError(t, meter.CreateQuota(&Quota{
		OrganizationID:   "org-1",
		QuotaType:        KindExecutions,
		Period:           PeriodMonthly,
		Limit:            10,
		IsEnforced:       true,
		WarningThreshold: 50,
		AlertThreshold:   90,
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, meter.Charge(ctx, "org-1", KindExecutions, 1, ""))
	}
	assert.Equal(t, []string{KindExecutions + ":warning"}, alerter.alerts)

	// Further charges below the alert threshold notify nothing new.
	require.NoError(t, meter.Charge(ctx, "org-1", KindExecutions, 1, ""))
	assert.Len(t, alerter.alerts, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, meter.Charge(ctx, "org-1", KindExecutions, 1, ""))
	}
	assert.Contains(t, alerter.alerts, KindExecutions+":alert")
	assert.Len(t, alerter.alerts, 2)
}

func TestResetElapsed(t *testing.T) {
	meter, alerter := newTestMeter(t)
	ctx := context.Background()

	quota := &Quota{
		OrganizationID: "org-1",
		QuotaType:      KindExecutions,
		Period:         PeriodDaily,
		Limit:          10,
		IsEnforced:     true,
		PeriodStart:    time.Now().Add(-25 * time.Hour),
	}
	require.NoError(t, meter.CreateQuota(quota))

	total := &Quota{
		OrganizationID: "org-1",
		QuotaType:      KindDocuments,
		Period:         PeriodTotal,
		Limit:          100,
		IsEnforced:     true,
		PeriodStart:    time.Now().Add(-500 * 24 * time.Hour),
	}
	require.NoError(t, meter.CreateQuota(total))

	require.NoError(t, meter.Charge(ctx, "org-1", KindExecutions, 9, ""))
	require.NoError(t, meter.Charge(ctx, "org-1", KindDocuments, 5, ""))

	reset, err := meter.ResetElapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reset, "total-period quotas never reset")

	used, _, _, err := meter.Usage(ctx, "org-1", KindExecutions)
	require.NoError(t, err)
	assert.Zero(t, used)

	used, _, _, err = meter.Usage(ctx, "org-1", KindDocuments)
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)

	// A fresh period notifies thresholds again.
	for i := 0; i < 9; i++ {
		require.NoError(t, meter.Charge(ctx, "org-1", KindExecutions, 1, ""))
	}
	warnings := 0
	for _, alert := range alerter.alerts {
		if alert == KindExecutions+":warning" || alert == KindExecutions+":alert" {
			warnings++
		}
	}
	assert.GreaterOrEqual(t, warnings, 2)
}
