package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"flowmatic.io/workflow"
)

// Scanner fires scheduled triggers. A periodic tick examines every active
// scheduled trigger on an active workflow; cron expressions are evaluated
// in the trigger's declared timezone, and a (trigger, minute) pair submits
// at most once.
type Scanner struct {
	workflows  *workflow.Store
	dispatcher *Dispatcher
	logger     *logrus.Logger
	interval   time.Duration

	mu    sync.Mutex
	fired map[string]time.Time // trigger id -> minute last fired
}

// NewScanner creates a cron scanner. The tick interval must be at most
// one minute; the default is one minute.
func NewScanner(workflows *workflow.Store, dispatcher *Dispatcher, logger *logrus.Logger, interval time.Duration) *Scanner {
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	return &Scanner{
		workflows:  workflows,
		dispatcher: dispatcher,
		logger:     logger,
		interval:   interval,
		fired:      make(map[string]time.Time),
	}
}

// Run ticks until the context is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if count := s.Scan(ctx, now); count > 0 {
				s.logger.WithField("count", count).Info("fired scheduled triggers")
			}
		}
	}
}

// Scan fires every scheduled trigger whose cron expression activates in
// the tick window ending at now. Returns the number of submissions.
func (s *Scanner) Scan(ctx context.Context, now time.Time) int {
	triggers, err := s.workflows.ActiveScheduledTriggers()
	if err != nil {
		s.logger.WithError(err).Error("failed to load scheduled triggers")
		return 0
	}

	fired := 0
	for i := range triggers {
		trigger := &triggers[i]
		if s.Due(trigger, now) {
			if _, err := s.dispatcher.FireTrigger(ctx, trigger, map[string]interface{}{}, ""); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"trigger_id":  trigger.ID,
					"workflow_id": trigger.WorkflowID,
				}).Error("scheduled submission failed")
				continue
			}
			fired++
		}
	}
	return fired
}

// Due reports whether the trigger's cron expression activates in the tick
// window ending at now, suppressing duplicate same-minute firings.
func (s *Scanner) Due(trigger *workflow.Trigger, now time.Time) bool {
	schedule, err := cron.ParseStandard(trigger.CronExpression)
	if err != nil {
		// Malformed expressions are rejected at create/update; a row that
		// slipped through never fires.
		return false
	}

	location, err := time.LoadLocation(trigger.Timezone)
	if err != nil {
		location = time.UTC
	}
	local := now.In(location)

	// The expression is due when its next activation after the start of
	// the window falls inside the window.
	windowStart := local.Add(-s.interval)
	next := schedule.Next(windowStart)
	if next.After(local) {
		return false
	}

	minute := next.Truncate(time.Minute)
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.fired[trigger.ID]; ok && last.Equal(minute) {
		return false
	}
	s.fired[trigger.ID] = minute
	return true
}
