package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flowmatic.io/apperr"
	"flowmatic.io/workflow"
)

// SchedulerConfig tunes the execution scheduler.
type SchedulerConfig struct {
	Workers          int
	QueueSize        int
	MaxRetries       int
	ExecutionTimeout time.Duration
	LeaseWindow      time.Duration
	SubmitWait       time.Duration
	RetryBackoffBase time.Duration
}

// Scheduler owns the lifecycle of executions: it persists submissions,
// hands pending work to the runner pool over a bounded queue, spills to
// the durable overflow buffer under pressure, and reclaims lapsed leases.
type Scheduler struct {
	store     *Store
	workflows *workflow.Store
	runner    *Runner
	overflow  *Overflow
	logger    *logrus.Logger
	config    SchedulerConfig

	queue    chan string
	stopChan chan struct{}
	wg       sync.WaitGroup

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewScheduler creates a scheduler. overflow may be nil; a saturated
// queue then leaves the submission pending until the lease watchdog
// requeues it.
func NewScheduler(store *Store, workflows *workflow.Store, runner *Runner, overflow *Overflow, logger *logrus.Logger, config SchedulerConfig) *Scheduler {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = time.Hour
	}
	if config.LeaseWindow <= 0 {
		config.LeaseWindow = 2 * time.Minute
	}
	if config.SubmitWait <= 0 {
		config.SubmitWait = 100 * time.Millisecond
	}
	if config.RetryBackoffBase <= 0 {
		config.RetryBackoffBase = time.Minute
	}
	return &Scheduler{
		store:     store,
		workflows: workflows,
		runner:    runner,
		overflow:  overflow,
		logger:    logger,
		config:    config,
		queue:     make(chan string, config.QueueSize),
		stopChan:  make(chan struct{}),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Submit validates a request, persists the pending execution, and
// enqueues it for the runner pool. Submissions against inactive workflows
// fail with a validation error; a non-overlapping trigger with a live
// execution rejects with a conflict.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*Execution, error) {
	wf, err := s.workflows.GetByID(req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !wf.IsActive {
		return nil, apperr.Validation("workflow %s is not active", wf.ID)
	}

	var triggerID *string
	if req.TriggerID != "" {
		trigger, err := s.workflows.GetTrigger(req.TriggerID)
		if err != nil {
			return nil, err
		}
		if trigger.NonOverlapping {
			active, err := s.store.CountActiveForTrigger(wf.ID, trigger.ID)
			if err != nil {
				return nil, err
			}
			if active > 0 {
				return nil, apperr.Conflict("trigger %s already has a live execution", trigger.ID)
			}
		}
		triggerID = &req.TriggerID
	}

	var principalID *string
	if req.PrincipalID != "" {
		principalID = &req.PrincipalID
	}

	ex := &Execution{
		WorkflowID:     wf.ID,
		OrganizationID: wf.OrganizationID,
		Input:          req.Input,
		TriggerID:      triggerID,
		TriggeredBy:    principalID,
		MaxRetries:     s.config.MaxRetries,
		Metadata:       req.Metadata,
	}
	lease := time.Now().Add(s.config.LeaseWindow)
	ex.LeaseExpiresAt = &lease

	if err := s.store.CreateExecution(ex); err != nil {
		return nil, err
	}

	s.enqueue(ex.ID)
	return ex, nil
}

// enqueue offers the execution to the queue, blocking briefly, then
// spills to the durable overflow buffer. The lease watchdog picks the
// execution back up even if both paths fail.
func (s *Scheduler) enqueue(executionID string) {
	select {
	case s.queue <- executionID:
		return
	case <-time.After(s.config.SubmitWait):
	}

	if s.overflow != nil {
		if err := s.overflow.Push(executionID); err != nil {
			s.logger.WithError(err).WithField("execution_id", executionID).
				Error("failed to spill execution to overflow buffer")
		}
		return
	}
	s.logger.WithField("execution_id", executionID).
		Warn("queue saturated and no overflow buffer; waiting for lease reclaim")
}

// Start launches the worker pool, the lease watchdog, and the overflow
// drain loop.
func (s *Scheduler) Start() {
	s.logger.WithField("workers", s.config.Workers).Info("starting execution scheduler")
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.wg.Add(1)
	go s.watchdog()
	if s.overflow != nil {
		s.wg.Add(1)
		go s.drainOverflow()
	}
}

// Stop shuts the scheduler down and waits for in-flight work.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("execution scheduler stopped")
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case executionID := <-s.queue:
			s.runOne(executionID)
		}
	}
}

// runOne drives one execution from pending to a terminal state.
func (s *Scheduler) runOne(executionID string) {
	ex, err := s.store.GetExecution(executionID)
	if err != nil {
		s.logger.WithError(err).WithField("execution_id", executionID).Warn("dequeued unknown execution")
		return
	}
	if ex.Status != StatusPending {
		// Duplicate delivery (at-least-once); already handled.
		return
	}

	if err := s.store.Start(ex); err != nil {
		// Lost the optimistic lock to a concurrent worker.
		s.logger.WithError(err).WithField("execution_id", executionID).Debug("skipping execution")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ExecutionTimeout)
	s.registerCancel(ex.ID, cancel)
	defer func() {
		s.unregisterCancel(ex.ID)
		cancel()
	}()

	s.runner.Run(ctx, ex)
	s.maybeAutoRetry(ex)
}

// maybeAutoRetry schedules an automatic retry child for transient
// failures, with exponential backoff and jitter.
func (s *Scheduler) maybeAutoRetry(ex *Execution) {
	current, err := s.store.GetExecution(ex.ID)
	if err != nil || current.Status != StatusFailed || !current.CanRetry() {
		return
	}
	kind, _ := current.ErrorDetails["kind"].(string)
	if kind != ErrorKindUpstream && kind != ErrorKindTimeout {
		return
	}

	backoff := s.config.RetryBackoffBase * time.Duration(1<<current.RetryCount)
	jitter := time.Duration(rand.Int63n(int64(s.config.RetryBackoffBase)))
	delay := backoff + jitter

	s.logger.WithFields(logrus.Fields{
		"execution_id": current.ID,
		"retry_count":  current.RetryCount,
		"delay":        delay.String(),
	}).Info("scheduling automatic retry")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.stopChan:
			return
		case <-time.After(delay):
		}
		child, err := s.store.CreateRetry(current, "")
		if err != nil {
			s.logger.WithError(err).WithField("execution_id", current.ID).Warn("automatic retry failed")
			return
		}
		s.store.RenewLease(child.ID, s.config.LeaseWindow)
		s.enqueue(child.ID)
	}()
}

// Retry creates a manual retry child for a failed execution and enqueues
// it.
func (s *Scheduler) Retry(executionID, principalID string) (*Execution, error) {
	parent, err := s.store.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	child, err := s.store.CreateRetry(parent, principalID)
	if err != nil {
		return nil, err
	}
	s.store.RenewLease(child.ID, s.config.LeaseWindow)
	s.enqueue(child.ID)
	return child, nil
}

// Cancel signals a running execution's runner and transitions pending
// executions directly.
func (s *Scheduler) Cancel(executionID string) error {
	ex, err := s.store.GetExecution(executionID)
	if err != nil {
		return err
	}

	s.cancelMu.Lock()
	cancel, live := s.cancels[executionID]
	s.cancelMu.Unlock()

	if live {
		cancel()
		return nil
	}

	// Not running on this instance: transition directly.
	return s.store.Cancel(ex)
}

// Pause transitions a running execution to paused; the runner blocks at
// the next batch boundary.
func (s *Scheduler) Pause(executionID string) error {
	ex, err := s.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	return s.store.Pause(ex)
}

// Resume transitions a paused execution back to running.
func (s *Scheduler) Resume(executionID string) error {
	ex, err := s.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	return s.store.Resume(ex)
}

func (s *Scheduler) registerCancel(executionID string, cancel context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.cancels[executionID] = cancel
}

func (s *Scheduler) unregisterCancel(executionID string) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	delete(s.cancels, executionID)
}

// watchdog requeues pending executions whose dispatch lease lapsed,
// giving the queue at-least-once semantics.
func (s *Scheduler) watchdog() {
	defer s.wg.Done()
	interval := s.config.LeaseWindow / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ids, err := s.store.ReclaimExpired(s.config.LeaseWindow)
			if err != nil {
				s.logger.WithError(err).Error("lease reclaim failed")
				continue
			}
			for _, id := range ids {
				s.logger.WithField("execution_id", id).Warn("requeueing execution with lapsed lease")
				s.enqueue(id)
			}
		}
	}
}

// drainOverflow feeds spilled executions back into the queue as capacity
// frees up.
func (s *Scheduler) drainOverflow() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.drainOnce()
		}
	}
}

// drainOnce moves buffered executions into the queue until either side
// runs out of capacity.
func (s *Scheduler) drainOnce() {
	for {
		executionID, err := s.overflow.Pop()
		if err != nil {
			s.logger.WithError(err).Error("overflow drain failed")
			return
		}
		if executionID == "" {
			return
		}
		select {
		case s.queue <- executionID:
		default:
			// Queue filled back up; push the id back and retry next tick.
			s.overflow.Push(executionID)
			return
		}
	}
}
