// Package dispatch implements the trigger dispatcher: it turns manual
// calls, cron schedules, webhook hits, and internal events into execution
// submissions. Delivery is at-least-once; the scheduler handles duplicate
// deliveries idempotently, and same-minute scheduled duplicates are
// suppressed here.
package dispatch

import (
	"context"

	"github.com/sirupsen/logrus"

	"flowmatic.io/apperr"
	"flowmatic.io/audit"
	"flowmatic.io/engine"
	"flowmatic.io/queue"
	"flowmatic.io/security"
	"flowmatic.io/workflow"
)

// Dispatcher builds execution requests from trigger firings and hands
// them to the scheduler.
type Dispatcher struct {
	scheduler *engine.Scheduler
	workflows *workflow.Store
	audit     audit.Recorder
	publisher queue.Publisher
	logger    *logrus.Logger
}

// NewDispatcher creates a trigger dispatcher. publisher is the optional
// external-broker mirror; audit may be nil.
func NewDispatcher(scheduler *engine.Scheduler, workflows *workflow.Store, recorder audit.Recorder, publisher queue.Publisher, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		scheduler: scheduler,
		workflows: workflows,
		audit:     recorder,
		publisher: publisher,
		logger:    logger,
	}
}

// ExecuteManual submits a manual execution: synchronous submission,
// asynchronous run.
func (d *Dispatcher) ExecuteManual(ctx context.Context, workflowID string, input map[string]interface{}, principalID string) (*engine.Execution, error) {
	return d.submit(ctx, engine.SubmitRequest{
		WorkflowID:  workflowID,
		Input:       input,
		PrincipalID: principalID,
	}, nil)
}

// FireTrigger submits an execution for a trigger and bumps the trigger's
// counters.
func (d *Dispatcher) FireTrigger(ctx context.Context, trigger *workflow.Trigger, input map[string]interface{}, principalID string) (*engine.Execution, error) {
	return d.submit(ctx, engine.SubmitRequest{
		WorkflowID:  trigger.WorkflowID,
		Input:       input,
		TriggerID:   trigger.ID,
		PrincipalID: principalID,
	}, trigger)
}

func (d *Dispatcher) submit(ctx context.Context, req engine.SubmitRequest, trigger *workflow.Trigger) (*engine.Execution, error) {
	ex, err := d.scheduler.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	if trigger != nil {
		if err := d.workflows.RecordTriggerFired(trigger.ID); err != nil {
			d.logger.WithError(err).WithField("trigger_id", trigger.ID).
				Warn("failed to record trigger firing")
		}
	}

	if d.publisher != nil {
		message := queue.ExecutionMessage{
			ExecutionID:    ex.ID,
			WorkflowID:     ex.WorkflowID,
			OrganizationID: ex.OrganizationID,
		}
		if err := d.publisher.Publish(message); err != nil {
			d.logger.WithError(err).Warn("failed to mirror submission to broker")
		}
	}
	return ex, nil
}

// HandleWebhook validates an inbound webhook hit and submits an execution
// with the request body as input. The opaque path token is compared in
// constant time against the secret of each of the workflow's active
// webhook triggers; a wrong token never triggers an execution and is
// logged as an auth event.
func (d *Dispatcher) HandleWebhook(ctx context.Context, workflowID, token string, body map[string]interface{}) (*engine.Execution, error) {
	triggers, err := d.workflows.ListTriggers(workflowID)
	if err != nil {
		d.auditWebhookReject(workflowID, "failed to load triggers")
		return nil, apperr.Authentication("invalid webhook token")
	}

	for i := range triggers {
		trigger := &triggers[i]
		if trigger.Kind != workflow.TriggerWebhook || !trigger.IsActive {
			continue
		}
		if security.ConstantTimeEquals(token, trigger.WebhookSecret) {
			return d.FireTrigger(ctx, trigger, body, "")
		}
	}

	d.auditWebhookReject(workflowID, "webhook token mismatch")
	return nil, apperr.Authentication("invalid webhook token")
}

func (d *Dispatcher) auditWebhookReject(workflowID, reason string) {
	if d.audit == nil {
		return
	}
	d.audit.Append(&audit.Entry{
		Action:     audit.ActionWebhookRejected,
		Resource:   "workflow",
		ResourceID: workflowID,
		Success:    false,
		Message:    reason,
	})
}
