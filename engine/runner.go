package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flowmatic.io/apperr"
	"flowmatic.io/graph"
	"flowmatic.io/handler"
	"flowmatic.io/workflow"
)

// Runner executes one execution end-to-end: it walks the workflow graph in
// topological order, dispatches each node to the handler registry, and
// persists steps and logs as it goes. Independent branches run in parallel
// up to the configured fan-out; context writes stay serialized behind the
// run state lock.
type Runner struct {
	store     *Store
	workflows *workflow.Store
	registry  *handler.Registry
	logger    *logrus.Logger
	fanOut    int
}

// NewRunner creates a DAG runner.
func NewRunner(store *Store, workflows *workflow.Store, registry *handler.Registry, logger *logrus.Logger, fanOut int) *Runner {
	if fanOut <= 0 {
		fanOut = 4
	}
	return &Runner{
		store:     store,
		workflows: workflows,
		registry:  registry,
		logger:    logger,
		fanOut:    fanOut,
	}
}

// runState is the mutable state of one run. The mutex serializes context
// writes from parallel branches.
type runState struct {
	mu       sync.Mutex
	context  map[string]interface{}
	statuses map[string]StepStatus
	stepNum  int
	tokens   int
	cost     float64
}

func (st *runState) snapshot() map[string]interface{} {
	st.mu.Lock()
	defer st.mu.Unlock()
	return copyContext(st.context)
}

// evalContext returns the context snapshot plus a "status" map carrying
// upstream step statuses for edge conditions.
func (st *runState) evalContext() map[string]interface{} {
	st.mu.Lock()
	defer st.mu.Unlock()
	snapshot := copyContext(st.context)
	statuses := make(map[string]interface{}, len(st.statuses))
	for id, status := range st.statuses {
		statuses[id] = string(status)
	}
	snapshot["status"] = statuses
	return snapshot
}

func copyContext(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Run executes one execution. The execution must already be in the
// running state; the passed context carries the execution deadline and
// cancellation signal.
func (r *Runner) Run(ctx context.Context, ex *Execution) {
	log := r.logger.WithFields(logrus.Fields{
		"execution_id": ex.ID,
		"workflow_id":  ex.WorkflowID,
	})

	wf, err := r.workflows.GetByID(ex.WorkflowID)
	if err != nil {
		r.failExecution(ex, "workflow not found", ErrorKindInternal, nil)
		return
	}

	def := wf.Definition
	if version, verr := r.workflows.GetVersion(wf.ID, wf.Version); verr == nil {
		def = version.Definition
	}

	if result := workflow.ValidateDefinition(&def); !result.Valid() {
		r.failExecution(ex, "workflow definition is invalid", ErrorKindValidation,
			map[string]interface{}{"errors": result.Errors})
		return
	}

	variables, err := r.workflows.RawVariables(wf.ID)
	if err != nil {
		r.failExecution(ex, "failed to load workflow variables", ErrorKindInternal, nil)
		return
	}
	if missing := workflow.MissingRequired(variables, ex.Input); len(missing) > 0 {
		r.failExecution(ex, fmt.Sprintf("missing required variables: %v", missing), ErrorKindValidation,
			map[string]interface{}{"missing": missing})
		return
	}

	// Context starts as variable defaults with the execution input merged
	// over them.
	execContext := map[string]interface{}{}
	for _, v := range variables {
		if v.DefaultValue != nil {
			execContext[v.Name] = v.DefaultValue
		}
	}
	for k, v := range ex.Input {
		execContext[k] = v
	}

	nodeByID := make(map[string]workflow.Node, len(def.Nodes))
	nodeIDs := make([]string, 0, len(def.Nodes))
	for _, node := range def.Nodes {
		nodeByID[node.ID] = node
		nodeIDs = append(nodeIDs, node.ID)
	}
	var graphEdges []graph.Edge
	inbound := make(map[string][]workflow.Edge)
	outbound := make(map[string][]workflow.Edge)
	for _, edge := range def.Edges {
		graphEdges = append(graphEdges, graph.Edge{Source: edge.Source, Target: edge.Target})
		inbound[edge.Target] = append(inbound[edge.Target], edge)
		outbound[edge.Source] = append(outbound[edge.Source], edge)
	}

	order, err := graph.TopologicalOrder(nodeIDs, graphEdges)
	if err != nil {
		r.failExecution(ex, err.Error(), ErrorKindValidation, nil)
		return
	}
	upstream := graph.Upstream(graphEdges)

	state := &runState{
		context:  execContext,
		statuses: make(map[string]StepStatus, len(order)),
	}

	remaining := make(map[string]bool, len(order))
	for _, id := range order {
		remaining[id] = true
	}

	for len(remaining) > 0 {
		if stopped := r.checkInterrupt(ctx, ex, state); stopped {
			return
		}
		if stopped := r.waitWhilePaused(ctx, ex, state); stopped {
			return
		}

		ready := r.readyNodes(order, remaining, upstream, state)
		if len(ready) == 0 {
			r.failExecution(ex, "no runnable nodes remain", ErrorKindInternal, nil)
			return
		}

		var (
			wg        sync.WaitGroup
			semaphore = make(chan struct{}, r.fanOut)
			runErrs   = make([]error, len(ready))
		)
		for i, nodeID := range ready {
			delete(remaining, nodeID)
			wg.Add(1)
			semaphore <- struct{}{}
			go func(i int, node workflow.Node) {
				defer wg.Done()
				defer func() { <-semaphore }()
				runErrs[i] = r.runNode(ctx, ex, node, inbound[node.ID], outbound[node.ID], state)
			}(i, nodeByID[nodeID])
		}
		wg.Wait()

		for _, runErr := range runErrs {
			if runErr == nil {
				continue
			}
			if isInterrupt(runErr) {
				if stopped := r.checkInterrupt(ctx, ex, state); stopped {
					return
				}
			}
			ex.Context = state.snapshot()
			ex.AITokensUsed = state.tokens
			ex.AICost = state.cost
			r.failExecution(ex, runErr.Error(), errorKindOf(runErr), nil)
			return
		}
	}

	finalContext := state.snapshot()
	ex.Context = finalContext
	ex.AITokensUsed = state.tokens
	ex.AICost = state.cost

	if err := r.store.Complete(ex, finalContext); err != nil {
		log.WithError(err).Error("failed to record execution completion")
		return
	}
	log.WithField("steps", state.stepNum).Info("execution completed")
}

// readyNodes returns, in topological order, the remaining nodes whose
// upstream nodes have all reached a terminal state.
func (r *Runner) readyNodes(order []string, remaining map[string]bool, upstream map[string][]string, state *runState) []string {
	state.mu.Lock()
	defer state.mu.Unlock()

	var ready []string
	for _, id := range order {
		if !remaining[id] {
			continue
		}
		blocked := false
		for _, up := range upstream[id] {
			if !state.statuses[up].Terminal() {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	return ready
}

// runNode executes one node: edge-condition gating, step bookkeeping,
// handler dispatch, and context merge.
func (r *Runner) runNode(ctx context.Context, ex *Execution, node workflow.Node, inbound, outbound []workflow.Edge, state *runState) error {
	evalContext := state.evalContext()

	skip := false
	for _, edge := range inbound {
		if edge.Condition == "" {
			continue
		}
		matched, err := handler.EvalCondition(edge.Condition, evalContext)
		if err != nil {
			return apperr.Validation("edge %s has an invalid condition", edge.ID).Wrap(err)
		}
		if !matched {
			skip = true
			break
		}
	}

	snapshot := state.snapshot()

	state.mu.Lock()
	state.stepNum++
	number := state.stepNum
	state.mu.Unlock()

	step := &Step{
		ExecutionID: ex.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		NodeName:    node.Name,
		StepNumber:  number,
		Input:       snapshot,
	}
	if err := r.store.CreateStep(step); err != nil {
		return apperr.Internal(err)
	}

	if skip {
		if err := r.store.SkipStep(step); err != nil {
			return apperr.Internal(err)
		}
		state.mu.Lock()
		state.statuses[node.ID] = StepSkipped
		state.mu.Unlock()
		r.store.AppendLog(ex.ID, &step.ID, LogInfo,
			fmt.Sprintf("step %d skipped: inbound condition not met", number), nil)
		return nil
	}

	if err := r.store.StartStep(step); err != nil {
		return apperr.Internal(err)
	}

	result, err := r.registry.Execute(ctx, handler.Invocation{
		Node:           node,
		Context:        snapshot,
		ExecutionID:    ex.ID,
		StepID:         step.ID,
		OrganizationID: ex.OrganizationID,
	})
	if err != nil {
		message := err.Error()
		if isInterrupt(err) {
			message = "interrupted"
		}
		r.store.FailStep(step, message, nil)
		r.store.AppendLog(ex.ID, &step.ID, LogError,
			fmt.Sprintf("step %d failed: %s", number, message),
			map[string]interface{}{"node_id": node.ID, "node_type": node.Type})

		state.mu.Lock()
		state.statuses[node.ID] = StepFailed
		state.mu.Unlock()

		if !isInterrupt(err) && toleratesFailure(outbound) {
			r.store.AppendLog(ex.ID, &step.ID, LogWarning,
				fmt.Sprintf("step %d failure tolerated by downstream condition", number), nil)
			return nil
		}
		return err
	}

	if err := r.store.CompleteStep(step, result.Output); err != nil {
		return apperr.Internal(err)
	}
	r.store.AppendLog(ex.ID, &step.ID, LogInfo,
		fmt.Sprintf("step %d completed", number),
		map[string]interface{}{"node_id": node.ID, "node_type": node.Type})

	state.mu.Lock()
	state.context[node.ID] = result.Output
	state.statuses[node.ID] = StepCompleted
	state.tokens += result.Tokens
	state.cost += result.Cost
	state.mu.Unlock()
	return nil
}

// toleratesFailure reports whether a failed node's outbound edges branch
// on upstream status, which marks the failure as tolerated.
func toleratesFailure(outbound []workflow.Edge) bool {
	for _, edge := range outbound {
		if edge.Condition != "" && containsStatusRef(edge.Condition) {
			return true
		}
	}
	return false
}

func containsStatusRef(condition string) bool {
	return strings.Contains(condition, "status.") || strings.Contains(condition, ".status")
}

// checkInterrupt handles cancellation and deadline expiry. Returns true
// when the run must stop.
func (r *Runner) checkInterrupt(ctx context.Context, ex *Execution, state *runState) bool {
	switch ctx.Err() {
	case nil:
		return false
	case context.DeadlineExceeded:
		ex.Context = state.snapshot()
		ex.AITokensUsed = state.tokens
		ex.AICost = state.cost
		r.failExecution(ex, "execution deadline exceeded", ErrorKindTimeout, nil)
		return true
	default:
		ex.Context = state.snapshot()
		if err := r.store.Cancel(ex); err != nil {
			r.logger.WithError(err).WithField("execution_id", ex.ID).Error("failed to record cancellation")
		}
		r.store.AppendLog(ex.ID, nil, LogWarning, "execution cancelled", nil)
		return true
	}
}

// waitWhilePaused blocks while the execution is paused, polling the
// store. Cancellation still interrupts a paused execution.
func (r *Runner) waitWhilePaused(ctx context.Context, ex *Execution, state *runState) bool {
	for {
		current, err := r.store.GetExecution(ex.ID)
		if err != nil {
			return false
		}
		if current.Status != StatusPaused {
			ex.Status = current.Status
			ex.LockVersion = current.LockVersion
			return false
		}
		ex.Status = current.Status
		ex.LockVersion = current.LockVersion
		select {
		case <-ctx.Done():
			return r.checkInterrupt(ctx, ex, state)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (r *Runner) failExecution(ex *Execution, message, kind string, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["kind"] = kind
	if err := r.store.Fail(ex, message, details); err != nil {
		r.logger.WithError(err).WithField("execution_id", ex.ID).Error("failed to record execution failure")
		return
	}
	r.store.AppendLog(ex.ID, nil, LogError, message, details)
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func errorKindOf(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindUpstreamFailure:
		return ErrorKindUpstream
	case apperr.KindTimeout:
		return ErrorKindTimeout
	case apperr.KindValidation:
		return ErrorKindValidation
	}
	return ErrorKindInternal
}
