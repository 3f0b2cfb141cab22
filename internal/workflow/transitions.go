package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"hushh/internal/domain"
	"hushh/internal/events"
	"hushh/internal/repo"
)

var transitions = map[domain.RunState][]domain.RunState{
	domain.StateInit:             {domain.StateGenerating, domain.StateFailed, domain.StateCancelled},
	domain.StateGenerating:       {domain.StateAwaitingApproval, domain.StateFailed, domain.StateCancelled},
	domain.StateAwaitingApproval: {domain.StateApproved, domain.StateRevising, domain.StateCancelled},
	domain.StateRevising:         {domain.StateGenerating, domain.StateCancelled},
	domain.StateApproved:         {domain.StateExecuting, domain.StateFailed, domain.StateCancelled},
	domain.StateExecuting:        {domain.StateCompleted, domain.StateFailed, domain.StateCancelled},
}

func ensureTransition(from, to domain.RunState) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return domain.NewError(domain.KindInvalidTransition, fmt.Sprintf("invalid run transition %s -> %s", from, to))
}

func notFound(runID string) error {
	return domain.WrapError(domain.KindNotFound, repo.ErrNotFound, "run %s", runID)
}

// update loads the run inside a transaction, applies fn and commits. A
// non-empty from requires the run to still be in that state.
func (e *Engine) update(ctx context.Context, runID string, from domain.RunState, fn func(tx *sql.Tx, run *domain.WorkflowRun) error) (domain.WorkflowRun, error) {
	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	defer tx.Rollback()
	run, err := e.Repo.GetRun(ctx, tx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return run, notFound(runID)
	}
	if err != nil {
		return run, err
	}
	if from != "" && run.State != from {
		return run, domain.NewError(domain.KindInvalidTransition, fmt.Sprintf("run %s is %s, not %s", runID, run.State, from))
	}
	if err := fn(tx, &run); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	e.notify(runID)
	return run, nil
}

// transition moves run to state to and records the matching audit event in tx.
func (e *Engine) transition(ctx context.Context, tx *sql.Tx, run *domain.WorkflowRun, to domain.RunState, actor string, payload events.EventPayload) error {
	if err := ensureTransition(run.State, to); err != nil {
		return err
	}
	from := run.State
	run.State = to
	run.UpdatedAt = e.now().UTC()
	if err := e.Repo.UpdateRun(ctx, tx, *run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	p := events.EventPayload{"from": string(from), "to": string(to), "agent_id": run.AgentID, "user_id": run.UserID}
	for k, v := range payload {
		p[k] = v
	}
	if err := e.Events.Append(ctx, tx, events.RunStateType(string(to)), events.EntityRun, run.RunID, actor, p); err != nil {
		return err
	}
	e.logger().InfoContext(ctx, "run transition", "run_id", run.RunID, "agent_id", run.AgentID, "from", string(from), "to", string(to))
	return nil
}

func (e *Engine) runError(kind domain.ErrorKind, reason string) domain.RunError {
	return domain.RunError{Kind: kind, Reason: reason, Timestamp: e.now().UTC()}
}

// fail moves the run from state from to FAILED and records err under kind.
func (e *Engine) fail(ctx context.Context, runID string, from domain.RunState, kind domain.ErrorKind, err error) error {
	_, uerr := e.update(ctx, runID, from, func(tx *sql.Tx, run *domain.WorkflowRun) error {
		run.Errors = append(run.Errors, e.runError(kind, err.Error()))
		return e.transition(ctx, tx, run, domain.StateFailed, events.SystemActor, events.EventPayload{"error_kind": string(kind)})
	})
	if uerr == nil {
		e.logger().WarnContext(ctx, "run failed", "run_id", runID, "kind", string(kind), "reason", err.Error())
	}
	return uerr
}

// cancel moves a non-terminal run to CANCELLED.
func (e *Engine) cancel(ctx context.Context, runID, actor, reason string) (domain.WorkflowRun, error) {
	return e.update(ctx, runID, "", func(tx *sql.Tx, run *domain.WorkflowRun) error {
		run.CancelRequested = true
		run.Errors = append(run.Errors, e.runError(domain.KindCancelled, reason))
		return e.transition(ctx, tx, run, domain.StateCancelled, actor, events.EventPayload{"reason": reason})
	})
}
