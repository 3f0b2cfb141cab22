package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hushh/internal/domain"
	"hushh/internal/events"
	"hushh/internal/repo"
)

// SweepApprovals cancels runs that have waited for approval longer than
// ApprovalTimeout and returns how many it cancelled.
func (e *Engine) SweepApprovals(ctx context.Context) (int, error) {
	if e.ApprovalTimeout <= 0 {
		return 0, nil
	}
	runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{
		States:        []domain.RunState{domain.StateAwaitingApproval},
		UpdatedBefore: e.now().UTC().Add(-e.ApprovalTimeout),
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, run := range runs {
		_, err := e.Cancel(ctx, CancelRequest{RunID: run.RunID, Actor: events.SystemActor, Reason: "approval timed out"})
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RunSweeper calls SweepApprovals every interval until ctx ends.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || e.ApprovalTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.SweepApprovals(ctx)
			if err != nil {
				e.logger().Error("approval sweep failed", "error", err)
				continue
			}
			if n > 0 {
				e.logger().Info("approval sweep", "cancelled", n)
			}
		}
	}
}

// Recover resumes runs left unfinished by a previous process. Runs caught in
// EXECUTING are failed with their effect ledger itemised, since an item in
// flight at the crash may or may not have reached its provider.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{States: []domain.RunState{
		domain.StateInit, domain.StateGenerating, domain.StateRevising,
		domain.StateApproved, domain.StateExecuting, domain.StateAwaitingApproval,
	}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, run := range runs {
		switch {
		case run.State == domain.StateExecuting:
			if err := e.interrupt(ctx, run.RunID); err != nil {
				return n, fmt.Errorf("fail interrupted run %s: %w", run.RunID, err)
			}
		case run.State == domain.StateAwaitingApproval && !run.CancelRequested:
			continue
		default:
			e.schedule(run.RunID)
		}
		n++
	}
	if n > 0 {
		e.logger().InfoContext(ctx, "recovered runs", "count", n)
	}
	return n, nil
}

func (e *Engine) interrupt(ctx context.Context, runID string) error {
	_, err := e.update(ctx, runID, domain.StateExecuting, func(tx *sql.Tx, run *domain.WorkflowRun) error {
		effects, err := e.Repo.ListEffects(ctx, tx, runID)
		if err != nil {
			return err
		}
		res := domain.RunResult{Items: make([]domain.ItemResult, 0, len(effects))}
		now := e.now().UTC()
		for _, eff := range effects {
			switch eff.Status {
			case effectPending:
				eff.Status = domain.ItemSkipped
			case effectInFlight:
				eff.Status = domain.ItemFailed
				eff.Error = "interrupted"
			}
			eff.UpdatedAt = now
			if err := e.Repo.UpsertEffect(ctx, tx, eff); err != nil {
				return err
			}
			res.Items = append(res.Items, domain.ItemResult{Target: eff.Target, Status: eff.Status, Ref: eff.Ref, Error: eff.Error, Attempts: eff.Attempts})
			switch eff.Status {
			case domain.ItemSucceeded:
				res.Succeeded = append(res.Succeeded, eff.Target)
			case domain.ItemFailed:
				res.Failed = append(res.Failed, eff.Target)
			default:
				res.Skipped = append(res.Skipped, eff.Target)
			}
		}
		run.Result = &res
		run.Errors = append(run.Errors, e.runError(domain.KindExecution, "execution interrupted by restart"))
		return e.transition(ctx, tx, run, domain.StateFailed, events.SystemActor, events.EventPayload{"interrupted": true})
	})
	return err
}
