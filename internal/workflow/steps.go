package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"hushh/internal/agents"
	"hushh/internal/domain"
	"hushh/internal/events"
	"hushh/internal/llm"
	"hushh/internal/repo"
)

// Effect ledger statuses beyond the final item statuses.
const (
	effectPending  = "pending"
	effectInFlight = "in_flight"
)

var errCancelled = errors.New("run cancelled")

// drive runs automatic steps until the run settles, is cancelled or the
// engine shuts down. Each step commits its transition before the next begins.
func (e *Engine) drive(ctx context.Context, runID string) {
	dbctx := context.WithoutCancel(ctx)
	for {
		run, err := e.Repo.GetRun(dbctx, nil, runID)
		if err != nil {
			e.logger().ErrorContext(dbctx, "load run", "run_id", runID, "error", err)
			return
		}
		if run.State.Terminal() {
			return
		}
		if run.CancelRequested && run.State != domain.StateExecuting {
			if _, err := e.cancel(dbctx, runID, events.SystemActor, "cancelled by request"); err != nil {
				e.logger().ErrorContext(dbctx, "cancel run", "run_id", runID, "error", err)
			}
			return
		}
		if run.State == domain.StateAwaitingApproval {
			return
		}
		if e.ctx.Err() != nil && !e.cancelRequested(runID) {
			return
		}
		switch run.State {
		case domain.StateInit:
			err = e.start(dbctx, run)
		case domain.StateGenerating:
			err = e.generate(ctx, run)
		case domain.StateRevising:
			_, err = e.update(dbctx, runID, domain.StateRevising, func(tx *sql.Tx, r *domain.WorkflowRun) error {
				return e.transition(dbctx, tx, r, domain.StateGenerating, events.SystemActor, events.EventPayload{"feedback_rounds": len(r.FeedbackHistory)})
			})
		case domain.StateApproved:
			err = e.beginExecution(dbctx, run)
		case domain.StateExecuting:
			err = e.execute(dbctx, run)
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				e.logger().ErrorContext(dbctx, "run step", "run_id", runID, "state", string(run.State), "error", err)
			}
			return
		}
	}
}

// session decodes the run's parameters and unseals its tokens for the agent.
func (e *Engine) session(ctx context.Context, run domain.WorkflowRun) (agents.Registration, *agents.Session, error) {
	reg, err := e.Registry.Get(run.AgentID)
	if err != nil {
		return reg, nil, err
	}
	params, err := reg.Entrypoint.Decode(run.Parameters)
	if err != nil {
		return reg, nil, err
	}
	tokens, err := e.openTokens(ctx, nil, run.RunID)
	if err != nil {
		return reg, nil, err
	}
	return reg, &agents.Session{Run: run, Params: params, Tokens: tokens, Vault: e.Vault, Links: e.Links}, nil
}

func (e *Engine) checkScopes(ctx context.Context, m domain.AgentManifest, s *agents.Session, op string) error {
	for _, scope := range m.RequiredScopes[op] {
		if _, err := e.Guard.Check(ctx, s.Token(scope), s.Run.UserID, scope); err != nil {
			return fmt.Errorf("%s scope %s: %w", op, scope, err)
		}
	}
	return nil
}

// kindOr is err's taxonomy kind, or fallback for untyped errors.
func kindOr(err error, fallback domain.ErrorKind) domain.ErrorKind {
	if k := domain.KindOf(err); k != "" {
		return k
	}
	return fallback
}

// retryable reports whether another attempt could succeed. Typed failures
// such as consent denials or missing resources are final.
func retryable(err error) bool {
	if domain.KindOf(err) != "" || errors.Is(err, errCancelled) {
		return false
	}
	return llm.Retryable(err)
}

func (e *Engine) start(ctx context.Context, run domain.WorkflowRun) error {
	reg, sess, err := e.session(ctx, run)
	if err != nil {
		return e.fail(ctx, run.RunID, domain.StateInit, kindOr(err, domain.KindExecution), err)
	}
	if err := e.checkScopes(ctx, reg.Manifest, sess, domain.OpGenerate); err != nil {
		return e.fail(ctx, run.RunID, domain.StateInit, domain.KindConsentDenied, err)
	}
	_, err = e.update(ctx, run.RunID, domain.StateInit, func(tx *sql.Tx, r *domain.WorkflowRun) error {
		return e.transition(ctx, tx, r, domain.StateGenerating, events.SystemActor, nil)
	})
	return err
}

func (e *Engine) generate(ctx context.Context, run domain.WorkflowRun) error {
	dbctx := context.WithoutCancel(ctx)
	reg, sess, err := e.session(dbctx, run)
	if err != nil {
		return e.fail(dbctx, run.RunID, domain.StateGenerating, kindOr(err, domain.KindGeneration), err)
	}
	attempts := 0
	opts := append(e.Generation.options(), backoff.WithNotify(func(err error, next time.Duration) {
		e.logger().WarnContext(ctx, "draft attempt failed", "run_id", run.RunID, "attempt", attempts, "retry_in", next, "error", err)
	}))
	draft, err := backoff.Retry(ctx, func() (string, error) {
		attempts++
		out, err := reg.Entrypoint.Draft(ctx, sess)
		if err != nil {
			if !retryable(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", errors.New("empty draft")
		}
		return out, nil
	}, opts...)
	if err != nil {
		if e.cancelRequested(run.RunID) {
			_, cerr := e.cancel(dbctx, run.RunID, events.SystemActor, "cancelled during generation")
			return cerr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind := domain.KindGeneration
		if domain.KindOf(err) == domain.KindConsentDenied {
			kind = domain.KindConsentDenied
		}
		return e.fail(dbctx, run.RunID, domain.StateGenerating, kind,
			fmt.Errorf("draft failed after %d attempt(s): %w", attempts, err))
	}

	_, err = e.update(dbctx, run.RunID, domain.StateGenerating, func(tx *sql.Tx, r *domain.WorkflowRun) error {
		r.DraftVersion++
		r.DraftContent = draft
		if err := e.Repo.InsertDraft(dbctx, tx, r.RunID, repo.Draft{Version: r.DraftVersion, Content: draft, CreatedAt: e.now().UTC()}); err != nil {
			return fmt.Errorf("insert draft: %w", err)
		}
		return e.transition(dbctx, tx, r, domain.StateAwaitingApproval, events.SystemActor, events.EventPayload{
			"draft_version": r.DraftVersion,
			"attempts":      attempts,
		})
	})
	return err
}

func (e *Engine) beginExecution(ctx context.Context, run domain.WorkflowRun) error {
	reg, sess, err := e.session(ctx, run)
	if err != nil {
		return e.fail(ctx, run.RunID, domain.StateApproved, kindOr(err, domain.KindExecution), err)
	}
	// Tokens may have expired or been revoked while the run waited.
	if err := e.checkScopes(ctx, reg.Manifest, sess, domain.OpExecute); err != nil {
		return e.fail(ctx, run.RunID, domain.StateApproved, domain.KindConsentDenied, err)
	}
	_, err = e.update(ctx, run.RunID, domain.StateApproved, func(tx *sql.Tx, r *domain.WorkflowRun) error {
		return e.transition(ctx, tx, r, domain.StateExecuting, events.SystemActor, events.EventPayload{"draft_version": r.DraftVersion})
	})
	return err
}

// execute applies every planned item of the approved draft. ctx must not be
// cancellable: an item handed to a provider always gets its outcome recorded.
func (e *Engine) execute(ctx context.Context, run domain.WorkflowRun) error {
	reg, sess, err := e.session(ctx, run)
	if err != nil {
		return e.fail(ctx, run.RunID, domain.StateExecuting, kindOr(err, domain.KindExecution), err)
	}
	items, err := reg.Entrypoint.Plan(ctx, sess)
	if err != nil {
		return e.fail(ctx, run.RunID, domain.StateExecuting, domain.KindExecution, fmt.Errorf("plan: %w", err))
	}
	if err := e.planEffects(ctx, run.RunID, items); err != nil {
		return err
	}

	res := domain.RunResult{Items: make([]domain.ItemResult, 0, len(items))}
	for i, it := range items {
		seq := i + 1
		var ir domain.ItemResult
		if e.cancelRequested(run.RunID) {
			ir = domain.ItemResult{Target: it.Target, Status: domain.ItemSkipped}
		} else {
			ir = e.apply(ctx, reg.Entrypoint, sess, seq, it)
		}
		if err := e.recordEffect(ctx, run.RunID, seq, ir, true); err != nil {
			return err
		}
		res.Items = append(res.Items, ir)
		switch ir.Status {
		case domain.ItemSucceeded:
			res.Succeeded = append(res.Succeeded, ir.Target)
		case domain.ItemFailed:
			res.Failed = append(res.Failed, ir.Target)
		default:
			res.Skipped = append(res.Skipped, ir.Target)
		}
	}

	var runErrs []domain.RunError
	if f, ok := reg.Entrypoint.(agents.Finisher); ok && (len(res.Succeeded) > 0 || len(items) == 0) {
		out, err := f.Finish(ctx, sess, res)
		if err != nil {
			runErrs = append(runErrs, e.runError(domain.KindExecution, err.Error()))
		}
		res.Output = out
	}

	var sealedSecrets []byte
	if secrets := sess.Concealed(); len(secrets) > 0 {
		if sealedSecrets, err = e.sealSecrets(run.RunID, secrets); err != nil {
			runErrs = append(runErrs, e.runError(domain.KindExecution, err.Error()))
		}
	}

	final := domain.StateCompleted
	switch {
	case e.cancelRequested(run.RunID):
		final = domain.StateCancelled
		runErrs = append(runErrs, e.runError(domain.KindCancelled,
			fmt.Sprintf("cancelled during execution: %d succeeded, %d failed, %d skipped", len(res.Succeeded), len(res.Failed), len(res.Skipped))))
	case len(items) > 0 && len(res.Succeeded) == 0:
		final = domain.StateFailed
		runErrs = append(runErrs, e.runError(domain.KindExecution, fmt.Sprintf("all %d item(s) failed", len(items))))
	case len(res.Failed) > 0:
		runErrs = append(runErrs, e.runError(domain.KindExecution,
			fmt.Sprintf("%d of %d item(s) failed: %s", len(res.Failed), len(items), strings.Join(res.Failed, ", "))))
	}
	_, err = e.update(ctx, run.RunID, domain.StateExecuting, func(tx *sql.Tx, r *domain.WorkflowRun) error {
		if sealedSecrets != nil {
			if err := e.Repo.UpdateSealedSecrets(ctx, tx, r.RunID, sealedSecrets); err != nil {
				return err
			}
		}
		r.Result = &res
		r.Errors = append(r.Errors, runErrs...)
		return e.transition(ctx, tx, r, final, events.SystemActor, events.EventPayload{
			"succeeded": len(res.Succeeded),
			"failed":    len(res.Failed),
			"skipped":   len(res.Skipped),
		})
	})
	return err
}

// apply runs one item with bounded retries. A cancel stops further attempts
// but never interrupts one in progress.
func (e *Engine) apply(ctx context.Context, ep agents.Entrypoint, sess *agents.Session, seq int, it agents.Item) domain.ItemResult {
	attempts := 0
	ref, err := backoff.Retry(ctx, func() (string, error) {
		if attempts > 0 && e.cancelRequested(sess.Run.RunID) {
			return "", backoff.Permanent(errCancelled)
		}
		attempts++
		inflight := domain.ItemResult{Target: it.Target, Status: effectInFlight, Attempts: attempts}
		if err := e.recordEffect(ctx, sess.Run.RunID, seq, inflight, false); err != nil {
			return "", backoff.Permanent(err)
		}
		ref, err := ep.Apply(ctx, sess, it)
		if err != nil && !retryable(err) {
			return "", backoff.Permanent(err)
		}
		return ref, err
	}, e.Execution.options()...)
	if err != nil {
		e.logger().WarnContext(ctx, "item failed", "run_id", sess.Run.RunID, "seq", seq, "attempts", attempts, "error", err)
		return domain.ItemResult{Target: it.Target, Status: domain.ItemFailed, Error: err.Error(), Attempts: attempts}
	}
	return domain.ItemResult{Target: it.Target, Status: domain.ItemSucceeded, Ref: ref, Attempts: attempts}
}

func (e *Engine) planEffects(ctx context.Context, runID string, items []agents.Item) error {
	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC()
	for i, it := range items {
		if err := e.Repo.UpsertEffect(ctx, tx, domain.Effect{RunID: runID, Seq: i + 1, Target: it.Target, Status: effectPending, UpdatedAt: now}); err != nil {
			return fmt.Errorf("plan effect: %w", err)
		}
	}
	return tx.Commit()
}

// recordEffect stores the item's latest state; final outcomes are also audited.
func (e *Engine) recordEffect(ctx context.Context, runID string, seq int, ir domain.ItemResult, final bool) error {
	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertEffect(ctx, tx, domain.Effect{
		RunID:     runID,
		Seq:       seq,
		Target:    ir.Target,
		Status:    ir.Status,
		Ref:       ir.Ref,
		Error:     ir.Error,
		Attempts:  ir.Attempts,
		UpdatedAt: e.now().UTC(),
	}); err != nil {
		return fmt.Errorf("record effect: %w", err)
	}
	if final {
		if err := e.Events.Append(ctx, tx, events.TypeEffectRecorded, events.EntityRun, runID, events.SystemActor, events.EventPayload{
			"seq":      seq,
			"target":   ir.Target,
			"status":   ir.Status,
			"attempts": ir.Attempts,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}
