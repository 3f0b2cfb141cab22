package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"hushh/internal/agents"
	"hushh/internal/domain"
	"hushh/internal/events"
	"hushh/internal/repo"
)

type DispatchRequest struct {
	AgentID string
	UserID  string
	// Tokens maps each scope of the agent's manifest to a serialized consent token.
	Tokens     map[domain.Scope]string
	Parameters json.RawMessage
	Actor      string
}

// Dispatch creates a run in INIT and queues it. Every scope the manifest
// requires must have a token before anything is stored.
func (e *Engine) Dispatch(ctx context.Context, req DispatchRequest) (domain.WorkflowRun, error) {
	reg, err := e.Registry.Get(req.AgentID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return domain.WorkflowRun{}, domain.NewError(domain.KindInvalidParameters, "user_id is required")
	}
	tokens := map[domain.Scope]string{}
	var missing []string
	for _, s := range reg.Manifest.AllScopes() {
		tok := strings.TrimSpace(req.Tokens[s])
		if tok == "" {
			missing = append(missing, string(s))
			continue
		}
		tokens[s] = tok
	}
	if len(missing) > 0 {
		return domain.WorkflowRun{}, domain.NewError(domain.KindMissingScope,
			fmt.Sprintf("agent %s needs consent tokens for: %s", req.AgentID, strings.Join(missing, ", ")))
	}
	params, err := reg.Entrypoint.Decode(req.Parameters)
	if err != nil {
		if domain.KindOf(err) == "" {
			err = domain.WrapError(domain.KindInvalidParameters, err, "invalid parameters")
		}
		return domain.WorkflowRun{}, err
	}
	normalized, err := json.Marshal(params)
	if err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("encode parameters: %w", err)
	}

	now := e.now().UTC()
	run := domain.WorkflowRun{
		RunID:           uuid.NewString(),
		AgentID:         req.AgentID,
		UserID:          req.UserID,
		State:           domain.StateInit,
		Parameters:      normalized,
		FeedbackHistory: []domain.Feedback{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	sealed, err := e.sealTokens(run.RunID, tokens)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	actor := req.Actor
	if actor == "" {
		actor = req.UserID
	}
	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run, sealed); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("insert run: %w", err)
	}
	scopes := make([]string, 0, len(tokens))
	for s := range tokens {
		scopes = append(scopes, string(s))
	}
	sort.Strings(scopes)
	if err := e.Events.Append(ctx, tx, events.TypeRunCreated, events.EntityRun, run.RunID, actor, events.EventPayload{
		"agent_id": run.AgentID,
		"user_id":  run.UserID,
		"scopes":   scopes,
	}); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowRun{}, err
	}
	e.logger().InfoContext(ctx, "run dispatched", "run_id", run.RunID, "agent_id", run.AgentID)
	e.schedule(run.RunID)
	return run, nil
}

// Approval decisions.
const (
	DecisionApproved = "approved"
	DecisionFeedback = "feedback"
)

type ApproveRequest struct {
	RunID   string
	UserID  string
	AgentID string
	// Decision is approved or feedback.
	Decision     string
	FeedbackText string
	// Tokens replace the run's tokens for the listed scopes, e.g. when the
	// originals expired while the run waited.
	Tokens map[domain.Scope]string
	Actor  string
}

// Approve resolves a run waiting in AWAITING_APPROVAL: an approval moves it to
// APPROVED, feedback is appended and moves it to REVISING for a new draft.
func (e *Engine) Approve(ctx context.Context, req ApproveRequest) (domain.WorkflowRun, error) {
	switch req.Decision {
	case DecisionApproved:
	case DecisionFeedback:
		if strings.TrimSpace(req.FeedbackText) == "" {
			return domain.WorkflowRun{}, domain.NewError(domain.KindInvalidParameters, "feedback_text is required for feedback")
		}
	default:
		return domain.WorkflowRun{}, domain.NewError(domain.KindInvalidParameters, fmt.Sprintf("decision must be %s or %s", DecisionApproved, DecisionFeedback))
	}
	actor := req.Actor
	if actor == "" {
		actor = req.UserID
	}
	run, err := e.update(ctx, req.RunID, "", func(tx *sql.Tx, run *domain.WorkflowRun) error {
		if !owns(*run, req.UserID, req.AgentID) {
			return notFound(req.RunID)
		}
		if run.CancelRequested {
			return domain.NewError(domain.KindInvalidTransition, fmt.Sprintf("run %s is being cancelled", run.RunID))
		}
		if run.State != domain.StateAwaitingApproval {
			return domain.NewError(domain.KindInvalidTransition, fmt.Sprintf("run %s is %s, not awaiting approval", run.RunID, run.State))
		}
		if req.Decision == DecisionFeedback {
			fb := domain.Feedback{Actor: actor, Text: strings.TrimSpace(req.FeedbackText), Timestamp: e.now().UTC()}
			seq, err := e.Repo.AppendFeedback(ctx, tx, run.RunID, fb)
			if err != nil {
				return fmt.Errorf("append feedback: %w", err)
			}
			run.FeedbackHistory = append(run.FeedbackHistory, fb)
			if err := e.Events.Append(ctx, tx, events.TypeRunFeedback, events.EntityRun, run.RunID, actor, events.EventPayload{
				"seq":           seq,
				"draft_version": run.DraftVersion,
			}); err != nil {
				return err
			}
			return e.transition(ctx, tx, run, domain.StateRevising, actor, events.EventPayload{"feedback_seq": seq})
		}
		if len(req.Tokens) > 0 {
			if err := e.replaceTokens(ctx, tx, *run, req.Tokens); err != nil {
				return err
			}
		}
		return e.transition(ctx, tx, run, domain.StateApproved, actor, events.EventPayload{"draft_version": run.DraftVersion})
	})
	if err != nil {
		return run, err
	}
	e.schedule(run.RunID)
	return run, nil
}

func (e *Engine) replaceTokens(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun, fresh map[domain.Scope]string) error {
	reg, err := e.Registry.Get(run.AgentID)
	if err != nil {
		return err
	}
	allowed := map[domain.Scope]bool{}
	for _, s := range reg.Manifest.AllScopes() {
		allowed[s] = true
	}
	tokens, err := e.openTokens(ctx, tx, run.RunID)
	if err != nil {
		return err
	}
	for s, tok := range fresh {
		if !allowed[s] {
			return domain.NewError(domain.KindInvalidScope, fmt.Sprintf("agent %s does not use scope %s", run.AgentID, s))
		}
		if tok = strings.TrimSpace(tok); tok != "" {
			tokens[s] = tok
		}
	}
	sealed, err := e.sealTokens(run.RunID, tokens)
	if err != nil {
		return err
	}
	return e.Repo.UpdateSealedTokens(ctx, tx, run.RunID, sealed)
}

type CancelRequest struct {
	RunID   string
	UserID  string
	AgentID string
	Actor   string
	Reason  string
}

// Cancel stops a run. A run no job is driving is cancelled at once; otherwise
// the job is signalled and cancels at its next suspension point, leaving side
// effects it already started in place and skipping the rest.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (domain.WorkflowRun, error) {
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by request"
	}
	actor := req.Actor
	if actor == "" {
		actor = req.UserID
	}
	current, err := e.Run(ctx, req.RunID, "")
	if err != nil {
		return current, err
	}
	if !owns(current, req.UserID, req.AgentID) {
		return domain.WorkflowRun{}, notFound(req.RunID)
	}
	if current.State.Terminal() {
		return current, domain.NewError(domain.KindInvalidTransition, fmt.Sprintf("run %s is already %s", req.RunID, current.State))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	j, running := e.jobs[req.RunID]
	if !running {
		return e.cancel(ctx, req.RunID, actor, reason)
	}
	run, err := e.update(ctx, req.RunID, "", func(tx *sql.Tx, run *domain.WorkflowRun) error {
		if run.State.Terminal() {
			return domain.NewError(domain.KindInvalidTransition, fmt.Sprintf("run %s is already %s", run.RunID, run.State))
		}
		// A job that just parked the run at approval has nothing left in flight.
		if run.State == domain.StateAwaitingApproval {
			run.CancelRequested = true
			run.Errors = append(run.Errors, e.runError(domain.KindCancelled, reason))
			return e.transition(ctx, tx, run, domain.StateCancelled, actor, events.EventPayload{"reason": reason})
		}
		run.CancelRequested = true
		run.UpdatedAt = e.now().UTC()
		if err := e.Repo.UpdateRun(ctx, tx, *run); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeRunCancelRequest, events.EntityRun, run.RunID, actor, events.EventPayload{
			"state":  string(run.State),
			"reason": reason,
		})
	})
	if err != nil {
		return run, err
	}
	j.cancelled = true
	j.cancel()
	e.logger().InfoContext(ctx, "run cancel requested", "run_id", run.RunID, "state", string(run.State))
	return run, nil
}

func owns(run domain.WorkflowRun, userID, agentID string) bool {
	if userID != "" && run.UserID != userID {
		return false
	}
	return agentID == "" || run.AgentID == agentID
}

// Run returns one run. A userID that does not own it reads as not found.
func (e *Engine) Run(ctx context.Context, runID, userID string) (domain.WorkflowRun, error) {
	run, err := e.Repo.GetRun(ctx, nil, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return run, notFound(runID)
	}
	if err != nil {
		return run, err
	}
	if !owns(run, userID, "") {
		return domain.WorkflowRun{}, notFound(runID)
	}
	return run, nil
}

func (e *Engine) ListRuns(ctx context.Context, f repo.RunFilters) ([]domain.WorkflowRun, error) {
	return e.Repo.ListRuns(ctx, f)
}

func (e *Engine) Drafts(ctx context.Context, runID string) ([]repo.Draft, error) {
	return e.Repo.ListDrafts(ctx, runID)
}

func (e *Engine) Effects(ctx context.Context, runID string) ([]domain.Effect, error) {
	return e.Repo.ListEffects(ctx, nil, runID)
}

// Agents lists the registered manifests.
func (e *Engine) Agents() []domain.AgentManifest {
	return e.Registry.List()
}

func (e *Engine) Agent(agentID string) (agents.Registration, error) {
	return e.Registry.Get(agentID)
}
