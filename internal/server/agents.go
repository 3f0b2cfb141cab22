package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"hushh/internal/domain"
	"hushh/internal/repo"
	"hushh/internal/workflow"
)

func registerAgents(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered agents",
		Tags:        []string{"agents"},
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body AgentsResponse `json:"body"`
	}, error) {
		return &struct {
			Body AgentsResponse `json:"body"`
		}{Body: AgentsResponse{Status: StatusSuccess, Agents: e.Agents()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get an agent manifest",
		Tags:        []string{"agents"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		reg, err := e.Agent(input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: AgentResponse{Status: StatusSuccess, Agent: reg.Manifest}}, nil
	})
}

type runOutput struct {
	Status int         `json:"-"`
	Body   RunEnvelope `json:"body"`
}

func registerRuns(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "execute-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/execute",
		Summary:     "Start an agent run",
		Description: "Creates a run and waits up to the configured execute wait for it to reach a draft awaiting approval or a terminal state. A run still in progress is returned with status running and HTTP 202.",
		Tags:        []string{"runs"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		AgentID string         `path:"agent_id"`
		Body    ExecuteRequest `json:"body"`
	}) (*runOutput, error) {
		var params json.RawMessage
		if input.Body.Parameters != nil {
			data, err := json.Marshal(input.Body.Parameters)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, string(domain.KindInvalidParameters), "parameters must be an object", nil)
			}
			params = data
		}
		run, err := e.Dispatch(ctx, workflow.DispatchRequest{
			AgentID:    input.AgentID,
			UserID:     input.Body.UserID,
			Tokens:     scopedTokens(input.Body.ConsentTokens),
			Parameters: params,
			Actor:      input.Body.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return settle(ctx, cfg, run.RunID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-run",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/approve",
		Summary:     "Approve a draft or ask for a revision",
		Tags:        []string{"runs"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string         `path:"agent_id"`
		Body    ApproveRequest `json:"body"`
	}) (*runOutput, error) {
		run, err := e.Approve(ctx, workflow.ApproveRequest{
			RunID:        input.Body.RunID,
			UserID:       input.Body.UserID,
			AgentID:      input.AgentID,
			Decision:     input.Body.Decision,
			FeedbackText: input.Body.FeedbackText,
			Tokens:       scopedTokens(input.Body.ConsentTokens),
			Actor:        input.Body.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return settle(ctx, cfg, run.RunID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/cancel",
		Summary:     "Cancel a run",
		Description: "Side effects already handed to a provider stay in place; items not yet started are skipped.",
		Tags:        []string{"runs"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string        `path:"agent_id"`
		Body    CancelRequest `json:"body"`
	}) (*runOutput, error) {
		run, err := e.Cancel(ctx, workflow.CancelRequest{
			RunID:   input.Body.RunID,
			UserID:  input.Body.UserID,
			AgentID: input.AgentID,
			Actor:   input.Body.UserID,
			Reason:  input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		view := runView(run)
		return &runOutput{Status: http.StatusOK, Body: RunEnvelope{Status: StatusSuccess, Data: &view}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/runs/{run_id}",
		Summary:     "Get a run with its drafts and execution ledger",
		Tags:        []string{"runs"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		RunID   string `path:"run_id"`
		UserID  string `query:"user_id" required:"true"`
	}) (*runOutput, error) {
		run, err := e.Run(ctx, input.RunID, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		if run.AgentID != input.AgentID {
			return nil, handleError(domain.NewError(domain.KindNotFound, "run "+input.RunID+" not found"))
		}
		view := runView(run)
		if view.Drafts, err = e.Drafts(ctx, run.RunID); err != nil {
			return nil, handleError(err)
		}
		if view.Effects, err = e.Effects(ctx, run.RunID); err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Status: http.StatusOK, Body: RunEnvelope{Status: envelopeStatus(run), Data: &view}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/runs",
		Summary:     "List a user's runs for an agent",
		Tags:        []string{"runs"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		UserID  string `query:"user_id" required:"true"`
		State   string `query:"state" enum:"INIT,GENERATING,AWAITING_APPROVAL,REVISING,APPROVED,EXECUTING,COMPLETED,FAILED,CANCELLED"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body RunsResponse `json:"body"`
	}, error) {
		if _, err := e.Agent(input.AgentID); err != nil {
			return nil, handleError(err)
		}
		f := repo.RunFilters{UserID: input.UserID, AgentID: input.AgentID, Limit: normalizeLimit(input.Limit)}
		if input.State != "" {
			f.States = []domain.RunState{domain.RunState(input.State)}
		}
		runs, err := e.ListRuns(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RunsResponse{Status: StatusSuccess, Runs: []RunView{}}
		for _, run := range runs {
			resp.Runs = append(resp.Runs, runView(run))
		}
		return &struct {
			Body RunsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// settle waits for the run to stop moving and renders it. A failed run is
// reported with the HTTP status of its last error. Credentials the run
// produced are only ever returned here.
func settle(ctx context.Context, cfg Config, runID string) (*runOutput, error) {
	waitCtx, cancel := context.WithTimeout(ctx, cfg.ExecuteWait)
	run, err := cfg.Engine.Wait(waitCtx, runID)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		if latest, lerr := cfg.Engine.Run(ctx, runID, ""); lerr == nil {
			run = latest
		}
		view := runView(run)
		return &runOutput{Status: http.StatusAccepted, Body: RunEnvelope{Status: StatusRunning, Data: &view}}, nil
	}
	if err != nil {
		return nil, handleError(err)
	}
	if run, err = cfg.Engine.Reveal(ctx, run); err != nil {
		return nil, handleError(err)
	}
	view := runView(run)
	out := &runOutput{Status: http.StatusOK, Body: RunEnvelope{Status: envelopeStatus(run), Data: &view}}
	if run.State == domain.StateFailed && len(run.Errors) > 0 {
		last := run.Errors[len(run.Errors)-1]
		out.Status = statusForKind(last.Kind)
		out.Body.Error = &apiErrorBody{Code: string(last.Kind), Message: last.Reason, Details: map[string]any{"run_id": run.RunID}}
	}
	return out, nil
}

func envelopeStatus(run domain.WorkflowRun) string {
	switch run.State {
	case domain.StateAwaitingApproval:
		return StatusPendingApproval
	case domain.StateCompleted:
		return StatusSuccess
	case domain.StateFailed, domain.StateCancelled:
		return StatusError
	default:
		return StatusRunning
	}
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
