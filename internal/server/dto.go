package server

import (
	"encoding/json"
	"time"

	"hushh/internal/domain"
	"hushh/internal/repo"
)

// Response statuses carried in every envelope.
const (
	StatusSuccess         = "success"
	StatusError           = "error"
	StatusPendingApproval = "pending_approval"
	StatusRunning         = "running"
)

// Request payloads

type IssueTokenRequest struct {
	UserID        string  `json:"user_id" minLength:"1"`
	Scope         string  `json:"scope" example:"vault.read.email"`
	DurationHours float64 `json:"duration_hours,omitempty" minimum:"0"`
	AgentID       string  `json:"agent_id,omitempty"`
}

type ValidateTokenRequest struct {
	Token  string `json:"token"`
	Scope  string `json:"scope"`
	UserID string `json:"user_id,omitempty"`
}

type RevokeTokenRequest struct {
	Token string `json:"token"`
}

type ExecuteRequest struct {
	UserID        string            `json:"user_id"`
	ConsentTokens map[string]string `json:"consent_tokens,omitempty"`
	Parameters    map[string]any    `json:"parameters,omitempty"`
}

type ApproveRequest struct {
	UserID        string            `json:"user_id"`
	RunID         string            `json:"run_id"`
	Decision      string            `json:"decision" enum:"approved,feedback"`
	FeedbackText  string            `json:"feedback_text,omitempty"`
	ConsentTokens map[string]string `json:"consent_tokens,omitempty"`
}

type CancelRequest struct {
	UserID string `json:"user_id"`
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

type IssueLinkRequest struct {
	ParentToken  string `json:"parent_token"`
	UserID       string `json:"user_id,omitempty"`
	FromAgent    string `json:"from_agent,omitempty"`
	ToAgent      string `json:"to_agent"`
	ResourceType string `json:"resource_type" example:"email"`
	ResourceID   string `json:"resource_id"`
	Access       string `json:"access,omitempty" enum:"read,write"`
	Scope        string `json:"scope,omitempty"`
	TTLSeconds   int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

type ValidateLinkRequest struct {
	TrustLink    string `json:"trust_link"`
	AgentID      string `json:"agent_id"`
	UserID       string `json:"user_id,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id"`
	Scope        string `json:"scope,omitempty"`
}

// Response payloads

type TokenResponse struct {
	Status    string    `json:"status"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at" format:"date-time"`
	Scope     string    `json:"scope"`
	Nonce     string    `json:"nonce"`
}

type ValidationResponse struct {
	Status string               `json:"status"`
	Valid  bool                 `json:"valid"`
	Reason string               `json:"reason,omitempty"`
	Detail string               `json:"detail,omitempty"`
	Token  *domain.ConsentToken `json:"token,omitempty"`
}

type RevokeResponse struct {
	Status  string `json:"status"`
	Nonce   string `json:"nonce"`
	Revoked bool   `json:"revoked"`
}

type AgentsResponse struct {
	Status string                 `json:"status"`
	Agents []domain.AgentManifest `json:"agents"`
}

type AgentResponse struct {
	Status string               `json:"status"`
	Agent  domain.AgentManifest `json:"agent"`
}

type RunView struct {
	RunID           string            `json:"run_id"`
	AgentID         string            `json:"agent_id"`
	UserID          string            `json:"user_id"`
	State           string            `json:"state"`
	Parameters      map[string]any    `json:"parameters,omitempty"`
	DraftContent    string            `json:"draft_content,omitempty"`
	DraftVersion    int               `json:"draft_version"`
	FeedbackHistory []domain.Feedback `json:"feedback_history"`
	Result          *domain.RunResult `json:"result,omitempty"`
	Errors          []domain.RunError `json:"errors,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	Drafts          []repo.Draft      `json:"drafts,omitempty"`
	Effects         []domain.Effect   `json:"effects,omitempty"`
	CreatedAt       time.Time         `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time         `json:"updated_at" format:"date-time"`
}

type RunEnvelope struct {
	Status string        `json:"status" enum:"success,error,pending_approval,running"`
	Data   *RunView      `json:"data,omitempty"`
	Error  *apiErrorBody `json:"error,omitempty"`
}

type RunsResponse struct {
	Status string    `json:"status"`
	Runs   []RunView `json:"runs"`
}

type LinkResponse struct {
	Status    string           `json:"status"`
	TrustLink string           `json:"trust_link"`
	Link      domain.TrustLink `json:"link"`
}

type LinkValidationResponse struct {
	Status string            `json:"status"`
	Valid  bool              `json:"valid"`
	Reason string            `json:"reason,omitempty"`
	Detail string            `json:"detail,omitempty"`
	Link   *domain.TrustLink `json:"link,omitempty"`
}

type VaultRecordResponse struct {
	Status string             `json:"status"`
	Record domain.VaultRecord `json:"record"`
}

type VaultVersionsResponse struct {
	Status   string               `json:"status"`
	Versions []domain.VaultRecord `json:"versions"`
}

type VaultDeleteResponse struct {
	Status  string `json:"status"`
	Deleted int    `json:"deleted"`
}

func runView(run domain.WorkflowRun) RunView {
	v := RunView{
		RunID:           run.RunID,
		AgentID:         run.AgentID,
		UserID:          run.UserID,
		State:           string(run.State),
		DraftContent:    run.DraftContent,
		DraftVersion:    run.DraftVersion,
		FeedbackHistory: run.FeedbackHistory,
		Result:          run.Result,
		Errors:          run.Errors,
		CancelRequested: run.CancelRequested,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}
	if v.FeedbackHistory == nil {
		v.FeedbackHistory = []domain.Feedback{}
	}
	if len(run.Parameters) > 0 {
		var params map[string]any
		if err := json.Unmarshal(run.Parameters, &params); err == nil {
			v.Parameters = params
		}
	}
	return v
}

func scopedTokens(in map[string]string) map[domain.Scope]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[domain.Scope]string, len(in))
	for k, v := range in {
		out[domain.Scope(k)] = v
	}
	return out
}
