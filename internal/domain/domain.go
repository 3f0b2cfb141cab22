package domain

import (
	"encoding/json"
	"time"
)

// ConsentToken is the decoded form of a signed consent credential.
type ConsentToken struct {
	Subject       string    `json:"subject"`
	IssuerAgentID string    `json:"issuer_agent_id"`
	Scope         Scope     `json:"scope"`
	IssuedAt      time.Time `json:"issued_at" format:"date-time"`
	ExpiresAt     time.Time `json:"expires_at" format:"date-time"`
	Nonce         string    `json:"nonce"`
	Signature     string    `json:"signature"`
}

// TrustLink delegates a narrowed scope on one resource from one agent to another.
type TrustLink struct {
	ID           string    `json:"id"`
	FromAgent    string    `json:"from_agent"`
	ToAgent      string    `json:"to_agent"`
	Subject      string    `json:"subject"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Scope        Scope     `json:"scope"`
	ParentNonce  string    `json:"parent_nonce"`
	IssuedAt     time.Time `json:"issued_at" format:"date-time"`
	ExpiresAt    time.Time `json:"expires_at" format:"date-time"`
	Signature    string    `json:"signature"`
}

type EncryptionMetadata struct {
	Algorithm string `json:"algorithm"`
	Nonce     string `json:"nonce"`
	KDF       string `json:"kdf"`
}

type VaultRecord struct {
	UserID       string             `json:"user_id"`
	ResourceName string             `json:"resource_name"`
	Category     string             `json:"category"`
	Ciphertext   []byte             `json:"-"`
	Encryption   EncryptionMetadata `json:"encryption"`
	Version      int                `json:"version"`
	CreatedAt    time.Time          `json:"created_at" format:"date-time"`
}

// Operation names used as keys of AgentManifest.RequiredScopes.
const (
	OpGenerate = "generate"
	OpExecute  = "execute"
)

type AgentManifest struct {
	AgentID        string             `json:"agent_id"`
	Name           string             `json:"name"`
	Description    string             `json:"description,omitempty"`
	Version        string             `json:"version"`
	RequiredScopes map[string][]Scope `json:"required_scopes"`
	Entrypoint     string             `json:"entrypoint"`
}

// AllScopes returns every scope the manifest requires, deduplicated, in
// declaration order of generate then execute then any other operation.
func (m AgentManifest) AllScopes() []Scope {
	seen := map[Scope]bool{}
	var out []Scope
	add := func(op string) {
		for _, s := range m.RequiredScopes[op] {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	add(OpGenerate)
	add(OpExecute)
	for op := range m.RequiredScopes {
		if op != OpGenerate && op != OpExecute {
			add(op)
		}
	}
	return out
}

type Feedback struct {
	Actor     string    `json:"actor"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
}

// Item statuses recorded in a run result.
const (
	ItemSucceeded = "succeeded"
	ItemFailed    = "failed"
	ItemSkipped   = "skipped"
)

type ItemResult struct {
	Target   string `json:"target"`
	Status   string `json:"status" enum:"succeeded,failed,skipped"`
	Ref      string `json:"ref,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

type RunResult struct {
	Items     []ItemResult   `json:"items"`
	Succeeded []string       `json:"succeeded"`
	Failed    []string       `json:"failed"`
	Skipped   []string       `json:"skipped"`
	Output    map[string]any `json:"output,omitempty"`
}

type RunError struct {
	Kind      ErrorKind `json:"kind"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
}

type WorkflowRun struct {
	RunID           string          `json:"run_id"`
	AgentID         string          `json:"agent_id"`
	UserID          string          `json:"user_id"`
	State           RunState        `json:"state" enum:"INIT,GENERATING,AWAITING_APPROVAL,REVISING,APPROVED,EXECUTING,COMPLETED,FAILED,CANCELLED"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	DraftContent    string          `json:"draft_content,omitempty"`
	DraftVersion    int             `json:"draft_version"`
	FeedbackHistory []Feedback      `json:"feedback_history"`
	Result          *RunResult      `json:"result,omitempty"`
	Errors          []RunError      `json:"errors,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time       `json:"updated_at" format:"date-time"`
}

// Effect is one ledger row of the execution step.
type Effect struct {
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Target    string    `json:"target"`
	Status    string    `json:"status"`
	Ref       string    `json:"ref,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// OutboxMessage is a side effect handed to a provider sink.
type OutboxMessage struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	RunID     string    `json:"run_id"`
	UserID    string    `json:"user_id"`
	Target    string    `json:"target"`
	Payload   string    `json:"payload_json"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}
