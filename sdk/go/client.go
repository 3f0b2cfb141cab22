package hushhsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal hushh HTTP API client.
type Client struct {
	// BaseURL includes the API base path, e.g. http://127.0.0.1:8080/api.
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

type ConsentToken struct {
	Subject       string    `json:"subject"`
	IssuerAgentID string    `json:"issuer_agent_id"`
	Scope         string    `json:"scope"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Nonce         string    `json:"nonce"`
}

type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Scope     string    `json:"scope"`
	Nonce     string    `json:"nonce"`
}

type Validation struct {
	Valid  bool          `json:"valid"`
	Reason string        `json:"reason,omitempty"`
	Detail string        `json:"detail,omitempty"`
	Token  *ConsentToken `json:"token,omitempty"`
}

type Agent struct {
	AgentID        string              `json:"agent_id"`
	Name           string              `json:"name"`
	Description    string              `json:"description"`
	Version        string              `json:"version"`
	RequiredScopes map[string][]string `json:"required_scopes"`
}

type Feedback struct {
	Actor     string    `json:"actor"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type RunResult struct {
	Succeeded []string       `json:"succeeded"`
	Failed    []string       `json:"failed"`
	Skipped   []string       `json:"skipped"`
	Output    map[string]any `json:"output,omitempty"`
}

type Effect struct {
	Seq      int    `json:"seq"`
	Target   string `json:"target"`
	Status   string `json:"status"`
	Ref      string `json:"ref,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

// Run is a workflow run as returned by the execute, approve, cancel and
// get-run endpoints.
type Run struct {
	RunID           string         `json:"run_id"`
	AgentID         string         `json:"agent_id"`
	UserID          string         `json:"user_id"`
	State           string         `json:"state"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	DraftContent    string         `json:"draft_content,omitempty"`
	DraftVersion    int            `json:"draft_version"`
	FeedbackHistory []Feedback     `json:"feedback_history"`
	Result          *RunResult     `json:"result,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	Effects         []Effect       `json:"effects,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RunResponse carries the envelope status: success, pending_approval,
// running or error.
type RunResponse struct {
	Status string `json:"status"`
	Run    *Run   `json:"data,omitempty"`
}

type TrustLink struct {
	ID           string    `json:"id"`
	FromAgent    string    `json:"from_agent"`
	ToAgent      string    `json:"to_agent"`
	Subject      string    `json:"subject"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Scope        string    `json:"scope"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type VaultRecord struct {
	UserID       string    `json:"user_id"`
	ResourceName string    `json:"resource_name"`
	Category     string    `json:"category"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// APIError wraps non-2xx responses. Run is set when a run failed.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Run        *Run
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Reason returns the consent rejection reason, if any.
func (e *APIError) Reason() string {
	r, _ := e.Details["reason"].(string)
	return r
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// Credential authorises a vault call with either a consent token or a trust
// link presented by an agent.
type Credential struct {
	Token     string
	TrustLink string
	AgentID   string
}

func (c Credential) headers() map[string]string {
	h := map[string]string{}
	if c.Token != "" {
		h["X-Consent-Token"] = c.Token
	}
	if c.TrustLink != "" {
		h["X-Trust-Link"] = c.TrustLink
		h["X-Agent-Id"] = c.AgentID
	}
	return h
}

func (c *Client) IssueToken(ctx context.Context, userID, scope string, hours float64) (IssuedToken, error) {
	body := map[string]any{"user_id": userID, "scope": scope}
	if hours > 0 {
		body["duration_hours"] = hours
	}
	var resp IssuedToken
	err := c.do(ctx, http.MethodPost, "consent/token", body, nil, &resp)
	return resp, err
}

// ValidateToken reports a rejected token as Valid=false, not as an error.
func (c *Client) ValidateToken(ctx context.Context, token, scope string) (Validation, error) {
	var resp Validation
	err := c.do(ctx, http.MethodPost, "consent/validate", map[string]any{"token": token, "scope": scope}, nil, &resp)
	return resp, err
}

// RevokeToken returns false if the token was already revoked.
func (c *Client) RevokeToken(ctx context.Context, token string) (bool, error) {
	var resp struct {
		Revoked bool `json:"revoked"`
	}
	err := c.do(ctx, http.MethodPost, "consent/revoke", map[string]any{"token": token}, nil, &resp)
	return resp.Revoked, err
}

func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "agents", nil, nil, &resp)
	return resp.Agents, err
}

func (c *Client) Agent(ctx context.Context, agentID string) (Agent, error) {
	var resp struct {
		Agent Agent `json:"agent"`
	}
	err := c.do(ctx, http.MethodGet, "agents/"+url.PathEscape(agentID), nil, nil, &resp)
	return resp.Agent, err
}

// Execute dispatches a run. tokens maps each required scope to a token.
func (c *Client) Execute(ctx context.Context, agentID, userID string, tokens map[string]string, params map[string]any) (RunResponse, error) {
	body := map[string]any{"user_id": userID, "consent_tokens": tokens, "parameters": params}
	var resp RunResponse
	err := c.do(ctx, http.MethodPost, "agents/"+url.PathEscape(agentID)+"/execute", body, nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, agentID, userID, runID string) (RunResponse, error) {
	return c.decide(ctx, agentID, map[string]any{"user_id": userID, "run_id": runID, "decision": "approved"})
}

func (c *Client) Feedback(ctx context.Context, agentID, userID, runID, text string) (RunResponse, error) {
	return c.decide(ctx, agentID, map[string]any{"user_id": userID, "run_id": runID, "decision": "feedback", "feedback_text": text})
}

func (c *Client) decide(ctx context.Context, agentID string, body map[string]any) (RunResponse, error) {
	var resp RunResponse
	err := c.do(ctx, http.MethodPost, "agents/"+url.PathEscape(agentID)+"/approve", body, nil, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, agentID, userID, runID string) (RunResponse, error) {
	var resp RunResponse
	err := c.do(ctx, http.MethodPost, "agents/"+url.PathEscape(agentID)+"/cancel", map[string]any{"user_id": userID, "run_id": runID}, nil, &resp)
	return resp, err
}

func (c *Client) Run(ctx context.Context, agentID, userID, runID string) (RunResponse, error) {
	endpoint := fmt.Sprintf("agents/%s/runs/%s?user_id=%s", url.PathEscape(agentID), url.PathEscape(runID), url.QueryEscape(userID))
	var resp RunResponse
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// IssueTrustLink delegates resourceType/resourceID to toAgent under parentToken.
// An empty scope asks for the narrowest one.
func (c *Client) IssueTrustLink(ctx context.Context, parentToken, toAgent, resourceType, resourceID, scope string) (string, TrustLink, error) {
	body := map[string]any{
		"parent_token":  parentToken,
		"to_agent":      toAgent,
		"resource_type": resourceType,
		"resource_id":   resourceID,
	}
	if scope != "" {
		body["scope"] = scope
	}
	var resp struct {
		TrustLink string    `json:"trust_link"`
		Link      TrustLink `json:"link"`
	}
	err := c.do(ctx, http.MethodPost, "trust-links", body, nil, &resp)
	return resp.TrustLink, resp.Link, err
}

func (c *Client) VaultPut(ctx context.Context, userID, resource string, data []byte, cred Credential) (VaultRecord, error) {
	var resp struct {
		Record VaultRecord `json:"record"`
	}
	err := c.do(ctx, http.MethodPut, vaultPath(userID, resource), data, cred.headers(), &resp)
	return resp.Record, err
}

// VaultGet reads the latest version, or the given one when version > 0.
func (c *Client) VaultGet(ctx context.Context, userID, resource string, version int, cred Credential) ([]byte, error) {
	endpoint := vaultPath(userID, resource)
	if version > 0 {
		endpoint += "?version=" + strconv.Itoa(version)
	}
	var out bytes.Buffer
	err := c.do(ctx, http.MethodGet, endpoint, nil, cred.headers(), &out)
	return out.Bytes(), err
}

func (c *Client) VaultDelete(ctx context.Context, userID, resource string, cred Credential) (int, error) {
	var resp struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, vaultPath(userID, resource), nil, cred.headers(), &resp)
	return resp.Deleted, err
}

func vaultPath(userID, resource string) string {
	return "vault/" + url.PathEscape(userID) + "/" + url.PathEscape(resource)
}

// do sends body as JSON, or raw when it is a []byte. A *bytes.Buffer out
// receives the raw response.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	contentType := "application/json"
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
		contentType = "application/octet-stream"
	default:
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	switch o := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := io.Copy(o, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func decodeError(status int, body []byte) error {
	ae := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Data  *Run `json:"data"`
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		ae.Code = env.Error.Code
		ae.Message = env.Error.Message
		ae.Details = env.Error.Details
		ae.Run = env.Data
	}
	return ae
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
