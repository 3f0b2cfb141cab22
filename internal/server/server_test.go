package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hushh/internal/agents"
	"hushh/internal/config"
	"hushh/internal/consent"
	"hushh/internal/db"
	"hushh/internal/domain"
	"hushh/internal/events"
	"hushh/internal/llm"
	"hushh/internal/migrate"
	"hushh/internal/outbox"
	"hushh/internal/repo"
	"hushh/internal/trustlink"
	"hushh/internal/vault"
	"hushh/internal/workflow"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testServer struct {
	URL    string
	Repo   repo.Repo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, opts ...func(*Config)) (*testServer, func()) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "hushh.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ev := events.Writer{}
	codec := consent.Codec{Secret: testSecret, MaxTTL: 720 * time.Hour}
	revocations := consent.NewSQLRevocations(r, ev, nil)
	guard := consent.Guard{Validator: codec.Validator(), Revocations: revocations}
	issuer := trustlink.Issuer{Secret: testSecret, Guard: guard, MaxTTL: 24 * time.Hour, Repo: &r, Events: ev}
	cipher, err := vault.NewCipher([]byte("abcdefghijklmnopqrstuvwxyz012345"))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	cfg := config.Default()
	store := &vault.Store{
		Repo:    r,
		Events:  ev,
		Guard:   guard,
		Links:   issuer.Validator(),
		Cipher:  cipher,
		Catalog: vault.NewCatalog(cfg.Vault.DefaultCategory, cfg.Vault.Catalog),
	}
	registry := agents.NewRegistry()
	err = agents.RegisterBuiltins(registry, agents.Builtins{
		Gen:      llm.Static{},
		Mail:     outbox.SQLSink{Repo: r, Channel: outbox.ChannelMail},
		Calendar: outbox.SQLSink{Repo: r, Channel: outbox.ChannelCalendar},
		MailFrom: "no-reply@hushh.test",
		LinkTTL:  time.Hour,
	})
	if err != nil {
		t.Fatalf("register agents: %v", err)
	}
	engine := workflow.New(workflow.Config{
		Repo:       r,
		Events:     ev,
		Registry:   registry,
		Guard:      guard,
		Cipher:     cipher,
		Vault:      store,
		Links:      issuer,
		Workers:    2,
		Generation: workflow.Retry{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Execution:  workflow.Retry{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	scfg := Config{
		Engine:      engine,
		Codec:       codec,
		Guard:       guard,
		Revocations: revocations,
		Links:       issuer,
		Vault:       store,
		Repo:        r,
		DefaultTTL:  time.Hour,
		BasePath:    "/api",
		ExecuteWait: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&scfg)
	}
	handler, err := New(scfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String() + "/api",
		Repo:   r,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			engine.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Status string       `json:"status"`
	Error  apiErrorBody `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) errorEnvelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Status != "error" || env.Error.Code != code {
		t.Fatalf("expected error code %s, got %+v", code, env)
	}
	return env
}

func issueToken(t *testing.T, srv *testServer, userID string, scope domain.Scope) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/consent/token", map[string]any{
		"user_id":        userID,
		"scope":          scope,
		"duration_hours": 1,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("issue token status %d: %s", res.StatusCode, string(data))
	}
	var out TokenResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if out.Status != StatusSuccess || !strings.HasPrefix(out.Token, consent.TokenPrefix) || out.Scope != string(scope) {
		t.Fatalf("unexpected token response: %+v", out)
	}
	return out.Token
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"ok"`) {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/api/agents/{agent_id}/execute") {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}

func TestConsentValidateAndRevoke(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	tok := issueToken(t, srv, "user_1", domain.ScopeVaultReadEmail)

	validate := func(token string, scope domain.Scope) ValidationResponse {
		t.Helper()
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/consent/validate", map[string]any{"token": token, "scope": scope}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
		}
		var out ValidationResponse
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal validation: %v", err)
		}
		return out
	}

	if got := validate(tok, domain.ScopeVaultReadEmail); !got.Valid || got.Token == nil || got.Token.Subject != "user_1" {
		t.Fatalf("expected valid token, got %+v", got)
	}
	if got := validate(tok, domain.ScopeVaultWriteEmail); got.Valid || got.Reason != string(consent.ReasonScopeMismatch) {
		t.Fatalf("expected scope mismatch, got %+v", got)
	}
	if got := validate("not-a-token", domain.ScopeVaultReadEmail); got.Valid || got.Reason != string(consent.ReasonMalformed) {
		t.Fatalf("expected malformed, got %+v", got)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/consent/validate", map[string]any{"token": tok, "scope": "vault.read.everything"}, nil)
	expectError(t, res, data, http.StatusBadRequest, "invalid_scope")

	for i, want := range []bool{true, false} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/consent/revoke", map[string]any{"token": tok}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("revoke %d status %d: %s", i, res.StatusCode, string(data))
		}
		var out RevokeResponse
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal revoke: %v", err)
		}
		if out.Revoked != want {
			t.Fatalf("revoke %d: expected revoked=%v, got %+v", i, want, out)
		}
	}
	if got := validate(tok, domain.ScopeVaultReadEmail); got.Valid || got.Reason != string(consent.ReasonRevoked) {
		t.Fatalf("expected revoked, got %+v", got)
	}
}

func TestIssueTokenRejectsUnknownScope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/consent/token", map[string]any{
		"user_id": "user_1",
		"scope":   "vault.read.secrets",
	}, nil)
	expectError(t, res, data, http.StatusBadRequest, "invalid_scope")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/consent/token", map[string]any{
		"user_id":        "user_1",
		"scope":          domain.ScopeVaultReadEmail,
		"duration_hours": 10000,
	}, nil)
	expectError(t, res, data, http.StatusBadRequest, "invalid_parameters")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/consent/token", map[string]any{
		"user_id":        "user_1",
		"scope":          domain.ScopeVaultReadEmail,
		"duration_hours": 1e13,
	}, nil)
	env := expectError(t, res, data, http.StatusBadRequest, "invalid_parameters")
	if !strings.Contains(env.Error.Message, "maximum") {
		t.Fatalf("expected max ttl message, got %q", env.Error.Message)
	}
}

func TestAgentsIntrospection(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/agents", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list agents status %d: %s", res.StatusCode, string(data))
	}
	var list AgentsResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal agents: %v", err)
	}
	var ids []string
	for _, m := range list.Agents {
		ids = append(ids, m.AgentID)
	}
	if strings.Join(ids, ",") != "agent.calendar,agent.finance,agent.mailer,agent.research" {
		t.Fatalf("unexpected agents %v", ids)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/agents/agent.mailer", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get agent status %d: %s", res.StatusCode, string(data))
	}
	var one AgentResponse
	if err := json.Unmarshal(data, &one); err != nil {
		t.Fatalf("unmarshal agent: %v", err)
	}
	if len(one.Agent.RequiredScopes[domain.OpExecute]) != 2 {
		t.Fatalf("unexpected manifest %+v", one.Agent)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/agents/agent.nope", nil, nil)
	expectError(t, res, data, http.StatusNotFound, "agent_not_found")
}

func TestExecuteMissingScope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	send := issueToken(t, srv, "user_1", domain.ScopeEmailSend)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/agents/agent.mailer/execute", map[string]any{
		"user_id":        "user_1",
		"consent_tokens": map[string]string{string(domain.ScopeEmailSend): send},
		"parameters":     map[string]any{"subject": "Hi", "brief": "Say hi", "recipients": []string{"a@example.com"}},
	}, nil)
	env := expectError(t, res, data, http.StatusForbidden, "missing_scope")
	if !strings.Contains(env.Error.Message, string(domain.ScopeVaultWriteEmail)) {
		t.Fatalf("expected missing scope to be named: %s", env.Error.Message)
	}
	runs, err := srv.Repo.ListRuns(context.Background(), repo.RunFilters{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("no run should be stored, got %d", len(runs))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/agents/agent.mailer/execute", map[string]any{
		"user_id": "user_1",
		"consent_tokens": map[string]string{
			string(domain.ScopeEmailSend):       send,
			string(domain.ScopeVaultWriteEmail): issueToken(t, srv, "user_1", domain.ScopeVaultWriteEmail),
		},
		"parameters": map[string]any{"subject": "Hi", "brief": "Say hi", "recipients": []string{"not an address"}},
	}, nil)
	expectError(t, res, data, http.StatusBadRequest, "invalid_parameters")
}

func decodeRun(t *testing.T, data []byte) RunEnvelope {
	t.Helper()
	var env RunEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if env.Data == nil {
		t.Fatalf("run envelope without data: %s", string(data))
	}
	return env
}

func TestMailerApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	tokens := map[string]string{
		string(domain.ScopeEmailSend):       issueToken(t, srv, "user_1", domain.ScopeEmailSend),
		string(domain.ScopeVaultWriteEmail): issueToken(t, srv, "user_1", domain.ScopeVaultWriteEmail),
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/agents/agent.mailer/execute", map[string]any{
		"user_id":        "user_1",
		"consent_tokens": tokens,
		"parameters": map[string]any{
			"subject":    "Launch",
			"brief":      "Announce the spring launch",
			"recipients": []string{"one@example.com", "two@example.com"},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	run := decodeRun(t, data)
	if run.Status != StatusPendingApproval || run.Data.State != string(domain.StateAwaitingApproval) || run.Data.DraftVersion != 1 {
		t.Fatalf("expected pending approval, got %s %s v%d", run.Status, run.Data.State, run.Data.DraftVersion)
	}
	runID := run.Data.RunID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/agents/agent.mailer/approve", map[string]any{
		"user_id":       "user_1",
		"run_id":        runID,
		"decision":      "feedback",
		"feedback_text": "Make it shorter",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("feedback status %d: %s", res.StatusCode, string(data))
	}
	run = decodeRun(t, data)
	if run.Status != StatusPendingApproval || run.Data.DraftVersion != 2 || len(run.Data.FeedbackHistory) != 1 {
		t.Fatalf("expected revised draft, got %+v", run.Data)
	}
	if !strings.Contains(run.Data.DraftContent, "Make it shorter") {
		t.Fatalf("revised draft should carry the feedback: %q", run.Data.DraftContent)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/agents/agent.mailer/approve", map[string]any{
		"user_id":  "user_2",
		"run_id":   runID,
		"decision": "approved",
	}, nil)
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/agents/agent.mailer/approve", map[string]any{
		"user_id":  "user_1",
		"run_id":   runID,
		"decision": "approved",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	run = decodeRun(t, data)
	if run.Status != StatusSuccess || run.Data.State != string(domain.StateCompleted) {
		t.Fatalf("expected completed, got %s %s", run.Status, run.Data.State)
	}
	if run.Data.Result == nil || len(run.Data.Result.Succeeded) != 2 {
		t.Fatalf("expected two sends, got %+v", run.Data.Result)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/agents/agent.mailer/approve", map[string]any{
		"user_id":  "user_1",
		"run_id":   runID,
		"decision": "approved",
	}, nil)
	expectError(t, res, data, http.StatusConflict, "invalid_transition")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/agents/agent.mailer/runs/"+runID+"?user_id=user_1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", res.StatusCode, string(data))
	}
	run = decodeRun(t, data)
	if len(run.Data.Drafts) != 2 || len(run.Data.Effects) != 2 {
		t.Fatalf("expected 2 drafts and 2 effects, got %d and %d", len(run.Data.Drafts), len(run.Data.Effects))
	}
	msgs, err := srv.Repo.ListOutboxMessages(context.Background(), repo.OutboxFilters{RunID: runID})
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 queued mails, got %d", len(msgs))
	}
}

func TestResearchLinkOnlyInApproveResponse(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	write := issueToken(t, srv, "user_1", domain.ScopeVaultWriteResearch)
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/vault/user_1/paper_1", []byte("We show X holds."), map[string]string{"X-Consent-Token": write, "Content-Type": "application/octet-stream"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put paper: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/agents/agent.research/execute", map[string]any{
		"user_id": "user_1",
		"consent_tokens": map[string]string{
			string(domain.ScopeResearchQuery):      issueToken(t, srv, "user_1", domain.ScopeResearchQuery),
			string(domain.ScopeVaultReadResearch):  issueToken(t, srv, "user_1", domain.ScopeVaultReadResearch),
			string(domain.ScopeVaultWriteResearch): write,
		},
		"parameters": map[string]any{"question": "Does X hold?", "paper": "paper_1"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	runID := decodeRun(t, data).Data.RunID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/agents/agent.research/approve", map[string]any{
		"user_id":  "user_1",
		"run_id":   runID,
		"decision": "approved",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	run := decodeRun(t, data)
	if run.Data.State != string(domain.StateCompleted) || run.Data.Result == nil {
		t.Fatalf("expected completed run, got %+v", run.Data)
	}
	link, _ := run.Data.Result.Output["trust_link"].(string)
	if !strings.HasPrefix(link, trustlink.LinkPrefix) {
		t.Fatalf("approve response should carry the trust link: %+v", run.Data.Result.Output)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/vault/user_1/answer_"+runID, nil, map[string]string{"X-Trust-Link": link, "X-Agent-Id": "agent.mailer"})
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "Does X hold?") {
		t.Fatalf("delegated read: %d %q", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/agents/agent.research/runs/"+runID+"?user_id=user_1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", res.StatusCode, string(data))
	}
	if strings.Contains(string(data), link) {
		t.Fatalf("run lookup must not expose the trust link: %s", string(data))
	}
	if decodeRun(t, data).Data.Result.Output["trust_link_to"] != "agent.mailer" {
		t.Fatalf("run lookup should keep link metadata: %s", string(data))
	}
}

func TestCancelAwaitingRun(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/agents/agent.finance/execute", map[string]any{
		"user_id": "user_1",
		"consent_tokens": map[string]string{
			string(domain.ScopeFinanceAnalyze):    issueToken(t, srv, "user_1", domain.ScopeFinanceAnalyze),
			string(domain.ScopeVaultReadFinance):  issueToken(t, srv, "user_1", domain.ScopeVaultReadFinance),
			string(domain.ScopeVaultWriteFinance): issueToken(t, srv, "user_1", domain.ScopeVaultWriteFinance),
		},
		"parameters": map[string]any{"question": "How diversified am I?"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	runID := decodeRun(t, data).Data.RunID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/agents/agent.finance/cancel", map[string]any{"user_id": "user_1", "run_id": runID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	if got := decodeRun(t, data).Data.State; got != string(domain.StateCancelled) {
		t.Fatalf("expected cancelled, got %s", got)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/agents/agent.finance/cancel", map[string]any{"user_id": "user_1", "run_id": runID}, nil)
	expectError(t, res, data, http.StatusConflict, "invalid_transition")
}

func TestExecuteFailsOnWrongSubject(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/agents/agent.mailer/execute", map[string]any{
		"user_id": "user_1",
		"consent_tokens": map[string]string{
			string(domain.ScopeEmailSend):       issueToken(t, srv, "user_2", domain.ScopeEmailSend),
			string(domain.ScopeVaultWriteEmail): issueToken(t, srv, "user_2", domain.ScopeVaultWriteEmail),
		},
		"parameters": map[string]any{"subject": "Hi", "brief": "Say hi", "recipients": []string{"a@example.com"}},
	}, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	run := decodeRun(t, data)
	if run.Status != StatusError || run.Data.State != string(domain.StateFailed) || run.Error == nil || run.Error.Code != "consent_denied" {
		t.Fatalf("expected failed run with consent_denied, got %s", string(data))
	}
}

func TestVaultEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	write := issueToken(t, srv, "user_1", domain.ScopeVaultWriteEmail)
	read := issueToken(t, srv, "user_1", domain.ScopeVaultReadEmail)
	url := srv.URL + "/vault/user_1/email_draft"

	for i, body := range []string{"first", "second"} {
		res, data := doJSON(t, client, http.MethodPut, url, []byte(body), map[string]string{"X-Consent-Token": write, "Content-Type": "application/octet-stream"})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("put status %d: %s", res.StatusCode, string(data))
		}
		var out VaultRecordResponse
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		if out.Record.Version != i+1 || out.Record.Category != "email" {
			t.Fatalf("unexpected record %+v", out.Record)
		}
	}

	res, data := doJSON(t, client, http.MethodGet, url, nil, map[string]string{"X-Consent-Token": read})
	if res.StatusCode != http.StatusOK || string(data) != "second" {
		t.Fatalf("get latest: %d %q", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, url+"?version=1", nil, map[string]string{"X-Consent-Token": read})
	if res.StatusCode != http.StatusOK || string(data) != "first" {
		t.Fatalf("get v1: %d %q", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, url, nil, nil)
	expectError(t, res, data, http.StatusForbidden, "consent_denied")
	res, data = doJSON(t, client, http.MethodPut, url, []byte("x"), map[string]string{"X-Consent-Token": read})
	env := expectError(t, res, data, http.StatusForbidden, "consent_denied")
	if env.Error.Details["reason"] != string(consent.ReasonScopeMismatch) {
		t.Fatalf("expected ScopeMismatch, got %+v", env.Error.Details)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/vault/user_2/email_draft", nil, map[string]string{"X-Consent-Token": read})
	env = expectError(t, res, data, http.StatusForbidden, "consent_denied")
	if env.Error.Details["reason"] != string(consent.ReasonSubjectMismatch) {
		t.Fatalf("expected SubjectMismatch, got %+v", env.Error.Details)
	}
	res, data = doJSON(t, client, http.MethodGet, url, nil, map[string]string{"X-Consent-Token": "garbage"})
	expectError(t, res, data, http.StatusBadRequest, "malformed_token")

	res, data = doJSON(t, client, http.MethodGet, url+"/versions", nil, map[string]string{"X-Consent-Token": read})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("versions status %d: %s", res.StatusCode, string(data))
	}
	var versions VaultVersionsResponse
	if err := json.Unmarshal(data, &versions); err != nil {
		t.Fatalf("unmarshal versions: %v", err)
	}
	if len(versions.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions.Versions))
	}

	res, data = doJSON(t, client, http.MethodDelete, url, nil, map[string]string{"X-Consent-Token": write})
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"deleted":2`) {
		t.Fatalf("delete: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, url, nil, map[string]string{"X-Consent-Token": read})
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestTrustLinkEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	parent := issueToken(t, srv, "user_1", domain.ScopeVaultReadResearch)
	write := issueToken(t, srv, "user_1", domain.ScopeVaultWriteResearch)
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/vault/user_1/answer_q1", []byte("42"), map[string]string{"X-Consent-Token": write})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/trust-links", map[string]any{
		"parent_token":  parent,
		"to_agent":      "agent.mailer",
		"resource_type": "research",
		"resource_id":   "answer_q1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("issue link status %d: %s", res.StatusCode, string(data))
	}
	var link LinkResponse
	if err := json.Unmarshal(data, &link); err != nil {
		t.Fatalf("unmarshal link: %v", err)
	}
	if link.Link.Scope != domain.ScopeVaultReadResearch || link.Link.Subject != "user_1" {
		t.Fatalf("unexpected link %+v", link.Link)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/trust-links/validate", map[string]any{
		"trust_link":  link.TrustLink,
		"agent_id":    "agent.research",
		"resource_id": "answer_q1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate link status %d: %s", res.StatusCode, string(data))
	}
	var check LinkValidationResponse
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("unmarshal link validation: %v", err)
	}
	if check.Valid || check.Reason != string(trustlink.ReasonAgentMismatch) {
		t.Fatalf("expected agent mismatch, got %+v", check)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/vault/user_1/answer_q1", nil, map[string]string{
		"X-Trust-Link": link.TrustLink,
		"X-Agent-Id":   "agent.mailer",
	})
	if res.StatusCode != http.StatusOK || string(data) != "42" {
		t.Fatalf("delegated read: %d %q", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/trust-links", map[string]any{
		"parent_token":  parent,
		"to_agent":      "agent.mailer",
		"resource_type": "research",
		"resource_id":   "answer_q1",
		"scope":         domain.ScopeVaultReadAll,
	}, nil)
	expectError(t, res, data, http.StatusForbidden, "scope_escalation")
}

func TestRateLimit(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.RateLimit = RateLimit{RPS: 0.001, Burst: 2}
	})
	defer cleanup()
	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("request %d: %d %s", i, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	expectError(t, res, data, http.StatusTooManyRequests, "rate_limited")
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestBodyLimit(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.MaxBodyBytes = 256
	})
	defer cleanup()
	client := srv.Client()
	write := issueToken(t, srv, "user_1", domain.ScopeVaultWriteFile)
	headers := map[string]string{"X-Consent-Token": write, "Content-Type": "application/octet-stream"}

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/vault/user_1/notes", bytes.Repeat([]byte("a"), 200), headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put under limit: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/vault/user_1/notes", bytes.Repeat([]byte("a"), 300), headers)
	expectError(t, res, data, http.StatusRequestEntityTooLarge, "payload_too_large")
}

func TestRequireAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.Auth.RequireAPIKey = true
	})
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should stay open: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/agents", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/agents", nil, map[string]string{"X-Api-Key": "wrong"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	if err := srv.Repo.InsertAPIKey(context.Background(), repo.APIKey{
		ID:       "key_1",
		ClientID: "frontend",
		KeyHash:  repo.HashAPIKey("s3cret"),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/agents", nil, map[string]string{"X-Api-Key": "s3cret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated call: %d %s", res.StatusCode, string(data))
	}
}

func TestWebhookDispatch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Hushh-Signature"))
		mu.Unlock()
		if r.Header.Get("X-Hushh-Signature") != Signature("hook-secret", body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := &WebhookDispatcher{
		Repo:  srv.Repo,
		Hooks: []config.WebhookConfig{{URL: hook.URL, Events: []string{"vault.*"}, Secret: "hook-secret"}},
	}
	// The first pass only pins the cursor at the end of the log.
	d.DispatchAll(ctx)

	write := issueToken(t, srv, "user_1", domain.ScopeVaultWriteFile)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/vault/user_1/notes", []byte("n"), map[string]string{"X-Consent-Token": write})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/consent/revoke", map[string]any{"token": write}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %d", len(received))
	}
	if received[0].Type != events.TypeVaultWrite || received[0].EntityID != "user_1/notes" {
		t.Fatalf("unexpected event %+v", received[0])
	}
	if sigs[0] == "" {
		t.Fatalf("expected signature header")
	}
	cursor, err := srv.Repo.WebhookCursor(ctx, hook.URL)
	if err != nil {
		t.Fatalf("webhook cursor: %v", err)
	}
	latest, err := srv.Repo.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest event: %v", err)
	}
	if cursor != latest {
		t.Fatalf("cursor %d should reach latest event %d", cursor, latest)
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"run.*", "vault.delete"})
	cases := map[string]bool{
		"run.created":   true,
		"run.completed": true,
		"vault.delete":  true,
		"vault.write":   false,
		"consent.other": false,
	}
	for evt, want := range cases {
		if got := f.match(evt); got != want {
			t.Fatalf("match(%s)=%v want %v", evt, got, want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter should match everything")
	}
}
