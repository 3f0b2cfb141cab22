package hushhsdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteParsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agents/agent.mailer/execute", r.URL.Path)
		assert.Equal(t, "k1", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user_1", body["user_id"])
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"pending_approval","data":{"run_id":"r1","agent_id":"agent.mailer","state":"AWAITING_APPROVAL","draft_version":1,"draft_content":"hi"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL + "/api/")
	c.APIKey = "k1"
	resp, err := c.Execute(context.Background(), "agent.mailer", "user_1", map[string]string{"agent.email.send": "HCT:x"}, map[string]any{"subject": "s"})
	require.NoError(t, err)
	assert.Equal(t, "pending_approval", resp.Status)
	require.NotNil(t, resp.Run)
	assert.Equal(t, "r1", resp.Run.RunID)
	assert.Equal(t, 1, resp.Run.DraftVersion)
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"status":"error","data":{"run_id":"r2","state":"FAILED"},"error":{"code":"consent_denied","message":"token expired","details":{"reason":"Expired"}}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Approve(context.Background(), "agent.mailer", "user_1", "r2")
	require.Error(t, err)
	assert.True(t, IsCode(err, "consent_denied"))
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusForbidden, ae.StatusCode)
	assert.Equal(t, "Expired", ae.Reason())
	require.NotNil(t, ae.Run)
	assert.Equal(t, "FAILED", ae.Run.State)
}

func TestVaultRoundTripHeaders(t *testing.T) {
	stored := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
			assert.Equal(t, "HCT:w", r.Header.Get("X-Consent-Token"))
			b, _ := io.ReadAll(r.Body)
			stored[r.URL.Path] = b
			io.WriteString(w, `{"status":"success","record":{"user_id":"u","resource_name":"email_a","category":"email","version":3}}`)
		case http.MethodGet:
			assert.Equal(t, "HTL:l", r.Header.Get("X-Trust-Link"))
			assert.Equal(t, "agent.mailer", r.Header.Get("X-Agent-Id"))
			w.Write(stored[r.URL.Path])
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	rec, err := c.VaultPut(context.Background(), "u", "email_a", []byte("secret"), Credential{Token: "HCT:w"})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Version)
	assert.Equal(t, "email", rec.Category)

	data, err := c.VaultGet(context.Background(), "u", "email_a", 0, Credential{TrustLink: "HTL:l", AgentID: "agent.mailer"})
	require.NoError(t, err)
	assert.Equal(t, "secret", string(data))
}
