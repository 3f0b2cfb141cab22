package agents

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hushh/internal/domain"
	"hushh/internal/llm"
)

func TestRegistryRegisterGetList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, Builtins{Gen: llm.Static{}}))

	ids := []string{}
	for _, m := range r.List() {
		ids = append(ids, m.AgentID)
	}
	assert.Equal(t, []string{CalendarID, FinanceID, MailerID, ResearchID}, ids)

	reg, err := r.Get(MailerID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Scope{domain.ScopeEmailSend, domain.ScopeVaultWriteEmail}, reg.Manifest.AllScopes())

	err = r.Register(MailerManifest(), Mailer{})
	assert.True(t, errors.Is(err, domain.ErrDuplicateAgent))

	_, err = r.Get("agent.unknown")
	assert.True(t, errors.Is(err, domain.ErrAgentNotFound))
}

func TestRegistriesAreIsolated(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	require.NoError(t, a.Register(FinanceManifest(), Finance{}))
	require.NoError(t, b.Register(FinanceManifest(), Finance{}))
	assert.Len(t, a.List(), 1)
	assert.Len(t, b.List(), 1)
}

func TestRegisterRejectsUnknownScope(t *testing.T) {
	m := FinanceManifest()
	m.RequiredScopes = map[string][]domain.Scope{domain.OpGenerate: {"vault.read.everything"}}
	err := NewRegistry().Register(m, Finance{})
	assert.True(t, errors.Is(err, domain.ErrInvalidScope))
}

func TestConcurrentDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Register(MailerManifest(), Mailer{}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}

func TestMailerDecode(t *testing.T) {
	m := Mailer{MaxRecipients: 2}
	p, err := m.Decode(json.RawMessage(`{"subject":" Launch ","brief":"new product","recipients":["Ann <ann@example.com>","bob@example.com"]}`))
	require.NoError(t, err)
	mp := p.(MailerParams)
	assert.Equal(t, "Launch", mp.Subject)
	assert.Equal(t, []string{"ann@example.com", "bob@example.com"}, mp.Recipients)

	for name, raw := range map[string]string{
		"unknown field": `{"subject":"s","brief":"b","recipients":["a@example.com"],"extra":1}`,
		"no subject":    `{"brief":"b","recipients":["a@example.com"]}`,
		"bad address":   `{"subject":"s","brief":"b","recipients":["not-an-address"]}`,
		"too many":      `{"subject":"s","brief":"b","recipients":["a@example.com","b@example.com","c@example.com"]}`,
		"duplicate":     `{"subject":"s","brief":"b","recipients":["a@example.com","a@example.com"]}`,
		"bad campaign":  `{"subject":"s","brief":"b","recipients":["a@example.com"],"campaign":"x"}`,
	} {
		_, err := m.Decode(json.RawMessage(raw))
		assert.True(t, errors.Is(err, domain.ErrInvalidParameters), name)
	}
}

func TestBuildPromptCarriesFeedbackInOrder(t *testing.T) {
	s := &Session{Run: domain.WorkflowRun{
		DraftContent: "v1",
		DraftVersion: 1,
		FeedbackHistory: []domain.Feedback{
			{Text: "shorter"},
			{Text: "friendlier"},
		},
	}}
	p := buildPrompt("Task.", [][2]string{{"Subject", "Hi"}, {"Empty", " "}}, s)
	assert.Contains(t, p, "Subject:\nHi")
	assert.NotContains(t, p, "Empty:")
	assert.Contains(t, p, "Previous draft (version 1):\nv1")
	assert.Contains(t, p, "1. shorter\n2. friendlier\n")
}

func TestCalendarPlanParsesEventLines(t *testing.T) {
	c := Calendar{}
	p, err := c.Decode(json.RawMessage(`{"text":"standup tomorrow","timezone":"UTC"}`))
	require.NoError(t, err)
	s := &Session{Params: p, Run: domain.WorkflowRun{DraftContent: "Events:\n- 2026-03-02 09:00 | 30m | Standup\n- garbage\n- 2026-03-02 14:00 | 1h | Review\n"}}
	items, err := c.Plan(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "2026-03-02 09:00 Standup", items[0].Target)
	assert.Equal(t, "2026-03-02 14:00 Review", items[1].Target)

	_, err = c.Decode(json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, domain.ErrInvalidParameters))
	_, err = c.Decode(json.RawMessage(`{"text":"x","timezone":"Mars/Olympus"}`))
	assert.True(t, errors.Is(err, domain.ErrInvalidParameters))
}
