package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"

	"hushh/internal/domain"
	"hushh/internal/llm"
	"hushh/internal/outbox"
)

const MailerID = "agent.mailer"

type MailerParams struct {
	Subject    string   `json:"subject"`
	Brief      string   `json:"brief"`
	Recipients []string `json:"recipients"`
	// Campaign is the vault resource the sent campaign is saved under.
	Campaign string `json:"campaign,omitempty"`
}

// Mailer drafts an email campaign and sends it to every recipient once approved.
type Mailer struct {
	Gen           llm.Generator
	Sink          outbox.Sink
	From          string
	MaxRecipients int
}

func MailerManifest() domain.AgentManifest {
	return domain.AgentManifest{
		AgentID:     MailerID,
		Name:        "Mailer",
		Description: "Drafts an email campaign, then sends it per recipient after approval.",
		Version:     "1.0.0",
		RequiredScopes: map[string][]domain.Scope{
			domain.OpGenerate: {domain.ScopeEmailSend},
			domain.OpExecute:  {domain.ScopeEmailSend, domain.ScopeVaultWriteEmail},
		},
		Entrypoint: "mailer",
	}
}

func (m Mailer) Decode(raw json.RawMessage) (any, error) {
	var p MailerParams
	if err := decodeStrict(raw, &p); err != nil {
		return nil, err
	}
	p.Subject = strings.TrimSpace(p.Subject)
	if p.Subject == "" {
		return nil, invalidParams("subject is required")
	}
	if strings.TrimSpace(p.Brief) == "" {
		return nil, invalidParams("brief is required")
	}
	if len(p.Recipients) == 0 {
		return nil, invalidParams("at least one recipient is required")
	}
	if m.MaxRecipients > 0 && len(p.Recipients) > m.MaxRecipients {
		return nil, invalidParams("at most %d recipients are allowed", m.MaxRecipients)
	}
	seen := map[string]bool{}
	for i, r := range p.Recipients {
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return nil, invalidParams("recipient %d: %v", i+1, err)
		}
		if seen[addr.Address] {
			return nil, invalidParams("recipient %s listed twice", addr.Address)
		}
		seen[addr.Address] = true
		p.Recipients[i] = addr.Address
	}
	if p.Campaign != "" && !strings.HasPrefix(p.Campaign, "campaign_") {
		return nil, invalidParams("campaign must start with campaign_")
	}
	return p, nil
}

func (m Mailer) Draft(ctx context.Context, s *Session) (string, error) {
	p := s.Params.(MailerParams)
	prompt := buildPrompt("Write the body of an email campaign.", [][2]string{
		{"Subject", p.Subject},
		{"Brief", p.Brief},
		{"Audience size", fmt.Sprint(len(p.Recipients))},
	}, s)
	return m.Gen.Generate(ctx, prompt)
}

func (m Mailer) Plan(ctx context.Context, s *Session) ([]Item, error) {
	p := s.Params.(MailerParams)
	items := make([]Item, 0, len(p.Recipients))
	for _, to := range p.Recipients {
		items = append(items, Item{Target: to, Data: outbox.Mail{
			From:    m.From,
			To:      to,
			Subject: p.Subject,
			Body:    s.Run.DraftContent,
		}})
	}
	return items, nil
}

func (m Mailer) Apply(ctx context.Context, s *Session, it Item) (string, error) {
	return m.Sink.Deliver(ctx, outbox.Message{
		RunID:   s.Run.RunID,
		UserID:  s.Run.UserID,
		Target:  it.Target,
		Payload: it.Data,
	})
}

type campaignRecord struct {
	RunID   string   `json:"run_id"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	Sent    []string `json:"sent"`
	Failed  []string `json:"failed"`
	Skipped []string `json:"skipped"`
}

// Finish saves the campaign and its delivery outcome to the vault.
func (m Mailer) Finish(ctx context.Context, s *Session, res domain.RunResult) (map[string]any, error) {
	p := s.Params.(MailerParams)
	name := p.Campaign
	if name == "" {
		name = "campaign_" + s.Run.RunID
	}
	data, err := json.Marshal(campaignRecord{
		RunID:   s.Run.RunID,
		Subject: p.Subject,
		Body:    s.Run.DraftContent,
		Sent:    res.Succeeded,
		Failed:  res.Failed,
		Skipped: res.Skipped,
	})
	if err != nil {
		return nil, err
	}
	rec, err := s.Vault.Write(ctx, s.Run.UserID, name, data, s.Token(domain.ScopeVaultWriteEmail))
	if err != nil {
		return nil, fmt.Errorf("save campaign: %w", err)
	}
	return map[string]any{"campaign": name, "campaign_version": rec.Version}, nil
}
