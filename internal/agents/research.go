package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hushh/internal/domain"
	"hushh/internal/llm"
	"hushh/internal/trustlink"
)

const ResearchID = "agent.research"

type ResearchParams struct {
	Question string `json:"question"`
	Paper    string `json:"paper"`
	Answer   string `json:"answer,omitempty"`
	// ShareWith receives a read trust link on the saved answer.
	ShareWith string `json:"share_with,omitempty"`
}

// Research answers a question about a stored paper, saves the answer and
// shares it with another agent through a trust link.
type Research struct {
	Gen     llm.Generator
	LinkTTL time.Duration
}

func ResearchManifest() domain.AgentManifest {
	return domain.AgentManifest{
		AgentID:     ResearchID,
		Name:        "Research",
		Description: "Answers questions about stored papers and shares the answer with another agent.",
		Version:     "1.0.0",
		RequiredScopes: map[string][]domain.Scope{
			domain.OpGenerate: {domain.ScopeResearchQuery, domain.ScopeVaultReadResearch},
			domain.OpExecute:  {domain.ScopeVaultWriteResearch},
		},
		Entrypoint: "research",
	}
}

func (r Research) Decode(raw json.RawMessage) (any, error) {
	var p ResearchParams
	if err := decodeStrict(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Question) == "" {
		return nil, invalidParams("question is required")
	}
	if !strings.HasPrefix(p.Paper, "paper_") {
		return nil, invalidParams("paper must name a paper_ resource")
	}
	if p.Answer != "" && !strings.HasPrefix(p.Answer, "answer_") {
		return nil, invalidParams("answer must start with answer_")
	}
	if p.ShareWith == "" {
		p.ShareWith = MailerID
	}
	return p, nil
}

func (r Research) Draft(ctx context.Context, s *Session) (string, error) {
	p := s.Params.(ResearchParams)
	paper, err := s.Vault.Read(ctx, s.Run.UserID, p.Paper, s.Token(domain.ScopeVaultReadResearch))
	if err != nil {
		return "", err
	}
	prompt := buildPrompt("Answer the question using only the paper.", [][2]string{
		{"Question", p.Question},
		{"Paper", string(paper)},
	}, s)
	return r.Gen.Generate(ctx, prompt)
}

func (r Research) answerName(s *Session) string {
	if p := s.Params.(ResearchParams); p.Answer != "" {
		return p.Answer
	}
	return "answer_" + s.Run.RunID
}

func (r Research) Plan(ctx context.Context, s *Session) ([]Item, error) {
	return []Item{{Target: r.answerName(s)}}, nil
}

func (r Research) Apply(ctx context.Context, s *Session, it Item) (string, error) {
	rec, err := s.Vault.Write(ctx, s.Run.UserID, it.Target, []byte(s.Run.DraftContent), s.Token(domain.ScopeVaultWriteResearch))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s@v%d", rec.ResourceName, rec.Version), nil
}

// Finish delegates read access on the saved answer.
func (r Research) Finish(ctx context.Context, s *Session, res domain.RunResult) (map[string]any, error) {
	if len(res.Succeeded) == 0 || s.Links == nil {
		return nil, nil
	}
	p := s.Params.(ResearchParams)
	ttl := r.LinkTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	link, serialized, err := s.Links.Issue(ctx, s.Token(domain.ScopeVaultWriteResearch), trustlink.Request{
		FromAgent:    ResearchID,
		ToAgent:      p.ShareWith,
		Subject:      s.Run.UserID,
		ResourceType: "research",
		ResourceID:   res.Succeeded[0],
		Access:       domain.AccessRead,
		TTL:          ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("share answer: %w", err)
	}
	s.Conceal("trust_link", serialized)
	return map[string]any{
		"answer":                res.Succeeded[0],
		"trust_link_id":         link.ID,
		"trust_link_to":         link.ToAgent,
		"trust_link_expires_at": link.ExpiresAt.Format(time.RFC3339),
	}, nil
}
