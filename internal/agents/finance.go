package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"hushh/internal/domain"
	"hushh/internal/llm"
)

const FinanceID = "agent.finance"

type FinanceParams struct {
	Question  string `json:"question"`
	Portfolio string `json:"portfolio,omitempty"`
	Report    string `json:"report,omitempty"`
}

// Finance analyses the user's stored portfolio and files the approved report
// back into the vault.
type Finance struct {
	Gen llm.Generator
}

func FinanceManifest() domain.AgentManifest {
	return domain.AgentManifest{
		AgentID:     FinanceID,
		Name:        "Finance",
		Description: "Analyses a stored portfolio and saves the approved report to the vault.",
		Version:     "1.0.0",
		RequiredScopes: map[string][]domain.Scope{
			domain.OpGenerate: {domain.ScopeFinanceAnalyze, domain.ScopeVaultReadFinance},
			domain.OpExecute:  {domain.ScopeVaultWriteFinance},
		},
		Entrypoint: "finance",
	}
}

func (f Finance) Decode(raw json.RawMessage) (any, error) {
	var p FinanceParams
	if err := decodeStrict(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Question) == "" {
		return nil, invalidParams("question is required")
	}
	if p.Portfolio == "" {
		p.Portfolio = "portfolio_main"
	}
	if !strings.HasPrefix(p.Portfolio, "portfolio_") {
		return nil, invalidParams("portfolio must start with portfolio_")
	}
	if p.Report != "" && !strings.HasPrefix(p.Report, "report_") {
		return nil, invalidParams("report must start with report_")
	}
	return p, nil
}

func (f Finance) Draft(ctx context.Context, s *Session) (string, error) {
	p := s.Params.(FinanceParams)
	holdings := "No portfolio on file."
	data, err := s.Vault.Read(ctx, s.Run.UserID, p.Portfolio, s.Token(domain.ScopeVaultReadFinance))
	switch {
	case err == nil:
		holdings = string(data)
	case errors.Is(err, domain.ErrNotFound):
	default:
		return "", err
	}
	prompt := buildPrompt("Write a short financial analysis answering the question.", [][2]string{
		{"Question", p.Question},
		{"Portfolio", holdings},
	}, s)
	return f.Gen.Generate(ctx, prompt)
}

func (f Finance) reportName(s *Session) string {
	if p := s.Params.(FinanceParams); p.Report != "" {
		return p.Report
	}
	return "report_" + s.Run.RunID
}

func (f Finance) Plan(ctx context.Context, s *Session) ([]Item, error) {
	return []Item{{Target: f.reportName(s)}}, nil
}

func (f Finance) Apply(ctx context.Context, s *Session, it Item) (string, error) {
	rec, err := s.Vault.Write(ctx, s.Run.UserID, it.Target, []byte(s.Run.DraftContent), s.Token(domain.ScopeVaultWriteFinance))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s@v%d", rec.ResourceName, rec.Version), nil
}
