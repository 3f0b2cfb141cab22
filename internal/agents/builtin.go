package agents

import (
	"time"

	"hushh/internal/domain"
	"hushh/internal/llm"
	"hushh/internal/outbox"
)

// Builtins are the dependencies of the bundled agents.
type Builtins struct {
	Gen           llm.Generator
	Mail          outbox.Sink
	Calendar      outbox.Sink
	MailFrom      string
	MaxRecipients int
	LinkTTL       time.Duration
}

// RegisterBuiltins adds the mailer, calendar, finance and research agents to r.
func RegisterBuiltins(r *Registry, b Builtins) error {
	for _, reg := range []struct {
		m  domain.AgentManifest
		ep Entrypoint
	}{
		{MailerManifest(), Mailer{Gen: b.Gen, Sink: b.Mail, From: b.MailFrom, MaxRecipients: b.MaxRecipients}},
		{CalendarManifest(), Calendar{Gen: b.Gen, Sink: b.Calendar}},
		{FinanceManifest(), Finance{Gen: b.Gen}},
		{ResearchManifest(), Research{Gen: b.Gen, LinkTTL: b.LinkTTL}},
	} {
		if err := r.Register(reg.m, reg.ep); err != nil {
			return err
		}
	}
	return nil
}
