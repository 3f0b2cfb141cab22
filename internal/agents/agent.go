// Package agents holds the agent registry and the built-in agents the
// workflow engine runs.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"hushh/internal/domain"
	"hushh/internal/trustlink"
)

// Entrypoint is the behaviour behind a manifest. The engine calls Decode at
// dispatch and before each step, Draft while GENERATING, and Plan then Apply
// per item while EXECUTING.
type Entrypoint interface {
	Decode(raw json.RawMessage) (any, error)
	Draft(ctx context.Context, s *Session) (string, error)
	Plan(ctx context.Context, s *Session) ([]Item, error)
	Apply(ctx context.Context, s *Session, it Item) (string, error)
}

// Finisher is implemented by entrypoints that act once every item has an
// outcome. The returned map becomes the run's result output; credentials go
// through Session.Conceal instead.
type Finisher interface {
	Finish(ctx context.Context, s *Session, res domain.RunResult) (map[string]any, error)
}

// Item is one side effect of the execution step.
type Item struct {
	Target string
	Data   any
}

// Vault is the slice of the vault store agents work with.
type Vault interface {
	Read(ctx context.Context, userID, resourceName, token string) ([]byte, error)
	Write(ctx context.Context, userID, resourceName string, plaintext []byte, token string) (domain.VaultRecord, error)
}

// Delegator mints trust links from a run's consent tokens.
type Delegator interface {
	Issue(ctx context.Context, parentToken string, req trustlink.Request) (domain.TrustLink, string, error)
}

// Session is what one step of a run sees.
type Session struct {
	Run    domain.WorkflowRun
	Params any
	// Tokens are keyed by the manifest scope they were supplied for.
	Tokens map[domain.Scope]string
	Vault  Vault
	Links  Delegator

	concealed map[string]string
}

func (s *Session) Token(scope domain.Scope) string {
	return s.Tokens[scope]
}

// Conceal hands a credential produced by the step back to the caller. It is
// stored sealed with the run and kept out of the result output.
func (s *Session) Conceal(key, value string) {
	if s.concealed == nil {
		s.concealed = map[string]string{}
	}
	s.concealed[key] = value
}

func (s *Session) Concealed() map[string]string {
	return s.concealed
}

func invalidParams(format string, args ...any) error {
	return domain.NewError(domain.KindInvalidParameters, fmt.Sprintf(format, args...))
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalidParams("invalid parameters: %v", err)
	}
	if dec.More() {
		return invalidParams("invalid parameters: trailing data")
	}
	return nil
}

// buildPrompt lays out the task, its inputs, the previous draft and every
// round of feedback in submission order.
func buildPrompt(task string, inputs [][2]string, s *Session) string {
	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n")
	for _, in := range inputs {
		if strings.TrimSpace(in[1]) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n%s\n", in[0], in[1])
	}
	if s.Run.DraftContent != "" && len(s.Run.FeedbackHistory) > 0 {
		fmt.Fprintf(&b, "\nPrevious draft (version %d):\n%s\n", s.Run.DraftVersion, s.Run.DraftContent)
	}
	if len(s.Run.FeedbackHistory) > 0 {
		b.WriteString("\nRevise according to all feedback so far:\n")
		for i, fb := range s.Run.FeedbackHistory {
			fmt.Fprintf(&b, "%d. %s\n", i+1, fb.Text)
		}
	}
	return b.String()
}
