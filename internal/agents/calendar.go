package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hushh/internal/domain"
	"hushh/internal/llm"
	"hushh/internal/outbox"
)

const CalendarID = "agent.calendar"

// eventLayout is the start time format of a drafted event line.
const eventLayout = "2006-01-02 15:04"

type CalendarParams struct {
	// Text is scanned for events. Source names an email vault resource to scan instead.
	Text     string `json:"text,omitempty"`
	Source   string `json:"source,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// Calendar extracts events from text or a stored email and writes each approved
// event to the calendar channel.
type Calendar struct {
	Gen  llm.Generator
	Sink outbox.Sink
}

func CalendarManifest() domain.AgentManifest {
	return domain.AgentManifest{
		AgentID:     CalendarID,
		Name:        "Calendar",
		Description: "Extracts events from text or email and adds them to the calendar after approval.",
		Version:     "1.0.0",
		RequiredScopes: map[string][]domain.Scope{
			domain.OpGenerate: {domain.ScopeVaultReadEmail},
			domain.OpExecute:  {domain.ScopeCalendarWrite},
		},
		Entrypoint: "calendar",
	}
}

func (c Calendar) Decode(raw json.RawMessage) (any, error) {
	var p CalendarParams
	if err := decodeStrict(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Text) == "" && p.Source == "" {
		return nil, invalidParams("text or source is required")
	}
	if p.Text != "" && p.Source != "" {
		return nil, invalidParams("text and source are mutually exclusive")
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return nil, invalidParams("unknown timezone %q", p.Timezone)
	}
	return p, nil
}

func (c Calendar) Draft(ctx context.Context, s *Session) (string, error) {
	p := s.Params.(CalendarParams)
	text := p.Text
	if p.Source != "" {
		data, err := s.Vault.Read(ctx, s.Run.UserID, p.Source, s.Token(domain.ScopeVaultReadEmail))
		if err != nil {
			return "", err
		}
		text = string(data)
	}
	prompt := buildPrompt("List every calendar event in the text. Write one event per line starting with a dash, "+
		"then the start as YYYY-MM-DD HH:MM, a pipe, the duration such as 30m, a pipe and the title.", [][2]string{
		{"Timezone", p.Timezone},
		{"Text", text},
	}, s)
	return c.Gen.Generate(ctx, prompt)
}

// Plan reads back the approved draft; lines that are not event lines are ignored.
func (c Calendar) Plan(ctx context.Context, s *Session) ([]Item, error) {
	p := s.Params.(CalendarParams)
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, invalidParams("unknown timezone %q", p.Timezone)
	}
	var items []Item
	for _, line := range strings.Split(s.Run.DraftContent, "\n") {
		ev, ok := parseEventLine(line, loc)
		if !ok {
			continue
		}
		items = append(items, Item{
			Target: fmt.Sprintf("%s %s", ev.Start.Format(eventLayout), ev.Title),
			Data:   ev,
		})
	}
	return items, nil
}

func parseEventLine(line string, loc *time.Location) (outbox.CalendarEvent, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "- ")
	if !ok {
		return outbox.CalendarEvent{}, false
	}
	parts := strings.SplitN(rest, "|", 3)
	if len(parts) != 3 {
		return outbox.CalendarEvent{}, false
	}
	start, err := time.ParseInLocation(eventLayout, strings.TrimSpace(parts[0]), loc)
	if err != nil {
		return outbox.CalendarEvent{}, false
	}
	dur, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || dur <= 0 {
		return outbox.CalendarEvent{}, false
	}
	title := strings.TrimSpace(parts[2])
	if title == "" {
		return outbox.CalendarEvent{}, false
	}
	return outbox.CalendarEvent{Title: title, Start: start.UTC(), End: start.Add(dur).UTC()}, true
}

func (c Calendar) Apply(ctx context.Context, s *Session, it Item) (string, error) {
	return c.Sink.Deliver(ctx, outbox.Message{
		RunID:   s.Run.RunID,
		UserID:  s.Run.UserID,
		Target:  it.Target,
		Payload: it.Data,
	})
}
