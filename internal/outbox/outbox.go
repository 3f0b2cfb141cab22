// Package outbox hands agent side effects to provider channels. Each delivery
// is a row in the outbox table that a provider relay picks up.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hushh/internal/domain"
	"hushh/internal/repo"
)

const (
	ChannelMail     = "mail"
	ChannelCalendar = "calendar"
)

const StatusQueued = "queued"

// Sink delivers one message and returns a provider reference for it.
type Sink interface {
	Deliver(ctx context.Context, msg Message) (string, error)
}

type Message struct {
	RunID   string
	UserID  string
	Target  string
	Payload any
}

// Mail is the payload of a mail channel message.
type Mail struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// CalendarEvent is the payload of a calendar channel message.
type CalendarEvent struct {
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Notes string    `json:"notes,omitempty"`
}

// SQLSink queues messages for one channel in the outbox table.
type SQLSink struct {
	Repo    repo.Repo
	Channel string
	Now     func() time.Time
	// Reject, when set, is consulted before queueing; a non-nil error fails the delivery.
	Reject func(msg Message) error
}

func (s SQLSink) Deliver(ctx context.Context, msg Message) (string, error) {
	if s.Reject != nil {
		if err := s.Reject(msg); err != nil {
			return "", err
		}
	}
	if msg.Target == "" {
		return "", fmt.Errorf("%s outbox: empty target", s.Channel)
	}
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return "", fmt.Errorf("%s outbox: marshal payload: %w", s.Channel, err)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	m := domain.OutboxMessage{
		ID:        uuid.NewString(),
		Channel:   s.Channel,
		RunID:     msg.RunID,
		UserID:    msg.UserID,
		Target:    msg.Target,
		Payload:   string(data),
		Status:    StatusQueued,
		CreatedAt: now().UTC(),
	}
	if err := s.Repo.InsertOutboxMessage(ctx, nil, m); err != nil {
		return "", fmt.Errorf("%s outbox: %w", s.Channel, err)
	}
	return m.ID, nil
}
