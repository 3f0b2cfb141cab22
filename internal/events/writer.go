package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hushh/internal/db"
)

// Audit event types.
const (
	TypeRunCreated       = "run.created"
	TypeRunFeedback      = "run.feedback"
	TypeRunCancelRequest = "run.cancel_requested"
	TypeEffectRecorded   = "run.effect"
	TypeVaultWrite       = "vault.write"
	TypeVaultDelete      = "vault.delete"
	TypeConsentRevoked   = "consent.revoked"
	TypeTrustLinkIssued  = "trustlink.issued"
)

// Entity kinds.
const (
	EntityRun       = "run"
	EntityVault     = "vault"
	EntityConsent   = "consent"
	EntityTrustLink = "trustlink"
)

const SystemActor = "system"

// RunStateType names the event recorded when a run enters state, e.g. run.awaiting_approval.
func RunStateType(state string) string {
	return "run." + strings.ToLower(state)
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one audit event on q, normally the transaction of the
// mutation it describes.
func (w Writer) Append(ctx context.Context, q db.DBTX, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = SystemActor
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
