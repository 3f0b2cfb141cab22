package repo

import (
	"context"
	"strings"

	"hushh/internal/db"
	"hushh/internal/domain"
)

func (r Repo) InsertOutboxMessage(ctx context.Context, tx db.DBTX, m domain.OutboxMessage) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO outbox(id,channel,run_id,user_id,target,payload_json,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.Channel, m.RunID, m.UserID, m.Target, m.Payload, m.Status, formatTime(m.CreatedAt))
	return err
}

type OutboxFilters struct {
	Channel string
	RunID   string
	UserID  string
}

func (r Repo) ListOutboxMessages(ctx context.Context, f OutboxFilters) ([]domain.OutboxMessage, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Channel != "" {
		clauses = append(clauses, "channel=?")
		args = append(args, f.Channel)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,channel,run_id,user_id,target,payload_json,status,created_at FROM outbox WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		var ts string
		if err := rows.Scan(&m.ID, &m.Channel, &m.RunID, &m.UserID, &m.Target, &m.Payload, &m.Status, &ts); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
