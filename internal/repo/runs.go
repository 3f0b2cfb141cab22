package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"hushh/internal/db"
	"hushh/internal/domain"
)

const runColumns = `run_id,agent_id,user_id,state,parameters_json,draft_content,draft_version,COALESCE(result_json,''),errors_json,cancel_requested,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.WorkflowRun, error) {
	var (
		run                  domain.WorkflowRun
		params, result, errs string
		cancel               int
		created, updated     string
	)
	err := row.Scan(&run.RunID, &run.AgentID, &run.UserID, &run.State, &params, &run.DraftContent, &run.DraftVersion,
		&result, &errs, &cancel, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Parameters = json.RawMessage(params)
	run.CancelRequested = cancel != 0
	if result != "" {
		var res domain.RunResult
		if err := json.Unmarshal([]byte(result), &res); err != nil {
			return run, fmt.Errorf("decode run result: %w", err)
		}
		run.Result = &res
	}
	if err := json.Unmarshal([]byte(errs), &run.Errors); err != nil {
		return run, fmt.Errorf("decode run errors: %w", err)
	}
	if run.CreatedAt, err = parseTime(created); err != nil {
		return run, err
	}
	if run.UpdatedAt, err = parseTime(updated); err != nil {
		return run, err
	}
	return run, nil
}

func encodeRun(run domain.WorkflowRun) (params, result, errs string, err error) {
	params = "{}"
	if len(run.Parameters) > 0 {
		params = string(run.Parameters)
	}
	if run.Result != nil {
		data, err := json.Marshal(run.Result)
		if err != nil {
			return "", "", "", fmt.Errorf("encode run result: %w", err)
		}
		result = string(data)
	}
	list := run.Errors
	if list == nil {
		list = []domain.RunError{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", "", "", fmt.Errorf("encode run errors: %w", err)
	}
	return params, result, string(data), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// InsertRun stores a new run along with its sealed consent tokens.
func (r Repo) InsertRun(ctx context.Context, tx db.DBTX, run domain.WorkflowRun, sealedTokens []byte) error {
	params, result, errs, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO runs(run_id,agent_id,user_id,state,parameters_json,draft_content,draft_version,result_json,errors_json,cancel_requested,sealed_tokens,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.RunID, run.AgentID, run.UserID, string(run.State), params, run.DraftContent, run.DraftVersion, nullable(result), errs,
		boolInt(run.CancelRequested), sealedTokens, formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	return err
}

// UpdateRun writes the mutable columns of run. Feedback is appended separately.
func (r Repo) UpdateRun(ctx context.Context, tx db.DBTX, run domain.WorkflowRun) error {
	_, result, errs, err := encodeRun(run)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE runs SET state=?, draft_content=?, draft_version=?, result_json=?, errors_json=?, cancel_requested=?, updated_at=? WHERE run_id=?`,
		string(run.State), run.DraftContent, run.DraftVersion, nullable(result), errs, boolInt(run.CancelRequested), formatTime(run.UpdatedAt), run.RunID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun loads a run and its feedback history.
func (r Repo) GetRun(ctx context.Context, tx db.DBTX, runID string) (domain.WorkflowRun, error) {
	run, err := scanRun(r.q(tx).QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID))
	if err != nil {
		return run, err
	}
	fb, err := r.ListFeedback(ctx, tx, runID)
	if err != nil {
		return run, err
	}
	run.FeedbackHistory = fb
	return run, nil
}

func (r Repo) SealedTokens(ctx context.Context, tx db.DBTX, runID string) ([]byte, error) {
	var sealed []byte
	err := r.q(tx).QueryRowContext(ctx, `SELECT sealed_tokens FROM runs WHERE run_id=?`, runID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sealed, err
}

func (r Repo) UpdateSealedTokens(ctx context.Context, tx db.DBTX, runID string, sealed []byte) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE runs SET sealed_tokens=? WHERE run_id=?`, sealed, runID)
	return err
}

// SealedSecrets returns the credentials a run produced, or nil if it made none.
func (r Repo) SealedSecrets(ctx context.Context, tx db.DBTX, runID string) ([]byte, error) {
	var sealed []byte
	err := r.q(tx).QueryRowContext(ctx, `SELECT sealed_secrets FROM runs WHERE run_id=?`, runID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sealed, err
}

func (r Repo) UpdateSealedSecrets(ctx context.Context, tx db.DBTX, runID string, sealed []byte) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE runs SET sealed_secrets=? WHERE run_id=?`, sealed, runID)
	return err
}

type RunFilters struct {
	UserID  string
	AgentID string
	States  []domain.RunState
	// UpdatedBefore restricts to runs idle since before this instant.
	UpdatedBefore time.Time
	Limit         int
}

// ListRuns returns runs newest first without their feedback history.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.WorkflowRun, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ",")+")")
	}
	if !f.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at<?")
		args = append(args, formatTime(f.UpdatedBefore))
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, run_id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// AppendFeedback adds fb at the end of the run's history and returns its sequence number.
func (r Repo) AppendFeedback(ctx context.Context, tx db.DBTX, runID string, fb domain.Feedback) (int, error) {
	q := r.q(tx)
	var seq int
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM run_feedback WHERE run_id=?`, runID).Scan(&seq); err != nil {
		return 0, err
	}
	_, err := q.ExecContext(ctx, `INSERT INTO run_feedback(run_id,seq,actor,text,ts) VALUES (?,?,?,?,?)`,
		runID, seq, fb.Actor, fb.Text, formatTime(fb.Timestamp))
	return seq, err
}

func (r Repo) ListFeedback(ctx context.Context, tx db.DBTX, runID string) ([]domain.Feedback, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT actor,text,ts FROM run_feedback WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Feedback{}
	for rows.Next() {
		var fb domain.Feedback
		var ts string
		if err := rows.Scan(&fb.Actor, &fb.Text, &ts); err != nil {
			return nil, err
		}
		if fb.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, fb)
	}
	return res, rows.Err()
}

type Draft struct {
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (r Repo) InsertDraft(ctx context.Context, tx db.DBTX, runID string, d Draft) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO run_drafts(run_id,version,content,created_at) VALUES (?,?,?,?)`,
		runID, d.Version, d.Content, formatTime(d.CreatedAt))
	return err
}

func (r Repo) ListDrafts(ctx context.Context, runID string) ([]Draft, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT version,content,created_at FROM run_drafts WHERE run_id=? ORDER BY version ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Draft
	for rows.Next() {
		var d Draft
		var ts string
		if err := rows.Scan(&d.Version, &d.Content, &ts); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpsertEffect records the latest outcome of one execution item.
func (r Repo) UpsertEffect(ctx context.Context, tx db.DBTX, e domain.Effect) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO run_effects(run_id,seq,target,status,ref,error,attempts,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(run_id,seq) DO UPDATE SET status=excluded.status, ref=excluded.ref, error=excluded.error, attempts=excluded.attempts, updated_at=excluded.updated_at`,
		e.RunID, e.Seq, e.Target, e.Status, nullable(e.Ref), nullable(e.Error), e.Attempts, formatTime(e.UpdatedAt))
	return err
}

func (r Repo) ListEffects(ctx context.Context, tx db.DBTX, runID string) ([]domain.Effect, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT run_id,seq,target,status,COALESCE(ref,''),COALESCE(error,''),attempts,updated_at FROM run_effects WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Effect
	for rows.Next() {
		var e domain.Effect
		var ts string
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Target, &e.Status, &e.Ref, &e.Error, &e.Attempts, &ts); err != nil {
			return nil, err
		}
		if e.UpdatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
