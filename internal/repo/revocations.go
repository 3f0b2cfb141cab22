package repo

import (
	"context"
	"time"

	"hushh/internal/db"
)

// InsertRevocation blacklists nonce until expiresAt. It reports false when the
// nonce was already revoked.
func (r Repo) InsertRevocation(ctx context.Context, tx db.DBTX, nonce string, expiresAt, now time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO revocations(nonce,expires_at,revoked_at) VALUES (?,?,?)`,
		nonce, formatTime(expiresAt), formatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) IsRevoked(ctx context.Context, nonce string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM revocations WHERE nonce=?`, nonce).Scan(&n)
	return n > 0, err
}

// DeleteExpiredRevocations drops entries whose token has expired anyway.
func (r Repo) DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM revocations WHERE expires_at<=?`, formatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
