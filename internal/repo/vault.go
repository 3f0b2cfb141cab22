package repo

import (
	"context"
	"database/sql"
	"errors"

	"hushh/internal/db"
	"hushh/internal/domain"
)

const vaultColumns = `user_id,resource_name,version,category,ciphertext,algorithm,nonce,kdf,created_at`

func scanVaultRecord(row rowScanner) (domain.VaultRecord, error) {
	var rec domain.VaultRecord
	var created string
	err := row.Scan(&rec.UserID, &rec.ResourceName, &rec.Version, &rec.Category, &rec.Ciphertext,
		&rec.Encryption.Algorithm, &rec.Encryption.Nonce, &rec.Encryption.KDF, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.CreatedAt, err = parseTime(created)
	return rec, err
}

func (r Repo) InsertVaultRecord(ctx context.Context, tx db.DBTX, rec domain.VaultRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO vault_records(`+vaultColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.UserID, rec.ResourceName, rec.Version, rec.Category, rec.Ciphertext,
		rec.Encryption.Algorithm, rec.Encryption.Nonce, rec.Encryption.KDF, formatTime(rec.CreatedAt))
	return err
}

// MaxVaultVersion returns the highest stored version, 0 if none.
func (r Repo) MaxVaultVersion(ctx context.Context, tx db.DBTX, userID, resourceName string) (int, error) {
	var v int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM vault_records WHERE user_id=? AND resource_name=?`,
		userID, resourceName).Scan(&v)
	return v, err
}

func (r Repo) LatestVaultRecord(ctx context.Context, tx db.DBTX, userID, resourceName string) (domain.VaultRecord, error) {
	return scanVaultRecord(r.q(tx).QueryRowContext(ctx, `SELECT `+vaultColumns+` FROM vault_records WHERE user_id=? AND resource_name=? ORDER BY version DESC LIMIT 1`,
		userID, resourceName))
}

func (r Repo) GetVaultRecord(ctx context.Context, tx db.DBTX, userID, resourceName string, version int) (domain.VaultRecord, error) {
	return scanVaultRecord(r.q(tx).QueryRowContext(ctx, `SELECT `+vaultColumns+` FROM vault_records WHERE user_id=? AND resource_name=? AND version=?`,
		userID, resourceName, version))
}

// ListVaultVersions returns every stored version, oldest first.
func (r Repo) ListVaultVersions(ctx context.Context, tx db.DBTX, userID, resourceName string) ([]domain.VaultRecord, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+vaultColumns+` FROM vault_records WHERE user_id=? AND resource_name=? ORDER BY version ASC`,
		userID, resourceName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VaultRecord
	for rows.Next() {
		rec, err := scanVaultRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// DeleteVaultRecords removes every version and returns how many were removed.
func (r Repo) DeleteVaultRecords(ctx context.Context, tx db.DBTX, userID, resourceName string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM vault_records WHERE user_id=? AND resource_name=?`, userID, resourceName)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
