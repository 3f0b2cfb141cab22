// Package vault is per-user encrypted storage gated by consent tokens.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hushh/internal/consent"
	"hushh/internal/domain"
	"hushh/internal/events"
	"hushh/internal/keylock"
	"hushh/internal/repo"
	"hushh/internal/trustlink"
)

type Store struct {
	Repo    repo.Repo
	Events  events.Writer
	Guard   consent.Guard
	Links   trustlink.Validator
	Cipher  *Cipher
	Catalog Catalog
	Now     func() time.Time
	Logger  *slog.Logger

	locks keylock.Map
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func checkNames(userID, resourceName string) error {
	if userID == "" {
		return domain.NewError(domain.KindInvalidParameters, "user_id is required")
	}
	if !ValidResourceName(resourceName) {
		return domain.NewError(domain.KindInvalidParameters, fmt.Sprintf("invalid resource name %q", resourceName))
	}
	return nil
}

func lockKey(userID, resourceName string) string {
	return userID + "\x00" + resourceName
}

func notFound(userID, resourceName string) error {
	return domain.WrapError(domain.KindNotFound, repo.ErrNotFound, "vault resource %s/%s", userID, resourceName)
}

// Write encrypts plaintext and stores it as the next version of the resource.
// Writers to the same (user, resource) are serialized.
func (s *Store) Write(ctx context.Context, userID, resourceName string, plaintext []byte, token string) (domain.VaultRecord, error) {
	if err := checkNames(userID, resourceName); err != nil {
		return domain.VaultRecord{}, err
	}
	category := s.Catalog.Category(resourceName)
	tok, err := s.Guard.Check(ctx, token, userID, domain.VaultScope(domain.AccessWrite, category))
	if err != nil {
		return domain.VaultRecord{}, err
	}
	return s.write(ctx, userID, resourceName, category, plaintext, tok.IssuerAgentID, tok.Nonce)
}

func (s *Store) write(ctx context.Context, userID, resourceName, category string, plaintext []byte, actor, grant string) (domain.VaultRecord, error) {
	unlock := s.locks.Lock(lockKey(userID, resourceName))
	defer unlock()

	ct, meta, err := s.Cipher.Seal(userID, resourceName, plaintext)
	if err != nil {
		return domain.VaultRecord{}, err
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VaultRecord{}, err
	}
	defer tx.Rollback()
	latest, err := s.Repo.MaxVaultVersion(ctx, tx, userID, resourceName)
	if err != nil {
		return domain.VaultRecord{}, fmt.Errorf("read vault version: %w", err)
	}
	rec := domain.VaultRecord{
		UserID:       userID,
		ResourceName: resourceName,
		Category:     category,
		Ciphertext:   ct,
		Encryption:   meta,
		Version:      latest + 1,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.Repo.InsertVaultRecord(ctx, tx, rec); err != nil {
		return domain.VaultRecord{}, fmt.Errorf("insert vault record: %w", err)
	}
	if err := s.Events.Append(ctx, tx, events.TypeVaultWrite, events.EntityVault, userID+"/"+resourceName, actor, events.EventPayload{
		"version":  rec.Version,
		"category": category,
		"grant":    grant,
	}); err != nil {
		return domain.VaultRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VaultRecord{}, err
	}
	s.logger().DebugContext(ctx, "vault write", "user_id", userID, "resource", resourceName, "version", rec.Version)
	return rec, nil
}

// Read returns the latest plaintext. Consent is checked before the lookup so a
// rejected caller learns nothing about whether the resource exists.
func (s *Store) Read(ctx context.Context, userID, resourceName, token string) ([]byte, error) {
	if err := checkNames(userID, resourceName); err != nil {
		return nil, err
	}
	if _, err := s.Guard.Check(ctx, token, userID, s.Catalog.RequiredScope(domain.AccessRead, resourceName)); err != nil {
		return nil, err
	}
	return s.open(ctx, userID, resourceName, 0)
}

// ReadVersion returns the plaintext of one stored version.
func (s *Store) ReadVersion(ctx context.Context, userID, resourceName string, version int, token string) ([]byte, error) {
	if err := checkNames(userID, resourceName); err != nil {
		return nil, err
	}
	if _, err := s.Guard.Check(ctx, token, userID, s.Catalog.RequiredScope(domain.AccessRead, resourceName)); err != nil {
		return nil, err
	}
	return s.open(ctx, userID, resourceName, version)
}

func (s *Store) open(ctx context.Context, userID, resourceName string, version int) ([]byte, error) {
	var (
		rec domain.VaultRecord
		err error
	)
	if version > 0 {
		rec, err = s.Repo.GetVaultRecord(ctx, nil, userID, resourceName, version)
	} else {
		rec, err = s.Repo.LatestVaultRecord(ctx, nil, userID, resourceName)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return nil, notFound(userID, resourceName)
	}
	if err != nil {
		return nil, err
	}
	return s.Cipher.Open(userID, resourceName, rec.Ciphertext, rec.Encryption)
}

// ReadDelegated reads a resource on the strength of a trust link held by agentID.
func (s *Store) ReadDelegated(ctx context.Context, link, agentID, userID, resourceName string) ([]byte, error) {
	if err := checkNames(userID, resourceName); err != nil {
		return nil, err
	}
	category := s.Catalog.Category(resourceName)
	res, err := s.Links.Validate(ctx, link, trustlink.Expected{
		AgentID:      agentID,
		Subject:      userID,
		ResourceType: category,
		ResourceID:   resourceName,
		Scope:        domain.VaultScope(domain.AccessRead, category),
	})
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		s.logger().WarnContext(ctx, "trust link denied", "reason", string(res.Reason), "agent_id", agentID)
		return nil, res.Err()
	}
	return s.open(ctx, userID, resourceName, 0)
}

// WriteDelegated stores a new version on the strength of a write trust link.
func (s *Store) WriteDelegated(ctx context.Context, link, agentID, userID, resourceName string, plaintext []byte) (domain.VaultRecord, error) {
	if err := checkNames(userID, resourceName); err != nil {
		return domain.VaultRecord{}, err
	}
	category := s.Catalog.Category(resourceName)
	res, err := s.Links.Validate(ctx, link, trustlink.Expected{
		AgentID:      agentID,
		Subject:      userID,
		ResourceType: category,
		ResourceID:   resourceName,
		Scope:        domain.VaultScope(domain.AccessWrite, category),
	})
	if err != nil {
		return domain.VaultRecord{}, err
	}
	if !res.Valid {
		return domain.VaultRecord{}, res.Err()
	}
	return s.write(ctx, userID, resourceName, category, plaintext, agentID, res.Link.ID)
}

// Versions lists stored versions without their ciphertext.
func (s *Store) Versions(ctx context.Context, userID, resourceName, token string) ([]domain.VaultRecord, error) {
	if err := checkNames(userID, resourceName); err != nil {
		return nil, err
	}
	if _, err := s.Guard.Check(ctx, token, userID, s.Catalog.RequiredScope(domain.AccessRead, resourceName)); err != nil {
		return nil, err
	}
	recs, err := s.Repo.ListVaultVersions(ctx, nil, userID, resourceName)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, notFound(userID, resourceName)
	}
	for i := range recs {
		recs[i].Ciphertext = nil
	}
	return recs, nil
}

// Delete removes every version of the resource and returns how many were removed.
func (s *Store) Delete(ctx context.Context, userID, resourceName, token string) (int, error) {
	if err := checkNames(userID, resourceName); err != nil {
		return 0, err
	}
	tok, err := s.Guard.Check(ctx, token, userID, s.Catalog.RequiredScope(domain.AccessWrite, resourceName))
	if err != nil {
		return 0, err
	}
	unlock := s.locks.Lock(lockKey(userID, resourceName))
	defer unlock()

	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := s.Repo.DeleteVaultRecords(ctx, tx, userID, resourceName)
	if err != nil {
		return 0, fmt.Errorf("delete vault records: %w", err)
	}
	if n == 0 {
		return 0, notFound(userID, resourceName)
	}
	if err := s.Events.Append(ctx, tx, events.TypeVaultDelete, events.EntityVault, userID+"/"+resourceName, tok.IssuerAgentID, events.EventPayload{
		"versions": n,
		"grant":    tok.Nonce,
	}); err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}
