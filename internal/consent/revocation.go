package consent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"hushh/internal/events"
	"hushh/internal/keylock"
	"hushh/internal/repo"
)

// RevocationStore is the nonce blacklist. Entries only need to live until the
// token they revoke would have expired.
type RevocationStore interface {
	// Revoke reports false when nonce was already revoked.
	Revoke(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)
	IsRevoked(ctx context.Context, nonce string) (bool, error)
	// Cleanup drops entries for tokens expired at now.
	Cleanup(ctx context.Context, now time.Time) (int64, error)
}

// SQLRevocations keeps the blacklist in sqlite and audits each revocation.
type SQLRevocations struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	locks  keylock.Map
}

func NewSQLRevocations(r repo.Repo, ev events.Writer, now func() time.Time) *SQLRevocations {
	return &SQLRevocations{Repo: r, Events: ev, Now: now}
}

func (s *SQLRevocations) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLRevocations) Revoke(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	unlock := s.locks.Lock(nonce)
	defer unlock()

	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	inserted, err := s.Repo.InsertRevocation(ctx, tx, nonce, expiresAt, s.now())
	if err != nil {
		return false, fmt.Errorf("insert revocation: %w", err)
	}
	if !inserted {
		return false, nil
	}
	if err := s.Events.Append(ctx, tx, events.TypeConsentRevoked, events.EntityConsent, nonce, "", events.EventPayload{
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLRevocations) IsRevoked(ctx context.Context, nonce string) (bool, error) {
	return s.Repo.IsRevoked(ctx, nonce)
}

func (s *SQLRevocations) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	return s.Repo.DeleteExpiredRevocations(ctx, now)
}

// RedisRevocations shares the blacklist across instances. Each entry carries
// a TTL matching the token's remaining lifetime so Cleanup has nothing to do.
type RedisRevocations struct {
	Client redis.UniversalClient
	Prefix string
	Now    func() time.Time
}

func NewRedisRevocations(addr, password string, db int, prefix string) *RedisRevocations {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisRevocations{Client: rdb, Prefix: prefix}
}

func (s *RedisRevocations) key(nonce string) string {
	return s.Prefix + nonce
}

func (s *RedisRevocations) Revoke(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		// Expired tokens are already rejected; keep a short marker for idempotency.
		ttl = time.Minute
	}
	ok, err := s.Client.SetNX(ctx, s.key(nonce), now.UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis revoke: %w", err)
	}
	return ok, nil
}

func (s *RedisRevocations) IsRevoked(ctx context.Context, nonce string) (bool, error) {
	n, err := s.Client.Exists(ctx, s.key(nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("redis revocation lookup: %w", err)
	}
	return n > 0, nil
}

func (s *RedisRevocations) Cleanup(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisRevocations) Close() error {
	return s.Client.Close()
}

var (
	_ RevocationStore = (*SQLRevocations)(nil)
	_ RevocationStore = (*RedisRevocations)(nil)
)

// RunCleanup purges expired entries every interval until ctx is done.
func RunCleanup(ctx context.Context, store RevocationStore, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.Cleanup(ctx, now)
			if err != nil {
				logger.Error("revocation cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("revocation cleanup", "removed", n)
			}
		}
	}
}
