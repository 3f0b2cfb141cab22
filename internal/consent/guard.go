package consent

import (
	"context"
	"fmt"
	"log/slog"

	"hushh/internal/domain"
)

// Guard is the consent check run before every sensitive operation. It adds
// revocation and subject binding on top of Validator.
type Guard struct {
	Validator   Validator
	Revocations RevocationStore
	Logger      *slog.Logger
}

func (g Guard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Check validates serialized for expected and returns the decoded token. An
// empty subject skips the subject binding.
func (g Guard) Check(ctx context.Context, serialized, subject string, expected domain.Scope) (domain.ConsentToken, error) {
	res := g.Validator.Validate(serialized, expected)
	if res.Valid && g.Revocations != nil {
		revoked, err := g.Revocations.IsRevoked(ctx, res.Token.Nonce)
		if err != nil {
			return domain.ConsentToken{}, fmt.Errorf("revocation lookup: %w", err)
		}
		if revoked {
			res = Result{Reason: ReasonRevoked, Detail: "token has been revoked", Token: res.Token}
		}
	}
	if res.Valid && subject != "" && res.Token.Subject != subject {
		res = Result{Reason: ReasonSubjectMismatch, Detail: "token was issued for a different user", Token: res.Token}
	}
	if !res.Valid {
		g.logger().WarnContext(ctx, "consent denied", "reason", string(res.Reason), "scope", string(expected), "nonce", res.Token.Nonce)
		return res.Token, res.Err()
	}
	return res.Token, nil
}
