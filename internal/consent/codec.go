package consent

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"hushh/internal/domain"
)

// TokenPrefix marks the serialized form of a consent token.
const TokenPrefix = "HCT:"

// DefaultIssuer is recorded as issuer_agent_id when the caller names none.
const DefaultIssuer = "hushh"

type claims struct {
	jwt.RegisteredClaims
	Agent string `json:"agt"`
	Scope string `json:"scp"`
}

// Codec mints and parses consent tokens. A token is an HS256 JWT over
// sub, agt, scp, iat, exp and jti (the nonce); the signature covers every field.
type Codec struct {
	Secret []byte
	MaxTTL time.Duration
	Now    func() time.Time
}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Issue mints a token for subject and returns both its decoded and serialized forms.
func (c Codec) Issue(subject, issuerAgentID string, scope domain.Scope, ttl time.Duration) (domain.ConsentToken, string, error) {
	if len(c.Secret) == 0 {
		return domain.ConsentToken{}, "", errors.New("consent secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return domain.ConsentToken{}, "", domain.NewError(domain.KindInvalidParameters, "subject is required")
	}
	if !scope.Valid() {
		return domain.ConsentToken{}, "", domain.NewError(domain.KindInvalidScope, fmt.Sprintf("unknown scope %q", scope))
	}
	if ttl < time.Second {
		return domain.ConsentToken{}, "", domain.NewError(domain.KindInvalidParameters, "ttl must be at least one second")
	}
	if c.MaxTTL > 0 && ttl > c.MaxTTL {
		return domain.ConsentToken{}, "", domain.NewError(domain.KindInvalidParameters, fmt.Sprintf("ttl exceeds maximum of %s", c.MaxTTL))
	}
	if issuerAgentID == "" {
		issuerAgentID = DefaultIssuer
	}
	now := c.now().UTC().Truncate(time.Second)
	tok := domain.ConsentToken{
		Subject:       subject,
		IssuerAgentID: issuerAgentID,
		Scope:         scope,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl).Truncate(time.Second),
		Nonce:         uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, toClaims(tok)).SignedString(c.Secret)
	if err != nil {
		return domain.ConsentToken{}, "", fmt.Errorf("sign consent token: %w", err)
	}
	tok.Signature = signed[strings.LastIndexByte(signed, '.')+1:]
	return tok, TokenPrefix + signed, nil
}

// Decode parses serialized without checking its signature or expiry.
func (c Codec) Decode(serialized string) (domain.ConsentToken, error) {
	return Decode(serialized)
}

// Encode serializes tok with the signature it already carries.
func (c Codec) Encode(tok domain.ConsentToken) (string, error) {
	return Encode(tok)
}

// Validator returns a Validator sharing the codec's secret and clock.
func (c Codec) Validator() Validator {
	return Validator{Secret: c.Secret, Now: c.Now}
}

func toClaims(tok domain.ConsentToken) claims {
	return claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tok.Subject,
			IssuedAt:  jwt.NewNumericDate(tok.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
			ID:        tok.Nonce,
		},
		Agent: tok.IssuerAgentID,
		Scope: string(tok.Scope),
	}
}

func malformed(reason string, err error) error {
	return &domain.Error{Kind: domain.KindMalformedToken, Reason: reason, Err: err}
}

// Decode parses a serialized consent token. Only structure is checked.
func Decode(serialized string) (domain.ConsentToken, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(serialized), TokenPrefix)
	if !ok {
		return domain.ConsentToken{}, malformed("missing "+TokenPrefix+" prefix", nil)
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return domain.ConsentToken{}, malformed(fmt.Sprintf("expected 3 segments, got %d", len(parts)), nil)
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[2]); err != nil || parts[2] == "" {
		return domain.ConsentToken{}, malformed("signature is not base64url", err)
	}
	var cl claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &cl); err != nil {
		return domain.ConsentToken{}, malformed("invalid token body", err)
	}
	switch {
	case cl.Subject == "":
		return domain.ConsentToken{}, malformed("missing subject", nil)
	case cl.Agent == "":
		return domain.ConsentToken{}, malformed("missing issuer agent", nil)
	case cl.Scope == "":
		return domain.ConsentToken{}, malformed("missing scope", nil)
	case cl.ID == "":
		return domain.ConsentToken{}, malformed("missing nonce", nil)
	case cl.IssuedAt == nil || cl.ExpiresAt == nil:
		return domain.ConsentToken{}, malformed("missing timestamps", nil)
	}
	return domain.ConsentToken{
		Subject:       cl.Subject,
		IssuerAgentID: cl.Agent,
		Scope:         domain.Scope(cl.Scope),
		IssuedAt:      cl.IssuedAt.Time.UTC(),
		ExpiresAt:     cl.ExpiresAt.Time.UTC(),
		Nonce:         cl.ID,
		Signature:     parts[2],
	}, nil
}

// Encode rebuilds the serialized form of tok around its existing signature.
func Encode(tok domain.ConsentToken) (string, error) {
	signing, err := jwt.NewWithClaims(jwt.SigningMethodHS256, toClaims(tok)).SigningString()
	if err != nil {
		return "", fmt.Errorf("encode consent token: %w", err)
	}
	return TokenPrefix + signing + "." + tok.Signature, nil
}
