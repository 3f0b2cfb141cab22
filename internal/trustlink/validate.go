package trustlink

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"fmt"
	"time"

	"hushh/internal/consent"
	"hushh/internal/domain"
)

// Expected describes the access a link holder is attempting.
type Expected struct {
	AgentID      string
	Subject      string
	ResourceType string
	ResourceID   string
	Scope        domain.Scope
}

type Result struct {
	Valid  bool
	Reason consent.Reason
	Detail string
	Link   domain.TrustLink
}

func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return consent.Deny(r.Reason, r.Detail)
}

func reject(reason consent.Reason, link domain.TrustLink, format string, args ...any) Result {
	return Result{Reason: reason, Detail: fmt.Sprintf(format, args...), Link: link}
}

// Validator checks links minted by an Issuer with the same secret.
type Validator struct {
	Secret      []byte
	Revocations consent.RevocationStore
	Now         func() time.Time
}

// Validator returns the matching validator for links from i.
func (i Issuer) Validator() Validator {
	return Validator{Secret: i.Secret, Revocations: i.Guard.Revocations, Now: i.Now}
}

func (v Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate runs the consent checks plus agent, subject and resource binding.
// Revoking the parent token revokes every link derived from it.
func (v Validator) Validate(ctx context.Context, serialized string, exp Expected) (Result, error) {
	link, body, err := Decode(serialized)
	if err != nil {
		return Result{Reason: consent.ReasonMalformed, Detail: err.Error()}, nil
	}
	want := mac(v.Secret, body)
	got, _ := base64.RawURLEncoding.DecodeString(link.Signature)
	if len(v.Secret) == 0 || !hmac.Equal(want, got) {
		return reject(consent.ReasonBadSignature, link, "signature verification failed"), nil
	}
	if !v.now().Before(link.ExpiresAt) {
		return reject(consent.ReasonExpired, link, "link expired at %s", link.ExpiresAt.Format(time.RFC3339)), nil
	}
	if exp.Scope != "" && !consent.Satisfies(link.Scope, exp.Scope) {
		return reject(consent.ReasonScopeMismatch, link, "link grants %s, need %s", link.Scope, exp.Scope), nil
	}
	if exp.AgentID != "" && link.ToAgent != exp.AgentID {
		return reject(ReasonAgentMismatch, link, "link was issued to %s", link.ToAgent), nil
	}
	if exp.Subject != "" && link.Subject != exp.Subject {
		return reject(consent.ReasonSubjectMismatch, link, "link was issued for a different user"), nil
	}
	if (exp.ResourceType != "" && link.ResourceType != exp.ResourceType) || link.ResourceID != exp.ResourceID {
		return reject(ReasonResourceMismatch, link, "link covers %s/%s", link.ResourceType, link.ResourceID), nil
	}
	if v.Revocations != nil && link.ParentNonce != "" {
		revoked, err := v.Revocations.IsRevoked(ctx, link.ParentNonce)
		if err != nil {
			return Result{}, fmt.Errorf("revocation lookup: %w", err)
		}
		if revoked {
			return reject(ReasonParentRevoked, link, "parent consent was revoked"), nil
		}
	}
	return Result{Valid: true, Link: link}, nil
}
