// Package trustlink mints and checks delegated credentials that let one agent
// act for a user on a single vault resource.
package trustlink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"hushh/internal/consent"
	"hushh/internal/domain"
	"hushh/internal/events"
	"hushh/internal/repo"
)

// LinkPrefix marks the serialized form of a trust link.
const LinkPrefix = "HTL:"

// ReasonAgentMismatch and ReasonResourceMismatch extend consent reasons for links.
const (
	ReasonAgentMismatch    consent.Reason = "AgentMismatch"
	ReasonResourceMismatch consent.Reason = "ResourceMismatch"
	ReasonParentRevoked    consent.Reason = "ParentRevoked"
)

type payload struct {
	ID           string `json:"id"`
	FromAgent    string `json:"from_agent"`
	ToAgent      string `json:"to_agent"`
	Subject      string `json:"subject"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Scope        string `json:"scope"`
	ParentNonce  string `json:"parent_nonce"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
}

type Request struct {
	// FromAgent defaults to the parent token's issuer agent.
	FromAgent    string
	ToAgent      string
	Subject      string
	ResourceType string
	ResourceID   string
	// Access is read or write; it picks the narrowest scope when Scope is empty.
	Access string
	Scope  domain.Scope
	TTL    time.Duration
}

type Issuer struct {
	Secret []byte
	Guard  consent.Guard
	MaxTTL time.Duration
	Now    func() time.Time
	// Repo, when set, receives an audit event per issued link.
	Repo   *repo.Repo
	Events events.Writer
}

func (i Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func invalid(format string, args ...any) error {
	return domain.NewError(domain.KindInvalidParameters, fmt.Sprintf(format, args...))
}

func isResourceType(v string) bool {
	for _, c := range domain.VaultCategories {
		if c == v {
			return true
		}
	}
	return false
}

// Issue validates parentToken and mints a link that can never exceed it.
func (i Issuer) Issue(ctx context.Context, parentToken string, req Request) (domain.TrustLink, string, error) {
	if len(i.Secret) == 0 {
		return domain.TrustLink{}, "", errors.New("trust link secret not configured")
	}
	if strings.TrimSpace(req.ToAgent) == "" {
		return domain.TrustLink{}, "", invalid("to_agent is required")
	}
	if !isResourceType(req.ResourceType) {
		return domain.TrustLink{}, "", invalid("unknown resource_type %q", req.ResourceType)
	}
	if strings.TrimSpace(req.ResourceID) == "" {
		return domain.TrustLink{}, "", invalid("resource_id is required")
	}
	if req.TTL < time.Second {
		return domain.TrustLink{}, "", invalid("ttl must be at least one second")
	}
	if i.MaxTTL > 0 && req.TTL > i.MaxTTL {
		return domain.TrustLink{}, "", invalid("ttl exceeds maximum of %s", i.MaxTTL)
	}
	access := req.Access
	if access == "" {
		access = domain.AccessRead
	}
	narrowest, err := consent.Narrowest(access, req.ResourceType)
	if err != nil {
		return domain.TrustLink{}, "", err
	}
	scope := narrowest
	explicit := req.Scope != ""
	if explicit {
		if !req.Scope.Valid() {
			return domain.TrustLink{}, "", domain.NewError(domain.KindInvalidScope, fmt.Sprintf("unknown scope %q", req.Scope))
		}
		if !consent.Satisfies(req.Scope, narrowest) {
			return domain.TrustLink{}, "", domain.NewError(domain.KindInvalidScope,
				fmt.Sprintf("scope %s does not cover %s resources", req.Scope, req.ResourceType))
		}
		scope = req.Scope
	}

	parent, err := i.Guard.Check(ctx, parentToken, req.Subject, scope)
	if err != nil {
		if reason, ok := consent.ReasonOf(err); ok && reason == consent.ReasonScopeMismatch && explicit {
			return domain.TrustLink{}, "", domain.WrapError(domain.KindScopeEscalation, err,
				"requested %s exceeds parent scope %s", scope, parent.Scope)
		}
		return domain.TrustLink{}, "", err
	}
	// A link never exceeds its parent.
	if !consent.Satisfies(parent.Scope, scope) {
		return domain.TrustLink{}, "", domain.NewError(domain.KindScopeEscalation,
			fmt.Sprintf("requested %s exceeds parent scope %s", scope, parent.Scope))
	}

	from := req.FromAgent
	if from == "" {
		from = parent.IssuerAgentID
	}
	now := i.now().UTC().Truncate(time.Second)
	link := domain.TrustLink{
		ID:           uuid.NewString(),
		FromAgent:    from,
		ToAgent:      req.ToAgent,
		Subject:      parent.Subject,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Scope:        scope,
		ParentNonce:  parent.Nonce,
		IssuedAt:     now,
		ExpiresAt:    now.Add(req.TTL).Truncate(time.Second),
	}
	serialized, sig, err := sign(i.Secret, link)
	if err != nil {
		return domain.TrustLink{}, "", err
	}
	link.Signature = sig

	if i.Repo != nil {
		if err := i.Events.Append(ctx, i.Repo.DB, events.TypeTrustLinkIssued, events.EntityTrustLink, link.ID, link.FromAgent, events.EventPayload{
			"to_agent":      link.ToAgent,
			"subject":       link.Subject,
			"resource_type": link.ResourceType,
			"resource_id":   link.ResourceID,
			"scope":         string(link.Scope),
			"parent_nonce":  link.ParentNonce,
			"expires_at":    link.ExpiresAt.Format(time.RFC3339),
		}); err != nil {
			return domain.TrustLink{}, "", fmt.Errorf("audit trust link: %w", err)
		}
	}
	return link, serialized, nil
}

func toPayload(l domain.TrustLink) payload {
	return payload{
		ID:           l.ID,
		FromAgent:    l.FromAgent,
		ToAgent:      l.ToAgent,
		Subject:      l.Subject,
		ResourceType: l.ResourceType,
		ResourceID:   l.ResourceID,
		Scope:        string(l.Scope),
		ParentNonce:  l.ParentNonce,
		IssuedAt:     l.IssuedAt.Unix(),
		ExpiresAt:    l.ExpiresAt.Unix(),
	}
}

func canonical(l domain.TrustLink) ([]byte, error) {
	raw, err := json.Marshal(toPayload(l))
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func mac(secret, data []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(LinkPrefix))
	h.Write(data)
	return h.Sum(nil)
}

func sign(secret []byte, l domain.TrustLink) (string, string, error) {
	body, err := canonical(l)
	if err != nil {
		return "", "", fmt.Errorf("canonicalize trust link: %w", err)
	}
	sig := base64.RawURLEncoding.EncodeToString(mac(secret, body))
	return LinkPrefix + base64.RawURLEncoding.EncodeToString(body) + "." + sig, sig, nil
}

// Encode serializes l around its existing signature.
func Encode(l domain.TrustLink) (string, error) {
	body, err := canonical(l)
	if err != nil {
		return "", fmt.Errorf("canonicalize trust link: %w", err)
	}
	return LinkPrefix + base64.RawURLEncoding.EncodeToString(body) + "." + l.Signature, nil
}

func malformed(reason string, err error) error {
	return &domain.Error{Kind: domain.KindMalformedToken, Reason: reason, Err: err}
}

// Decode parses a serialized link without verifying it. It also returns the
// signed bytes.
func Decode(serialized string) (domain.TrustLink, []byte, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(serialized), LinkPrefix)
	if !ok {
		return domain.TrustLink{}, nil, malformed("missing "+LinkPrefix+" prefix", nil)
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 2 {
		return domain.TrustLink{}, nil, malformed(fmt.Sprintf("expected 2 segments, got %d", len(parts)), nil)
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return domain.TrustLink{}, nil, malformed("payload is not base64url", err)
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[1]); err != nil || parts[1] == "" {
		return domain.TrustLink{}, nil, malformed("signature is not base64url", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var p payload
	if err := dec.Decode(&p); err != nil {
		return domain.TrustLink{}, nil, malformed("invalid payload", err)
	}
	if p.ID == "" || p.ToAgent == "" || p.Subject == "" || p.ResourceID == "" || p.Scope == "" || p.ExpiresAt == 0 {
		return domain.TrustLink{}, nil, malformed("missing fields", nil)
	}
	return domain.TrustLink{
		ID:           p.ID,
		FromAgent:    p.FromAgent,
		ToAgent:      p.ToAgent,
		Subject:      p.Subject,
		ResourceType: p.ResourceType,
		ResourceID:   p.ResourceID,
		Scope:        domain.Scope(p.Scope),
		ParentNonce:  p.ParentNonce,
		IssuedAt:     time.Unix(p.IssuedAt, 0).UTC(),
		ExpiresAt:    time.Unix(p.ExpiresAt, 0).UTC(),
		Signature:    parts[1],
	}, body, nil
}
