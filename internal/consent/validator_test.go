package consent

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hushh/internal/domain"
)

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestValidateAcceptsFreshToken(t *testing.T) {
	c, _ := newTestCodec()
	tok, s, err := c.Issue("user_1", "", domain.ScopeVaultReadEmail, time.Hour)
	require.NoError(t, err)
	res := c.Validator().Validate(s, domain.ScopeVaultReadEmail)
	require.True(t, res.Valid)
	assert.Empty(t, res.Reason)
	assert.Equal(t, tok.Nonce, res.Token.Nonce)
	assert.NoError(t, res.Err())
}

func TestValidateExpiry(t *testing.T) {
	c, clk := newTestCodec()
	_, s, err := c.Issue("user_1", "", domain.ScopeVaultReadEmail, time.Hour)
	require.NoError(t, err)
	v := c.Validator()

	clk.Advance(time.Hour - time.Second)
	assert.True(t, v.Validate(s, domain.ScopeVaultReadEmail).Valid)

	clk.Advance(time.Second)
	res := v.Validate(s, domain.ScopeVaultReadEmail)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonExpired, res.Reason)
	assert.True(t, errors.Is(res.Err(), domain.ErrConsentDenied))
}

func TestValidateWrongSecret(t *testing.T) {
	c, _ := newTestCodec()
	_, s, err := c.Issue("user_1", "", domain.ScopeVaultReadEmail, time.Hour)
	require.NoError(t, err)
	other := Validator{Secret: []byte("another-secret-another-secret-xx"), Now: c.Now}
	assert.Equal(t, ReasonBadSignature, other.Validate(s, domain.ScopeVaultReadEmail).Reason)
}

func TestValidateMalformed(t *testing.T) {
	c, _ := newTestCodec()
	res := c.Validator().Validate("not-a-token", domain.ScopeVaultReadEmail)
	assert.Equal(t, ReasonMalformed, res.Reason)
	err := res.Err()
	assert.True(t, errors.Is(err, domain.ErrConsentDenied))
	assert.True(t, errors.Is(err, domain.ErrMalformedToken))
}

func TestValidateRejectsOtherAlgorithms(t *testing.T) {
	c, _ := newTestCodec()
	tok, _, err := c.Issue("user_1", "", domain.ScopeVaultReadEmail, time.Hour)
	require.NoError(t, err)
	header := b64(`{"alg":"none","typ":"JWT"}`)
	s, err := Encode(tok)
	require.NoError(t, err)
	parts := strings.Split(strings.TrimPrefix(s, TokenPrefix), ".")
	forged := TokenPrefix + header + "." + parts[1] + "." + tok.Signature
	assert.Equal(t, ReasonBadSignature, c.Validator().Validate(forged, domain.ScopeVaultReadEmail).Reason)
}

func TestVerifyIgnoresExpiry(t *testing.T) {
	c, clk := newTestCodec()
	tok, s, err := c.Issue("user_1", "", domain.ScopeVaultReadEmail, time.Minute)
	require.NoError(t, err)
	clk.Advance(time.Hour)
	got, err := c.Validator().Verify(s)
	require.NoError(t, err)
	assert.Equal(t, tok.Nonce, got.Nonce)
}

func TestSatisfiesHierarchy(t *testing.T) {
	cases := []struct {
		granted, required domain.Scope
		want              bool
	}{
		{domain.ScopeVaultOwner, domain.ScopeVaultReadFinance, true},
		{domain.ScopeVaultOwner, domain.ScopeVaultWriteAll, true},
		{domain.ScopeVaultOwner, domain.ScopeEmailSend, false},
		{domain.ScopeVaultWriteAll, domain.ScopeVaultWriteCalendar, true},
		{domain.ScopeVaultWriteAll, domain.ScopeVaultReadAll, true},
		{domain.ScopeVaultWriteAll, domain.ScopeVaultReadEmail, true},
		{domain.ScopeVaultWriteAll, domain.ScopeVaultOwner, false},
		{domain.ScopeVaultReadAll, domain.ScopeVaultReadResearch, true},
		{domain.ScopeVaultReadAll, domain.ScopeVaultWriteResearch, false},
		{domain.ScopeVaultWriteEmail, domain.ScopeVaultReadEmail, true},
		{domain.ScopeVaultWriteEmail, domain.ScopeVaultReadCalendar, false},
		{domain.ScopeVaultReadEmail, domain.ScopeVaultWriteEmail, false},
		{domain.ScopeVaultReadEmail, domain.ScopeVaultReadAll, false},
		{domain.ScopeEmailSend, domain.ScopeEmailSend, true},
		{domain.ScopeEmailSend, domain.ScopeCalendarWrite, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Satisfies(tc.granted, tc.required), "%s covers %s", tc.granted, tc.required)
	}
}

func TestNarrowest(t *testing.T) {
	s, err := Narrowest(domain.AccessRead, "email")
	require.NoError(t, err)
	assert.Equal(t, domain.ScopeVaultReadEmail, s)
	_, err = Narrowest(domain.AccessRead, "all")
	assert.True(t, errors.Is(err, domain.ErrInvalidScope))
	_, err = Narrowest("delete", "email")
	assert.True(t, errors.Is(err, domain.ErrInvalidScope))
}

func TestPropertyIssueValidateUntilTTL(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	scopes := domain.KnownScopes()

	properties.Property("token validates until ttl elapses", prop.ForAll(
		func(subject string, scopeIdx int, ttlSeconds int) bool {
			c, clk := newTestCodec()
			scope := scopes[scopeIdx]
			ttl := time.Duration(ttlSeconds) * time.Second
			_, s, err := c.Issue(subject, "", scope, ttl)
			if err != nil {
				return false
			}
			v := c.Validator()
			if !v.Validate(s, scope).Valid {
				return false
			}
			clk.Advance(ttl)
			res := v.Validate(s, scope)
			return !res.Valid && res.Reason == ReasonExpired
		},
		gen.Identifier(),
		gen.IntRange(0, len(scopes)-1),
		gen.IntRange(1, 30*24*3600),
	))

	properties.TestingRun(t)
}

func TestPropertySingleFieldMutationBreaksSignature(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	scopes := domain.KnownScopes()

	properties.Property("mutating any field yields BadSignature", prop.ForAll(
		func(subject string, scopeIdx int, field int) bool {
			c, _ := newTestCodec()
			scope := scopes[scopeIdx]
			tok, _, err := c.Issue(subject, "agent.test", scope, time.Hour)
			if err != nil {
				return false
			}
			mutated := tok
			switch field {
			case 0:
				mutated.Subject += "x"
			case 1:
				mutated.IssuerAgentID += "x"
			case 2:
				mutated.Scope = scopes[(scopeIdx+1)%len(scopes)]
			case 3:
				mutated.IssuedAt = tok.IssuedAt.Add(-time.Second)
			case 4:
				mutated.ExpiresAt = tok.ExpiresAt.Add(time.Hour)
			case 5:
				mutated.Nonce = uuid.NewString()
			case 6:
				other, _, err := c.Issue(subject+"y", "agent.test", scope, time.Hour)
				if err != nil {
					return false
				}
				mutated.Signature = other.Signature
			}
			s, err := Encode(mutated)
			if err != nil {
				return false
			}
			res := c.Validator().Validate(s, scope)
			return !res.Valid && res.Reason == ReasonBadSignature
		},
		gen.Identifier(),
		gen.IntRange(0, len(scopes)-1),
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}

func TestPropertyScopeMismatchNeverValid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	scopes := domain.KnownScopes()

	properties.Property("a scope outside the grant is always ScopeMismatch", prop.ForAll(
		func(grantedIdx, expectedIdx int) bool {
			granted, expected := scopes[grantedIdx], scopes[expectedIdx]
			if Satisfies(granted, expected) {
				return true
			}
			c, _ := newTestCodec()
			_, s, err := c.Issue("user_1", "", granted, time.Hour)
			if err != nil {
				return false
			}
			res := c.Validator().Validate(s, expected)
			return !res.Valid && res.Reason == ReasonScopeMismatch
		},
		gen.IntRange(0, len(scopes)-1),
		gen.IntRange(0, len(scopes)-1),
	))

	properties.Property("non-vault scopes only satisfy themselves", prop.ForAll(
		func(grantedIdx, expectedIdx int) bool {
			granted, expected := scopes[grantedIdx], scopes[expectedIdx]
			if _, _, ok := granted.VaultParts(); ok || granted == domain.ScopeVaultOwner {
				return true
			}
			return Satisfies(granted, expected) == (granted == expected)
		},
		gen.IntRange(0, len(scopes)-1),
		gen.IntRange(0, len(scopes)-1),
	))

	properties.TestingRun(t)
}
