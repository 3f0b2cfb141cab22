package consent

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"hushh/internal/domain"
)

// Reason explains why a token was rejected.
type Reason string

const (
	ReasonMalformed       Reason = "Malformed"
	ReasonBadSignature    Reason = "BadSignature"
	ReasonExpired         Reason = "Expired"
	ReasonScopeMismatch   Reason = "ScopeMismatch"
	ReasonRevoked         Reason = "Revoked"
	ReasonSubjectMismatch Reason = "SubjectMismatch"
)

type Result struct {
	Valid  bool
	Reason Reason
	// Detail is a human readable explanation for rejected tokens.
	Detail string
	// Token is populated whenever the input decoded.
	Token domain.ConsentToken
}

// Err converts a rejected result into a ConsentDenied error. ReasonOf
// recovers the reason from it.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return Deny(r.Reason, r.Detail)
}

type denial struct {
	reason Reason
	detail string
}

func (d *denial) Error() string { return d.detail }

func (d *denial) Unwrap() error {
	if d.reason == ReasonMalformed {
		return domain.ErrMalformedToken
	}
	return nil
}

// Deny builds the ConsentDenied error for reason.
func Deny(reason Reason, detail string) error {
	if detail == "" {
		detail = "consent denied"
	}
	return &domain.Error{Kind: domain.KindConsentDenied, Reason: string(reason), Err: &denial{reason: reason, detail: detail}}
}

// ReasonOf extracts the denial reason from an error returned by Guard or Result.Err.
func ReasonOf(err error) (Reason, bool) {
	var d *denial
	if errors.As(err, &d) {
		return d.reason, true
	}
	return "", false
}

// Validator checks signature, expiry and scope. It keeps no state and must be
// called on every use since expiry depends on the clock.
type Validator struct {
	Secret []byte
	Now    func() time.Time
}

func (v Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v Validator) Validate(serialized string, expected domain.Scope) Result {
	tok, err := Decode(serialized)
	if err != nil {
		return Result{Reason: ReasonMalformed, Detail: err.Error()}
	}
	if err := v.verify(serialized); err != nil {
		return Result{Reason: ReasonBadSignature, Detail: "signature verification failed", Token: tok}
	}
	if !v.now().Before(tok.ExpiresAt) {
		return Result{Reason: ReasonExpired, Detail: "token expired at " + tok.ExpiresAt.Format(time.RFC3339), Token: tok}
	}
	if !Satisfies(tok.Scope, expected) {
		return Result{Reason: ReasonScopeMismatch, Detail: "token grants " + string(tok.Scope) + ", need " + string(expected), Token: tok}
	}
	return Result{Valid: true, Token: tok}
}

// Verify checks structure and signature only. It is used where an expired
// token is still meaningful, such as revocation.
func (v Validator) Verify(serialized string) (domain.ConsentToken, error) {
	tok, err := Decode(serialized)
	if err != nil {
		return domain.ConsentToken{}, err
	}
	if err := v.verify(serialized); err != nil {
		return tok, Result{Reason: ReasonBadSignature, Detail: "signature verification failed"}.Err()
	}
	return tok, nil
}

func (v Validator) verify(serialized string) error {
	if len(v.Secret) == 0 {
		return errors.New("consent secret not configured")
	}
	raw := strings.TrimPrefix(strings.TrimSpace(serialized), TokenPrefix)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	_, err := parser.ParseWithClaims(raw, &claims{}, func(*jwt.Token) (any, error) {
		return v.Secret, nil
	})
	return err
}
