package server

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"hushh/internal/consent"
	"hushh/internal/domain"
)

func registerConsent(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-consent-token",
		Method:      http.MethodPost,
		Path:        "/consent/token",
		Summary:     "Issue a consent token",
		Tags:        []string{"consent"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body IssueTokenRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		scope, err := domain.ParseScope(input.Body.Scope)
		if err != nil {
			return nil, handleError(err)
		}
		ttl := cfg.DefaultTTL
		if h := input.Body.DurationHours; h > 0 {
			if limit := cfg.Codec.MaxTTL; limit > 0 && h > limit.Hours() {
				return nil, newAPIError(http.StatusBadRequest, string(domain.KindInvalidParameters), fmt.Sprintf("duration_hours exceeds maximum of %g", limit.Hours()), nil)
			}
			if h > float64(math.MaxInt64)/float64(time.Hour) {
				return nil, newAPIError(http.StatusBadRequest, string(domain.KindInvalidParameters), "duration_hours is out of range", nil)
			}
			ttl = time.Duration(math.Round(h * float64(time.Hour)))
		}
		agentID := input.Body.AgentID
		if agentID == "" {
			agentID = cfg.Issuer
		}
		tok, serialized, err := cfg.Codec.Issue(input.Body.UserID, agentID, scope, ttl)
		if err != nil {
			return nil, handleError(err)
		}
		cfg.logger().InfoContext(ctx, "consent token issued", "client", clientOf(ctx), "user_id", tok.Subject, "scope", string(tok.Scope), "nonce", tok.Nonce)
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{
			Status:    StatusSuccess,
			Token:     serialized,
			ExpiresAt: tok.ExpiresAt,
			Scope:     string(tok.Scope),
			Nonce:     tok.Nonce,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-consent-token",
		Method:      http.MethodPost,
		Path:        "/consent/validate",
		Summary:     "Validate a consent token against a scope",
		Description: "A rejected token is a successful call with valid=false and the rejection reason.",
		Tags:        []string{"consent"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ValidateTokenRequest `json:"body"`
	}) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		scope, err := domain.ParseScope(input.Body.Scope)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ValidationResponse{Status: StatusSuccess}
		tok, err := cfg.Guard.Check(ctx, input.Body.Token, input.Body.UserID, scope)
		if err != nil {
			reason, ok := consent.ReasonOf(err)
			if !ok {
				return nil, handleError(err)
			}
			resp.Reason = string(reason)
			resp.Detail = denialMessage(err)
			if tok.Nonce != "" {
				resp.Token = &tok
			}
		} else {
			resp.Valid = true
			resp.Token = &tok
		}
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-consent-token",
		Method:      http.MethodPost,
		Path:        "/consent/revoke",
		Summary:     "Revoke a consent token",
		Description: "Revocation also invalidates every trust link derived from the token. Revoking twice is not an error.",
		Tags:        []string{"consent"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RevokeTokenRequest `json:"body"`
	}) (*struct {
		Body RevokeResponse `json:"body"`
	}, error) {
		if cfg.Revocations == nil {
			return nil, newAPIError(http.StatusNotImplemented, "revocation_disabled", "no revocation store configured", nil)
		}
		tok, err := cfg.Guard.Validator.Verify(input.Body.Token)
		if err != nil {
			return nil, handleError(err)
		}
		revoked, err := cfg.Revocations.Revoke(ctx, tok.Nonce, tok.ExpiresAt)
		if err != nil {
			cfg.logger().ErrorContext(ctx, "revoke consent token", "nonce", tok.Nonce, "error", err)
			return nil, handleError(err)
		}
		if revoked {
			cfg.logger().InfoContext(ctx, "consent token revoked", "client", clientOf(ctx), "nonce", tok.Nonce, "user_id", tok.Subject)
		}
		return &struct {
			Body RevokeResponse `json:"body"`
		}{Body: RevokeResponse{Status: StatusSuccess, Nonce: tok.Nonce, Revoked: revoked}}, nil
	})
}
