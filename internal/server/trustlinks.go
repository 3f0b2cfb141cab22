package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"hushh/internal/domain"
	"hushh/internal/trustlink"
)

const defaultLinkTTL = time.Hour

func registerTrustLinks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-trust-link",
		Method:      http.MethodPost,
		Path:        "/trust-links",
		Summary:     "Delegate access on one resource to another agent",
		Description: "The link scope must be covered by parent_token; a broader request is rejected with scope_escalation.",
		Tags:        []string{"trust-links"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body IssueLinkRequest `json:"body"`
	}) (*struct {
		Body LinkResponse `json:"body"`
	}, error) {
		ttl := defaultLinkTTL
		if input.Body.TTLSeconds > 0 {
			ttl = time.Duration(input.Body.TTLSeconds) * time.Second
		}
		var scope domain.Scope
		if input.Body.Scope != "" {
			parsed, err := domain.ParseScope(input.Body.Scope)
			if err != nil {
				return nil, handleError(err)
			}
			scope = parsed
		}
		link, serialized, err := cfg.Links.Issue(ctx, input.Body.ParentToken, trustlink.Request{
			FromAgent:    input.Body.FromAgent,
			ToAgent:      input.Body.ToAgent,
			Subject:      input.Body.UserID,
			ResourceType: input.Body.ResourceType,
			ResourceID:   input.Body.ResourceID,
			Access:       input.Body.Access,
			Scope:        scope,
			TTL:          ttl,
		})
		if err != nil {
			return nil, handleError(err)
		}
		cfg.logger().InfoContext(ctx, "trust link issued", "client", clientOf(ctx), "link_id", link.ID, "from_agent", link.FromAgent, "to_agent", link.ToAgent, "scope", string(link.Scope))
		return &struct {
			Body LinkResponse `json:"body"`
		}{Body: LinkResponse{Status: StatusSuccess, TrustLink: serialized, Link: link}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-trust-link",
		Method:      http.MethodPost,
		Path:        "/trust-links/validate",
		Summary:     "Check a trust link for an agent and resource",
		Tags:        []string{"trust-links"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ValidateLinkRequest `json:"body"`
	}) (*struct {
		Body LinkValidationResponse `json:"body"`
	}, error) {
		var scope domain.Scope
		if input.Body.Scope != "" {
			parsed, err := domain.ParseScope(input.Body.Scope)
			if err != nil {
				return nil, handleError(err)
			}
			scope = parsed
		}
		res, err := cfg.Links.Validator().Validate(ctx, input.Body.TrustLink, trustlink.Expected{
			AgentID:      input.Body.AgentID,
			Subject:      input.Body.UserID,
			ResourceType: input.Body.ResourceType,
			ResourceID:   input.Body.ResourceID,
			Scope:        scope,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := LinkValidationResponse{Status: StatusSuccess, Valid: res.Valid, Reason: string(res.Reason), Detail: res.Detail}
		if res.Link.ID != "" {
			link := res.Link
			resp.Link = &link
		}
		return &struct {
			Body LinkValidationResponse `json:"body"`
		}{Body: resp}, nil
	})
}
