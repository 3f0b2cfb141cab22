package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

var errNoCredential = newAPIError(http.StatusForbidden, "consent_denied", "X-Consent-Token or X-Trust-Link is required", nil)

func registerVault(api huma.API, cfg Config) {
	store := cfg.Vault
	huma.Register(api, huma.Operation{
		OperationID: "put-vault-resource",
		Method:      http.MethodPut,
		Path:        "/vault/{user_id}/{resource_name}",
		Summary:     "Store a new version of a vault resource",
		Description: "The body is stored as-is. Requires a vault.write token for the resource's category, or a write trust link with X-Agent-Id.",
		Tags:         []string{"vault"},
		Errors:       []int{http.StatusBadRequest, http.StatusForbidden, http.StatusRequestEntityTooLarge},
		MaxBodyBytes: cfg.MaxBodyBytes,
	}, func(ctx context.Context, input *struct {
		UserID       string `path:"user_id"`
		ResourceName string `path:"resource_name"`
		Token        string `header:"X-Consent-Token"`
		Link         string `header:"X-Trust-Link"`
		AgentID      string `header:"X-Agent-Id"`
		RawBody      []byte
	}) (*struct {
		Body VaultRecordResponse `json:"body"`
	}, error) {
		if input.Token == "" && input.Link == "" {
			return nil, errNoCredential
		}
		var err error
		resp := VaultRecordResponse{Status: StatusSuccess}
		if input.Link != "" {
			resp.Record, err = store.WriteDelegated(ctx, input.Link, input.AgentID, input.UserID, input.ResourceName, input.RawBody)
		} else {
			resp.Record, err = store.Write(ctx, input.UserID, input.ResourceName, input.RawBody, input.Token)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VaultRecordResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-vault-resource",
		Method:      http.MethodGet,
		Path:        "/vault/{user_id}/{resource_name}",
		Summary:     "Read the latest or a given version of a vault resource",
		Tags:        []string{"vault"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID       string `path:"user_id"`
		ResourceName string `path:"resource_name"`
		Version      int    `query:"version" minimum:"0"`
		Token        string `header:"X-Consent-Token"`
		Link         string `header:"X-Trust-Link"`
		AgentID      string `header:"X-Agent-Id"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		if input.Token == "" && input.Link == "" {
			return nil, errNoCredential
		}
		var (
			data []byte
			err  error
		)
		switch {
		case input.Link != "":
			if input.Version > 0 {
				return nil, newAPIError(http.StatusBadRequest, "invalid_parameters", "trust links read the latest version only", nil)
			}
			data, err = store.ReadDelegated(ctx, input.Link, input.AgentID, input.UserID, input.ResourceName)
		case input.Version > 0:
			data, err = store.ReadVersion(ctx, input.UserID, input.ResourceName, input.Version, input.Token)
		default:
			data, err = store.Read(ctx, input.UserID, input.ResourceName, input.Token)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "application/octet-stream", Body: data}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-vault-versions",
		Method:      http.MethodGet,
		Path:        "/vault/{user_id}/{resource_name}/versions",
		Summary:     "List stored versions of a vault resource",
		Tags:        []string{"vault"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID       string `path:"user_id"`
		ResourceName string `path:"resource_name"`
		Token        string `header:"X-Consent-Token"`
	}) (*struct {
		Body VaultVersionsResponse `json:"body"`
	}, error) {
		if input.Token == "" {
			return nil, errNoCredential
		}
		recs, err := store.Versions(ctx, input.UserID, input.ResourceName, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VaultVersionsResponse `json:"body"`
		}{Body: VaultVersionsResponse{Status: StatusSuccess, Versions: recs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-vault-resource",
		Method:      http.MethodDelete,
		Path:        "/vault/{user_id}/{resource_name}",
		Summary:     "Delete every version of a vault resource",
		Tags:        []string{"vault"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID       string `path:"user_id"`
		ResourceName string `path:"resource_name"`
		Token        string `header:"X-Consent-Token"`
	}) (*struct {
		Body VaultDeleteResponse `json:"body"`
	}, error) {
		if input.Token == "" {
			return nil, errNoCredential
		}
		n, err := store.Delete(ctx, input.UserID, input.ResourceName, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		cfg.logger().InfoContext(ctx, "vault resource deleted", "user_id", input.UserID, "resource", input.ResourceName, "versions", n)
		return &struct {
			Body VaultDeleteResponse `json:"body"`
		}{Body: VaultDeleteResponse{Status: StatusSuccess, Deleted: n}}, nil
	})
}
