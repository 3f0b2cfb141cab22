package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"hushh/internal/consent"
	"hushh/internal/domain"
	"hushh/internal/repo"
	"hushh/internal/trustlink"
	"hushh/internal/vault"
	"hushh/internal/workflow"
)

const (
	defaultExecuteWait  = 10 * time.Second
	defaultMaxBodyBytes = 1 << 20
)

// Config for the HTTP API handler.
type Config struct {
	Engine      *workflow.Engine
	Codec       consent.Codec
	Guard       consent.Guard
	Revocations consent.RevocationStore
	Links       trustlink.Issuer
	Vault       *vault.Store
	Repo        repo.Repo
	// Issuer is recorded on tokens minted without an agent_id.
	Issuer     string
	DefaultTTL time.Duration
	BasePath   string
	// ExecuteWait bounds how long execute and approve block for the run to settle.
	ExecuteWait time.Duration
	// MaxBodyBytes caps request bodies, vault writes included.
	MaxBodyBytes int64
	Auth         AuthConfig
	RateLimit    RateLimit
	Logger       *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"consent_denied"`
	Message string         `json:"message" example:"token grants vault.read.email, need vault.write.email"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reason\":\"ScopeMismatch\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Status string       `json:"status" example:"error"`
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the hushh API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Vault == nil {
		return nil, errors.New("server: vault is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	cfg.BasePath = basePath
	if cfg.ExecuteWait <= 0 {
		cfg.ExecuteWait = defaultExecuteWait
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 invalid_parameters.
			return newAPIError(http.StatusBadRequest, string(domain.KindInvalidParameters), msg, validationDetails(errs))
		}
		return newAPIError(status, "", msg, validationDetails(errs))
	}

	router := chi.NewRouter()
	if cfg.RateLimit.RPS > 0 {
		router.Use(newRateLimiter(cfg.RateLimit).Middleware)
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	router.Use(limitBody(cfg.MaxBodyBytes))
	hcfg := huma.DefaultConfig("hushh API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerConsent(group, cfg)
	registerAgents(group, cfg)
	registerRuns(group, cfg)
	registerTrustLinks(group, cfg)
	registerVault(group, cfg)
	registerOpenAPI(router, api, basePath, cfg.Auth.RequireAPIKey)

	return router, nil
}

func limitBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", fmt.Sprintf("request body exceeds %d bytes", limit), nil))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

func validationDetails(errs []error) map[string]any {
	if len(errs) == 0 {
		return nil
	}
	return map[string]any{"errors": errs}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Status: "error",
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindConsentDenied, domain.KindMissingScope, domain.KindScopeEscalation:
		return http.StatusForbidden
	case domain.KindMalformedToken, domain.KindInvalidScope, domain.KindInvalidParameters:
		return http.StatusBadRequest
	case domain.KindNotFound, domain.KindAgentNotFound:
		return http.StatusNotFound
	case domain.KindDuplicateAgent, domain.KindInvalidTransition, domain.KindCancelled:
		return http.StatusConflict
	case domain.KindGeneration, domain.KindExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	kind := domain.KindOf(err)
	if kind == "" && errors.Is(err, repo.ErrNotFound) {
		kind = domain.KindNotFound
	}
	if kind == "" {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
	// A malformed token surfaces as its own code even when wrapped in a denial.
	if reason, ok := consent.ReasonOf(err); ok {
		code := string(kind)
		if reason == consent.ReasonMalformed {
			code = string(domain.KindMalformedToken)
		}
		return newAPIError(statusForKind(domain.ErrorKind(code)), code, denialMessage(err), map[string]any{"reason": string(reason)})
	}
	msg := strings.TrimPrefix(err.Error(), string(kind)+": ")
	if kind == domain.KindDecryption {
		msg = "stored record could not be decrypted"
	}
	return newAPIError(statusForKind(kind), string(kind), msg, nil)
}

func denialMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) && de.Err != nil {
		return de.Err.Error()
	}
	return err.Error()
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(domain.KindInvalidParameters)
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return string(domain.KindNotFound)
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, apiKeys bool) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if apiKeys {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{{"apiKeyAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>hushh API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Vault operations take the consent token in X-Consent-Token.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		} `json:"body"`
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			} `json:"body"`
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})
}
