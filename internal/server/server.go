package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"tierline/internal/domain"
	"tierline/internal/engine"
	"tierline/internal/engine/auth"
	"tierline/internal/groups"
	"tierline/internal/policy"
	"tierline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"permission_denied"`
	Message string         `json:"message" example:"permission denied: SYSTEM_MODE_CHANGED requires org level 10, actor U1 has 5"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"required\":10}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope shared by every operation.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Tierline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Modes == nil || cfg.Engine.Groups == nil || cfg.Engine.Catalog == nil {
		return nil, errors.New("engine not initialized")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Tierline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMode(group, cfg.Engine)
	registerResolve(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerGroups(group, cfg.Engine)
	registerThresholds(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
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
	var pd *auth.PermissionDeniedError
	if errors.As(err, &pd) {
		return newAPIError(http.StatusForbidden, "permission_denied", err.Error(), map[string]any{
			"action":   pd.Action,
			"required": pd.Required,
			"actual":   pd.Actual,
		})
	}
	var tc *policy.ThresholdConfigError
	if errors.As(err, &tc) {
		details := map[string]any{"reason": tc.Reason}
		if tc.Track != "" {
			details["track"] = tc.Track
		}
		if tc.Department != "" {
			details["department"] = tc.Department
		}
		if tc.Index >= 0 {
			details["index"] = tc.Index
		}
		return newAPIError(http.StatusUnprocessableEntity, "invalid_threshold_config", err.Error(), details)
	}
	switch {
	case errors.Is(err, policy.ErrInvalidThresholdConfig):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_threshold_config", err.Error(), nil)
	case errors.Is(err, policy.ErrInvalidScore):
		return newAPIError(http.StatusBadRequest, "invalid_score", err.Error(), nil)
	case errors.Is(err, policy.ErrUnknownTrack), errors.Is(err, policy.ErrTrackMismatch):
		return newAPIError(http.StatusBadRequest, "invalid_track", err.Error(), nil)
	case errors.Is(err, policy.ErrRotationDisabled):
		return newAPIError(http.StatusConflict, "rotation_disabled", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, groups.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// callerActor resolves the authenticated principal to its seat in the org chart.
func callerActor(ctx context.Context, e engine.Engine) (domain.Actor, huma.StatusError) {
	id, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return domain.Actor{}, authErr
	}
	a, err := e.ActorFor(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Actor{}, newAPIError(http.StatusForbidden, "unknown_actor", err.Error(), map[string]any{"actor_id": id})
		}
		return domain.Actor{}, handleError(err)
	}
	return a, nil
}

// actorOrCaller resolves id through the org chart, falling back to the caller.
func actorOrCaller(ctx context.Context, e engine.Engine, id string) (domain.Actor, huma.StatusError) {
	id = strings.TrimSpace(id)
	if id == "" {
		return callerActor(ctx, e)
	}
	a, err := e.ActorFor(ctx, id)
	if err != nil {
		return domain.Actor{}, handleError(err)
	}
	return a, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Tierline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMode(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-mode",
		Method:      http.MethodGet,
		Path:        "/mode",
		Summary:     "Current system mode",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.SystemMode `json:"body"`
	}, error) {
		if err := e.Sync(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SystemMode `json:"body"`
		}{Body: e.Modes.Current()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-mode",
		Method:      http.MethodPut,
		Path:        "/mode",
		Summary:     "Switch the system mode (top admin only)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body SetModeRequest `json:"body"`
	}) (*struct {
		Body domain.SystemMode `json:"body"`
	}, error) {
		actor, authErr := callerActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SetMode(ctx, domain.Track(strings.ToUpper(input.Body.Mode)), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SystemMode `json:"body"`
		}{Body: m}, nil
	})
}

func registerResolve(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-level",
		Method:      http.MethodPost,
		Path:        "/levels/resolve",
		Summary:     "Resolve a score to a level",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ResolveLevelRequest `json:"body"`
	}) (*struct {
		Body ResolveLevelResponse `json:"body"`
	}, error) {
		if input.Body.Score == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "score required", nil)
		}
		score := *input.Body.Score
		var (
			track domain.Track
			level domain.Level
			err   error
		)
		if input.Body.Track != "" {
			if err := e.Sync(ctx); err != nil {
				return nil, handleError(err)
			}
			track = domain.Track(strings.ToUpper(input.Body.Track))
			level, err = policy.ResolveLevel(score, track, e.Catalog.Thresholds(track, input.Body.DepartmentID))
		} else {
			track, level, err = e.ResolveLevel(ctx, score, input.Body.DepartmentID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolveLevelResponse `json:"body"`
		}{Body: ResolveLevelResponse{Track: track, Level: level}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-permission",
		Method:      http.MethodPost,
		Path:        "/permissions/resolve",
		Summary:     "Resolve an actor's rights at a level",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body ResolvePermissionRequest `json:"body"`
	}) (*struct {
		Body domain.PermissionDecision `json:"body"`
	}, error) {
		track := domain.Track(strings.ToUpper(input.Body.Track))
		if !track.Valid() {
			return nil, handleError(fmt.Errorf("%w: %q", policy.ErrUnknownTrack, input.Body.Track))
		}
		actor, authErr := actorOrCaller(ctx, e, input.Body.ActorID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Sync(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PermissionDecision `json:"body"`
		}{Body: e.ResolvePermission(actor, track, domain.Level(input.Body.Level))}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/evaluate",
		Summary:     "Resolve level and rights for a proposal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body EvaluateRequest `json:"body"`
	}) (*struct {
		Body engine.Evaluation `json:"body"`
	}, error) {
		if input.Body.Score == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "score required", nil)
		}
		actor, authErr := actorOrCaller(ctx, e, input.Body.ActorID)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.EvaluateProposal(ctx, engine.Proposal{Score: *input.Body.Score, DepartmentID: input.Body.DepartmentID}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Evaluation `json:"body"`
		}{Body: ev}, nil
	})
}

func registerGroups(api huma.API, e engine.Engine) {
	type groupPath struct {
		GroupID string `path:"group_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-groups",
		Method:      http.MethodGet,
		Path:        "/groups",
		Summary:     "List voting groups",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []GroupResponse `json:"body"`
	}, error) {
		if err := e.Sync(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GroupResponse `json:"body"`
		}{Body: mapGroups(e.Groups.List())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-group",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}",
		Summary:     "Get voting group",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *groupPath) (*struct {
		Body GroupResponse `json:"body"`
	}, error) {
		if err := e.Sync(ctx); err != nil {
			return nil, handleError(err)
		}
		g, err := e.Groups.Get(input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GroupResponse `json:"body"`
		}{Body: groupResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-rotation",
		Method:      http.MethodPost,
		Path:        "/groups/{group_id}/rotation/advance",
		Summary:     "Advance the group's rotation for a tick",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GroupID string                 `path:"group_id"`
		Body    AdvanceRotationRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body AdvanceRotationResponse `json:"body"`
	}, error) {
		id, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tick := e.Now().UTC()
		if input.Body.Tick != "" {
			parsed, err := time.Parse(time.RFC3339, input.Body.Tick)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid tick", map[string]any{"tick": input.Body.Tick})
			}
			tick = parsed
		}
		// The scheduler may not hold a seat in the org chart; rotation is not privileged.
		g, advanced, err := e.AdvanceRotation(ctx, input.GroupID, tick, domain.Actor{ID: id})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdvanceRotationResponse `json:"body"`
		}{Body: AdvanceRotationResponse{Group: groupResponse(g), Advanced: advanced}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-primary-approver",
		Method:      http.MethodPut,
		Path:        "/groups/{group_id}/primary-approver",
		Summary:     "Change the group's primary approver (top admin only)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GroupID string             `path:"group_id"`
		Body    SetApproverRequest `json:"body"`
	}) (*struct {
		Body GroupResponse `json:"body"`
	}, error) {
		actor, authErr := callerActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ApproverID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "approver_id required", nil)
		}
		g, err := e.SetPrimaryApprover(ctx, input.GroupID, input.Body.ApproverID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GroupResponse `json:"body"`
		}{Body: groupResponse(g)}, nil
	})
}

func registerThresholds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-ladder",
		Method:      http.MethodGet,
		Path:        "/thresholds",
		Summary:     "Threshold ladder for a track",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Track        string `query:"track"`
		DepartmentID string `query:"department_id"`
	}) (*struct {
		Body LadderResponse `json:"body"`
	}, error) {
		if err := e.Sync(ctx); err != nil {
			return nil, handleError(err)
		}
		track := e.Modes.Track()
		if input.Track != "" {
			track = domain.Track(strings.ToUpper(input.Track))
		}
		if !track.Valid() {
			return nil, handleError(fmt.Errorf("%w: %q", policy.ErrUnknownTrack, input.Track))
		}
		return &struct {
			Body LadderResponse `json:"body"`
		}{Body: ladderResponse(track, input.DepartmentID, e.Catalog.Load().Ladder(track, input.DepartmentID))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-thresholds",
		Method:      http.MethodPost,
		Path:        "/thresholds/validate",
		Summary:     "Validate a threshold table",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body ThresholdTableRequest `json:"body"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		table := domain.ThresholdTable{Track: domain.Track(strings.ToUpper(input.Body.Track)), Entries: input.Body.Entries}
		if err := policy.ValidateThresholds(table); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"valid": true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-department-thresholds",
		Method:      http.MethodPut,
		Path:        "/thresholds/departments/{department_id}",
		Summary:     "Install or clear a department's Project thresholds (top admin only)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DepartmentID string                      `path:"department_id"`
		Body         DepartmentThresholdsRequest `json:"body"`
	}) (*struct {
		Body domain.ThresholdTable `json:"body"`
	}, error) {
		actor, authErr := callerActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		table, err := e.SetDepartmentThresholds(ctx, input.DepartmentID, input.Body.Entries, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ThresholdTable `json:"body"`
		}{Body: table}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Action  string `query:"action"`
		ActorID string `query:"actor_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		entries, next, err := e.AuditTail(ctx, repo.EventFilters{
			Type:    input.Action,
			ActorID: input.ActorID,
			Cursor:  cursorID,
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAudit{Items: []domain.AuditEntry{}}
		resp.Items = append(resp.Items, entries...)
		if next > 0 {
			resp.NextCursor = strconv.FormatInt(next, 10)
		}
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		resp := WhoAmIResponse{ActorID: principal.ActorID, Source: principal.Source}
		if err := e.Sync(ctx); err != nil {
			return nil, handleError(err)
		}
		if a, err := e.ActorFor(ctx, principal.ActorID); err == nil {
			resp.Known = true
			resp.OrgLevel = a.OrgLevel
			resp.DepartmentID = a.DepartmentID
			resp.TopAdmin = a.OrgLevel == e.Catalog.Load().TopAdminLevel()
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
