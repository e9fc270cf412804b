package server

import (
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
	"github.com/google/uuid"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/engine/auth"
	"gateline/internal/lifecycle"
	"gateline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"attestation_required"`
	Message string         `json:"message" example:"attestation required before entering QA_PASSED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStates(group, cfg.Engine)
	registerDatasets(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerAttestations(group, cfg.Engine)
	registerPhi(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var oe auth.ForbiddenOverrideError
	if errors.As(err, &oe) {
		return newAPIError(http.StatusForbidden, "forbidden_override", err.Error(), map[string]any{"actor_id": oe.ActorID})
	}
	var ie engine.ImmutableError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusConflict, "immutable_state", err.Error(), map[string]any{"state": string(ie.State)})
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{"from": string(te.From), "to": string(te.To)})
	}
	var ae engine.AttestationRequiredError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusUnprocessableEntity, "attestation_required", err.Error(), map[string]any{"target_state": string(ae.TargetState)})
	}
	var pe engine.PhiBlockedError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusUnprocessableEntity, "phi_blocked", err.Error(), map[string]any{"gate_id": pe.GateID, "status": string(pe.Status)})
	}
	var se engine.StaleStagesError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "stale_stages", err.Error(), map[string]any{"stages": se.Stages})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cannot be overridden"),
		strings.Contains(lowered, "cannot run in state"),
		strings.Contains(lowered, "not enabled for stage"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, ok := principalFromContext(ctx)
	if !ok || principal.ActorID == "" {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	// No RBAC configured means an authenticated actor may do anything.
	if e.Config == nil || len(e.Config.RBAC.Roles) == 0 {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	granted, err := e.Auth.ActorHasPermission(ctx, tx, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !granted {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Gateline API Docs</title>
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

func registerStates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-states",
		Method:      http.MethodGet,
		Path:        "/states",
		Summary:     "Lifecycle states and transitions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StateMetadataResponse `json:"body"`
	}, error) {
		rules := e.Rules
		res := make([]StateMetadataResponse, 0, len(lifecycle.States()))
		for _, s := range lifecycle.States() {
			meta := rules.Metadata(s)
			next := make([]string, 0)
			for _, n := range rules.AllowedNextStates(s) {
				next = append(next, string(n))
			}
			res = append(res, StateMetadataResponse{
				State:       string(s),
				Label:       meta.Label,
				Description: meta.Description,
				Color:       meta.Color,
				Icon:        meta.Icon,
				Next:        next,
				Immutable:   rules.IsImmutable(s),
				Terminal:    rules.IsTerminal(s),
				Attested:    rules.RequiresAttestation(s),
			})
		}
		return &struct {
			Body []StateMetadataResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerDatasets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-dataset",
		Method:        http.MethodPost,
		Path:          "/datasets",
		Summary:       "Register dataset",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterDatasetRequest `json:"body"`
	}) (*struct {
		Body DatasetResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if err := requirePermission(ctx, e, "dataset.register"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RegisterDatasetOptions{
			Title:        input.Body.Title,
			Topic:        input.Body.Topic,
			TopicVersion: input.Body.TopicVersion,
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		d, err := e.RegisterDataset(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DatasetResponse `json:"body"`
		}{Body: datasetResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-datasets",
		Method:      http.MethodGet,
		Path:        "/datasets",
		Summary:     "List datasets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State  string `query:"state"`
		Topic  string `query:"topic"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedDatasets `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "dataset.list"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListDatasets(ctx, repo.DatasetFilters{
			State:           input.State,
			Topic:           input.Topic,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDatasets{Items: []DatasetResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapDatasets(items)
		return &struct {
			Body paginatedDatasets `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dataset",
		Method:      http.MethodGet,
		Path:        "/datasets/{id}",
		Summary:     "Get dataset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DatasetResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "dataset.read"); err != nil {
			return nil, handleError(err)
		}
		d, err := e.Repo.GetDataset(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DatasetResponse `json:"body"`
		}{Body: datasetResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-dataset",
		Method:      http.MethodPatch,
		Path:        "/datasets/{id}",
		Summary:     "Update dataset metadata",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateDatasetRequest `json:"body"`
	}) (*struct {
		Body DatasetResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "dataset.register"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpdateDataset(ctx, input.ID, input.Body.Title, input.Body.Description, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DatasetResponse `json:"body"`
		}{Body: datasetResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-dataset",
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/transition",
		Summary:     "Transition dataset state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID    string            `path:"id"`
		Body  TransitionRequest `json:"body"`
		Force bool              `query:"force"`
	}) (*struct {
		Body DatasetResponse `json:"body"`
	}, error) {
		if input.Body.Target == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target is required", nil)
		}
		if err := requirePermission(ctx, e, "dataset.transition"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Transition(ctx, engine.TransitionOptions{
			DatasetID: input.ID,
			Target:    lifecycle.State(input.Body.Target),
			ActorID:   actorID,
			Force:     input.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DatasetResponse `json:"body"`
		}{Body: datasetResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-topic-version",
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/topic-version",
		Summary:     "Change topic version",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID    string                 `path:"id"`
		Body  SetTopicVersionRequest `json:"body"`
		Force bool                   `query:"force"`
	}) (*struct {
		Body DatasetResponse `json:"body"`
	}, error) {
		if input.Body.Version == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "version is required", nil)
		}
		if err := requirePermission(ctx, e, "dataset.topic.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.SetTopicVersion(ctx, engine.SetTopicVersionOptions{
			DatasetID: input.ID,
			Version:   input.Body.Version,
			ActorID:   actorID,
			Force:     input.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DatasetResponse `json:"body"`
		}{Body: datasetResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-ai-call",
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/ai-calls",
		Summary:     "Gate an AI model call",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AICallRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		err := e.RecordAICall(ctx, engine.AICallOptions{
			DatasetID: input.ID,
			StageID:   input.Body.StageID,
			ActorID:   actorID,
			Purpose:   input.Body.Purpose,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"stage_id": input.Body.StageID, "approved": true}}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/datasets/{id}/stages",
		Summary:     "List stage records",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []StageRecordResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "dataset.read"); err != nil {
			return nil, handleError(err)
		}
		d, err := e.Repo.GetDataset(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		records, err := e.Repo.ListStageRecords(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]StageRecordResponse, 0, len(records))
		for _, r := range records {
			res = append(res, stageRecordResponse(r, d.TopicVersion))
		}
		return &struct {
			Body []StageRecordResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "authorize-stage",
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/stages/{stage_id}/authorize",
		Summary:     "Authorize stage execution",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		StageID int    `path:"stage_id"`
	}) (*struct {
		Body engine.StageDecision `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "stage.authorize"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dec, err := e.AuthorizeStage(ctx, input.ID, input.StageID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StageDecision `json:"body"`
		}{Body: dec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-stage",
		Method:      http.MethodPost,
		Path:        "/datasets/{id}/stages/{stage_id}/complete",
		Summary:     "Record stage completion",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		StageID int    `path:"stage_id"`
		Force   bool   `query:"force"`
	}) (*struct {
		Body StageRecordResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "stage.complete"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.CompleteStage(ctx, engine.CompleteStageOptions{
			DatasetID: input.ID,
			StageID:   input.StageID,
			ActorID:   actorID,
			Force:     input.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.Repo.GetDataset(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageRecordResponse `json:"body"`
		}{Body: stageRecordResponse(rec, d.TopicVersion)}, nil
	})
}

func registerAttestations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "attest-dataset",
		Method:        http.MethodPost,
		Path:          "/datasets/{id}/attestations",
		Summary:       "Record gate attestation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AttestRequest `json:"body"`
	}) (*struct {
		Body AttestationResponse `json:"body"`
	}, error) {
		if input.Body.TargetState == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target_state is required", nil)
		}
		if err := requirePermission(ctx, e, "dataset.attest"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		att, err := e.Attest(ctx, engine.AttestOptions{
			DatasetID:   input.ID,
			TargetState: lifecycle.State(input.Body.TargetState),
			StageID:     input.Body.StageID,
			ActorID:     actorID,
			Affirmed:    input.Body.Affirmed,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttestationResponse `json:"body"`
		}{Body: attestationResponse(att)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attestations",
		Method:      http.MethodGet,
		Path:        "/datasets/{id}/attestations",
		Summary:     "List attestations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID          string `path:"id"`
		TargetState string `query:"target_state"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []AttestationResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "dataset.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAttestations(ctx, repo.AttestationFilters{
			DatasetID:   input.ID,
			TargetState: input.TargetState,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]AttestationResponse, 0, len(items))
		for _, a := range items {
			res = append(res, attestationResponse(a))
		}
		return &struct {
			Body []AttestationResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerPhi(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-phi-scan",
		Method:        http.MethodPost,
		Path:          "/datasets/{id}/phi/scans",
		Summary:       "Record PHI scan result",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RecordScanRequest `json:"body"`
	}) (*struct {
		Body PhiScanResponse `json:"body"`
	}, error) {
		if input.Body.GateID == "" || input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "gate_id and status are required", nil)
		}
		if err := requirePermission(ctx, e, "phi.scan.record"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.RecordScan(ctx, engine.RecordScanOptions{
			DatasetID:   input.ID,
			GateID:      input.Body.GateID,
			Status:      lifecycle.PhiStatus(input.Body.Status),
			Findings:    input.Body.Findings,
			Scope:       input.Body.Scope,
			DurationMs:  input.Body.DurationMs,
			ContentHash: input.Body.ContentHash,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhiScanResponse `json:"body"`
		}{Body: phiScanResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phi-scans",
		Method:      http.MethodGet,
		Path:        "/datasets/{id}/phi/scans",
		Summary:     "List PHI scans",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		GateID string `query:"gate_id"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []PhiScanResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "dataset.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPhiScans(ctx, repo.PhiScanFilters{
			DatasetID: input.ID,
			GateID:    input.GateID,
			Status:    input.Status,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]PhiScanResponse, 0, len(items))
		for _, s := range items {
			res = append(res, phiScanResponse(s))
		}
		return &struct {
			Body []PhiScanResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "phi-gate-status",
		Method:      http.MethodGet,
		Path:        "/datasets/{id}/phi/{gate_id}/status",
		Summary:     "Effective PHI gate status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		GateID string `path:"gate_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "dataset.read"); err != nil {
			return nil, handleError(err)
		}
		status, err := e.EffectivePhiStatus(ctx, input.ID, input.GateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"gate_id":     input.GateID,
			"status":      string(status),
			"can_proceed": status.CanProceed(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "override-phi-scan",
		Method:        http.MethodPost,
		Path:          "/phi/scans/{scan_id}/override",
		Summary:       "Override blocking PHI scan",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ScanID string              `path:"scan_id"`
		Body   OverrideScanRequest `json:"body"`
	}) (*struct {
		Body PhiOverrideResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.OverrideScan(ctx, engine.OverrideScanOptions{
			ScanID:        input.ScanID,
			ActorID:       actorID,
			Justification: input.Body.Justification,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhiOverrideResponse `json:"body"`
		}{Body: phiOverrideResponse(o)}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-entries",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit log",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		DatasetID string `query:"dataset_id"`
		Action    string `query:"action"`
		PhiOnly   bool   `query:"phi_only"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedAuditEntries `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "audit.read"); err != nil {
			return nil, handleError(err)
		}
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.ListAuditEntries(ctx, repo.AuditFilters{
			DatasetID: input.DatasetID,
			Action:    input.Action,
			PhiOnly:   input.PhiOnly,
			Limit:     limit + 1,
			Cursor:    cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAuditEntries{Items: []AuditEntryResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
			items = items[:limit]
		}
		for _, entry := range items {
			resp.Items = append(resp.Items, auditEntryResponse(entry))
		}
		return &struct {
			Body paginatedAuditEntries `json:"body"`
		}{Body: resp}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if err := requirePermission(ctx, e, "keys.manage"); err != nil {
			return nil, handleError(err)
		}
		rawKey := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Auth.EnsureActor(ctx, tx, input.Body.ActorID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       rawKey,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "keys.manage"); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "keys.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}
