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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"sessiongate/internal/domain"
	"sessiongate/internal/engine"
	"sessiongate/internal/store"
	"sessiongate/internal/validate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	// Metrics, when set, is mounted at MetricsPath outside the base path.
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid task T1 transition not_started -> complete"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"entity\":\"task\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the session API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request shape errors are the caller's fault, not a schema violation of the session.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newActorMiddleware(logger))
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "no route for "+r.URL.Path, nil))
	})
	hcfg := huma.DefaultConfig("Sessiongate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerValidation(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	if cfg.Metrics != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		router.Handle(metricsPath, cfg.Metrics)
	}
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
	msg := err.Error()
	var pe domain.PermissionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, "permission_denied", msg, map[string]any{"actor_id": pe.ActorID, "path": pe.Path})
	}
	var te domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, map[string]any{
			"entity": te.Entity, "id": te.ID, "from": te.From, "to": te.To,
		})
	}
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return newAPIError(http.StatusForbidden, "permission_denied", msg, nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "already_exists", msg, nil)
	case errors.Is(err, domain.ErrConcurrentModification):
		return newAPIError(http.StatusConflict, "concurrent_modification", msg, nil)
	case errors.Is(err, domain.ErrMissingDependency):
		return newAPIError(http.StatusConflict, "missing_dependency", msg, nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case errors.Is(err, domain.ErrSchemaViolation):
		return newAPIError(http.StatusUnprocessableEntity, "schema_violation", msg, nil)
	case errors.Is(err, domain.ErrInvalidWorkorder):
		return newAPIError(http.StatusBadRequest, "invalid_workorder", msg, nil)
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
			applyActorHeader(oas)
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

// applyActorHeader documents the actor header on every mutating operation.
func applyActorHeader(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Post, item.Patch, item.Put, item.Delete} {
			if op == nil {
				continue
			}
			op.Parameters = append(op.Parameters, &huma.Param{
				Name:        ActorHeader,
				In:          "header",
				Required:    true,
				Description: "Session role performing the operation",
				Schema:      &huma.Schema{Type: "string"},
			})
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
    <title>Sessiongate API Docs</title>
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
      Name the acting role with the X-Actor-Id header.
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

type sessionPath struct {
	SessionID string `path:"session_id"`
}

type sessionOutput struct {
	Body domain.Session `json:"body"`
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-session",
		Method:      http.MethodPost,
		Path:        "/sessions",
		Summary:     "Decompose a workorder into a session",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*sessionOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		doc, err := e.CreateSession(ctx, input.Body.workorder(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions, newest first",
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status" enum:"not_started,in_progress,complete,blocked"`
		IncludeArchived bool   `query:"include_archived"`
	}) (*struct {
		Body SessionListResponse `json:"body"`
	}, error) {
		items, err := e.ListSessions(ctx, store.ListFilter{IncludeArchived: input.IncludeArchived, Status: domain.Status(input.Status)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionListResponse `json:"body"`
		}{Body: SessionListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a session document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*sessionOutput, error) {
		doc, err := e.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "write-session-fields",
		Method:      http.MethodPatch,
		Path:        "/sessions/{session_id}",
		Summary:     "Write owned fields of a session",
		Description: "Writes are applied together or not at all. Paths address phases and tasks by id, e.g. phases[P1].tasks[T1].status.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SessionID string             `path:"session_id"`
		Body      WriteFieldsRequest `json:"body"`
	}) (*sessionOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		doc, err := e.Apply(ctx, input.SessionID, actorID, input.Body.Writes)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/archive",
		Summary:     "Archive a complete session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *sessionPath) (*sessionOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		doc, err := e.ArchiveSession(ctx, input.SessionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stale-tasks",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/stale",
		Summary:     "List unfinished tasks not updated within the staleness threshold",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Threshold string `query:"threshold" example:"24h"`
	}) (*struct {
		Body StaleTasksResponse `json:"body"`
	}, error) {
		threshold := input.Threshold
		if threshold == "" && e.Config != nil {
			threshold = e.Config.Staleness.Threshold
		}
		d, err := time.ParseDuration(threshold)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid threshold", map[string]any{"threshold": threshold})
		}
		doc, err := e.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		items := engine.StaleTasks(doc, d, now)
		if items == nil {
			items = []engine.StaleTask{}
		}
		return &struct {
			Body StaleTasksResponse `json:"body"`
		}{Body: StaleTasksResponse{Threshold: d.String(), Items: items}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "report-task",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/tasks/{task_id}/report",
		Summary:     "Report status, notes or output of an owned task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		TaskID    string            `path:"task_id"`
		Body      ReportTaskRequest `json:"body"`
	}) (*sessionOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		doc, err := e.ReportTask(ctx, input.SessionID, actorID, input.TaskID, input.Body.report())
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: doc}, nil
	})
}

type phasePath struct {
	SessionID string `path:"session_id"`
	PhaseID   string `path:"phase_id"`
}

type gateOutput struct {
	Body GateResponse `json:"body"`
}

func registerPhases(api huma.API, e engine.Engine) {
	phaseErrors := []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity}

	huma.Register(api, huma.Operation{
		OperationID: "open-phase",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/phases/{phase_id}/open",
		Summary:     "Open a phase whose predecessor is complete",
		Errors:      phaseErrors,
	}, func(ctx context.Context, input *phasePath) (*sessionOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		doc, err := e.OpenPhase(ctx, input.SessionID, actorID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-phase",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/phases/{phase_id}/evaluate",
		Summary:     "Run the phase gate",
		Description: "A failing gate blocks the phase; the result is returned with status 200.",
		Errors:      phaseErrors,
	}, func(ctx context.Context, input *phasePath) (*gateOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, doc, err := e.EvaluatePhase(ctx, input.SessionID, actorID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &gateOutput{Body: GateResponse{Result: res, Session: doc}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-phase",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/phases/{phase_id}/close",
		Summary:     "Close a phase whose latest gate evaluation passed",
		Errors:      phaseErrors,
	}, func(ctx context.Context, input *phasePath) (*sessionOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		doc, err := e.ClosePhase(ctx, input.SessionID, actorID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-phase",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/phases/{phase_id}/advance",
		Summary:     "Evaluate a phase and close it when the gate passes",
		Errors:      phaseErrors,
	}, func(ctx context.Context, input *phasePath) (*gateOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, doc, err := e.Advance(ctx, input.SessionID, actorID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &gateOutput{Body: GateResponse{Result: res, Session: doc}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recover-phase",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/phases/{phase_id}/recover",
		Summary:     "Reopen a blocked phase",
		Errors:      phaseErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string              `path:"session_id"`
		PhaseID   string              `path:"phase_id"`
		Body      RecoverPhaseRequest `json:"body"`
	}) (*sessionOutput, error) {
		actorID, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		doc, err := e.RecoverPhase(ctx, input.SessionID, actorID, input.PhaseID, domain.Status(input.Body.To), input.Body.ReopenTasks)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: doc}, nil
	})
}

type reportOutput struct {
	Body ValidationReportResponse `json:"body"`
}

func reportResponse(rep validate.Report) *reportOutput {
	issues := rep.Issues
	if issues == nil {
		issues = []domain.ValidationIssue{}
	}
	return &reportOutput{Body: ValidationReportResponse{Score: rep.Score, Issues: issues}}
}

func registerValidation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/validation",
		Summary:     "Validate a stored session document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*reportOutput, error) {
		rep, err := e.ValidateSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reportResponse(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-document",
		Method:      http.MethodPost,
		Path:        "/validate",
		Summary:     "Validate a session document or artifact",
		Description: "Documents with a phases key are validated as sessions, anything else as an artifact.",
	}, func(ctx context.Context, input *struct {
		Body ValidateDocumentRequest `json:"body"`
	}) (*reportOutput, error) {
		if input.Body.Document == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "document is required", nil)
		}
		return reportResponse(e.Validator.Validate(input.Body.Document)), nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	type auditQuery struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}
	list := func(ctx context.Context, sessionID string, q auditQuery) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		limit := normalizeLimit(q.Limit)
		var after int64
		if q.Cursor != "" {
			parsed, err := strconv.ParseInt(q.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": q.Cursor})
			}
			after = parsed
		}
		items, err := e.AuditEntries(ctx, store.AuditFilter{SessionID: sessionID, AfterSeq: after, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAudit{Items: []domain.AuditEntry{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].Seq)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-session-audit",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/audit",
		Summary:     "List audit entries of a session",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		return list(ctx, input.SessionID, auditQuery{Limit: input.Limit, Cursor: input.Cursor})
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries across sessions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *auditQuery) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		return list(ctx, "", *input)
	})
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
