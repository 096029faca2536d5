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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"feecall/internal/dispatch"
	"feecall/internal/engine"
	"feecall/internal/repo"
)

// Config for the HTTP handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   zerolog.Logger
	// Signatures checks provider webhooks when telephony.verify_signatures is on.
	Signatures SignatureChecker
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"reminder not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"id\":\"0b7f\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the operator API and the provider webhooks.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Feecall API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerTelephony(router, cfg.Engine, cfg.Signatures, cfg.Logger)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerDispatch(group, cfg.Engine, cfg.Logger)
	registerReminders(group, cfg.Engine)
	registerContacts(group, cfg.Engine, cfg.Logger)
	registerMentors(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Msg("http request")
		})
	}
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, dispatch.ErrQueueClosed) {
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", err.Error(), nil)
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
	var (
		once sync.Once
		doc  []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"error": {
									Type: "object",
									Properties: map[string]*huma.Schema{
										"code":    {Type: "string"},
										"message": {Type: "string"},
										"details": {Type: "object"},
									},
								},
							},
						},
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
    <title>Feecall API Docs</title>
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

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Queue and reminder status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.StatusReport `json:"body"`
	}, error) {
		report, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StatusReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerDispatch(api huma.API, e *engine.Engine, log zerolog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "dispatch",
		Method:        http.MethodPost,
		Path:          "/dispatch",
		Summary:       "Queue a reminder call for every contact with an outstanding balance",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		res, err := e.DispatchAll(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "directory_unavailable", err.Error(), nil)
		}
		log.Info().Str("operator_id", operatorFromContext(ctx)).Str("batch_id", res.BatchID).Int("queued", res.Queued).Msg("bulk dispatch requested")
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: DispatchResponse{BatchID: res.BatchID, Queued: res.Queued, Skipped: res.Skipped}}, nil
	})
}

func registerReminders(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reminders",
		Method:      http.MethodGet,
		Path:        "/reminders",
		Summary:     "List reminders, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ContactID string `query:"contact_id"`
		State     string `query:"state" enum:"INITIATED,CALLING,GREETING_SENT,AWAITING_RESPONSE,AI_ANSWERING,COMPLETED,ESCALATED,REJECTED,FAILED,NO_RESPONSE"`
		Outcome   string `query:"outcome" enum:"completed,rejected,escalated,failed,no_response"`
		BatchID   string `query:"batch_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedReminders `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListReminders(ctx, repo.ReminderFilters{
			ContactID:       input.ContactID,
			State:           input.State,
			Outcome:         input.Outcome,
			BatchID:         input.BatchID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedReminders{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapReminders(items)
		return &struct {
			Body paginatedReminders `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reminder",
		Method:      http.MethodGet,
		Path:        "/reminders/{id}",
		Summary:     "Get a reminder with its transcript",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReminderResponse `json:"body"`
	}, error) {
		rem, err := e.GetReminder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReminderResponse `json:"body"`
		}{Body: reminderResponse(rem)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reminder-events",
		Method:      http.MethodGet,
		Path:        "/reminders/{id}/events",
		Summary:     "Lifecycle events of a reminder",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ReminderEvents(ctx, input.ID, limit+1, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contact-reminders",
		Method:      http.MethodGet,
		Path:        "/contacts/{contact_id}/reminders",
		Summary:     "Reminders of one contact, newest first",
	}, func(ctx context.Context, input *struct {
		ContactID string `path:"contact_id"`
	}) (*struct {
		Body paginatedReminders `json:"body"`
	}, error) {
		items, err := e.ListContactReminders(ctx, input.ContactID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedReminders `json:"body"`
		}{Body: paginatedReminders{Items: mapReminders(items)}}, nil
	})
}

func registerContacts(api huma.API, e *engine.Engine, log zerolog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contacts",
		Method:      http.MethodGet,
		Path:        "/contacts",
		Summary:     "List contacts",
	}, func(ctx context.Context, input *struct {
		Owing bool `query:"owing" doc:"only contacts with an outstanding balance"`
	}) (*struct {
		Body contactList `json:"body"`
	}, error) {
		list := e.ListContacts
		if input.Owing {
			list = e.ListOwingContacts
		}
		items, err := list(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := contactList{Items: make([]ContactResponse, 0, len(items))}
		for _, c := range items {
			resp.Items = append(resp.Items, contactResponse(c))
		}
		return &struct {
			Body contactList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "dispatch-contact",
		Method:        http.MethodPost,
		Path:          "/contacts/{contact_id}/dispatch",
		Summary:       "Queue a reminder call for one contact",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ContactID string `path:"contact_id"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		res, err := e.DispatchContact(ctx, input.ContactID)
		if errors.Is(err, engine.ErrNotOwing) {
			return nil, newAPIError(http.StatusNotFound, "not_owing", err.Error(), map[string]any{"contact_id": input.ContactID})
		}
		if err != nil {
			return nil, handleError(err)
		}
		log.Info().Str("operator_id", operatorFromContext(ctx)).Str("batch_id", res.BatchID).
			Str("contact_id", input.ContactID).Int("queued", res.Queued).Msg("contact dispatch requested")
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: DispatchResponse{BatchID: res.BatchID, Queued: res.Queued, Skipped: res.Skipped}}, nil
	})
}

func registerMentors(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-mentors",
		Method:      http.MethodGet,
		Path:        "/mentors",
		Summary:     "List mentors",
	}, func(ctx context.Context, input *struct {
		Available bool `query:"available" doc:"only mentors currently available"`
	}) (*struct {
		Body mentorList `json:"body"`
	}, error) {
		items, err := e.ListMentors(ctx, input.Available)
		if err != nil {
			return nil, handleError(err)
		}
		resp := mentorList{Items: make([]MentorResponse, 0, len(items))}
		for _, m := range items {
			resp.Items = append(resp.Items, mentorResponse(m))
		}
		return &struct {
			Body mentorList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-mentor-availability",
		Method:      http.MethodPatch,
		Path:        "/mentors/{id}",
		Summary:     "Set whether a mentor takes escalated calls",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body MentorAvailabilityRequest
	}) (*struct {
		Body MentorResponse `json:"body"`
	}, error) {
		if input.Body.Available == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "available is required", nil)
		}
		m, err := e.SetMentorAvailability(ctx, input.ID, *input.Body.Available)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MentorResponse `json:"body"`
		}{Body: mentorResponse(m)}, nil
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

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
