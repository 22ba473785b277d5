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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"lockbridge/internal/domain"
	"lockbridge/internal/engine"
	"lockbridge/internal/engine/auth"
	"lockbridge/internal/repo"
)

// Config for the HTTP bridge handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// RateLimit is requests per second per principal; zero disables limiting.
	RateLimit float64
	RateBurst int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_channel"`
	Message string         `json:"message" example:"channel is not registered"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"channel\":\"machine:format\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the channel bridge.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Registry == nil {
		return nil, errors.New("engine registry required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the bridge envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	router.Use(newAccessMiddleware(logger, cfg.Engine))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Use(newRateLimitMiddleware(basePath, cfg.RateLimit, cfg.RateBurst))
	hcfg := huma.DefaultConfig("Lockbridge API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerChannels(group, cfg.Engine)
	registerInvoke(group, cfg.Engine, logger)
	registerInvocations(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ce *domain.CallerError
	if errors.As(err, &ce) {
		details := map[string]any{}
		if ce.Channel != "" {
			details["channel"] = ce.Channel
		}
		if ce.Arg != "" {
			details["arg"] = ce.Arg
		}
		if len(details) == 0 {
			details = nil
		}
		return newAPIError(callerStatus(ce.Reason), string(ce.Reason), ce.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func callerStatus(reason domain.CallerReason) int {
	switch reason {
	case domain.ReasonUnknownChannel:
		return http.StatusNotFound
	case domain.ReasonUnauthorized:
		return http.StatusUnauthorized
	case domain.ReasonForbidden:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
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
    <title>Lockbridge API Docs</title>
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

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{
			Status:      "ok",
			WireVersion: domain.WireVersion,
			Channels:    e.Registry.Len(),
			Ledger:      e.DB != nil,
		}}, nil
	})
}

func registerChannels(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-channels",
		Method:      http.MethodGet,
		Path:        "/channels",
		Summary:     "List registered channels",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ChannelListResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		resp := ChannelListResponse{Items: []domain.ChannelInfo{}}
		for _, entry := range e.Registry.Entries() {
			resp.Items = append(resp.Items, channelInfo(e, entry.Name))
		}
		return &struct {
			Body ChannelListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-channel",
		Method:      http.MethodGet,
		Path:        "/channels/{channel}",
		Summary:     "Describe a channel",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Channel string `path:"channel"`
	}) (*struct {
		Body domain.ChannelInfo `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if !e.Registry.Has(input.Channel) {
			return nil, unknownChannel(input.Channel)
		}
		return &struct {
			Body domain.ChannelInfo `json:"body"`
		}{Body: channelInfo(e, input.Channel)}, nil
	})
}

func registerInvoke(api huma.API, e engine.Engine, logger *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "invoke-channel",
		Method:      http.MethodPost,
		Path:        "/channels/{channel}/invoke",
		Summary:     "Invoke a channel",
		Description: "Runs the channel and returns its Outcome. Failures of the external command are reported " +
			"inside the outcome with status 200; 4xx responses mean the request never ran.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Channel string               `path:"channel"`
		Body    domain.InvokeMessage `json:"body"`
	}) (*struct {
		Body domain.InvokeReply `json:"body"`
	}, error) {
		if input.Body.V != domain.WireVersion {
			return nil, newAPIError(http.StatusBadRequest, "unsupported_version",
				fmt.Sprintf("unsupported message version %d", input.Body.V),
				map[string]any{"supported": []int{domain.WireVersion}})
		}
		if !e.Registry.Has(input.Channel) {
			return nil, unknownChannel(input.Channel)
		}
		principal, err := requirePermission(ctx, auth.ChannelPermission(input.Channel))
		if err != nil {
			return nil, handleError(err)
		}
		req := domain.Request{
			ID:              input.Body.RequestID,
			Channel:         input.Channel,
			Args:            input.Body.Args,
			TimeoutMs:       input.Body.TimeoutMs,
			RequiresModules: input.Body.RequiresModules,
		}
		out, err := invokeRecovered(ctx, e, req, principal.ActorID, logger)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InvokeReply `json:"body"`
		}{Body: domain.InvokeReply{V: domain.WireVersion, RequestID: req.ID, Outcome: out}}, nil
	})
}

// invokeRecovered turns a panic anywhere below the bridge into an
// ExternalFailure outcome for that request.
func invokeRecovered(ctx context.Context, e engine.Engine, req domain.Request, actorID string, logger *zap.Logger) (out domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("invoke panicked",
				zap.String("request_id", req.ID),
				zap.String("channel", req.Channel),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			out = domain.Fail(domain.KindExternalFailure, "internal error while handling request", fmt.Sprint(r))
			err = nil
		}
	}()
	return e.Invoke(ctx, req, actorID)
}

func registerInvocations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-invocations",
		Method:      http.MethodGet,
		Path:        "/invocations",
		Summary:     "List audit ledger entries, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Channel string `query:"channel"`
		Kind    string `query:"kind"`
		ActorID string `query:"actor_id"`
		Failed  bool   `query:"failed"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedInvocations `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAuditRead); err != nil {
			return nil, handleError(err)
		}
		if err := requireLedger(e); err != nil {
			return nil, err
		}
		if input.Kind != "" {
			if _, ok := domain.ParseErrorKind(input.Kind); !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown kind", map[string]any{"kind": input.Kind})
			}
		}
		limit := normalizeLimit(input.Limit)
		cursorID, cerr := parseCursor(input.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		items, err := e.Repo.ListInvocations(ctx, repo.InvocationFilter{
			Channel:    input.Channel,
			Kind:       input.Kind,
			ActorID:    input.ActorID,
			OnlyFailed: input.Failed,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedInvocations{Items: []domain.Invocation{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedInvocations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "invocation-stats",
		Method:      http.MethodGet,
		Path:        "/invocations/stats",
		Summary:     "Aggregate ledger entries per channel",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Since string `query:"since" doc:"RFC 3339 lower bound"`
	}) (*struct {
		Body InvocationStatsResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAuditRead); err != nil {
			return nil, handleError(err)
		}
		if err := requireLedger(e); err != nil {
			return nil, err
		}
		if input.Since != "" {
			if _, err := time.Parse(time.RFC3339, input.Since); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "since must be RFC 3339", map[string]any{"since": input.Since})
			}
		}
		stats, err := e.Repo.InvocationStats(ctx, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvocationStatsResponse `json:"body"`
		}{Body: InvocationStatsResponse{Items: nonNilSlice(stats)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-invocation",
		Method:      http.MethodGet,
		Path:        "/invocations/{request_id}",
		Summary:     "Get one ledger entry by request id",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body domain.Invocation `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAuditRead); err != nil {
			return nil, handleError(err)
		}
		if err := requireLedger(e); err != nil {
			return nil, err
		}
		inv, err := e.Repo.GetInvocation(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Invocation `json:"body"`
		}{Body: inv}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAuditRead); err != nil {
			return nil, handleError(err)
		}
		if err := requireLedger(e); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		cursorID, cerr := parseCursor(input.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
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
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Permissions: nonNilSlice(principal.Permissions),
			Source:      principal.Source,
		}}, nil
	})
}

func channelInfo(e engine.Engine, name string) domain.ChannelInfo {
	entry, _ := e.Registry.Lookup(name)
	info := entry.Info()
	if e.Config != nil {
		info.Disabled = e.Config.ChannelDisabled(name)
		info.TimeoutMs = e.Config.DefaultTimeout(name, entry.Timeout).Milliseconds()
	}
	return info
}

func unknownChannel(name string) huma.StatusError {
	return newAPIError(http.StatusNotFound, string(domain.ReasonUnknownChannel), "channel is not registered", map[string]any{"channel": name})
}

func requireLedger(e engine.Engine) huma.StatusError {
	if e.DB == nil {
		return newAPIError(http.StatusServiceUnavailable, "ledger_unavailable", "audit ledger is not configured", nil)
	}
	return nil
}

func parseCursor(cursor string) (int64, huma.StatusError) {
	if cursor == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || parsed <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
	}
	return parsed, nil
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
