// Package api provides the HTTP surface of the stack gateway.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opsforge/stackgate/internal/core/auth"
	"github.com/opsforge/stackgate/internal/core/fault"
	"github.com/opsforge/stackgate/internal/core/identity"
	"github.com/opsforge/stackgate/internal/core/instantiation"
	"github.com/opsforge/stackgate/internal/core/policy"
	"github.com/opsforge/stackgate/internal/engine"
	"github.com/opsforge/stackgate/internal/shell/audit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Handler
// =============================================================================

// Handler serves the versioned stack API. Every operation is gated by the
// policy enforcer, dispatched through the engine client, recorded in the
// audit log, and has its faults translated into client outcomes.
type Handler struct {
	engine   *engine.Client
	fetcher  instantiation.Fetcher
	enforcer policy.Enforcer
	recorder audit.Recorder
	metrics  *Metrics
	logger   *slog.Logger
	baseURL  string
	debug    bool
}

// Config holds handler configuration.
type Config struct {
	// BaseURL prefixes the self links and redirect targets the handler
	// emits, e.g. "http://stackgate.example.com".
	BaseURL string

	// Debug surfaces engine tracebacks in fault responses.
	Debug bool
}

// NewHandler creates the API handler. enforcer defaults to allow-all and
// recorder to a no-op when nil.
func NewHandler(eng *engine.Client, fetcher instantiation.Fetcher, enforcer policy.Enforcer,
	recorder audit.Recorder, metrics *Metrics, logger *slog.Logger, cfg Config) *Handler {

	if logger == nil {
		logger = slog.Default()
	}
	if enforcer == nil {
		enforcer = policy.AllowAll{}
	}
	if recorder == nil {
		recorder = audit.Noop{}
	}
	return &Handler{
		engine:   eng,
		fetcher:  fetcher,
		enforcer: enforcer,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		debug:    cfg.Debug,
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/admin/dispatch_log", h.handleDispatchLog)

	r.Route("/v1/{tenant_id}", func(r chi.Router) {
		r.Route("/stacks", func(r chi.Router) {
			r.Get("/", h.handleIndex)
			r.Post("/", h.handleCreate)
			r.Get("/detail", h.handleDetail)
			r.Post("/preview", h.handlePreview)

			r.Get("/{stack_name}", h.handleLookup(""))
			// Literal subpaths win over the {stack_id} parameter, so a
			// lookup by name still reaches its target collection.
			r.Get("/{stack_name}/resources", h.handleLookup("/resources"))
			r.Get("/{stack_name}/events", h.handleLookup("/events"))

			r.Route("/{stack_name}/{stack_id}", func(r chi.Router) {
				r.Get("/", h.handleShow)
				r.Put("/", h.handleUpdate(false))
				r.Patch("/", h.handleUpdate(true))
				r.Delete("/", h.handleDelete)
				r.Get("/template", h.handleTemplate)
				r.Put("/preview", h.handlePreviewUpdate(false))
				r.Patch("/preview", h.handlePreviewUpdate(true))
				r.Delete("/abandon", h.handleAbandon)
			})
		})

		r.Post("/validate", h.handleValidate)
		r.Get("/resource_types", h.handleListResourceTypes)
		r.Get("/resource_types/{type_name}", h.handleResourceSchema)
		r.Get("/resource_types/{type_name}/template", h.handleGenerateTemplate)
		r.Get("/template_versions", h.handleTemplateVersions)
		r.Get("/template_versions/{template_version}/functions", h.handleTemplateFunctions)
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// =============================================================================
// Stack Collection Handlers
// =============================================================================

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	globalTenant, _, err := boolParam(q, "global_tenant")
	if err != nil {
		h.fail(w, r, "stacks:index", "", err)
		return
	}
	action := "stacks:index"
	if globalTenant {
		action = "stacks:global_index"
	}
	if !h.guard(w, r, action) {
		return
	}

	args, err := listArgs(q, globalTenant)
	if err != nil {
		h.fail(w, r, action, "", err)
		return
	}
	withCount, hasCount, err := boolParam(q, "with_count")
	if err != nil {
		h.fail(w, r, action, "", err)
		return
	}

	stacks, err := h.engine.ListStacks(r.Context(), args)
	if err != nil {
		h.fail(w, r, action, "list_stacks", err)
		return
	}

	payload := map[string]any{"stacks": formatStacks(stacks, false, h.baseURL)}

	if hasCount && withCount {
		count, err := h.engine.CountStacks(r.Context(), countArgs(args))
		switch {
		case err == nil:
			payload["count"] = count
		case engine.IsUnsupported(err):
			// Older engines have no counting; the listing stands alone.
			h.logger.Debug("engine does not support stack counting", "error", err)
		default:
			h.fail(w, r, action, "count_stacks", err)
			return
		}
	}

	h.respond(w, r, action, "list_stacks", http.StatusOK, payload)
}

func (h *Handler) handleDetail(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:detail"
	if !h.guard(w, r, action) {
		return
	}

	args, err := listArgs(r.URL.Query(), false)
	if err != nil {
		h.fail(w, r, action, "", err)
		return
	}

	stacks, err := h.engine.ListStacks(r.Context(), args)
	if err != nil {
		h.fail(w, r, action, "list_stacks", err)
		return
	}

	h.respond(w, r, action, "list_stacks", http.StatusOK,
		map[string]any{"stacks": formatStacks(stacks, true, h.baseURL)})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:create"
	if !h.guard(w, r, action) {
		return
	}

	data, err := h.decodeData(r, false)
	if err != nil {
		h.fail(w, r, action, "", err)
		return
	}

	name, err := data.StackName()
	if err != nil {
		h.fail(w, r, action, "", err)
		return
	}
	tmpl, env, files, args, err := h.resolve(r, data)
	if err != nil {
		h.fail(w, r, action, "", err)
		return
	}

	id, err := h.engine.CreateStack(r.Context(), name, tmpl, env, files, args)
	if err != nil {
		h.fail(w, r, action, "create_stack", err)
		return
	}

	w.Header().Set("Location", h.baseURL+id.URLPath())
	h.respond(w, r, action, "create_stack", http.StatusCreated, formatCreated(h.baseURL, id))
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:preview"
	if !h.guard(w, r, action) {
		return
	}

	data, err := h.decodeData(r, false)
	if err != nil {
		h.fail(w, r, action, "", err)
		return
	}
	name, err := data.StackName()
	if err != nil {
		h.fail(w, r, action, "", err)
		return
	}
	tmpl, env, files, args, err := h.resolve(r, data)
	if err != nil {
		h.fail(w, r, action, "", err)
		return
	}

	result, err := h.engine.PreviewStack(r.Context(), name, tmpl, env, files, args)
	if err != nil {
		h.fail(w, r, action, "preview_stack", err)
		return
	}

	h.respond(w, r, action, "preview_stack", http.StatusOK,
		map[string]any{"stack": formatStack(result, true, h.baseURL)})
}

func (h *Handler) handleLookup(pathSuffix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const action = "stacks:lookup"
		if !h.guard(w, r, action) {
			return
		}

		id, err := h.engine.IdentifyStack(r.Context(), chi.URLParam(r, "stack_name"))
		if err != nil {
			h.fail(w, r, action, "identify_stack", err)
			return
		}

		w.Header().Set("Location", h.baseURL+id.URLPath()+pathSuffix)
		h.respond(w, r, action, "identify_stack", http.StatusFound, nil)
	}
}

// =============================================================================
// Stack Member Handlers
// =============================================================================

func (h *Handler) handleShow(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:show"
	if !h.guard(w, r, action) {
		return
	}
	id := identityFromRequest(r)

	records, err := h.engine.ShowStack(r.Context(), id)
	if err != nil {
		h.fail(w, r, action, "show_stack", err)
		return
	}
	if len(records) == 0 {
		h.fail(w, r, action, "show_stack", &fault.Error{
			Status:  http.StatusNotFound,
			Type:    "StackNotFound",
			Message: fmt.Sprintf("The Stack (%s) could not be found.", id.StackName),
		})
		return
	}

	h.respond(w, r, action, "show_stack", http.StatusOK,
		map[string]any{"stack": formatStack(records[0], true, h.baseURL)})
}

func (h *Handler) handleTemplate(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:template"
	if !h.guard(w, r, action) {
		return
	}

	tmpl, err := h.engine.GetTemplate(r.Context(), identityFromRequest(r))
	if err != nil {
		h.fail(w, r, action, "get_template", err)
		return
	}

	h.respond(w, r, action, "get_template", http.StatusOK, tmpl)
}

func (h *Handler) handleUpdate(patch bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action := "stacks:update"
		if patch {
			action = "stacks:update_patch"
		}
		if !h.guard(w, r, action) {
			return
		}

		data, err := h.decodeData(r, patch)
		if err != nil {
			h.fail(w, r, action, "", err)
			return
		}
		tmpl, env, files, args, err := h.resolve(r, data)
		if err != nil {
			h.fail(w, r, action, "", err)
			return
		}

		if err := h.engine.UpdateStack(r.Context(), identityFromRequest(r), tmpl, env, files, args); err != nil {
			h.fail(w, r, action, "update_stack", err)
			return
		}

		h.respond(w, r, action, "update_stack", http.StatusAccepted, nil)
	}
}

func (h *Handler) handlePreviewUpdate(patch bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action := "stacks:preview_update"
		if patch {
			action = "stacks:preview_update_patch"
		}
		if !h.guard(w, r, action) {
			return
		}

		data, err := h.decodeData(r, patch)
		if err != nil {
			h.fail(w, r, action, "", err)
			return
		}
		tmpl, env, files, args, err := h.resolve(r, data)
		if err != nil {
			h.fail(w, r, action, "", err)
			return
		}

		changes, err := h.engine.PreviewUpdateStack(r.Context(), identityFromRequest(r), tmpl, env, files, args)
		if err != nil {
			h.fail(w, r, action, "preview_update_stack", err)
			return
		}

		h.respond(w, r, action, "preview_update_stack", http.StatusOK,
			map[string]any{"resource_changes": changes})
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:delete"
	if !h.guard(w, r, action) {
		return
	}

	if err := h.engine.DeleteStack(r.Context(), identityFromRequest(r)); err != nil {
		h.fail(w, r, action, "delete_stack", err)
		return
	}

	h.respond(w, r, action, "delete_stack", http.StatusNoContent, nil)
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:abandon"
	if !h.guard(w, r, action) {
		return
	}

	data, err := h.engine.AbandonStack(r.Context(), identityFromRequest(r))
	if err != nil {
		h.fail(w, r, action, "abandon_stack", err)
		return
	}

	h.respond(w, r, action, "abandon_stack", http.StatusOK, data)
}

// =============================================================================
// Template Service Handlers
// =============================================================================

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:validate_template"
	if !h.guard(w, r, action) {
		return
	}

	data, err := h.decodeData(r, false)
	if err != nil {
		h.fail(w, r, action, "", err)
		return
	}
	tmpl, err := data.Template(r.Context(), h.fetcher)
	if err != nil {
		h.fail(w, r, action, "", err)
		return
	}
	env, err := data.Environment()
	if err != nil {
		h.fail(w, r, action, "", err)
		return
	}

	result, err := h.engine.ValidateTemplate(r.Context(), tmpl, env)
	if err != nil {
		h.fail(w, r, action, "validate_template", err)
		return
	}
	// The engine reports template problems as a result payload rather than
	// a fault.
	if msg, found := result["Error"]; found {
		h.fail(w, r, action, "validate_template", fault.BadRequest("%v", msg))
		return
	}

	h.respond(w, r, action, "validate_template", http.StatusOK, result)
}

func (h *Handler) handleListResourceTypes(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:list_resource_types"
	if !h.guard(w, r, action) {
		return
	}

	types, err := h.engine.ListResourceTypes(r.Context(), stringParam(r.URL.Query(), "support_status"))
	if err != nil {
		h.fail(w, r, action, "list_resource_types", err)
		return
	}

	h.respond(w, r, action, "list_resource_types", http.StatusOK,
		map[string]any{"resource_types": types})
}

func (h *Handler) handleResourceSchema(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:resource_schema"
	if !h.guard(w, r, action) {
		return
	}

	schema, err := h.engine.ResourceSchema(r.Context(), chi.URLParam(r, "type_name"))
	if err != nil {
		h.fail(w, r, action, "resource_schema", err)
		return
	}

	h.respond(w, r, action, "resource_schema", http.StatusOK, schema)
}

func (h *Handler) handleGenerateTemplate(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:generate_template"
	if !h.guard(w, r, action) {
		return
	}

	templateType := r.URL.Query().Get("template_type")
	if templateType == "" {
		templateType = "cfn"
	}
	templateType = strings.ToLower(templateType)
	if templateType != "cfn" && templateType != "hot" {
		h.fail(w, r, action, "", fault.BadRequest(
			`Template type is not supported: Invalid template type "%s", valid types are: cfn, hot.`,
			templateType))
		return
	}

	tmpl, err := h.engine.GenerateTemplate(r.Context(), chi.URLParam(r, "type_name"), templateType)
	if err != nil {
		h.fail(w, r, action, "generate_template", err)
		return
	}

	h.respond(w, r, action, "generate_template", http.StatusOK, tmpl)
}

func (h *Handler) handleTemplateVersions(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:list_template_versions"
	if !h.guard(w, r, action) {
		return
	}

	versions, err := h.engine.ListTemplateVersions(r.Context())
	if err != nil {
		h.fail(w, r, action, "list_template_versions", err)
		return
	}

	h.respond(w, r, action, "list_template_versions", http.StatusOK,
		map[string]any{"template_versions": versions})
}

func (h *Handler) handleTemplateFunctions(w http.ResponseWriter, r *http.Request) {
	const action = "stacks:list_template_functions"
	if !h.guard(w, r, action) {
		return
	}

	functions, err := h.engine.ListTemplateFunctions(r.Context(), chi.URLParam(r, "template_version"))
	if err != nil {
		h.fail(w, r, action, "list_template_functions", err)
		return
	}

	h.respond(w, r, action, "list_template_functions", http.StatusOK,
		map[string]any{"template_functions": functions})
}

// =============================================================================
// Operator Handlers
// =============================================================================

func (h *Handler) handleDispatchLog(w http.ResponseWriter, r *http.Request) {
	// The operator surface sits outside the tenant tree, so it carries its
	// own policy action instead of going through guard.
	const action = "admin:dispatch_log"
	actor := auth.ExtractFromRequest(r)
	if !actor.Authenticated {
		h.writeFault(w, fault.Forbidden("Authorization failed."))
		return
	}
	if !h.enforcer.Enforce(actor, action) {
		h.writeFault(w, fault.Forbidden("Action %s is not allowed.", action))
		return
	}

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeFault(w, fault.BadRequest("Only integer is acceptable by '%s'.", "limit"))
			return
		}
		limit = n
	}

	entries, err := h.recorder.Recent(r.Context(), q.Get("tenant"), limit)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	out := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryResponse{
			ID:        e.ID,
			Tenant:    e.Tenant,
			Action:    e.Action,
			Method:    e.Method,
			Status:    e.Status,
			FaultType: e.FaultType,
			CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"dispatch_log": out})
}

// =============================================================================
// Request Helpers
// =============================================================================

// guard enforces the tenant scope and the policy rule for the action. It
// writes the denial itself and reports whether the request may proceed.
func (h *Handler) guard(w http.ResponseWriter, r *http.Request, action string) bool {
	actor := auth.ExtractFromRequest(r)
	tenant := chi.URLParam(r, "tenant_id")

	if !actor.Authenticated || actor.TenantID != tenant {
		h.fail(w, r, action, "", fault.Forbidden("Authorization failed."))
		return false
	}
	if !h.enforcer.Enforce(actor, action) {
		h.fail(w, r, action, "", fault.Forbidden("Action %s is not allowed.", action))
		return false
	}
	return true
}

func (h *Handler) decodeData(r *http.Request, patch bool) (*instantiation.Data, error) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, fault.BadRequest("Request body is not valid JSON: %v", err)
	}
	if patch {
		return instantiation.NewPatch(body), nil
	}
	return instantiation.New(body), nil
}

// resolve runs the instantiation resolver over the request body, producing
// the canonical dispatch inputs.
func (h *Handler) resolve(r *http.Request, data *instantiation.Data) (
	tmpl map[string]any, env, files, args map[string]any, err error) {

	tmpl, err = data.Template(r.Context(), h.fetcher)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	env, err = data.Environment()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	args, err = data.Args()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return tmpl, env, data.Files(), args, nil
}

func identityFromRequest(r *http.Request) identity.Identity {
	return identity.New(
		chi.URLParam(r, "tenant_id"),
		chi.URLParam(r, "stack_name"),
		chi.URLParam(r, "stack_id"),
	)
}

// =============================================================================
// Response Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeFault(w http.ResponseWriter, err error) *fault.Error {
	ferr := fault.Translate(err, h.debug)
	h.metrics.Fault(ferr.Type)
	h.writeJSON(w, ferr.Status, ErrorResponse{
		Code: ferr.Status,
		Error: ErrorDetail{
			Type:      ferr.Type,
			Message:   ferr.Message,
			Traceback: ferr.Traceback,
		},
	})
	return ferr
}

// respond finishes a successful operation: metric, audit entry, response.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, action, method string, status int, body any) {
	h.metrics.Operation(action)
	h.record(r, action, method, status, "")
	h.writeJSON(w, status, body)
}

// fail finishes a failed operation with the translated fault.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, action, method string, err error) {
	ferr := h.writeFault(w, err)
	h.logger.Info("request faulted",
		"action", action,
		"type", ferr.Type,
		"status", ferr.Status,
		"message", ferr.Message,
	)
	h.record(r, action, method, ferr.Status, ferr.Type)
}

func (h *Handler) record(r *http.Request, action, method string, status int, faultType string) {
	err := h.recorder.Record(r.Context(), audit.Entry{
		Tenant:    chi.URLParam(r, "tenant_id"),
		Action:    action,
		Method:    method,
		Status:    status,
		FaultType: faultType,
	})
	if err != nil {
		h.logger.Warn("failed to record dispatch", "error", err)
	}
}
