package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opsforge/stackgate/internal/core/auth"
	"github.com/opsforge/stackgate/internal/core/fault"
	"github.com/opsforge/stackgate/internal/engine"
	"github.com/opsforge/stackgate/internal/shell/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "http://stackgate.test"

// =============================================================================
// Test Doubles
// =============================================================================

// stubTransport plays back canned engine results per RPC method and records
// every dispatched call.
type stubTransport struct {
	calls   []recordedCall
	results map[string]any
	errs    map[string]error
}

type recordedCall struct {
	method  string
	args    map[string]any
	version string
}

func (s *stubTransport) Call(_ context.Context, method string, args map[string]any, version string) (any, error) {
	s.calls = append(s.calls, recordedCall{method: method, args: args, version: version})
	if err := s.errs[method]; err != nil {
		return nil, err
	}
	return s.results[method], nil
}

func (s *stubTransport) callTo(tb testing.TB, method string) recordedCall {
	tb.Helper()
	for _, call := range s.calls {
		if call.method == method {
			return call
		}
	}
	tb.Fatalf("no call to %s recorded", method)
	return recordedCall{}
}

// stubFetcher records fetched URLs and returns a fixed document.
type stubFetcher struct {
	urls []string
	body string
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (string, error) {
	f.urls = append(f.urls, url)
	return f.body, nil
}

// stubEnforcer records enforced actions; a nil decision map allows everything.
type stubEnforcer struct {
	actions []string
	allowed map[string]bool
}

func (e *stubEnforcer) Enforce(_ auth.Context, action string) bool {
	e.actions = append(e.actions, action)
	if e.allowed == nil {
		return true
	}
	return e.allowed[action]
}

// stubRecorder captures audit entries in memory.
type stubRecorder struct {
	audit.Noop
	entries []audit.Entry
}

func (r *stubRecorder) Record(_ context.Context, entry audit.Entry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func (r *stubRecorder) Recent(_ context.Context, tenant string, _ int) ([]audit.Entry, error) {
	var out []audit.Entry
	for _, e := range r.entries {
		if e.Tenant == tenant {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	transport *stubTransport
	fetcher   *stubFetcher
	enforcer  *stubEnforcer
	recorder  *stubRecorder
	handler   *Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessDebug(t, false)
}

func newHarnessDebug(t *testing.T, debug bool) *harness {
	t.Helper()
	h := &harness{
		transport: &stubTransport{results: map[string]any{}, errs: map[string]error{}},
		fetcher:   &stubFetcher{body: `{"heat_template_version": "2013-05-23"}`},
		enforcer:  &stubEnforcer{},
		recorder:  &stubRecorder{},
	}
	h.handler = NewHandler(engine.NewClient(h.transport), h.fetcher, h.enforcer,
		h.recorder, nil, nil, Config{BaseURL: testBaseURL, Debug: debug})
	return h
}

func (h *harness) serve(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return h.serveAs(t, method, target, body, "t")
}

func (h *harness) serveAs(t *testing.T, method, target string, body any, tenant string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if tenant != "" {
		req.Header.Set(auth.HeaderUserID, "u")
		req.Header.Set(auth.HeaderTenantID, tenant)
		req.Header.Set(auth.HeaderRoles, "member")
	}
	rec := httptest.NewRecorder()
	h.handler.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func faultDetail(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	body := decodeJSON(t, rec)
	detail, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error detail: %s", rec.Body.String())
	assert.Equal(t, float64(rec.Code), body["code"])
	return detail
}

// stackRecord is a typical engine stack record.
func stackRecord() map[string]any {
	return map[string]any{
		"stack_identity": map[string]any{
			"tenant":     "t",
			"stack_name": "wordpress",
			"stack_id":   "1",
		},
		"stack_name":          "wordpress",
		"stack_action":        "CREATE",
		"stack_status":        "COMPLETE",
		"stack_status_reason": "Stack create completed successfully",
		"description":         "blog",
		"creation_time":       "2026-08-01T12:00:00Z",
		"updated_time":        "2026-08-02T12:00:00Z",
		"parameters":          map[string]any{"DBUsername": "admin"},
		"outputs":             []any{},
		"capabilities":        []any{},
		"notification_topics": []any{},
		"disable_rollback":    true,
		"timeout_mins":        60,
	}
}

func defaultListArgs() map[string]any {
	return map[string]any{
		"limit":        nil,
		"sort_keys":    nil,
		"marker":       nil,
		"sort_dir":     nil,
		"filters":      nil,
		"tenant_safe":  true,
		"show_deleted": false,
		"show_nested":  false,
		"show_hidden":  false,
		"tags":         nil,
		"tags_any":     nil,
		"not_tags":     nil,
		"not_tags_any": nil,
	}
}

// =============================================================================
// Health
// =============================================================================

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.serveAs(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// Index
// =============================================================================

func TestIndexDefaultArgs(t *testing.T) {
	h := newHarness(t)
	h.transport.results["list_stacks"] = []any{stackRecord()}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	call := h.transport.callTo(t, "list_stacks")
	assert.Equal(t, "1.8", call.version)
	assert.Equal(t, defaultListArgs(), call.args)

	body := decodeJSON(t, rec)
	stacks, ok := body["stacks"].([]any)
	require.True(t, ok)
	require.Len(t, stacks, 1)

	stack := stacks[0].(map[string]any)
	assert.Equal(t, "1", stack["id"])
	assert.Equal(t, "wordpress", stack["stack_name"])
	assert.Equal(t, "CREATE_COMPLETE", stack["stack_status"])
	assert.NotContains(t, stack, "parameters")

	links := stack["links"].([]any)
	require.Len(t, links, 1)
	assert.Equal(t, testBaseURL+"/v1/t/stacks/wordpress/1",
		links[0].(map[string]any)["href"])
}

func TestDetail(t *testing.T) {
	h := newHarness(t)
	h.transport.results["list_stacks"] = []any{stackRecord()}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks/detail", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, h.enforcer.actions, "stacks:detail")

	call := h.transport.callTo(t, "list_stacks")
	assert.Equal(t, "1.8", call.version)
	assert.Equal(t, defaultListArgs(), call.args)

	body := decodeJSON(t, rec)
	stacks, ok := body["stacks"].([]any)
	require.True(t, ok)
	require.Len(t, stacks, 1)

	stack := stacks[0].(map[string]any)
	assert.Equal(t, "1", stack["id"])
	assert.Equal(t, "CREATE_COMPLETE", stack["stack_status"])
	assert.Equal(t, map[string]any{"DBUsername": "admin"}, stack["parameters"])
	assert.Equal(t, float64(60), stack["timeout_mins"])
	assert.Equal(t, true, stack["disable_rollback"])
}

func TestDetailWhitelistsFilters(t *testing.T) {
	h := newHarness(t)
	h.transport.results["list_stacks"] = []any{}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks/detail?status=COMPLETE&balrog=ignored", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	call := h.transport.callTo(t, "list_stacks")
	assert.Equal(t, map[string]any{"status": "COMPLETE"}, call.args["filters"])
}

func TestIndexWhitelistsFilters(t *testing.T) {
	h := newHarness(t)
	h.transport.results["list_stacks"] = []any{}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks?status=COMPLETE&balrog=ignored", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	call := h.transport.callTo(t, "list_stacks")
	assert.Equal(t, map[string]any{"status": "COMPLETE"}, call.args["filters"])
}

func TestIndexPagination(t *testing.T) {
	h := newHarness(t)
	h.transport.results["list_stacks"] = []any{}

	rec := h.serve(t, http.MethodGet,
		"/v1/t/stacks?limit=10&marker=abcd&sort_dir=asc&sort_keys=creation_time", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	call := h.transport.callTo(t, "list_stacks")
	assert.Equal(t, 10, call.args["limit"])
	assert.Equal(t, "abcd", call.args["marker"])
	assert.Equal(t, "asc", call.args["sort_dir"])
	assert.Equal(t, []string{"creation_time"}, call.args["sort_keys"])
}

func TestIndexLimitNotInt(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks?limit=not-an-int", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	detail := faultDetail(t, rec)
	assert.Equal(t, "Only integer is acceptable by 'limit'.", detail["message"])
	assert.Empty(t, h.transport.calls)
}

func TestIndexNegativeLimit(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.transport.calls)
}

func TestIndexInvalidWithCount(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks?with_count=invalid_value", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	detail := faultDetail(t, rec)
	assert.Equal(t,
		`Unrecognized value "invalid_value" for "with_count", acceptable values are: true, false`,
		detail["message"])
	assert.Empty(t, h.transport.calls)
}

func TestIndexWithCount(t *testing.T) {
	h := newHarness(t)
	h.transport.results["list_stacks"] = []any{stackRecord()}
	h.transport.results["count_stacks"] = float64(22)

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks?with_count=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, float64(22), body["count"])

	call := h.transport.callTo(t, "count_stacks")
	assert.Empty(t, call.version)
	assert.Equal(t, true, call.args["tenant_safe"])
}

func TestIndexWithCountFalse(t *testing.T) {
	h := newHarness(t)
	h.transport.results["list_stacks"] = []any{}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks?with_count=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.NotContains(t, body, "count")
	for _, call := range h.transport.calls {
		assert.NotEqual(t, "count_stacks", call.method)
	}
}

func TestIndexWithCountUnsupportedEngine(t *testing.T) {
	// An engine that predates counting degrades to a plain listing.
	h := newHarness(t)
	h.transport.results["list_stacks"] = []any{stackRecord()}
	h.transport.errs["count_stacks"] = &fault.RemoteError{Type: "AttributeError", Message: "no count_stacks"}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks?with_count=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.NotContains(t, body, "count")
	assert.Len(t, body["stacks"], 1)
}

func TestIndexGlobalTenant(t *testing.T) {
	h := newHarness(t)
	h.transport.results["list_stacks"] = []any{}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks?global_tenant=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, h.enforcer.actions, "stacks:global_index")
	call := h.transport.callTo(t, "list_stacks")
	assert.Equal(t, false, call.args["tenant_safe"])
}

func TestIndexGlobalTenantDenied(t *testing.T) {
	h := newHarness(t)
	h.enforcer.allowed = map[string]bool{"stacks:index": true}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks?global_tenant=true", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, h.transport.calls)
}

func TestIndexShowDeletedBadValue(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks?show_deleted=maybe", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.transport.calls)
}

func TestIndexEngineFault(t *testing.T) {
	h := newHarness(t)
	h.transport.errs["list_stacks"] = &fault.RemoteError{Type: "Exception", Message: "boom"}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// =============================================================================
// Create
// =============================================================================

func createBody() map[string]any {
	return map[string]any{
		"stack_name":   "wordpress",
		"template":     map[string]any{"heat_template_version": "2013-05-23"},
		"parameters":   map[string]any{"InstanceType": "m1.xlarge"},
		"timeout_mins": 30,
	}
}

func TestCreate(t *testing.T) {
	h := newHarness(t)
	h.transport.results["create_stack"] = map[string]any{
		"tenant": "t", "stack_name": "wordpress", "stack_id": "1",
	}

	rec := h.serve(t, http.MethodPost, "/v1/t/stacks", createBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, testBaseURL+"/v1/t/stacks/wordpress/1", rec.Header().Get("Location"))

	body := decodeJSON(t, rec)
	stack := body["stack"].(map[string]any)
	assert.Equal(t, "1", stack["id"])
	links := stack["links"].([]any)
	require.Len(t, links, 1)
	assert.Equal(t, testBaseURL+"/v1/t/stacks/wordpress/1",
		links[0].(map[string]any)["href"])

	call := h.transport.callTo(t, "create_stack")
	assert.Equal(t, "1.8", call.version)
	assert.Equal(t, "wordpress", call.args["stack_name"])
	assert.Equal(t, map[string]any{"heat_template_version": "2013-05-23"}, call.args["template"])
	assert.Equal(t, map[string]any{}, call.args["files"])
	assert.Equal(t, map[string]any{"timeout_mins": 30}, call.args["args"])
	assert.Equal(t, 0, call.args["nested_depth"])
	assert.Nil(t, call.args["owner_id"])

	params := call.args["params"].(map[string]any)
	assert.Equal(t, map[string]any{"InstanceType": "m1.xlarge"}, params["parameters"])
}

func TestCreateWithFiles(t *testing.T) {
	h := newHarness(t)
	h.transport.results["create_stack"] = map[string]any{
		"tenant": "t", "stack_name": "wordpress", "stack_id": "1",
	}

	body := createBody()
	body["files"] = map[string]any{"my.yaml": "This is the file contents."}

	rec := h.serve(t, http.MethodPost, "/v1/t/stacks", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	call := h.transport.callTo(t, "create_stack")
	assert.Equal(t, map[string]any{"my.yaml": "This is the file contents."}, call.args["files"])
}

func TestCreateWithTags(t *testing.T) {
	h := newHarness(t)
	h.transport.results["create_stack"] = map[string]any{
		"tenant": "t", "stack_name": "wordpress", "stack_id": "1",
	}

	body := createBody()
	body["tags"] = "tag1, tag2"

	rec := h.serve(t, http.MethodPost, "/v1/t/stacks", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	call := h.transport.callTo(t, "create_stack")
	args := call.args["args"].(map[string]any)
	assert.Equal(t, []string{"tag1", "tag2"}, args["tags"])
}

func TestCreateFromURLDoesNotFetchWhenInlinePresent(t *testing.T) {
	h := newHarness(t)
	h.transport.results["create_stack"] = map[string]any{
		"tenant": "t", "stack_name": "wordpress", "stack_id": "1",
	}

	body := createBody()
	body["template_url"] = "http://example.com/template"

	rec := h.serve(t, http.MethodPost, "/v1/t/stacks", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, h.fetcher.urls)
}

func TestCreateMissingStackName(t *testing.T) {
	h := newHarness(t)

	body := createBody()
	delete(body, "stack_name")

	rec := h.serve(t, http.MethodPost, "/v1/t/stacks", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	detail := faultDetail(t, rec)
	assert.Equal(t, "No stack_name specified.", detail["message"])
	assert.Empty(t, h.transport.calls)
}

func TestCreateNoTemplate(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(t, http.MethodPost, "/v1/t/stacks", map[string]any{"stack_name": "wordpress"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	detail := faultDetail(t, rec)
	assert.Equal(t, "No template specified", detail["message"])
}

func TestCreateTimeoutNotInt(t *testing.T) {
	h := newHarness(t)

	body := createBody()
	body["timeout_mins"] = "not-int"

	rec := h.serve(t, http.MethodPost, "/v1/t/stacks", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	detail := faultDetail(t, rec)
	assert.Equal(t, "Only integer is acceptable by 'timeout_mins'.", detail["message"])
}

func TestCreateMalformedBody(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/t/stacks", bytes.NewReader([]byte("not json")))
	req.Header.Set(auth.HeaderUserID, "u")
	req.Header.Set(auth.HeaderTenantID, "t")
	rec := httptest.NewRecorder()
	h.handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateStackExists(t *testing.T) {
	h := newHarness(t)
	h.transport.errs["create_stack"] = &fault.RemoteError{Type: "StackExists", Message: "already there"}

	rec := h.serve(t, http.MethodPost, "/v1/t/stacks", createBody())
	require.Equal(t, http.StatusConflict, rec.Code)

	detail := faultDetail(t, rec)
	assert.Equal(t, "StackExists", detail["type"])
}

func TestCreateValidationFault(t *testing.T) {
	h := newHarness(t)
	h.transport.errs["create_stack"] = &fault.RemoteError{Type: "StackValidationFailed", Message: "bad template"}

	rec := h.serve(t, http.MethodPost, "/v1/t/stacks", createBody())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Access Control
// =============================================================================

func TestTenantMismatch(t *testing.T) {
	h := newHarness(t)

	rec := h.serveAs(t, http.MethodGet, "/v1/t/stacks", nil, "other")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, h.transport.calls)
}

func TestUnauthenticated(t *testing.T) {
	h := newHarness(t)

	rec := h.serveAs(t, http.MethodGet, "/v1/t/stacks", nil, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, h.transport.calls)
}

func TestPolicyDenied(t *testing.T) {
	h := newHarness(t)
	h.enforcer.allowed = map[string]bool{}

	rec := h.serve(t, http.MethodPost, "/v1/t/stacks", createBody())
	require.Equal(t, http.StatusForbidden, rec.Code)

	detail := faultDetail(t, rec)
	assert.Equal(t, "Action stacks:create is not allowed.", detail["message"])
	assert.Empty(t, h.transport.calls)
}

// =============================================================================
// Lookup
// =============================================================================

func TestLookup(t *testing.T) {
	h := newHarness(t)
	h.transport.results["identify_stack"] = map[string]any{
		"tenant": "t", "stack_name": "wordpress", "stack_id": "1",
	}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks/wordpress", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testBaseURL+"/v1/t/stacks/wordpress/1", rec.Header().Get("Location"))

	call := h.transport.callTo(t, "identify_stack")
	assert.Empty(t, call.version)
	assert.Equal(t, map[string]any{"stack_name": "wordpress"}, call.args)
}

func TestLookupWithResourcePath(t *testing.T) {
	h := newHarness(t)
	h.transport.results["identify_stack"] = map[string]any{
		"tenant": "t", "stack_name": "wordpress", "stack_id": "1",
	}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks/wordpress/resources", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testBaseURL+"/v1/t/stacks/wordpress/1/resources", rec.Header().Get("Location"))
}

func TestLookupNotFound(t *testing.T) {
	h := newHarness(t)
	h.transport.errs["identify_stack"] = &fault.RemoteError{Type: "StackNotFound", Message: "gone"}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	detail := faultDetail(t, rec)
	assert.Equal(t, "StackNotFound", detail["type"])
}

// =============================================================================
// Show / Template
// =============================================================================

func TestShow(t *testing.T) {
	h := newHarness(t)
	h.transport.results["show_stack"] = []any{stackRecord()}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks/wordpress/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	stack := body["stack"].(map[string]any)
	assert.Equal(t, "CREATE_COMPLETE", stack["stack_status"])
	assert.Equal(t, map[string]any{"DBUsername": "admin"}, stack["parameters"])
	assert.Equal(t, true, stack["disable_rollback"])

	call := h.transport.callTo(t, "show_stack")
	assert.Empty(t, call.version)
	assert.Equal(t, map[string]any{
		"tenant": "t", "stack_name": "wordpress", "stack_id": "1",
	}, call.args["stack_identity"])
}

func TestShowNotFound(t *testing.T) {
	h := newHarness(t)
	h.transport.errs["show_stack"] = &fault.RemoteError{Type: "StackNotFound", Message: "gone"}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks/wordpress/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShowInvalidTenantFault(t *testing.T) {
	h := newHarness(t)
	h.transport.errs["show_stack"] = &fault.RemoteError{Type: "InvalidTenant", Message: "wrong tenant"}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks/wordpress/1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestShowEmptyResult(t *testing.T) {
	h := newHarness(t)
	h.transport.results["show_stack"] = []any{}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks/wordpress/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTemplate(t *testing.T) {
	h := newHarness(t)
	h.transport.results["get_template"] = map[string]any{"heat_template_version": "2013-05-23"}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks/wordpress/1/template", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "2013-05-23", body["heat_template_version"])
}

// =============================================================================
// Update / Delete / Abandon
// =============================================================================

func TestUpdate(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(t, http.MethodPut, "/v1/t/stacks/wordpress/6", map[string]any{
		"template": map[string]any{"heat_template_version": "2013-05-23"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())

	call := h.transport.callTo(t, "update_stack")
	assert.Empty(t, call.version)
	assert.Equal(t, map[string]any{
		"tenant": "t", "stack_name": "wordpress", "stack_id": "6",
	}, call.args["stack_identity"])
	assert.Equal(t, map[string]any{}, call.args["args"])
}

func TestUpdatePatchForcesExisting(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(t, http.MethodPatch, "/v1/t/stacks/wordpress/6", map[string]any{
		"template": map[string]any{"heat_template_version": "2013-05-23"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	call := h.transport.callTo(t, "update_stack")
	args := call.args["args"].(map[string]any)
	assert.Equal(t, true, args["existing"])
	assert.Contains(t, h.enforcer.actions, "stacks:update_patch")
}

func TestPreviewUpdate(t *testing.T) {
	h := newHarness(t)
	h.transport.results["preview_update_stack"] = map[string]any{
		"added": []any{}, "deleted": []any{}, "replaced": []any{},
	}

	rec := h.serve(t, http.MethodPut, "/v1/t/stacks/wordpress/6/preview", map[string]any{
		"template": map[string]any{"heat_template_version": "2013-05-23"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Contains(t, body, "resource_changes")

	call := h.transport.callTo(t, "preview_update_stack")
	assert.Equal(t, "1.15", call.version)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(t, http.MethodDelete, "/v1/t/stacks/wordpress/1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	call := h.transport.callTo(t, "delete_stack")
	assert.Empty(t, call.version)
}

func TestDeleteNotFound(t *testing.T) {
	h := newHarness(t)
	h.transport.errs["delete_stack"] = &fault.RemoteError{Type: "StackNotFound", Message: "gone"}

	rec := h.serve(t, http.MethodDelete, "/v1/t/stacks/wordpress/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAbandon(t *testing.T) {
	h := newHarness(t)
	h.transport.results["abandon_stack"] = map[string]any{
		"name": "wordpress", "status": "COMPLETE", "resources": map[string]any{},
	}

	rec := h.serve(t, http.MethodDelete, "/v1/t/stacks/wordpress/1/abandon", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "wordpress", body["name"])
}

// =============================================================================
// Validate
// =============================================================================

func TestValidate(t *testing.T) {
	h := newHarness(t)
	h.transport.results["validate_template"] = map[string]any{
		"Description": "blog", "Parameters": map[string]any{},
	}

	rec := h.serve(t, http.MethodPost, "/v1/t/validate", map[string]any{
		"template": map[string]any{"heat_template_version": "2013-05-23"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "blog", body["Description"])

	call := h.transport.callTo(t, "validate_template")
	assert.Empty(t, call.version)
}

func TestValidateEngineReportsError(t *testing.T) {
	// Template problems come back as a result payload, not a fault.
	h := newHarness(t)
	h.transport.results["validate_template"] = map[string]any{"Error": "broken template"}

	rec := h.serve(t, http.MethodPost, "/v1/t/validate", map[string]any{
		"template": map[string]any{"heat_template_version": "2013-05-23"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	detail := faultDetail(t, rec)
	assert.Equal(t, "broken template", detail["message"])
}

// =============================================================================
// Introspection
// =============================================================================

func TestListResourceTypes(t *testing.T) {
	h := newHarness(t)
	h.transport.results["list_resource_types"] = []any{"AWS::EC2::Instance"}

	rec := h.serve(t, http.MethodGet, "/v1/t/resource_types", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, []any{"AWS::EC2::Instance"}, body["resource_types"])

	call := h.transport.callTo(t, "list_resource_types")
	assert.Equal(t, "1.1", call.version)
	assert.Nil(t, call.args["support_status"])
}

func TestListResourceTypesWithSupportStatus(t *testing.T) {
	h := newHarness(t)
	h.transport.results["list_resource_types"] = []any{}

	rec := h.serve(t, http.MethodGet, "/v1/t/resource_types?support_status=SUPPORTED", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	call := h.transport.callTo(t, "list_resource_types")
	assert.Equal(t, "SUPPORTED", call.args["support_status"])
}

func TestResourceSchema(t *testing.T) {
	h := newHarness(t)
	h.transport.results["resource_schema"] = map[string]any{
		"resource_type": "ResourceWithProps",
		"properties":    map[string]any{},
		"attributes":    map[string]any{},
	}

	rec := h.serve(t, http.MethodGet, "/v1/t/resource_types/ResourceWithProps", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "ResourceWithProps", body["resource_type"])

	call := h.transport.callTo(t, "resource_schema")
	assert.Empty(t, call.version)
	assert.Equal(t, "ResourceWithProps", call.args["type_name"])
}

func TestGenerateTemplateDefaultsToCfn(t *testing.T) {
	h := newHarness(t)
	h.transport.results["generate_template"] = map[string]any{"Type": "TEST_TYPE"}

	rec := h.serve(t, http.MethodGet, "/v1/t/resource_types/TEST_TYPE/template", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	call := h.transport.callTo(t, "generate_template")
	assert.Equal(t, "1.9", call.version)
	assert.Equal(t, "cfn", call.args["template_type"])
}

func TestGenerateTemplateHot(t *testing.T) {
	h := newHarness(t)
	h.transport.results["generate_template"] = map[string]any{}

	rec := h.serve(t, http.MethodGet, "/v1/t/resource_types/TEST_TYPE/template?template_type=HOT", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	call := h.transport.callTo(t, "generate_template")
	assert.Equal(t, "hot", call.args["template_type"])
}

func TestGenerateTemplateInvalidType(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(t, http.MethodGet, "/v1/t/resource_types/TEST_TYPE/template?template_type=invalid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	detail := faultDetail(t, rec)
	assert.Equal(t,
		`Template type is not supported: Invalid template type "invalid", valid types are: cfn, hot.`,
		detail["message"])
	assert.Empty(t, h.transport.calls)
}

func TestTemplateVersions(t *testing.T) {
	h := newHarness(t)
	h.transport.results["list_template_versions"] = []any{
		map[string]any{"version": "heat_template_version.2013-05-23", "type": "hot"},
	}

	rec := h.serve(t, http.MethodGet, "/v1/t/template_versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Len(t, body["template_versions"], 1)

	call := h.transport.callTo(t, "list_template_versions")
	assert.Equal(t, "1.11", call.version)
}

func TestTemplateFunctions(t *testing.T) {
	h := newHarness(t)
	h.transport.results["list_template_functions"] = []any{
		map[string]any{"functions": "get_attr", "description": "resource attribute"},
	}

	rec := h.serve(t, http.MethodGet, "/v1/t/template_versions/t1/functions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Len(t, body["template_functions"], 1)

	call := h.transport.callTo(t, "list_template_functions")
	assert.Equal(t, "1.13", call.version)
	assert.Equal(t, "t1", call.args["template_version"])
}

// =============================================================================
// Fault Detail
// =============================================================================

func TestTracebackOnlyInDebugMode(t *testing.T) {
	remote := &fault.RemoteError{Type: "StackNotFound", Message: "gone", Traceback: "trace"}

	h := newHarness(t)
	h.transport.errs["show_stack"] = remote
	rec := h.serve(t, http.MethodGet, "/v1/t/stacks/wordpress/1", nil)
	assert.NotContains(t, faultDetail(t, rec), "traceback")

	hd := newHarnessDebug(t, true)
	hd.transport.errs["show_stack"] = remote
	rec = hd.serve(t, http.MethodGet, "/v1/t/stacks/wordpress/1", nil)
	assert.Equal(t, "trace", faultDetail(t, rec)["traceback"])
}

// =============================================================================
// Audit Trail
// =============================================================================

func TestAuditRecordsSuccess(t *testing.T) {
	h := newHarness(t)
	h.transport.results["create_stack"] = map[string]any{
		"tenant": "t", "stack_name": "wordpress", "stack_id": "1",
	}

	rec := h.serve(t, http.MethodPost, "/v1/t/stacks", createBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, h.recorder.entries, 1)
	entry := h.recorder.entries[0]
	assert.Equal(t, "t", entry.Tenant)
	assert.Equal(t, "stacks:create", entry.Action)
	assert.Equal(t, "create_stack", entry.Method)
	assert.Equal(t, http.StatusCreated, entry.Status)
	assert.Empty(t, entry.FaultType)
}

func TestAuditRecordsFault(t *testing.T) {
	h := newHarness(t)
	h.transport.errs["show_stack"] = &fault.RemoteError{Type: "StackNotFound", Message: "gone"}

	rec := h.serve(t, http.MethodGet, "/v1/t/stacks/wordpress/1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Len(t, h.recorder.entries, 1)
	entry := h.recorder.entries[0]
	assert.Equal(t, "stacks:show", entry.Action)
	assert.Equal(t, "StackNotFound", entry.FaultType)
	assert.Equal(t, http.StatusNotFound, entry.Status)
}

func TestDispatchLogEndpoint(t *testing.T) {
	h := newHarness(t)
	h.transport.results["delete_stack"] = nil

	rec := h.serve(t, http.MethodDelete, "/v1/t/stacks/wordpress/1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.serve(t, http.MethodGet, "/admin/dispatch_log?tenant=t", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, h.enforcer.actions, "admin:dispatch_log")

	body := decodeJSON(t, rec)
	entries := body["dispatch_log"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "stacks:delete", entries[0].(map[string]any)["action"])
}

func TestDispatchLogUnauthenticated(t *testing.T) {
	h := newHarness(t)
	h.recorder.entries = []audit.Entry{{Tenant: "t", Action: "stacks:delete"}}

	rec := h.serveAs(t, http.MethodGet, "/admin/dispatch_log?tenant=t", nil, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, h.enforcer.actions)

	detail := faultDetail(t, rec)
	assert.Equal(t, "Forbidden", detail["type"])
}

func TestDispatchLogDenied(t *testing.T) {
	h := newHarness(t)
	h.enforcer.allowed = map[string]bool{}
	h.recorder.entries = []audit.Entry{{Tenant: "t", Action: "stacks:delete"}}

	rec := h.serve(t, http.MethodGet, "/admin/dispatch_log?tenant=t", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []string{"admin:dispatch_log"}, h.enforcer.actions)
}

func TestDispatchLogLimitNotInt(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(t, http.MethodGet, "/admin/dispatch_log?limit=yes", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	detail := faultDetail(t, rec)
	assert.Equal(t, "Only integer is acceptable by 'limit'.", detail["message"])
}
