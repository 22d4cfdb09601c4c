// Package engine is the versioned dispatch gateway to the backend
// orchestration engine. It owns the table mapping each gateway operation to
// the RPC method name and the minimum protocol version it requires, builds
// the RPC payload, and invokes the backend synchronously over a Transport.
package engine

import (
	"context"
	"errors"

	"github.com/opsforge/stackgate/internal/core/fault"
	"github.com/opsforge/stackgate/internal/core/identity"
	"github.com/opsforge/stackgate/internal/core/template"
)

// =============================================================================
// Transport
// =============================================================================

// Transport carries one synchronous RPC call to the engine. version is the
// minimum protocol version tag for the method; the empty string means the
// tag is omitted entirely, which the engine's RPC layer treats as "oldest
// supported" - omission vs. presence is part of the wire contract.
type Transport interface {
	Call(ctx context.Context, method string, args map[string]any, version string) (any, error)
}

// =============================================================================
// Version Table
// =============================================================================

// minVersion pins the minimum protocol version per RPC method. Methods absent
// from the table are dispatched without a version tag. The exact numbers are
// a backend-compatibility contract.
var minVersion = map[string]string{
	"list_stacks":             "1.8",
	"create_stack":            "1.8",
	"preview_update_stack":    "1.15",
	"list_resource_types":     "1.1",
	"generate_template":       "1.9",
	"list_template_versions":  "1.11",
	"list_template_functions": "1.13",
}

// =============================================================================
// Client
// =============================================================================

// Client exposes one method per engine RPC operation. The Transport is
// substituted in tests.
type Client struct {
	transport Transport
}

// NewClient creates an engine client over the given transport.
func NewClient(t Transport) *Client {
	return &Client{transport: t}
}

func (c *Client) call(ctx context.Context, method string, args map[string]any) (any, error) {
	return c.transport.Call(ctx, method, args, minVersion[method])
}

// IsUnsupported reports whether the engine rejected the call because it does
// not implement the method (an older engine). Callers use this to degrade
// optional capabilities such as counting instead of failing the operation.
func IsUnsupported(err error) bool {
	var rerr *fault.RemoteError
	if !errors.As(err, &rerr) {
		return false
	}
	switch rerr.Type {
	case "NotSupported", "AttributeError", "MethodNotFound":
		return true
	}
	return false
}

// =============================================================================
// Stack Operations
// =============================================================================

// ListStacks returns summary records for matching stacks. args carries the
// full pagination/filter argument set built by the caller.
func (c *Client) ListStacks(ctx context.Context, args map[string]any) ([]map[string]any, error) {
	result, err := c.call(ctx, "list_stacks", args)
	if err != nil {
		return nil, err
	}
	return asRecordList(result), nil
}

// CountStacks returns the number of stacks matching the filters.
func (c *Client) CountStacks(ctx context.Context, args map[string]any) (int, error) {
	result, err := c.call(ctx, "count_stacks", args)
	if err != nil {
		return 0, err
	}
	if n, ok := result.(float64); ok {
		return int(n), nil
	}
	if n, ok := result.(int); ok {
		return n, nil
	}
	return 0, &fault.RemoteError{
		Type:    "InternalError",
		Message: "engine returned a malformed stack count",
	}
}

// CreateStack asks the engine to create a stack from the canonical
// definition and returns the new stack's identity.
func (c *Client) CreateStack(ctx context.Context, stackName string, tmpl template.Document,
	params, files, args map[string]any) (identity.Identity, error) {

	result, err := c.call(ctx, "create_stack", map[string]any{
		"stack_name":            stackName,
		"template":              tmpl,
		"params":                params,
		"files":                 files,
		"args":                  args,
		"owner_id":              nil,
		"nested_depth":          0,
		"user_creds_id":         nil,
		"parent_resource_name":  nil,
		"stack_user_project_id": nil,
	})
	if err != nil {
		return identity.Identity{}, err
	}
	return asIdentity(result)
}

// UpdateStack asks the engine to converge an existing stack on a new
// definition. The update runs asynchronously in the engine.
func (c *Client) UpdateStack(ctx context.Context, id identity.Identity, tmpl template.Document,
	params, files, args map[string]any) error {

	_, err := c.call(ctx, "update_stack", map[string]any{
		"stack_identity": id.Map(),
		"template":       tmpl,
		"params":         params,
		"files":          files,
		"args":           args,
	})
	return err
}

// PreviewStack returns the formatted result of a dry-run creation.
func (c *Client) PreviewStack(ctx context.Context, stackName string, tmpl template.Document,
	params, files, args map[string]any) (map[string]any, error) {

	result, err := c.call(ctx, "preview_stack", map[string]any{
		"stack_name": stackName,
		"template":   tmpl,
		"params":     params,
		"files":      files,
		"args":       args,
	})
	if err != nil {
		return nil, err
	}
	return asRecord(result), nil
}

// PreviewUpdateStack returns the resource changes an update would make.
func (c *Client) PreviewUpdateStack(ctx context.Context, id identity.Identity, tmpl template.Document,
	params, files, args map[string]any) (map[string]any, error) {

	result, err := c.call(ctx, "preview_update_stack", map[string]any{
		"stack_identity": id.Map(),
		"template":       tmpl,
		"params":         params,
		"files":          files,
		"args":           args,
	})
	if err != nil {
		return nil, err
	}
	return asRecord(result), nil
}

// IdentifyStack resolves a stack name to its full identity.
func (c *Client) IdentifyStack(ctx context.Context, stackName string) (identity.Identity, error) {
	result, err := c.call(ctx, "identify_stack", map[string]any{
		"stack_name": stackName,
	})
	if err != nil {
		return identity.Identity{}, err
	}
	return asIdentity(result)
}

// ShowStack returns the detail records for a stack.
func (c *Client) ShowStack(ctx context.Context, id identity.Identity) ([]map[string]any, error) {
	result, err := c.call(ctx, "show_stack", map[string]any{
		"stack_identity": id.Map(),
	})
	if err != nil {
		return nil, err
	}
	return asRecordList(result), nil
}

// GetTemplate returns the template document of an existing stack.
func (c *Client) GetTemplate(ctx context.Context, id identity.Identity) (any, error) {
	return c.call(ctx, "get_template", map[string]any{
		"stack_identity": id.Map(),
	})
}

// DeleteStack asks the engine to delete a stack.
func (c *Client) DeleteStack(ctx context.Context, id identity.Identity) error {
	_, err := c.call(ctx, "delete_stack", map[string]any{
		"stack_identity": id.Map(),
	})
	return err
}

// AbandonStack removes a stack from engine management without destroying its
// resources, returning the abandon data payload.
func (c *Client) AbandonStack(ctx context.Context, id identity.Identity) (map[string]any, error) {
	result, err := c.call(ctx, "abandon_stack", map[string]any{
		"stack_identity": id.Map(),
	})
	if err != nil {
		return nil, err
	}
	return asRecord(result), nil
}

// ValidateTemplate asks the engine to validate a template against the given
// canonical environment.
func (c *Client) ValidateTemplate(ctx context.Context, tmpl template.Document, params map[string]any) (map[string]any, error) {
	result, err := c.call(ctx, "validate_template", map[string]any{
		"template": tmpl,
		"params":   params,
	})
	if err != nil {
		return nil, err
	}
	return asRecord(result), nil
}

// =============================================================================
// Introspection Operations
// =============================================================================

// ListResourceTypes returns the resource type names the engine supports,
// optionally filtered by support status.
func (c *Client) ListResourceTypes(ctx context.Context, supportStatus any) ([]any, error) {
	result, err := c.call(ctx, "list_resource_types", map[string]any{
		"support_status": supportStatus,
	})
	if err != nil {
		return nil, err
	}
	if list, ok := result.([]any); ok {
		return list, nil
	}
	return nil, nil
}

// ResourceSchema returns the property/attribute schema of a resource type.
func (c *Client) ResourceSchema(ctx context.Context, typeName string) (map[string]any, error) {
	result, err := c.call(ctx, "resource_schema", map[string]any{
		"type_name": typeName,
	})
	if err != nil {
		return nil, err
	}
	return asRecord(result), nil
}

// GenerateTemplate returns a skeleton template for a resource type in the
// requested template format.
func (c *Client) GenerateTemplate(ctx context.Context, typeName, templateType string) (map[string]any, error) {
	result, err := c.call(ctx, "generate_template", map[string]any{
		"type_name":     typeName,
		"template_type": templateType,
	})
	if err != nil {
		return nil, err
	}
	return asRecord(result), nil
}

// ListTemplateVersions returns the template format versions the engine knows.
func (c *Client) ListTemplateVersions(ctx context.Context) ([]any, error) {
	result, err := c.call(ctx, "list_template_versions", map[string]any{})
	if err != nil {
		return nil, err
	}
	if list, ok := result.([]any); ok {
		return list, nil
	}
	return nil, nil
}

// ListTemplateFunctions returns the intrinsic functions available in a
// template version.
func (c *Client) ListTemplateFunctions(ctx context.Context, templateVersion string) ([]any, error) {
	result, err := c.call(ctx, "list_template_functions", map[string]any{
		"template_version": templateVersion,
	})
	if err != nil {
		return nil, err
	}
	if list, ok := result.([]any); ok {
		return list, nil
	}
	return nil, nil
}

// =============================================================================
// Result Coercion
// =============================================================================

func asRecord(result any) map[string]any {
	if m, ok := result.(map[string]any); ok {
		return m
	}
	return nil
}

func asRecordList(result any) []map[string]any {
	list, ok := result.([]any)
	if !ok {
		// Already-typed lists come back from in-process test transports.
		if typed, ok := result.([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func asIdentity(result any) (identity.Identity, error) {
	m := asRecord(result)
	id, ok := identity.FromMap(m)
	if !ok {
		return identity.Identity{}, &fault.RemoteError{
			Type:    "InternalError",
			Message: "engine returned a malformed stack identity",
		}
	}
	return id, nil
}
