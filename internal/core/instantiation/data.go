// Package instantiation resolves the heterogeneous client request body into
// the canonical stack definition dispatched to the backend engine: template
// document, environment record, file map and control arguments.
package instantiation

import (
	"context"
	"math"
	"strings"

	"github.com/opsforge/stackgate/internal/core/fault"
	"github.com/opsforge/stackgate/internal/core/template"
)

// =============================================================================
// Request Body Keys
// =============================================================================

const (
	keyStackName   = "stack_name"
	keyTemplate    = "template"
	keyTemplateURL = "template_url"
	keyEnvironment = "environment"
	keyParameters  = "parameters"
	keyFiles       = "files"

	keyTimeoutMins     = "timeout_mins"
	keyAdoptStackData  = "adopt_stack_data"
	keyDisableRollback = "disable_rollback"
	keyTags            = "tags"
	keyClearParameters = "clear_parameters"

	// ParamExisting marks an incremental update that reuses the stack's
	// existing parameters. It is a property of the operation, not of the
	// request body, and is forced into the args for patch updates.
	ParamExisting = "existing"
)

// environmentKeys is the fixed schema of a canonical environment; anything
// else at the environment's top level is rejected.
var environmentKeys = []string{
	keyParameters,
	"encrypted_param_names",
	"parameter_defaults",
	"resource_registry",
}

// argKeys is the whitelist of recognized control arguments; unknown keys are
// dropped silently.
var argKeys = []string{
	keyTimeoutMins,
	keyAdoptStackData,
	keyDisableRollback,
	keyTags,
	keyClearParameters,
}

// Fetcher retrieves the text of a remote template document by URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// =============================================================================
// Data
// =============================================================================

// Data wraps an untrusted request body and resolves its parts on demand.
// It holds no state beyond the body: resolving twice yields identical output.
type Data struct {
	body  map[string]any
	patch bool
}

// New wraps a request body for a regular operation.
func New(body map[string]any) *Data {
	return &Data{body: body}
}

// NewPatch wraps a request body for an incremental (patch) update, which
// forces the existing-parameters flag into the control arguments.
func NewPatch(body map[string]any) *Data {
	return &Data{body: body, patch: true}
}

// StackName returns the requested stack name.
func (d *Data) StackName() (string, error) {
	name, ok := d.body[keyStackName].(string)
	if !ok || name == "" {
		return "", fault.BadRequest("No stack_name specified.")
	}
	return name, nil
}

// Template resolves the template document from exactly one of the three
// possible origins. Priority is fixed: inline document, then string payload,
// then remote URL. Lower-priority sources are never evaluated once a higher
// one is found; in particular the URL is not fetched when a template is
// present in the body.
func (d *Data) Template(ctx context.Context, fetcher Fetcher) (template.Document, error) {
	if raw, ok := d.body[keyTemplate]; ok && raw != nil {
		switch t := raw.(type) {
		case map[string]any:
			return t, nil
		case string:
			return d.decode(keyTemplate, t)
		default:
			return nil, fault.BadRequest("Template must be a map or a string.")
		}
	}

	if rawURL, ok := d.body[keyTemplateURL].(string); ok && rawURL != "" {
		text, err := fetcher.Fetch(ctx, rawURL)
		if err != nil {
			return nil, fault.BadRequest("Could not retrieve template: %v", err)
		}
		return d.decode(keyTemplate, text)
	}

	return nil, fault.BadRequest("No template specified")
}

// Environment returns the canonical four-key environment record. Top-level
// request parameters override environment parameters key-by-key; the other
// canonical keys are copied verbatim from the environment block, defaulting
// to empty when absent from every source.
func (d *Data) Environment() (map[string]any, error) {
	env := map[string]any{}

	if raw, ok := d.body[keyEnvironment]; ok && raw != nil {
		switch t := raw.(type) {
		case map[string]any:
			env = t
		case string:
			decoded, err := d.decode(keyEnvironment, t)
			if err != nil {
				return nil, err
			}
			env = decoded
		default:
			return nil, fault.BadRequest("Environment must be a map or a string.")
		}
	}

	for key := range env {
		if !isEnvironmentKey(key) {
			return nil, fault.BadRequest("Unsupported key '%s' in environment.", key)
		}
	}

	params := map[string]any{}
	if envParams, ok := env[keyParameters].(map[string]any); ok {
		for k, v := range envParams {
			params[k] = v
		}
	}
	if reqParams, ok := d.body[keyParameters].(map[string]any); ok {
		// Request parameters are authoritative over environment parameters.
		for k, v := range reqParams {
			params[k] = v
		}
	}

	out := map[string]any{
		keyParameters:           params,
		"encrypted_param_names": []any{},
		"parameter_defaults":    map[string]any{},
		"resource_registry":     map[string]any{},
	}
	for _, key := range environmentKeys[1:] {
		if v, ok := env[key]; ok && v != nil {
			out[key] = v
		}
	}
	return out, nil
}

// Files returns the supplementary file map, defaulting to empty.
func (d *Data) Files() map[string]any {
	if files, ok := d.body[keyFiles].(map[string]any); ok {
		return files
	}
	return map[string]any{}
}

// Args extracts the recognized control arguments from the body. Unknown keys
// are dropped without error; a non-empty tag string is split into trimmed
// tokens; timeout_mins must be integer-valued.
func (d *Data) Args() (map[string]any, error) {
	args := map[string]any{}
	for _, key := range argKeys {
		v, ok := d.body[key]
		if !ok || v == nil {
			continue
		}
		args[key] = v
	}

	if v, ok := args[keyTimeoutMins]; ok {
		timeout, ok := integerValue(v)
		if !ok {
			return nil, fault.BadRequest("Only integer is acceptable by '%s'.", keyTimeoutMins)
		}
		args[keyTimeoutMins] = timeout
	}

	if v, ok := args[keyTags]; ok {
		raw, _ := v.(string)
		if strings.TrimSpace(raw) == "" {
			delete(args, keyTags)
		} else {
			args[keyTags] = splitTags(raw)
		}
	}

	if d.patch {
		args[ParamExisting] = true
	}
	return args, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (d *Data) decode(label, raw string) (template.Document, error) {
	doc, err := template.Decode(label, raw)
	if err != nil {
		return nil, fault.BadRequest("%v", err)
	}
	return doc, nil
}

func isEnvironmentKey(key string) bool {
	for _, k := range environmentKeys {
		if k == key {
			return true
		}
	}
	return false
}

// integerValue reports whether v carries an integer, accepting the float64
// form JSON decoding produces for all numbers.
func integerValue(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int(t), true
	default:
		return 0, false
	}
}

func splitTags(raw string) []string {
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if tag := strings.TrimSpace(p); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
