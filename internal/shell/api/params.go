package api

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/opsforge/stackgate/internal/core/fault"
)

// =============================================================================
// Query Parameter Extraction
// =============================================================================

// filterKeys is the whitelist of listing filter parameters; anything else in
// the query string is ignored rather than forwarded to the engine.
var filterKeys = []string{
	"id",
	"status",
	"name",
	"action",
	"username",
	"tenant",
	"owner_id",
}

// boolParam extracts a boolean query parameter. Only the literal words true
// and false are accepted, case-insensitively.
func boolParam(q url.Values, name string) (value, present bool, err error) {
	raw := q.Get(name)
	if raw == "" {
		return false, false, nil
	}
	switch strings.ToLower(raw) {
	case "true":
		return true, true, nil
	case "false":
		return false, true, nil
	}
	return false, false, fault.BadRequest(
		`Unrecognized value "%s" for "%s", acceptable values are: true, false`, raw, name)
}

// listParam comma-splits a multi-valued query parameter into trimmed tokens,
// returning nil when the parameter is absent or empty.
func listParam(q url.Values, name string) any {
	raw := q.Get(name)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if token := strings.TrimSpace(p); token != "" {
			out = append(out, token)
		}
	}
	return out
}

// stringParam returns the parameter value, or nil when absent.
func stringParam(q url.Values, name string) any {
	if v := q.Get(name); v != "" {
		return v
	}
	return nil
}

// filterParams collects the whitelisted filter parameters, or nil when none
// are present.
func filterParams(q url.Values) any {
	filters := map[string]any{}
	for _, key := range filterKeys {
		if v := q.Get(key); v != "" {
			filters[key] = v
		}
	}
	if len(filters) == 0 {
		return nil
	}
	return filters
}

// listArgs builds the full listing argument set dispatched to the engine.
// Every key is always present; absent parameters dispatch as null so the
// engine applies its own defaults.
func listArgs(q url.Values, globalTenant bool) (map[string]any, error) {
	args := map[string]any{
		"limit":        nil,
		"sort_keys":    listParam(q, "sort_keys"),
		"marker":       stringParam(q, "marker"),
		"sort_dir":     stringParam(q, "sort_dir"),
		"filters":      filterParams(q),
		"tenant_safe":  !globalTenant,
		"show_deleted": false,
		"show_nested":  false,
		"show_hidden":  false,
		"tags":         listParam(q, "tags"),
		"tags_any":     listParam(q, "tags_any"),
		"not_tags":     listParam(q, "not_tags"),
		"not_tags_any": listParam(q, "not_tags_any"),
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fault.BadRequest("Only integer is acceptable by '%s'.", "limit")
		}
		if limit < 0 {
			return nil, fault.BadRequest("limit cannot be negative")
		}
		args["limit"] = limit
	}

	for _, name := range []string{"show_deleted", "show_nested", "show_hidden"} {
		value, present, err := boolParam(q, name)
		if err != nil {
			return nil, err
		}
		if present {
			args[name] = value
		}
	}

	return args, nil
}

// countArgs is the filter subset forwarded on the auxiliary count call.
func countArgs(args map[string]any) map[string]any {
	return map[string]any{
		"filters":      args["filters"],
		"tenant_safe":  args["tenant_safe"],
		"show_deleted": args["show_deleted"],
		"show_nested":  args["show_nested"],
		"show_hidden":  args["show_hidden"],
	}
}
