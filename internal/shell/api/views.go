package api

import (
	"strings"

	"github.com/opsforge/stackgate/internal/core/identity"
)

// =============================================================================
// Stack Formatting
// =============================================================================

// summaryKeys are the engine record keys surfaced in listing entries.
var summaryKeys = []string{
	"stack_name",
	"description",
	"creation_time",
	"deletion_time",
	"updated_time",
	"stack_status_reason",
	"stack_owner",
	"parent",
	"tags",
}

// detailKeys are the additional keys surfaced by detail views.
var detailKeys = []string{
	"parameters",
	"outputs",
	"capabilities",
	"notification_topics",
	"disable_rollback",
	"timeout_mins",
	"template_description",
}

// formatStack shapes one engine stack record for the client. The engine
// reports action and status as separate fields; the client sees the single
// merged ACTION_STATUS form. The identity becomes an id plus a self link.
func formatStack(record map[string]any, detail bool, baseURL string) map[string]any {
	if record == nil {
		return nil
	}

	out := map[string]any{}
	for _, key := range summaryKeys {
		if v, ok := record[key]; ok {
			out[key] = v
		}
	}
	if detail {
		for _, key := range detailKeys {
			if v, ok := record[key]; ok {
				out[key] = v
			}
		}
	}

	out["stack_status"] = mergedStatus(record)

	if raw, ok := record["stack_identity"].(map[string]any); ok {
		if id, ok := identity.FromMap(raw); ok {
			out["id"] = id.StackID
			out["links"] = []Link{selfLink(baseURL, id)}
		}
	}

	return out
}

// mergedStatus joins the engine's split action/status vocabulary into the
// client-facing ACTION_STATUS form. Records without an action pass their
// status through unchanged.
func mergedStatus(record map[string]any) string {
	status, _ := record["stack_status"].(string)
	action, _ := record["stack_action"].(string)
	if action == "" {
		return status
	}
	return action + "_" + status
}

func selfLink(baseURL string, id identity.Identity) Link {
	return Link{
		Href: strings.TrimSuffix(baseURL, "/") + id.URLPath(),
		Rel:  "self",
	}
}

// formatStacks shapes a listing, using the detail key set when asked.
func formatStacks(records []map[string]any, detail bool, baseURL string) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, record := range records {
		if formatted := formatStack(record, detail, baseURL); formatted != nil {
			out = append(out, formatted)
		}
	}
	return out
}

// formatCreated is the creation response body: the new stack reduced to its
// identity and self link.
func formatCreated(baseURL string, id identity.Identity) map[string]any {
	return map[string]any{
		"stack": map[string]any{
			"id":    id.StackID,
			"links": []Link{selfLink(baseURL, id)},
		},
	}
}
