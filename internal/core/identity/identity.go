// Package identity defines the correlation key linking a stack between the
// gateway and the backend engine.
package identity

import "fmt"

// Identity names a stack uniquely within the control plane. It is opaque to
// the gateway beyond being passed through to the engine and used to build
// self-reference links.
type Identity struct {
	Tenant    string
	StackName string
	StackID   string
}

// New creates an Identity from its path components.
func New(tenant, stackName, stackID string) Identity {
	return Identity{
		Tenant:    tenant,
		StackName: stackName,
		StackID:   stackID,
	}
}

// URLPath returns the canonical resource path for the stack.
func (i Identity) URLPath() string {
	return fmt.Sprintf("/v1/%s/stacks/%s/%s", i.Tenant, i.StackName, i.StackID)
}

// Map returns the wire representation sent to the engine as stack_identity.
func (i Identity) Map() map[string]any {
	return map[string]any{
		"tenant":     i.Tenant,
		"stack_name": i.StackName,
		"stack_id":   i.StackID,
	}
}

// FromMap rebuilds an Identity from an engine-reported stack_identity
// mapping. The second return is false when the mapping does not carry the
// expected keys.
func FromMap(m map[string]any) (Identity, bool) {
	tenant, ok1 := m["tenant"].(string)
	name, ok2 := m["stack_name"].(string)
	id, ok3 := stringish(m["stack_id"])
	if !ok1 || !ok2 || !ok3 {
		return Identity{}, false
	}
	return Identity{Tenant: tenant, StackName: name, StackID: id}, true
}

// stringish accepts the stack id as either a string or a JSON number, since
// older engines report numeric ids.
func stringish(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return fmt.Sprintf("%.0f", t), true
	case int:
		return fmt.Sprintf("%d", t), true
	default:
		return "", false
	}
}
