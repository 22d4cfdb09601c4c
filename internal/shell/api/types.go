package api

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code  int         `json:"code"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the fault identity alongside the human-readable message.
type ErrorDetail struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// Link is a hypermedia reference on a formatted stack.
type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

// AuditEntryResponse is one row of the operator dispatch log.
type AuditEntryResponse struct {
	ID        string `json:"id"`
	Tenant    string `json:"tenant"`
	Action    string `json:"action"`
	Method    string `json:"method,omitempty"`
	Status    int    `json:"status"`
	FaultType string `json:"fault_type,omitempty"`
	CreatedAt string `json:"created_at"`
}
