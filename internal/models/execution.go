package models

import "time"

// ExecutionStatus is the lifecycle state of a flow execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Well-known execution variables.
const (
	VarSessionID      = "sessionId"
	VarMessage        = "message"
	VarFromMe         = "fromMe"
	VarChannelAddress = "channelAddress"
	VarPushName       = "pushName"
	VarDelayUntil     = "_delayUntil"
	VarHTTPResponse   = "httpResponse"
	VarHTTPStatus     = "httpStatus"
	VarHTTPError      = "httpError"
	VarEmailMessageID = "emailMessageId"
	VarEmailError     = "emailError"
)

// FlowExecution is one run of a flow for one contact.
type FlowExecution struct {
	ID            string          `json:"id"`
	FlowID        string          `json:"flow_id"`
	ContactID     string          `json:"contact_id"`
	CurrentNodeID string          `json:"current_node_id"`
	Variables     map[string]any  `json:"variables"`
	Status        ExecutionStatus `json:"status"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// StringVar returns a string variable or "" when absent or not a string.
func (e *FlowExecution) StringVar(key string) string {
	if e.Variables == nil {
		return ""
	}
	s, _ := e.Variables[key].(string)
	return s
}

// SetVar sets a variable, allocating the bag on first use.
func (e *FlowExecution) SetVar(key string, value any) {
	if e.Variables == nil {
		e.Variables = make(map[string]any)
	}
	e.Variables[key] = value
}

// CopyVars returns a shallow copy of vars, never nil.
func CopyVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
