// Package models defines the core data structures for FlowPipe.
//
// It includes contacts, flow graphs, executions, senders, campaigns and the
// outbound message payloads shared across the store, flow and messaging modules.
package models

import (
	"errors"
)

// Error variables shared across modules for better error handling and testability.
var (
	ErrNotFound        = errors.New("not found")
	ErrEmptyPhone      = errors.New("phone number cannot be empty")
	ErrEmptyFlowName   = errors.New("flow name is required")
	ErrInvalidTrigger  = errors.New("invalid trigger type")
	ErrMissingKeywords = errors.New("keyword flows require at least one keyword")
	ErrMissingStart    = errors.New("flow has no start node")
	ErrMultipleStarts  = errors.New("flow has more than one start node")
	ErrDuplicateNodeID = errors.New("duplicate node id")
	ErrDanglingEdge    = errors.New("edge references an unknown node")
	ErrEmptyTemplate   = errors.New("campaign template cannot be empty")
)

// ErrPausedExecutionExists is returned when a second execution of one contact would pause.
var ErrPausedExecutionExists = errors.New("contact already has a paused execution")

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates work was queued for asynchronous processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Accepted creates a response for work that continues in the background.
func Accepted(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusAccepted), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
