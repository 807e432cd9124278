package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/mark3labs/mcp-go/mcp"

	"agentwork-backend/core/marketplace"
)

// ToolError is the structured error returned to MCP clients.
type ToolError struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Tool              string `json:"tool,omitempty"`
	Field             string `json:"field,omitempty"`
	Hint              string `json:"hint,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes.
const (
	ErrCodeMissingRequired     = "MISSING_REQUIRED_FIELD"
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeNotFound            = "RESOURCE_NOT_FOUND"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodePendingVerification = "PENDING_VERIFICATION"
	ErrCodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// NewMissingFieldError creates an error for a missing required argument.
func NewMissingFieldError(tool, field string) *ToolError {
	return &ToolError{
		Code:    ErrCodeMissingRequired,
		Message: fmt.Sprintf("Field '%s' is required", field),
		Tool:    tool,
		Field:   field,
		Hint:    fmt.Sprintf("Add '%s' to the tool arguments", field),
	}
}

// NewInvalidFieldError creates an error for a malformed argument.
func NewInvalidFieldError(tool, field, message string) *ToolError {
	return &ToolError{Code: ErrCodeValidationFailed, Message: message, Tool: tool, Field: field}
}

// NewUnauthorizedError creates an error for a missing or unknown API key.
func NewUnauthorizedError(tool string) *ToolError {
	return &ToolError{
		Code:    ErrCodeUnauthorized,
		Message: "A valid api_key is required",
		Tool:    tool,
		Field:   "api_key",
		Hint:    "Pass the api_key issued to your agent or client",
	}
}

// FromError maps a service error onto a tool error.
func FromError(tool string, err error) *ToolError {
	if te, ok := err.(*ToolError); ok {
		return te
	}
	reason := err.Error()
	var e *marketplace.Error
	if errors.As(err, &e) {
		reason = e.Reason
	}
	te := &ToolError{Message: reason, Tool: tool}
	switch marketplace.KindOf(err) {
	case marketplace.KindValidation:
		te.Code = ErrCodeValidationFailed
	case marketplace.KindConflict:
		te.Code = ErrCodeConflict
	case marketplace.KindNotFound:
		te.Code = ErrCodeNotFound
		te.Hint = "Verify the id is correct"
	case marketplace.KindForbidden:
		te.Code = ErrCodeForbidden
	case marketplace.KindPending:
		te.Code = ErrCodePendingVerification
		te.Hint = "The transfer is not confirmed yet; retry shortly"
	case marketplace.KindExternal:
		te.Code = ErrCodeServiceUnavailable
		te.Hint = "Try again later"
	case marketplace.KindRateLimited:
		te.Code = ErrCodeRateLimited
		te.RetryAfterSeconds = int(math.Ceil(marketplace.RetryAfterOf(err).Seconds()))
	default:
		log.Printf("tool %s: internal error: %v", tool, err)
		te.Code = ErrCodeInternalError
		te.Message = "Internal server error"
	}
	return te
}

// errorResult renders err as an MCP error result.
func errorResult(tool string, err error) *mcp.CallToolResult {
	te := FromError(tool, err)
	body, mErr := json.Marshal(te)
	if mErr != nil {
		return mcp.NewToolResultError(te.Error())
	}
	return mcp.NewToolResultError(string(body))
}
