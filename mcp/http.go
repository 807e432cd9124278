package mcp

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
)

// CallRequest is the body of POST /mcp/call.
type CallRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// CallResponse wraps every HTTP tool response.
type CallResponse struct {
	Success bool       `json:"success"`
	Result  any        `json:"result,omitempty"`
	Error   *ToolError `json:"error,omitempty"`
}

type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

const maxCallBody = 1 << 20

// RegisterRoutes mounts the HTTP tool endpoints on mux. The API key may be sent as
// X-API-Key or a bearer token instead of the api_key argument.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp/tools", s.handleListTools)
	mux.HandleFunc("/mcp/call", s.handleToolCall)
	mux.HandleFunc("/mcp/health", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]any{"status": "ok", "tools": len(s.handlers)})
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, &ToolError{Code: "METHOD_NOT_ALLOWED", Message: "Use GET /mcp/tools"})
		return
	}
	infos := make([]toolInfo, 0, len(s.tools))
	for _, name := range s.Tools() {
		t := s.tools[name]
		infos = append(infos, toolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	JSON(w, http.StatusOK, map[string]any{"tools": infos, "count": len(infos)})
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, &ToolError{Code: "METHOD_NOT_ALLOWED", Message: "Use POST /mcp/call"})
		return
	}
	var req CallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCallBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, &ToolError{Code: "INVALID_JSON", Message: "Request body must be valid JSON"})
		return
	}
	if strings.TrimSpace(req.Tool) == "" {
		writeError(w, http.StatusBadRequest, NewMissingFieldError("", "tool"))
		return
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}
	if _, ok := req.Arguments["api_key"]; !ok {
		if key := requestAPIKey(r); key != "" {
			req.Arguments["api_key"] = key
		}
	}

	out, err := s.invoke(r.Context(), req.Tool, req.Arguments)
	if err != nil {
		te := FromError(req.Tool, err)
		if te.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(te.RetryAfterSeconds))
		}
		writeError(w, HTTPStatus(te), te)
		return
	}
	JSON(w, http.StatusOK, CallResponse{Success: true, Result: out})
}

func requestAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// HTTPStatus maps a tool error code onto an HTTP status.
func HTTPStatus(err error) int {
	var te *ToolError
	if !errors.As(err, &te) {
		return http.StatusInternalServerError
	}
	switch te.Code {
	case ErrCodeMissingRequired, ErrCodeValidationFailed:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodePendingVerification:
		return http.StatusAccepted
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, te *ToolError) {
	JSON(w, status, CallResponse{Success: false, Error: te})
}

// JSON writes a JSON response with status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
