package mcp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/services"
	storage "agentwork-backend/storage/marketplace"
)

func postCall(t *testing.T, mux *http.ServeMux, req CallRequest, header map[string]string) (*httptest.ResponseRecorder, CallResponse) {
	t.Helper()
	body, _ := json.Marshal(req)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/mcp/call", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		r.Header.Set(k, v)
	}
	mux.ServeHTTP(w, r)
	var resp CallResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
	return w, resp
}

func TestHTTPToolCall(t *testing.T) {
	h := newHarness(t, nil)
	mux := http.NewServeMux()
	h.srv.RegisterRoutes(mux)

	t.Run("x-api-key header", func(t *testing.T) {
		w, resp := postCall(t, mux, CallRequest{
			Tool: "create_task",
			Arguments: map[string]any{
				"title":       "Translate README",
				"description": "English to Spanish",
				"budget_usdc": "12.5",
			},
		}, map[string]string{"X-API-Key": posterKey})
		if w.Code != http.StatusOK || !resp.Success {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		raw, _ := json.Marshal(resp.Result)
		var task marketplace.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			t.Fatal(err)
		}
		if task.Budget != marketplace.MustParseUSDC("12.5") || task.PostedBy.ID != "poster-1" {
			t.Errorf("task = %+v", task)
		}
	})

	t.Run("bearer token", func(t *testing.T) {
		w, resp := postCall(t, mux, CallRequest{Tool: "list_tasks"}, map[string]string{"Authorization": "Bearer " + agentKey})
		if w.Code != http.StatusOK || !resp.Success {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("no key", func(t *testing.T) {
		w, resp := postCall(t, mux, CallRequest{Tool: "list_tasks"}, nil)
		if w.Code != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != ErrCodeUnauthorized {
			t.Fatalf("got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		w, _ := postCall(t, mux, CallRequest{Tool: "mint_tokens"}, map[string]string{"X-API-Key": posterKey})
		if w.Code != http.StatusNotFound {
			t.Fatalf("got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("missing tool", func(t *testing.T) {
		w, resp := postCall(t, mux, CallRequest{}, nil)
		if w.Code != http.StatusBadRequest || resp.Error.Field != "tool" {
			t.Fatalf("got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mcp/call", nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("got %d", w.Code)
		}
	})
}

func TestHTTPRateLimitSetsRetryAfter(t *testing.T) {
	h := newHarness(t, func(c *services.Config) {
		c.BidLimit = storage.RateLimit{Limit: 1, Window: time.Minute}
	})
	mux := http.NewServeMux()
	h.srv.RegisterRoutes(mux)
	h.ok(t, "register_agent", map[string]any{"api_key": agentKey, "name": "A"}, nil)
	a, b := h.postTask(t, "10"), h.postTask(t, "10")
	hdr := map[string]string{"X-API-Key": agentKey}

	bid := func(taskID string) (*httptest.ResponseRecorder, CallResponse) {
		return postCall(t, mux, CallRequest{Tool: "submit_bid", Arguments: map[string]any{
			"task_id": taskID, "amount_usdc": "8", "proposal": "p",
		}}, hdr)
	}
	if w, _ := bid(a.ID); w.Code != http.StatusOK {
		t.Fatalf("first bid: %d %s", w.Code, w.Body.String())
	}
	w, resp := bid(b.ID)
	if w.Code != http.StatusTooManyRequests || resp.Error.Code != ErrCodeRateLimited {
		t.Fatalf("second bid: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestHTTPListTools(t *testing.T) {
	h := newHarness(t, nil)
	mux := http.NewServeMux()
	h.srv.RegisterRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mcp/tools", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	var out struct {
		Tools []toolInfo `json:"tools"`
		Count int        `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Count != len(h.srv.Tools()) || out.Tools[0].Name != "accept_bid" || out.Tools[0].Description == "" {
		t.Fatalf("tools = %+v", out)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[string]int{
		ErrCodeMissingRequired:     http.StatusBadRequest,
		ErrCodeConflict:            http.StatusConflict,
		ErrCodePendingVerification: http.StatusAccepted,
		ErrCodeServiceUnavailable:  http.StatusServiceUnavailable,
		ErrCodeInternalError:       http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := HTTPStatus(&ToolError{Code: code}); got != want {
			t.Errorf("%s -> %d, want %d", code, got, want)
		}
	}
}
