package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2b3pro/watson-mcp-router/mcp"
	"github.com/2b3pro/watson-mcp-router/server"
)

// fakeHandler satisfies mcp.ToolHandler, mcp.ResourceHandler, and
// mcp.PromptHandler with enough behavior to exercise the transport
// without a real supervisor or registry.
type fakeHandler struct{}

func (fakeHandler) ListTools(ctx context.Context) ([]mcp.Tool, error) { return nil, nil }
func (fakeHandler) CallTool(ctx context.Context, params mcp.ToolCallParams) (map[string]any, error) {
	return map[string]any{}, nil
}
func (fakeHandler) ListResources(ctx context.Context) ([]mcp.Resource, error) { return nil, nil }
func (fakeHandler) ReadResource(ctx context.Context, params mcp.ResourceParams) (map[string]any, error) {
	return map[string]any{}, nil
}
func (fakeHandler) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return nil, nil
}
func (fakeHandler) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) { return nil, nil }
func (fakeHandler) GetPrompt(ctx context.Context, params mcp.PromptParams) (map[string]any, error) {
	return map[string]any{}, nil
}

func newTestTransportServer(t *testing.T) (*HTTPTransport, *httptest.Server) {
	t.Helper()
	h := fakeHandler{}
	srv, err := server.NewMCPServer("test-router", "0.0.1", h, h, h)
	if err != nil {
		t.Fatalf("NewMCPServer: %v", err)
	}

	transport := NewHTTP(0, 5*time.Second, 5*time.Second, 30*time.Second, time.Second, 5*time.Second)
	ts := httptest.NewServer(transport.Handler(context.Background(), srv))
	t.Cleanup(ts.Close)
	return transport, ts
}

func postJSON(t *testing.T, ts *httptest.Server, body string, sessionID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set(headerMCPSessionID, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestPostWithUnknownSessionIDReturnsExactBadRequestBody(t *testing.T) {
	_, ts := newTestTransportServer(t)

	resp := postJSON(t, ts, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, "not-a-real-session")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	var decoded mcp.Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.JSONRPC != "2.0" || decoded.ID != nil {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}
	if decoded.Error == nil || decoded.Error.Code != -32000 || decoded.Error.Message != "Bad Request: No valid session ID provided" {
		t.Fatalf("unexpected error body: %+v", decoded.Error)
	}
}

func TestPostWithoutSessionIDRequiresInitialize(t *testing.T) {
	_, ts := newTestTransportServer(t)

	resp := postJSON(t, ts, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-initialize request with no session, got %d", resp.StatusCode)
	}
}

func TestInitializeMintsSessionIDHeader(t *testing.T) {
	_, ts := newTestTransportServer(t)

	resp := postJSON(t, ts, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	sessionID := resp.Header.Get(headerMCPSessionID)
	if sessionID == "" {
		t.Fatal("expected a minted Mcp-Session-Id header")
	}

	var decoded mcp.Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Error != nil {
		t.Fatalf("unexpected error in initialize response: %+v", decoded.Error)
	}
}

func TestSubsequentRequestReusesMintedSession(t *testing.T) {
	_, ts := newTestTransportServer(t)

	initResp := postJSON(t, ts, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, "")
	sessionID := initResp.Header.Get(headerMCPSessionID)
	initResp.Body.Close()

	resp := postJSON(t, ts, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, sessionID)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 reusing a valid session, got %d", resp.StatusCode)
	}
}

func TestGetWithoutValidSessionReturns400(t *testing.T) {
	_, ts := newTestTransportServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDeleteInvalidatesSession(t *testing.T) {
	_, ts := newTestTransportServer(t)

	initResp := postJSON(t, ts, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, "")
	sessionID := initResp.Header.Get(headerMCPSessionID)
	initResp.Body.Close()

	delReq, err := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	delReq.Header.Set(headerMCPSessionID, sessionID)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("do delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", delResp.StatusCode)
	}

	resp := postJSON(t, ts, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, sessionID)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 after session deletion, got %d", resp.StatusCode)
	}
}

func TestDeleteUnknownSessionReturns400(t *testing.T) {
	_, ts := newTestTransportServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(headerMCPSessionID, "never-existed")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthEndpointReportsHealthy(t *testing.T) {
	_, ts := newTestTransportServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var decoded map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded["status"] != "healthy" {
		t.Fatalf("unexpected health payload: %+v", decoded)
	}
}

func TestStatusPageRendersWithoutAStatsProvider(t *testing.T) {
	_, ts := newTestTransportServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

type fakeStats struct{}

func (fakeStats) RouterStats() (activeServers, toolCount, resourceCount, promptCount int) {
	return 2, 5, 3, 1
}

func TestStatusPageUsesWiredStatsProvider(t *testing.T) {
	transport, ts := newTestTransportServer(t)
	transport.SetStats(fakeStats{})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "5 / 3 / 1") {
		t.Fatalf("expected status page to show the provider's counts 5 / 3 / 1, got %s", body)
	}
}
