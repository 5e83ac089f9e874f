// Package mcpclient implements a minimal MCP client specialized for
// talking to a single child server over a childtransport.Transport.
//
// It owns request/response correlation and the discovery sequence
// (initialize, tools/list, resources/list, prompts/list) a child server
// must go through before it is usable by the router.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2b3pro/watson-mcp-router/childtransport"
)

const protocolVersion = "2025-03-26"

// RPCError mirrors a JSON-RPC error object returned by a child.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("child returned error %d: %s", e.Code, e.Message)
}

// pendingRequest is the bookkeeping kept for one in-flight call.
type pendingRequest struct {
	resultCh chan childtransport.Message
}

// Client is a JSON-RPC 2.0 client for a single child MCP server.
type Client struct {
	alias     string
	transport *childtransport.Transport
	logger    *slog.Logger

	nextID   atomic.Uint64
	pending  sync.Map // id (uint64) -> *pendingRequest
	notifyFn func(method string, params any)

	mu     sync.Mutex
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithNotificationHandler registers a callback for server-initiated
// notifications (messages with a method and no id). Unused by the core
// dispatch path today, but notifications are always accepted without
// error even when no handler is registered.
func WithNotificationHandler(f func(method string, params any)) Option {
	return func(c *Client) { c.notifyFn = f }
}

// New creates a client for the named child (used only for logging) over
// the given transport. The transport's callbacks are wired to this
// client; callers must not also register their own OnMessage/OnClose.
func New(alias string, t *childtransport.Transport, opts ...Option) *Client {
	c := &Client{
		alias:     alias,
		transport: t,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	t.OnMessage(c.handleMessage)
	t.OnClose(c.Close)
	return c
}

func (c *Client) handleMessage(msg childtransport.Message) {
	if rawID, hasID := msg["id"]; hasID && rawID != nil {
		id, ok := numericID(rawID)
		if !ok {
			return
		}
		if v, ok := c.pending.LoadAndDelete(id); ok {
			pr := v.(*pendingRequest)
			pr.resultCh <- msg
		}
		return
	}

	method, _ := msg["method"].(string)
	if method == "" {
		return
	}
	if c.notifyFn != nil {
		c.notifyFn(method, msg["params"])
	}
}

func numericID(v any) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		return uint64(n), true
	case uint64:
		return n, true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}

// call issues a request and blocks for the matching response, honoring
// ctx cancellation/deadline. On timeout or transport closure the pending
// entry is removed and an error is returned.
func (c *Client) call(ctx context.Context, method string, params any) (childtransport.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("mcpclient(%s): transport closed", c.alias)
	}
	c.mu.Unlock()

	id := c.nextID.Add(1)
	pr := &pendingRequest{resultCh: make(chan childtransport.Message, 1)}
	c.pending.Store(id, pr)

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}

	sent := make(chan error, 1)
	go func() { sent <- c.transport.Send(req) }()
	select {
	case <-ctx.Done():
		c.pending.Delete(id)
		return nil, fmt.Errorf("mcpclient(%s): %s: %w", c.alias, method, ctx.Err())
	case err := <-sent:
		if err != nil {
			c.pending.Delete(id)
			return nil, fmt.Errorf("mcpclient(%s): send %s: %w", c.alias, method, err)
		}
	}

	select {
	case <-ctx.Done():
		c.pending.Delete(id)
		return nil, fmt.Errorf("mcpclient(%s): %s: %w", c.alias, method, ctx.Err())
	case msg := <-pr.resultCh:
		if errObj, ok := msg["error"]; ok && errObj != nil {
			return nil, decodeRPCError(errObj)
		}
		return msg, nil
	}
}

func decodeRPCError(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("child returned an unparseable error")
	}
	var rpcErr RPCError
	if err := json.Unmarshal(b, &rpcErr); err != nil {
		return fmt.Errorf("child returned an unparseable error")
	}
	return &rpcErr
}

// Close marks the client closed and fails every still-pending request.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.pending.Range(func(key, value any) bool {
		v, ok := c.pending.LoadAndDelete(key)
		if !ok {
			return true
		}
		pr := v.(*pendingRequest)
		pr.resultCh <- childtransport.Message{
			"error": map[string]any{"code": -32000, "message": "transport closed"},
		}
		return true
	})

	_ = c.transport.Close()
}

// InitializeResult is the subset of the child's initialize response the
// router cares about.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// Initialize performs the MCP initialize handshake.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	msg, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "watson-mcp-router", "version": "1.0.0"},
	})
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if err := decodeResult(msg, &result); err != nil {
		return nil, fmt.Errorf("mcpclient(%s): decode initialize result: %w", c.alias, err)
	}

	// Best-effort initialized notification; MCP does not require the
	// router to wait for or retry this.
	_ = c.transport.Send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	})

	return &result, nil
}

func decodeResult(msg childtransport.Message, target any) error {
	raw, ok := msg["result"]
	if !ok {
		return fmt.Errorf("message has no result field")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, target)
}

// ToolDescriptor mirrors one entry of a tools/list response.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ResourceDescriptor mirrors one entry of a resources/list response.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// PromptDescriptor mirrors one entry of a prompts/list response.
type PromptDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Arguments   []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Required    bool   `json:"required"`
	} `json:"arguments"`
}

// ResourceTemplateDescriptor mirrors one entry of a
// resources/templates/list response.
type ResourceTemplateDescriptor struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// listTimeout bounds each discovery list call independently of the
// caller's ctx so one slow category cannot block the others indefinitely
// during startup discovery.
const listTimeout = 10 * time.Second

// ListTools returns the child's tools, or an empty list (with a logged
// warning) if the child's response is missing or malformed. A list-call
// error during discovery is never fatal to the child.
func (c *Client) ListTools(ctx context.Context) []ToolDescriptor {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	msg, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		c.logger.Warn("tools/list failed", "alias", c.alias, "error", err)
		return nil
	}

	var body struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := decodeResult(msg, &body); err != nil {
		c.logger.Warn("tools/list: malformed response, treating as empty", "alias", c.alias, "error", err)
		return nil
	}
	if body.Tools == nil {
		c.logger.Warn("tools/list: response has no tools array, treating as empty", "alias", c.alias)
	}
	return body.Tools
}

// ListResources mirrors ListTools for the resources category.
func (c *Client) ListResources(ctx context.Context) []ResourceDescriptor {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	msg, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		c.logger.Warn("resources/list failed", "alias", c.alias, "error", err)
		return nil
	}

	var body struct {
		Resources []ResourceDescriptor `json:"resources"`
	}
	if err := decodeResult(msg, &body); err != nil {
		c.logger.Warn("resources/list: malformed response, treating as empty", "alias", c.alias, "error", err)
		return nil
	}
	if body.Resources == nil {
		c.logger.Warn("resources/list: response has no resources array, treating as empty", "alias", c.alias)
	}
	return body.Resources
}

// ListPrompts mirrors ListTools for the prompts category.
func (c *Client) ListPrompts(ctx context.Context) []PromptDescriptor {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	msg, err := c.call(ctx, "prompts/list", nil)
	if err != nil {
		c.logger.Warn("prompts/list failed", "alias", c.alias, "error", err)
		return nil
	}

	var body struct {
		Prompts []PromptDescriptor `json:"prompts"`
	}
	if err := decodeResult(msg, &body); err != nil {
		c.logger.Warn("prompts/list: malformed response, treating as empty", "alias", c.alias, "error", err)
		return nil
	}
	if body.Prompts == nil {
		c.logger.Warn("prompts/list: response has no prompts array, treating as empty", "alias", c.alias)
	}
	return body.Prompts
}

// ListResourceTemplates mirrors ListTools for the resource-templates
// category. Many children do not implement this method at all; an
// error here is treated the same as an empty list rather than failing
// discovery.
func (c *Client) ListResourceTemplates(ctx context.Context) []ResourceTemplateDescriptor {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	msg, err := c.call(ctx, "resources/templates/list", nil)
	if err != nil {
		c.logger.Warn("resources/templates/list failed", "alias", c.alias, "error", err)
		return nil
	}

	var body struct {
		ResourceTemplates []ResourceTemplateDescriptor `json:"resourceTemplates"`
	}
	if err := decodeResult(msg, &body); err != nil {
		c.logger.Warn("resources/templates/list: malformed response, treating as empty", "alias", c.alias, "error", err)
		return nil
	}
	if body.ResourceTemplates == nil {
		c.logger.Warn("resources/templates/list: response has no resourceTemplates array, treating as empty", "alias", c.alias)
	}
	return body.ResourceTemplates
}

// CallTool forwards a tools/call to the child and returns its raw
// result object (content array, _meta, etc.) verbatim.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (map[string]any, error) {
	msg, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}
	result, _ := msg["result"].(map[string]any)
	return result, nil
}

// ReadResource forwards a resources/read to the child.
func (c *Client) ReadResource(ctx context.Context, uri string) (map[string]any, error) {
	msg, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	result, _ := msg["result"].(map[string]any)
	return result, nil
}

// GetPrompt forwards a prompts/get to the child.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]any) (map[string]any, error) {
	msg, err := c.call(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}
	result, _ := msg["result"].(map[string]any)
	return result, nil
}
