// Package dispatch implements the outward-facing mcp.ToolHandler,
// mcp.ResourceHandler, and mcp.PromptHandler by translating unified
// identifiers back into a child alias and original name, then proxying
// the call onto that child's MCP client.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2b3pro/watson-mcp-router/mcp"
	"github.com/2b3pro/watson-mcp-router/registry"
	"github.com/2b3pro/watson-mcp-router/supervisor"
)

// statsURI is the always-present, non-namespaced resource exposing
// aggregate router state.
const statsURI = "stats://mcp-router-server"

// Aggregator wraps a Registry and a Supervisor behind the three MCP
// handler interfaces. It holds no state of its own beyond the start time
// passed to New, used to compute uptime for the stats resource.
type Aggregator struct {
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	logger     *slog.Logger
	startedAt  time.Time
}

// New creates an Aggregator. startedAt should be the process start
// time, not the time New is called, so uptime reflects the whole
// router rather than just the dispatch layer's lifetime.
func New(reg *registry.Registry, sup *supervisor.Supervisor, logger *slog.Logger, startedAt time.Time) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{registry: reg, supervisor: sup, logger: logger, startedAt: startedAt}
}

// ListTools satisfies mcp.ToolHandler.
func (a *Aggregator) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	entries := a.registry.Tools()
	out := make([]mcp.Tool, 0, len(entries))
	for _, e := range entries {
		out = append(out, mcp.Tool{
			Name:        e.UnifiedName,
			Description: e.Description,
			InputSchema: schemaFromEntry(e.Schema),
		})
	}
	return out, nil
}

func schemaFromEntry(raw map[string]any) mcp.InputSchema {
	schema := mcp.InputSchema{Type: "object"}
	if raw == nil {
		return schema
	}
	if t, ok := raw["type"].(string); ok {
		schema.Type = t
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		schema.Properties = props
	}
	if req, ok := raw["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}

// CallTool satisfies mcp.ToolHandler. Any failure — unready child or
// transport error — is returned as a normal in-band tool result with
// isError set, per the unified proxy's passthrough contract. On
// success the child's raw result map is forwarded verbatim: content,
// structuredContent, and _meta are not decoded into a narrower shape,
// so nothing the child attached is dropped on the way out.
func (a *Aggregator) CallTool(ctx context.Context, params mcp.ToolCallParams) (map[string]any, error) {
	entry, ok := a.registry.Lookup(registry.KindTool, params.Name)
	if !ok {
		return toolError(fmt.Sprintf("unknown tool: %s", params.Name)), nil
	}

	rec, ready := a.readyChild(entry.ServerAlias)
	if !ready {
		return toolError(fmt.Sprintf("server %q is not available", entry.ServerAlias)), nil
	}

	raw, err := rec.Client.CallTool(ctx, entry.OriginalName, params.Arguments)
	if err != nil {
		a.logger.Warn("tool call failed", "tool", params.Name, "alias", entry.ServerAlias, "error", err)
		return toolError(err.Error()), nil
	}
	return raw, nil
}

func toolError(message string) map[string]any {
	return map[string]any{
		"isError": true,
		"content": []map[string]any{{"type": "text", "text": message}},
	}
}

// ListResources satisfies mcp.ResourceHandler, with the synthetic stats
// resource always prepended.
func (a *Aggregator) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	entries := a.registry.Resources()
	out := make([]mcp.Resource, 0, len(entries)+1)
	out = append(out, mcp.Resource{URI: statsURI, Name: "MCP Router Stats"})
	for _, e := range entries {
		out = append(out, mcp.Resource{URI: e.UnifiedName, Name: e.Title})
	}
	return out, nil
}

// ReadResource satisfies mcp.ResourceHandler. On success the child's
// raw result map is forwarded verbatim, preserving mimeType, blob, and
// any other fields the narrower mcp.ResourceContent shape would drop.
func (a *Aggregator) ReadResource(ctx context.Context, params mcp.ResourceParams) (map[string]any, error) {
	if params.URI == statsURI {
		return a.readStats(), nil
	}

	entry, ok := a.registry.Lookup(registry.KindResource, params.URI)
	if !ok {
		return nil, fmt.Errorf("unknown resource: %s", params.URI)
	}

	rec, ready := a.readyChild(entry.ServerAlias)
	if !ready {
		return nil, fmt.Errorf("server %q is not available", entry.ServerAlias)
	}

	raw, err := rec.Client.ReadResource(ctx, entry.OriginalName)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", params.URI, err)
	}
	return raw, nil
}

// ListResourceTemplates satisfies mcp.ResourceHandler. Templates are
// passed through as discovered and are not namespaced beyond already
// being scoped to their owning server at discovery time.
func (a *Aggregator) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	entries := a.registry.ResourceTemplates()
	out := make([]mcp.ResourceTemplate, 0, len(entries))
	for _, e := range entries {
		mimeType, _ := e.Schema["mimeType"].(string)
		out = append(out, mcp.ResourceTemplate{
			URITemplate: e.UnifiedName,
			Name:        e.Title,
			Description: e.Description,
			MimeType:    mimeType,
		})
	}
	return out, nil
}

type statsPayload struct {
	ActiveServers int `json:"activeServers"`
	ToolCount     int `json:"toolCount"`
	ResourceCount int `json:"resourceCount"`
	PromptCount   int `json:"promptCount"`
	UptimeSeconds int `json:"uptimeSeconds"`
}

func (a *Aggregator) readStats() map[string]any {
	tools, resources, prompts := a.registry.Counts()
	payload := statsPayload{
		ActiveServers: a.supervisor.ReadyCount(),
		ToolCount:     tools,
		ResourceCount: resources,
		PromptCount:   prompts,
		UptimeSeconds: int(time.Since(a.startedAt).Seconds()),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte("{}")
	}
	return map[string]any{
		"contents": []map[string]any{{"uri": statsURI, "text": string(b)}},
	}
}

// ListPrompts satisfies mcp.PromptHandler.
func (a *Aggregator) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	entries := a.registry.Prompts()
	out := make([]mcp.Prompt, 0, len(entries))
	for _, e := range entries {
		out = append(out, mcp.Prompt{Name: e.UnifiedName, Description: e.Description})
	}
	return out, nil
}

// GetPrompt satisfies mcp.PromptHandler. On success the child's raw
// result map is forwarded verbatim, including a top-level description
// or any non-text message content the narrower mcp.PromptResponse
// shape would drop.
func (a *Aggregator) GetPrompt(ctx context.Context, params mcp.PromptParams) (map[string]any, error) {
	entry, ok := a.registry.Lookup(registry.KindPrompt, params.Name)
	if !ok {
		return nil, fmt.Errorf("unknown prompt: %s", params.Name)
	}

	rec, ready := a.readyChild(entry.ServerAlias)
	if !ready {
		return nil, fmt.Errorf("server %q is not available", entry.ServerAlias)
	}

	raw, err := rec.Client.GetPrompt(ctx, entry.OriginalName, params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("get prompt %s: %w", params.Name, err)
	}
	return raw, nil
}

// RouterStats satisfies transport.StatsProvider, used by the HTTP
// transport's status page.
func (a *Aggregator) RouterStats() (activeServers, toolCount, resourceCount, promptCount int) {
	toolCount, resourceCount, promptCount = a.registry.Counts()
	activeServers = a.supervisor.ReadyCount()
	return
}

// readyChild looks up the ChildRecord for alias and reports whether it
// is currently in the ready state — the one precondition spec.md's
// dispatch step requires before translating a call.
func (a *Aggregator) readyChild(alias string) (*supervisor.ChildRecord, bool) {
	rec, ok := a.supervisor.Lookup(alias)
	if !ok || rec.State != supervisor.StateReady {
		return nil, false
	}
	return rec, true
}
