// Package registry implements the unified capability registry: the
// mapping from a namespaced, outward-facing identifier to the child
// server that owns the underlying tool, resource, or prompt.
package registry

import (
	"log/slog"
	"sync"
)

// Kind distinguishes the three MCP capability categories plus resource
// templates.
type Kind int

const (
	KindTool Kind = iota
	KindResource
	KindPrompt
	KindResourceTemplate
)

// Entry is one unified capability. ServerAlias is stored explicitly
// (rather than recovered by splitting UnifiedName) so that dispatch
// never depends on aliases being free of the namespace delimiter —
// resolving the ambiguity spec.md raises about alias/name collisions.
type Entry struct {
	Kind         Kind
	UnifiedName  string // unified name for tools/prompts, unified URI for resources
	OriginalName string // original tool/prompt name, or original resource URI
	ServerAlias  string
	Title        string
	Description  string
	Schema       map[string]any // deep-copied at registration time
}

// Registry is the shared, concurrency-safe store of unified capabilities.
//
// A single RWMutex guards all four maps plus the reverse index; this is
// the "coarse lock" discipline spec.md's concurrency model calls for —
// writes (child up/down) are rare relative to reads (every dispatch).
type Registry struct {
	mu sync.RWMutex

	tools             map[string]Entry
	resources         map[string]Entry
	prompts           map[string]Entry
	resourceTemplates map[string]Entry

	// toolOrder/resourceOrder/promptOrder record insertion order so
	// list* responses are deterministic: config order of alias, then
	// child-reported order within that alias.
	toolOrder             []string
	resourceOrder         []string
	promptOrder           []string
	resourceTemplateOrder []string

	// byAlias is the reverse index: alias -> unified keys it owns,
	// partitioned by kind so RemoveByAlias deletes exactly those k map
	// keys without touching unrelated children's entries.
	byAlias map[string]*aliasEntries

	logger *slog.Logger
}

type aliasEntries struct {
	tools             []string
	resources         []string
	prompts           []string
	resourceTemplates []string
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:             make(map[string]Entry),
		resources:         make(map[string]Entry),
		prompts:           make(map[string]Entry),
		resourceTemplates: make(map[string]Entry),
		byAlias:           make(map[string]*aliasEntries),
		logger:            logger,
	}
}

func (r *Registry) mapFor(kind Kind) map[string]Entry {
	switch kind {
	case KindTool:
		return r.tools
	case KindResource:
		return r.resources
	case KindResourceTemplate:
		return r.resourceTemplates
	default:
		return r.prompts
	}
}

// Register inserts entry under its unified key. On collision the first
// registration wins and a warning is logged for the loser; Register
// reports whether the entry was actually inserted.
func (r *Registry) Register(entry Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.mapFor(entry.Kind)
	if _, exists := m[entry.UnifiedName]; exists {
		r.logger.Warn("capability collision: first registration wins",
			"unifiedName", entry.UnifiedName, "losingAlias", entry.ServerAlias)
		return false
	}

	m[entry.UnifiedName] = entry

	ae, ok := r.byAlias[entry.ServerAlias]
	if !ok {
		ae = &aliasEntries{}
		r.byAlias[entry.ServerAlias] = ae
	}

	switch entry.Kind {
	case KindTool:
		r.toolOrder = append(r.toolOrder, entry.UnifiedName)
		ae.tools = append(ae.tools, entry.UnifiedName)
	case KindResource:
		r.resourceOrder = append(r.resourceOrder, entry.UnifiedName)
		ae.resources = append(ae.resources, entry.UnifiedName)
	case KindPrompt:
		r.promptOrder = append(r.promptOrder, entry.UnifiedName)
		ae.prompts = append(ae.prompts, entry.UnifiedName)
	case KindResourceTemplate:
		r.resourceTemplateOrder = append(r.resourceTemplateOrder, entry.UnifiedName)
		ae.resourceTemplates = append(ae.resourceTemplates, entry.UnifiedName)
	}

	return true
}

// Lookup returns the entry for a unified key, if present.
func (r *Registry) Lookup(kind Kind, unifiedName string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.mapFor(kind)[unifiedName]
	return e, ok
}

// RemoveByAlias atomically removes every capability owned by alias,
// using the reverse index rather than a full re-query of surviving
// children, in place of the source's racy re-list-on-close behavior. The
// map deletions are O(k); each affected order slice is then filtered in
// one pass over its keys.
func (r *Registry) RemoveByAlias(alias string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ae, ok := r.byAlias[alias]
	if !ok {
		return
	}

	for _, key := range ae.tools {
		delete(r.tools, key)
	}
	for _, key := range ae.resources {
		delete(r.resources, key)
	}
	for _, key := range ae.prompts {
		delete(r.prompts, key)
	}
	for _, key := range ae.resourceTemplates {
		delete(r.resourceTemplates, key)
	}

	r.toolOrder = removeAll(r.toolOrder, ae.tools)
	r.resourceOrder = removeAll(r.resourceOrder, ae.resources)
	r.promptOrder = removeAll(r.promptOrder, ae.prompts)
	r.resourceTemplateOrder = removeAll(r.resourceTemplateOrder, ae.resourceTemplates)

	delete(r.byAlias, alias)
}

func removeAll(order []string, remove []string) []string {
	if len(remove) == 0 {
		return order
	}
	drop := make(map[string]bool, len(remove))
	for _, k := range remove {
		drop[k] = true
	}
	out := order[:0:0]
	for _, k := range order {
		if !drop[k] {
			out = append(out, k)
		}
	}
	return out
}

// Tools returns the registered tools in deterministic order: children in
// configuration order, capabilities within a child in the order the
// child reported them.
func (r *Registry) Tools() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.toolOrder))
	for _, key := range r.toolOrder {
		out = append(out, r.tools[key])
	}
	return out
}

// Resources mirrors Tools for the resource category.
func (r *Registry) Resources() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.resourceOrder))
	for _, key := range r.resourceOrder {
		out = append(out, r.resources[key])
	}
	return out
}

// Prompts mirrors Tools for the prompt category.
func (r *Registry) Prompts() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.promptOrder))
	for _, key := range r.promptOrder {
		out = append(out, r.prompts[key])
	}
	return out
}

// ResourceTemplates mirrors Tools for the resource-template category.
func (r *Registry) ResourceTemplates() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.resourceTemplateOrder))
	for _, key := range r.resourceTemplateOrder {
		out = append(out, r.resourceTemplates[key])
	}
	return out
}

// Counts returns the current size of each category, used by the
// stats://mcp-router-server resource.
func (r *Registry) Counts() (tools, resources, prompts int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools), len(r.resources), len(r.prompts)
}

// UnifiedName builds the namespaced identifier for a tool or prompt.
func UnifiedName(alias, original string) string {
	return alias + "_" + original
}

// UnifiedURI builds the namespaced identifier for a resource. The prefix
// token is concatenated directly onto the original URI; the scheme
// inside the trailing portion is preserved and read opaquely by clients.
func UnifiedURI(alias, originalURI string) string {
	return alias + "_" + originalURI
}
