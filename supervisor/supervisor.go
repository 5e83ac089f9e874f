// Package supervisor materializes a declarative set of child server
// configurations into running processes, wires each one to an MCP
// client over stdio, runs capability discovery, and keeps the unified
// registry consistent with each child's lifecycle.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/2b3pro/watson-mcp-router/childtransport"
	"github.com/2b3pro/watson-mcp-router/mcpclient"
	"github.com/2b3pro/watson-mcp-router/registry"
)

// State is the lifecycle stage of a ChildRecord.
type State int

const (
	StateSpawning State = iota
	StateReady
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// defaultDiscoveryTimeout bounds the initialize/discovery sequence when
// a child config sets no per-call Timeout, so a child that connects but
// never answers initialize cannot hang Start indefinitely.
const defaultDiscoveryTimeout = 30 * time.Second

// ServerConfig describes one child server entry, read-only after load.
type ServerConfig struct {
	Alias     string
	Transport string // only "stdio" is recognized
	Command   string
	Args      []string
	Env       map[string]string
	Cwd       string
	Disabled  bool
	// Timeout is optional. It bounds the initialize/discovery sequence;
	// zero means defaultDiscoveryTimeout is used instead. Calls dispatched
	// to the child after discovery are not bounded by it.
	Timeout time.Duration
}

// ChildRecord is the supervisor's bookkeeping for one running child.
type ChildRecord struct {
	Alias  string
	Config ServerConfig
	Client *mcpclient.Client
	State  State

	cmd       *exec.Cmd
	transport *childtransport.Transport
	cancel    context.CancelFunc
}

// Supervisor owns every ChildRecord and keeps the registry in sync.
type Supervisor struct {
	mu       sync.RWMutex
	children map[string]*ChildRecord

	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a Supervisor bound to reg. Discovered capabilities are
// registered into reg and removed from it again on child exit.
func New(reg *registry.Registry, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		children: make(map[string]*ChildRecord),
		registry: reg,
		logger:   logger,
	}
}

// Start spawns every enabled entry in configs, in order. Spawn or
// discovery failure isolates to that one child; Start itself only
// fails if no children could be started at all would be too strict per
// spec.md — the outer startup succeeds as long as the HTTP listener can
// bind, so Start never returns an error for per-child failures.
func (s *Supervisor) Start(ctx context.Context, configs []ServerConfig) {
	for _, cfg := range configs {
		if cfg.Disabled {
			s.logger.Info("skipping disabled child", "alias", cfg.Alias)
			continue
		}
		if cfg.Transport != "stdio" {
			s.logger.Warn("skipping child with unsupported transport", "alias", cfg.Alias, "transport", cfg.Transport)
			continue
		}
		s.startChild(ctx, cfg)
	}
}

func (s *Supervisor) startChild(ctx context.Context, cfg ServerConfig) {
	rec := &ChildRecord{Alias: cfg.Alias, Config: cfg, State: StateSpawning}
	s.mu.Lock()
	s.children[cfg.Alias] = rec
	s.mu.Unlock()

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.failChild(cfg.Alias, fmt.Errorf("stdin pipe: %w", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		s.failChild(cfg.Alias, fmt.Errorf("stdout pipe: %w", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		s.failChild(cfg.Alias, fmt.Errorf("stderr pipe: %w", err))
		return
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		s.failChild(cfg.Alias, fmt.Errorf("spawn: %w", err))
		return
	}

	childCtx, cancel := context.WithCancel(ctx)
	transport := childtransport.New(stdout, stdin, stdout)
	transport.OnError(func(err error) {
		s.logger.Warn("malformed line from child", "alias", cfg.Alias, "error", err)
	})

	client := mcpclient.New(cfg.Alias, transport, mcpclient.WithLogger(s.logger))

	rec.cmd = cmd
	rec.cancel = cancel
	rec.transport = transport
	rec.Client = client

	go s.pumpStderr(cfg.Alias, stderr)
	go transport.Run(childCtx)
	go s.watchExit(cfg.Alias, cmd, cancel)

	discoveryTimeout := cfg.Timeout
	if discoveryTimeout <= 0 {
		discoveryTimeout = defaultDiscoveryTimeout
	}
	discoverCtx, dCancel := context.WithTimeout(childCtx, discoveryTimeout)
	defer dCancel()

	if _, err := client.Initialize(discoverCtx); err != nil {
		s.logger.Error("child failed to initialize", "alias", cfg.Alias, "error", err)
		s.failChild(cfg.Alias, err)
		cancel()
		_ = cmd.Process.Kill()
		return
	}

	s.discoverAndRegister(discoverCtx, cfg.Alias, client)

	s.mu.Lock()
	rec.State = StateReady
	s.mu.Unlock()
	s.logger.Info("child ready", "alias", cfg.Alias)
}

func (s *Supervisor) discoverAndRegister(ctx context.Context, alias string, client *mcpclient.Client) {
	for _, t := range client.ListTools(ctx) {
		schema := deepCopy(t.InputSchema)
		s.registry.Register(registry.Entry{
			Kind:         registry.KindTool,
			UnifiedName:  registry.UnifiedName(alias, t.Name),
			OriginalName: t.Name,
			ServerAlias:  alias,
			Description:  t.Description,
			Schema:       schema,
		})
	}

	for _, r := range client.ListResources(ctx) {
		s.registry.Register(registry.Entry{
			Kind:         registry.KindResource,
			UnifiedName:  registry.UnifiedURI(alias, r.URI),
			OriginalName: r.URI,
			ServerAlias:  alias,
			Title:        r.Name,
			Description:  r.Description,
			Schema:       map[string]any{"mimeType": r.MimeType},
		})
	}

	for _, rt := range client.ListResourceTemplates(ctx) {
		s.registry.Register(registry.Entry{
			Kind:         registry.KindResourceTemplate,
			UnifiedName:  registry.UnifiedURI(alias, rt.URITemplate),
			OriginalName: rt.URITemplate,
			ServerAlias:  alias,
			Title:        rt.Name,
			Description:  rt.Description,
			Schema:       map[string]any{"mimeType": rt.MimeType},
		})
	}

	for _, p := range client.ListPrompts(ctx) {
		args := make([]any, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, map[string]any{
				"name": a.Name, "description": a.Description, "required": a.Required,
			})
		}
		s.registry.Register(registry.Entry{
			Kind:         registry.KindPrompt,
			UnifiedName:  registry.UnifiedName(alias, p.Name),
			OriginalName: p.Name,
			ServerAlias:  alias,
			Description:  p.Description,
			Schema:       map[string]any{"arguments": args},
		})
	}
}

// deepCopy round-trips v through JSON so later mutation of the child's
// in-memory schema (or of a shared map literal) cannot corrupt what the
// registry stored.
func deepCopy(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func (s *Supervisor) pumpStderr(alias string, r io.ReadCloser) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Info("child stderr", "alias", alias, "line", scanner.Text())
	}
}

func (s *Supervisor) watchExit(alias string, cmd *exec.Cmd, cancel context.CancelFunc) {
	err := cmd.Wait()
	cancel()

	s.mu.Lock()
	rec, ok := s.children[alias]
	if ok {
		rec.State = StateExited
		delete(s.children, alias)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	s.registry.RemoveByAlias(alias)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	s.logger.Warn("child exited", "alias", alias, "exitCode", exitCode, "waitError", err)
}

func (s *Supervisor) failChild(alias string, err error) {
	s.mu.Lock()
	if rec, ok := s.children[alias]; ok {
		rec.State = StateFailed
	}
	s.mu.Unlock()
	s.logger.Error("child failed", "alias", alias, "error", err)
}

// Lookup returns the ChildRecord for alias, if one exists (in any
// state).
func (s *Supervisor) Lookup(alias string) (*ChildRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.children[alias]
	return rec, ok
}

// ReadyCount returns the number of children currently in the ready
// state, used by the stats resource.
func (s *Supervisor) ReadyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.children {
		if rec.State == StateReady {
			n++
		}
	}
	return n
}

// Shutdown sends the OS default termination signal to every child and
// clears the registry. It does not wait-and-kill with escalation; a
// single signal-and-clear pass is sufficient per spec.md §4.3.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	aliases := make([]string, 0, len(s.children))
	for alias, rec := range s.children {
		aliases = append(aliases, alias)
		if rec.cmd != nil && rec.cmd.Process != nil {
			_ = rec.cmd.Process.Signal(syscall.SIGTERM)
		}
		if rec.cancel != nil {
			rec.cancel()
		}
	}
	s.children = make(map[string]*ChildRecord)
	s.mu.Unlock()

	for _, alias := range aliases {
		s.registry.RemoveByAlias(alias)
	}
}

func mergeEnv(inherited []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return inherited
	}
	merged := make([]string, 0, len(inherited)+len(overrides))
	merged = append(merged, inherited...)
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	return merged
}
