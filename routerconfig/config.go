// Package routerconfig loads the declarative child-server configuration
// file consumed at startup by the supervisor.
package routerconfig

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/2b3pro/watson-mcp-router/supervisor"
)

// rawDocument mirrors the JSON shape read from disk.
type rawDocument struct {
	MCPServers map[string]rawServerEntry `json:"mcpServers"`
}

type rawServerEntry struct {
	Type     string            `json:"type"`
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	Cwd      string            `json:"cwd"`
	Disabled bool              `json:"disabled"`
	Timeout  int               `json:"timeout"` // milliseconds
}

// Load reads and parses the configuration file at path, returning the
// server configs in a deterministic order (sorted by alias, since JSON
// object key order is not preserved by encoding/json). Entries with a
// type other than "stdio" are skipped here with a logged warning and do
// not appear in the result.
func Load(path string, logger *slog.Logger) ([]supervisor.ServerConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routerconfig: read %s: %w", path, err)
	}

	var doc rawDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("routerconfig: parse %s: %w", path, err)
	}

	aliases := make([]string, 0, len(doc.MCPServers))
	for alias := range doc.MCPServers {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	configs := make([]supervisor.ServerConfig, 0, len(aliases))
	for _, alias := range aliases {
		entry := doc.MCPServers[alias]

		if alias == "" {
			return nil, fmt.Errorf("routerconfig: %s: empty alias is not permitted", path)
		}
		if entry.Type != "stdio" {
			logger.Warn("skipping server entry with unsupported type", "alias", alias, "type", entry.Type)
			continue
		}
		if entry.Command == "" {
			return nil, fmt.Errorf("routerconfig: %s: entry %q is missing required field \"command\"", path, alias)
		}

		cfg := supervisor.ServerConfig{
			Alias:     alias,
			Transport: "stdio",
			Command:   entry.Command,
			Args:      entry.Args,
			Env:       entry.Env,
			Cwd:       entry.Cwd,
			Disabled:  entry.Disabled,
		}
		if entry.Timeout > 0 {
			cfg.Timeout = time.Duration(entry.Timeout) * time.Millisecond
		}
		configs = append(configs, cfg)
	}

	return configs, nil
}

