package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/deckvoice/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.IsEmpty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.SessionChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_Session(t *testing.T) {
	t.Parallel()
	for _, mutate := range []func(*config.Config){
		func(c *config.Config) { c.Live.Instructions = "be brief" },
		func(c *config.Config) { c.Live.Model = "other" },
		func(c *config.Config) { c.Live.Voice = "Puck" },
	} {
		old, new := baseConfig(), baseConfig()
		mutate(new)
		if d := config.Diff(old, new); !d.SessionChanged {
			t.Errorf("SessionChanged = false for %+v", new.Live)
		}
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"
	new.Audio.BlockSize = 1024
	new.Board.PostgresDSN = "postgres://x"

	d := config.Diff(old, new)
	for _, want := range []string{"server.listen_addr", "audio", "board"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if d.SessionChanged {
		t.Error("SessionChanged should be false")
	}
}

func TestDiff_MCPServersRequireRestart(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.MCP.Servers = []config.MCPServerConfig{{Name: "notes", Command: "notes-mcp"}}

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "mcp") {
		t.Errorf("RestartRequired = %v, missing mcp", d.RestartRequired)
	}

	same := baseConfig()
	same.MCP.Servers = []config.MCPServerConfig{{Name: "notes", Command: "notes-mcp"}}
	if d := config.Diff(new, same); !d.IsEmpty() {
		t.Errorf("equal server lists should not differ, got %+v", d)
	}
}
