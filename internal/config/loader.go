package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/deckvoice/internal/tools/mcptools"
)

// ValidProviderNames lists known provider names per provider kind.
var ValidProviderNames = map[string][]string{
	"live":   {"gemini", "openai"},
	"assets": {"static", "openai"},
}

// defaultAPIKeyEnv maps a provider name to its conventional credential
// variable.
var defaultAPIKeyEnv = map[string]string{
	"gemini": "GEMINI_API_KEY",
	"openai": "OPENAI_API_KEY",
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultLiveProvider     = "gemini"
	DefaultAssetsProvider   = "static"
	DefaultBlockSize        = 4096
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultToolTimeout      = 30 * time.Second
	DefaultToolConcurrency  = 4
	DefaultServiceName      = "deckvoice"
)

// maxBlockSize bounds audio.block_size.
const maxBlockSize = 1 << 16

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Live.Provider == "" {
		cfg.Live.Provider = DefaultLiveProvider
	}
	if cfg.Live.APIKeyEnv == "" {
		cfg.Live.APIKeyEnv = defaultAPIKeyEnv[cfg.Live.Provider]
	}

	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = DefaultBlockSize
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Audio.OutputChannels == 0 {
		cfg.Audio.OutputChannels = 1
	}

	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = DefaultToolTimeout
	}
	if cfg.Tools.Concurrency == 0 {
		cfg.Tools.Concurrency = DefaultToolConcurrency
	}
	for i := range cfg.MCP.Servers {
		if cfg.MCP.Servers[i].Transport == "" {
			cfg.MCP.Servers[i].Transport = mcptools.TransportStdio
		}
	}

	if cfg.Assets.Provider == "" {
		cfg.Assets.Provider = DefaultAssetsProvider
	}
	if cfg.Assets.APIKeyEnv == "" {
		cfg.Assets.APIKeyEnv = defaultAPIKeyEnv["openai"]
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if err := validateProviderName("live", cfg.Live.Provider); err != nil {
		errs = append(errs, err)
	}
	if err := validateProviderName("assets", cfg.Assets.Provider); err != nil {
		errs = append(errs, err)
	}
	if f := cfg.Assets.Fallback; f != "" {
		if err := validateProviderName("assets", f); err != nil {
			errs = append(errs, fmt.Errorf("assets.fallback: %w", err))
		} else if f == cfg.Assets.Provider {
			errs = append(errs, fmt.Errorf("assets.fallback %q must differ from assets.provider", f))
		}
	}
	if cfg.Live.OutboxCapacity < 0 {
		errs = append(errs, fmt.Errorf("live.outbox_capacity %d must not be negative", cfg.Live.OutboxCapacity))
	}

	// Audio
	if cfg.Audio.BlockSize < 0 || cfg.Audio.BlockSize > maxBlockSize {
		errs = append(errs, fmt.Errorf("audio.block_size %d is out of range [1, %d]", cfg.Audio.BlockSize, maxBlockSize))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"audio.input_sample_rate", cfg.Audio.InputSampleRate},
		{"audio.output_sample_rate", cfg.Audio.OutputSampleRate},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must be positive", f.name, f.v))
		}
	}
	if cfg.Audio.OutputChannels < 0 || cfg.Audio.OutputChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d must be 1 or 2", cfg.Audio.OutputChannels))
	}

	// Tools
	if cfg.Tools.Timeout < 0 {
		errs = append(errs, fmt.Errorf("tools.timeout %s must not be negative", cfg.Tools.Timeout))
	}
	if cfg.Tools.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("tools.concurrency %d must not be negative", cfg.Tools.Concurrency))
	}

	// MCP
	seen := make(map[string]bool, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if seen[srv.Name] {
			errs = append(errs, fmt.Errorf("%s.name %q is duplicated", prefix, srv.Name))
		}
		seen[srv.Name] = true
		switch {
		case srv.Transport != "" && !srv.Transport.IsValid():
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		case srv.Transport == mcptools.TransportStreamableHTTP && srv.URL == "":
			errs = append(errs, fmt.Errorf("%s.url is required for streamable-http transport", prefix))
		case srv.Transport != mcptools.TransportStreamableHTTP && srv.Command == "":
			errs = append(errs, fmt.Errorf("%s.command is required for stdio transport", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName rejects a non-empty name that is not listed in
// [ValidProviderNames] for kind.
func validateProviderName(kind, name string) error {
	if name == "" {
		return nil
	}
	known := ValidProviderNames[kind]
	if slices.Contains(known, name) {
		return nil
	}
	return fmt.Errorf("%s.provider %q is unknown; valid values: %v", kind, name, known)
}

// Credentials holds the secrets resolved from the environment.
type Credentials struct {
	Live   string
	Assets string
}

// ResolveCredentials reads the credentials named by cfg through getenv
// (usually [os.Getenv]). Every missing credential is reported as a
// *[ConfigurationError]; the errors are joined.
func ResolveCredentials(cfg *Config, getenv func(string) string) (Credentials, error) {
	var (
		creds Credentials
		errs  []error
	)

	creds.Live = getenv(cfg.Live.APIKeyEnv)
	if cfg.Live.APIKeyEnv == "" {
		errs = append(errs, &ConfigurationError{Field: "live.api_key_env", Reason: "no credential variable configured"})
	} else if creds.Live == "" {
		errs = append(errs, &ConfigurationError{
			Field:  "live.api_key_env",
			Reason: fmt.Sprintf("environment variable %s is not set", cfg.Live.APIKeyEnv),
		})
	}

	if cfg.Assets.Provider == "openai" {
		creds.Assets = getenv(cfg.Assets.APIKeyEnv)
		if creds.Assets == "" {
			errs = append(errs, &ConfigurationError{
				Field:  "assets.api_key_env",
				Reason: fmt.Sprintf("environment variable %s is not set", cfg.Assets.APIKeyEnv),
			})
		}
	}
	return creds, errors.Join(errs...)
}
