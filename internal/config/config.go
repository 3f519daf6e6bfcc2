// Package config loads machine's settings from its YAML settings file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	_ "embed"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"github.com/machinecore/machine/internal/engine"
	"github.com/machinecore/machine/internal/errs"
)

//go:embed config_template.yml
var configTemplate string

// Model represents an LLM model reachable through one of the configured APIs.
type Model struct {
	Name           string
	API            string
	Aliases        []string `yaml:"aliases"`
	Fallback       string   `yaml:"fallback"`
	ThinkingBudget int      `yaml:"thinking-budget,omitempty"`
}

// API represents a provider endpoint and its models.
type API struct {
	Name      string
	APIKey    string           `yaml:"api-key"`
	APIKeyEnv string           `yaml:"api-key-env"`
	APIKeyCmd string           `yaml:"api-key-cmd"`
	BaseURL   string           `yaml:"base-url"`
	Models    map[string]Model `yaml:"models"`
	User      string           `yaml:"user"`
}

// APIs is a type alias to allow custom YAML decoding.
type APIs []API

// UnmarshalYAML implements sorted API YAML decoding.
func (apis *APIs) UnmarshalYAML(node *yaml.Node) error {
	for i := 0; i < len(node.Content); i += 2 {
		var api API
		if err := node.Content[i+1].Decode(&api); err != nil {
			return fmt.Errorf("error decoding YAML file: %s", err)
		}
		api.Name = node.Content[i].Value
		*apis = append(*apis, api)
	}
	return nil
}

// MCPServerConfig holds configuration for an MCP server.
type MCPServerConfig struct {
	Type    string   `yaml:"type"`
	Command string   `yaml:"command"`
	Env     []string `yaml:"env"`
	Args    []string `yaml:"args"`
	URL     string   `yaml:"url"`
}

// Settings holds persisted configuration loaded from the YAML settings file
// and environment variables.
type Settings struct {
	API     string `yaml:"default-api" env:"API"`
	Model   string `yaml:"default-model" env:"MODEL"`
	Profile string `yaml:"default-profile" env:"PROFILE"`

	// Agent loop bounds.
	MaxIterations  int           `yaml:"max-iterations" env:"MAX_ITERATIONS"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxToolRetries int           `yaml:"max-tool-retries" env:"MAX_TOOL_RETRIES"`
	AllowSampling  bool          `yaml:"allow-sampling" env:"ALLOW_SAMPLING"`

	Temperature float64 `yaml:"temp" env:"TEMP"`
	TopP        float64 `yaml:"topp" env:"TOPP"`
	MaxTokens   int64   `yaml:"max-tokens" env:"MAX_TOKENS"`
	User        string  `yaml:"user" env:"MACHINE_USER"`

	Quiet     bool   `yaml:"quiet" env:"QUIET"`
	Raw       bool   `yaml:"raw" env:"RAW"`
	WordWrap  int    `yaml:"word-wrap" env:"WORD_WRAP"`
	CachePath string `yaml:"cache-path" env:"CACHE_PATH"`
	NoCache   bool   `yaml:"no-cache" env:"NO_CACHE"`
	HTTPProxy string `yaml:"http-proxy" env:"HTTP_PROXY"`

	APIs APIs `yaml:"apis"`

	MCPServers      map[string]MCPServerConfig `yaml:"mcp-servers"`
	MCPDisable      []string                   `yaml:"mcp-disable" env:"MCP_DISABLE"`
	MCPTimeout      time.Duration              `yaml:"mcp-timeout" env:"MCP_TIMEOUT"`
	MCPNoInheritEnv bool                       `yaml:"mcp-no-inherit-env" env:"MCP_NO_INHERIT_ENV"`
}

// Runtime holds CLI/runtime-only options that should not be loaded from the
// settings file.
type Runtime struct {
	SettingsPath string

	ContinueLast bool
	Continue     string
	Title        string
	ShowLast     bool
	Show         string

	Delete          []string
	DeleteOlderThan time.Duration

	CopyToClipboard bool
	CheckSchemas    bool

	CacheReadFromID string
	CacheWriteToID  string
}

// Config is the application configuration (settings + runtime-only options).
//
// Settings fields are promoted for ergonomic access, but runtime fields are
// explicitly excluded from YAML/env parsing.
type Config struct {
	Settings `yaml:",inline"`
	Runtime  `yaml:"-" env:"-"`
}

// Agent builds the validated engine configuration out of the loaded
// settings. By the time this runs, explicit flag values have been applied on
// top of environment and file defaults, so explicit values win.
func (c *Config) Agent() (engine.Config, error) {
	cfg := engine.Config{
		MaxIterations:  c.MaxIterations,
		Timeout:        c.Timeout,
		MaxToolRetries: c.MaxToolRetries,
		AllowSampling:  c.AllowSampling,
	}
	if err := cfg.Validate(); err != nil {
		return engine.Config{}, errs.Error{Err: err, Reason: "Invalid agent configuration."}
	}
	return cfg, nil
}

// Ensure loads settings from disk and environment and applies defaults.
//
// It also creates the default settings file if it does not exist.
func Ensure() (Config, error) {
	var c Config
	home, err := os.UserHomeDir()
	if err != nil {
		return c, errs.Error{Err: err, Reason: "Could not determine home directory."}
	}

	sp := filepath.Join(home, ".config", "machine", "machine.yml")
	c.SettingsPath = sp

	// Negative sampling values mean provider defaults; zero is a valid
	// explicit setting, so the fallback must be seeded before decoding.
	c.Temperature = -1
	c.TopP = -1

	dir := filepath.Dir(sp)
	if dirErr := os.MkdirAll(dir, 0o700); dirErr != nil {
		return c, errs.Error{Err: dirErr, Reason: "Could not create config directory."}
	}

	if dirErr := WriteConfigFile(sp); dirErr != nil {
		return c, dirErr
	}
	content, err := os.ReadFile(sp)
	if err != nil {
		return c, errs.Error{Err: err, Reason: "Could not read settings file."}
	}
	if err := yaml.Unmarshal(content, &c); err != nil {
		return c, errs.Error{Err: err, Reason: "Could not parse settings file."}
	}

	if err := env.ParseWithOptions(&c, env.Options{Prefix: "MACHINE_"}); err != nil {
		return c, errs.Error{Err: err, Reason: "Could not parse environment into settings file."}
	}

	if c.CachePath == "" {
		c.CachePath = filepath.Join(home, ".config", "machine", "history")
	}
	if err := os.MkdirAll(filepath.Join(c.CachePath, "conversations"), 0o700); err != nil {
		return c, errs.Error{Err: err, Reason: "Could not create cache directory."}
	}

	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Config) {
	def := Default()
	if c.MaxIterations == 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.MCPTimeout == 0 {
		c.MCPTimeout = def.MCPTimeout
	}
	if c.WordWrap == 0 {
		c.WordWrap = def.WordWrap
	}
	if c.Profile == "" {
		c.Profile = def.Profile
	}
}

// WriteConfigFile creates the config file at path if it does not exist.
func WriteConfigFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createConfigFile(path)
	} else if err != nil {
		return errs.Error{Err: err, Reason: "Could not stat path."}
	}
	return nil
}

func createConfigFile(path string) error {
	tmpl := template.Must(template.New("config").Parse(configTemplate))

	f, err := os.Create(path)
	if err != nil {
		return errs.Error{Err: err, Reason: "Could not create configuration file."}
	}
	defer func() { _ = f.Close() }()

	m := struct{ Config Config }{Config: Default()}
	if err := tmpl.Execute(f, m); err != nil {
		return errs.Error{Err: err, Reason: "Could not render template."}
	}
	return nil
}

// Default returns the default configuration values.
func Default() Config {
	return Config{
		Settings: Settings{
			Profile:        "chat",
			Temperature:    -1,
			TopP:           -1,
			MaxIterations:  engine.DefaultMaxIterations,
			Timeout:        engine.DefaultTimeout,
			MaxToolRetries: engine.DefaultMaxToolRetries,
			MCPTimeout:     15 * time.Second,
			WordWrap:       80,
		},
	}
}
