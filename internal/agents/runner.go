package agents

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/go-shellwords"
	mmcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/machinecore/machine/internal/config"
	"github.com/machinecore/machine/internal/engine"
	"github.com/machinecore/machine/internal/errs"
	"github.com/machinecore/machine/internal/llm"
	"github.com/machinecore/machine/internal/mcp"
)

// Runner builds ready-to-run engines out of the loaded configuration.
//
// It is intentionally UI-agnostic: headless commands and any future
// interactive surface go through the same construction path.
type Runner struct {
	cfg *config.Config
	mcp *mcp.Service
}

// NewRunner creates a runner. A nil mcpSvc builds a default one over the
// configured servers.
func NewRunner(cfg *config.Config, mcpSvc *mcp.Service) *Runner {
	if mcpSvc == nil {
		mcpSvc = mcp.New(cfg)
	}
	return &Runner{cfg: cfg, mcp: mcpSvc}
}

// Agent is a built engine plus the resolved profile and model metadata.
type Agent struct {
	Engine  *engine.Engine
	Profile Profile
	Model   config.Model
}

// Build resolves the named profile (the configured default when empty), the
// model, and the provider credentials, and assembles the engine behind them.
func (r *Runner) Build(ctx context.Context, profileName string) (Agent, error) {
	cfg := r.cfg
	if profileName == "" {
		profileName = cfg.Profile
	}
	profile, err := Get(profileName)
	if err != nil {
		return Agent{}, err
	}

	api, mod, err := resolveModel(cfg)
	if err != nil {
		return Agent{}, err
	}
	// Keep runtime cfg in sync with resolved model.
	cfg.API = mod.API
	cfg.Model = mod.Name

	providerCfg, err := providerConfig(ctx, mod, api, cfg)
	if err != nil {
		return Agent{}, err
	}
	if err := ApplyProxyConfig(cfg.HTTPProxy, &providerCfg); err != nil {
		return Agent{}, err
	}

	client, err := llm.New(providerCfg)
	if err != nil {
		return Agent{}, err
	}

	agentCfg, err := cfg.Agent()
	if err != nil {
		return Agent{}, err
	}

	tools := &timeoutToolset{
		svc:     r.mcp.Restrict(profile.Servers),
		timeout: cfg.MCPTimeout,
	}
	eng, err := engine.New(client, tools, agentCfg, engine.WithSystemPrompt(profile.System))
	if err != nil {
		return Agent{}, err
	}

	return Agent{Engine: eng, Profile: profile, Model: mod}, nil
}

// timeoutToolset bounds every MCP operation with the configured timeout so a
// hung server cannot stall a run until the run deadline.
type timeoutToolset struct {
	svc     *mcp.Service
	timeout time.Duration
}

func (t *timeoutToolset) Tools(ctx context.Context) (map[string][]mmcp.Tool, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.svc.Tools(ctx)
}

func (t *timeoutToolset) CallTool(ctx context.Context, name string, args []byte) (string, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.svc.CallTool(ctx, name, args)
}

func (t *timeoutToolset) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.timeout)
}

func resolveModel(cfg *config.Config) (config.API, config.Model, error) {
	for _, api := range cfg.APIs {
		if api.Name != cfg.API && cfg.API != "" {
			continue
		}
		for name, mod := range api.Models {
			if name == cfg.Model || slices.Contains(mod.Aliases, cfg.Model) {
				cfg.Model = name
				break
			}
		}
		mod, ok := api.Models[cfg.Model]
		if ok {
			mod.Name = cfg.Model
			mod.API = api.Name
			return api, mod, nil
		}
		if cfg.API != "" {
			available := make([]string, 0, len(api.Models))
			for name := range api.Models {
				available = append(available, name)
			}
			slices.Sort(available)
			return config.API{}, config.Model{}, errs.Error{
				Err:    errs.UserErrorf("Available models are: %s", strings.Join(available, ", ")),
				Reason: fmt.Sprintf("The API endpoint %s does not contain the model %s", cfg.API, cfg.Model),
			}
		}
	}

	return config.API{}, config.Model{}, errs.Error{
		Reason: fmt.Sprintf("Model %s is not in the settings file.", cfg.Model),
		Err:    errs.UserErrorf("Please specify an API endpoint with --api or configure the model in the settings: machine config edit"),
	}
}

func providerConfig(ctx context.Context, mod config.Model, api config.API, cfg *config.Config) (llm.Config, error) {
	base := llm.Config{
		API:     mod.API,
		Model:   mod.Name,
		BaseURL: api.BaseURL,
		User:    cfg.User,
	}
	if cfg.Temperature >= 0 {
		v := cfg.Temperature
		base.Temperature = &v
	}
	if cfg.TopP >= 0 {
		v := cfg.TopP
		base.TopP = &v
	}
	// o1 models do not accept max_tokens.
	if cfg.MaxTokens > 0 && !strings.HasPrefix(mod.Name, "o1") {
		v := cfg.MaxTokens
		base.MaxTokens = &v
	}
	if api.User != "" {
		base.User = api.User
	}

	switch mod.API {
	case "ollama":
		return base, nil
	case "anthropic":
		key, err := ensureKey(ctx, api, "ANTHROPIC_API_KEY", "https://console.anthropic.com/settings/keys")
		if err != nil {
			return llm.Config{}, errs.Error{Err: err, Reason: "Anthropic authentication failed"}
		}
		base.APIKey = key
		return base, nil
	case "google":
		key, err := ensureKey(ctx, api, "GOOGLE_API_KEY", "https://aistudio.google.com/app/apikey")
		if err != nil {
			return llm.Config{}, errs.Error{Err: err, Reason: "Google authentication failed"}
		}
		base.APIKey = key
		base.ThinkingBudget = mod.ThinkingBudget
		return base, nil
	case "openrouter":
		key, err := ensureKey(ctx, api, "OPENROUTER_API_KEY", "https://openrouter.ai/keys")
		if err != nil {
			return llm.Config{}, errs.Error{Err: err, Reason: "OpenRouter authentication failed"}
		}
		base.APIKey = key
		return base, nil
	default:
		key, err := ensureKey(ctx, api, "OPENAI_API_KEY", "https://platform.openai.com/account/api-keys")
		if err != nil {
			return llm.Config{}, errs.Error{Err: err, Reason: "OpenAI authentication failed"}
		}
		base.APIKey = key
		return base, nil
	}
}

// ApplyProxyConfig configures the provider HTTP client to use an HTTP proxy.
func ApplyProxyConfig(httpProxy string, providerCfg *llm.Config) error {
	if httpProxy == "" {
		return nil
	}
	proxyURL, err := url.Parse(httpProxy)
	if err != nil {
		return errs.Error{Err: err, Reason: "There was an error parsing your proxy URL."}
	}
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return errs.Error{Err: fmt.Errorf("default transport is not *http.Transport"), Reason: "Could not configure proxy."}
	}
	tr := base.Clone()
	tr.Proxy = http.ProxyURL(proxyURL)
	tr.DialContext = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 30 * time.Second
	tr.IdleConnTimeout = 90 * time.Second
	tr.ExpectContinueTimeout = 1 * time.Second
	providerCfg.HTTPClient = &http.Client{Transport: tr}
	return nil
}

func ensureKey(ctx context.Context, api config.API, defaultEnv, docsURL string) (string, error) {
	key := api.APIKey
	if key == "" && api.APIKeyEnv != "" && api.APIKeyCmd == "" {
		key = os.Getenv(api.APIKeyEnv)
	}
	if key == "" && api.APIKeyCmd != "" {
		args, err := shellwords.Parse(api.APIKeyCmd)
		if err != nil {
			return "", errs.Error{Err: err, Reason: "Failed to parse api-key-cmd"}
		}
		// #nosec G204 -- api-key-cmd is explicitly configured by the local user.
		out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
		if err != nil {
			return "", errs.Error{Err: err, Reason: "Cannot exec api-key-cmd"}
		}
		key = strings.TrimSpace(string(out))
	}
	if key == "" {
		key = os.Getenv(defaultEnv)
	}
	if key != "" {
		return key, nil
	}
	return "", errs.Error{
		Reason: fmt.Sprintf("%s required; set %s or update machine.yml through machine config edit.", defaultEnv, defaultEnv),
		Err:    errs.UserErrorf("You can grab one at %s", docsURL),
	}
}
