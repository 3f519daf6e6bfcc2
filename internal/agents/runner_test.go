package agents

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/machinecore/machine/internal/config"
	"github.com/machinecore/machine/internal/llm"
)

func testSettings() *config.Config {
	return &config.Config{
		Settings: config.Settings{
			API:            "openai",
			Model:          "gpt-4o-mini",
			Profile:        "chat",
			MaxIterations:  10,
			Timeout:        config.Default().Timeout,
			MaxToolRetries: 2,
			Temperature:    -1,
			TopP:           -1,
			APIs: config.APIs{
				{
					Name:   "openai",
					APIKey: "test-key",
					Models: map[string]config.Model{
						"gpt-4o-mini": {Aliases: []string{"4o-mini"}},
						"gpt-4o":      {Aliases: []string{"4o"}},
					},
				},
				{
					Name: "ollama",
					Models: map[string]config.Model{
						"llama3.2": {Aliases: []string{"llama"}},
					},
				},
			},
		},
	}
}

func TestResolveModel(t *testing.T) {
	t.Run("exact name", func(t *testing.T) {
		cfg := testSettings()
		api, mod, err := resolveModel(cfg)
		require.NoError(t, err)
		require.Equal(t, "openai", api.Name)
		require.Equal(t, "gpt-4o-mini", mod.Name)
		require.Equal(t, "openai", mod.API)
	})

	t.Run("alias", func(t *testing.T) {
		cfg := testSettings()
		cfg.Model = "4o"
		_, mod, err := resolveModel(cfg)
		require.NoError(t, err)
		require.Equal(t, "gpt-4o", mod.Name)
		require.Equal(t, "gpt-4o", cfg.Model)
	})

	t.Run("model searched across apis when api unset", func(t *testing.T) {
		cfg := testSettings()
		cfg.API = ""
		cfg.Model = "llama"
		api, mod, err := resolveModel(cfg)
		require.NoError(t, err)
		require.Equal(t, "ollama", api.Name)
		require.Equal(t, "llama3.2", mod.Name)
	})

	t.Run("unknown model on known api lists alternatives", func(t *testing.T) {
		cfg := testSettings()
		cfg.Model = "nope"
		_, _, err := resolveModel(cfg)
		require.Error(t, err)
		require.Contains(t, err.Error(), "gpt-4o-mini")
	})

	t.Run("unknown model anywhere", func(t *testing.T) {
		cfg := testSettings()
		cfg.API = ""
		cfg.Model = "nope"
		_, _, err := resolveModel(cfg)
		require.ErrorContains(t, err, "--api")
	})
}

func TestProviderConfig(t *testing.T) {
	t.Run("ollama needs no key", func(t *testing.T) {
		cfg := testSettings()
		pc, err := providerConfig(t.Context(),
			config.Model{Name: "llama3.2", API: "ollama"},
			config.API{Name: "ollama"},
			cfg,
		)
		require.NoError(t, err)
		require.Equal(t, "ollama", pc.API)
		require.Empty(t, pc.APIKey)
	})

	t.Run("explicit key wins", func(t *testing.T) {
		cfg := testSettings()
		pc, err := providerConfig(t.Context(),
			config.Model{Name: "gpt-4o-mini", API: "openai"},
			config.API{Name: "openai", APIKey: "from-settings"},
			cfg,
		)
		require.NoError(t, err)
		require.Equal(t, "from-settings", pc.APIKey)
	})

	t.Run("key from configured env var", func(t *testing.T) {
		t.Setenv("MY_OPENAI_KEY", "from-env")
		cfg := testSettings()
		pc, err := providerConfig(t.Context(),
			config.Model{Name: "gpt-4o-mini", API: "openai"},
			config.API{Name: "openai", APIKeyEnv: "MY_OPENAI_KEY"},
			cfg,
		)
		require.NoError(t, err)
		require.Equal(t, "from-env", pc.APIKey)
	})

	t.Run("key from api-key-cmd", func(t *testing.T) {
		cfg := testSettings()
		pc, err := providerConfig(t.Context(),
			config.Model{Name: "gpt-4o-mini", API: "openai"},
			config.API{Name: "openai", APIKeyCmd: "echo from-cmd"},
			cfg,
		)
		require.NoError(t, err)
		require.Equal(t, "from-cmd", pc.APIKey)
	})

	t.Run("missing key is a user-facing error", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		cfg := testSettings()
		_, err := providerConfig(t.Context(),
			config.Model{Name: "gpt-4o-mini", API: "openai"},
			config.API{Name: "openai"},
			cfg,
		)
		require.ErrorContains(t, err, "OPENAI_API_KEY")
	})

	t.Run("sampling defaults only when set", func(t *testing.T) {
		cfg := testSettings()
		cfg.Temperature = 0.2
		cfg.TopP = -1
		cfg.MaxTokens = 512
		pc, err := providerConfig(t.Context(),
			config.Model{Name: "gpt-4o-mini", API: "openai"},
			config.API{Name: "openai", APIKey: "k"},
			cfg,
		)
		require.NoError(t, err)
		require.NotNil(t, pc.Temperature)
		require.InDelta(t, 0.2, *pc.Temperature, 1e-9)
		require.Nil(t, pc.TopP)
		require.NotNil(t, pc.MaxTokens)
		require.EqualValues(t, 512, *pc.MaxTokens)
	})

	t.Run("o1 models drop max tokens", func(t *testing.T) {
		cfg := testSettings()
		cfg.MaxTokens = 512
		pc, err := providerConfig(t.Context(),
			config.Model{Name: "o1-mini", API: "openai"},
			config.API{Name: "openai", APIKey: "k"},
			cfg,
		)
		require.NoError(t, err)
		require.Nil(t, pc.MaxTokens)
	})
}

func TestApplyProxyConfig(t *testing.T) {
	t.Run("empty proxy is a no-op", func(t *testing.T) {
		var pc llm.Config
		require.NoError(t, ApplyProxyConfig("", &pc))
		require.Nil(t, pc.HTTPClient)
	})

	t.Run("valid proxy installs a client", func(t *testing.T) {
		var pc llm.Config
		require.NoError(t, ApplyProxyConfig("http://127.0.0.1:8080", &pc))
		require.NotNil(t, pc.HTTPClient)
	})

	t.Run("invalid proxy url errors", func(t *testing.T) {
		var pc llm.Config
		require.Error(t, ApplyProxyConfig("://nope", &pc))
	})
}

func TestRunnerBuild(t *testing.T) {
	t.Run("builds default profile", func(t *testing.T) {
		cfg := testSettings()
		runner := NewRunner(cfg, nil)
		agent, err := runner.Build(t.Context(), "")
		require.NoError(t, err)
		require.NotNil(t, agent.Engine)
		require.Equal(t, "chat", agent.Profile.Name)
		require.Equal(t, "gpt-4o-mini", agent.Model.Name)
	})

	t.Run("unknown profile errors", func(t *testing.T) {
		cfg := testSettings()
		runner := NewRunner(cfg, nil)
		_, err := runner.Build(t.Context(), "nope")
		require.ErrorContains(t, err, "unknown profile")
	})

	t.Run("invalid agent bounds error", func(t *testing.T) {
		cfg := testSettings()
		cfg.MaxIterations = -1
		runner := NewRunner(cfg, nil)
		_, err := runner.Build(t.Context(), "chat")
		require.Error(t, err)
	})
}

func TestProfiles(t *testing.T) {
	require.Equal(t, []string{"chat", "cli", "rag", "receipts"}, Names())

	for _, name := range Names() {
		p, err := Get(name)
		require.NoError(t, err)
		require.Equal(t, name, p.Name)
		require.NotEmpty(t, p.System)
	}

	_, err := Get("nope")
	require.ErrorContains(t, err, "unknown profile")
}
