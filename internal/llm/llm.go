// Package llm adapts charm.land/fantasy providers to the engine's model
// capability boundary.
package llm

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	fgoogle "charm.land/fantasy/providers/google"
	fopenai "charm.land/fantasy/providers/openai"
	fopenaicompat "charm.land/fantasy/providers/openaicompat"
	"charm.land/fantasy/providers/openrouter"

	"github.com/machinecore/machine/internal/proto"
)

const (
	apiOpenAI     = "openai"
	apiAnthropic  = "anthropic"
	apiGoogle     = "google"
	apiOllama     = "ollama"
	apiOpenRouter = "openrouter"
)

// Config is the resolved provider configuration for one model client.
//
// Temperature, TopP, MaxTokens and User are request defaults: they apply to
// any request that does not set the field itself.
type Config struct {
	API            string
	Model          string
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	ThinkingBudget int

	Temperature *float64
	TopP        *float64
	MaxTokens   *int64
	User        string
}

// Client is an engine model capability backed by a fantasy provider.
type Client struct {
	provider fantasy.Provider
	cfg      Config
}

// New creates a model client for the configured provider. Unrecognized API
// names fall back to the OpenAI-compatible provider, which covers most
// self-hosted and aggregator endpoints.
func New(cfg Config) (*Client, error) {
	if cfg.API == "" {
		return nil, fmt.Errorf("llm: missing provider configuration")
	}
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{provider: provider, cfg: cfg}, nil
}

func newProvider(cfg Config) (fantasy.Provider, error) {
	switch cfg.API {
	case apiOpenAI:
		opts := []fopenai.Option{fopenai.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, fopenai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, fopenai.WithHTTPClient(cfg.HTTPClient))
		}
		provider, err := fopenai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("llm: new openai provider: %w", err)
		}
		return provider, nil
	case apiAnthropic:
		opts := []anthropic.Option{anthropic.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/v1")))
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, anthropic.WithHTTPClient(cfg.HTTPClient))
		}
		provider, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("llm: new anthropic provider: %w", err)
		}
		return provider, nil
	case apiGoogle:
		opts := []fgoogle.Option{fgoogle.WithGeminiAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, fgoogle.WithBaseURL(cfg.BaseURL))
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, fgoogle.WithHTTPClient(cfg.HTTPClient))
		}
		provider, err := fgoogle.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("llm: new google provider: %w", err)
		}
		return provider, nil
	case apiOpenRouter:
		opts := []openrouter.Option{openrouter.WithAPIKey(cfg.APIKey)}
		if cfg.HTTPClient != nil {
			opts = append(opts, openrouter.WithHTTPClient(cfg.HTTPClient))
		}
		provider, err := openrouter.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("llm: new openrouter provider: %w", err)
		}
		return provider, nil
	case apiOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		opts := []fopenaicompat.Option{
			fopenaicompat.WithName(apiOllama),
			fopenaicompat.WithBaseURL(baseURL),
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, fopenaicompat.WithHTTPClient(cfg.HTTPClient))
		}
		provider, err := fopenaicompat.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("llm: new ollama provider: %w", err)
		}
		return provider, nil
	default:
		opts := []fopenaicompat.Option{fopenaicompat.WithName(cfg.API)}
		if cfg.APIKey != "" {
			opts = append(opts, fopenaicompat.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, fopenaicompat.WithBaseURL(cfg.BaseURL))
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, fopenaicompat.WithHTTPClient(cfg.HTTPClient))
		}
		provider, err := fopenaicompat.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("llm: new openai-compatible provider: %w", err)
		}
		return provider, nil
	}
}

// Stream performs one model turn and adapts fantasy stream parts to the
// engine's part sequence. Duplicate and provider-executed tool-call parts are
// filtered out; everything else the provider emits is passed through or
// dropped as noise.
func (c *Client) Stream(ctx context.Context, req proto.Request) (iter.Seq[proto.Part], error) {
	modelName := req.Model
	if modelName == "" {
		modelName = c.cfg.Model
	}
	model, err := c.provider.LanguageModel(ctx, modelName)
	if err != nil {
		return nil, fmt.Errorf("llm: language model: %w", err)
	}

	call := c.buildCall(req)
	seq, err := model.Stream(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("llm: stream: %w", err)
	}

	return func(yield func(proto.Part) bool) {
		seen := map[string]struct{}{}
		for part := range seq {
			out, ok := convertPart(part, seen)
			if !ok {
				continue
			}
			if !yield(out) {
				return
			}
			if out.Type == proto.PartError {
				return
			}
		}
	}, nil
}

func (c *Client) buildCall(req proto.Request) fantasy.Call {
	call := fantasy.Call{
		Prompt:          toPrompt(req.Messages),
		MaxOutputTokens: orDefault(req.MaxTokens, c.cfg.MaxTokens),
		Temperature:     orDefault(req.Temperature, c.cfg.Temperature),
		TopP:            orDefault(req.TopP, c.cfg.TopP),
		Tools:           toTools(req.Tools),
		ToolChoice:      toolChoice(req),
		ProviderOptions: fantasy.ProviderOptions{},
	}

	if user := req.User; user != "" || c.cfg.User != "" {
		if user == "" {
			user = c.cfg.User
		}
		switch c.cfg.API {
		case apiOpenAI:
			call.ProviderOptions[fopenai.Name] = &fopenai.ProviderOptions{User: &user}
		case apiAnthropic, apiGoogle, apiOpenRouter:
			// no-op
		default:
			call.ProviderOptions[fopenaicompat.Name] = &fopenaicompat.ProviderOptions{User: &user}
		}
	}

	if c.cfg.API == apiGoogle && c.cfg.ThinkingBudget > 0 {
		call.ProviderOptions[fgoogle.Name] = &fgoogle.ProviderOptions{
			ThinkingConfig: &fgoogle.ThinkingConfig{
				ThinkingBudget: fantasy.Opt(int64(c.cfg.ThinkingBudget)),
			},
		}
	}

	return call
}

func orDefault[T any](v, def *T) *T {
	if v != nil {
		return v
	}
	return def
}

func convertPart(part fantasy.StreamPart, seen map[string]struct{}) (proto.Part, bool) {
	switch part.Type {
	case fantasy.StreamPartTypeTextDelta:
		if part.Delta == "" {
			return proto.Part{}, false
		}
		return proto.Part{Type: proto.PartTextDelta, Text: part.Delta}, true
	case fantasy.StreamPartTypeToolCall:
		if part.ProviderExecuted {
			return proto.Part{}, false
		}
		if _, dup := seen[part.ID]; dup {
			return proto.Part{}, false
		}
		seen[part.ID] = struct{}{}
		return proto.Part{
			Type: proto.PartToolCall,
			ToolCall: proto.ToolCall{
				ID: part.ID,
				Function: proto.Function{
					Name:      part.ToolCallName,
					Arguments: []byte(part.ToolCallInput),
				},
			},
		}, true
	case fantasy.StreamPartTypeError:
		err := part.Error
		if err == nil {
			err = fmt.Errorf("provider stream error")
		}
		return proto.Part{Type: proto.PartError, Err: err}, true
	case fantasy.StreamPartTypeFinish:
		return proto.Part{Type: proto.PartFinish}, true
	default:
		// Reasoning, warnings, tool input deltas and sources are provider
		// noise at this boundary.
		return proto.Part{}, false
	}
}
