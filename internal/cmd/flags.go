package cmd

import (
	"fmt"
	"time"

	"github.com/caarlos0/duration"
	"github.com/spf13/cobra"

	"github.com/machinecore/machine/internal/config"
	"github.com/machinecore/machine/internal/storage"
)

// durationFlag accepts extended duration notation such as 7d or 1w, on top
// of the stdlib forms.
type durationFlag struct {
	val *time.Duration
}

func newDurationFlag(def time.Duration, p *time.Duration) *durationFlag {
	*p = def
	return &durationFlag{val: p}
}

func (f *durationFlag) String() string {
	if f.val == nil || *f.val == 0 {
		return ""
	}
	return f.val.String()
}

func (f *durationFlag) Set(s string) error {
	d, err := duration.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*f.val = time.Duration(d)
	return nil
}

func (f *durationFlag) Type() string {
	return "duration"
}

func initRootFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	flags.StringVarP(&cfg.Profile, "profile", "P", cfg.Profile, "Agent profile to run (chat, cli, receipts, rag)")
	flags.StringVarP(&cfg.API, "api", "a", cfg.API, "API provider to use")
	flags.StringVarP(&cfg.Model, "model", "m", cfg.Model, "Model name or alias")
	flags.IntVar(&cfg.MaxIterations, "max-iterations", cfg.MaxIterations, "Maximum model turns per run")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Wall-clock budget per run")
	flags.IntVar(&cfg.MaxToolRetries, "max-tool-retries", cfg.MaxToolRetries, "Execution failures tolerated per tool-call lineage")
	flags.BoolVar(&cfg.AllowSampling, "allow-sampling", cfg.AllowSampling, "Let MCP servers issue sampling requests")
	flags.Float64Var(&cfg.Temperature, "temp", cfg.Temperature, "Sampling temperature; negative uses the provider default")
	flags.Float64Var(&cfg.TopP, "topp", cfg.TopP, "Top-p; negative uses the provider default")
	flags.Int64Var(&cfg.MaxTokens, "max-tokens", cfg.MaxTokens, "Maximum output tokens")
	flags.StringVarP(&cfg.Continue, "continue", "c", "", "Continue the given conversation")
	flags.BoolVarP(&cfg.ContinueLast, "continue-last", "C", false, "Continue the latest conversation")
	flags.StringVarP(&cfg.Title, "title", "t", cfg.Title, "Title for the saved conversation")
	flags.BoolVar(&cfg.NoCache, "no-cache", cfg.NoCache, "Do not save the conversation")
	flags.BoolVarP(&cfg.Quiet, "quiet", "q", cfg.Quiet, "Only print the model output")
	flags.BoolVarP(&cfg.Raw, "raw", "r", cfg.Raw, "Print raw output without markdown rendering")
	flags.IntVar(&cfg.WordWrap, "word-wrap", cfg.WordWrap, "Wrap rendered output at this width")
	flags.BoolVar(&cfg.CopyToClipboard, "copy", false, "Copy the final answer to the clipboard")
	flags.StringVarP(&cfg.HTTPProxy, "http-proxy", "x", cfg.HTTPProxy, "HTTP proxy for provider requests")
	flags.StringArrayVar(&cfg.MCPDisable, "mcp-disable", cfg.MCPDisable, "Disable MCP servers by name; use * for all")
	flags.SortFlags = false

	// Shell completions for conversation references. Open the index lazily.
	_ = cmd.RegisterFlagCompletionFunc("continue", func(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return conversationCompletions(cfg, toComplete), cobra.ShellCompDirectiveDefault
	})

	cmd.MarkFlagsMutuallyExclusive("continue", "continue-last")
}

func conversationCompletions(cfg *config.Config, toComplete string) []string {
	if cfg.CachePath == "" {
		return nil
	}
	db, err := storage.Open(conversationIndexDir(cfg))
	if err != nil {
		return nil
	}
	defer db.Close() //nolint:errcheck
	return db.Completions(toComplete)
}
