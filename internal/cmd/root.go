package cmd

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	glamour "github.com/charmbracelet/glamour/styles"
	"github.com/spf13/cobra"

	"github.com/machinecore/machine/internal/config"
	"github.com/machinecore/machine/internal/errs"
	"github.com/machinecore/machine/internal/present"
)

type runtime struct {
	build  BuildInfo
	cfg    config.Config
	cfgErr error
}

// NewRootCmd constructs the Cobra root command.
func NewRootCmd(build BuildInfo, cfg config.Config, cfgErr error) *cobra.Command {
	// XXX: unset error styles in Glamour dark and light styles.
	glamour.DarkStyleConfig.CodeBlock.Chroma.Error.BackgroundColor = new(string)
	glamour.LightStyleConfig.CodeBlock.Chroma.Error.BackgroundColor = new(string)

	rt := &runtime{build: normalizeBuildInfo(build), cfg: cfg, cfgErr: cfgErr}

	rootCmd := &cobra.Command{
		Use:           "machine [task]",
		Short:         "Agentic task runs on the command line, with MCP tools.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `  machine "what changed in the repo this week?"
  git diff | machine -P cli "write a commit message for this"
  machine -C "and in markdown, please"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return rt.runTask(cmd, args)
		},
	}

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return newFlagParseError(err)
	})

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.Version = rt.build.Version
	rootCmd.SetVersionTemplate(versionTemplate(rt.build))

	initRootFlags(rootCmd, &rt.cfg)

	rootCmd.AddCommand(newHistoryCmd(rt))
	rootCmd.AddCommand(newConfigCmd(rt))
	rootCmd.AddCommand(newMCPCmd(rt))
	rootCmd.AddCommand(newManCmd(rootCmd))

	rootCmd.InitDefaultCompletionCmd()

	return rootCmd
}

func (rt *runtime) runTask(cmd *cobra.Command, args []string) error {
	task := strings.TrimSpace(strings.Join(args, " "))

	if stdin := readStdin(); stdin != "" {
		if task == "" {
			task = stdin
		} else {
			task = task + "\n\n" + stdin
		}
	}

	if task == "" {
		return errs.Error{
			Reason: "You haven't provided any task input.",
			Err: errs.UserErrorf(
				"You can give your task as arguments and/or pipe it from STDIN.\nExample: %s",
				present.StdoutStyles().InlineCode.Render("machine [task]"),
			),
		}
	}

	return rt.runQuery(cmd.Context(), task)
}
