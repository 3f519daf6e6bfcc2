package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/machinecore/machine/internal/errs"
)

func newHistoryCmd(rt *runtime) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Manage saved conversations",
	}

	historyCmd.AddCommand(newHistoryListCmd(rt))
	historyCmd.AddCommand(newHistoryShowCmd(rt))
	historyCmd.AddCommand(newHistoryDeleteCmd(rt))
	historyCmd.AddCommand(newHistoryPruneCmd(rt))

	return historyCmd
}

func newHistoryListCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved conversations",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			return listConversations(&rt.cfg)
		},
	}
}

func newHistoryShowCmd(rt *runtime) *cobra.Command {
	var last bool
	showCmd := &cobra.Command{
		Use:   "show [id-or-title]",
		Short: "Show a saved conversation",
		Args:  cobra.MaximumNArgs(1),
		ValidArgsFunction: func(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			return conversationCompletions(&rt.cfg, toComplete), cobra.ShellCompDirectiveDefault
		},
		RunE: func(_ *cobra.Command, args []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			drainStdin()
			in := ""
			if len(args) == 1 {
				in = args[0]
			}
			if !last && in == "" {
				return errs.Error{Reason: "Specify a conversation, or use --last."}
			}
			return showConversation(&rt.cfg, in)
		},
	}
	showCmd.Flags().BoolVarP(&last, "last", "S", false, "Show the last saved conversation")
	return showCmd
}

func newHistoryDeleteCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id-or-title> [more...]",
		Short: "Delete saved conversations",
		Args:  cobra.MinimumNArgs(1),
		ValidArgsFunction: func(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			return conversationCompletions(&rt.cfg, toComplete), cobra.ShellCompDirectiveDefault
		},
		RunE: func(_ *cobra.Command, args []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			return deleteConversations(&rt.cfg, args)
		},
	}
}

func newHistoryPruneCmd(rt *runtime) *cobra.Command {
	var olderThan time.Duration
	var force bool
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete conversations older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			if olderThan == 0 {
				return errs.Wrap(errs.UserErrorf("missing --older-than"), "Could not delete old conversations.")
			}
			return deleteConversationsOlderThan(&rt.cfg, olderThan, force)
		},
	}
	pruneCmd.Flags().Var(newDurationFlag(olderThan, &olderThan), "older-than", "Age cutoff; e.g. 24h, 7d")
	pruneCmd.Flags().BoolVarP(&force, "force", "f", false, "Delete without confirmation")
	return pruneCmd
}
