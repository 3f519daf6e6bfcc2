package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	timeago "github.com/caarlos0/timea.go"

	"github.com/machinecore/machine/internal/config"
	"github.com/machinecore/machine/internal/errs"
	"github.com/machinecore/machine/internal/present"
	"github.com/machinecore/machine/internal/proto"
	"github.com/machinecore/machine/internal/storage"
)

func listConversations(cfg *config.Config) error {
	store, err := openConversationStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	conversations := store.DB.List()
	if len(conversations) == 0 {
		fmt.Fprintln(os.Stderr, "No conversations found.")
		return nil
	}

	printList(conversations)
	return nil
}

func printList(conversations []storage.Conversation) {
	styles := present.StdoutStyles()
	for _, convo := range conversations {
		extra := convo.Model
		if convo.Profile != "" {
			extra += " (" + convo.Profile + ")"
		}
		_, _ = fmt.Fprintf(
			os.Stdout,
			"%s\t%s\t%s\t%s\n",
			styles.ID.Render(convo.ID[:storage.IDShort]),
			styles.Title.Render(convo.Title),
			styles.Timeago.Render(timeago.Of(convo.UpdatedAt)),
			styles.Comment.Render(strings.TrimSpace(extra)),
		)
	}
}

func showConversation(cfg *config.Config, in string) error {
	store, err := openConversationStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	found, err := findReadConversation(store.DB, in)
	if err != nil {
		return errs.Error{Err: err, Reason: "There was an error loading the conversation."}
	}

	messages, err := readConversation(store, found.ID)
	if err != nil {
		return err
	}

	out := proto.Conversation(messages).String()
	if present.IsOutputTTY() && !cfg.Raw {
		if formatted, err := present.RenderMarkdown(out, cfg.WordWrap); err == nil {
			out = formatted
		}
	}
	fmt.Print(out)
	return nil
}

func deleteConversations(cfg *config.Config, targets []string) error {
	store, err := openConversationStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	for _, del := range targets {
		convo, err := store.DB.Find(del)
		if err != nil {
			return errs.Error{Err: err, Reason: "Couldn't find conversation to delete."}
		}
		if err := deleteConversationByID(cfg, store, convo.ID); err != nil {
			return err
		}
	}
	return nil
}

func deleteConversationByID(cfg *config.Config, store *conversationStore, id string) error {
	if err := store.DB.Delete(id); err != nil {
		return fmt.Errorf("delete conversation index: %w", err)
	}
	// The transcript may already be gone; the index entry is what matters.
	if err := store.Cache.Delete(id); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete conversation transcript: %w", err)
	}
	if !cfg.Quiet {
		fmt.Fprintln(os.Stderr, "Conversation deleted:", id[:storage.IDShort])
	}
	return nil
}

func deleteConversationsOlderThan(cfg *config.Config, olderThan time.Duration, force bool) error {
	store, err := openConversationStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	conversations := store.DB.ListOlderThan(olderThan)
	if len(conversations) == 0 {
		if !cfg.Quiet {
			fmt.Fprintln(os.Stderr, "No conversations found.")
		}
		return nil
	}

	if !force {
		printList(conversations)
		fmt.Fprintln(os.Stderr)
		//nolint:wrapcheck // user-facing guidance error
		return errs.UserErrorf(
			"This would delete the %d conversations above. Re-run with %s to proceed.",
			len(conversations),
			present.StderrStyles().InlineCode.Render("--force"),
		)
	}

	for _, convo := range conversations {
		if err := deleteConversationByID(cfg, store, convo.ID); err != nil {
			return err
		}
	}
	return nil
}
