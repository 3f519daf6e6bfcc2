package cmd

import (
	"cmp"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/machinecore/machine/internal/config"
	"github.com/machinecore/machine/internal/errs"
	"github.com/machinecore/machine/internal/proto"
	"github.com/machinecore/machine/internal/storage"
	"github.com/machinecore/machine/internal/storage/cache"
)

// conversationStore bundles the metadata index with the transcript cache.
type conversationStore struct {
	DB    *storage.DB
	Cache *cache.Conversations
}

func conversationIndexDir(cfg *config.Config) string {
	return filepath.Join(cfg.CachePath, "conversations")
}

func openConversationStore(cfg *config.Config) (*conversationStore, error) {
	convoCache, err := cache.NewConversations(cfg.CachePath)
	if err != nil {
		return nil, errs.Error{Err: err, Reason: "Could not open the conversation cache."}
	}
	db, err := storage.Open(conversationIndexDir(cfg))
	if err != nil {
		return nil, errs.Error{Err: err, Reason: "Could not open the conversation index."}
	}
	return &conversationStore{DB: db, Cache: convoCache}, nil
}

func (s *conversationStore) Close() error {
	return s.DB.Close() //nolint:wrapcheck
}

type conversationPlan struct {
	WriteID string
	Title   string
	ReadID  string
	API     string
	Model   string
}

// planConversation decides which conversation a run reads from and writes
// to, honoring --continue, --continue-last, and --title.
func planConversation(cfg *config.Config, db *storage.DB) (conversationPlan, error) {
	continueLast := cfg.ContinueLast || (cfg.Continue != "" && cfg.Title == "")
	readID := cfg.Continue
	writeID := cmp.Or(cfg.Title, cfg.Continue)
	title := writeID
	model := cfg.Model
	api := cfg.API

	if readID != "" || continueLast {
		found, err := findReadConversation(db, readID)
		if err != nil {
			return conversationPlan{}, errs.Error{Err: err, Reason: "Could not find the conversation."}
		}
		readID = found.ID
		if found.Model != "" && found.API != "" {
			model = found.Model
			api = found.API
		}
	}

	// Continuing updates the existing record in place.
	if continueLast {
		writeID = readID
	}

	if writeID == "" {
		writeID = storage.NewConversationID()
	}

	if !storage.IDRegexp.MatchString(writeID) {
		convo, err := db.Find(writeID)
		if err != nil {
			// A new conversation with a title.
			writeID = storage.NewConversationID()
		} else {
			writeID = convo.ID
		}
	}

	return conversationPlan{
		WriteID: writeID,
		Title:   title,
		ReadID:  readID,
		API:     api,
		Model:   model,
	}, nil
}

func findReadConversation(db *storage.DB, in string) (*storage.Conversation, error) {
	if in == "" {
		convo, err := db.Latest()
		if err != nil {
			return nil, fmt.Errorf("find latest conversation: %w", err)
		}
		return convo, nil
	}
	convo, err := db.Find(in)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return convo, nil
}

func saveConversation(cfg *config.Config, store *conversationStore, pl conversationPlan, prompt string, messages []proto.Message) error {
	if cfg.NoCache || len(messages) == 0 {
		return nil
	}

	title := strings.TrimSpace(pl.Title)
	if title == "" {
		title = firstLine(prompt, 50)
	}

	if err := store.Cache.Write(pl.WriteID, messages); err != nil {
		return errs.Error{Err: err, Reason: "There was a problem writing the conversation."}
	}
	if err := store.DB.Save(storage.Conversation{
		ID:      pl.WriteID,
		Title:   title,
		Profile: cfg.Profile,
		API:     cfg.API,
		Model:   cfg.Model,
	}); err != nil {
		return errs.Error{Err: err, Reason: "There was a problem saving the conversation."}
	}
	return nil
}

func firstLine(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > maxLen {
		s = string(runes[:maxLen])
	}
	return s
}

func readConversation(store *conversationStore, id string) ([]proto.Message, error) {
	var messages []proto.Message
	if err := store.Cache.Read(id, &messages); err != nil {
		return nil, errs.Error{Err: err, Reason: "There was an error loading the conversation."}
	}
	return messages, nil
}
