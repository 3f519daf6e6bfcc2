package cache

import (
	"github.com/machinecore/machine/internal/proto"
)

// Conversations stores full run transcripts keyed by conversation ID.
type Conversations = Cache[[]proto.Message]

// NewConversations creates the transcript cache under the given base
// directory.
func NewConversations(baseDir string) (*Conversations, error) {
	return New[[]proto.Message](baseDir, ConversationCache)
}
