package cache

import (
	"context"
	"fmt"

	"github.com/openrides/chatsync/chat"
)

// Store is durable per-conversation persistence of the reconciled message
// list. It is a mirror of in-memory state, not a source of truth: values are
// overwritten wholesale on every update, and callers treat failures as a
// degradation, never a hard error.
type Store interface {
	// Load returns the cached list for a conversation, or an empty list
	// when nothing has been cached yet.
	Load(ctx context.Context, conversationId string) ([]chat.Message, error)
	// Save overwrites the cached list for a conversation.
	Save(ctx context.Context, conversationId string, msgs []chat.Message) error
	Close() error
}

// cacheKey returns the storage key for a conversation
func cacheKey(conversationId string) string {
	return fmt.Sprintf("chat_%s", conversationId)
}
