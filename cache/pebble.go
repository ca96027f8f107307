package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/mbeoliero/kit/log"

	"github.com/openrides/chatsync/chat"
)

// PebbleStore is the default on-device cache backend, one Pebble database
// per application data directory.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) the cache database at the given path
func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

// Load returns the cached message list for a conversation.
// A conversation that was never cached yields an empty list, not an error.
func (s *PebbleStore) Load(ctx context.Context, conversationId string) ([]chat.Message, error) {
	value, closer, err := s.db.Get([]byte(cacheKey(conversationId)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	var msgs []chat.Message
	if err := json.Unmarshal(value, &msgs); err != nil {
		// a corrupt entry degrades to "no cache"; the next save repairs it
		log.CtxWarn(ctx, "cache entry corrupt, ignoring: conversation_id=%s, error=%v", conversationId, err)
		return nil, nil
	}
	return msgs, nil
}

// Save overwrites the cached message list for a conversation
func (s *PebbleStore) Save(ctx context.Context, conversationId string, msgs []chat.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(cacheKey(conversationId)), data, pebble.Sync)
}

// Close closes the underlying database
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
