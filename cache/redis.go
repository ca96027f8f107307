package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mbeoliero/kit/log"
	"github.com/redis/go-redis/v9"

	"github.com/openrides/chatsync/chat"
)

// RedisStore is a cache backend for deployments where the client runs beside
// a shared Redis (desktop/agent setups). Same contract as PebbleStore.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, addr, password string, db int, keyPrefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// Load returns the cached message list for a conversation
func (s *RedisStore) Load(ctx context.Context, conversationId string) ([]chat.Message, error) {
	value, err := s.client.Get(ctx, s.keyPrefix+cacheKey(conversationId)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var msgs []chat.Message
	if err := json.Unmarshal(value, &msgs); err != nil {
		log.CtxWarn(ctx, "cache entry corrupt, ignoring: conversation_id=%s, error=%v", conversationId, err)
		return nil, nil
	}
	return msgs, nil
}

// Save overwrites the cached message list for a conversation
func (s *RedisStore) Save(ctx context.Context, conversationId string, msgs []chat.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyPrefix+cacheKey(conversationId), data, 0).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
