package history

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "legal-agent:history:"

// RedisStore keeps each session as a Redis list; RPUSH makes every append
// atomic and ordered.
type RedisStore struct {
	client *goredis.Client
	prefix string
}

func NewRedisStore(client *goredis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: defaultRedisPrefix}
}

func (s *RedisStore) key(session string) string { return s.prefix + session }

func (s *RedisStore) Load(ctx context.Context, session string) ([]Turn, error) {
	values, err := s.client.LRange(ctx, s.key(session), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", session, err)
	}
	turns := make([]Turn, 0, len(values))
	for _, value := range values {
		var turn Turn
		if err := json.Unmarshal([]byte(value), &turn); err != nil {
			return nil, fmt.Errorf("decode turn in session %s: %w", session, err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *RedisStore) Append(ctx context.Context, session string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]any, len(turns))
	for i, turn := range turns {
		data, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("encode turn: %w", err)
		}
		values[i] = data
	}
	if err := s.client.RPush(ctx, s.key(session), values...).Err(); err != nil {
		return fmt.Errorf("append to session %s: %w", session, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
