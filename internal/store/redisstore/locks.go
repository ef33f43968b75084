package redisstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store serializes turns per chat id across processes with a redis lock.
type Store struct {
	rdb   *redis.Client
	ttl   time.Duration
	retry time.Duration
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl:   90 * time.Second,
		retry: 100 * time.Millisecond,
	}
}

// releaseScript deletes the lock only when it still holds our token, so an
// expired lock reacquired by another turn is never released from here.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire blocks until the chat lock is held or ctx is done. The TTL
// bounds how long a crashed holder can wedge a chat.
func (s *Store) Acquire(ctx context.Context, chatID string) (func(), error) {
	key := "chat_lock:" + chatID
	token := uuid.NewString()

	for {
		ok, err := s.rdb.SetNX(ctx, key, token, s.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			release := func() {
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = releaseScript.Run(rctx, s.rdb, []string{key}, token).Err()
			}
			return release, nil
		}

		select {
		case <-time.After(s.retry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) Close() error { return s.rdb.Close() }
