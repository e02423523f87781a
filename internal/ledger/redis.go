package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// announcementRate caps how often peer announcements are delivered to the
// watcher. A burst of writes from one device queues behind the limiter.
const announcementRate = rate.Limit(10)

// RedisClient is the subset of *redis.Client the store uses.
type RedisClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

type redisSubscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisStore keeps one account's ledger in a Redis hash so every device
// signed in to the account sees the same unseal time and receipts. Writes
// are announced on a pub/sub channel tagged with the writing device.
type RedisStore struct {
	client  RedisClient
	hash    string
	channel string
	device  string
}

// NewRedisClient dials addr (host:port).
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// NewRedisStore scopes the ledger to accountID.
func NewRedisStore(client RedisClient, accountID string) (*RedisStore, error) {
	accountID = strings.TrimSpace(accountID)
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if accountID == "" {
		return nil, errors.New("account id is required")
	}
	hash := "podstore:ledger:" + accountID
	return &RedisStore{
		client:  client,
		hash:    hash,
		channel: hash + ":changes",
		device:  uuid.NewString(),
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.HGet(ctx, s.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	all, err := s.client.HGetAll(ctx, s.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", s.hash, err)
	}
	out := make(map[string][]byte)
	for field, v := range all {
		if strings.HasPrefix(field, prefix) {
			out[field] = []byte(v)
		}
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.HSet(ctx, s.hash, key, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	s.announce(ctx, key)
	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := s.client.HSetNX(ctx, s.hash, key, value).Result()
	if err != nil {
		return false, fmt.Errorf("redis hsetnx %s: %w", key, err)
	}
	if ok {
		s.announce(ctx, key)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, s.hash, key).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", key, err)
	}
	s.announce(ctx, key)
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Watch subscribes to change announcements from other devices.
func (s *RedisStore) Watch(ctx context.Context, onChange func(keys []string)) error {
	sub, ok := s.client.(redisSubscriber)
	if !ok {
		return errors.New("redis client does not support pub/sub")
	}
	pubsub := sub.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	go func() {
		defer pubsub.Close()
		limiter := rate.NewLimiter(announcementRate, 1)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				device, key, ok := parseAnnouncement(msg.Payload)
				if !ok || device == s.device {
					continue
				}
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				onChange([]string{key})
			}
		}
	}()
	log.Info().Str("channel", s.channel).Msg("Watching shared ledger for changes from other devices")
	return nil
}

func (s *RedisStore) announce(ctx context.Context, key string) {
	if err := s.client.Publish(ctx, s.channel, s.device+"|"+key).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to announce ledger change")
	}
}

func parseAnnouncement(payload string) (device, key string, ok bool) {
	device, key, ok = strings.Cut(payload, "|")
	if !ok || device == "" || key == "" {
		return "", "", false
	}
	return device, key, true
}
