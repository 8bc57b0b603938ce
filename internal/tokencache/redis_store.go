package tokencache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"gophersnake-go/internal/faults"
)

// RedisStore keeps stage records in Redis under <prefix>stage:<id>. It exists
// for deployments where several processes share one credential cache; the
// file store remains the default.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = "gophersnake:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(stage string) string {
	return s.prefix + "stage:" + stage
}

func (s *RedisStore) Get(ctx context.Context, stage string) (Record, bool) {
	data, err := s.client.Get(ctx, s.key(stage)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.WithError(err).WithField("stage", stage).Warn("redis cache read failed")
		}
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.WithError(err).WithField("stage", stage).Warn("redis cache record corrupt")
		return Record{}, false
	}
	return rec, true
}

func (s *RedisStore) Put(ctx context.Context, stage string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return faults.Wrap(faults.PersistenceDegraded, err, "marshal stage %s", stage)
	}

	// Let Redis expire the key alongside the record itself.
	var ttl time.Duration
	if rec.ExpiresOn > 0 {
		ttl = time.Until(time.Unix(rec.ExpiresOn, 0))
		if ttl <= 0 {
			ttl = time.Second
		}
	}

	if err := s.client.Set(ctx, s.key(stage), data, ttl).Err(); err != nil {
		return faults.Wrap(faults.PersistenceDegraded, err, "persist stage %s to redis", stage)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
