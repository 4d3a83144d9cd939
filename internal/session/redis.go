package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldSessionID        = "session_id"
	fieldSessionCreatedAt = "session_created_at"
	fieldStatus           = "status"
	fieldCreatedAt        = "created_at"
)

// RedisStore keeps one hash per worker. Records expire after retention
// without any session activity.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string        // key prefix, "dispatch:worker:" by default
	Retention time.Duration // 0 keeps records forever
}

// NewRedisStore creates a store using a new client.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreWithClient(client, cfg.Prefix, cfg.Retention)
}

// NewRedisStoreWithClient creates a store over an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "dispatch:worker:"
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) key(workerID string) string {
	return s.prefix + workerID
}

func (s *RedisStore) Create(ctx context.Context, rec Record) error {
	key := s.key(rec.WorkerID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldSessionID, rec.Session.ID,
				fieldSessionCreatedAt, rec.Session.CreatedAt.UnixMilli(),
				fieldCreatedAt, rec.CreatedAt.UnixMilli(),
			)
			if s.retention > 0 {
				pipe.Expire(ctx, key, s.retention)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, ErrExists) {
		return ErrExists
	}
	if err == redis.TxFailedErr {
		// Someone wrote the key between WATCH and EXEC.
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("create worker %s: %w", rec.WorkerID, err)
	}
	return nil
}

func (s *RedisStore) Find(ctx context.Context, workerID string) (*Record, error) {
	vals, err := s.client.HGetAll(ctx, s.key(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load worker %s: %w", workerID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord(workerID, vals)
}

func (s *RedisStore) CompareAndSwapSession(ctx context.Context, workerID string, old, next Session) (bool, error) {
	key := s.key(workerID)
	swapped := false

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, fieldSessionID, fieldSessionCreatedAt).Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return ErrNotFound
		}
		id, _ := vals[0].(string)
		created, _ := vals[1].(string)
		if id != old.ID || created != strconv.FormatInt(old.CreatedAt.UnixMilli(), 10) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldSessionID, next.ID,
				fieldSessionCreatedAt, next.CreatedAt.UnixMilli(),
			)
			if s.retention > 0 {
				pipe.Expire(ctx, key, s.retention)
			}
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)

	if err == redis.TxFailedErr {
		return false, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("swap session of %s: %w", workerID, err)
	}
	return swapped, nil
}

func (s *RedisStore) SaveStatus(ctx context.Context, workerID string, status []byte) error {
	key := s.key(workerID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("save status of %s: %w", workerID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := s.client.HSet(ctx, key, fieldStatus, string(status)).Err(); err != nil {
		return fmt.Errorf("save status of %s: %w", workerID, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecord(workerID string, vals map[string]string) (*Record, error) {
	sessionMillis, err := strconv.ParseInt(vals[fieldSessionCreatedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("worker %s: bad %s: %w", workerID, fieldSessionCreatedAt, err)
	}
	rec := &Record{
		WorkerID: workerID,
		Session: Session{
			ID:        vals[fieldSessionID],
			CreatedAt: time.UnixMilli(sessionMillis).UTC(),
		},
	}
	if v, ok := vals[fieldCreatedAt]; ok {
		if millis, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.CreatedAt = time.UnixMilli(millis).UTC()
		}
	}
	if v, ok := vals[fieldStatus]; ok && v != "" {
		rec.Status = []byte(v)
	}
	return rec, nil
}
