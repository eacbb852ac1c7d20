package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"printerwatch/internal/config"
	"printerwatch/internal/model"
)

const (
	fieldLower       = "Lower"
	fieldUpper       = "Upper"
	fieldWindow      = "Window"
	fieldOutOfBounds = "OutOfBoundsCount"
	fieldEventCount  = "EventCount"
)

// redisStore keeps each profile in a hash at <prefix>printer:<id> and the
// insertion order in the list <prefix>printers. Counter updates run under
// WATCH so a concurrent writer aborts the transaction.
type redisStore struct {
	client *redis.Client
	prefix string
}

func NewRedis(cfg config.RedisConfig) (ProfileStore, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
	return &redisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

func (s *redisStore) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) Driver() string {
	return "redis"
}

func (s *redisStore) key(id string) string {
	return s.prefix + "printer:" + id
}

func (s *redisStore) indexKey() string {
	return s.prefix + "printers"
}

func (s *redisStore) Get(ctx context.Context, id string) (model.DeviceProfile, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return model.DeviceProfile{}, err
	}
	if len(fields) == 0 {
		return model.DeviceProfile{}, ErrNotFound
	}
	return profileFromHash(id, fields)
}

func (s *redisStore) UpdateCounters(ctx context.Context, id string, expected, next model.Counters) error {
	key := s.key(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, fieldOutOfBounds, fieldEventCount).Result()
		if err != nil {
			return err
		}
		if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
			return ErrNotFound
		}
		current, err := countersFromValues(vals[0], vals[1])
		if err != nil {
			return err
		}
		if current != expected {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldOutOfBounds, next.OutOfBoundsCount, fieldEventCount, next.EventCount)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *redisStore) Scan(ctx context.Context) ([]model.DeviceProfile, error) {
	ids, err := s.client.LRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.DeviceProfile, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		p, err := profileFromHash(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *redisStore) Put(ctx context.Context, p model.DeviceProfile) error {
	if err := ValidateProfile(p); err != nil {
		return err
	}
	key := s.key(p.PrinterID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				fieldLower:       p.Thresholds.Lower,
				fieldUpper:       p.Thresholds.Upper,
				fieldWindow:      p.Window,
				fieldOutOfBounds: p.OutOfBoundsCount,
				fieldEventCount:  p.EventCount,
			})
			if exists == 0 {
				pipe.RPush(ctx, s.indexKey(), p.PrinterID)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func profileFromHash(id string, fields map[string]string) (model.DeviceProfile, error) {
	p := model.DeviceProfile{PrinterID: id}
	var err error
	if p.Thresholds.Lower, err = strconv.ParseFloat(fields[fieldLower], 64); err != nil {
		return p, fmt.Errorf("profile %s: field %s: %w", id, fieldLower, err)
	}
	if p.Thresholds.Upper, err = strconv.ParseFloat(fields[fieldUpper], 64); err != nil {
		return p, fmt.Errorf("profile %s: field %s: %w", id, fieldUpper, err)
	}
	if p.Window, err = strconv.Atoi(fields[fieldWindow]); err != nil {
		return p, fmt.Errorf("profile %s: field %s: %w", id, fieldWindow, err)
	}
	p.OutOfBoundsCount = atoiDefault(fields[fieldOutOfBounds])
	p.EventCount = atoiDefault(fields[fieldEventCount])
	return p, nil
}

func countersFromValues(oob, events interface{}) (model.Counters, error) {
	o, ok1 := oob.(string)
	e, ok2 := events.(string)
	if !ok1 || !ok2 {
		return model.Counters{}, errors.New("unexpected counter encoding")
	}
	return model.Counters{OutOfBoundsCount: atoiDefault(o), EventCount: atoiDefault(e)}, nil
}

// atoiDefault reads a missing or malformed counter as zero.
func atoiDefault(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
