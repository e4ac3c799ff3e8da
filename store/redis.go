package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisStore is the production Store backend. Each key is a Redis hash
// with fields "value" and "version"; presence of the hash is presence of
// the key. AtomicCommit uses WATCH/MULTI/EXEC for optimistic concurrency,
// and every successful write publishes to a per-key channel so Watch can
// wake waiters without polling. See SPEC_FULL.md's DOMAIN STACK section
// for why Redis (rather than a versionstamp-native store) is the backend
// this corpus actually reaches for.
type RedisStore struct {
	client *redis.Client
	seqKey string
	log    *logrus.Entry
}

// NewRedisStore wraps an already-configured *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		seqKey: "__turnframe_version_seq__",
		log:    logrus.WithField("component", "store.redis"),
	}
}

func changeChannel(key string) string {
	return "changes/" + key
}

func (r *RedisStore) entryFromHash(key string, h map[string]string) Entry {
	if len(h) == 0 {
		return Entry{Key: key, Present: false}
	}
	ver, _ := strconv.ParseInt(h["version"], 10, 64)
	return Entry{Key: key, Value: []byte(h["value"]), Version: Versionstamp(ver), Present: true}
}

func (r *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	h, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("store: redis hgetall %s: %w", key, err)
	}
	return r.entryFromHash(key, h), nil
}

func (r *RedisStore) BatchGet(ctx context.Context, keys []string) ([]Entry, error) {
	out := make([]Entry, len(keys))
	for i, k := range keys {
		e, err := r.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func (r *RedisStore) ListByPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: redis scan %s*: %w", prefix, err)
	}
	sort.Strings(keys)
	return r.BatchGet(ctx, keys)
}

// AtomicCommit attempts the commit exactly once and returns ErrRetry if a
// precondition failed or a concurrent writer touched one of the watched
// keys between the check and EXEC. Callers retry via RunTransaction.
func (r *RedisStore) AtomicCommit(ctx context.Context, c Commit) error {
	if c.Empty() {
		return nil
	}

	watchKeys := make([]string, 0, len(c.Preconditions))
	for _, p := range c.Preconditions {
		watchKeys = append(watchKeys, p.Key)
	}

	txf := func(tx *redis.Tx) error {
		for _, p := range c.Preconditions {
			h, err := tx.HGetAll(ctx, p.Key).Result()
			if err != nil {
				return fmt.Errorf("store: redis hgetall %s: %w", p.Key, err)
			}
			present := len(h) > 0
			if p.MustBeAbsent {
				if present {
					return ErrRetry
				}
				continue
			}
			if !present {
				return ErrRetry
			}
			ver, _ := strconv.ParseInt(h["version"], 10, 64)
			if Versionstamp(ver) != p.Version {
				return ErrRetry
			}
		}

		versions := make(map[string]int64, len(c.Writes))
		for _, w := range c.Writes {
			if w.Delete {
				continue
			}
			v, err := tx.Incr(ctx, r.seqKey).Result()
			if err != nil {
				return fmt.Errorf("store: redis incr %s: %w", r.seqKey, err)
			}
			versions[w.Key] = v
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range c.Writes {
				if w.Delete {
					pipe.Del(ctx, w.Key)
					pipe.Publish(ctx, changeChannel(w.Key), "deleted")
					continue
				}
				pipe.HSet(ctx, w.Key, "value", w.Value, "version", versions[w.Key])
				pipe.Publish(ctx, changeChannel(w.Key), "updated")
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("store: redis tx pipeline: %w", err)
		}
		return nil
	}

	err := r.client.Watch(ctx, txf, watchKeys...)
	switch {
	case err == nil:
		return nil
	case err == redis.TxFailedErr:
		return ErrRetry
	default:
		return err
	}
}

func (r *RedisStore) Watch(ctx context.Context, keys []string) (WatchStream, error) {
	channels := make([]string, len(keys))
	for i, k := range keys {
		channels[i] = changeChannel(k)
	}
	sub := r.client.Subscribe(ctx, channels...)
	return &redisWatch{store: r, keys: keys, sub: sub, msgs: sub.Channel()}, nil
}

type redisWatch struct {
	store   *RedisStore
	keys    []string
	sub     *redis.PubSub
	msgs    <-chan *redis.Message
	started bool
}

func (w *redisWatch) Next(ctx context.Context) ([]Entry, error) {
	if !w.started {
		w.started = true
		return w.store.BatchGet(ctx, w.keys)
	}
	select {
	case _, ok := <-w.msgs:
		if !ok {
			return nil, ErrWatchClosed
		}
		return w.store.BatchGet(ctx, w.keys)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *redisWatch) Close() error {
	return w.sub.Close()
}
