// Package redis stores plan and task records in Redis.
//
// Layout under a key prefix:
//
//	<prefix>:rec:<kind>:<id>  record JSON
//	<prefix>:cid:<kind>:<cid> owning record id
//	<prefix>:ids:<kind>       set of record ids
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/semflow/storage"
)

// DefaultPrefix namespaces every key.
const DefaultPrefix = "semflow"

// Config holds Redis connection configuration.
type Config struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
	Prefix   string // Key prefix
}

// Store implements storage.Store on Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) recKey(kind storage.Kind, id string) string {
	return fmt.Sprintf("%s:rec:%s:%s", s.prefix, kind, id)
}

func (s *Store) cidKey(kind storage.Kind, cid string) string {
	return fmt.Sprintf("%s:cid:%s:%s", s.prefix, kind, cid)
}

func (s *Store) idsKey(kind storage.Kind) string {
	return fmt.Sprintf("%s:ids:%s", s.prefix, kind)
}

// Save writes the record, its set membership and index keys in one
// MULTI/EXEC, dropping index keys the record no longer answers to.
func (s *Store) Save(ctx context.Context, rec storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	old, err := s.Get(ctx, rec.Kind, rec.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recKey(rec.Kind, rec.ID), data, 0)
		pipe.SAdd(ctx, s.idsKey(rec.Kind), rec.ID)
		for _, cid := range rec.LookupIDs() {
			pipe.Set(ctx, s.cidKey(rec.Kind, cid), rec.ID, 0)
		}
		if old.ID != "" {
			for _, cid := range old.LookupIDs() {
				if !rec.Answers(cid) {
					pipe.Del(ctx, s.cidKey(rec.Kind, cid))
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", rec.Key(), err)
	}
	return nil
}

// Get reads a record by id.
func (s *Store) Get(ctx context.Context, kind storage.Kind, id string) (storage.Record, error) {
	data, err := s.client.Get(ctx, s.recKey(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("get %s:%s: %w", kind, id, err)
	}
	return decode(data)
}

// GetByCorrelation resolves cid through its index key.
func (s *Store) GetByCorrelation(ctx context.Context, kind storage.Kind, cid string) (storage.Record, error) {
	id, err := s.client.Get(ctx, s.cidKey(kind, cid)).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("lookup correlation %s: %w", cid, err)
	}
	rec, err := s.Get(ctx, kind, id)
	if err != nil {
		return storage.Record{}, err
	}
	if !rec.Answers(cid) {
		return storage.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

// Delete removes the record and its index keys.
func (s *Store) Delete(ctx context.Context, kind storage.Kind, id string) error {
	rec, err := s.Get(ctx, kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recKey(kind, id))
		pipe.SRem(ctx, s.idsKey(kind), id)
		for _, cid := range rec.LookupIDs() {
			pipe.Del(ctx, s.cidKey(kind, cid))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s:%s: %w", kind, id, err)
	}
	return nil
}

// List loads every member of the kind's id set.
func (s *Store) List(ctx context.Context, kind storage.Kind, filter storage.Filter) ([]storage.Record, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", kind, err)
	}
	out := []storage.Record{}
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recKey(kind, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s records: %w", kind, err)
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // removed between SMEMBERS and MGET
		}
		rec, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	storage.SortRecords(out)
	return out, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(data []byte) (storage.Record, error) {
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return storage.Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}
