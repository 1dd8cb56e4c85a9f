// Package natskv stores plan and task records in NATS JetStream key-value
// buckets, with a separate bucket indexing correlation ids.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semflow/storage"
)

// DefaultHistory is the number of revisions kept per record.
const DefaultHistory = 5

var validKey = regexp.MustCompile(`^[-/_=\.a-zA-Z0-9]+$`)

// Store implements storage.Store on JetStream KV.
type Store struct {
	records map[storage.Kind]jetstream.KeyValue
	index   jetstream.KeyValue
	history uint8
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithHistory sets the number of revisions kept per key.
func WithHistory(n uint8) Option {
	return func(s *Store) {
		s.history = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens (creating if needed) the record and index buckets.
func New(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Store, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream context required")
	}
	s := &Store{
		records: make(map[storage.Kind]jetstream.KeyValue),
		history: DefaultHistory,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, kind := range storage.Kinds {
		kv, err := s.bucket(ctx, js, storage.BucketFor(kind), fmt.Sprintf("semflow %s records", kind))
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", kind, err)
		}
		s.records[kind] = kv
	}
	index, err := s.bucket(ctx, js, storage.BucketCorrelations, "semflow correlation index")
	if err != nil {
		return nil, fmt.Errorf("create correlation bucket: %w", err)
	}
	s.index = index
	return s, nil
}

func (s *Store) bucket(ctx context.Context, js jetstream.JetStream, name, description string) (jetstream.KeyValue, error) {
	// CreateOrUpdateKeyValue is idempotent across replicas racing at startup.
	return js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: description,
		History:     s.history,
	})
}

// encodeKey maps arbitrary ids onto the NATS key alphabet.
func encodeKey(id string) string {
	if validKey.MatchString(id) && !strings.HasPrefix(id, ".") && !strings.HasSuffix(id, ".") {
		return id
	}
	return "b64_" + base64.RawURLEncoding.EncodeToString([]byte(id))
}

func indexKey(kind storage.Kind, cid string) string {
	return string(kind) + "." + encodeKey(cid)
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// Save writes the record, then its index entries, then drops stale ones.
// Readers verify index hits against the record, so a crash between the
// steps leaves at worst an ignorable stale entry.
func (s *Store) Save(ctx context.Context, rec storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	kv := s.records[rec.Kind]

	old, err := s.Get(ctx, rec.Kind, rec.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := kv.Put(ctx, encodeKey(rec.ID), data); err != nil {
		return fmt.Errorf("put %s: %w", rec.Key(), err)
	}

	for _, cid := range rec.LookupIDs() {
		if _, err := s.index.PutString(ctx, indexKey(rec.Kind, cid), rec.ID); err != nil {
			return fmt.Errorf("index %s -> %s: %w", cid, rec.Key(), err)
		}
	}

	for _, cid := range old.LookupIDs() {
		if old.ID == "" || rec.Answers(cid) {
			continue
		}
		if err := s.index.Delete(ctx, indexKey(rec.Kind, cid)); err != nil && !isNotFound(err) {
			s.logger.Warn("Failed to drop stale correlation entry",
				"key", rec.Key().String(),
				"correlation_id", cid,
				"error", err)
		}
	}
	return nil
}

// Get reads a record by id.
func (s *Store) Get(ctx context.Context, kind storage.Kind, id string) (storage.Record, error) {
	kv, ok := s.records[kind]
	if !ok {
		return storage.Record{}, fmt.Errorf("%w: unknown kind %q", storage.ErrInvalidRecord, kind)
	}
	entry, err := kv.Get(ctx, encodeKey(id))
	if err != nil {
		if isNotFound(err) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, fmt.Errorf("get %s:%s: %w", kind, id, err)
	}
	var rec storage.Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return storage.Record{}, fmt.Errorf("unmarshal %s:%s: %w", kind, id, err)
	}
	return rec, nil
}

// GetByCorrelation resolves cid through the index bucket.
func (s *Store) GetByCorrelation(ctx context.Context, kind storage.Kind, cid string) (storage.Record, error) {
	if cid == "" {
		return storage.Record{}, storage.ErrNotFound
	}
	entry, err := s.index.Get(ctx, indexKey(kind, cid))
	if err != nil {
		if isNotFound(err) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, fmt.Errorf("lookup correlation %s: %w", cid, err)
	}
	rec, err := s.Get(ctx, kind, string(entry.Value()))
	if err != nil {
		return storage.Record{}, err
	}
	if !rec.Answers(cid) {
		return storage.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

// Delete removes the record and its index entries.
func (s *Store) Delete(ctx context.Context, kind storage.Kind, id string) error {
	rec, err := s.Get(ctx, kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, cid := range rec.LookupIDs() {
		if err := s.index.Delete(ctx, indexKey(kind, cid)); err != nil && !isNotFound(err) {
			return fmt.Errorf("delete index %s: %w", cid, err)
		}
	}
	if err := s.records[kind].Delete(ctx, encodeKey(id)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s:%s: %w", kind, id, err)
	}
	return nil
}

// List scans every key of the kind's bucket.
func (s *Store) List(ctx context.Context, kind storage.Kind, filter storage.Filter) ([]storage.Record, error) {
	kv, ok := s.records[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", storage.ErrInvalidRecord, kind)
	}
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []storage.Record{}, nil
		}
		return nil, fmt.Errorf("list %s keys: %w", kind, err)
	}

	out := make([]storage.Record, 0, len(keys))
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		var rec storage.Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			s.logger.Warn("Skipping undecodable record", "bucket", storage.BucketFor(kind), "key", key, "error", err)
			continue
		}
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	storage.SortRecords(out)
	return out, nil
}

// Close is a no-op; the NATS connection belongs to the caller.
func (s *Store) Close() error { return nil }
