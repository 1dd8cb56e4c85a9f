// Package badger stores plan and task records in an embedded Badger LSM
// database. Keys:
//
//	rec/<kind>/<id>  record JSON
//	cid/<kind>/<cid> owning record id
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/c360studio/semflow/storage"
)

// maxConflictRetries bounds retries of a write transaction that lost an
// optimistic conflict.
const maxConflictRetries = 5

// Store implements storage.Store on Badger.
type Store struct {
	db *badger.DB
}

// Open opens (creating if needed) a database directory.
func Open(path string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a database that lives only in memory.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &Store{db: db}, nil
}

func recKey(kind storage.Kind, id string) []byte {
	return []byte("rec/" + string(kind) + "/" + id)
}

func cidKey(kind storage.Kind, cid string) []byte {
	return []byte("cid/" + string(kind) + "/" + cid)
}

func getRecord(txn *badger.Txn, kind storage.Kind, id string) (storage.Record, error) {
	item, err := txn.Get(recKey(kind, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, err
	}
	var rec storage.Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Save replaces the record and its index entries in one transaction.
func (s *Store) Save(_ context.Context, rec storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	err = s.update(func(txn *badger.Txn) error {
		old, err := getRecord(txn, rec.Kind, rec.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if old.ID != "" {
			for _, cid := range old.LookupIDs() {
				if !rec.Answers(cid) {
					if err := txn.Delete(cidKey(rec.Kind, cid)); err != nil {
						return err
					}
				}
			}
		}
		if err := txn.Set(recKey(rec.Kind, rec.ID), buf); err != nil {
			return err
		}
		for _, cid := range rec.LookupIDs() {
			if err := txn.Set(cidKey(rec.Kind, cid), []byte(rec.ID)); err != nil {
				return err
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
func (s *Store) Get(_ context.Context, kind storage.Kind, id string) (storage.Record, error) {
	var rec storage.Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, kind, id)
		return err
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, fmt.Errorf("get %s:%s: %w", kind, id, err)
	}
	return rec, err
}

// GetByCorrelation resolves cid and reads the record in one snapshot.
func (s *Store) GetByCorrelation(_ context.Context, kind storage.Kind, cid string) (storage.Record, error) {
	var rec storage.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cidKey(kind, cid))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err = getRecord(txn, kind, string(id))
		return err
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, fmt.Errorf("lookup correlation %s: %w", cid, err)
	}
	return rec, err
}

// Delete removes the record and its index entries.
func (s *Store) Delete(_ context.Context, kind storage.Kind, id string) error {
	err := s.update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, kind, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, cid := range rec.LookupIDs() {
			if err := txn.Delete(cidKey(kind, cid)); err != nil {
				return err
			}
		}
		return txn.Delete(recKey(kind, id))
	})
	if err != nil {
		return fmt.Errorf("delete %s:%s: %w", kind, id, err)
	}
	return nil
}

// List iterates the kind's record prefix.
func (s *Store) List(_ context.Context, kind storage.Kind, filter storage.Filter) ([]storage.Record, error) {
	out := []storage.Record{}
	prefix := []byte("rec/" + string(kind) + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec storage.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if filter.Match(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	storage.SortRecords(out)
	return out, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
