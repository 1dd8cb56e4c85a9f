// Package storage is the persistence port of the engine: a narrow record
// store addressable by primary id and by correlation id, plus a typed
// repository for plans and tasks on top of it.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind is the type of record stored.
type Kind string

const (
	KindPlan Kind = "plan"
	KindTask Kind = "task"
)

// Kinds lists every record kind.
var Kinds = []Kind{KindPlan, KindTask}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindPlan || k == KindTask
}

// Bucket names used by key-value backends.
const (
	BucketPlans        = "SEMFLOW_PLANS"
	BucketTasks        = "SEMFLOW_TASKS"
	BucketCorrelations = "SEMFLOW_CORRELATIONS"
)

// BucketFor returns the record bucket for a kind.
func BucketFor(k Kind) string {
	if k == KindTask {
		return BucketTasks
	}
	return BucketPlans
}

// Key is a typed record identifier.
type Key struct {
	Kind Kind
	ID   string
}

// String returns "kind:id".
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.ID)
}

// ParseKey parses a "kind:id" string.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Key{}, fmt.Errorf("invalid record key format: %s", s)
	}
	k := Kind(parts[0])
	if !k.Valid() {
		return Key{}, fmt.Errorf("unknown record kind: %s", parts[0])
	}
	return Key{Kind: k, ID: parts[1]}, nil
}

// Record is the persisted form of a plan or task. Data is opaque to the
// store; the other fields exist so backends can index it.
type Record struct {
	Kind           Kind            `json:"kind"`
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id,omitempty"`
	OwnerID        string          `json:"owner_id,omitempty"`
	Status         string          `json:"status,omitempty"`
	CorrelationIDs []string        `json:"correlation_ids,omitempty"`
	Data           json.RawMessage `json:"data"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Key returns the typed key of the record.
func (r Record) Key() Key {
	return Key{Kind: r.Kind, ID: r.ID}
}

// Validate checks the fields every backend relies on.
func (r Record) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, r.Kind)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidRecord)
	}
	return nil
}

// LookupIDs returns every id the record answers to: its own id followed by
// its correlation ids, without duplicates.
func (r Record) LookupIDs() []string {
	ids := []string{r.ID}
	for _, c := range r.CorrelationIDs {
		if c != "" && !slices.Contains(ids, c) {
			ids = append(ids, c)
		}
	}
	return ids
}

// Answers reports whether the record is addressable by id.
func (r Record) Answers(id string) bool {
	return id != "" && slices.Contains(r.LookupIDs(), id)
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Status    string
	SessionID string
	OwnerID   string
}

// Match reports whether r passes the filter.
func (f Filter) Match(r Record) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.OwnerID != "" && r.OwnerID != f.OwnerID {
		return false
	}
	return true
}

// Store is the persistence port. Save replaces the record and its
// correlation index entries; last write wins. Get and GetByCorrelation
// return ErrNotFound on a miss. Delete of a missing record is not an error.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, kind Kind, id string) (Record, error)
	GetByCorrelation(ctx context.Context, kind Kind, correlationID string) (Record, error)
	Delete(ctx context.Context, kind Kind, id string) error
	List(ctx context.Context, kind Kind, filter Filter) ([]Record, error)
	Close() error
}

// SortRecords orders records by id for stable listings.
func SortRecords(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int {
		return strings.Compare(a.ID, b.ID)
	})
}
