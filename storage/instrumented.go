package storage

import (
	"context"
	"errors"
	"time"

	"github.com/c360studio/semflow/metrics"
)

// instrumentedStore wraps any Store to record operation counts and latency.
type instrumentedStore struct {
	inner   Store
	backend string
}

// NewInstrumentedStore decorates inner with Prometheus metrics labelled by
// backend.
func NewInstrumentedStore(inner Store, backend string) Store {
	return &instrumentedStore{inner: inner, backend: backend}
}

func (i *instrumentedStore) observe(op string, start time.Time, err error) {
	res := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		res = "not_found"
	case err != nil:
		res = "error"
	}
	metrics.StoreOpsTotal.WithLabelValues(i.backend, op, res).Inc()
	metrics.StoreOpSeconds.WithLabelValues(i.backend, op).Observe(time.Since(start).Seconds())
}

func (i *instrumentedStore) Save(ctx context.Context, rec Record) (err error) {
	start := time.Now()
	defer func() { i.observe("save", start, err) }()
	return i.inner.Save(ctx, rec)
}

func (i *instrumentedStore) Get(ctx context.Context, kind Kind, id string) (rec Record, err error) {
	start := time.Now()
	defer func() { i.observe("get", start, err) }()
	return i.inner.Get(ctx, kind, id)
}

func (i *instrumentedStore) GetByCorrelation(ctx context.Context, kind Kind, correlationID string) (rec Record, err error) {
	start := time.Now()
	defer func() { i.observe("get_by_correlation", start, err) }()
	return i.inner.GetByCorrelation(ctx, kind, correlationID)
}

func (i *instrumentedStore) Delete(ctx context.Context, kind Kind, id string) (err error) {
	start := time.Now()
	defer func() { i.observe("delete", start, err) }()
	return i.inner.Delete(ctx, kind, id)
}

func (i *instrumentedStore) List(ctx context.Context, kind Kind, filter Filter) (recs []Record, err error) {
	start := time.Now()
	defer func() { i.observe("list", start, err) }()
	return i.inner.List(ctx, kind, filter)
}

func (i *instrumentedStore) Close() error {
	return i.inner.Close()
}
