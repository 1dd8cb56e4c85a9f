// Package storetest holds the behaviour every storage.Store backend must
// share. Backend tests call Run with a constructor for a fresh, empty store.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/storage"
)

// Record builds a test record.
func Record(kind storage.Kind, id string, cids ...string) storage.Record {
	return storage.Record{
		Kind:           kind,
		ID:             id,
		Status:         "pending",
		CorrelationIDs: cids,
		Data:           []byte(fmt.Sprintf(`{"id":%q,"n":1}`, id)),
		UpdatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Helper()

	t.Run("save and get", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		rec := Record(storage.KindPlan, "plan-1", "task-1")
		rec.SessionID = "s1"
		rec.OwnerID = "parent"
		require.NoError(t, s.Save(ctx, rec))

		got, err := s.Get(ctx, storage.KindPlan, "plan-1")
		require.NoError(t, err)
		assertSame(t, rec, got)

		_, err = s.Get(ctx, storage.KindPlan, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("rejects invalid record", func(t *testing.T) {
		s := open(t)
		err := s.Save(context.Background(), storage.Record{Kind: storage.KindPlan})
		assert.ErrorIs(t, err, storage.ErrInvalidRecord)
		err = s.Save(context.Background(), storage.Record{Kind: "bogus", ID: "x"})
		assert.ErrorIs(t, err, storage.ErrInvalidRecord)
	})

	t.Run("get by correlation", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, Record(storage.KindTask, "task-1", "sub-a", "sub-b")))

		for _, cid := range []string{"task-1", "sub-a", "sub-b"} {
			got, err := s.GetByCorrelation(ctx, storage.KindTask, cid)
			require.NoError(t, err, cid)
			assert.Equal(t, "task-1", got.ID)
		}

		_, err := s.GetByCorrelation(ctx, storage.KindTask, "sub-z")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetByCorrelation(ctx, storage.KindPlan, "sub-a")
		assert.ErrorIs(t, err, storage.ErrNotFound, "index is per kind")
	})

	t.Run("resave replaces correlation ids", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, Record(storage.KindPlan, "plan-1", "old")))
		require.NoError(t, s.Save(ctx, Record(storage.KindPlan, "plan-1", "new")))

		_, err := s.GetByCorrelation(ctx, storage.KindPlan, "old")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		got, err := s.GetByCorrelation(ctx, storage.KindPlan, "new")
		require.NoError(t, err)
		assert.Equal(t, "plan-1", got.ID)
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, Record(storage.KindTask, "task-1", "sub-a")))
		require.NoError(t, s.Delete(ctx, storage.KindTask, "task-1"))

		_, err := s.Get(ctx, storage.KindTask, "task-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetByCorrelation(ctx, storage.KindTask, "sub-a")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.NoError(t, s.Delete(ctx, storage.KindTask, "task-1"), "deleting a missing record is not an error")
	})

	t.Run("list with filter", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		a := Record(storage.KindPlan, "b-plan")
		a.Status, a.SessionID = "running", "s1"
		b := Record(storage.KindPlan, "a-plan")
		b.Status, b.SessionID = "completed", "s1"
		c := Record(storage.KindPlan, "c-plan")
		c.Status, c.SessionID, c.OwnerID = "running", "s2", "a-plan"
		task := Record(storage.KindTask, "task-1")
		for _, r := range []storage.Record{a, b, c, task} {
			require.NoError(t, s.Save(ctx, r))
		}

		all, err := s.List(ctx, storage.KindPlan, storage.Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a-plan", "b-plan", "c-plan"}, ids(all))

		running, err := s.List(ctx, storage.KindPlan, storage.Filter{Status: "running"})
		require.NoError(t, err)
		assert.Equal(t, []string{"b-plan", "c-plan"}, ids(running))

		session, err := s.List(ctx, storage.KindPlan, storage.Filter{SessionID: "s1", Status: "running"})
		require.NoError(t, err)
		assert.Equal(t, []string{"b-plan"}, ids(session))

		owned, err := s.List(ctx, storage.KindPlan, storage.Filter{OwnerID: "a-plan"})
		require.NoError(t, err)
		assert.Equal(t, []string{"c-plan"}, ids(owned))

		none, err := s.List(ctx, storage.KindTask, storage.Filter{Status: "completed"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("concurrent saves of distinct records", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.Save(ctx, Record(storage.KindTask, fmt.Sprintf("task-%02d", i), fmt.Sprintf("sub-%02d", i)))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		all, err := s.List(ctx, storage.KindTask, storage.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 20)

		got, err := s.GetByCorrelation(ctx, storage.KindTask, "sub-07")
		require.NoError(t, err)
		assert.Equal(t, "task-07", got.ID)
	})
}

func assertSame(t *testing.T, want, got storage.Record) {
	t.Helper()
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.SessionID, got.SessionID)
	assert.Equal(t, want.OwnerID, got.OwnerID)
	assert.Equal(t, want.Status, got.Status)
	assert.ElementsMatch(t, want.CorrelationIDs, got.CorrelationIDs)
	assert.JSONEq(t, string(want.Data), string(got.Data))
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated_at %v != %v", want.UpdatedAt, got.UpdatedAt)
}

func ids(recs []storage.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
