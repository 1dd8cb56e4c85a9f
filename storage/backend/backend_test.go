package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/storage/storetest"
	"github.com/c360studio/semflow/test/natstest"
)

func roundTrip(t *testing.T, s storage.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, storetest.Record(storage.KindPlan, "plan-1", "corr-1")))
	got, err := s.GetByCorrelation(ctx, storage.KindPlan, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "plan-1", got.ID)
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name string
		cfg  config.StoreConfig
	}{
		{name: "memory", cfg: config.StoreConfig{Backend: config.BackendMemory}},
		{name: "memory instrumented", cfg: config.StoreConfig{Backend: config.BackendMemory, Instrument: true}},
		{name: "sqlite", cfg: config.StoreConfig{Backend: config.BackendSQLite, Path: filepath.Join(t.TempDir(), "flow.db")}},
		{name: "badger", cfg: config.StoreConfig{Backend: config.BackendBadger, Path: t.TempDir()}},
		{name: "redis", cfg: config.StoreConfig{Backend: config.BackendRedis, Redis: config.RedisConfig{Addr: mr.Addr(), Prefix: "t"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(context.Background(), tt.cfg, nil, nil)
			require.NoError(t, err)
			defer s.Close()
			roundTrip(t, s)
		})
	}
}

func TestOpen_NATSKV(t *testing.T) {
	srv := natstest.Start(t)
	s, err := Open(context.Background(), config.StoreConfig{Backend: config.BackendNATSKV, KVHistory: 2}, srv.JS, nil)
	require.NoError(t, err)
	defer s.Close()
	roundTrip(t, s)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Backend: "etcd"}, nil, nil)
	assert.Error(t, err)

	_, err = Open(context.Background(), config.StoreConfig{Backend: config.BackendNATSKV}, nil, nil)
	assert.Error(t, err, "natskv needs a JetStream context")
}
