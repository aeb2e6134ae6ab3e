package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steprun/orchestrator/internal/db"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"badger": func(t *testing.T) Store {
			dbStore, err := db.NewStore(t.TempDir(), db.Options{})
			require.NoError(t, err)
			t.Cleanup(func() { dbStore.Close() })
			return NewPersistentStore(dbStore)
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

func seed(t *testing.T, s Store, base time.Time) []Entry {
	t.Helper()
	entries := []Entry{
		{ID: "1", Level: LevelInfo, Message: "job created", JobID: "a", CreatedAt: base},
		{ID: "2", Level: LevelError, Message: "job failed", JobID: "a", CreatedAt: base.Add(time.Second)},
		{ID: "3", Level: LevelInfo, Message: "job created", JobID: "b", CreatedAt: base.Add(2 * time.Second)},
		{ID: "4", Level: LevelWarning, Message: "submission rejected", CreatedAt: base.Add(3 * time.Second)},
	}
	for _, e := range entries {
		require.NoError(t, s.Append(context.Background(), e))
	}
	return entries
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestStore_List(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

		all, err := s.List(ctx, LevelAll, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"4", "3", "2", "1"}, ids(all))
		assert.Equal(t, "a", all[2].JobID)

		info, err := s.List(ctx, LevelInfo, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"3", "1"}, ids(info))

		limited, err := s.List(ctx, LevelAll, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"4", "3"}, ids(limited))

		none, err := s.List(ctx, LevelError, 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, ids(none))
	})
}

func TestStore_DeleteBefore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		seed(t, s, base)

		n, err := s.DeleteBefore(ctx, base.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		left, err := s.List(ctx, LevelAll, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"4", "3"}, ids(left))
	})
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"": LevelAll, "all": LevelAll, "info": LevelInfo, "Warning": LevelWarning, "ERROR": LevelError} {
		got, ok := ParseLevel(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseLevel("debugish")
	assert.False(t, ok)
}
