package db

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_GetSet(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("jobs/a", []byte("test-value")))

	got, err := store.Get("jobs/a")
	require.NoError(t, err)
	assert.Equal(t, "test-value", string(got))
}

func TestStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("jobs/nonexistent")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("jobs/a", []byte("v")))
	require.NoError(t, store.Delete("jobs/a"))

	_, err := store.Get("jobs/a")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.ErrorIs(t, store.Delete("jobs/a"), ErrKeyNotFound)
}

func TestStore_Update(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set("counter", []byte("")))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Update("counter", func(cur []byte) ([]byte, error) {
				return append(cur, 'x'), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 10), string(got))
}

func TestStore_UpdateAbort(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set("k", []byte("old")))

	boom := errors.New("boom")
	err := store.Update("k", func([]byte) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	got, _ := store.Get("k")
	assert.Equal(t, "old", string(got))

	err = store.Update("missing", func(cur []byte) ([]byte, error) { return cur, nil })
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStore_ScanAndDeleteWhere(t *testing.T) {
	store, err := NewStore("", Options{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set("jobs/1", []byte("keep")))
	require.NoError(t, store.Set("jobs/2", []byte("drop")))
	require.NoError(t, store.Set("jobs/3", []byte("drop")))
	require.NoError(t, store.Set("other/1", []byte("drop")))

	var keys []string
	require.NoError(t, store.Scan("jobs/", func(k string, _ []byte) bool {
		keys = append(keys, k)
		return true
	}))
	assert.Equal(t, []string{"jobs/1", "jobs/2", "jobs/3"}, keys)

	n, err := store.DeleteWhere("jobs/", func(v []byte) bool { return string(v) == "drop" })
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Get("other/1")
	assert.NoError(t, err)
}
