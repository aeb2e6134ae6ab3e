package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steprun/orchestrator/internal/db"
)

const keyPrefix = "events/"

// PersistentStore keeps entries in badger under events/<unix nanos>-<id>,
// so key order is creation order.
type PersistentStore struct {
	dbStore *db.Store
}

func NewPersistentStore(dbStore *db.Store) *PersistentStore {
	return &PersistentStore{dbStore: dbStore}
}

func entryKey(e Entry) string {
	return fmt.Sprintf("%s%020d-%s", keyPrefix, e.CreatedAt.UnixNano(), e.ID)
}

func (s *PersistentStore) Append(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.dbStore.Set(entryKey(e), data); err != nil {
		return fmt.Errorf("store event: %w", err)
	}
	return nil
}

func (s *PersistentStore) List(_ context.Context, level Level, limit int) ([]Entry, error) {
	var all []Entry
	var decodeErr error
	err := s.dbStore.Scan(keyPrefix, func(key string, value []byte) bool {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			decodeErr = fmt.Errorf("unmarshal %s: %w", key, err)
			return false
		}
		if matches(e, level) {
			all = append(all, e)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	out := make([]Entry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *PersistentStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	return s.dbStore.DeleteWhere(keyPrefix, func(value []byte) bool {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return false
		}
		return e.CreatedAt.Before(cutoff)
	})
}
