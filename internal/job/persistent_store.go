package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/steprun/orchestrator/internal/db"
)

const keyPrefix = "jobs/"

type PersistentStore struct {
	dbStore *db.Store
	now     func() time.Time
}

func NewPersistentStore(dbStore *db.Store) *PersistentStore {
	return &PersistentStore{
		dbStore: dbStore,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func jobKey(id string) string {
	return keyPrefix + id
}

// record is the stored form of a Job. The run token is not part of the
// public encoding but has to survive the store.
type record struct {
	*Job
	RunID string `json:"run_id"`
}

func encodeJob(j *Job) ([]byte, error) {
	return json.Marshal(record{Job: j, RunID: j.RunID})
}

func decodeJob(data []byte) (*Job, error) {
	rec := record{Job: &Job{}}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	rec.Job.RunID = rec.RunID
	return rec.Job, nil
}

func (s *PersistentStore) Create(_ context.Context, j *Job) error {
	if _, err := s.dbStore.Get(jobKey(j.ID)); err == nil {
		return fmt.Errorf("job already exists: %s", j.ID)
	}
	data, err := encodeJob(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.dbStore.Set(jobKey(j.ID), data); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

func (s *PersistentStore) Get(_ context.Context, id string) (*Job, error) {
	data, err := s.dbStore.Get(jobKey(id))
	if err != nil {
		return nil, translate(id, err)
	}
	j, err := decodeJob(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return j, nil
}

func (s *PersistentStore) update(id string, fn func(j *Job) error) (*Job, error) {
	var out Job
	err := s.dbStore.Update(jobKey(id), func(current []byte) ([]byte, error) {
		j, err := decodeJob(current)
		if err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		if err := fn(j); err != nil {
			return nil, err
		}
		out = *j
		return encodeJob(j)
	})
	if err != nil {
		return nil, translate(id, err)
	}
	return &out, nil
}

func (s *PersistentStore) UpdateStatus(_ context.Context, id, runID string, status Status, errMsg, note string) (*Job, error) {
	return s.update(id, func(j *Job) error {
		return applyStatus(j, runID, status, errMsg, note, s.now())
	})
}

func (s *PersistentStore) AppendProgress(_ context.Context, id, runID string, completed int, message string) (*Job, error) {
	return s.update(id, func(j *Job) error {
		return applyProgress(j, runID, completed, message, s.now())
	})
}

func (s *PersistentStore) ResetForRetry(_ context.Context, id string) (*Job, error) {
	return s.update(id, func(j *Job) error {
		return ResetForRetry(j, s.now())
	})
}

func (s *PersistentStore) Delete(_ context.Context, id string) error {
	if err := s.dbStore.Delete(jobKey(id)); err != nil {
		return translate(id, err)
	}
	return nil
}

func (s *PersistentStore) all() ([]*Job, error) {
	var jobs []*Job
	var decodeErr error
	err := s.dbStore.Scan(keyPrefix, func(key string, value []byte) bool {
		j, err := decodeJob(value)
		if err != nil {
			decodeErr = fmt.Errorf("unmarshal %s: %w", key, err)
			return false
		}
		jobs = append(jobs, j)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	// Most recent first
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
	return jobs, nil
}

func (s *PersistentStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	jobs, err := s.all()
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for _, j := range jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *PersistentStore) ListByStatusPaged(_ context.Context, status Status, limit, offset int) ([]*Job, int, error) {
	jobs, err := s.all()
	if err != nil {
		return nil, 0, err
	}
	var filtered []*Job
	for _, j := range jobs {
		if status == "" || j.Status == status {
			filtered = append(filtered, j)
		}
	}
	return page(filtered, limit, offset), len(filtered), nil
}

func (s *PersistentStore) Stats(_ context.Context, dayStart time.Time) (Stats, error) {
	jobs, err := s.all()
	if err != nil {
		return Stats{}, err
	}
	return computeStats(jobs, dayStart), nil
}

func (s *PersistentStore) SweepNonTerminal(ctx context.Context, note string) ([]string, error) {
	jobs, err := s.all()
	if err != nil {
		return nil, err
	}
	var swept []string
	for _, j := range jobs {
		if !j.Status.IsActive() {
			continue
		}
		if _, err := s.UpdateStatus(ctx, j.ID, "", StatusStopped, "", note); err != nil {
			return swept, fmt.Errorf("sweep job %s: %w", j.ID, err)
		}
		swept = append(swept, j.ID)
	}
	return swept, nil
}

func (s *PersistentStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	return s.dbStore.DeleteWhere(keyPrefix, func(value []byte) bool {
		j, err := decodeJob(value)
		if err != nil {
			return false
		}
		return j.Status.IsTerminal() && j.CreatedAt.Before(cutoff)
	})
}

func (s *PersistentStore) Close() error {
	return s.dbStore.Close()
}

func translate(id string, err error) error {
	if errors.Is(err, db.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
