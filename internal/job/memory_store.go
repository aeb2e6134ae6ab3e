package job

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // creation order
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*Job),
		order: make([]string, 0),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("job already exists: %s", j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	s.order = append(s.order, j.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) update(id string, fn func(j *Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := j.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id, runID string, status Status, errMsg, note string) (*Job, error) {
	return s.update(id, func(j *Job) error {
		return applyStatus(j, runID, status, errMsg, note, s.now())
	})
}

func (s *MemoryStore) AppendProgress(_ context.Context, id, runID string, completed int, message string) (*Job, error) {
	return s.update(id, func(j *Job) error {
		return applyProgress(j, runID, completed, message, s.now())
	})
}

func (s *MemoryStore) ResetForRetry(_ context.Context, id string) (*Job, error) {
	return s.update(id, func(j *Job) error {
		return ResetForRetry(j, s.now())
	})
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.jobs, id)
	s.removeFromOrder(id)
	return nil
}

func (s *MemoryStore) removeFromOrder(id string) {
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) ListByStatusPaged(_ context.Context, status Status, limit, offset int) ([]*Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Job
	for i := len(s.order) - 1; i >= 0; i-- {
		j := s.jobs[s.order[i]]
		if status == "" || j.Status == status {
			filtered = append(filtered, j)
		}
	}

	paged := page(filtered, limit, offset)
	out := make([]*Job, 0, len(paged))
	for _, j := range paged {
		out = append(out, j.Clone())
	}
	return out, len(filtered), nil
}

func (s *MemoryStore) Stats(_ context.Context, dayStart time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, j)
	}
	return computeStats(all, dayStart), nil
}

func (s *MemoryStore) SweepNonTerminal(_ context.Context, note string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept []string
	now := s.now()
	for _, id := range s.order {
		j := s.jobs[id]
		if !j.Status.IsActive() {
			continue
		}
		if err := Transition(j, StatusStopped, "", note, now); err != nil {
			return swept, err
		}
		swept = append(swept, id)
	}
	return swept, nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, id := range append([]string{}, s.order...) {
		j := s.jobs[id]
		if j.Status.IsTerminal() && j.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			s.removeFromOrder(id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
