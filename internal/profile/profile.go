// Package profile holds the named delay profiles that pace a job: how long a
// single step dwells and how long a runner waits between steps.
package profile

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

const DefaultName = "normal"

const (
	outlierChance = 0.1
	outlierMinMul = 1.5
	outlierMaxMul = 2.5
)

type Profile struct {
	Name string        `yaml:"name" json:"name"`
	Min  time.Duration `yaml:"min" json:"min"`
	Max  time.Duration `yaml:"max" json:"max"`
}

var defaults = []Profile{
	{Name: "fast", Min: 1 * time.Second, Max: 3 * time.Second},
	{Name: "normal", Min: 3 * time.Second, Max: 5 * time.Second},
	{Name: "safe", Min: 5 * time.Second, Max: 10 * time.Second},
	{Name: "ultra-safe", Min: 10 * time.Second, Max: 20 * time.Second},
}

// Set is an ordered, validated collection of profiles, fastest first.
type Set struct {
	ordered  []Profile
	byName   map[string]Profile
	fallback string
}

func Defaults() *Set {
	s, err := NewSet(defaults, DefaultName)
	if err != nil {
		panic(err)
	}
	return s
}

// DefaultProfiles returns a copy of the built-in profile table.
func DefaultProfiles() []Profile {
	return append([]Profile{}, defaults...)
}

// NewSet validates profiles. Ranges must be well formed and strictly
// increasing in both bounds, and fallback must name one of them.
func NewSet(profiles []Profile, fallback string) (*Set, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no delay profiles configured")
	}
	s := &Set{
		ordered:  make([]Profile, 0, len(profiles)),
		byName:   make(map[string]Profile, len(profiles)),
		fallback: fallback,
	}
	for i, p := range profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile %d: missing name", i)
		}
		if _, dup := s.byName[p.Name]; dup {
			return nil, fmt.Errorf("profile %q: duplicate name", p.Name)
		}
		if p.Min < 0 || p.Max < p.Min {
			return nil, fmt.Errorf("profile %q: invalid range [%s, %s]", p.Name, p.Min, p.Max)
		}
		if i > 0 {
			prev := profiles[i-1]
			if p.Min <= prev.Min || p.Max <= prev.Max {
				return nil, fmt.Errorf("profile %q: range must be slower than %q", p.Name, prev.Name)
			}
		}
		s.ordered = append(s.ordered, p)
		s.byName[p.Name] = p
	}
	if _, ok := s.byName[fallback]; !ok {
		return nil, fmt.Errorf("fallback profile %q not defined", fallback)
	}
	return s, nil
}

// Resolve returns the named profile. Unknown names resolve to the fallback
// profile; the bool reports whether name was known.
func (s *Set) Resolve(name string) (Profile, bool) {
	if p, ok := s.byName[name]; ok {
		return p, true
	}
	return s.byName[s.fallback], false
}

func (s *Set) Names() []string {
	names := make([]string, 0, len(s.ordered))
	for _, p := range s.ordered {
		names = append(names, p.Name)
	}
	return names
}

// Sampler draws randomized durations from profiles. Safe for concurrent use.
type Sampler struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewSampler(seed uint64) *Sampler {
	return &Sampler{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *Sampler) uniform(lo, hi float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + s.r.Float64()*(hi-lo)
}

func (s *Sampler) chance(p float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64() < p
}

// Float64 returns a value in [0, 1).
func (s *Sampler) Float64() float64 {
	return s.uniform(0, 1)
}

// StepDuration is the dwell time of one step: uniform in [Min, Max], and
// one time in ten stretched by a factor in [1.5, 2.5].
func (s *Sampler) StepDuration(p Profile) time.Duration {
	d := s.uniform(float64(p.Min), float64(p.Max))
	if s.chance(outlierChance) {
		d *= s.uniform(outlierMinMul, outlierMaxMul)
	}
	return time.Duration(d)
}

// InterStepDelay is the pause between two steps, uniform in [Max, 2*Max].
func (s *Sampler) InterStepDelay(p Profile) time.Duration {
	return time.Duration(s.uniform(float64(p.Max), float64(2*p.Max)))
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
