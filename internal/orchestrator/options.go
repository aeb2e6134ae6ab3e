package orchestrator

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/steprun/orchestrator/internal/profile"
)

const (
	DefaultCapacity        = 3
	DefaultMaxTargetCount  = 100
	DefaultGracePeriod     = 2 * time.Second
	DefaultTeardownTimeout = 10 * time.Second
	DefaultWriteRetry      = 5 * time.Second
)

// Option - how Options are passed as arguments
type Option func(*options)

type options struct {
	withCapacity        int
	withMaxTargetCount  int
	withGracePeriod     time.Duration
	withTeardownTimeout time.Duration
	withWriteRetry      time.Duration
	withProfiles        *profile.Set
	withSampler         *profile.Sampler
	withLogger          hclog.Logger
	withObservers       []Observer
	withClock           func() time.Time
}

func getDefaultOptions() options {
	return options{
		withCapacity:        DefaultCapacity,
		withMaxTargetCount:  DefaultMaxTargetCount,
		withGracePeriod:     DefaultGracePeriod,
		withTeardownTimeout: DefaultTeardownTimeout,
		withWriteRetry:      DefaultWriteRetry,
	}
}

func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// WithCapacity sets the maximum number of active jobs. Zero keeps the default.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.withCapacity = n
		}
	}
}

// WithMaxTargetCount sets the upper bound for a job's target count.
func WithMaxTargetCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.withMaxTargetCount = n
		}
	}
}

// WithGracePeriod sets how long Stop waits for a runner before forcing the
// job to stopped.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.withGracePeriod = d
		}
	}
}

func WithTeardownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.withTeardownTimeout = d
		}
	}
}

// WithWriteRetry bounds how long status writes that decide a job's
// lifecycle are retried after store errors.
func WithWriteRetry(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.withWriteRetry = d
		}
	}
}

func WithProfiles(s *profile.Set) Option {
	return func(o *options) {
		o.withProfiles = s
	}
}

func WithSampler(s *profile.Sampler) Option {
	return func(o *options) {
		o.withSampler = s
	}
}

func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		o.withLogger = l
	}
}

// WithObserver adds an observer; it may be passed more than once.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.withObservers = append(o.withObservers, obs)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.withClock = now
	}
}
