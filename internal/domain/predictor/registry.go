package predictor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/metrics"
	"github.com/okian/tutorrisk/pkg/tracing"
)

const defaultLoadTimeout = 30 * time.Second

// ErrNoSource is returned when the registry has nothing to load from.
var ErrNoSource = errors.New("no artifact source configured")

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRetryCooldown makes Load fail fast for d after a failed fetch.
// Zero retries on every call.
func WithRetryCooldown(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d >= 0 {
			r.cooldown = d
		}
	}
}

// WithLoadTimeout bounds a single fetch.
func WithLoadTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.loadTimeout = d
		}
	}
}

// WithRegistryLogger sets a custom logger.
func WithRegistryLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// Registry owns the in-memory handle of one model family. The first Load
// fetches the artifact; concurrent callers share that fetch and later calls
// read the cached handle without I/O. Failed fetches are not cached.
type Registry struct {
	name        string
	source      Source
	group       singleflight.Group
	current     atomic.Pointer[Artifact]
	cooldown    time.Duration
	loadTimeout time.Duration
	log         logger.Logger

	mu       sync.Mutex
	gen      uint64 // bumped by Invalidate; fetches started earlier do not store
	failedAt time.Time
	lastErr  error
	now      func() time.Time
}

// NewRegistry creates a registry for the model family name. A nil source
// leaves the registry permanently unavailable.
func NewRegistry(name string, source Source, opts ...RegistryOption) *Registry {
	r := &Registry{
		name:        name,
		source:      source,
		loadTimeout: defaultLoadTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Get().Named("registry." + name)
	}
	return r
}

// Name returns the model family name.
func (r *Registry) Name() string { return r.name }

// Current returns the loaded artifact or nil.
func (r *Registry) Current() *Artifact { return r.current.Load() }

// Load returns the cached artifact, fetching it on first use.
// Errors wrap model.ErrModelUnavailable.
func (r *Registry) Load(ctx context.Context) (*Artifact, error) {
	if a := r.current.Load(); a != nil {
		return a, nil
	}
	if r.source == nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrModelUnavailable, r.name, ErrNoSource)
	}
	if err := r.coolingDown(); err != nil {
		return nil, err
	}

	ch := r.group.DoChan("load", func() (any, error) {
		if a := r.current.Load(); a != nil {
			return a, nil
		}
		gen := r.generation()
		a, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		r.storeIfCurrent(gen, a)
		return a, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Artifact), nil //nolint:forcetypeassert // only *Artifact is stored
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", model.ErrModelUnavailable, r.name, ctx.Err())
	}
}

// Invalidate drops the cached artifact; the next Load fetches again.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.gen++
	r.current.Store(nil)
	r.failedAt, r.lastErr = time.Time{}, nil
	r.mu.Unlock()
	r.group.Forget("load")
	metrics.SetModelVersion(r.name, "")
	r.log.Info(context.Background(), "model invalidated")
}

// Reload fetches a fresh artifact and swaps it in atomically. On failure the
// previous artifact stays in service and the error is returned.
func (r *Registry) Reload(ctx context.Context) (*Artifact, error) {
	if r.source == nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrModelUnavailable, r.name, ErrNoSource)
	}
	v, err, _ := r.group.Do("reload", func() (any, error) {
		gen := r.generation()
		a, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		r.storeIfCurrent(gen, a)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil //nolint:forcetypeassert // only *Artifact is stored
}

// fetch runs detached from the caller's cancellation so one impatient caller
// cannot fail the load for everyone sharing it.
func (r *Registry) fetch(ctx context.Context) (a *Artifact, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTimeout)
	defer cancel()
	ctx, span := tracing.Start(ctx, "predictor.LoadModel")
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	a, err = r.source.Fetch(ctx)
	if err != nil {
		if !errors.Is(err, model.ErrModelUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrModelUnavailable, err)
		}
		r.mu.Lock()
		r.failedAt, r.lastErr = r.now(), err
		r.mu.Unlock()
		metrics.RecordModelLoad(r.name, "failed")
		r.log.Warn(ctx, "model load failed",
			logger.String("source", r.source.String()),
			logger.Error(err),
		)
		return nil, err
	}
	r.mu.Lock()
	r.failedAt, r.lastErr = time.Time{}, nil
	r.mu.Unlock()
	metrics.RecordModelLoad(r.name, "ok")
	metrics.SetModelVersion(r.name, a.Version)
	r.log.Info(ctx, "model loaded",
		logger.String("source", r.source.String()),
		logger.String("version", a.Version),
		logger.Int("features", len(a.FeatureNames)),
		logger.Duration("took", time.Since(start)),
	)
	return a, nil
}

func (r *Registry) generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// storeIfCurrent caches a unless Invalidate ran since gen was read.
func (r *Registry) storeIfCurrent(gen uint64, a *Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		r.log.Debug(context.Background(), "discarding artifact fetched before invalidation",
			logger.String("version", a.Version),
		)
		return
	}
	r.current.Store(a)
}

func (r *Registry) coolingDown() error {
	if r.cooldown <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastErr != nil && r.now().Sub(r.failedAt) < r.cooldown {
		return r.lastErr
	}
	return nil
}
