package magick

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/magick-io/magick/config"
	"github.com/magick-io/magick/metrics"
	"github.com/magick-io/magick/storage"
)

// Options configures an Engine. Registry is required in practice; a nil
// Registry gets a local-only registry, which is what tests want.
type Options struct {
	Registry         *storage.Registry
	Pipeline         *metrics.Pipeline
	Logger           *zap.Logger
	WarnOnDeprecated bool

	// Rnd overrides the uniform [0,1) source used by percentage-of-requests
	// rules and variant selection. Testing hook.
	Rnd func() float64
}

// Engine is the façade over registration, evaluation and storage. All
// methods are safe for concurrent use.
type Engine struct {
	mu    sync.RWMutex
	flags map[string]*Flag

	registry *storage.Registry
	pipeline *metrics.Pipeline
	logger   *zap.Logger

	warnOnDeprecated bool
	rnd              func() float64
	onChange         func(name, action string)

	warnedMu sync.Mutex
	warned   map[string]time.Time
}

// New creates an engine and starts the invalidation subscriber (when the
// registry has a remote tier) and the metrics pipeline (when supplied).
func New(opts Options) *Engine {
	registry := opts.Registry
	if registry == nil {
		registry = storage.NewRegistry(storage.RegistryOptions{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		flags:            make(map[string]*Flag),
		registry:         registry,
		pipeline:         opts.Pipeline,
		logger:           logger,
		warnOnDeprecated: opts.WarnOnDeprecated,
		rnd:              opts.Rnd,
		warned:           make(map[string]time.Time),
	}
	if e.rnd == nil {
		e.rnd = defaultRnd
	}
	registry.Subscribe(e.onInvalidate)
	if e.pipeline != nil {
		e.pipeline.Start()
	}
	return e
}

// NewFromConfig wires the full stack from configuration: Redis remote
// tier, relational durable tier, circuit breaker, local cache and metrics
// pipeline. Tiers whose configuration is absent are skipped.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var remote *storage.RedisStore
	if cfg.Redis.URL != "" || cfg.Redis.Host != "" {
		var err error
		remote, err = storage.NewRedisStore(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
	}

	var durable *storage.DurableStore
	if cfg.Database.Driver != "" {
		var err error
		durable, err = storage.NewDurableStore(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
	}

	registry := storage.NewRegistry(storage.RegistryOptions{
		Local:        storage.NewLocalStore(cfg.Engine.MemoryTTL),
		Remote:       remote,
		Durable:      durable,
		Breaker:      storage.NewBreaker(cfg.Engine.CircuitBreaker.Threshold, cfg.Engine.CircuitBreaker.Timeout, logger),
		AsyncUpdates: cfg.Engine.AsyncUpdates,
		Logger:       logger,
	})

	var pipeline *metrics.Pipeline
	if cfg.Engine.Metrics.Enabled {
		var store *storage.RedisStore
		switch cfg.Engine.Metrics.RedisTracking {
		case "off":
		default: // "auto" and "on" track through the remote tier when present
			store = remote
		}
		pipeline = metrics.NewPipeline(metrics.Options{
			Store:         store,
			BatchSize:     cfg.Engine.Metrics.BatchSize,
			FlushInterval: cfg.Engine.Metrics.FlushInterval,
			Logger:        logger,
		})
	}

	return New(Options{
		Registry:         registry,
		Pipeline:         pipeline,
		Logger:           logger,
		WarnOnDeprecated: cfg.Engine.WarnOnDeprecated,
	}), nil
}

// Register creates or rebinds a flag. Registration is idempotent: metadata
// (type, default, description, display name, group, dependencies,
// variants) always comes from the call and is persisted, while dynamic
// state (value, status, targeting) is loaded from storage when the flag
// already exists there.
func (e *Engine) Register(name string, opts FlagOptions) (*Flag, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, &InvalidFeatureValueError{Name: name, Reason: "flag name must not be empty"}
	}

	flag, err := newFlag(name, e, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	existing, ok, err := e.registry.GetAll(ctx, name)
	if err != nil {
		e.logger.Warn("flag state load failed on register", zap.String("flag", name), zap.Error(err))
	}
	if ok {
		dynamic := make(map[string]string, 3)
		for _, key := range []string{attrValue, attrStatus, attrTargeting} {
			if v, has := existing[key]; has {
				dynamic[key] = v
			}
		}
		flag.applyAttrs(dynamic)
		if err := e.registry.SetAll(ctx, name, flag.metadataAttrs()); err != nil {
			return nil, err
		}
	} else {
		if err := e.registry.SetAll(ctx, name, flag.attrs()); err != nil {
			return nil, err
		}
	}

	flag.mu.Lock()
	flag.registered = true
	flag.loaded = true
	flag.mu.Unlock()

	e.mu.Lock()
	e.flags[name] = flag
	e.mu.Unlock()
	return flag, nil
}

// Get returns the registered flag, or a transient default-valued boolean
// flag bound to this engine when the name is unknown. The transient flag
// evaluates to false unless storage knows the name (it lazily loads), and
// it is not added to the registry listing.
func (e *Engine) Get(name string) *Flag {
	name = strings.ToLower(strings.TrimSpace(name))

	e.mu.RLock()
	flag, ok := e.flags[name]
	e.mu.RUnlock()
	if ok {
		return flag
	}

	transient, _ := newFlag(name, e, FlagOptions{Type: TypeBoolean})
	return transient
}

// Lookup returns the registered flag, failing with FeatureNotFoundError
// for unknown names. Used by callers that need strict existence checks.
func (e *Engine) Lookup(name string) (*Flag, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	e.mu.RLock()
	flag, ok := e.flags[name]
	e.mu.RUnlock()
	if !ok {
		return nil, &FeatureNotFoundError{Name: name}
	}
	return flag, nil
}

// Enabled evaluates a flag by name against the context.
func (e *Engine) Enabled(name string, ctx Context) bool {
	return e.Get(name).Enabled(ctx)
}

// Disabled is the negation of Enabled.
func (e *Engine) Disabled(name string, ctx Context) bool {
	return !e.Enabled(name, ctx)
}

// Value returns the effective value of a flag by name.
func (e *Engine) Value(name string, ctx Context) interface{} {
	return e.Get(name).Value(ctx)
}

// EnabledFor evaluates a flag against a context derived from an arbitrary
// object (an ID scalar, a map, or a type implementing the capability
// interfaces), with extra attributes layered on top.
func (e *Engine) EnabledFor(name string, obj interface{}, extra Context) bool {
	return e.Enabled(name, DeriveContext(obj, extra))
}

// BulkEnable enables every named boolean flag, collecting errors.
func (e *Engine) BulkEnable(names ...string) error {
	var errs []error
	for _, name := range names {
		if err := e.Get(name).Enable(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BulkDisable disables every named flag, collecting errors.
func (e *Engine) BulkDisable(names ...string) error {
	var errs []error
	for _, name := range names {
		if err := e.Get(name).Disable(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reload drops the local cache and re-reads every registered flag from
// storage.
func (e *Engine) Reload() error {
	e.mu.RLock()
	flags := make([]*Flag, 0, len(e.flags))
	for _, f := range e.flags {
		flags = append(flags, f)
	}
	e.mu.RUnlock()

	var errs []error
	for _, f := range flags {
		if err := f.reload(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delete removes a flag from every storage tier and the engine registry.
func (e *Engine) Delete(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.registry.Delete(ctx, name); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.flags, name)
	e.mu.Unlock()
	if e.onChange != nil {
		e.onChange(name, "delete")
	}
	return nil
}

// Flags lists the registered flags sorted by name.
func (e *Engine) Flags() []*Flag {
	e.mu.RLock()
	out := make([]*Flag, 0, len(e.flags))
	for _, f := range e.flags {
		out = append(out, f)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Reset wipes every storage tier and forgets all registrations. Testing
// hook.
func (e *Engine) Reset() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.registry.Clear(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.flags = make(map[string]*Flag)
	e.mu.Unlock()
	return nil
}

// Close stops the invalidation subscriber and flushes the metrics
// pipeline.
func (e *Engine) Close() error {
	e.registry.StopSubscriber()
	if e.pipeline != nil {
		e.pipeline.Stop()
	}
	return nil
}

// Registry exposes the storage registry for admin surfaces.
func (e *Engine) Registry() *storage.Registry {
	return e.registry
}

// Metrics exposes the metrics pipeline, nil when metrics are disabled.
func (e *Engine) Metrics() *metrics.Pipeline {
	return e.pipeline
}

// SetOnChange installs a hook invoked after every successful mutation,
// with the flag name and the action performed. Used to fan changes out to
// websocket subscribers. Set before the engine is shared.
func (e *Engine) SetOnChange(fn func(name, action string)) {
	e.onChange = fn
}

// dependentsOf returns the registered flags that declare name as a
// dependency.
func (e *Engine) dependentsOf(name string) []*Flag {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Flag
	for _, f := range e.flags {
		f.mu.RLock()
		declared := contains(f.dependencies, name)
		f.mu.RUnlock()
		if declared {
			out = append(out, f)
		}
	}
	return out
}

// onInvalidate handles a pub/sub invalidation: the registry already
// dropped the local entry; reload the registered flag's projection.
func (e *Engine) onInvalidate(name string) {
	e.mu.RLock()
	flag, ok := e.flags[name]
	e.mu.RUnlock()
	if !ok {
		return
	}
	if err := flag.reload(); err != nil {
		e.logger.Debug("reload after invalidation failed", zap.String("flag", name), zap.Error(err))
	}
	if e.onChange != nil {
		e.onChange(name, "invalidate")
	}
}

// warnDeprecated logs at most one warning per flag per minute.
func (e *Engine) warnDeprecated(name string) {
	if !e.warnOnDeprecated {
		return
	}
	e.warnedMu.Lock()
	last, seen := e.warned[name]
	now := time.Now()
	if seen && now.Sub(last) < time.Minute {
		e.warnedMu.Unlock()
		return
	}
	e.warned[name] = now
	e.warnedMu.Unlock()
	e.logger.Warn("deprecated flag evaluated", zap.String("flag", name))
}
