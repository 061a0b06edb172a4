package storage

import (
	"context"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Registry composes the three storage tiers. Reads fall through
// Local → Remote → Durable and warm the local cache back (only the local
// cache; the remote tier is never written from a durable hit). Writes go to
// every configured tier, with the remote write wrapped in the circuit
// breaker, and finish by publishing the flag name on the invalidation
// channel so other processes drop their local entry.
type Registry struct {
	local   *LocalStore
	remote  *RedisStore
	durable *DurableStore
	breaker *Breaker
	async   bool
	logger  *zap.Logger
	sub     *subscriber
}

// RegistryOptions configures a Registry. Remote and Durable are optional;
// with neither, the registry is a process-local cache (testing mode).
type RegistryOptions struct {
	Local        *LocalStore
	Remote       *RedisStore
	Durable      *DurableStore
	Breaker      *Breaker
	AsyncUpdates bool
	Logger       *zap.Logger
}

// NewRegistry creates a registry from the supplied tiers.
func NewRegistry(opts RegistryOptions) *Registry {
	local := opts.Local
	if local == nil {
		local = NewLocalStore(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker := opts.Breaker
	if breaker == nil && opts.Remote != nil {
		breaker = NewBreaker(0, 0, logger)
	}
	return &Registry{
		local:   local,
		remote:  opts.Remote,
		durable: opts.Durable,
		breaker: breaker,
		async:   opts.AsyncUpdates,
		logger:  logger,
	}
}

// Get resolves one attribute, falling through the tiers. Remote failures
// degrade to the durable tier; durable failures propagate as AdapterError.
func (r *Registry) Get(ctx context.Context, name, key string) (string, bool, error) {
	if val, ok := r.local.Get(name, key); ok {
		return val, true, nil
	}

	if r.remote != nil {
		val, ok, err := r.remote.Get(ctx, name, key)
		if err != nil {
			r.logger.Debug("remote read failed, falling back", zap.String("flag", name), zap.Error(err))
		} else if ok {
			r.local.Set(name, key, val)
			return val, true, nil
		}
	}

	if r.durable != nil {
		val, ok, err := r.durable.Get(ctx, name, key)
		if err != nil {
			return "", false, err
		}
		if ok {
			r.local.Set(name, key, val)
			return val, true, nil
		}
	}

	return "", false, nil
}

// GetAll resolves the full attribute projection for a flag.
func (r *Registry) GetAll(ctx context.Context, name string) (map[string]string, bool, error) {
	if attrs, ok := r.local.GetAll(name); ok {
		return attrs, true, nil
	}
	return r.load(ctx, name)
}

// Reload bypasses the local cache and re-reads Remote → Durable, warming
// the local cache with whatever was found.
func (r *Registry) Reload(ctx context.Context, name string) (map[string]string, bool, error) {
	r.local.Delete(name)
	return r.load(ctx, name)
}

func (r *Registry) load(ctx context.Context, name string) (map[string]string, bool, error) {
	if r.remote != nil {
		attrs, ok, err := r.remote.GetAll(ctx, name)
		if err != nil {
			r.logger.Debug("remote read failed, falling back", zap.String("flag", name), zap.Error(err))
		} else if ok {
			r.local.SetAll(name, attrs)
			return attrs, true, nil
		}
	}

	if r.durable != nil {
		attrs, ok, err := r.durable.GetAll(ctx, name)
		if err != nil {
			return nil, false, err
		}
		if ok {
			r.local.SetAll(name, attrs)
			return attrs, true, nil
		}
	}

	return nil, false, nil
}

// Set writes one attribute to every tier and publishes invalidation.
func (r *Registry) Set(ctx context.Context, name, key, value string) error {
	return r.SetAll(ctx, name, map[string]string{key: value})
}

// SetAll writes a batch of attributes to every tier. The local and durable
// writes are synchronous; the durable tier is authoritative and its failure
// propagates. The remote write runs under the breaker, on a goroutine when
// async updates are enabled; the invalidation publish is synchronous either
// way, and the async path publishes again after the remote ack so a
// subscriber that reloaded too early heals.
func (r *Registry) SetAll(ctx context.Context, name string, attrs map[string]string) error {
	if r.durable != nil {
		if err := r.durable.SetAll(ctx, name, attrs); err != nil {
			return err
		}
	}

	r.local.SetAll(name, attrs)

	if r.remote != nil {
		if r.async {
			go func() {
				ctx := context.Background()
				ok := r.breaker.Call(func() error {
					return r.remote.SetAll(ctx, name, attrs)
				})
				if ok {
					r.publish(ctx, name)
				}
			}()
		} else {
			r.breaker.Call(func() error {
				return r.remote.SetAll(ctx, name, attrs)
			})
		}
		r.publish(ctx, name)
	}

	return nil
}

// Delete removes the flag from every tier and publishes invalidation.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if r.durable != nil {
		if err := r.durable.Delete(ctx, name); err != nil {
			return err
		}
	}

	r.local.Delete(name)

	if r.remote != nil {
		r.breaker.Call(func() error {
			return r.remote.Delete(ctx, name)
		})
		r.publish(ctx, name)
	}

	return nil
}

// Exists reports whether any tier knows the flag.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	if r.local.Exists(name) {
		return true, nil
	}
	if r.remote != nil {
		ok, err := r.remote.Exists(ctx, name)
		if err != nil {
			r.logger.Debug("remote exists failed, falling back", zap.String("flag", name), zap.Error(err))
		} else if ok {
			return true, nil
		}
	}
	if r.durable != nil {
		return r.durable.Exists(ctx, name)
	}
	return false, nil
}

// Names lists stored flag names from the deepest configured tier.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	if r.durable != nil {
		return r.durable.Names(ctx)
	}
	if r.remote != nil {
		return r.remote.Names(ctx)
	}
	return r.local.Names(), nil
}

// Clear drops every tier. Testing hook.
func (r *Registry) Clear(ctx context.Context) error {
	r.local.Clear()
	if r.remote != nil {
		if err := r.remote.Clear(ctx); err != nil {
			r.logger.Warn("remote clear failed", zap.Error(err))
		}
	}
	if r.durable != nil {
		return r.durable.Clear(ctx)
	}
	return nil
}

// publish sends the invalidation message. Failures are logged, never
// propagated: the local and durable writes already succeeded.
func (r *Registry) publish(ctx context.Context, name string) {
	if err := r.remote.Publish(ctx, name); err != nil {
		r.logger.Warn("invalidation publish failed", zap.String("flag", name), zap.Error(err))
	}
}

// Subscribe starts the background invalidation subscriber. For each
// received flag name it drops the local cache entry and then invokes
// onInvalidate (used by the engine to reload registered flags). No-op when
// no remote store is configured.
func (r *Registry) Subscribe(onInvalidate func(name string)) {
	if r.remote == nil || r.sub != nil {
		return
	}
	r.sub = newSubscriber(r.remote, r.local, onInvalidate, r.logger)
	go r.sub.run()
}

// StopSubscriber stops the invalidation subscriber and waits for it.
func (r *Registry) StopSubscriber() {
	if r.sub != nil {
		r.sub.stop()
		r.sub = nil
	}
}

// Remote exposes the remote store (nil when not configured). The metrics
// pipeline flushes through it.
func (r *Registry) Remote() *RedisStore {
	return r.remote
}

// Durable exposes the durable store (nil when not configured).
func (r *Registry) Durable() *DurableStore {
	return r.durable
}

// Local exposes the local cache tier.
func (r *Registry) Local() *LocalStore {
	return r.local
}

// BreakerState reports the remote-write breaker state, or closed when no
// remote tier exists.
func (r *Registry) BreakerState() gobreaker.State {
	if r.breaker == nil {
		return gobreaker.StateClosed
	}
	return r.breaker.State()
}
