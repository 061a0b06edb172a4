package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	// debounceWindow collapses repeat invalidations for the same flag
	// arriving within this interval, bounding reload churn under write
	// bursts. A message landing inside the window is deferred to the end
	// of the window rather than dropped, so the last write always wins.
	debounceWindow = 100 * time.Millisecond

	// restartDelay is how long the subscriber waits before reconnecting
	// after its subscription dies.
	restartDelay = 5 * time.Second
)

// subscriber is the single background task that owns the invalidation
// subscription. It debounces per flag, drops the local cache entry, and
// notifies the engine so registered flags reload their projection.
type subscriber struct {
	remote       *RedisStore
	local        *LocalStore
	onInvalidate func(string)
	logger       *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	deferred chan string
	lastSeen map[string]time.Time
	pending  map[string]bool
}

func newSubscriber(remote *RedisStore, local *LocalStore, onInvalidate func(string), logger *zap.Logger) *subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscriber{
		remote:       remote,
		local:        local,
		onInvalidate: onInvalidate,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		deferred:     make(chan string, 64),
		lastSeen:     make(map[string]time.Time),
		pending:      make(map[string]bool),
	}
}

func (s *subscriber) run() {
	defer close(s.done)

	for {
		if s.ctx.Err() != nil {
			return
		}

		pubsub := s.remote.Subscribe(s.ctx)

		// Channel() does not unblock when the subscription context is
		// cancelled; closing the subscription is the only way to end the
		// receive loop, so a watcher does that on shutdown.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-s.ctx.Done():
				pubsub.Close()
			case <-watchDone:
			}
		}()

		ch := pubsub.Channel()
	recv:
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				s.handle(msg.Payload)
			case name := <-s.deferred:
				s.deliver(name)
			}
		}
		close(watchDone)
		pubsub.Close()

		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("invalidation subscription lost, restarting",
			zap.Duration("delay", restartDelay))
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// handle processes one invalidation message. The run goroutine is the only
// toucher of lastSeen and pending, so neither needs a lock; the AfterFunc
// closure touches only the deferred channel.
func (s *subscriber) handle(name string) {
	now := time.Now()
	if seen, ok := s.lastSeen[name]; ok {
		if wait := debounceWindow - now.Sub(seen); wait > 0 {
			if !s.pending[name] {
				s.pending[name] = true
				time.AfterFunc(wait, func() {
					select {
					case s.deferred <- name:
					default:
					}
				})
			}
			return
		}
	}
	s.invalidate(name, now)
}

// deliver fires a deferred invalidation once its debounce window closed.
func (s *subscriber) deliver(name string) {
	delete(s.pending, name)
	s.invalidate(name, time.Now())
}

func (s *subscriber) invalidate(name string, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("invalidation handler panic", zap.String("flag", name), zap.Any("panic", r))
		}
	}()

	s.lastSeen[name] = now
	s.prune(now)

	s.local.Delete(name)
	if s.onInvalidate != nil {
		s.onInvalidate(name)
	}
}

// prune drops stale debounce entries so the table stays bounded.
func (s *subscriber) prune(now time.Time) {
	if len(s.lastSeen) < 1024 {
		return
	}
	for name, seen := range s.lastSeen {
		if now.Sub(seen) >= debounceWindow && !s.pending[name] {
			delete(s.lastSeen, name)
		}
	}
}

func (s *subscriber) stop() {
	s.cancel()
	<-s.done
}
