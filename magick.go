// Package magick is a feature-flag evaluation engine with tiered storage:
// an in-process TTL cache in front of Redis in front of a relational
// store. Flags are typed (boolean, string, number), carry targeting rules
// (users, groups, roles, tags, percentages, date ranges, IP ranges,
// custom attributes), and evaluate fail-safe: an internal error reads as
// "off", never as a panic in the caller.
//
// Most applications build one Engine at startup and evaluate through it:
//
//	engine, err := magick.NewFromConfig(cfg, logger)
//	...
//	engine.Register("new_checkout", magick.FlagOptions{
//		Description: "new checkout funnel",
//	})
//	if engine.Enabled("new_checkout", magick.Context{"user_id": userID}) {
//		...
//	}
//
// A process-wide default instance is available for applications that do
// not want to thread the engine through their call graph.
package magick

import "sync"

var (
	defaultMu     sync.RWMutex
	defaultEngine *Engine
)

// SetDefault installs the process-wide default engine used by the
// package-level evaluation helpers.
func SetDefault(e *Engine) {
	defaultMu.Lock()
	defaultEngine = e
	defaultMu.Unlock()
}

// Default returns the process-wide engine, or nil before SetDefault.
func Default() *Engine {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultEngine
}

// Enabled evaluates a flag on the default engine; false when no default
// engine is installed.
func Enabled(name string, ctx Context) bool {
	if e := Default(); e != nil {
		return e.Enabled(name, ctx)
	}
	return false
}

// Value returns a flag's effective value on the default engine, nil when
// no default engine is installed.
func Value(name string, ctx Context) interface{} {
	if e := Default(); e != nil {
		return e.Value(name, ctx)
	}
	return nil
}

// EnabledFor evaluates a flag on the default engine against a context
// derived from obj.
func EnabledFor(name string, obj interface{}, extra Context) bool {
	if e := Default(); e != nil {
		return e.EnabledFor(name, obj, extra)
	}
	return false
}
