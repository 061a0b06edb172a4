package magick

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FlagType is the value domain of a flag. Immutable after registration.
type FlagType string

const (
	TypeBoolean FlagType = "boolean"
	TypeString  FlagType = "string"
	TypeNumber  FlagType = "number"
)

// Status is the lifecycle state of a flag.
type Status string

const (
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusDeprecated Status = "deprecated"
)

// Variant is one weighted value alternative for A/B style selection.
type Variant struct {
	Name   string      `json:"name"`
	Value  interface{} `json:"value"`
	Weight float64     `json:"weight"`
}

// FlagOptions configures a flag at registration time.
type FlagOptions struct {
	Type         FlagType
	Default      interface{}
	Value        interface{}
	Status       Status
	Description  string
	DisplayName  string
	Group        string
	Dependencies []string
	Targeting    *Targeting
	Variants     []Variant
}

// Flag is a named typed toggle. Its in-memory projection mirrors the
// authoritative storage state within the invalidation-delay bound; every
// mutation flows through the storage registry, never by direct state
// writes. All methods are safe for concurrent use.
type Flag struct {
	name  string
	ftype FlagType

	// Non-owning handle back to the engine, used for dependency sweeps,
	// storage access and metrics. Nil for detached flags in tests.
	engine *Engine

	mu           sync.RWMutex
	status       Status
	value        interface{}
	defaultValue interface{}
	description  string
	displayName  string
	group        string
	dependencies []string
	targeting    Targeting
	variants     []Variant
	loaded       bool
	registered   bool
}

func newFlag(name string, engine *Engine, opts FlagOptions) (*Flag, error) {
	ftype := opts.Type
	if ftype == "" {
		ftype = TypeBoolean
	}
	switch ftype {
	case TypeBoolean, TypeString, TypeNumber:
	default:
		return nil, &InvalidFeatureTypeError{Type: string(ftype)}
	}

	defaultValue, err := normalizeValue(name, ftype, opts.Default, offValue(ftype))
	if err != nil {
		return nil, err
	}
	value, err := normalizeValue(name, ftype, opts.Value, defaultValue)
	if err != nil {
		return nil, err
	}

	status := opts.Status
	if status == "" {
		status = StatusActive
	}

	f := &Flag{
		name:         name,
		ftype:        ftype,
		engine:       engine,
		status:       status,
		value:        value,
		defaultValue: defaultValue,
		description:  opts.Description,
		displayName:  opts.DisplayName,
		group:        opts.Group,
		dependencies: append([]string(nil), opts.Dependencies...),
	}
	if opts.Targeting != nil {
		f.targeting = opts.Targeting.clone()
	}
	f.variants = append([]Variant(nil), opts.Variants...)
	return f, nil
}

// Name returns the flag's unique lowercase name.
func (f *Flag) Name() string { return f.name }

// Type returns the flag's value domain.
func (f *Flag) Type() FlagType { return f.ftype }

// Status returns the current lifecycle status.
func (f *Flag) Status() Status {
	f.ensureLoaded()
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

// DefaultValue returns the value evaluated when targeting does not match.
func (f *Flag) DefaultValue() interface{} {
	f.ensureLoaded()
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultValue
}

// Description returns the flag's description metadata.
func (f *Flag) Description() string {
	f.ensureLoaded()
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.description
}

// DisplayName returns the flag's display name metadata.
func (f *Flag) DisplayName() string {
	f.ensureLoaded()
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.displayName
}

// Group returns the flag's group metadata.
func (f *Flag) Group() string {
	f.ensureLoaded()
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.group
}

// Dependencies returns the flags this flag declares as dependencies.
func (f *Flag) Dependencies() []string {
	f.ensureLoaded()
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.dependencies...)
}

// Targeting returns a read-only copy of the targeting rules.
func (f *Flag) Targeting() Targeting {
	f.ensureLoaded()
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.targeting.clone()
}

// Variants returns the flag's weighted variants.
func (f *Flag) Variants() []Variant {
	f.ensureLoaded()
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Variant(nil), f.variants...)
}

// Registered reports whether the flag lives in the engine registry or is a
// transient default-valued stand-in for a missing name.
func (f *Flag) Registered() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.registered
}

// Enabled evaluates the flag against the context. It never panics or
// returns an error: any internal failure logs at debug, records a failed
// metric, and yields false.
func (f *Flag) Enabled(ctx Context) bool {
	start := time.Now()
	enabled, ok := f.evalEnabled(ctx)
	f.record("enabled", start, ok)
	return enabled
}

func (f *Flag) evalEnabled(ctx Context) (enabled, ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			f.logDebug("flag evaluation failed", zap.Any("panic", r))
			enabled, ok = false, false
		}
	}()
	if ctx == nil {
		ctx = Context{}
	}

	f.ensureLoaded()
	f.mu.RLock()
	status := f.status
	value := f.value
	targeting := f.targeting
	f.mu.RUnlock()

	if status == StatusInactive {
		return false, true
	}
	if status == StatusDeprecated && !ctx.AllowDeprecated() {
		if f.engine != nil {
			f.engine.warnDeprecated(f.name)
		}
		return false, true
	}

	if !targeting.IsEmpty() {
		switch matchTargeting(f.name, &targeting, ctx, f.rnd()) {
		case NoMatch:
			return false, true
		case Match:
			if f.ftype == TypeBoolean {
				return true, true
			}
			// string/number continue to the value check
		}
	}

	return valueOn(f.ftype, value), true
}

// Value returns the flag's effective value for the context: the stored
// value on Match or NoRules, the default on NoMatch. Fail-safe like
// Enabled, returning the default value on internal failure.
func (f *Flag) Value(ctx Context) interface{} {
	start := time.Now()
	value, ok := f.evalValue(ctx)
	f.record("value", start, ok)
	return value
}

func (f *Flag) evalValue(ctx Context) (value interface{}, ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			f.logDebug("flag value evaluation failed", zap.Any("panic", r))
			value, ok = f.defaultValue, false
		}
	}()
	if ctx == nil {
		ctx = Context{}
	}

	f.ensureLoaded()
	f.mu.RLock()
	stored := f.value
	defaultValue := f.defaultValue
	targeting := f.targeting
	f.mu.RUnlock()

	if !targeting.IsEmpty() {
		if matchTargeting(f.name, &targeting, ctx, f.rnd()) == NoMatch {
			return defaultValue, true
		}
	}
	return stored, true
}

// Variant performs weighted variant selection. With a zero total weight
// the first variant wins; with no variants the result is "".
func (f *Flag) Variant(ctx Context) string {
	f.ensureLoaded()
	f.mu.RLock()
	variants := f.variants
	f.mu.RUnlock()

	if len(variants) == 0 {
		return ""
	}
	var total float64
	for _, v := range variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total == 0 {
		return variants[0].Name
	}

	draw := f.rnd()() * total
	var running float64
	for _, v := range variants {
		if v.Weight <= 0 {
			continue
		}
		running += v.Weight
		if draw < running {
			return v.Name
		}
	}
	return variants[len(variants)-1].Name
}

// SetValue writes a new global value. The value must match the flag's
// declared type; a durable-store failure propagates as AdapterError.
func (f *Flag) SetValue(value interface{}) error {
	normalized, err := normalizeValue(f.name, f.ftype, value, nil)
	if err != nil {
		return err
	}
	if err := f.persist(map[string]string{attrValue: encodeValue(f.ftype, normalized)}); err != nil {
		return err
	}

	f.mu.Lock()
	f.value = normalized
	f.mu.Unlock()
	f.notifyChanged("set_value")
	return nil
}

// Enable turns a boolean flag on globally, clearing targeting. It is
// rejected with ErrDependencyDisabled when any flag that depends on this
// one is currently disabled, leaving the flag untouched. Non-boolean flags
// reject Enable with InvalidFeatureValueError.
func (f *Flag) Enable() error {
	if f.ftype != TypeBoolean {
		return &InvalidFeatureValueError{Name: f.name, Type: f.ftype, Reason: "enable is only valid for boolean flags"}
	}
	if f.engine != nil {
		for _, parent := range f.engine.dependentsOf(f.name) {
			if !parent.Enabled(Context{}) {
				return ErrDependencyDisabled
			}
		}
	}

	attrs := map[string]string{
		attrValue:     encodeValue(f.ftype, true),
		attrTargeting: encodeJSON(Targeting{}),
	}
	if err := f.persist(attrs); err != nil {
		return err
	}

	f.mu.Lock()
	f.value = true
	f.targeting = Targeting{}
	f.mu.Unlock()
	f.notifyChanged("enable")
	return nil
}

// Disable turns the flag off globally: targeting is cleared, the value
// becomes the type's off value (false, "" or 0), and every flag declaring
// this flag as a dependency is disabled too, one level per call.
func (f *Flag) Disable() error {
	if err := f.disableSelf(); err != nil {
		return err
	}
	if f.engine != nil {
		for _, child := range f.engine.dependentsOf(f.name) {
			if err := child.disableSelf(); err != nil {
				f.logDebug("cascade disable failed", zap.String("dependent", child.name), zap.Error(err))
			}
		}
	}
	return nil
}

func (f *Flag) disableSelf() error {
	off := offValue(f.ftype)
	attrs := map[string]string{
		attrValue:     encodeValue(f.ftype, off),
		attrTargeting: encodeJSON(Targeting{}),
	}
	if err := f.persist(attrs); err != nil {
		return err
	}

	f.mu.Lock()
	f.value = off
	f.targeting = Targeting{}
	f.mu.Unlock()
	f.notifyChanged("disable")
	return nil
}

// SetStatus moves the flag between active, inactive and deprecated.
func (f *Flag) SetStatus(status Status) error {
	switch status {
	case StatusActive, StatusInactive, StatusDeprecated:
	default:
		return &InvalidFeatureValueError{Name: f.name, Type: f.ftype, Value: status, Reason: "unknown status"}
	}
	if err := f.persist(map[string]string{attrStatus: string(status)}); err != nil {
		return err
	}
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
	f.notifyChanged("set_status")
	return nil
}

// SetDescription updates the description metadata.
func (f *Flag) SetDescription(description string) error {
	if err := f.persist(map[string]string{attrDescription: description}); err != nil {
		return err
	}
	f.mu.Lock()
	f.description = description
	f.mu.Unlock()
	return nil
}

// SetDisplayName updates the display-name metadata.
func (f *Flag) SetDisplayName(displayName string) error {
	if err := f.persist(map[string]string{attrDisplayName: displayName}); err != nil {
		return err
	}
	f.mu.Lock()
	f.displayName = displayName
	f.mu.Unlock()
	return nil
}

// SetGroup assigns the flag to a metadata group.
func (f *Flag) SetGroup(group string) error {
	if err := f.persist(map[string]string{attrGroup: group}); err != nil {
		return err
	}
	f.mu.Lock()
	f.group = group
	f.mu.Unlock()
	return nil
}

// EnableForUser adds a user to the targeting set.
func (f *Flag) EnableForUser(userID interface{}) error {
	id := stringify(userID)
	return f.updateTargeting(func(t *Targeting) {
		if !contains(t.Users, id) {
			t.Users = append(t.Users, id)
		}
	})
}

// DisableForUser removes a user from the targeting set.
func (f *Flag) DisableForUser(userID interface{}) error {
	id := stringify(userID)
	return f.updateTargeting(func(t *Targeting) {
		t.Users = remove(t.Users, id)
	})
}

// EnableForGroup adds a group to the targeting set.
func (f *Flag) EnableForGroup(group string) error {
	return f.updateTargeting(func(t *Targeting) {
		if !contains(t.Groups, group) {
			t.Groups = append(t.Groups, group)
		}
	})
}

// DisableForGroup removes a group from the targeting set.
func (f *Flag) DisableForGroup(group string) error {
	return f.updateTargeting(func(t *Targeting) {
		t.Groups = remove(t.Groups, group)
	})
}

// EnableForRole adds a role to the targeting set.
func (f *Flag) EnableForRole(role string) error {
	return f.updateTargeting(func(t *Targeting) {
		if !contains(t.Roles, role) {
			t.Roles = append(t.Roles, role)
		}
	})
}

// DisableForRole removes a role from the targeting set.
func (f *Flag) DisableForRole(role string) error {
	return f.updateTargeting(func(t *Targeting) {
		t.Roles = remove(t.Roles, role)
	})
}

// EnableForTag adds a tag to the targeting set.
func (f *Flag) EnableForTag(tag string) error {
	return f.updateTargeting(func(t *Targeting) {
		if !contains(t.Tags, tag) {
			t.Tags = append(t.Tags, tag)
		}
	})
}

// DisableForTag removes a tag from the targeting set.
func (f *Flag) DisableForTag(tag string) error {
	return f.updateTargeting(func(t *Targeting) {
		t.Tags = remove(t.Tags, tag)
	})
}

// EnablePercentageOfUsers turns on deterministic percentage bucketing.
// The percentage must be in (0,100].
func (f *Flag) EnablePercentageOfUsers(percentage float64) error {
	if percentage <= 0 || percentage > 100 {
		return &InvalidFeatureValueError{Name: f.name, Type: f.ftype, Value: percentage, Reason: "percentage must be in (0,100]"}
	}
	return f.updateTargeting(func(t *Targeting) {
		t.PercentageUsers = percentage
	})
}

// DisablePercentageOfUsers removes the percentage-of-users rule.
func (f *Flag) DisablePercentageOfUsers() error {
	return f.updateTargeting(func(t *Targeting) {
		t.PercentageUsers = 0
	})
}

// EnablePercentageOfRequests turns on random per-request sampling.
// The percentage must be in (0,100].
func (f *Flag) EnablePercentageOfRequests(percentage float64) error {
	if percentage <= 0 || percentage > 100 {
		return &InvalidFeatureValueError{Name: f.name, Type: f.ftype, Value: percentage, Reason: "percentage must be in (0,100]"}
	}
	return f.updateTargeting(func(t *Targeting) {
		t.PercentageRequests = percentage
	})
}

// DisablePercentageOfRequests removes the percentage-of-requests rule.
func (f *Flag) DisablePercentageOfRequests() error {
	return f.updateTargeting(func(t *Targeting) {
		t.PercentageRequests = 0
	})
}

// SetDateRange gates targeting to the given window.
func (f *Flag) SetDateRange(start, end time.Time) error {
	return f.updateTargeting(func(t *Targeting) {
		t.DateRange = &DateRange{Start: start, End: end}
	})
}

// SetTargeting replaces the whole targeting map.
func (f *Flag) SetTargeting(targeting Targeting) error {
	return f.updateTargeting(func(t *Targeting) {
		*t = targeting.clone()
	})
}

// ClearTargeting removes every targeting rule.
func (f *Flag) ClearTargeting() error {
	return f.updateTargeting(func(t *Targeting) {
		*t = Targeting{}
	})
}

func (f *Flag) updateTargeting(mutate func(*Targeting)) error {
	f.ensureLoaded()
	f.mu.RLock()
	updated := f.targeting.clone()
	f.mu.RUnlock()

	mutate(&updated)
	if err := f.persist(map[string]string{attrTargeting: encodeJSON(updated)}); err != nil {
		return err
	}

	f.mu.Lock()
	f.targeting = updated
	f.mu.Unlock()
	f.notifyChanged("targeting")
	return nil
}

// reload re-reads the flag's projection through the registry, bypassing
// the local cache. Called by the invalidation subscriber and Engine.Reload.
func (f *Flag) reload() error {
	if f.engine == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	attrs, ok, err := f.engine.registry.Reload(ctx, f.name)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	f.applyAttrs(attrs)
	return nil
}

// ensureLoaded pulls the flag's projection from storage on first access.
func (f *Flag) ensureLoaded() {
	if f.engine == nil {
		return
	}
	f.mu.RLock()
	loaded := f.loaded
	f.mu.RUnlock()
	if loaded {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	attrs, ok, err := f.engine.registry.GetAll(ctx, f.name)
	if err != nil {
		f.logDebug("flag load failed", zap.Error(err))
		return
	}
	if ok {
		f.applyAttrs(attrs)
	}
	f.mu.Lock()
	f.loaded = true
	f.mu.Unlock()
}

// persist writes attributes through the registry. Detached flags mutate
// in memory only.
func (f *Flag) persist(attrs map[string]string) error {
	if f.engine == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.engine.registry.SetAll(ctx, f.name, attrs); err != nil {
		return err
	}
	if durable := f.engine.registry.Durable(); durable != nil {
		durable.Audit(ctx, f.name, "update", "magick", nil, attrs)
	}
	return nil
}

func (f *Flag) rnd() func() float64 {
	if f.engine != nil && f.engine.rnd != nil {
		return f.engine.rnd
	}
	return defaultRnd
}

func (f *Flag) record(op string, start time.Time, success bool) {
	if f.engine != nil && f.engine.pipeline != nil {
		f.engine.pipeline.Record(f.name, op, time.Since(start), success)
	}
}

func (f *Flag) notifyChanged(action string) {
	if f.engine != nil && f.engine.onChange != nil {
		f.engine.onChange(f.name, action)
	}
}

func (f *Flag) logDebug(msg string, fields ...zap.Field) {
	if f.engine != nil {
		f.engine.logger.Debug(msg, append([]zap.Field{zap.String("flag", f.name)}, fields...)...)
	}
}

// valueOn is the per-type "is this value on" predicate: true, non-empty,
// or greater than zero.
func valueOn(ftype FlagType, value interface{}) bool {
	switch ftype {
	case TypeBoolean:
		b, _ := value.(bool)
		return b
	case TypeString:
		s, _ := value.(string)
		return s != ""
	case TypeNumber:
		n, _ := value.(float64)
		return n > 0
	default:
		return false
	}
}

// offValue is the per-type "off" value written by Disable.
func offValue(ftype FlagType) interface{} {
	switch ftype {
	case TypeString:
		return ""
	case TypeNumber:
		return float64(0)
	default:
		return false
	}
}

// normalizeValue validates a value against the type's domain and coerces
// numeric inputs to float64. A nil value falls back to fallback.
func normalizeValue(name string, ftype FlagType, value, fallback interface{}) (interface{}, error) {
	if value == nil {
		if fallback == nil {
			return offValue(ftype), nil
		}
		return fallback, nil
	}
	switch ftype {
	case TypeBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case TypeNumber:
		switch n := value.(type) {
		case float64:
			if !math.IsNaN(n) && !math.IsInf(n, 0) {
				return n, nil
			}
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	}
	return nil, &InvalidFeatureValueError{Name: name, Type: ftype, Value: value}
}

func remove(set []string, value string) []string {
	out := set[:0]
	for _, item := range set {
		if item != value {
			out = append(out, item)
		}
	}
	return out
}
