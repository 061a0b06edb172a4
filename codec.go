package magick

import (
	"encoding/json"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// Attribute keys under which a flag's state is stored. Scalars are stored
// as plain strings, composites as JSON.
const (
	attrType         = "type"
	attrStatus       = "status"
	attrValue        = "value"
	attrDefaultValue = "default_value"
	attrDescription  = "description"
	attrDisplayName  = "display_name"
	attrGroup        = "group"
	attrDependencies = "dependencies"
	attrTargeting    = "targeting"
	attrVariants     = "variants"
)

var (
	rndMu  sync.Mutex
	rndSrc = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func defaultRnd() float64 {
	rndMu.Lock()
	defer rndMu.Unlock()
	return rndSrc.Float64()
}

// encodeValue serializes a typed value to its attribute form: "true" /
// "false" for booleans, the shortest decimal form for numbers, the raw
// string otherwise.
func encodeValue(ftype FlagType, value interface{}) string {
	switch ftype {
	case TypeBoolean:
		b, _ := value.(bool)
		return strconv.FormatBool(b)
	case TypeNumber:
		n, _ := value.(float64)
		return strconv.FormatFloat(n, 'f', -1, 64)
	default:
		s, _ := value.(string)
		return s
	}
}

// decodeValue parses an attribute back into the typed value; malformed
// input decodes to the type's off value.
func decodeValue(ftype FlagType, raw string) interface{} {
	switch ftype {
	case TypeBoolean:
		return raw == "true"
	case TypeNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return float64(0)
		}
		return n
	default:
		return raw
	}
}

func encodeJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// attrs builds the full attribute projection of the flag, used when
// registering a flag that storage has never seen.
func (f *Flag) attrs() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := map[string]string{
		attrType:         string(f.ftype),
		attrStatus:       string(f.status),
		attrValue:        encodeValue(f.ftype, f.value),
		attrDefaultValue: encodeValue(f.ftype, f.defaultValue),
		attrDescription:  f.description,
		attrDisplayName:  f.displayName,
		attrGroup:        f.group,
		attrTargeting:    encodeJSON(f.targeting),
	}
	if len(f.dependencies) > 0 {
		out[attrDependencies] = encodeJSON(f.dependencies)
	} else {
		out[attrDependencies] = "[]"
	}
	if len(f.variants) > 0 {
		out[attrVariants] = encodeJSON(f.variants)
	}
	return out
}

// metadataAttrs is the registration-time subset that code ownership wins
// on: type, default, description, display name, group, dependencies and
// variants come from the Register call; value, status and targeting are
// dynamic state owned by storage.
func (f *Flag) metadataAttrs() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := map[string]string{
		attrType:         string(f.ftype),
		attrDefaultValue: encodeValue(f.ftype, f.defaultValue),
		attrDescription:  f.description,
		attrDisplayName:  f.displayName,
		attrGroup:        f.group,
	}
	if len(f.dependencies) > 0 {
		out[attrDependencies] = encodeJSON(f.dependencies)
	} else {
		out[attrDependencies] = "[]"
	}
	if len(f.variants) > 0 {
		out[attrVariants] = encodeJSON(f.variants)
	}
	return out
}

// applyAttrs overlays a stored projection onto the in-memory flag. The
// declared type is immutable: a stored type attribute is ignored when it
// conflicts, keeping old persisted rows from flipping a flag's domain.
func (f *Flag) applyAttrs(attrs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if raw, ok := attrs[attrValue]; ok {
		f.value = decodeValue(f.ftype, raw)
	}
	if raw, ok := attrs[attrDefaultValue]; ok && raw != "" {
		f.defaultValue = decodeValue(f.ftype, raw)
	}
	if raw, ok := attrs[attrStatus]; ok {
		switch Status(raw) {
		case StatusActive, StatusInactive, StatusDeprecated:
			f.status = Status(raw)
		}
	}
	if raw, ok := attrs[attrDescription]; ok {
		f.description = raw
	}
	if raw, ok := attrs[attrDisplayName]; ok {
		f.displayName = raw
	}
	if raw, ok := attrs[attrGroup]; ok {
		f.group = raw
	}
	if raw, ok := attrs[attrDependencies]; ok && raw != "" {
		var deps []string
		if err := json.Unmarshal([]byte(raw), &deps); err == nil {
			f.dependencies = deps
		}
	}
	if raw, ok := attrs[attrTargeting]; ok && raw != "" {
		var t Targeting
		if err := json.Unmarshal([]byte(raw), &t); err == nil {
			f.targeting = t
		}
	}
	if raw, ok := attrs[attrVariants]; ok && raw != "" {
		var vs []Variant
		if err := json.Unmarshal([]byte(raw), &vs); err == nil {
			f.variants = vs
		}
	}
	f.loaded = true
}
