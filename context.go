package magick

import (
	"fmt"
	"strconv"
)

// Context carries the caller-supplied attributes evaluated against a
// flag's targeting rules. Recognized keys: "user_id", "group", "role",
// "tags", "ip_address" and "allow_deprecated"; any other key is matched by
// custom-attribute rules.
type Context map[string]interface{}

// UserID returns the stringified user_id, or "" when absent.
func (c Context) UserID() string {
	return stringify(c["user_id"])
}

// Group returns the stringified group, or "".
func (c Context) Group() string {
	return stringify(c["group"])
}

// Role returns the stringified role, or "".
func (c Context) Role() string {
	return stringify(c["role"])
}

// IPAddress returns the caller's IP address, or "".
func (c Context) IPAddress() string {
	return stringify(c["ip_address"])
}

// Tags returns the caller's tags as strings.
func (c Context) Tags() []string {
	return stringifySlice(c["tags"])
}

// AllowDeprecated reports whether the caller opted into deprecated flags.
func (c Context) AllowDeprecated() bool {
	return truthy(c["allow_deprecated"])
}

// Attr returns the raw value for an arbitrary context key.
func (c Context) Attr(key string) (interface{}, bool) {
	v, ok := c[key]
	return v, ok
}

// merged returns a copy of c with extra layered on top; extra wins.
func (c Context) merged(extra Context) Context {
	out := make(Context, len(c)+len(extra))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// The capability interfaces below let domain types expose evaluation
// attributes without reflection. DeriveContext pulls each one the object
// implements.

// UserIDer supplies a user identifier.
type UserIDer interface {
	UserID() string
}

// Grouper supplies a group name.
type Grouper interface {
	Group() string
}

// Roler supplies a role name.
type Roler interface {
	Role() string
}

// IPAddresser supplies an IP address.
type IPAddresser interface {
	IPAddress() string
}

// Tagger supplies tag identifiers.
type Tagger interface {
	Tags() []string
}

// ContextProvider supplies a complete evaluation context; when implemented
// it takes precedence over the narrower capability interfaces.
type ContextProvider interface {
	FlagContext() Context
}

// DeriveContext builds an evaluation context from an arbitrary caller
// object: a Context or plain map is normalized, a type implementing the
// capability interfaces contributes whatever it exposes, and an
// integer-like or string scalar is treated as a user ID. The extra context
// is merged last and wins on conflicts.
func DeriveContext(obj interface{}, extra Context) Context {
	ctx := make(Context)

	switch v := obj.(type) {
	case nil:
	case Context:
		ctx = fromMap(map[string]interface{}(v))
	case map[string]interface{}:
		ctx = fromMap(v)
	case ContextProvider:
		for k, val := range v.FlagContext() {
			ctx[k] = val
		}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, string:
		ctx["user_id"] = stringify(v)
	default:
		fromCapabilities(v, ctx)
	}

	return ctx.merged(extra)
}

func fromMap(m map[string]interface{}) Context {
	ctx := make(Context, len(m))
	for k, v := range m {
		switch k {
		case "id", "user_id":
			ctx["user_id"] = stringify(v)
		case "group", "role", "ip_address":
			ctx[k] = stringify(v)
		case "tags", "tag_ids", "tag_names":
			ctx["tags"] = stringifySlice(v)
		default:
			ctx[k] = v
		}
	}
	return ctx
}

func fromCapabilities(obj interface{}, ctx Context) {
	if v, ok := obj.(UserIDer); ok {
		ctx["user_id"] = v.UserID()
	}
	if v, ok := obj.(Grouper); ok {
		ctx["group"] = v.Group()
	}
	if v, ok := obj.(Roler); ok {
		ctx["role"] = v.Role()
	}
	if v, ok := obj.(IPAddresser); ok {
		ctx["ip_address"] = v.IPAddress()
	}
	if v, ok := obj.(Tagger); ok {
		ctx["tags"] = v.Tags()
	}
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func stringifySlice(v interface{}) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, stringify(item))
		}
		return out
	default:
		return []string{stringify(val)}
	}
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case int:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
