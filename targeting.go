package magick

import (
	"crypto/md5"
	"encoding/hex"
	"net"
	"strconv"
	"time"
)

// MatchResult is the outcome of running a flag's targeting rules against
// an evaluation context.
type MatchResult int

const (
	// NoRules means the flag has no targeting; the global value applies.
	NoRules MatchResult = iota
	// Match means some selection rule matched the context.
	Match
	// NoMatch means a gating rule failed or no selection rule matched.
	NoMatch
)

// Targeting holds the rules that override a flag's global value for some
// contexts. The zero value targets nobody.
type Targeting struct {
	Users              []string                      `json:"user,omitempty"`
	Groups             []string                      `json:"group,omitempty"`
	Roles              []string                      `json:"role,omitempty"`
	Tags               []string                      `json:"tag,omitempty"`
	PercentageUsers    float64                       `json:"percentage_users,omitempty"`
	PercentageRequests float64                       `json:"percentage_requests,omitempty"`
	DateRange          *DateRange                    `json:"date_range,omitempty"`
	IPAddresses        []string                      `json:"ip_address,omitempty"`
	CustomAttributes   map[string]AttributePredicate `json:"custom_attributes,omitempty"`
	ComplexConditions  *ComplexConditions            `json:"complex_conditions,omitempty"`
}

// DateRange activates targeting only between Start and End.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// AttributePredicate matches one custom context attribute against a value
// set. Operator is one of eq, ne, in, not_in, gt, lt.
type AttributePredicate struct {
	Values   []string `json:"values"`
	Operator string   `json:"operator"`
}

// ComplexConditions aggregates selection-rule leaves with and/or.
type ComplexConditions struct {
	Operator   string      `json:"operator"`
	Conditions []Condition `json:"conditions"`
}

// Condition is one leaf of a complex condition; Type mirrors a selection
// rule ("user", "group", "role", "tag", "percentage_users",
// "percentage_requests") and Params carries its operand.
type Condition struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params"`
}

// IsEmpty reports whether no rule is set.
func (t Targeting) IsEmpty() bool {
	return len(t.Users) == 0 &&
		len(t.Groups) == 0 &&
		len(t.Roles) == 0 &&
		len(t.Tags) == 0 &&
		t.PercentageUsers == 0 &&
		t.PercentageRequests == 0 &&
		t.DateRange == nil &&
		len(t.IPAddresses) == 0 &&
		len(t.CustomAttributes) == 0 &&
		t.ComplexConditions == nil
}

// clone returns a deep copy so callers can hold a read-only view.
func (t *Targeting) clone() Targeting {
	out := Targeting{
		Users:              append([]string(nil), t.Users...),
		Groups:             append([]string(nil), t.Groups...),
		Roles:              append([]string(nil), t.Roles...),
		Tags:               append([]string(nil), t.Tags...),
		PercentageUsers:    t.PercentageUsers,
		PercentageRequests: t.PercentageRequests,
		IPAddresses:        append([]string(nil), t.IPAddresses...),
	}
	if t.DateRange != nil {
		dr := *t.DateRange
		out.DateRange = &dr
	}
	if len(t.CustomAttributes) > 0 {
		out.CustomAttributes = make(map[string]AttributePredicate, len(t.CustomAttributes))
		for k, v := range t.CustomAttributes {
			out.CustomAttributes[k] = v
		}
	}
	if t.ComplexConditions != nil {
		cc := ComplexConditions{
			Operator:   t.ComplexConditions.Operator,
			Conditions: append([]Condition(nil), t.ComplexConditions.Conditions...),
		}
		out.ComplexConditions = &cc
	}
	return out
}

// matchTargeting evaluates the rules in two passes: gating rules first
// (any failure short-circuits to NoMatch), then selection rules (first
// match wins). rnd supplies uniform randoms in [0,1) for the
// percentage-of-requests rule.
func matchTargeting(flagName string, t *Targeting, ctx Context, rnd func() float64) MatchResult {
	if t.IsEmpty() {
		return NoRules
	}

	// Gating rules.
	if t.DateRange != nil && !t.DateRange.active(time.Now()) {
		return NoMatch
	}
	if len(t.IPAddresses) > 0 && !ipMatches(t.IPAddresses, ctx.IPAddress()) {
		return NoMatch
	}
	if len(t.CustomAttributes) > 0 && !customAttributesMatch(t.CustomAttributes, ctx) {
		return NoMatch
	}
	if t.ComplexConditions != nil && !complexMatch(flagName, t.ComplexConditions, ctx, rnd) {
		return NoMatch
	}

	// Selection rules.
	if contains(t.Users, ctx.UserID()) {
		return Match
	}
	if contains(t.Groups, ctx.Group()) {
		return Match
	}
	if contains(t.Roles, ctx.Role()) {
		return Match
	}
	if intersects(t.Tags, ctx.Tags()) {
		return Match
	}
	if t.PercentageUsers > 0 && userInPercentage(flagName, ctx.UserID(), t.PercentageUsers) {
		return Match
	}
	if t.PercentageRequests > 0 && rnd()*100 < t.PercentageRequests {
		return Match
	}

	return NoMatch
}

func (d *DateRange) active(now time.Time) bool {
	if !d.Start.IsZero() && now.Before(d.Start) {
		return false
	}
	if !d.End.IsZero() && now.After(d.End) {
		return false
	}
	return true
}

// userInPercentage buckets a user deterministically: the first 8 hex
// characters of MD5("{flag}:{user}") read as a uint32, modulo 100. Stable
// across processes and re-evaluations for the same (flag, user) pair.
func userInPercentage(flagName, userID string, percentage float64) bool {
	if userID == "" {
		return false
	}
	return float64(userBucket(flagName, userID)%100) < percentage
}

func userBucket(flagName, userID string) uint32 {
	sum := md5.Sum([]byte(flagName + ":" + userID))
	hexDigest := hex.EncodeToString(sum[:])
	bucket, _ := strconv.ParseUint(hexDigest[:8], 16, 32)
	return uint32(bucket)
}

func ipMatches(cidrs []string, addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			// A bare address in the rule set matches exactly.
			if rule := net.ParseIP(cidr); rule != nil && rule.Equal(ip) {
				return true
			}
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func customAttributesMatch(preds map[string]AttributePredicate, ctx Context) bool {
	for attr, pred := range preds {
		raw, ok := ctx.Attr(attr)
		if !ok {
			return false
		}
		if !pred.matches(stringify(raw)) {
			return false
		}
	}
	return true
}

func (p AttributePredicate) matches(value string) bool {
	switch p.Operator {
	case "eq", "in", "":
		return contains(p.Values, value)
	case "ne", "not_in":
		return !contains(p.Values, value)
	case "gt":
		return compareFloats(value, p.Values, func(a, b float64) bool { return a > b })
	case "lt":
		return compareFloats(value, p.Values, func(a, b float64) bool { return a < b })
	default:
		return false
	}
}

func compareFloats(value string, against []string, cmp func(a, b float64) bool) bool {
	if len(against) == 0 {
		return false
	}
	left, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false
	}
	right, err := strconv.ParseFloat(against[0], 64)
	if err != nil {
		return false
	}
	return cmp(left, right)
}

func complexMatch(flagName string, cc *ComplexConditions, ctx Context, rnd func() float64) bool {
	if len(cc.Conditions) == 0 {
		return true
	}
	for _, cond := range cc.Conditions {
		matched := conditionMatch(flagName, cond, ctx, rnd)
		if cc.Operator == "or" {
			if matched {
				return true
			}
		} else if !matched { // "and" is the default aggregate
			return false
		}
	}
	return cc.Operator != "or"
}

// conditionMatch evaluates one complex-condition leaf; each leaf mirrors a
// selection rule.
func conditionMatch(flagName string, cond Condition, ctx Context, rnd func() float64) bool {
	switch cond.Type {
	case "user":
		return contains(paramValues(cond.Params), ctx.UserID())
	case "group":
		return contains(paramValues(cond.Params), ctx.Group())
	case "role":
		return contains(paramValues(cond.Params), ctx.Role())
	case "tag":
		return intersects(paramValues(cond.Params), ctx.Tags())
	case "percentage_users":
		return userInPercentage(flagName, ctx.UserID(), paramPercentage(cond.Params))
	case "percentage_requests":
		p := paramPercentage(cond.Params)
		return p > 0 && rnd()*100 < p
	default:
		return false
	}
}

func paramValues(params map[string]interface{}) []string {
	if v, ok := params["values"]; ok {
		return stringifySlice(v)
	}
	return nil
}

func paramPercentage(params map[string]interface{}) float64 {
	switch v := params["percentage"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		p, _ := strconv.ParseFloat(v, 64)
		return p
	default:
		return 0
	}
}

func contains(set []string, value string) bool {
	if value == "" {
		return false
	}
	for _, item := range set {
		if item == value {
			return true
		}
	}
	return false
}

func intersects(set, values []string) bool {
	for _, v := range values {
		if contains(set, v) {
			return true
		}
	}
	return false
}
