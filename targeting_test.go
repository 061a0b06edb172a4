package magick

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedRnd(v float64) func() float64 {
	return func() float64 { return v }
}

func TestMatchTargetingEmpty(t *testing.T) {
	tg := Targeting{}
	assert.Equal(t, NoRules, matchTargeting("f", &tg, Context{"user_id": "1"}, fixedRnd(0)))
}

func TestMatchTargetingUsers(t *testing.T) {
	tg := Targeting{Users: []string{"42"}}

	assert.Equal(t, Match, matchTargeting("f", &tg, Context{"user_id": "42"}, fixedRnd(0)))
	assert.Equal(t, NoMatch, matchTargeting("f", &tg, Context{"user_id": "7"}, fixedRnd(0)))
	assert.Equal(t, NoMatch, matchTargeting("f", &tg, Context{}, fixedRnd(0)))
}

func TestMatchTargetingGroupsRolesTags(t *testing.T) {
	tg := Targeting{Groups: []string{"beta"}, Roles: []string{"admin"}, Tags: []string{"eu", "vip"}}

	assert.Equal(t, Match, matchTargeting("f", &tg, Context{"group": "beta"}, fixedRnd(0)))
	assert.Equal(t, Match, matchTargeting("f", &tg, Context{"role": "admin"}, fixedRnd(0)))
	assert.Equal(t, Match, matchTargeting("f", &tg, Context{"tags": []string{"us", "vip"}}, fixedRnd(0)))
	assert.Equal(t, NoMatch, matchTargeting("f", &tg, Context{"group": "alpha", "tags": []string{"us"}}, fixedRnd(0)))
}

func TestUserBucketDeterministic(t *testing.T) {
	b1 := userBucket("checkout", "42")
	b2 := userBucket("checkout", "42")
	assert.Equal(t, b1, b2)

	// Different flag names bucket the same user independently.
	other := userBucket("search", "42")
	_ = other // distribution, not equality, is the contract
}

func TestMatchTargetingPercentageUsers(t *testing.T) {
	// Pick one user inside and one outside the 30% bucket by computing
	// the same hash the matcher uses.
	var inside, outside string
	for i := 0; i < 1000 && (inside == "" || outside == ""); i++ {
		id := fmt.Sprintf("user-%d", i)
		if userBucket("pct", id)%100 < 30 {
			if inside == "" {
				inside = id
			}
		} else if outside == "" {
			outside = id
		}
	}
	require.NotEmpty(t, inside)
	require.NotEmpty(t, outside)

	tg := Targeting{PercentageUsers: 30}
	assert.Equal(t, Match, matchTargeting("pct", &tg, Context{"user_id": inside}, fixedRnd(0.99)))
	assert.Equal(t, NoMatch, matchTargeting("pct", &tg, Context{"user_id": outside}, fixedRnd(0.99)))

	// An anonymous context never lands in a user percentage.
	assert.Equal(t, NoMatch, matchTargeting("pct", &tg, Context{}, fixedRnd(0.99)))
}

func TestMatchTargetingPercentageRequests(t *testing.T) {
	tg := Targeting{PercentageRequests: 50}

	assert.Equal(t, Match, matchTargeting("f", &tg, Context{}, fixedRnd(0.25)))
	assert.Equal(t, NoMatch, matchTargeting("f", &tg, Context{}, fixedRnd(0.75)))
}

func TestMatchTargetingDateRangeGates(t *testing.T) {
	now := time.Now()
	tg := Targeting{
		Users:     []string{"42"},
		DateRange: &DateRange{Start: now.Add(-time.Hour), End: now.Add(time.Hour)},
	}
	assert.Equal(t, Match, matchTargeting("f", &tg, Context{"user_id": "42"}, fixedRnd(0)))

	// Outside the window even a listed user is gated off.
	tg.DateRange = &DateRange{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}
	assert.Equal(t, NoMatch, matchTargeting("f", &tg, Context{"user_id": "42"}, fixedRnd(0)))

	tg.DateRange = &DateRange{Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour)}
	assert.Equal(t, NoMatch, matchTargeting("f", &tg, Context{"user_id": "42"}, fixedRnd(0)))
}

func TestMatchTargetingIPGates(t *testing.T) {
	tg := Targeting{
		Users:       []string{"42"},
		IPAddresses: []string{"10.0.0.0/8", "192.168.1.5"},
	}

	assert.Equal(t, Match, matchTargeting("f", &tg, Context{"user_id": "42", "ip_address": "10.1.2.3"}, fixedRnd(0)))
	assert.Equal(t, Match, matchTargeting("f", &tg, Context{"user_id": "42", "ip_address": "192.168.1.5"}, fixedRnd(0)))
	assert.Equal(t, NoMatch, matchTargeting("f", &tg, Context{"user_id": "42", "ip_address": "172.16.0.1"}, fixedRnd(0)))
	assert.Equal(t, NoMatch, matchTargeting("f", &tg, Context{"user_id": "42"}, fixedRnd(0)))
}

func TestMatchTargetingCustomAttributes(t *testing.T) {
	tg := Targeting{
		Users: []string{"42"},
		CustomAttributes: map[string]AttributePredicate{
			"plan":    {Values: []string{"pro", "enterprise"}, Operator: "in"},
			"country": {Values: []string{"de"}, Operator: "ne"},
		},
	}

	ctx := Context{"user_id": "42", "plan": "pro", "country": "fr"}
	assert.Equal(t, Match, matchTargeting("f", &tg, ctx, fixedRnd(0)))

	ctx["country"] = "de"
	assert.Equal(t, NoMatch, matchTargeting("f", &tg, ctx, fixedRnd(0)))

	delete(ctx, "plan")
	ctx["country"] = "fr"
	assert.Equal(t, NoMatch, matchTargeting("f", &tg, ctx, fixedRnd(0)), "missing attribute fails the predicate")
}

func TestAttributePredicateOperators(t *testing.T) {
	assert.True(t, AttributePredicate{Values: []string{"a"}, Operator: "eq"}.matches("a"))
	assert.False(t, AttributePredicate{Values: []string{"a"}, Operator: "eq"}.matches("b"))
	assert.True(t, AttributePredicate{Values: []string{"a"}, Operator: "not_in"}.matches("b"))
	assert.True(t, AttributePredicate{Values: []string{"10"}, Operator: "gt"}.matches("11"))
	assert.False(t, AttributePredicate{Values: []string{"10"}, Operator: "gt"}.matches("10"))
	assert.True(t, AttributePredicate{Values: []string{"10"}, Operator: "lt"}.matches("9.5"))
	assert.False(t, AttributePredicate{Values: []string{"10"}, Operator: "gt"}.matches("abc"))
	assert.False(t, AttributePredicate{Values: []string{"x"}, Operator: "bogus"}.matches("x"))
}

func TestComplexConditionsAnd(t *testing.T) {
	tg := Targeting{
		Users: []string{"42"},
		ComplexConditions: &ComplexConditions{
			Operator: "and",
			Conditions: []Condition{
				{Type: "group", Params: map[string]interface{}{"values": []interface{}{"beta"}}},
				{Type: "role", Params: map[string]interface{}{"values": []interface{}{"admin"}}},
			},
		},
	}

	ctx := Context{"user_id": "42", "group": "beta", "role": "admin"}
	assert.Equal(t, Match, matchTargeting("f", &tg, ctx, fixedRnd(0)))

	ctx["role"] = "viewer"
	assert.Equal(t, NoMatch, matchTargeting("f", &tg, ctx, fixedRnd(0)))
}

func TestComplexConditionsOr(t *testing.T) {
	tg := Targeting{
		Users: []string{"42"},
		ComplexConditions: &ComplexConditions{
			Operator: "or",
			Conditions: []Condition{
				{Type: "group", Params: map[string]interface{}{"values": []interface{}{"beta"}}},
				{Type: "role", Params: map[string]interface{}{"values": []interface{}{"admin"}}},
			},
		},
	}

	assert.Equal(t, Match, matchTargeting("f", &tg, Context{"user_id": "42", "role": "admin"}, fixedRnd(0)))
	assert.Equal(t, NoMatch, matchTargeting("f", &tg, Context{"user_id": "42", "role": "viewer"}, fixedRnd(0)))
}

func TestTargetingClone(t *testing.T) {
	tg := Targeting{
		Users:            []string{"1"},
		CustomAttributes: map[string]AttributePredicate{"plan": {Values: []string{"pro"}}},
		DateRange:        &DateRange{Start: time.Now()},
	}
	cp := tg.clone()
	cp.Users[0] = "2"
	cp.CustomAttributes["plan"] = AttributePredicate{Values: []string{"free"}}
	cp.DateRange.Start = time.Time{}

	assert.Equal(t, "1", tg.Users[0])
	assert.Equal(t, []string{"pro"}, tg.CustomAttributes["plan"].Values)
	assert.False(t, tg.DateRange.Start.IsZero())
}
