package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway/internal/auth"
	"gateway/internal/metrics"
	"gateway/internal/plan"
)

func user(role string, vars map[string]string) *auth.UserInfo {
	if vars == nil {
		vars = map[string]string{}
	}
	vars[auth.VarRole] = role
	return &auth.UserInfo{Role: role, SessionVars: vars}
}

func TestKeyProjectsSessionVars(t *testing.T) {
	req := plan.Request{Query: "{ me }"}
	a := user("user", map[string]string{auth.VarUserID: "1", "x-hasura-org": "acme"})
	b := user("user", map[string]string{auth.VarUserID: "1", "x-hasura-org": "globex"})

	// The plan only reads the user id, so the org difference is invisible.
	assert.Equal(t,
		KeyFor(req, a, []string{auth.VarUserID}),
		KeyFor(req, b, []string{auth.VarUserID}))

	// Projected to the org var, the keys split.
	assert.NotEqual(t,
		KeyFor(req, a, []string{"x-hasura-org"}),
		KeyFor(req, b, []string{"x-hasura-org"}))
}

func TestKeyVariesByRoleQueryAndVariables(t *testing.T) {
	base := plan.Request{Query: "{ me }"}
	assert.NotEqual(t, KeyFor(base, user("user", nil), nil), KeyFor(base, user("editor", nil), nil))
	assert.NotEqual(t,
		KeyFor(plan.Request{Query: "{ me }"}, user("user", nil), nil),
		KeyFor(plan.Request{Query: "{ you }"}, user("user", nil), nil))
	assert.NotEqual(t,
		KeyFor(plan.Request{Query: "q", Variables: map[string]json.RawMessage{"a": json.RawMessage(`1`)}}, user("user", nil), nil),
		KeyFor(plan.Request{Query: "q", Variables: map[string]json.RawMessage{"a": json.RawMessage(`2`)}}, user("user", nil), nil))
}

func TestResultCacheRoundTrip(t *testing.T) {
	c := New(4, time.Minute, metrics.New())
	key := KeyFor(plan.Request{Query: "{ me }"}, user("user", nil), nil)

	_, ok := c.Get(key)
	require.False(t, ok)

	c.Set(key, json.RawMessage(`{"data":{"me":1}}`), 0)
	got, ok := c.Get(key)
	require.True(t, ok)
	assert.JSONEq(t, `{"data":{"me":1}}`, string(got))
}

func TestResultCacheHonoursEntryTTL(t *testing.T) {
	c := New(4, time.Minute, metrics.New())
	key := KeyFor(plan.Request{Query: "{ me }"}, user("user", nil), nil)

	c.Set(key, json.RawMessage(`1`), 20*time.Millisecond)
	_, ok := c.Get(key)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get(key)
	assert.False(t, ok)
}
