package trigger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	for _, key := range []string{"post.published", "user.registered", "comment.created", "route.received"} {
		_, ok := r.Get(key)
		assert.True(t, ok, key)
	}
	all := r.All()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		assert.True(t, prev.Category < cur.Category || (prev.Category == cur.Category && prev.Key < cur.Key))
	}
	assert.Error(t, r.Register(&Trigger{Key: "post.published"}))
	assert.Error(t, r.Register(&Trigger{}))
}

func TestAllowListMatching(t *testing.T) {
	r := DefaultRegistry()
	page := map[string]any{"post": map[string]any{"type": "page"}}

	tests := []struct {
		name   string
		config map[string]any
		want   bool
	}{
		{"no config", nil, true},
		{"empty string", map[string]any{"post_types": ""}, true},
		{"matching", map[string]any{"post_types": "page"}, true},
		{"comma joined", map[string]any{"post_types": "post, page"}, true},
		{"list", map[string]any{"post_types": []any{"post", "page"}}, true},
		{"not allowed", map[string]any{"post_types": "post"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Matches("post.published", page, tt.config))
		})
	}
}

func TestRoleIntersection(t *testing.T) {
	r := DefaultRegistry()
	user := map[string]any{"user": map[string]any{"roles": []any{"editor", "author"}}}

	assert.True(t, r.Matches("user.updated", user, map[string]any{"roles": "subscriber,author"}))
	assert.False(t, r.Matches("user.updated", user, map[string]any{"roles": "administrator"}))
}

func TestConditionExpression(t *testing.T) {
	r := DefaultRegistry()
	data := map[string]any{"post": map[string]any{"type": "post", "status": "publish", "id": float64(5)}}

	assert.True(t, r.Matches("post.updated", data, map[string]any{"condition": `post.status == "publish"`}))
	assert.False(t, r.Matches("post.updated", data, map[string]any{"condition": `post.id > 10`}))
	assert.False(t, r.Matches("post.updated", data, map[string]any{"condition": `post.status ==`}))
	assert.False(t, r.Matches("post.updated", data, map[string]any{
		"post_types": "page",
		"condition":  `post.status == "publish"`,
	}))

	assert.NoError(t, CompileCondition(`post.id > 1`))
	assert.Error(t, CompileCondition(`post.id >`))
}

func TestConditionCacheIsBounded(t *testing.T) {
	r := DefaultRegistry()
	data := map[string]any{"post": map[string]any{"type": "post", "status": "publish", "id": float64(5)}}

	for i := 0; i < MaxCachedConditions*2; i++ {
		cond := fmt.Sprintf("post.id < %d", i+10)
		require.True(t, r.Matches("post.updated", data, map[string]any{"condition": cond}))
	}
	assert.Equal(t, MaxCachedConditions, r.conditions.Len())
	assert.True(t, r.Matches("post.updated", data, map[string]any{"condition": `post.id == 5`}))
}

func TestUnknownTriggerMatchesAll(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Matches("custom.event", map[string]any{"x": 1}, nil))
	assert.Equal(t, true, r.SampleData("custom.event")["test"])
}

func TestShapeWrapsRawData(t *testing.T) {
	r := DefaultRegistry()
	shaped := r.Shape("post.published", map[string]any{"id": 1})
	assert.Equal(t, map[string]any{"post": map[string]any{"id": 1}}, shaped)

	already := map[string]any{"post": map[string]any{"id": 1}}
	assert.Equal(t, already, r.Shape("post.published", already))
}

func TestSampleDataMatchesOwnTrigger(t *testing.T) {
	r := DefaultRegistry()
	for _, tr := range r.All() {
		assert.True(t, r.Matches(tr.Key, r.SampleData(tr.Key), nil), tr.Key)
	}
}
