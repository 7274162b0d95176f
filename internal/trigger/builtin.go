package trigger

import "time"

const (
	CategoryPost    = "post"
	CategoryUser    = "user"
	CategoryComment = "comment"
	CategoryRoute   = "route"
)

var postTypesField = Field{
	Key:         "post_types",
	Label:       "Post types",
	Type:        "multiselect",
	Options:     []string{"post", "page"},
	Description: "Only fire for these post types. Leave empty for all.",
}

var rolesField = Field{
	Key:         "roles",
	Label:       "Roles",
	Type:        "multiselect",
	Options:     []string{"administrator", "editor", "author", "contributor", "subscriber"},
	Description: "Only fire for users with one of these roles. Leave empty for all.",
}

var conditionField = Field{
	Key:         ConditionKey,
	Label:       "Condition",
	Type:        "text",
	Description: `Optional expression over the event data, e.g. post.status == "publish"`,
}

// DefaultRegistry builds a registry holding the built-in triggers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range builtins() {
		// keys are unique by construction
		_ = r.Register(t)
	}
	return r
}

func builtins() []*Trigger {
	postTrigger := func(key, label, hook string) *Trigger {
		return &Trigger{
			Key:         key,
			Category:    CategoryPost,
			Label:       label,
			Description: label + " for any post type",
			Hook:        hook,
			Fields:      []Field{postTypesField, conditionField},
			Shape:       wrap("post"),
			Match:       AllowList("post_types", "post", "type"),
			Sample:      samplePost,
		}
	}
	userTrigger := func(key, label, hook string) *Trigger {
		return &Trigger{
			Key:         key,
			Category:    CategoryUser,
			Label:       label,
			Description: label,
			Hook:        hook,
			Fields:      []Field{rolesField, conditionField},
			Shape:       wrap("user"),
			Match:       AllowList("roles", "user", "roles"),
			Sample:      sampleUser,
		}
	}

	return []*Trigger{
		postTrigger("post.published", "Post published", "transition_post_status"),
		postTrigger("post.updated", "Post updated", "post_updated"),
		postTrigger("post.deleted", "Post deleted", "before_delete_post"),
		userTrigger("user.registered", "User registered", "user_register"),
		userTrigger("user.updated", "User profile updated", "profile_update"),
		userTrigger("user.deleted", "User deleted", "delete_user"),
		userTrigger("user.login", "User logged in", "wp_login"),
		{
			Key:         "comment.created",
			Category:    CategoryComment,
			Label:       "Comment created",
			Description: "A new comment was posted",
			Hook:        "comment_post",
			Fields:      []Field{conditionField},
			Shape:       wrap("comment"),
			Sample:      sampleComment,
		},
		{
			Key:         "route.received",
			Category:    CategoryRoute,
			Label:       "Inbound route received",
			Description: "An inbound route accepted a request",
			Hook:        "route_received",
			Fields:      []Field{conditionField},
			Sample:      sampleRoute,
		},
	}
}

// wrap nests raw data under key unless it already is.
func wrap(key string) ShapeFunc {
	return func(raw map[string]any) map[string]any {
		if raw == nil {
			return map[string]any{key: map[string]any{}}
		}
		if _, ok := raw[key]; ok {
			return raw
		}
		return map[string]any{key: raw}
	}
}

func samplePost() map[string]any {
	return map[string]any{
		"post": map[string]any{
			"id":      float64(123),
			"title":   "Sample Post Title",
			"content": "This is sample post content for testing the webhook.",
			"excerpt": "This is sample post content...",
			"status":  "publish",
			"type":    "post",
			"url":     "https://example.com/sample-post",
			"author": map[string]any{
				"id":   float64(1),
				"name": "Sample Author",
			},
			"published_at": time.Now().UTC().Format(time.RFC3339),
			"categories":   []any{"News"},
			"tags":         []any{"sample", "test"},
		},
	}
}

func sampleUser() map[string]any {
	return map[string]any{
		"user": map[string]any{
			"id":            float64(42),
			"login":         "sampleuser",
			"email":         "sample@example.com",
			"display_name":  "Sample User",
			"roles":         []any{"subscriber"},
			"registered_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

func sampleComment() map[string]any {
	return map[string]any{
		"comment": map[string]any{
			"id":           float64(7),
			"post_id":      float64(123),
			"author":       "Sample Commenter",
			"author_email": "commenter@example.com",
			"content":      "Great post!",
			"status":       "approved",
		},
	}
}

func sampleRoute() map[string]any {
	return map[string]any{
		"route":   map[string]any{"name": "Sample Route", "path": "/sample"},
		"body":    map[string]any{"message": "sample"},
		"headers": map[string]any{"Content-Type": "application/json"},
		"query":   map[string]any{},
		"params":  map[string]any{},
	}
}
