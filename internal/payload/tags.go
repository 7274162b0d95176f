package payload

import (
	"sort"
	"strings"
)

// Tag describes one merge tag offered to users when editing templates.
type Tag struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var globalTags = map[string]string{
	"site.name":        "Site name",
	"site.url":         "Site URL",
	"site.admin_email": "Site administrator email",
	"timestamp":        "Unix timestamp of the delivery",
	"timestamp_iso":    "ISO-8601 UTC time of the delivery",
	"webhook.id":       "Webhook ID",
	"webhook.name":     "Webhook name",
}

var prefixTags = map[string]map[string]string{
	"post.": {
		"post.id":           "Post ID",
		"post.title":        "Post title",
		"post.content":      "Post content",
		"post.excerpt":      "Post excerpt",
		"post.status":       "Post status",
		"post.type":         "Post type",
		"post.url":          "Post permalink",
		"post.author.id":    "Author ID",
		"post.author.name":  "Author display name",
		"post.published_at": "Publication time",
		"post.categories":   "Category names",
		"post.tags":         "Tag names",
	},
	"user.": {
		"user.id":            "User ID",
		"user.login":         "Login name",
		"user.email":         "Email address",
		"user.display_name":  "Display name",
		"user.roles":         "Assigned roles",
		"user.registered_at": "Registration time",
	},
	"comment.": {
		"comment.id":           "Comment ID",
		"comment.post_id":      "ID of the commented post",
		"comment.author":       "Comment author name",
		"comment.author_email": "Comment author email",
		"comment.content":      "Comment text",
		"comment.status":       "Moderation status",
	},
	"route.": {
		"body":    "Inbound request body",
		"headers": "Inbound request headers",
		"query":   "Inbound query parameters",
		"params":  "Route path parameters",
	},
}

// AvailableTags lists the tags relevant to triggerKey, picked by key prefix.
// The list is informational: rendering accepts any tag.
func AvailableTags(triggerKey string) []Tag {
	merged := make(map[string]string, len(globalTags))
	for k, v := range globalTags {
		merged[k] = v
	}
	for prefix, tags := range prefixTags {
		if !strings.HasPrefix(triggerKey, prefix) {
			continue
		}
		for k, v := range tags {
			merged[k] = v
		}
	}

	out := make([]Tag, 0, len(merged))
	for name, desc := range merged {
		out = append(out, Tag{Name: name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
