// Package payload renders webhook payloads from merge-tag templates.
//
// A merge tag is a "{{dotted.path}}" placeholder inside any string of a
// template. Tags are resolved against nested event data; unresolved tags
// are left in the output verbatim.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var tagPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

type Site struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	AdminEmail string `json:"admin_email"`
}

type Engine struct {
	Site Site
	Now  func() time.Time
}

func New(site Site) *Engine {
	return &Engine{Site: site, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// GlobalData returns site information and the current time. It is computed on every call.
func (e *Engine) GlobalData() map[string]any {
	now := e.now().UTC()
	return map[string]any{
		"site": map[string]any{
			"name":        e.Site.Name,
			"url":         e.Site.URL,
			"admin_email": e.Site.AdminEmail,
		},
		"timestamp":     now.Unix(),
		"timestamp_iso": now.Format(time.RFC3339),
	}
}

// DefaultPayload is used when a webhook has no template.
func (e *Engine) DefaultPayload(eventData map[string]any) map[string]any {
	out := e.GlobalData()
	if eventData == nil {
		eventData = map[string]any{}
	}
	out["event"] = eventData
	return out
}

// IsEmptyTemplate reports whether tmpl means "use the default payload".
func IsEmptyTemplate(tmpl any) bool {
	switch v := tmpl.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	}
	return false
}

// Render resolves every merge tag in tmpl against data.
func (e *Engine) Render(tmpl any, data map[string]any) any {
	if IsEmptyTemplate(tmpl) {
		return e.DefaultPayload(data)
	}
	return renderValue(tmpl, data)
}

// RenderJSON renders tmpl and serializes it as indented JSON.
func (e *Engine) RenderJSON(tmpl any, data map[string]any) ([]byte, error) {
	return EncodeJSON(e.Render(tmpl, data))
}

// RenderForm renders tmpl and serializes it as application/x-www-form-urlencoded.
func (e *Engine) RenderForm(tmpl any, data map[string]any) []byte {
	return EncodeForm(e.Render(tmpl, data))
}

// RenderString resolves merge tags inside a single string.
func RenderString(s string, data map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return tagPattern.ReplaceAllStringFunc(s, func(tag string) string {
		m := tagPattern.FindStringSubmatch(tag)
		v, ok := Lookup(data, m[1])
		if !ok {
			return tag
		}
		return stringify(v)
	})
}

// RenderValue resolves merge tags in any template structure without the default payload rule.
func RenderValue(tmpl any, data map[string]any) any {
	return renderValue(tmpl, data)
}

func renderValue(v any, data map[string]any) any {
	switch t := v.(type) {
	case string:
		return RenderString(t, data)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = renderValue(val, data)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = renderValue(val, data)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = RenderString(val, data)
		}
		return out
	default:
		return v
	}
}

// Lookup descends into data one dotted segment at a time.
func Lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t)
	case json.Number:
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// EncodeJSON writes v as indented JSON without HTML escaping.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// EncodeForm flattens v into outer[inner] keys and url-encodes it.
func EncodeForm(v any) []byte {
	values := url.Values{}
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			flatten(values, k, val)
		}
	case []any:
		for i, val := range t {
			flatten(values, strconv.Itoa(i), val)
		}
	default:
		if v != nil {
			values.Set("payload", stringify(v))
		}
	}
	return []byte(values.Encode())
}

func flatten(values url.Values, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(values, prefix+"["+k+"]", t[k])
		}
	case []any:
		for i, val := range t {
			flatten(values, prefix+"["+strconv.Itoa(i)+"]", val)
		}
	case nil:
	case bool:
		if t {
			values.Add(prefix, "1")
		} else {
			values.Add(prefix, "0")
		}
	default:
		values.Add(prefix, stringify(t))
	}
}
