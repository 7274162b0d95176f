// Package trigger describes the event types webhooks can subscribe to and
// decides whether a given event matches a webhook's filter configuration.
package trigger

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MaxCachedConditions bounds the compiled condition cache.
const MaxCachedConditions = 256

// ConditionKey is the trigger_config key holding an optional boolean expression.
const ConditionKey = "condition"

// Field is a declarative config option a trigger accepts.
type Field struct {
	Key         string   `json:"key"`
	Label       string   `json:"label"`
	Type        string   `json:"type"` // multiselect | text
	Options     []string `json:"options,omitempty"`
	Description string   `json:"description,omitempty"`
}

type MatchFunc func(data map[string]any, config map[string]any) bool

type ShapeFunc func(raw map[string]any) map[string]any

// Trigger is a single event type. Variants are expressed through the
// function fields rather than separate types.
type Trigger struct {
	Key         string  `json:"key"`
	Category    string  `json:"category"`
	Label       string  `json:"label"`
	Description string  `json:"description"`
	Hook        string  `json:"hook"`
	Fields      []Field `json:"fields"`

	Shape  ShapeFunc             `json:"-"`
	Match  MatchFunc             `json:"-"`
	Sample func() map[string]any `json:"-"`
}

type Registry struct {
	mu       sync.RWMutex
	triggers map[string]*Trigger

	conditions *lru.Cache[string, *vm.Program]
}

func NewRegistry() *Registry {
	return &Registry{
		triggers:   map[string]*Trigger{},
		conditions: newConditionCache(MaxCachedConditions),
	}
}

func (r *Registry) Register(t *Trigger) error {
	if t == nil || strings.TrimSpace(t.Key) == "" {
		return fmt.Errorf("register trigger: key is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.triggers[t.Key]; exists {
		return fmt.Errorf("register trigger: %q already registered", t.Key)
	}
	r.triggers[t.Key] = t
	return nil
}

func (r *Registry) Get(key string) (*Trigger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.triggers[key]
	return t, ok
}

// All returns every trigger ordered by category then key.
func (r *Registry) All() []*Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Trigger, 0, len(r.triggers))
	for _, t := range r.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Shape runs the trigger's data shaper, if any.
func (r *Registry) Shape(key string, raw map[string]any) map[string]any {
	t, ok := r.Get(key)
	if !ok || t.Shape == nil {
		return raw
	}
	return t.Shape(raw)
}

// Matches applies the trigger predicate and then the optional condition
// expression. Unknown triggers match everything.
func (r *Registry) Matches(key string, data, config map[string]any) bool {
	if t, ok := r.Get(key); ok && t.Match != nil && !t.Match(data, config) {
		return false
	}
	cond, _ := config[ConditionKey].(string)
	if strings.TrimSpace(cond) == "" {
		return true
	}
	ok, err := r.evalCondition(cond, data)
	if err != nil {
		return false
	}
	return ok
}

// SampleData returns representative data for key, used by test deliveries.
func (r *Registry) SampleData(key string) map[string]any {
	if t, ok := r.Get(key); ok && t.Sample != nil {
		return t.Sample()
	}
	return map[string]any{
		"trigger": key,
		"test":    true,
		"message": "This is a test delivery",
	}
}

func newConditionCache(size int) *lru.Cache[string, *vm.Program] {
	c, err := lru.New[string, *vm.Program](size)
	if err != nil {
		panic(fmt.Sprintf("condition cache: %v", err))
	}
	return c
}

// CompileCondition reports whether cond is a valid boolean expression.
func CompileCondition(cond string) error {
	_, err := expr.Compile(cond, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return fmt.Errorf("compile condition: %w", err)
	}
	return nil
}

func (r *Registry) evalCondition(cond string, data map[string]any) (bool, error) {
	prog, ok := r.conditions.Get(cond)
	if !ok {
		var err error
		prog, err = expr.Compile(cond, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return false, fmt.Errorf("compile condition: %w", err)
		}
		r.conditions.Add(cond, prog)
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return bool")
	}
	return b, nil
}

// AllowList returns a predicate matching when the value at path in the
// event data intersects the comma-joined or list value of configKey.
// An empty or absent config value matches everything.
func AllowList(configKey string, path ...string) MatchFunc {
	return func(data, config map[string]any) bool {
		allowed := configValues(config[configKey])
		if len(allowed) == 0 {
			return true
		}
		actual := configValues(lookup(data, path))
		for _, a := range actual {
			for _, want := range allowed {
				if strings.EqualFold(a, want) {
					return true
				}
			}
		}
		return false
	}
}

func lookup(data map[string]any, path []string) any {
	var cur any = data
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func configValues(v any) []string {
	var raw []string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		raw = strings.Split(t, ",")
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		raw = []string{fmt.Sprint(t)}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
