package store

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Webhooks   *WebhookStore
	Deliveries *DeliveryLogStore
	Routes     *RouteStore
	Records    *RecordStore
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Webhooks:   &WebhookStore{pool: pool},
		Deliveries: &DeliveryLogStore{pool: pool},
		Routes:     &RouteStore{pool: pool},
		Records:    &RecordStore{pool: pool},
	}
}

// jsonArg marshals v for a JSONB column. A nil v, map or slice becomes SQL NULL.
func jsonArg(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return b, nil
}

func jsonScan(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

// conds accumulates WHERE clauses with numbered placeholders.
type conds struct {
	parts []string
	args  []any
}

// add appends a clause. format receives the placeholder index as %[1]d.
func (c *conds) add(format string, arg any) {
	c.args = append(c.args, arg)
	c.parts = append(c.parts, fmt.Sprintf(format, len(c.args)))
}

func (c *conds) where() string {
	if len(c.parts) == 0 {
		return ""
	}
	out := " WHERE " + c.parts[0]
	for _, p := range c.parts[1:] {
		out += " AND " + p
	}
	return out
}

// page appends LIMIT and OFFSET placeholders. limit <= 0 means no limit.
func (c *conds) page(limit, offset int) string {
	var out string
	if limit > 0 {
		c.args = append(c.args, limit)
		out += fmt.Sprintf(" LIMIT $%d", len(c.args))
	}
	if offset > 0 {
		c.args = append(c.args, offset)
		out += fmt.Sprintf(" OFFSET $%d", len(c.args))
	}
	return out
}
