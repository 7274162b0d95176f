// Package action runs the ordered action chain of an inbound route.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zachbroad/hookline/internal/delivery"
	"github.com/zachbroad/hookline/internal/events"
	"github.com/zachbroad/hookline/internal/model"
	"github.com/zachbroad/hookline/internal/payload"
	"github.com/zachbroad/hookline/internal/script"
)

// RequestData is the inbound request an action chain runs against.
type RequestData struct {
	Body    any            `json:"body"`
	Headers map[string]any `json:"headers"`
	Query   map[string]any `json:"query"`
	Params  map[string]any `json:"params"`
}

func (r RequestData) context() map[string]any {
	return map[string]any{
		"body":    r.Body,
		"headers": orEmpty(r.Headers),
		"query":   orEmpty(r.Query),
		"params":  orEmpty(r.Params),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Result is the trace entry of one action.
type Result struct {
	Index   int              `json:"index"`
	Type    model.ActionType `json:"type"`
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Output  string           `json:"output,omitempty"`
	Data    any              `json:"data,omitempty"`
}

// ExecutionResult is the outcome of one run of the chain.
type ExecutionResult struct {
	Success bool     `json:"success"`
	Actions []Result `json:"actions"`
	Data    any      `json:"data"`
}

type RecordWriter interface {
	Create(ctx context.Context, recordType string, fields map[string]any) (*model.Record, error)
	Update(ctx context.Context, id uuid.UUID, fields map[string]any) (*model.Record, error)
}

type Sender interface {
	Send(ctx context.Context, r delivery.Request) delivery.Response
}

type Processor struct {
	records   RecordWriter
	sender    Sender
	bus       events.Bus
	userAgent string
	logger    *slog.Logger
}

func New(records RecordWriter, sender Sender, bus events.Bus, userAgent string) *Processor {
	return &Processor{
		records:   records,
		sender:    sender,
		bus:       bus,
		userAgent: userAgent,
		logger:    slog.Default().With("component", "action"),
	}
}

// Process runs actions against req. A list-like body fans out into one
// independent run per element.
func (p *Processor) Process(ctx context.Context, actions []model.Action, req RequestData) []ExecutionResult {
	items, ok := BatchItems(req.Body)
	if !ok {
		return []ExecutionResult{p.run(ctx, actions, req)}
	}
	results := make([]ExecutionResult, 0, len(items))
	for _, item := range items {
		single := req
		single.Body = item
		results = append(results, p.run(ctx, actions, single))
	}
	return results
}

// BatchItems returns the elements of a list-like body: a non-empty JSON
// array, or an object whose keys are exactly "0" through "n-1".
func BatchItems(body any) ([]any, bool) {
	switch v := body.(type) {
	case []any:
		if len(v) == 0 {
			return nil, false
		}
		return v, true
	case map[string]any:
		if len(v) == 0 {
			return nil, false
		}
		items := make([]any, len(v))
		for k, item := range v {
			i, err := strconv.Atoi(k)
			if err != nil || i < 0 || i >= len(v) || strconv.Itoa(i) != k {
				return nil, false
			}
			items[i] = item
		}
		return items, true
	}
	return nil, false
}

func (p *Processor) run(ctx context.Context, actions []model.Action, req RequestData) ExecutionResult {
	var current any = req.context()
	exec := ExecutionResult{Success: true, Actions: make([]Result, 0, len(actions))}

	for i, a := range actions {
		res := Result{Index: i, Type: a.Type}
		next, err := p.execute(ctx, a, current, &res)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
			exec.Success = false
			p.logger.Warn("action failed", "index", i, "type", a.Type, "error", err)
		} else {
			res.Success = true
			current = next
			p.logger.Debug("action done", "index", i, "type", a.Type)
		}
		exec.Actions = append(exec.Actions, res)
	}
	exec.Data = current
	return exec
}

// scope is the template data for current. Non-object data is exposed as "data".
func scope(current any) map[string]any {
	if m, ok := current.(map[string]any); ok {
		return m
	}
	return map[string]any{"data": current}
}

func (p *Processor) execute(ctx context.Context, a model.Action, current any, res *Result) (any, error) {
	cfg := a.Config
	if cfg == nil {
		cfg = map[string]any{}
	}

	switch a.Type {
	case model.ActionTransform:
		code, _ := cfg["script"].(string)
		out, err := script.Run(code, current)
		if err != nil {
			return current, err
		}
		res.Output = out.Output
		if out.Replaced {
			res.Data = out.Data
			return out.Data, nil
		}
		return current, nil

	case model.ActionEvent:
		name, _ := cfg["event"].(string)
		if name == "" {
			name = events.TopicRoute
		}
		if p.bus != nil {
			if err := p.bus.Publish(ctx, name, current); err != nil {
				p.logger.Warn("event action publish failed", "event", name, "error", err)
			}
		}
		res.Data = map[string]any{"event": name}
		return current, nil

	case model.ActionCreateRecord:
		if p.records == nil {
			return current, errors.New("no record store configured")
		}
		data := scope(current)
		recordType := payload.RenderString(stringValue(cfg["record_type"]), data)
		if recordType == "" {
			return current, errors.New("record_type is required")
		}
		rec, err := p.records.Create(ctx, recordType, renderFields(cfg["fields"], data))
		if err != nil {
			return current, fmt.Errorf("create record: %w", err)
		}
		res.Data = map[string]any{"id": rec.ID.String(), "type": rec.Type}
		return current, nil

	case model.ActionUpdateRecord:
		if p.records == nil {
			return current, errors.New("no record store configured")
		}
		data := scope(current)
		rawID := strings.TrimSpace(payload.RenderString(stringValue(cfg["record_id"]), data))
		id, err := uuid.Parse(rawID)
		if err != nil {
			return current, fmt.Errorf("invalid record_id %q", rawID)
		}
		rec, err := p.records.Update(ctx, id, renderFields(cfg["fields"], data))
		if err != nil {
			return current, fmt.Errorf("update record: %w", err)
		}
		res.Data = map[string]any{"id": rec.ID.String(), "type": rec.Type}
		return current, nil

	case model.ActionHTTPRequest:
		return current, p.httpRequest(ctx, cfg, current, res)
	}

	return current, fmt.Errorf("unknown action type %q", a.Type)
}

func (p *Processor) httpRequest(ctx context.Context, cfg map[string]any, current any, res *Result) error {
	if p.sender == nil {
		return errors.New("no http sender configured")
	}
	data := scope(current)

	url := strings.TrimSpace(payload.RenderString(stringValue(cfg["url"]), data))
	if err := model.ValidateURL(url); err != nil {
		return err
	}
	method := strings.ToUpper(stringValue(cfg["method"]))
	if method == "" {
		method = "POST"
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if p.userAgent != "" {
		headers["User-Agent"] = p.userAgent
	}
	if raw, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range raw {
			headers[k] = payload.RenderString(stringValue(v), data)
		}
	}

	var body []byte
	switch tmpl := cfg["body"].(type) {
	case nil:
		b, err := payload.EncodeJSON(current)
		if err != nil {
			return err
		}
		body = b
	case string:
		body = []byte(payload.RenderString(tmpl, data))
	default:
		b, err := payload.EncodeJSON(payload.RenderValue(tmpl, data))
		if err != nil {
			return err
		}
		body = b
	}

	resp := p.sender.Send(ctx, delivery.Request{URL: url, Method: method, Headers: headers, Body: body})
	res.Data = map[string]any{"code": resp.Code, "body": resp.Body}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	if !resp.OK() {
		return fmt.Errorf("HTTP %d", resp.Code)
	}
	return nil
}

func renderFields(raw any, data map[string]any) map[string]any {
	fields, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = payload.RenderValue(v, data)
	}
	return out
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// Validate checks action configs before a route is saved.
func Validate(actions []model.Action) error {
	for i, a := range actions {
		cfg := a.Config
		switch a.Type {
		case model.ActionTransform:
			code, _ := cfg["script"].(string)
			if err := script.Validate(code); err != nil {
				return fmt.Errorf("%w: action %d: %v", model.ErrInvalidDefinition, i, err)
			}
		case model.ActionCreateRecord:
			if stringValue(cfg["record_type"]) == "" {
				return fmt.Errorf("%w: action %d: record_type is required", model.ErrInvalidDefinition, i)
			}
		case model.ActionUpdateRecord:
			if stringValue(cfg["record_id"]) == "" {
				return fmt.Errorf("%w: action %d: record_id is required", model.ErrInvalidDefinition, i)
			}
		case model.ActionHTTPRequest:
			if stringValue(cfg["url"]) == "" {
				return fmt.Errorf("%w: action %d: url is required", model.ErrInvalidDefinition, i)
			}
		case model.ActionEvent:
		default:
			return fmt.Errorf("%w: action %d has unknown type %q", model.ErrInvalidDefinition, i, a.Type)
		}
	}
	return nil
}

// Types lists the supported action types in display order.
func Types() []model.ActionType {
	return []model.ActionType{
		model.ActionTransform,
		model.ActionEvent,
		model.ActionCreateRecord,
		model.ActionUpdateRecord,
		model.ActionHTTPRequest,
	}
}
