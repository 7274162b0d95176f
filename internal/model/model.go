package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxRetryCount        = 10
	MinRetryDelaySeconds = 10
	MaxRetryDelaySeconds = 3600
)

var (
	ErrInvalidDefinition = errors.New("invalid definition")
	ErrNotFound          = errors.New("not found")
)

type PayloadFormat string

const (
	FormatJSON PayloadFormat = "json"
	FormatForm PayloadFormat = "form"
)

// Header is one custom request header. Order is preserved and keys are unique.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Webhook struct {
	ID                uuid.UUID      `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	TriggerKey        string         `json:"trigger_key"`
	TriggerConfig     map[string]any `json:"trigger_config"`
	EndpointURL       string         `json:"endpoint_url"`
	HTTPMethod        string         `json:"http_method"`
	CustomHeaders     []Header       `json:"custom_headers"`
	PayloadFormat     PayloadFormat  `json:"payload_format"`
	PayloadTemplate   any            `json:"payload_template,omitempty"`
	SecretKey         *string        `json:"secret_key,omitempty"`
	IsActive          bool           `json:"is_active"`
	RetryCount        int            `json:"retry_count"`
	RetryDelaySeconds int            `json:"retry_delay_seconds"`
	CreatedBy         string         `json:"created_by"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// Normalize fills defaults for unset fields.
func (w *Webhook) Normalize() {
	w.Name = strings.TrimSpace(w.Name)
	w.TriggerKey = strings.TrimSpace(w.TriggerKey)
	w.EndpointURL = strings.TrimSpace(w.EndpointURL)
	w.HTTPMethod = strings.ToUpper(strings.TrimSpace(w.HTTPMethod))
	if w.HTTPMethod == "" {
		w.HTTPMethod = "POST"
	}
	if w.PayloadFormat == "" {
		w.PayloadFormat = FormatJSON
	}
	if w.RetryDelaySeconds == 0 {
		w.RetryDelaySeconds = 60
	}
	if w.TriggerConfig == nil {
		w.TriggerConfig = map[string]any{}
	}
	if w.SecretKey != nil && strings.TrimSpace(*w.SecretKey) == "" {
		w.SecretKey = nil
	}
}

// Validate reports configuration errors. It never touches the network.
func (w *Webhook) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if w.TriggerKey == "" {
		return fmt.Errorf("%w: trigger_key is required", ErrInvalidDefinition)
	}
	if err := ValidateURL(w.EndpointURL); err != nil {
		return err
	}
	if !httpMethods[w.HTTPMethod] {
		return fmt.Errorf("%w: unsupported http_method %q", ErrInvalidDefinition, w.HTTPMethod)
	}
	if w.PayloadFormat != FormatJSON && w.PayloadFormat != FormatForm {
		return fmt.Errorf("%w: payload_format must be json or form", ErrInvalidDefinition)
	}
	if w.RetryCount < 0 || w.RetryCount > MaxRetryCount {
		return fmt.Errorf("%w: retry_count must be between 0 and %d", ErrInvalidDefinition, MaxRetryCount)
	}
	if w.RetryDelaySeconds < MinRetryDelaySeconds || w.RetryDelaySeconds > MaxRetryDelaySeconds {
		return fmt.Errorf("%w: retry_delay_seconds must be between %d and %d",
			ErrInvalidDefinition, MinRetryDelaySeconds, MaxRetryDelaySeconds)
	}
	seen := make(map[string]bool, len(w.CustomHeaders))
	for _, h := range w.CustomHeaders {
		key := strings.ToLower(strings.TrimSpace(h.Key))
		if key == "" {
			return fmt.Errorf("%w: custom header key is empty", ErrInvalidDefinition)
		}
		if seen[key] {
			return fmt.Errorf("%w: duplicate custom header %q", ErrInvalidDefinition, h.Key)
		}
		seen[key] = true
	}
	return nil
}

// HasSecret reports whether deliveries for this webhook are signed.
func (w *Webhook) HasSecret() bool {
	return w.SecretKey != nil && *w.SecretKey != ""
}

// ValidateURL checks that raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidDefinition)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid url: %v", ErrInvalidDefinition, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url scheme must be http or https", ErrInvalidDefinition)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: url host is required", ErrInvalidDefinition)
	}
	return nil
}

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryLog is one delivery of one webhook. Retries update the same row.
type DeliveryLog struct {
	ID               uuid.UUID         `json:"id"`
	WebhookID        uuid.UUID         `json:"webhook_id"`
	TriggerKey       string            `json:"trigger_key"`
	TriggerEventData map[string]any    `json:"trigger_event_data"`
	EndpointURL      string            `json:"endpoint_url"`
	RequestHeaders   map[string]string `json:"request_headers"`
	RequestPayload   string            `json:"request_payload"`
	ResponseCode     *int              `json:"response_code,omitempty"`
	ResponseHeaders  map[string]string `json:"response_headers,omitempty"`
	ResponseBody     *string           `json:"response_body,omitempty"`
	DurationMs       int               `json:"duration_ms"`
	Status           DeliveryStatus    `json:"status"`
	ErrorMessage     *string           `json:"error_message,omitempty"`
	AttemptNumber    int               `json:"attempt_number"`
	CreatedAt        time.Time         `json:"created_at"`
}

// DeliveryUpdate is the partial update applied once an attempt completes.
type DeliveryUpdate struct {
	EndpointURL     string
	RequestHeaders  map[string]string
	ResponseCode    *int
	ResponseHeaders map[string]string
	ResponseBody    *string
	DurationMs      int
	Status          DeliveryStatus
	ErrorMessage    *string
	AttemptNumber   int
}

type DeliveryFilter struct {
	WebhookID  *uuid.UUID
	TriggerKey string
	Status     DeliveryStatus
	Search     string
	From       *time.Time
	To         *time.Time
}

type DeliveryStats struct {
	Total        int64   `json:"total"`
	Success      int64   `json:"success"`
	Failed       int64   `json:"failed"`
	Pending      int64   `json:"pending"`
	TodayTotal   int64   `json:"today_total"`
	TodaySuccess int64   `json:"today_success"`
	TodayFailed  int64   `json:"today_failed"`
	SuccessRate  float64 `json:"success_rate"`
}

// Filter narrows configuration repository listings.
type Filter struct {
	TriggerKey string
	IsActive   *bool
	Search     string
	From       *time.Time
	To         *time.Time
}

type ActionType string

const (
	ActionTransform    ActionType = "transform"
	ActionEvent        ActionType = "event"
	ActionCreateRecord ActionType = "create_record"
	ActionUpdateRecord ActionType = "update_record"
	ActionHTTPRequest  ActionType = "http_request"
)

type Action struct {
	Type   ActionType     `json:"type"`
	Config map[string]any `json:"config"`
}

type Route struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	RoutePath string    `json:"route_path"`
	Methods   []string  `json:"methods"`
	Actions   []Action  `json:"actions"`
	IsActive  bool      `json:"is_active"`
	IsAsync   bool      `json:"is_async"`
	SecretKey *string   `json:"secret_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Route) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.RoutePath = "/" + strings.Trim(strings.TrimSpace(r.RoutePath), "/")
	if len(r.Methods) == 0 {
		r.Methods = []string{"POST"}
	}
	for i, m := range r.Methods {
		r.Methods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	if r.SecretKey != nil && *r.SecretKey == "" {
		r.SecretKey = nil
	}
}

func (r *Route) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if r.RoutePath == "/" {
		return fmt.Errorf("%w: route_path is required", ErrInvalidDefinition)
	}
	for _, m := range r.Methods {
		if !httpMethods[m] {
			return fmt.Errorf("%w: unsupported method %q", ErrInvalidDefinition, m)
		}
	}
	for i, a := range r.Actions {
		switch a.Type {
		case ActionTransform, ActionEvent, ActionCreateRecord, ActionUpdateRecord, ActionHTTPRequest:
		default:
			return fmt.Errorf("%w: action %d has unknown type %q", ErrInvalidDefinition, i, a.Type)
		}
	}
	return nil
}

// AllowsMethod reports whether the route accepts the given HTTP method.
func (r *Route) AllowsMethod(method string) bool {
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Record is a typed JSON document written by record actions.
type Record struct {
	ID        uuid.UUID      `json:"id"`
	Type      string         `json:"type"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
