// Package dispatch delivers webhooks: it renders the payload, signs it,
// sends it, records the attempt and schedules retries.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zachbroad/hookline/internal/delivery"
	"github.com/zachbroad/hookline/internal/deliverylog"
	"github.com/zachbroad/hookline/internal/events"
	"github.com/zachbroad/hookline/internal/model"
	"github.com/zachbroad/hookline/internal/payload"
	"github.com/zachbroad/hookline/internal/signing"
	"github.com/zachbroad/hookline/internal/trigger"
)

// Scheduler job keys.
const (
	JobDispatch = "webhook.dispatch"
	JobRetry    = "webhook.retry"
)

var (
	ErrLogNotFound     = errors.New("delivery log not found")
	ErrWebhookNotFound = errors.New("webhook not found")
)

type Webhooks interface {
	Find(ctx context.Context, id uuid.UUID) (*model.Webhook, error)
	ListActiveByTrigger(ctx context.Context, key string) ([]model.Webhook, error)
}

type Logs interface {
	Begin(ctx context.Context, entry *model.DeliveryLog) (uuid.UUID, error)
	Finish(ctx context.Context, id uuid.UUID, upd model.DeliveryUpdate) error
	Get(ctx context.Context, id uuid.UUID) (*model.DeliveryLog, error)
}

type Sender interface {
	Send(ctx context.Context, r delivery.Request) delivery.Response
}

type Scheduler interface {
	RunAt(ctx context.Context, at time.Time, key string, args ...string) error
}

// Deps wires a Dispatcher. Scheduler and Bus may be nil, which disables
// deferred work and notifications respectively.
type Deps struct {
	Webhooks  Webhooks
	Logs      Logs
	Sender    Sender
	Engine    *payload.Engine
	Signer    *signing.Signer
	Triggers  *trigger.Registry
	Scheduler Scheduler
	Bus       events.Bus
	UserAgent string
	BodyLimit int
}

type Dispatcher struct {
	webhooks  Webhooks
	logs      Logs
	sender    Sender
	engine    *payload.Engine
	signer    *signing.Signer
	triggers  *trigger.Registry
	sched     Scheduler
	bus       events.Bus
	userAgent string
	bodyLimit int
	now       func() time.Time
	logger    *slog.Logger
}

func New(d Deps) *Dispatcher {
	if d.Engine == nil {
		d.Engine = payload.New(payload.Site{})
	}
	if d.Signer == nil {
		d.Signer = signing.New()
	}
	if d.Triggers == nil {
		d.Triggers = trigger.NewRegistry()
	}
	if d.UserAgent == "" {
		d.UserAgent = "Hookline/1.0.0"
	}
	if d.BodyLimit <= 0 {
		d.BodyLimit = deliverylog.DefaultBodyLimit
	}
	return &Dispatcher{
		webhooks:  d.Webhooks,
		logs:      d.Logs,
		sender:    d.Sender,
		engine:    d.Engine,
		signer:    d.Signer,
		triggers:  d.Triggers,
		sched:     d.Scheduler,
		bus:       d.Bus,
		userAgent: d.UserAgent,
		bodyLimit: d.BodyLimit,
		now:       time.Now,
		logger:    slog.Default().With("component", "dispatch"),
	}
}

// Outcome summarizes one attempt.
type Outcome struct {
	LogID          uuid.UUID `json:"log_id"`
	Success        bool      `json:"success"`
	Code           int       `json:"response_code"`
	Body           string    `json:"response_body"`
	DurationMs     int       `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
	Attempt        int       `json:"attempt_number"`
	RetryScheduled bool      `json:"retry_scheduled"`
}

// request is a fully built outbound request.
type request struct {
	url     string
	method  string
	headers map[string]string
	body    []byte
}

// Dispatch delivers wh synchronously. Errors are returned only for
// configuration problems and log store failures; a failed delivery is a
// normal Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, wh *model.Webhook, eventData map[string]any) (*Outcome, error) {
	return d.deliver(ctx, wh, eventData, true)
}

// Test delivers wh once with sample data and never schedules a retry.
func (d *Dispatcher) Test(ctx context.Context, wh *model.Webhook, sample map[string]any) (*Outcome, error) {
	if sample == nil {
		sample = d.triggers.SampleData(wh.TriggerKey)
	}
	return d.deliver(ctx, wh, sample, false)
}

func (d *Dispatcher) deliver(ctx context.Context, wh *model.Webhook, eventData map[string]any, retry bool) (*Outcome, error) {
	if wh == nil {
		return nil, fmt.Errorf("dispatch: %w: webhook is nil", model.ErrInvalidDefinition)
	}
	if err := wh.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch webhook %s: %w", wh.ID, err)
	}
	if eventData == nil {
		eventData = map[string]any{}
	}

	req, err := d.build(wh, eventData)
	if err != nil {
		return nil, fmt.Errorf("dispatch webhook %s: %w", wh.ID, err)
	}

	entry := &model.DeliveryLog{
		WebhookID:        wh.ID,
		TriggerKey:       wh.TriggerKey,
		TriggerEventData: eventData,
		EndpointURL:      req.url,
		RequestHeaders:   req.headers,
		RequestPayload:   string(req.body),
		AttemptNumber:    1,
	}
	logID, err := d.logs.Begin(ctx, entry)
	if err != nil {
		return nil, err
	}
	return d.attempt(ctx, wh, logID, 1, req, retry), nil
}

// build renders, encodes and signs the payload for wh.
func (d *Dispatcher) build(wh *model.Webhook, eventData map[string]any) (request, error) {
	hook := map[string]any{"id": wh.ID.String(), "name": wh.Name}

	var rendered any
	if payload.IsEmptyTemplate(wh.PayloadTemplate) {
		def := d.engine.DefaultPayload(eventData)
		def["webhook"] = hook
		rendered = def
	} else {
		ctxData := d.engine.GlobalData()
		ctxData["webhook"] = hook
		for k, v := range eventData {
			ctxData[k] = v
		}
		rendered = payload.RenderValue(wh.PayloadTemplate, ctxData)
	}

	var (
		body        []byte
		contentType string
	)
	switch wh.PayloadFormat {
	case model.FormatForm:
		body = payload.EncodeForm(rendered)
		contentType = "application/x-www-form-urlencoded"
	default:
		b, err := payload.EncodeJSON(rendered)
		if err != nil {
			return request{}, fmt.Errorf("encode payload: %w", err)
		}
		body = b
		contentType = "application/json"
	}

	headers := map[string]string{
		"Content-Type": contentType,
		"User-Agent":   d.userAgent,
	}
	for _, h := range wh.CustomHeaders {
		headers[http.CanonicalHeaderKey(strings.TrimSpace(h.Key))] = h.Value
	}
	if wh.HasSecret() {
		headers[signing.HeaderName] = d.signer.Header(body, *wh.SecretKey)
	}

	return request{url: wh.EndpointURL, method: wh.HTTPMethod, headers: headers, body: body}, nil
}

// attempt sends req, records the result on logID and schedules a retry
// when allowed. Bookkeeping after the send ignores cancellation of ctx so a
// shutdown mid-request still settles the row.
func (d *Dispatcher) attempt(ctx context.Context, wh *model.Webhook, logID uuid.UUID, attemptNo int, req request, retry bool) *Outcome {
	bg := context.WithoutCancel(ctx)
	start := d.now()
	resp := d.sender.Send(ctx, delivery.Request{
		URL:     req.url,
		Method:  req.method,
		Headers: req.headers,
		Body:    req.body,
	})
	duration := int(d.now().Sub(start).Milliseconds())

	status := model.DeliveryFailed
	if resp.OK() {
		status = model.DeliverySuccess
	}

	upd := model.DeliveryUpdate{
		EndpointURL:    req.url,
		RequestHeaders: req.headers,
		DurationMs:     duration,
		Status:         status,
		AttemptNumber:  attemptNo,
	}
	if resp.Code != 0 {
		code := resp.Code
		body := resp.Body
		upd.ResponseCode = &code
		upd.ResponseHeaders = resp.Headers
		upd.ResponseBody = &body
	}
	if resp.Error != "" {
		msg := resp.Error
		upd.ErrorMessage = &msg
	} else if status == model.DeliveryFailed {
		msg := fmt.Sprintf("HTTP %d", resp.Code)
		upd.ErrorMessage = &msg
	}
	if err := d.logs.Finish(bg, logID, upd); err != nil {
		d.logger.Error("failed to record delivery outcome", "log_id", logID, "error", err)
	}

	out := &Outcome{
		LogID:      logID,
		Success:    status == model.DeliverySuccess,
		Code:       resp.Code,
		Body:       deliverylog.Truncate(resp.Body, d.bodyLimit),
		DurationMs: duration,
		Attempt:    attemptNo,
	}
	if upd.ErrorMessage != nil {
		out.Error = *upd.ErrorMessage
	}

	if !out.Success && retry && ShouldRetry(wh.RetryCount, attemptNo) {
		out.RetryScheduled = d.scheduleRetry(bg, wh, logID)
	}

	d.logger.Info("webhook delivered",
		"webhook_id", wh.ID,
		"log_id", logID,
		"attempt", attemptNo,
		"status", status,
		"code", resp.Code,
		"duration_ms", duration,
		"retry_scheduled", out.RetryScheduled,
	)
	d.notify(bg, wh, out, status)
	return out
}

// ShouldRetry reports whether a failed attempt may be followed by another.
// retryCount is the number of retries after the first attempt, so a
// webhook is attempted at most retryCount+1 times.
func ShouldRetry(retryCount, attemptNo int) bool {
	return retryCount > 0 && attemptNo-1 < retryCount
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, wh *model.Webhook, logID uuid.UUID) bool {
	if d.sched == nil {
		d.logger.Warn("retry wanted but no scheduler configured", "log_id", logID)
		return false
	}
	at := d.now().Add(time.Duration(wh.RetryDelaySeconds) * time.Second)
	if err := d.sched.RunAt(ctx, at, JobRetry, logID.String()); err != nil {
		d.logger.Error("failed to schedule retry", "log_id", logID, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) notify(ctx context.Context, wh *model.Webhook, out *Outcome, status model.DeliveryStatus) {
	if d.bus == nil {
		return
	}
	err := d.bus.Publish(ctx, events.TopicDispatched, map[string]any{
		"webhook_id":    wh.ID,
		"webhook_name":  wh.Name,
		"trigger_key":   wh.TriggerKey,
		"log_id":        out.LogID,
		"status":        status,
		"response_code": out.Code,
		"attempt":       out.Attempt,
	})
	if err != nil {
		d.logger.Warn("failed to publish dispatched event", "log_id", out.LogID, "error", err)
	}
}

// Retry resends the stored payload of logID with a fresh signature and
// updates the same row.
func (d *Dispatcher) Retry(ctx context.Context, logID uuid.UUID) (*Outcome, error) {
	entry, err := d.logs.Get(ctx, logID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("retry %s: %w", logID, ErrLogNotFound)
		}
		return nil, fmt.Errorf("retry %s: %w", logID, err)
	}
	wh, err := d.webhooks.Find(ctx, entry.WebhookID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("retry %s: %w", logID, ErrWebhookNotFound)
		}
		return nil, fmt.Errorf("retry %s: %w", logID, err)
	}

	body := []byte(entry.RequestPayload)
	headers := make(map[string]string, len(entry.RequestHeaders)+1)
	for k, v := range entry.RequestHeaders {
		if strings.EqualFold(k, signing.HeaderName) {
			continue
		}
		headers[k] = v
	}
	if wh.HasSecret() {
		headers[signing.HeaderName] = d.signer.Header(body, *wh.SecretKey)
	}

	req := request{url: wh.EndpointURL, method: wh.HTTPMethod, headers: headers, body: body}
	return d.attempt(ctx, wh, logID, entry.AttemptNumber+1, req, true), nil
}

// DispatchAsync hands the delivery to the scheduler for immediate
// execution and returns without an outcome.
func (d *Dispatcher) DispatchAsync(ctx context.Context, wh *model.Webhook, eventData map[string]any) error {
	if d.sched == nil {
		return errors.New("dispatch async: no scheduler configured")
	}
	if wh == nil || wh.ID == uuid.Nil {
		return fmt.Errorf("dispatch async: %w: webhook must be saved", model.ErrInvalidDefinition)
	}
	raw, err := json.Marshal(eventData)
	if err != nil {
		return fmt.Errorf("dispatch async: encode event data: %w", err)
	}
	if err := d.sched.RunAt(ctx, d.now(), JobDispatch, wh.ID.String(), string(raw)); err != nil {
		return fmt.Errorf("dispatch async: %w", err)
	}
	return nil
}

// Fire shapes data for key, then enqueues a delivery for every active
// webhook on key whose trigger config matches. It returns the number
// enqueued.
func (d *Dispatcher) Fire(ctx context.Context, key string, data map[string]any) (int, error) {
	hooks, err := d.webhooks.ListActiveByTrigger(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("fire %s: %w", key, err)
	}
	shaped := d.triggers.Shape(key, data)

	queued := 0
	for i := range hooks {
		wh := &hooks[i]
		if !d.triggers.Matches(key, shaped, wh.TriggerConfig) {
			continue
		}
		if err := d.DispatchAsync(ctx, wh, shaped); err != nil {
			d.logger.Error("failed to enqueue delivery", "webhook_id", wh.ID, "trigger", key, "error", err)
			continue
		}
		queued++
	}
	return queued, nil
}

// HandleDispatchJob runs a delivery enqueued by DispatchAsync.
func (d *Dispatcher) HandleDispatchJob(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%s: want 2 args, got %d", JobDispatch, len(args))
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("%s: parse webhook id: %w", JobDispatch, err)
	}
	var eventData map[string]any
	if err := json.Unmarshal([]byte(args[1]), &eventData); err != nil {
		return fmt.Errorf("%s: decode event data: %w", JobDispatch, err)
	}

	wh, err := d.webhooks.Find(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			d.logger.Info("skipping delivery for deleted webhook", "webhook_id", id)
			return nil
		}
		return fmt.Errorf("%s: %w", JobDispatch, err)
	}
	if !wh.IsActive {
		d.logger.Info("skipping delivery for inactive webhook", "webhook_id", id)
		return nil
	}
	_, err = d.Dispatch(ctx, wh, eventData)
	return err
}

// HandleRetryJob runs a retry scheduled by a failed attempt.
func (d *Dispatcher) HandleRetryJob(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%s: want 1 arg, got %d", JobRetry, len(args))
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("%s: parse log id: %w", JobRetry, err)
	}
	_, err = d.Retry(ctx, id)
	if errors.Is(err, ErrLogNotFound) || errors.Is(err, ErrWebhookNotFound) {
		d.logger.Info("dropping retry", "log_id", id, "reason", err)
		return nil
	}
	return err
}
