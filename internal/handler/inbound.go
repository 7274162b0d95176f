package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zachbroad/hookline/internal/action"
	"github.com/zachbroad/hookline/internal/model"
	"github.com/zachbroad/hookline/internal/signing"
)

// JobRouteProcess runs the action chain of an async route.
const JobRouteProcess = "route.process"

// TriggerRouteReceived fires for every accepted inbound request.
const TriggerRouteReceived = "route.received"

const maxInboundBody = 1 << 20

type InboundHandler struct {
	routes       RouteRepo
	processor    ChainProcessor
	dispatcher   Dispatcher
	sched        Scheduler
	signer       *signing.Signer
	secretHeader string
	now          func() time.Time
}

func NewInboundHandler(routes RouteRepo, p ChainProcessor, d Dispatcher, sched Scheduler,
	signer *signing.Signer, secretHeader string) *InboundHandler {
	return &InboundHandler{
		routes:       routes,
		processor:    p,
		dispatcher:   d,
		sched:        sched,
		signer:       signer,
		secretHeader: secretHeader,
		now:          time.Now,
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func reply(c *gin.Context, code int, success bool, msg string, data any) {
	c.JSON(code, envelope{Success: success, Message: msg, Data: data})
}

// Serve handles ANY /hooks/*path.
func (h *InboundHandler) Serve(c *gin.Context) {
	ctx := c.Request.Context()
	path := "/" + strings.Trim(c.Param("path"), "/")

	route, err := h.routes.FindByPath(ctx, path)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			reply(c, http.StatusNotFound, false, "route not found", nil)
			return
		}
		slog.Error("failed to resolve route", "path", path, "error", err)
		reply(c, http.StatusInternalServerError, false, "internal error", nil)
		return
	}
	if !route.AllowsMethod(c.Request.Method) {
		c.Header("Allow", strings.Join(route.Methods, ", "))
		reply(c, http.StatusMethodNotAllowed, false, "method not allowed", nil)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxInboundBody))
	if err != nil {
		reply(c, http.StatusRequestEntityTooLarge, false, "failed to read body", nil)
		return
	}
	// Credentials are checked before a parse failure is reported, so an
	// unauthenticated caller learns nothing about body handling. A body that
	// fails to parse carries no body secret.
	body, parseErr := parseBody(c.ContentType(), raw)
	if route.SecretKey != nil && !h.authorized(c, *route.SecretKey, raw, body) {
		slog.Warn("rejected inbound request", "route_id", route.ID, "path", path)
		reply(c, http.StatusForbidden, false, "invalid secret", nil)
		return
	}
	if parseErr != nil {
		reply(c, http.StatusBadRequest, false, parseErr.Error(), nil)
		return
	}

	query := valuesMap(c.Request.URL.Query())
	delete(query, "secret")
	req := action.RequestData{
		Body:    body,
		Headers: h.headers(c.Request.Header),
		Query:   query,
		Params:  params(c.Request.URL.Query(), body),
	}
	h.fireReceived(ctx, route, req)

	if route.IsAsync {
		if err := h.enqueue(ctx, route.ID, req); err != nil {
			slog.Error("failed to enqueue route", "route_id", route.ID, "error", err)
			reply(c, http.StatusInternalServerError, false, "failed to queue request", nil)
			return
		}
		reply(c, http.StatusAccepted, true, "request queued", nil)
		return
	}

	results := h.processor.Process(ctx, route.Actions, req)
	success := true
	for _, r := range results {
		success = success && r.Success
	}
	msg := "request processed"
	if !success {
		msg = "request processed with errors"
	}
	var data any = results
	if len(results) == 1 {
		data = results[0]
	}
	reply(c, http.StatusOK, success, msg, data)
}

// authorized accepts the shared secret from the secret header, a secret
// query or body parameter, or an HMAC signature header over the raw body.
func (h *InboundHandler) authorized(c *gin.Context, secret string, raw []byte, body any) bool {
	if sig := c.GetHeader(signing.HeaderName); sig != "" && h.signer != nil {
		return h.signer.Verify(raw, secret, sig)
	}
	given := c.GetHeader(h.secretHeader)
	if given == "" {
		given = c.Query("secret")
	}
	if given == "" {
		if m, ok := body.(map[string]any); ok {
			given, _ = m["secret"].(string)
		}
	}
	if given == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(secret)) == 1
}

func (h *InboundHandler) headers(hdr http.Header) map[string]any {
	out := make(map[string]any, len(hdr))
	for k, v := range hdr {
		if strings.EqualFold(k, h.secretHeader) || strings.EqualFold(k, signing.HeaderName) || len(v) == 0 {
			continue
		}
		out[strings.ToLower(k)] = v[0]
	}
	return out
}

func (h *InboundHandler) fireReceived(ctx context.Context, route *model.Route, req action.RequestData) {
	if h.dispatcher == nil {
		return
	}
	data := map[string]any{
		"route":   map[string]any{"id": route.ID.String(), "name": route.Name, "path": route.RoutePath},
		"body":    req.Body,
		"headers": req.Headers,
		"query":   req.Query,
		"params":  req.Params,
	}
	if _, err := h.dispatcher.Fire(ctx, TriggerRouteReceived, data); err != nil {
		slog.Error("failed to fire route trigger", "route_id", route.ID, "error", err)
	}
}

func (h *InboundHandler) enqueue(ctx context.Context, routeID uuid.UUID, req action.RequestData) error {
	if h.sched == nil {
		return errors.New("no scheduler configured")
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return h.sched.RunAt(ctx, h.now(), JobRouteProcess, routeID.String(), string(encoded))
}

// ProcessJob runs a request queued by an async route.
func (h *InboundHandler) ProcessJob(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%s: want 2 args, got %d", JobRouteProcess, len(args))
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("%s: parse route id: %w", JobRouteProcess, err)
	}
	var req action.RequestData
	if err := json.Unmarshal([]byte(args[1]), &req); err != nil {
		return fmt.Errorf("%s: decode request: %w", JobRouteProcess, err)
	}

	route, err := h.routes.Get(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			slog.Info("skipping queued request for deleted route", "route_id", id)
			return nil
		}
		return fmt.Errorf("%s: %w", JobRouteProcess, err)
	}
	if !route.IsActive {
		slog.Info("skipping queued request for inactive route", "route_id", id)
		return nil
	}

	for i, res := range h.processor.Process(ctx, route.Actions, req) {
		slog.Info("processed queued request", "route_id", id, "item", i, "success", res.Success)
	}
	return nil
}

// parseBody decodes a JSON or form body. Other content types are kept as text.
func parseBody(contentType string, raw []byte) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	mt, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mt == "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, errors.New("invalid form body")
		}
		return valuesMap(vals), nil
	case mt == "application/json" || strings.HasSuffix(mt, "+json") || mt == "":
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			if mt == "" {
				return string(raw), nil
			}
			return nil, errors.New("invalid JSON body")
		}
		return v, nil
	default:
		return string(raw), nil
	}
}

// valuesMap flattens single-valued parameters to strings.
func valuesMap(vals url.Values) map[string]any {
	out := make(map[string]any, len(vals))
	for k, v := range vals {
		if len(v) == 1 {
			out[k] = v[0]
			continue
		}
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		out[k] = items
	}
	return out
}

// params merges query parameters with top-level body fields. Body wins.
func params(query url.Values, body any) map[string]any {
	out := valuesMap(query)
	if m, ok := body.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	delete(out, "secret")
	return out
}
