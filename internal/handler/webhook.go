package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zachbroad/hookline/internal/model"
	"github.com/zachbroad/hookline/internal/trigger"
)

type WebhookHandler struct {
	webhooks   WebhookRepo
	dispatcher Dispatcher
	triggers   *trigger.Registry
}

func NewWebhookHandler(webhooks WebhookRepo, d Dispatcher, triggers *trigger.Registry) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, dispatcher: d, triggers: triggers}
}

type webhookRequest struct {
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	TriggerKey        string         `json:"trigger_key"`
	TriggerConfig     map[string]any `json:"trigger_config"`
	EndpointURL       string         `json:"endpoint_url"`
	HTTPMethod        string         `json:"http_method"`
	CustomHeaders     []model.Header `json:"custom_headers"`
	PayloadFormat     string         `json:"payload_format"`
	PayloadTemplate   any            `json:"payload_template"`
	SecretKey         *string        `json:"secret_key"`
	IsActive          *bool          `json:"is_active"`
	RetryCount        int            `json:"retry_count"`
	RetryDelaySeconds int            `json:"retry_delay_seconds"`
	CreatedBy         string         `json:"created_by"`
}

type webhookPatch struct {
	Name              *string         `json:"name"`
	Description       *string         `json:"description"`
	TriggerKey        *string         `json:"trigger_key"`
	TriggerConfig     *map[string]any `json:"trigger_config"`
	EndpointURL       *string         `json:"endpoint_url"`
	HTTPMethod        *string         `json:"http_method"`
	CustomHeaders     *[]model.Header `json:"custom_headers"`
	PayloadFormat     *string         `json:"payload_format"`
	PayloadTemplate   *any            `json:"payload_template"`
	SecretKey         *string         `json:"secret_key"`
	IsActive          *bool           `json:"is_active"`
	RetryCount        *int            `json:"retry_count"`
	RetryDelaySeconds *int            `json:"retry_delay_seconds"`
}

func (p webhookPatch) apply(w *model.Webhook) {
	if p.Name != nil {
		w.Name = *p.Name
	}
	if p.Description != nil {
		w.Description = *p.Description
	}
	if p.TriggerKey != nil {
		w.TriggerKey = *p.TriggerKey
	}
	if p.TriggerConfig != nil {
		w.TriggerConfig = *p.TriggerConfig
	}
	if p.EndpointURL != nil {
		w.EndpointURL = *p.EndpointURL
	}
	if p.HTTPMethod != nil {
		w.HTTPMethod = *p.HTTPMethod
	}
	if p.CustomHeaders != nil {
		w.CustomHeaders = *p.CustomHeaders
	}
	if p.PayloadFormat != nil {
		w.PayloadFormat = model.PayloadFormat(*p.PayloadFormat)
	}
	if p.PayloadTemplate != nil {
		w.PayloadTemplate = *p.PayloadTemplate
	}
	// An empty string clears the secret.
	if p.SecretKey != nil {
		w.SecretKey = p.SecretKey
	}
	if p.IsActive != nil {
		w.IsActive = *p.IsActive
	}
	if p.RetryCount != nil {
		w.RetryCount = *p.RetryCount
	}
	if p.RetryDelaySeconds != nil {
		w.RetryDelaySeconds = *p.RetryDelaySeconds
	}
}

// check normalizes and validates w, including its trigger binding.
func (h *WebhookHandler) check(w *model.Webhook) error {
	w.Normalize()
	if err := w.Validate(); err != nil {
		return err
	}
	if _, ok := h.triggers.Get(w.TriggerKey); !ok {
		return errors.New("unknown trigger_key " + w.TriggerKey)
	}
	if cond, ok := w.TriggerConfig[trigger.ConditionKey].(string); ok && cond != "" {
		if err := trigger.CompileCondition(cond); err != nil {
			return err
		}
	}
	return nil
}

func (h *WebhookHandler) List(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	limit, offset := pageParams(c)

	hooks, err := h.webhooks.FindAll(c.Request.Context(), f, limit, offset)
	if err != nil {
		slog.Error("failed to list webhooks", "error", err)
		c.String(http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	total, err := h.webhooks.Count(c.Request.Context(), f)
	if err != nil {
		slog.Error("failed to count webhooks", "error", err)
		c.String(http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	writeList(c, hooks, total)
}

func (h *WebhookHandler) Create(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	w := &model.Webhook{
		Name:              req.Name,
		Description:       req.Description,
		TriggerKey:        req.TriggerKey,
		TriggerConfig:     req.TriggerConfig,
		EndpointURL:       req.EndpointURL,
		HTTPMethod:        req.HTTPMethod,
		CustomHeaders:     req.CustomHeaders,
		PayloadFormat:     model.PayloadFormat(req.PayloadFormat),
		PayloadTemplate:   req.PayloadTemplate,
		SecretKey:         req.SecretKey,
		IsActive:          req.IsActive == nil || *req.IsActive,
		RetryCount:        req.RetryCount,
		RetryDelaySeconds: req.RetryDelaySeconds,
		CreatedBy:         req.CreatedBy,
	}
	if err := h.check(w); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.webhooks.Save(c.Request.Context(), w); err != nil {
		slog.Error("failed to create webhook", "error", err)
		c.String(http.StatusInternalServerError, "failed to create webhook")
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *WebhookHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	w, err := h.webhooks.Find(c.Request.Context(), id)
	if err != nil {
		notFoundOr500(c, err, "webhook")
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WebhookHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var patch webhookPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	w, err := h.webhooks.Find(c.Request.Context(), id)
	if err != nil {
		notFoundOr500(c, err, "webhook")
		return
	}
	patch.apply(w)
	if err := h.check(w); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.webhooks.Save(c.Request.Context(), w); err != nil {
		notFoundOr500(c, err, "webhook")
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WebhookHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.webhooks.Delete(c.Request.Context(), id); err != nil {
		notFoundOr500(c, err, "webhook")
		return
	}
	c.Status(http.StatusNoContent)
}

// SetActive returns a handler that enables or disables a webhook.
func (h *WebhookHandler) SetActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		if err := h.webhooks.SetActive(c.Request.Context(), id, active); err != nil {
			notFoundOr500(c, err, "webhook")
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "is_active": active})
	}
}

type testRequest struct {
	Sample map[string]any `json:"sample"`
}

// Test sends one synchronous delivery and returns its outcome.
func (h *WebhookHandler) Test(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req testRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.String(http.StatusBadRequest, "invalid request body")
			return
		}
	}

	w, err := h.webhooks.Find(c.Request.Context(), id)
	if err != nil {
		notFoundOr500(c, err, "webhook")
		return
	}
	out, err := h.dispatcher.Test(c.Request.Context(), w, req.Sample)
	if err != nil {
		if errors.Is(err, model.ErrInvalidDefinition) {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("test delivery failed", "webhook_id", id, "error", err)
		c.String(http.StatusInternalServerError, "test delivery failed")
		return
	}
	c.JSON(http.StatusOK, out)
}

func notFoundOr500(c *gin.Context, err error, what string) {
	if errors.Is(err, model.ErrNotFound) {
		c.String(http.StatusNotFound, what+" not found")
		return
	}
	slog.Error("request failed", "resource", what, "error", err)
	c.String(http.StatusInternalServerError, "internal error")
}
