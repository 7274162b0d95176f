package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zachbroad/hookline/internal/deliverylog"
	"github.com/zachbroad/hookline/internal/dispatch"
	"github.com/zachbroad/hookline/internal/model"
)

type DeliveryHandler struct {
	logs       DeliveryLogs
	dispatcher Dispatcher
}

func NewDeliveryHandler(logs DeliveryLogs, d Dispatcher) *DeliveryHandler {
	return &DeliveryHandler{logs: logs, dispatcher: d}
}

func parseDeliveryFilter(c *gin.Context) (model.DeliveryFilter, error) {
	f := model.DeliveryFilter{
		TriggerKey: c.Query("trigger_key"),
		Search:     strings.TrimSpace(c.Query("search")),
	}
	if w := c.Query("webhook_id"); w != "" {
		id, err := uuid.Parse(w)
		if err != nil {
			return f, errors.New("invalid webhook_id")
		}
		f.WebhookID = &id
	}
	switch s := model.DeliveryStatus(c.Query("status")); s {
	case "", model.DeliveryPending, model.DeliverySuccess, model.DeliveryFailed:
		f.Status = s
	default:
		return f, errors.New("status must be pending, success or failed")
	}
	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		return f, errors.New("invalid from date")
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		return f, errors.New("invalid to date")
	}
	return f, nil
}

func (h *DeliveryHandler) List(c *gin.Context) {
	f, err := parseDeliveryFilter(c)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	limit, offset := pageParams(c)

	entries, err := h.logs.Query(c.Request.Context(), f, limit, offset)
	if err != nil {
		slog.Error("failed to list deliveries", "error", err)
		c.String(http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	total, err := h.logs.Count(c.Request.Context(), f)
	if err != nil {
		slog.Error("failed to count deliveries", "error", err)
		c.String(http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	writeList(c, entries, total)
}

func (h *DeliveryHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	entry, err := h.logs.Get(c.Request.Context(), id)
	if err != nil {
		notFoundOr500(c, err, "delivery")
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Retry resends a logged delivery now, outside the automatic schedule.
func (h *DeliveryHandler) Retry(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	out, err := h.dispatcher.Retry(c.Request.Context(), id)
	switch {
	case errors.Is(err, dispatch.ErrLogNotFound):
		c.String(http.StatusNotFound, "delivery not found")
		return
	case errors.Is(err, dispatch.ErrWebhookNotFound):
		c.String(http.StatusConflict, "webhook for this delivery no longer exists")
		return
	case err != nil:
		slog.Error("manual retry failed", "log_id", id, "error", err)
		c.String(http.StatusInternalServerError, "retry failed")
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *DeliveryHandler) Stats(c *gin.Context) {
	stats, err := h.logs.Stats(c.Request.Context())
	if err != nil {
		slog.Error("failed to load delivery stats", "error", err)
		c.String(http.StatusInternalServerError, "failed to load stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Purge deletes log rows. Exactly one of webhook_id, older_than_days,
// max_entries or all=true selects what goes.
func (h *DeliveryHandler) Purge(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		deleted int64
		err     error
	)
	switch {
	case c.Query("webhook_id") != "":
		id, perr := uuid.Parse(c.Query("webhook_id"))
		if perr != nil {
			c.String(http.StatusBadRequest, "invalid webhook_id")
			return
		}
		deleted, err = h.logs.DeleteByWebhook(ctx, id)
	case c.Query("older_than_days") != "" || c.Query("max_entries") != "":
		var policy deliverylog.RetentionPolicy
		if policy.Days, err = optionalInt(c.Query("older_than_days")); err != nil {
			c.String(http.StatusBadRequest, "older_than_days must be a positive integer")
			return
		}
		if policy.MaxEntries, err = optionalInt(c.Query("max_entries")); err != nil {
			c.String(http.StatusBadRequest, "max_entries must be a positive integer")
			return
		}
		deleted, err = h.logs.Prune(ctx, policy)
	case c.Query("all") == "true":
		deleted, err = h.logs.DeleteAll(ctx)
	default:
		c.String(http.StatusBadRequest, "specify webhook_id, older_than_days, max_entries or all=true")
		return
	}
	if err != nil {
		slog.Error("failed to purge deliveries", "error", err)
		c.String(http.StatusInternalServerError, "failed to purge deliveries")
		return
	}
	slog.Info("purged delivery logs", "deleted", deleted)
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}
