package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zachbroad/hookline/internal/action"
	"github.com/zachbroad/hookline/internal/deliverylog"
	"github.com/zachbroad/hookline/internal/dispatch"
	"github.com/zachbroad/hookline/internal/model"
)

type WebhookRepo interface {
	Find(ctx context.Context, id uuid.UUID) (*model.Webhook, error)
	FindAll(ctx context.Context, f model.Filter, limit, offset int) ([]model.Webhook, error)
	Count(ctx context.Context, f model.Filter) (int64, error)
	Save(ctx context.Context, w *model.Webhook) (uuid.UUID, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type RouteRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Route, error)
	FindByPath(ctx context.Context, path string) (*model.Route, error)
	FindAll(ctx context.Context, f model.Filter, limit, offset int) ([]model.Route, error)
	Count(ctx context.Context, f model.Filter) (int64, error)
	Save(ctx context.Context, r *model.Route) (uuid.UUID, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type RecordRepo interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Record, error)
	List(ctx context.Context, recordType string, limit int) ([]model.Record, error)
}

type DeliveryLogs interface {
	Get(ctx context.Context, id uuid.UUID) (*model.DeliveryLog, error)
	Query(ctx context.Context, f model.DeliveryFilter, limit, offset int) ([]model.DeliveryLog, error)
	Count(ctx context.Context, f model.DeliveryFilter) (int64, error)
	Stats(ctx context.Context) (model.DeliveryStats, error)
	Prune(ctx context.Context, policy deliverylog.RetentionPolicy) (int64, error)
	DeleteByWebhook(ctx context.Context, webhookID uuid.UUID) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type Dispatcher interface {
	Test(ctx context.Context, wh *model.Webhook, sample map[string]any) (*dispatch.Outcome, error)
	Retry(ctx context.Context, logID uuid.UUID) (*dispatch.Outcome, error)
	Fire(ctx context.Context, key string, data map[string]any) (int, error)
}

type ChainProcessor interface {
	Process(ctx context.Context, actions []model.Action, req action.RequestData) []action.ExecutionResult
}

type Scheduler interface {
	RunAt(ctx context.Context, at time.Time, key string, args ...string) error
}

const (
	defaultLimit = 50
	maxLimit     = 200
)

func pageParams(c *gin.Context) (limit, offset int) {
	limit = defaultLimit
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxLimit {
			limit = n
		}
	}
	if o := c.Query("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseFilter(c *gin.Context) (model.Filter, error) {
	f := model.Filter{
		TriggerKey: c.Query("trigger_key"),
		Search:     strings.TrimSpace(c.Query("search")),
	}
	if a := c.Query("is_active"); a != "" {
		active, err := strconv.ParseBool(a)
		if err != nil {
			return f, errors.New("is_active must be a boolean")
		}
		f.IsActive = &active
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

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// writeList writes items as a JSON array and the unpaged total as X-Total-Count.
func writeList[T any](c *gin.Context, items []T, total int64) {
	c.Header("X-Total-Count", strconv.FormatInt(total, 10))
	if items == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, items)
}
