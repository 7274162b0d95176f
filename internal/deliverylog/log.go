// Package deliverylog records every delivery attempt and answers queries
// about them.
package deliverylog

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zachbroad/hookline/internal/model"
)

const (
	DefaultBodyLimit = 65535
	TruncationMarker = "\n... [truncated]"
)

// Store persists delivery log rows.
type Store interface {
	Insert(ctx context.Context, entry *model.DeliveryLog) (uuid.UUID, error)
	UpdateByID(ctx context.Context, id uuid.UUID, upd model.DeliveryUpdate) error
	Get(ctx context.Context, id uuid.UUID) (*model.DeliveryLog, error)
	Query(ctx context.Context, filter model.DeliveryFilter, limit, offset int) ([]model.DeliveryLog, error)
	Count(ctx context.Context, filter model.DeliveryFilter) (int64, error)
	Counts(ctx context.Context, todayStart time.Time) (model.DeliveryStats, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExceeding(ctx context.Context, keep int) (int64, error)
	DeleteByWebhook(ctx context.Context, webhookID uuid.UUID) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// RetentionPolicy bounds how many rows are kept. Zero values disable a rule.
type RetentionPolicy struct {
	Days       int
	MaxEntries int
}

type Log struct {
	store     Store
	bodyLimit int
	now       func() time.Time
}

func New(store Store, bodyLimit int) *Log {
	if bodyLimit <= len(TruncationMarker) {
		bodyLimit = DefaultBodyLimit
	}
	return &Log{store: store, bodyLimit: bodyLimit, now: time.Now}
}

// Begin inserts a pending row holding the outgoing request snapshot.
func (l *Log) Begin(ctx context.Context, entry *model.DeliveryLog) (uuid.UUID, error) {
	entry.Status = model.DeliveryPending
	if entry.AttemptNumber < 1 {
		entry.AttemptNumber = 1
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	id, err := l.store.Insert(ctx, entry)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin delivery log: %w", err)
	}
	entry.ID = id
	return id, nil
}

// Finish records the outcome of an attempt on an existing row.
func (l *Log) Finish(ctx context.Context, id uuid.UUID, upd model.DeliveryUpdate) error {
	if upd.ResponseBody != nil {
		body := Truncate(*upd.ResponseBody, l.bodyLimit)
		upd.ResponseBody = &body
	}
	if err := l.store.UpdateByID(ctx, id, upd); err != nil {
		return fmt.Errorf("finish delivery log: %w", err)
	}
	return nil
}

func (l *Log) Get(ctx context.Context, id uuid.UUID) (*model.DeliveryLog, error) {
	return l.store.Get(ctx, id)
}

func (l *Log) Query(ctx context.Context, filter model.DeliveryFilter, limit, offset int) ([]model.DeliveryLog, error) {
	return l.store.Query(ctx, filter, limit, offset)
}

func (l *Log) Count(ctx context.Context, filter model.DeliveryFilter) (int64, error) {
	return l.store.Count(ctx, filter)
}

// Stats returns totals, today's totals and the success rate over finished rows.
func (l *Log) Stats(ctx context.Context) (model.DeliveryStats, error) {
	now := l.now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	stats, err := l.store.Counts(ctx, todayStart)
	if err != nil {
		return model.DeliveryStats{}, fmt.Errorf("delivery stats: %w", err)
	}
	stats.SuccessRate = SuccessRate(stats.Success, stats.Failed)
	return stats, nil
}

// SuccessRate is success/(success+failed) as a percentage rounded to two
// decimals, or 100 when nothing has finished.
func SuccessRate(success, failed int64) float64 {
	done := success + failed
	if done == 0 {
		return 100
	}
	pct := float64(success) / float64(done) * 100
	return float64(int64(pct*100+0.5)) / 100
}

// Prune applies the retention policy and returns the number of rows removed.
func (l *Log) Prune(ctx context.Context, policy RetentionPolicy) (int64, error) {
	var total int64
	if policy.Days > 0 {
		cutoff := l.now().UTC().AddDate(0, 0, -policy.Days)
		n, err := l.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune by age: %w", err)
		}
		total += n
	}
	if policy.MaxEntries > 0 {
		n, err := l.store.DeleteExceeding(ctx, policy.MaxEntries)
		if err != nil {
			return total, fmt.Errorf("prune by count: %w", err)
		}
		total += n
	}
	return total, nil
}

// PruneJob adapts Prune to a scheduler handler.
func (l *Log) PruneJob(policy RetentionPolicy) func(ctx context.Context, args []string) error {
	return func(ctx context.Context, _ []string) error {
		n, err := l.Prune(ctx, policy)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("pruned delivery logs", "deleted", n, "days", policy.Days, "max_entries", policy.MaxEntries)
		}
		return nil
	}
}

func (l *Log) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	return l.Prune(ctx, RetentionPolicy{Days: days})
}

func (l *Log) DeleteByWebhook(ctx context.Context, webhookID uuid.UUID) (int64, error) {
	return l.store.DeleteByWebhook(ctx, webhookID)
}

func (l *Log) DeleteAll(ctx context.Context) (int64, error) {
	return l.store.DeleteAll(ctx)
}

// Truncate bounds body to limit bytes including TruncationMarker. The cut
// is moved back to a rune boundary so the stored text stays valid UTF-8.
func Truncate(body string, limit int) string {
	if len(body) <= limit {
		return body
	}
	cut := limit - len(TruncationMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + TruncationMarker
}
