package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zachbroad/hookline/internal/model"
)

const webhookColumns = `id, name, description, trigger_key, trigger_config, endpoint_url, http_method,
	custom_headers, payload_format, payload_template, secret_key, is_active, retry_count,
	retry_delay_seconds, created_by, created_at, updated_at`

type WebhookStore struct {
	pool *pgxpool.Pool
}

func scanWebhook(row pgx.Row) (*model.Webhook, error) {
	var (
		w                     model.Webhook
		config, headers, tmpl []byte
	)
	err := row.Scan(&w.ID, &w.Name, &w.Description, &w.TriggerKey, &config, &w.EndpointURL, &w.HTTPMethod,
		&headers, &w.PayloadFormat, &tmpl, &w.SecretKey, &w.IsActive, &w.RetryCount,
		&w.RetryDelaySeconds, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := jsonScan(config, &w.TriggerConfig); err != nil {
		return nil, err
	}
	if err := jsonScan(headers, &w.CustomHeaders); err != nil {
		return nil, err
	}
	if err := jsonScan(tmpl, &w.PayloadTemplate); err != nil {
		return nil, err
	}
	if w.TriggerConfig == nil {
		w.TriggerConfig = map[string]any{}
	}
	return &w, nil
}

func (s *WebhookStore) Find(ctx context.Context, id uuid.UUID) (*model.Webhook, error) {
	w, err := scanWebhook(s.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("find webhook: %w", err)
	}
	return w, nil
}

func webhookConds(f model.Filter) *conds {
	c := &conds{}
	if f.TriggerKey != "" {
		c.add("trigger_key = $%[1]d", f.TriggerKey)
	}
	if f.IsActive != nil {
		c.add("is_active = $%[1]d", *f.IsActive)
	}
	if f.Search != "" {
		c.add("(name ILIKE $%[1]d OR description ILIKE $%[1]d OR endpoint_url ILIKE $%[1]d)", "%"+f.Search+"%")
	}
	if f.From != nil {
		c.add("created_at >= $%[1]d", *f.From)
	}
	if f.To != nil {
		c.add("created_at <= $%[1]d", *f.To)
	}
	return c
}

// webhookListQuery builds the listing query. newestFirst picks the created_at direction.
func webhookListQuery(f model.Filter, newestFirst bool, limit, offset int) (string, []any) {
	c := webhookConds(f)
	order := " ORDER BY created_at ASC, id ASC"
	if newestFirst {
		order = " ORDER BY created_at DESC, id DESC"
	}
	return `SELECT ` + webhookColumns + ` FROM webhooks` + c.where() + order + c.page(limit, offset), c.args
}

func (s *WebhookStore) list(ctx context.Context, query string, args []any) ([]model.Webhook, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []model.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		hooks = append(hooks, *w)
	}
	return hooks, rows.Err()
}

// FindAll lists webhooks newest first.
func (s *WebhookStore) FindAll(ctx context.Context, f model.Filter, limit, offset int) ([]model.Webhook, error) {
	query, args := webhookListQuery(f, true, limit, offset)
	return s.list(ctx, query, args)
}

func (s *WebhookStore) Count(ctx context.Context, f model.Filter) (int64, error) {
	c := webhookConds(f)
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM webhooks`+c.where(), c.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count webhooks: %w", err)
	}
	return n, nil
}

// ListActiveByTrigger returns the active webhooks subscribed to key, oldest first.
func (s *WebhookStore) ListActiveByTrigger(ctx context.Context, key string) ([]model.Webhook, error) {
	active := true
	query, args := webhookListQuery(model.Filter{TriggerKey: key, IsActive: &active}, false, 0, 0)
	return s.list(ctx, query, args)
}

// Save inserts w when it has no id and updates it otherwise.
func (s *WebhookStore) Save(ctx context.Context, w *model.Webhook) (uuid.UUID, error) {
	config, err := jsonArg(w.TriggerConfig)
	if err != nil {
		return uuid.Nil, err
	}
	if config == nil {
		config = []byte("{}")
	}
	headers := w.CustomHeaders
	if headers == nil {
		headers = []model.Header{}
	}
	headersJSON, err := jsonArg(headers)
	if err != nil {
		return uuid.Nil, err
	}
	tmpl, err := jsonArg(w.PayloadTemplate)
	if err != nil {
		return uuid.Nil, err
	}

	if w.ID == uuid.Nil {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO webhooks (name, description, trigger_key, trigger_config, endpoint_url, http_method,
				custom_headers, payload_format, payload_template, secret_key, is_active, retry_count,
				retry_delay_seconds, created_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 RETURNING id, created_at, updated_at`,
			w.Name, w.Description, w.TriggerKey, config, w.EndpointURL, w.HTTPMethod,
			headersJSON, w.PayloadFormat, tmpl, w.SecretKey, w.IsActive, w.RetryCount,
			w.RetryDelaySeconds, w.CreatedBy,
		).Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
		if err != nil {
			return uuid.Nil, fmt.Errorf("create webhook: %w", err)
		}
		return w.ID, nil
	}

	err = s.pool.QueryRow(ctx,
		`UPDATE webhooks SET
			name                = $2,
			description         = $3,
			trigger_key         = $4,
			trigger_config      = $5,
			endpoint_url        = $6,
			http_method         = $7,
			custom_headers      = $8,
			payload_format      = $9,
			payload_template    = $10,
			secret_key          = $11,
			is_active           = $12,
			retry_count         = $13,
			retry_delay_seconds = $14,
			updated_at          = $15
		 WHERE id = $1
		 RETURNING created_at, updated_at`,
		w.ID, w.Name, w.Description, w.TriggerKey, config, w.EndpointURL, w.HTTPMethod,
		headersJSON, w.PayloadFormat, tmpl, w.SecretKey, w.IsActive, w.RetryCount,
		w.RetryDelaySeconds, time.Now(),
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, model.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("update webhook: %w", err)
	}
	return w.ID, nil
}

func (s *WebhookStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET is_active = $2, updated_at = $3 WHERE id = $1`, id, active, time.Now())
	if err != nil {
		return fmt.Errorf("toggle webhook: %w", err)
	}
	if result.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// Delete removes the webhook together with its delivery logs.
func (s *WebhookStore) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete webhook: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM delivery_logs WHERE webhook_id = $1`, id); err != nil {
		return fmt.Errorf("delete webhook logs: %w", err)
	}
	result, err := tx.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if result.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return tx.Commit(ctx)
}
