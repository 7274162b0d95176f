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

const deliveryColumns = `id, webhook_id, trigger_key, trigger_event_data, endpoint_url, request_headers,
	request_payload, response_code, response_headers, response_body, duration_ms, status,
	error_message, attempt_number, created_at`

type DeliveryLogStore struct {
	pool *pgxpool.Pool
}

func scanDelivery(row pgx.Row) (*model.DeliveryLog, error) {
	var (
		d                      model.DeliveryLog
		event, reqHdr, respHdr []byte
	)
	err := row.Scan(&d.ID, &d.WebhookID, &d.TriggerKey, &event, &d.EndpointURL, &reqHdr,
		&d.RequestPayload, &d.ResponseCode, &respHdr, &d.ResponseBody, &d.DurationMs, &d.Status,
		&d.ErrorMessage, &d.AttemptNumber, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := jsonScan(event, &d.TriggerEventData); err != nil {
		return nil, err
	}
	if err := jsonScan(reqHdr, &d.RequestHeaders); err != nil {
		return nil, err
	}
	if err := jsonScan(respHdr, &d.ResponseHeaders); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *DeliveryLogStore) Insert(ctx context.Context, d *model.DeliveryLog) (uuid.UUID, error) {
	event, err := jsonArg(d.TriggerEventData)
	if err != nil {
		return uuid.Nil, err
	}
	reqHdr, err := jsonArg(d.RequestHeaders)
	if err != nil {
		return uuid.Nil, err
	}
	if event == nil {
		event = []byte("{}")
	}
	if reqHdr == nil {
		reqHdr = []byte("{}")
	}

	var id uuid.UUID
	err = s.pool.QueryRow(ctx,
		`INSERT INTO delivery_logs (webhook_id, trigger_key, trigger_event_data, endpoint_url,
			request_headers, request_payload, status, attempt_number, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		d.WebhookID, d.TriggerKey, event, d.EndpointURL,
		reqHdr, d.RequestPayload, d.Status, d.AttemptNumber, d.CreatedAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create delivery log: %w", err)
	}
	return id, nil
}

func (s *DeliveryLogStore) UpdateByID(ctx context.Context, id uuid.UUID, upd model.DeliveryUpdate) error {
	reqHdr, err := jsonArg(upd.RequestHeaders)
	if err != nil {
		return err
	}
	respHdr, err := jsonArg(upd.ResponseHeaders)
	if err != nil {
		return err
	}
	var endpoint any
	if upd.EndpointURL != "" {
		endpoint = upd.EndpointURL
	}

	result, err := s.pool.Exec(ctx,
		`UPDATE delivery_logs SET
			endpoint_url     = COALESCE($2, endpoint_url),
			request_headers  = COALESCE($3, request_headers),
			response_code    = $4,
			response_headers = $5,
			response_body    = $6,
			duration_ms      = $7,
			status           = $8,
			error_message    = $9,
			attempt_number   = $10
		 WHERE id = $1`,
		id, endpoint, reqHdr, upd.ResponseCode, respHdr, upd.ResponseBody, upd.DurationMs,
		upd.Status, upd.ErrorMessage, upd.AttemptNumber,
	)
	if err != nil {
		return fmt.Errorf("update delivery log: %w", err)
	}
	if result.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *DeliveryLogStore) Get(ctx context.Context, id uuid.UUID) (*model.DeliveryLog, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_logs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get delivery log: %w", err)
	}
	return d, nil
}

func deliveryConds(f model.DeliveryFilter) *conds {
	c := &conds{}
	if f.WebhookID != nil {
		c.add("webhook_id = $%[1]d", *f.WebhookID)
	}
	if f.TriggerKey != "" {
		c.add("trigger_key = $%[1]d", f.TriggerKey)
	}
	if f.Status != "" {
		c.add("status = $%[1]d", f.Status)
	}
	if f.Search != "" {
		c.add("(endpoint_url ILIKE $%[1]d OR error_message ILIKE $%[1]d)", "%"+f.Search+"%")
	}
	if f.From != nil {
		c.add("created_at >= $%[1]d", *f.From)
	}
	if f.To != nil {
		c.add("created_at <= $%[1]d", *f.To)
	}
	return c
}

// Query lists delivery logs newest first.
func (s *DeliveryLogStore) Query(ctx context.Context, f model.DeliveryFilter, limit, offset int) ([]model.DeliveryLog, error) {
	c := deliveryConds(f)
	query := `SELECT ` + deliveryColumns + ` FROM delivery_logs` + c.where() +
		` ORDER BY created_at DESC` + c.page(limit, offset)

	rows, err := s.pool.Query(ctx, query, c.args...)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()

	var logs []model.DeliveryLog
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		logs = append(logs, *d)
	}
	return logs, rows.Err()
}

func (s *DeliveryLogStore) Count(ctx context.Context, f model.DeliveryFilter) (int64, error) {
	c := deliveryConds(f)
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM delivery_logs`+c.where(), c.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count delivery logs: %w", err)
	}
	return n, nil
}

func (s *DeliveryLogStore) Counts(ctx context.Context, todayStart time.Time) (model.DeliveryStats, error) {
	var st model.DeliveryStats
	err := s.pool.QueryRow(ctx,
		`SELECT
			count(*),
			count(*) FILTER (WHERE status = 'success'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE created_at >= $1),
			count(*) FILTER (WHERE created_at >= $1 AND status = 'success'),
			count(*) FILTER (WHERE created_at >= $1 AND status = 'failed')
		 FROM delivery_logs`,
		todayStart,
	).Scan(&st.Total, &st.Success, &st.Failed, &st.Pending, &st.TodayTotal, &st.TodaySuccess, &st.TodayFailed)
	if err != nil {
		return st, fmt.Errorf("count delivery stats: %w", err)
	}
	return st, nil
}

func (s *DeliveryLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM delivery_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old delivery logs: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteExceeding keeps the newest keep rows and removes the rest.
func (s *DeliveryLogStore) DeleteExceeding(ctx context.Context, keep int) (int64, error) {
	result, err := s.pool.Exec(ctx,
		`DELETE FROM delivery_logs WHERE id IN (
			SELECT id FROM delivery_logs ORDER BY created_at DESC OFFSET $1
		 )`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("delete excess delivery logs: %w", err)
	}
	return result.RowsAffected(), nil
}

func (s *DeliveryLogStore) DeleteByWebhook(ctx context.Context, webhookID uuid.UUID) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM delivery_logs WHERE webhook_id = $1`, webhookID)
	if err != nil {
		return 0, fmt.Errorf("delete webhook delivery logs: %w", err)
	}
	return result.RowsAffected(), nil
}

func (s *DeliveryLogStore) DeleteAll(ctx context.Context) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM delivery_logs`)
	if err != nil {
		return 0, fmt.Errorf("delete delivery logs: %w", err)
	}
	return result.RowsAffected(), nil
}
