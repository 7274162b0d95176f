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

type RecordStore struct {
	pool *pgxpool.Pool
}

func scanRecord(row pgx.Row) (*model.Record, error) {
	var (
		r      model.Record
		fields []byte
	)
	if err := row.Scan(&r.ID, &r.Type, &fields, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := jsonScan(fields, &r.Fields); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RecordStore) Create(ctx context.Context, recordType string, fields map[string]any) (*model.Record, error) {
	raw, err := jsonArg(fields)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = []byte("{}")
	}
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`INSERT INTO records (record_type, fields) VALUES ($1, $2)
		 RETURNING id, record_type, fields, created_at, updated_at`,
		recordType, raw))
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	return r, nil
}

// Update merges fields into the stored document. Keys absent from fields are kept.
func (s *RecordStore) Update(ctx context.Context, id uuid.UUID, fields map[string]any) (*model.Record, error) {
	raw, err := jsonArg(fields)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = []byte("{}")
	}
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`UPDATE records SET fields = fields || $2::jsonb, updated_at = $3
		 WHERE id = $1
		 RETURNING id, record_type, fields, created_at, updated_at`,
		id, raw, time.Now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("update record: %w", err)
	}
	return r, nil
}

func (s *RecordStore) Get(ctx context.Context, id uuid.UUID) (*model.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT id, record_type, fields, created_at, updated_at FROM records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

func (s *RecordStore) List(ctx context.Context, recordType string, limit int) ([]model.Record, error) {
	c := &conds{}
	if recordType != "" {
		c.add("record_type = $%[1]d", recordType)
	}
	query := `SELECT id, record_type, fields, created_at, updated_at FROM records` + c.where() +
		` ORDER BY created_at DESC` + c.page(limit, 0)

	rows, err := s.pool.Query(ctx, query, c.args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}
