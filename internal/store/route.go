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

const routeColumns = `id, name, route_path, methods, actions, is_active, is_async, secret_key, created_at, updated_at`

type RouteStore struct {
	pool *pgxpool.Pool
}

func scanRoute(row pgx.Row) (*model.Route, error) {
	var (
		r                model.Route
		methods, actions []byte
	)
	err := row.Scan(&r.ID, &r.Name, &r.RoutePath, &methods, &actions, &r.IsActive, &r.IsAsync,
		&r.SecretKey, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := jsonScan(methods, &r.Methods); err != nil {
		return nil, err
	}
	if err := jsonScan(actions, &r.Actions); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RouteStore) Get(ctx context.Context, id uuid.UUID) (*model.Route, error) {
	r, err := scanRoute(s.pool.QueryRow(ctx, `SELECT `+routeColumns+` FROM rest_routes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get route: %w", err)
	}
	return r, nil
}

// FindByPath returns the active route registered at path.
func (s *RouteStore) FindByPath(ctx context.Context, path string) (*model.Route, error) {
	r, err := scanRoute(s.pool.QueryRow(ctx,
		`SELECT `+routeColumns+` FROM rest_routes WHERE route_path = $1 AND is_active`, path))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("find route by path: %w", err)
	}
	return r, nil
}

func routeConds(f model.Filter) *conds {
	c := &conds{}
	if f.IsActive != nil {
		c.add("is_active = $%[1]d", *f.IsActive)
	}
	if f.Search != "" {
		c.add("(name ILIKE $%[1]d OR route_path ILIKE $%[1]d)", "%"+f.Search+"%")
	}
	if f.From != nil {
		c.add("created_at >= $%[1]d", *f.From)
	}
	if f.To != nil {
		c.add("created_at <= $%[1]d", *f.To)
	}
	return c
}

// FindAll lists routes newest first. Filter.TriggerKey does not apply to routes.
func (s *RouteStore) FindAll(ctx context.Context, f model.Filter, limit, offset int) ([]model.Route, error) {
	c := routeConds(f)
	query := `SELECT ` + routeColumns + ` FROM rest_routes` + c.where() + ` ORDER BY created_at DESC` + c.page(limit, offset)

	rows, err := s.pool.Query(ctx, query, c.args...)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var routes []model.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		routes = append(routes, *r)
	}
	return routes, rows.Err()
}

func (s *RouteStore) Count(ctx context.Context, f model.Filter) (int64, error) {
	c := routeConds(f)
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM rest_routes`+c.where(), c.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count routes: %w", err)
	}
	return n, nil
}

func (s *RouteStore) Save(ctx context.Context, r *model.Route) (uuid.UUID, error) {
	methods, err := jsonArg(r.Methods)
	if err != nil {
		return uuid.Nil, err
	}
	actions := r.Actions
	if actions == nil {
		actions = []model.Action{}
	}
	actionsJSON, err := jsonArg(actions)
	if err != nil {
		return uuid.Nil, err
	}

	if r.ID == uuid.Nil {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO rest_routes (name, route_path, methods, actions, is_active, is_async, secret_key)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, created_at, updated_at`,
			r.Name, r.RoutePath, methods, actionsJSON, r.IsActive, r.IsAsync, r.SecretKey,
		).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return uuid.Nil, fmt.Errorf("create route: %w", err)
		}
		return r.ID, nil
	}

	err = s.pool.QueryRow(ctx,
		`UPDATE rest_routes SET
			name       = $2,
			route_path = $3,
			methods    = $4,
			actions    = $5,
			is_active  = $6,
			is_async   = $7,
			secret_key = $8,
			updated_at = $9
		 WHERE id = $1
		 RETURNING created_at, updated_at`,
		r.ID, r.Name, r.RoutePath, methods, actionsJSON, r.IsActive, r.IsAsync, r.SecretKey, time.Now(),
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, model.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("update route: %w", err)
	}
	return r.ID, nil
}

func (s *RouteStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM rest_routes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete route: %w", err)
	}
	if result.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
