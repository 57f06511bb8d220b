package resource

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const resourceCols = `id, name, kind, scope, timezone, windows, blocks, created_at, updated_at`

func (r *repoPG) scanResource(row pgx.Row) (*Resource, error) {
	var res Resource
	var windows, blocks []byte
	if err := row.Scan(&res.ID, &res.Name, &res.Kind, &res.Scope, &res.Timezone,
		&windows, &blocks, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return nil, err
	}
	if len(windows) > 0 {
		if err := json.Unmarshal(windows, &res.Windows); err != nil {
			return nil, fmt.Errorf("decode windows for %s: %w", res.ID, err)
		}
	}
	if len(blocks) > 0 {
		if err := json.Unmarshal(blocks, &res.Blocks); err != nil {
			return nil, fmt.Errorf("decode blocks for %s: %w", res.ID, err)
		}
	}
	return &res, nil
}

func (r *repoPG) Save(ctx context.Context, res *Resource) error {
	windows, err := json.Marshal(res.Windows)
	if err != nil {
		return fmt.Errorf("encode windows: %w", err)
	}
	blocks, err := json.Marshal(res.Blocks)
	if err != nil {
		return fmt.Errorf("encode blocks: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO resource (id, name, kind, scope, timezone, windows, blocks, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7::jsonb,$8,$9)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, kind=EXCLUDED.kind, scope=EXCLUDED.scope,
			timezone=EXCLUDED.timezone, windows=EXCLUDED.windows, blocks=EXCLUDED.blocks,
			updated_at=EXCLUDED.updated_at`,
		res.ID, res.Name, res.Kind, res.Scope, res.Timezone, string(windows), string(blocks),
		res.CreatedAt, res.UpdatedAt)
	return err
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM resource WHERE id = $1`, id)
	return err
}

func (r *repoPG) List(ctx context.Context) ([]*Resource, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+resourceCols+` FROM resource ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Resource
	for rows.Next() {
		res, err := r.scanResource(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}
