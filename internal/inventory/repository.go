package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/nfthub/internal/domain"
)

var (
	ErrAssetNotFound       = errors.New("asset not found")
	ErrEditionLimitReached = errors.New("edition limit reached")
)

const assetColumns = `id, title, creator_id, price, edition_limit, sold_count, is_sold_out, created_at, updated_at`

type AssetRepository struct {
	db *sql.DB
}

func NewAssetRepository(db *sql.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

// List returns assets newest first, restricted to one creator when creatorID is set.
func (r *AssetRepository) List(ctx context.Context, creatorID string) ([]domain.Asset, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+assetColumns+`
		FROM assets
		WHERE $1 = '' OR creator_id = $1
		ORDER BY created_at DESC, id
	`, creatorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	assets := []domain.Asset{}
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *asset)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return assets, nil
}

func (r *AssetRepository) Get(ctx context.Context, id string) (*domain.Asset, error) {
	asset, err := scanAsset(r.db.QueryRowContext(ctx, `
		SELECT `+assetColumns+`
		FROM assets
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return asset, nil
}

func (r *AssetRepository) Create(ctx context.Context, asset *domain.Asset) error {
	if asset.ID == "" {
		asset.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	stored, err := scanAsset(r.db.QueryRowContext(ctx, `
		INSERT INTO assets (id, title, creator_id, price, edition_limit, sold_count, is_sold_out, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, FALSE, $6, $6)
		RETURNING `+assetColumns,
		asset.ID, asset.Title, asset.CreatorID, asset.Price, asset.EditionLimit, now))
	if err != nil {
		return fmt.Errorf("create asset: %w", err)
	}
	*asset = *stored
	return nil
}

// Adjust applies delta to the sold count in one conditional write: the count
// is clamped at zero, the sold-out flag is recomputed, and increments past a
// positive edition limit are rejected. A non-empty key is recorded in the same
// transaction; a key that was already applied returns the current asset
// without touching the count.
func (r *AssetRepository) Adjust(ctx context.Context, id string, delta int, key string) (*domain.Asset, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("adjust asset %s: begin tx: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if key != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO applied_adjustments (key, asset_id, delta, applied_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (key) DO NOTHING
		`, key, id, delta)
		if err != nil {
			return nil, fmt.Errorf("adjust asset %s: record key: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("adjust asset %s: record key: %w", id, err)
		}
		if n == 0 {
			return r.replay(ctx, id)
		}
	}

	asset, err := scanAsset(tx.QueryRowContext(ctx, `
		UPDATE assets SET
			sold_count  = GREATEST(0, sold_count + $2),
			is_sold_out = edition_limit > 0 AND GREATEST(0, sold_count + $2) >= edition_limit,
			updated_at  = NOW()
		WHERE id = $1
		  AND ($2 <= 0 OR edition_limit = 0 OR sold_count + $2 <= edition_limit)
		RETURNING `+assetColumns, id, delta))
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("adjust asset %s: commit: %w", id, err)
		}
		return asset, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("adjust asset %s: %w", id, err)
	}
	_ = tx.Rollback()

	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("adjust asset %s: %w", id, err)
	}
	if existing == nil {
		return nil, ErrAssetNotFound
	}
	return existing, ErrEditionLimitReached
}

func (r *AssetRepository) replay(ctx context.Context, id string) (*domain.Asset, error) {
	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("adjust asset %s: %w", id, err)
	}
	if existing == nil {
		return nil, ErrAssetNotFound
	}
	return existing, nil
}

// SetSold overwrites the sold count. Reconciliation uses it to re-derive the
// count from paid orders.
func (r *AssetRepository) SetSold(ctx context.Context, id string, sold int) (*domain.Asset, error) {
	if sold < 0 {
		sold = 0
	}

	asset, err := scanAsset(r.db.QueryRowContext(ctx, `
		UPDATE assets SET
			sold_count  = $2,
			is_sold_out = edition_limit > 0 AND $2 >= edition_limit,
			updated_at  = NOW()
		WHERE id = $1
		RETURNING `+assetColumns, id, sold))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("set sold for asset %s: %w", id, err)
	}
	return asset, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*domain.Asset, error) {
	var a domain.Asset
	if err := row.Scan(&a.ID, &a.Title, &a.CreatorID, &a.Price, &a.EditionLimit,
		&a.SoldCount, &a.SoldOut, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
