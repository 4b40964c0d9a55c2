package scrape

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kervalen/stallkeep/idgen"
	"github.com/kervalen/stallkeep/scoring"
)

const productsSchema = `
CREATE TABLE IF NOT EXISTS products (
    id             TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL,
    account_id     TEXT NOT NULL,
    platform       TEXT NOT NULL,
    name           TEXT NOT NULL,
    price          REAL NOT NULL,
    commission     REAL NOT NULL DEFAULT 0,
    popularity     REAL NOT NULL DEFAULT 0,
    category       TEXT NOT NULL DEFAULT '',
    product_url    TEXT NOT NULL DEFAULT '',
    image_url      TEXT NOT NULL DEFAULT '',
    score          REAL NOT NULL,
    grade          TEXT NOT NULL,
    score_tag      TEXT NOT NULL,
    breakdown_json TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_run ON products (run_id, score DESC);
`

// ApplyProductsSchema creates the products table. Idempotent.
func ApplyProductsSchema(db *sql.DB) error {
	_, err := db.Exec(productsSchema)
	return err
}

// ProductStore persists scored products per scrape run.
type ProductStore struct {
	DB    *sql.DB
	NewID idgen.Generator
	Now   func() time.Time
}

// NewProductStore creates a ProductStore.
func NewProductStore(db *sql.DB) *ProductStore {
	return &ProductStore{DB: db, NewID: idgen.Prefixed("prod_", idgen.UUIDv7()), Now: time.Now}
}

// SaveBatch inserts scored products under one run in a single transaction
// and returns the number saved.
func (s *ProductStore) SaveBatch(ctx context.Context, runID, accountID, platformName string, items []scoring.ScoredProduct) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("scrape: begin save: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (id, run_id, account_id, platform, name, price,
			commission, popularity, category, product_url, image_url,
			score, grade, score_tag, breakdown_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("scrape: prepare save: %w", err)
	}
	defer stmt.Close()

	now := s.Now().UnixMilli()
	for _, sp := range items {
		breakdown := ""
		if sp.Breakdown != nil {
			if data, err := json.Marshal(sp.Breakdown); err == nil {
				breakdown = string(data)
			}
		}
		if _, err := stmt.ExecContext(ctx, s.NewID(), runID, accountID, platformName,
			sp.Name, sp.Price, sp.Commission, sp.Popularity, sp.Category,
			sp.ProductURL, sp.ImageURL, sp.Score, sp.Grade, sp.Tag, breakdown, now); err != nil {
			return 0, fmt.Errorf("scrape: save product %q: %w", sp.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("scrape: commit save: %w", err)
	}
	return len(items), nil
}

// TopByRun returns a run's products, highest score first.
func (s *ProductStore) TopByRun(ctx context.Context, runID string, limit int) ([]scoring.ScoredProduct, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT name, price, commission, popularity, category, product_url,
			image_url, score, grade, score_tag, breakdown_json
		FROM products WHERE run_id = ? ORDER BY score DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("scrape: top by run: %w", err)
	}
	defer rows.Close()

	var out []scoring.ScoredProduct
	for rows.Next() {
		var sp scoring.ScoredProduct
		var breakdown string
		if err := rows.Scan(&sp.Name, &sp.Price, &sp.Commission, &sp.Popularity,
			&sp.Category, &sp.ProductURL, &sp.ImageURL, &sp.Score, &sp.Grade,
			&sp.Tag, &breakdown); err != nil {
			return nil, fmt.Errorf("scrape: scan product: %w", err)
		}
		if breakdown != "" {
			var b scoring.Breakdown
			if err := json.Unmarshal([]byte(breakdown), &b); err == nil {
				sp.Breakdown = &b
			}
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}
