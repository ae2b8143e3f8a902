package pricefeed

import (
	"context"
	"errors"
	"time"

	"lv-futures/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type AdjustmentStore struct {
	pool *pgxpool.Pool
}

func NewAdjustmentStore(pool *pgxpool.Pool) *AdjustmentStore {
	return &AdjustmentStore{pool: pool}
}

func (s *AdjustmentStore) CurrentAdjustment(ctx context.Context) (decimal.Decimal, error) {
	var adj decimal.Decimal
	err := s.pool.QueryRow(ctx, "select adjustment from price_adjustments order by created_at desc, id desc limit 1").Scan(&adj)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return adj, nil
}

func (s *AdjustmentStore) RecordAdjustment(ctx context.Context, adj decimal.Decimal) (model.PriceAdjustment, error) {
	out := model.PriceAdjustment{Adjustment: adj, CreatedAt: time.Now().UTC()}
	err := s.pool.QueryRow(ctx, "insert into price_adjustments (adjustment, created_at) values ($1, $2) returning id", adj, out.CreatedAt).Scan(&out.ID)
	return out, err
}

func (s *AdjustmentStore) ListAdjustments(ctx context.Context, limit int) ([]model.PriceAdjustment, error) {
	rows, err := s.pool.Query(ctx, "select id, adjustment, created_at from price_adjustments order by created_at desc, id desc limit $1", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PriceAdjustment
	for rows.Next() {
		var a model.PriceAdjustment
		if err := rows.Scan(&a.ID, &a.Adjustment, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
