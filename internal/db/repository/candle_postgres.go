package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/saltfish/stratlab/go-backend/internal/db"
	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// candleRepo implements CandleRepository using PostgreSQL.
type candleRepo struct {
	pool *db.Pool
}

// NewCandleRepository creates a new PostgreSQL candle repository.
func NewCandleRepository(pool *db.Pool) CandleRepository {
	return &candleRepo{pool: pool}
}

// GetCandles returns candles in ascending open time.
func (r *candleRepo) GetCandles(ctx context.Context, symbol string, tf domain.Timeframe, since, until time.Time) ([]domain.Candle, error) {
	conditions := []string{"symbol = $1", "timeframe = $2"}
	args := []any{symbol, tf.String()}

	if !since.IsZero() {
		args = append(args, since)
		conditions = append(conditions, fmt.Sprintf("open_time >= $%d", len(args)))
	}
	if !until.IsZero() {
		args = append(args, until)
		conditions = append(conditions, fmt.Sprintf("open_time <= $%d", len(args)))
	}

	query := `
		SELECT open_time, open, high, low, close, volume
		FROM candles
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY open_time ASC
	`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	candles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Candle, error) {
		var c domain.Candle
		err := row.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
		c.Timestamp = c.Timestamp.UTC()
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan candle rows: %w", err)
	}
	return candles, nil
}

// UpsertCandles stores candles in a single batched transaction.
func (r *candleRepo) UpsertCandles(ctx context.Context, symbol string, tf domain.Timeframe, candles []domain.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO candles (symbol, timeframe, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, open_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume
	`

	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, c := range candles {
			batch.Queue(query, symbol, tf.String(), c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert candles: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(candles), nil
}

// Ensure interface implementations at compile time.
var _ CandleRepository = (*candleRepo)(nil)
