package db

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup. Candles are keyed by symbol, timeframe
// and open time; optimization jobs keep their full state as a JSONB snapshot next to
// the columns used for filtering and retention.
const schema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol     TEXT             NOT NULL,
	timeframe  TEXT             NOT NULL,
	open_time  TIMESTAMPTZ      NOT NULL,
	open       DOUBLE PRECISION NOT NULL,
	high       DOUBLE PRECISION NOT NULL,
	low        DOUBLE PRECISION NOT NULL,
	close      DOUBLE PRECISION NOT NULL,
	volume     DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, timeframe, open_time)
);

CREATE TABLE IF NOT EXISTS optimization_jobs (
	id           UUID        PRIMARY KEY,
	strategy     TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	objective    TEXT        NOT NULL,
	snapshot     JSONB       NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_optimization_jobs_status ON optimization_jobs (status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_optimization_jobs_completed ON optimization_jobs (completed_at) WHERE completed_at IS NOT NULL;
`

// EnsureSchema creates the tables the backend needs when they do not exist.
func (p *Pool) EnsureSchema(ctx context.Context) error {
	if _, err := p.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
