package board

import (
	"context"
	"database/sql"

	"github.com/nikhilch98/taskbrew/internal/store"
)

// RecordUsage persists per-task token/cost/duration metrics reported by the
// runner.
func (b *Board) RecordUsage(ctx context.Context, u store.Usage) error {
	return b.store.Transaction(ctx, func(tx *sql.Tx) error {
		return b.store.RecordUsageTx(tx, u)
	})
}

// UsageSummary proxies the store's aggregated usage roll-up.
func (b *Board) UsageSummary(ctx context.Context, groupBy, since string) ([]store.UsageRow, error) {
	return b.store.UsageSummary(ctx, groupBy, since)
}
