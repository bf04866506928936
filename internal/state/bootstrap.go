package state

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// BootstrapWatermark derives an initial watermark from the downstream store's
// maximum persisted timestamp for the dataset. Used when the local state file
// was lost or intentionally discarded; the fallback applies when the table is
// empty.
func BootstrapWatermark(ctx context.Context, dsn, table string, fallback time.Time) (time.Time, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return time.Time{}, fmt.Errorf("bootstrap connect: %w", err)
	}
	defer conn.Close(ctx)

	var maxTS *time.Time
	query := fmt.Sprintf("select max(ts) from %s", table)
	if err := conn.QueryRow(ctx, query).Scan(&maxTS); err != nil {
		return time.Time{}, fmt.Errorf("bootstrap query: %w", err)
	}
	if maxTS == nil {
		return fallback.UTC(), nil
	}
	return maxTS.UTC().Truncate(time.Second), nil
}
