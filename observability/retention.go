package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionConfig specifies per-table retention. Zero keeps everything.
type RetentionConfig struct {
	Audit          time.Duration
	Metrics        time.Duration
	RunVacuumAfter bool
}

// Cleanup deletes rows older than the retention thresholds and returns the
// number of rows removed.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) (int64, error) {
	now := time.Now()

	// Whitelists keep the formatted statement free of external input.
	allowedTables := map[string]bool{"audit_log": true, "metrics_timeseries": true}
	allowedColumns := map[string]bool{"timestamp": true}

	targets := []struct {
		table  string
		column string
		keep   time.Duration
	}{
		{"audit_log", "timestamp", cfg.Audit},
		{"metrics_timeseries", "timestamp", cfg.Metrics},
	}

	var total int64
	for _, t := range targets {
		if t.keep <= 0 {
			continue
		}
		if !allowedTables[t.table] || !allowedColumns[t.column] {
			return total, fmt.Errorf("observability: cleanup: invalid table/column %s/%s", t.table, t.column)
		}
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		res, err := db.ExecContext(ctx, q, now.Add(-t.keep).UnixMilli())
		if err != nil {
			return total, fmt.Errorf("observability: cleanup %s: %w", t.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if cfg.RunVacuumAfter && total > 0 {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return total, fmt.Errorf("observability: vacuum: %w", err)
		}
	}
	return total, nil
}
