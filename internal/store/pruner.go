package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pruner periodically removes old process status records. Observables,
// events and aggregates are never deleted.
type Pruner struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	// uploadedOnly keeps rows the status uploader has not sent yet.
	uploadedOnly bool
	now          func() time.Time
}

// NewPruner creates a pruner. On a box, uploadedOnly must be set so that
// unsent records survive until the server acknowledged them.
func NewPruner(store *Store, retention time.Duration, uploadedOnly bool) *Pruner {
	return &Pruner{
		store:        store,
		retention:    retention,
		interval:     1 * time.Hour,
		uploadedOnly: uploadedOnly,
		now:          time.Now,
	}
}

func (p *Pruner) Name() string            { return "prune" }
func (p *Pruner) Interval() time.Duration { return p.interval }

// RunOnce deletes status records older than the retention period.
func (p *Pruner) RunOnce(ctx context.Context) error {
	cutoff := unix(p.now().Add(-p.retention))
	query := `DELETE FROM process_status WHERE time_stamp < ?`
	args := []any{cutoff}

	if p.uploadedOnly {
		bs, err := p.store.BoxSettings(ctx)
		if err != nil {
			return err
		}
		if bs.StatusUploadedUntil == nil {
			return nil
		}
		query += ` AND id <= ?`
		args = append(args, *bs.StatusUploadedUntil)
	}

	result, err := p.store.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("pruning process status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		slog.Info("pruned old data", "table", "process_status", "rows", rows)
	}
	return nil
}
