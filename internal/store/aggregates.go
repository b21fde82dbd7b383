package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/darshan-rambhia/tally/internal/model"
)

// HourlyAggregate returns the aggregate row for a box and hour. The boolean
// is false when no row exists.
func (t *Tx) HourlyAggregate(ctx context.Context, boxID string, hourStart time.Time) (model.HourlyAggregate, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT box_id, hour_start, seen, seen_also_in_preceding_hour, computed_at
		FROM seen_by_hour WHERE box_id = ? AND hour_start = ?`, boxID, unix(hourStart))
	a, err := scanHourly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HourlyAggregate{}, false, nil
	}
	if err != nil {
		return model.HourlyAggregate{}, false, fmt.Errorf("reading hourly aggregate: %w", err)
	}
	return a, true, nil
}

// DailyAggregate returns the aggregate row for a box and day. The boolean is
// false when no row exists.
func (t *Tx) DailyAggregate(ctx context.Context, boxID string, dayStart time.Time) (model.DailyAggregate, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT box_id, day_start, seen, seen_also_on_preceding_day, seen_also_a_week_earlier, computed_at
		FROM seen_by_day WHERE box_id = ? AND day_start = ?`, boxID, unix(dayStart))
	a, err := scanDaily(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DailyAggregate{}, false, nil
	}
	if err != nil {
		return model.DailyAggregate{}, false, fmt.Errorf("reading daily aggregate: %w", err)
	}
	return a, true, nil
}

// UpsertHourly inserts or updates the hourly aggregate for (box_id, hour_start).
func (t *Tx) UpsertHourly(ctx context.Context, a model.HourlyAggregate) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO seen_by_hour (box_id, hour_start, seen, seen_also_in_preceding_hour, computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(box_id, hour_start) DO UPDATE SET
			seen = excluded.seen,
			seen_also_in_preceding_hour = excluded.seen_also_in_preceding_hour,
			computed_at = excluded.computed_at`,
		a.BoxID, unix(a.HourStart), a.Seen, a.SeenAlsoInPrecedingHour, unix(a.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting hourly aggregate %s@%s: %w", a.BoxID, a.HourStart, err)
	}
	return nil
}

// UpsertDaily inserts or updates the daily aggregate for (box_id, day_start).
func (t *Tx) UpsertDaily(ctx context.Context, a model.DailyAggregate) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO seen_by_day (box_id, day_start, seen, seen_also_on_preceding_day,
			seen_also_a_week_earlier, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(box_id, day_start) DO UPDATE SET
			seen = excluded.seen,
			seen_also_on_preceding_day = excluded.seen_also_on_preceding_day,
			seen_also_a_week_earlier = excluded.seen_also_a_week_earlier,
			computed_at = excluded.computed_at`,
		a.BoxID, unix(a.DayStart), a.Seen, a.SeenAlsoOnPrecedingDay,
		a.SeenAlsoAWeekEarlier, unix(a.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting daily aggregate %s@%s: %w", a.BoxID, a.DayStart, err)
	}
	return nil
}

// HourlyAggregates returns all hourly aggregates of a box ordered by hour.
func (s *Store) HourlyAggregates(ctx context.Context, boxID string) ([]model.HourlyAggregate, error) {
	return s.queryHourly(ctx, `
		SELECT box_id, hour_start, seen, seen_also_in_preceding_hour, computed_at
		FROM seen_by_hour WHERE box_id = ? ORDER BY hour_start ASC`, boxID)
}

// HourlyAfter returns up to limit hourly aggregates with hour_start strictly
// after the given time (or all, when after is nil), ordered by hour.
func (s *Store) HourlyAfter(ctx context.Context, boxID string, after *time.Time, limit int) ([]model.HourlyAggregate, error) {
	from := int64(-1 << 62)
	if after != nil {
		from = unix(*after)
	}
	return s.queryHourly(ctx, `
		SELECT box_id, hour_start, seen, seen_also_in_preceding_hour, computed_at
		FROM seen_by_hour WHERE box_id = ? AND hour_start > ?
		ORDER BY hour_start ASC LIMIT ?`, boxID, from, limit)
}

// DailyAggregates returns all daily aggregates of a box ordered by day.
func (s *Store) DailyAggregates(ctx context.Context, boxID string) ([]model.DailyAggregate, error) {
	return s.queryDaily(ctx, `
		SELECT box_id, day_start, seen, seen_also_on_preceding_day, seen_also_a_week_earlier, computed_at
		FROM seen_by_day WHERE box_id = ? ORDER BY day_start ASC`, boxID)
}

// DailyFrom returns up to limit daily aggregates with day_start at or after
// from (or all, when from is nil), ordered by day.
func (s *Store) DailyFrom(ctx context.Context, boxID string, from *time.Time, limit int) ([]model.DailyAggregate, error) {
	start := int64(-1 << 62)
	if from != nil {
		start = unix(*from)
	}
	return s.queryDaily(ctx, `
		SELECT box_id, day_start, seen, seen_also_on_preceding_day, seen_also_a_week_earlier, computed_at
		FROM seen_by_day WHERE box_id = ? AND day_start >= ?
		ORDER BY day_start ASC LIMIT ?`, boxID, start, limit)
}

// BoxIDsWithDailyAggregates lists the distinct box ids present in seen_by_day.
func (s *Store) BoxIDsWithDailyAggregates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT box_id FROM seen_by_day ORDER BY box_id`)
	if err != nil {
		return nil, fmt.Errorf("querying box ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning box id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) queryHourly(ctx context.Context, query string, args ...any) ([]model.HourlyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying hourly aggregates: %w", err)
	}
	defer rows.Close()

	var out []model.HourlyAggregate
	for rows.Next() {
		a, err := scanHourly(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning hourly aggregate: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) queryDaily(ctx context.Context, query string, args ...any) ([]model.DailyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying daily aggregates: %w", err)
	}
	defer rows.Close()

	var out []model.DailyAggregate
	for rows.Next() {
		a, err := scanDaily(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning daily aggregate: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanHourly(row rowScanner) (model.HourlyAggregate, error) {
	var (
		a              model.HourlyAggregate
		start, compute int64
	)
	if err := row.Scan(&a.BoxID, &start, &a.Seen, &a.SeenAlsoInPrecedingHour, &compute); err != nil {
		return model.HourlyAggregate{}, err
	}
	a.HourStart = fromUnix(start)
	a.ComputedAt = fromUnix(compute)
	return a, nil
}

func scanDaily(row rowScanner) (model.DailyAggregate, error) {
	var (
		a              model.DailyAggregate
		start, compute int64
	)
	if err := row.Scan(&a.BoxID, &start, &a.Seen, &a.SeenAlsoOnPrecedingDay,
		&a.SeenAlsoAWeekEarlier, &compute); err != nil {
		return model.DailyAggregate{}, err
	}
	a.DayStart = fromUnix(start)
	a.ComputedAt = fromUnix(compute)
	return a, nil
}
