package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/darshan-rambhia/tally/internal/model"
)

// InsertStatus appends a sensing process health-check record and returns its id.
func (s *Store) InsertStatus(ctx context.Context, st model.ProcessStatus) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO process_status (box_id, sensor_status, time_stamp) VALUES (?, ?, ?)
		ON CONFLICT(box_id, time_stamp) DO UPDATE SET sensor_status = excluded.sensor_status
		RETURNING id`,
		st.BoxID, st.SensorStatus, unix(st.TimeStamp),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting process status: %w", err)
	}
	return id, nil
}

// UpsertStatus stores a status record received from a box, keyed by
// (box_id, time_stamp).
func (t *Tx) UpsertStatus(ctx context.Context, st model.ProcessStatus) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO process_status (box_id, sensor_status, time_stamp) VALUES (?, ?, ?)
		ON CONFLICT(box_id, time_stamp) DO UPDATE SET sensor_status = excluded.sensor_status`,
		st.BoxID, st.SensorStatus, unix(st.TimeStamp),
	)
	if err != nil {
		return fmt.Errorf("upserting process status: %w", err)
	}
	return nil
}

// SensorActiveBetween reports whether at least one status record of the box in
// [start, end) says the sensor was active.
func (t *Tx) SensorActiveBetween(ctx context.Context, boxID string, start, end time.Time) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM process_status
		WHERE box_id = ? AND sensor_status = 1 AND time_stamp >= ? AND time_stamp < ?`,
		boxID, unix(start), unix(end)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking sensor activity: %w", err)
	}
	return n > 0, nil
}

// StatusAfter returns up to limit status records of a box with id > afterID,
// ordered by id.
func (s *Store) StatusAfter(ctx context.Context, boxID string, afterID int64, limit int) ([]model.ProcessStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, box_id, sensor_status, time_stamp FROM process_status
		WHERE box_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, boxID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying status after %d: %w", afterID, err)
	}
	defer rows.Close()

	var out []model.ProcessStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning status: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// LatestStatus returns the most recent status record of a box.
func (s *Store) LatestStatus(ctx context.Context, boxID string) (model.ProcessStatus, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, box_id, sensor_status, time_stamp FROM process_status
		WHERE box_id = ? ORDER BY time_stamp DESC, id DESC LIMIT 1`, boxID)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessStatus{}, false, nil
	}
	if err != nil {
		return model.ProcessStatus{}, false, fmt.Errorf("reading latest status: %w", err)
	}
	return st, true, nil
}

func scanStatus(row rowScanner) (model.ProcessStatus, error) {
	var (
		st model.ProcessStatus
		ts int64
	)
	if err := row.Scan(&st.ID, &st.BoxID, &st.SensorStatus, &ts); err != nil {
		return model.ProcessStatus{}, err
	}
	st.TimeStamp = fromUnix(ts)
	return st, nil
}
