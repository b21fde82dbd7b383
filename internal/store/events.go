package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/darshan-rambhia/tally/internal/model"
)

const eventColumns = `id, box_id, observable_id, time_seen, value, access_point_id,
	total_packets, packets_captured, observations_json`

// LoadObservables returns every known observable id with its time_last_seen.
func (t *Tx) LoadObservables(ctx context.Context) (map[string]time.Time, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, time_last_seen FROM observables`)
	if err != nil {
		return nil, fmt.Errorf("loading observables: %w", err)
	}
	defer rows.Close()

	known := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			ts int64
		)
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scanning observable: %w", err)
		}
		known[id] = fromUnix(ts)
	}
	return known, rows.Err()
}

// UpsertObservable inserts an observable or advances its time_last_seen.
// time_last_seen never moves backward. It reports whether the row was created.
func (t *Tx) UpsertObservable(ctx context.Context, o model.Observable) (bool, error) {
	var exists int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM observables WHERE id = ?`, o.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking observable %s: %w", o.ID, err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO observables (id, time_last_seen) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET
			time_last_seen = MAX(time_last_seen, excluded.time_last_seen)`,
		o.ID, unix(o.TimeLastSeen),
	)
	if err != nil {
		return false, fmt.Errorf("upserting observable %s: %w", o.ID, err)
	}
	return exists == 0, nil
}

// LastEvent returns the most recent event recorded for an observable. The
// boolean is false when the observable has no events yet.
func (t *Tx) LastEvent(ctx context.Context, observableID string) (model.Event, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE observable_id = ? ORDER BY time_seen DESC, id DESC LIMIT 1`, observableID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, false, nil
	}
	if err != nil {
		return model.Event{}, false, fmt.Errorf("looking up last event of %s: %w", observableID, err)
	}
	return e, true, nil
}

// UpsertEvent inserts an event or updates the existing row with the same
// (observable_id, time_seen). It reports whether the row was created.
func (t *Tx) UpsertEvent(ctx context.Context, e model.Event) (bool, error) {
	var obs sql.NullString
	if len(e.Observations) > 0 {
		data, err := json.Marshal(e.Observations)
		if err != nil {
			return false, fmt.Errorf("marshaling observations: %w", err)
		}
		obs = sql.NullString{String: string(data), Valid: true}
	}

	var exists int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE observable_id = ? AND time_seen = ?`,
		e.ObservableID, unix(e.TimeSeen)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking event: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO events (box_id, observable_id, time_seen, value, access_point_id,
			total_packets, packets_captured, observations_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(observable_id, time_seen) DO UPDATE SET
			box_id = excluded.box_id,
			value = excluded.value,
			access_point_id = excluded.access_point_id,
			total_packets = excluded.total_packets,
			packets_captured = excluded.packets_captured,
			observations_json = excluded.observations_json`,
		e.BoxID, e.ObservableID, unix(e.TimeSeen), e.Value, e.AccessPointID,
		e.TotalPackets, e.PacketsCaptured, obs,
	)
	if err != nil {
		return false, fmt.Errorf("upserting event %s@%d: %w", e.ObservableID, unix(e.TimeSeen), err)
	}
	return exists == 0, nil
}

// UniqueObservableIDsSeen returns the distinct observable ids a box recorded
// events for in [start, end).
func (t *Tx) UniqueObservableIDsSeen(ctx context.Context, boxID string, start, end time.Time) (map[string]struct{}, error) {
	return uniqueObservableIDsSeen(ctx, t.tx, boxID, start, end)
}

// UniqueObservableIDsSeen returns the distinct observable ids a box recorded
// events for in [start, end).
func (s *Store) UniqueObservableIDsSeen(ctx context.Context, boxID string, start, end time.Time) (map[string]struct{}, error) {
	return uniqueObservableIDsSeen(ctx, s.db, boxID, start, end)
}

func uniqueObservableIDsSeen(ctx context.Context, q queryer, boxID string, start, end time.Time) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT observable_id FROM events
		WHERE box_id = ? AND time_seen >= ? AND time_seen < ?`,
		boxID, unix(start), unix(end))
	if err != nil {
		return nil, fmt.Errorf("querying unique observables: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning observable id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// EventsAfter returns up to limit events of a box with id > afterID, ordered
// by id. afterID 0 means from the beginning.
func (s *Store) EventsAfter(ctx context.Context, boxID string, afterID int64, limit int) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE box_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, boxID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events after %d: %w", afterID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// OldestEventAfter returns the earliest-id event of a box with id > afterID.
func (s *Store) OldestEventAfter(ctx context.Context, boxID string, afterID int64) (model.Event, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE box_id = ? AND id > ? ORDER BY id ASC LIMIT 1`, boxID, afterID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, false, nil
	}
	if err != nil {
		return model.Event{}, false, fmt.Errorf("querying oldest event after %d: %w", afterID, err)
	}
	return e, true, nil
}

// ObservableEvents returns all events of one observable ordered by time.
func (s *Store) ObservableEvents(ctx context.Context, observableID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE observable_id = ? ORDER BY time_seen ASC`, observableID)
	if err != nil {
		return nil, fmt.Errorf("querying events of %s: %w", observableID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// maxQueryParams keeps IN lists below SQLite's bound parameter limit.
const maxQueryParams = 500

// ObservablesByID returns the observables with the given ids, ordered by id.
// Unknown ids are skipped.
func (s *Store) ObservablesByID(ctx context.Context, ids []string) ([]model.Observable, error) {
	var out []model.Observable
	for chunk := range slices.Chunk(ids, maxQueryParams) {
		got, err := s.observablesIn(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	slices.SortFunc(out, func(a, b model.Observable) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) observablesIn(ctx context.Context, ids []string) ([]model.Observable, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, time_last_seen FROM observables WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying observables: %w", err)
	}
	defer rows.Close()

	var out []model.Observable
	for rows.Next() {
		var (
			o  model.Observable
			ts int64
		)
		if err := rows.Scan(&o.ID, &ts); err != nil {
			return nil, fmt.Errorf("scanning observable: %w", err)
		}
		o.TimeLastSeen = fromUnix(ts)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Observable returns a single observable, or ErrNotFound.
func (s *Store) Observable(ctx context.Context, id string) (model.Observable, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx, `SELECT time_last_seen FROM observables WHERE id = ?`, id).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Observable{}, ErrNotFound
	}
	if err != nil {
		return model.Observable{}, fmt.Errorf("reading observable %s: %w", id, err)
	}
	return model.Observable{ID: id, TimeLastSeen: fromUnix(ts)}, nil
}

// MergeObservable stores an observable received from a box. An existing
// time_last_seen that is newer than the received one is kept.
func (t *Tx) MergeObservable(ctx context.Context, o model.Observable) error {
	_, err := t.UpsertObservable(ctx, o)
	return err
}

// ObservableHourlySeries buckets the events of one observable by hour in loc:
// how often it was seen, its mean value and the packets captured.
func (s *Store) ObservableHourlySeries(ctx context.Context, observableID string, loc *time.Location) ([]model.SeriesPoint, error) {
	events, err := s.ObservableEvents(ctx, observableID)
	if err != nil {
		return nil, err
	}

	var (
		points []model.SeriesPoint
		sum    float64
	)
	for _, e := range events {
		t := e.TimeSeen.In(loc)
		hour := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Unix()
		if len(points) == 0 || points[len(points)-1].Time != hour {
			if len(points) > 0 {
				last := &points[len(points)-1]
				last.MeanValue = sum / float64(last.SeenCount)
			}
			points = append(points, model.SeriesPoint{Time: hour})
			sum = 0
		}
		p := &points[len(points)-1]
		p.SeenCount++
		p.PacketsCaptured += e.PacketsCaptured
		sum += e.Value
	}
	if len(points) > 0 {
		last := &points[len(points)-1]
		last.MeanValue = sum / float64(last.SeenCount)
	}
	return points, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.Event, error) {
	var (
		e   model.Event
		ts  int64
		obs sql.NullString
	)
	if err := row.Scan(&e.ID, &e.BoxID, &e.ObservableID, &ts, &e.Value, &e.AccessPointID,
		&e.TotalPackets, &e.PacketsCaptured, &obs); err != nil {
		return model.Event{}, err
	}
	e.TimeSeen = fromUnix(ts)
	if obs.Valid && obs.String != "" {
		if err := json.Unmarshal([]byte(obs.String), &e.Observations); err != nil {
			return model.Event{}, fmt.Errorf("decoding observations of event %d: %w", e.ID, err)
		}
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
