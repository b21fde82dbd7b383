// Package store provides SQLite persistence for Tally.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/darshan-rambhia/tally/internal/model"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// ErrSettingsMissing is returned when the box settings row has not been created.
var ErrSettingsMissing = errors.New("no box settings")

// Store wraps a SQLite database for Tally data persistence.
type Store struct {
	db *sql.DB
}

// Tx is a single atomic unit of work. All writes of one reconcile batch,
// aggregation run or received upload go through one Tx.
type Tx struct {
	tx *sql.Tx
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens or creates a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", dbPath, err)
	}
	// Every stage shares this handle; one connection serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction. The transaction commits if fn returns
// nil and rolls back otherwise, including when fn panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func unix(t time.Time) int64 {
	return t.Unix()
}

func fromUnix(ts int64) time.Time {
	return time.Unix(ts, 0).UTC()
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// EnsureBoxSettings creates the singleton settings row, or updates the server
// URL and upload token of the existing one. The box id of an existing row is
// never changed; the returned settings carry the effective box id.
func (s *Store) EnsureBoxSettings(ctx context.Context, boxID, serverURL, uploadToken string) (model.BoxSettings, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO box_settings (singleton, box_id, server_url, upload_token)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(singleton) DO UPDATE SET
			server_url = excluded.server_url,
			upload_token = excluded.upload_token`,
		boxID, serverURL, uploadToken,
	)
	if err != nil {
		return model.BoxSettings{}, fmt.Errorf("ensuring box settings: %w", err)
	}
	return s.BoxSettings(ctx)
}

// BoxSettings returns the singleton settings row, or ErrSettingsMissing.
func (s *Store) BoxSettings(ctx context.Context) (model.BoxSettings, error) {
	var (
		bs                         model.BoxSettings
		events, aggs, statusCursor sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT box_id, server_url, upload_token,
		       events_uploaded_until, aggregations_uploaded_until, status_uploaded_until
		FROM box_settings WHERE singleton = 1`,
	).Scan(&bs.BoxID, &bs.ServerURL, &bs.UploadToken, &events, &aggs, &statusCursor)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BoxSettings{}, ErrSettingsMissing
	}
	if err != nil {
		return model.BoxSettings{}, fmt.Errorf("reading box settings: %w", err)
	}
	if events.Valid {
		v := events.Int64
		bs.EventsUploadedUntil = &v
	}
	if aggs.Valid {
		t := fromUnix(aggs.Int64)
		bs.AggregationsUploadedUntil = &t
	}
	if statusCursor.Valid {
		v := statusCursor.Int64
		bs.StatusUploadedUntil = &v
	}
	return bs, nil
}

// SetEventsUploadedUntil advances the events cursor to the given event id.
func (s *Store) SetEventsUploadedUntil(ctx context.Context, eventID int64) error {
	return s.setCursor(ctx, "events_uploaded_until", nullInt(&eventID))
}

// SetAggregationsUploadedUntil advances the aggregations cursor to an hour start.
func (s *Store) SetAggregationsUploadedUntil(ctx context.Context, hourStart time.Time) error {
	return s.setCursor(ctx, "aggregations_uploaded_until", nullUnix(&hourStart))
}

// SetStatusUploadedUntil advances the status cursor to the given status id.
func (s *Store) SetStatusUploadedUntil(ctx context.Context, statusID int64) error {
	return s.setCursor(ctx, "status_uploaded_until", nullInt(&statusID))
}

func (s *Store) setCursor(ctx context.Context, column string, v sql.NullInt64) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE box_settings SET %s = ? WHERE singleton = 1", column), v)
	if err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSettingsMissing
	}
	return nil
}

// UpsertBox inserts or updates a registered box.
func (s *Store) UpsertBox(ctx context.Context, b model.Box) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boxes (box_id, name, description, upload_token)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(box_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			upload_token = excluded.upload_token`,
		b.BoxID, b.Name, b.Description, b.UploadToken,
	)
	if err != nil {
		return fmt.Errorf("upserting box %s: %w", b.BoxID, err)
	}
	return nil
}

// Box returns a registered box, or ErrNotFound.
func (s *Store) Box(ctx context.Context, boxID string) (model.Box, error) {
	var b model.Box
	err := s.db.QueryRowContext(ctx, `
		SELECT box_id, name, description, upload_token FROM boxes WHERE box_id = ?`, boxID,
	).Scan(&b.BoxID, &b.Name, &b.Description, &b.UploadToken)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Box{}, ErrNotFound
	}
	if err != nil {
		return model.Box{}, fmt.Errorf("reading box %s: %w", boxID, err)
	}
	return b, nil
}

// Boxes returns all registered boxes ordered by id.
func (s *Store) Boxes(ctx context.Context) ([]model.Box, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT box_id, name, description, upload_token FROM boxes ORDER BY box_id`)
	if err != nil {
		return nil, fmt.Errorf("querying boxes: %w", err)
	}
	defer rows.Close()

	var boxes []model.Box
	for rows.Next() {
		var b model.Box
		if err := rows.Scan(&b.BoxID, &b.Name, &b.Description, &b.UploadToken); err != nil {
			return nil, fmt.Errorf("scanning box: %w", err)
		}
		boxes = append(boxes, b)
	}
	return boxes, rows.Err()
}
