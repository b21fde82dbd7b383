package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/darshan-rambhia/tally/internal/aggregate"
	"github.com/darshan-rambhia/tally/internal/metrics"
	"github.com/darshan-rambhia/tally/internal/model"
	"github.com/darshan-rambhia/tally/internal/store"
)

// Options are shared by all uploaders of a box.
type Options struct {
	BoxID    string
	MaxBatch int
	Interval time.Duration
}

func record(kind string, n int, err error) error {
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(kind, "error").Inc()
		var herr *HTTPError
		if errors.As(err, &herr) && !herr.IsRetryable() {
			slog.Warn("server rejected upload", "kind", kind, "status", herr.StatusCode, "body", herr.Body)
		}
		return fmt.Errorf("uploading %s: %w", kind, err)
	}
	metrics.UploadsTotal.WithLabelValues(kind, "ok").Inc()
	metrics.UploadedRecordsTotal.WithLabelValues(kind).Add(float64(n))
	return nil
}

// EventsUploader sends events after the events cursor, together with the
// observables they reference.
type EventsUploader struct {
	store  *store.Store
	client *Client
	opts   Options
}

func NewEventsUploader(s *store.Store, c *Client, opts Options) *EventsUploader {
	return &EventsUploader{store: s, client: c, opts: opts}
}

func (u *EventsUploader) Name() string            { return "upload_events" }
func (u *EventsUploader) Interval() time.Duration { return u.opts.Interval }

func (u *EventsUploader) RunOnce(ctx context.Context) error {
	bs, err := u.store.BoxSettings(ctx)
	if err != nil {
		return err
	}
	var after int64
	if bs.EventsUploadedUntil != nil {
		after = *bs.EventsUploadedUntil
	}
	events, err := u.store.EventsAfter(ctx, u.opts.BoxID, after, u.opts.MaxBatch)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		slog.Debug("no events to upload")
		return nil
	}

	seen := make(map[string]bool)
	var ids []string
	for _, e := range events {
		if !seen[e.ObservableID] {
			seen[e.ObservableID] = true
			ids = append(ids, e.ObservableID)
		}
	}
	devices, err := u.store.ObservablesByID(ctx, ids)
	if err != nil {
		return err
	}

	last := events[len(events)-1].ID
	err = u.client.Post(ctx, EventsPath, model.EventsPayload{Devices: devices, Events: events})
	if err := record("events", len(events), err); err != nil {
		return err
	}
	if err := u.store.SetEventsUploadedUntil(ctx, last); err != nil {
		return err
	}
	slog.Info("uploaded events", "count", len(events), "devices", len(devices),
		"from", events[0].ID, "until", last)
	return nil
}

// StatusUploader sends process status records after the status cursor.
type StatusUploader struct {
	store  *store.Store
	client *Client
	opts   Options
}

func NewStatusUploader(s *store.Store, c *Client, opts Options) *StatusUploader {
	return &StatusUploader{store: s, client: c, opts: opts}
}

func (u *StatusUploader) Name() string            { return "upload_status" }
func (u *StatusUploader) Interval() time.Duration { return u.opts.Interval }

func (u *StatusUploader) RunOnce(ctx context.Context) error {
	bs, err := u.store.BoxSettings(ctx)
	if err != nil {
		return err
	}
	var after int64
	if bs.StatusUploadedUntil != nil {
		after = *bs.StatusUploadedUntil
	}
	statuses, err := u.store.StatusAfter(ctx, u.opts.BoxID, after, u.opts.MaxBatch)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		return nil
	}

	last := statuses[len(statuses)-1].ID
	err = u.client.Post(ctx, StatusPath, model.StatusPayload{TmuxStatuss: statuses})
	if err := record("status", len(statuses), err); err != nil {
		return err
	}
	if err := u.store.SetStatusUploadedUntil(ctx, last); err != nil {
		return err
	}
	slog.Debug("uploaded status", "count", len(statuses), "until", last)
	return nil
}

// AggregationsUploader sends hourly aggregates after the aggregations cursor
// and the daily aggregates from the cursor's day on.
type AggregationsUploader struct {
	store    *store.Store
	client   *Client
	opts     Options
	loc      *time.Location
	lookback time.Duration
	now      func() time.Time
}

// NewAggregationsUploader returns the aggregations uploader. loc and lookback
// must match the aggregator's.
func NewAggregationsUploader(s *store.Store, c *Client, opts Options, loc *time.Location, lookback time.Duration) *AggregationsUploader {
	return &AggregationsUploader{store: s, client: c, opts: opts, loc: loc, lookback: lookback, now: time.Now}
}

func (u *AggregationsUploader) Name() string            { return "upload_aggregations" }
func (u *AggregationsUploader) Interval() time.Duration { return u.opts.Interval }

func (u *AggregationsUploader) RunOnce(ctx context.Context) error {
	bs, err := u.store.BoxSettings(ctx)
	if err != nil {
		return err
	}
	cursor := bs.AggregationsUploadedUntil

	hours, err := u.store.HourlyAfter(ctx, u.opts.BoxID, cursor, u.opts.MaxBatch)
	if err != nil {
		return err
	}
	if len(hours) == 0 {
		return nil
	}
	var fromDay *time.Time
	if cursor != nil {
		d := aggregate.FloorDay(*cursor, u.loc)
		fromDay = &d
	}
	days, err := u.store.DailyFrom(ctx, u.opts.BoxID, fromDay, u.opts.MaxBatch)
	if err != nil {
		return err
	}

	next := u.nextCursor(hours)
	err = u.client.Post(ctx, AggregationsPath, model.AggregationsPayload{SeenByHour: hours, SeenByDay: days})
	if err := record("aggregations", len(hours)+len(days), err); err != nil {
		return err
	}
	if next == nil {
		slog.Debug("uploaded open aggregations", "hours", len(hours), "days", len(days))
		return nil
	}
	if err := u.store.SetAggregationsUploadedUntil(ctx, *next); err != nil {
		return err
	}
	slog.Info("uploaded aggregations", "hours", len(hours), "days", len(days), "until", next.In(u.loc))
	return nil
}

// nextCursor returns the start of the last hour in the leading run of hours
// that will not change anymore: closed, and either computed after closing or
// too old for the aggregator to revisit. Nil means the cursor stays.
func (u *AggregationsUploader) nextCursor(hours []model.HourlyAggregate) *time.Time {
	now := u.now()
	current := aggregate.FloorHour(now, u.loc)
	horizon := aggregate.FloorHour(now.Add(-u.lookback), u.loc)

	var next *time.Time
	for i := range hours {
		h := hours[i]
		if !h.HourStart.Before(current) {
			break
		}
		if !h.Final() && !h.HourStart.Before(horizon) {
			break
		}
		next = &hours[i].HourStart
	}
	return next
}
