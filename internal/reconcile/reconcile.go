// Package reconcile turns raw sensor readings into the durable event log.
//
// Capture tools keep re-reporting devices they saw earlier, so every reading
// is deduplicated against the last time each observable was recorded before
// anything is written.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/darshan-rambhia/tally/internal/metrics"
	"github.com/darshan-rambhia/tally/internal/model"
	"github.com/darshan-rambhia/tally/internal/sensing"
	"github.com/darshan-rambhia/tally/internal/store"
)

// Result summarizes one reconcile batch.
type Result struct {
	Received           int
	Dropped            int
	Stale              int
	ObservablesCreated int
	ObservablesUpdated int
	EventsCreated      int
	EventsUpdated      int
}

// Reconciler writes deduplicated sightings of one box.
type Reconciler struct {
	store *store.Store
	boxID string
}

// New returns a Reconciler writing events for boxID.
func New(s *store.Store, boxID string) *Reconciler {
	return &Reconciler{store: s, boxID: boxID}
}

// Reconcile writes every sighting in batch that is newer than what is already
// recorded for its observable. Malformed sightings are dropped and counted.
// All writes happen in one transaction.
func (r *Reconciler) Reconcile(ctx context.Context, batch []model.RawSighting) (Result, error) {
	res := Result{Received: len(batch)}

	valid := make([]model.RawSighting, 0, len(batch))
	for _, s := range batch {
		if s.ObservableID == "" || s.TimeSeen.IsZero() || s.TotalPackets < 0 {
			res.Dropped++
			continue
		}
		// Events are keyed at second resolution.
		s.TimeSeen = s.TimeSeen.Truncate(time.Second)
		valid = append(valid, s)
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].TimeSeen.Before(valid[j].TimeSeen) })

	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		known, err := tx.LoadObservables(ctx)
		if err != nil {
			return err
		}
		counters := make(map[string]int64)

		for _, s := range valid {
			if last, ok := known[s.ObservableID]; ok && !s.TimeSeen.After(last) {
				res.Stale++
				continue
			}
			known[s.ObservableID] = s.TimeSeen

			delta, err := r.packetDelta(ctx, tx, counters, s)
			if err != nil {
				return err
			}
			counters[s.ObservableID] = s.TotalPackets

			created, err := tx.UpsertObservable(ctx, model.Observable{ID: s.ObservableID, TimeLastSeen: s.TimeSeen})
			if err != nil {
				return err
			}
			if created {
				res.ObservablesCreated++
			} else {
				res.ObservablesUpdated++
			}

			created, err = tx.UpsertEvent(ctx, model.Event{
				BoxID:           r.boxID,
				ObservableID:    s.ObservableID,
				TimeSeen:        s.TimeSeen,
				Value:           s.Value,
				AccessPointID:   s.AccessPointID,
				TotalPackets:    s.TotalPackets,
				PacketsCaptured: delta,
				Observations:    s.Observations,
			})
			if err != nil {
				return err
			}
			if created {
				res.EventsCreated++
			} else {
				res.EventsUpdated++
			}
		}
		return nil
	})
	if err != nil {
		return Result{Received: res.Received}, fmt.Errorf("reconciling batch: %w", err)
	}

	kept := res.Received - res.Dropped - res.Stale
	metrics.SightingsTotal.WithLabelValues("kept").Add(float64(kept))
	metrics.SightingsTotal.WithLabelValues("stale").Add(float64(res.Stale))
	metrics.SightingsTotal.WithLabelValues("dropped").Add(float64(res.Dropped))
	metrics.RecordsWrittenTotal.WithLabelValues("observable", "created").Add(float64(res.ObservablesCreated))
	metrics.RecordsWrittenTotal.WithLabelValues("observable", "updated").Add(float64(res.ObservablesUpdated))
	metrics.RecordsWrittenTotal.WithLabelValues("event", "created").Add(float64(res.EventsCreated))
	metrics.RecordsWrittenTotal.WithLabelValues("event", "updated").Add(float64(res.EventsUpdated))
	return res, nil
}

// packetDelta returns the packets captured since the previous sighting of the
// same observable. A counter lower than the previous one means the capture
// tool restarted, and the raw counter is the delta.
func (r *Reconciler) packetDelta(ctx context.Context, tx *store.Tx, counters map[string]int64, s model.RawSighting) (int64, error) {
	last, ok := counters[s.ObservableID]
	if !ok {
		prev, found, err := tx.LastEvent(ctx, s.ObservableID)
		if err != nil {
			return 0, err
		}
		if !found {
			return s.TotalPackets, nil
		}
		last = prev.TotalPackets
	}
	if s.TotalPackets >= last {
		return s.TotalPackets - last, nil
	}
	return s.TotalPackets, nil
}

// Task polls the sensor and reconciles each reading.
type Task struct {
	rec        *Reconciler
	sensor     sensing.Sensor
	scratchDir string
	interval   time.Duration
}

// NewTask returns the ingestion loop task.
func NewTask(rec *Reconciler, sensor sensing.Sensor, scratchDir string, interval time.Duration) *Task {
	return &Task{rec: rec, sensor: sensor, scratchDir: scratchDir, interval: interval}
}

func (t *Task) Name() string            { return "reconcile" }
func (t *Task) Interval() time.Duration { return t.interval }

// RunOnce reads the latest sensor output and reconciles it. A missing export
// is not an error; the capture tool may not have written one yet.
func (t *Task) RunOnce(ctx context.Context) error {
	batch, err := t.sensor.LatestReading(ctx, t.scratchDir)
	if errors.Is(err, sensing.ErrNoReading) {
		slog.Debug("no sensor reading yet", "dir", t.scratchDir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading sensor: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	res, err := t.rec.Reconcile(ctx, batch)
	if err != nil {
		return err
	}
	slog.Debug("reconciled",
		"received", res.Received,
		"dropped", res.Dropped,
		"stale", res.Stale,
		"observables_created", res.ObservablesCreated,
		"observables_updated", res.ObservablesUpdated,
		"events_created", res.EventsCreated,
		"events_updated", res.EventsUpdated,
	)
	return nil
}
