// Package aggregate condenses the event log into hourly and daily counts of
// distinct observables.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/darshan-rambhia/tally/internal/metrics"
	"github.com/darshan-rambhia/tally/internal/model"
	"github.com/darshan-rambhia/tally/internal/store"
)

// FloorHour returns the start of the hour containing t in loc. It floors the
// instant rather than rebuilding a wall clock time, so the repeated hour at a
// DST fall-back resolves to the occurrence t is in.
func FloorHour(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return t.Add(-time.Duration(t.Minute())*time.Minute -
		time.Duration(t.Second())*time.Second -
		time.Duration(t.Nanosecond()))
}

// FloorDay returns the start of the day containing t in loc.
func FloorDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func addDays(day time.Time, n int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day()+n, 0, 0, 0, 0, day.Location())
}

// Result counts the windows written by one run.
type Result struct {
	Hours int
	Days  int
}

// Aggregator computes the aggregates of one box.
type Aggregator struct {
	store    *store.Store
	boxID    string
	loc      *time.Location
	lookback time.Duration
	interval time.Duration
	now      func() time.Time
}

// New returns an Aggregator. Windows are floored in loc.
func New(s *store.Store, boxID string, loc *time.Location, lookback, interval time.Duration) *Aggregator {
	return &Aggregator{
		store:    s,
		boxID:    boxID,
		loc:      loc,
		lookback: lookback,
		interval: interval,
		now:      time.Now,
	}
}

func (a *Aggregator) Name() string            { return "aggregate" }
func (a *Aggregator) Interval() time.Duration { return a.interval }

// RunOnce aggregates every pending window in one transaction.
func (a *Aggregator) RunOnce(ctx context.Context) error {
	res, err := a.Aggregate(ctx)
	if err != nil {
		metrics.AggregationRunsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.AggregationRunsTotal.WithLabelValues("ok").Inc()
	slog.Debug("aggregated", "box_id", a.boxID, "hours", res.Hours, "days", res.Days)
	return nil
}

// Aggregate computes, within the lookback window, every closed hour and day
// that has no final row yet, plus the current hour and day. Closed windows
// without a row are only computed if the sensor was active in them.
func (a *Aggregator) Aggregate(ctx context.Context) (Result, error) {
	var res Result
	now := a.now()
	curHour := FloorHour(now, a.loc)
	curDay := FloorDay(now, a.loc)

	err := a.store.WithTx(ctx, func(tx *store.Tx) error {
		ids := idCache{tx: tx, boxID: a.boxID, sets: make(map[[2]int64]map[string]struct{})}

		for h := FloorHour(now.Add(-a.lookback), a.loc); h.Before(curHour); h = h.Add(time.Hour) {
			end := h.Add(time.Hour)
			row, ok, err := tx.HourlyAggregate(ctx, a.boxID, h)
			if err != nil {
				return err
			}
			if ok && row.Final() {
				continue
			}
			if !ok {
				active, err := tx.SensorActiveBetween(ctx, a.boxID, h, end)
				if err != nil {
					return err
				}
				if !active {
					continue
				}
			}
			if err := a.hour(ctx, tx, &ids, h, now); err != nil {
				return err
			}
			res.Hours++
		}
		if err := a.hour(ctx, tx, &ids, curHour, now); err != nil {
			return err
		}
		res.Hours++

		for d := addDays(FloorDay(now.Add(-a.lookback), a.loc), 1); d.Before(curDay); d = addDays(d, 1) {
			row, ok, err := tx.DailyAggregate(ctx, a.boxID, d)
			if err != nil {
				return err
			}
			if ok && !row.ComputedAt.Before(addDays(d, 1)) {
				continue
			}
			if !ok {
				active, err := tx.SensorActiveBetween(ctx, a.boxID, d, addDays(d, 1))
				if err != nil {
					return err
				}
				if !active {
					continue
				}
			}
			if err := a.day(ctx, tx, &ids, d, now); err != nil {
				return err
			}
			res.Days++
		}
		if err := a.day(ctx, tx, &ids, curDay, now); err != nil {
			return err
		}
		res.Days++
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("aggregating box %s: %w", a.boxID, err)
	}
	metrics.WindowsAggregatedTotal.WithLabelValues("hour").Add(float64(res.Hours))
	metrics.WindowsAggregatedTotal.WithLabelValues("day").Add(float64(res.Days))
	return res, nil
}

func (a *Aggregator) hour(ctx context.Context, tx *store.Tx, ids *idCache, start, now time.Time) error {
	seen, err := ids.get(ctx, start, start.Add(time.Hour))
	if err != nil {
		return err
	}
	prev, err := ids.get(ctx, start.Add(-time.Hour), start)
	if err != nil {
		return err
	}
	return tx.UpsertHourly(ctx, model.HourlyAggregate{
		BoxID:                   a.boxID,
		HourStart:               start,
		Seen:                    len(seen),
		SeenAlsoInPrecedingHour: overlap(seen, prev),
		ComputedAt:              now,
	})
}

func (a *Aggregator) day(ctx context.Context, tx *store.Tx, ids *idCache, start, now time.Time) error {
	seen, err := ids.get(ctx, start, addDays(start, 1))
	if err != nil {
		return err
	}
	prev, err := ids.get(ctx, addDays(start, -1), start)
	if err != nil {
		return err
	}
	weekAgo, err := ids.get(ctx, addDays(start, -7), addDays(start, -6))
	if err != nil {
		return err
	}
	return tx.UpsertDaily(ctx, model.DailyAggregate{
		BoxID:                  a.boxID,
		DayStart:               start,
		Seen:                   len(seen),
		SeenAlsoOnPrecedingDay: overlap(seen, prev),
		SeenAlsoAWeekEarlier:   overlap(seen, weekAgo),
		ComputedAt:             now,
	})
}

func overlap(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for id := range a {
		if _, ok := b[id]; ok {
			n++
		}
	}
	return n
}

// idCache memoizes distinct-id sets per window within one run, since each
// window is also the preceding window of the next one.
type idCache struct {
	tx    *store.Tx
	boxID string
	sets  map[[2]int64]map[string]struct{}
}

func (c *idCache) get(ctx context.Context, start, end time.Time) (map[string]struct{}, error) {
	key := [2]int64{start.Unix(), end.Unix()}
	if s, ok := c.sets[key]; ok {
		return s, nil
	}
	s, err := c.tx.UniqueObservableIDsSeen(ctx, c.boxID, start, end)
	if err != nil {
		return nil, err
	}
	c.sets[key] = s
	return s, nil
}
