// Package kpi derives summary figures for a box from its aggregates.
package kpi

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/darshan-rambhia/tally/internal/model"
)

// Source reads persisted aggregates.
type Source interface {
	HourlyAggregates(ctx context.Context, boxID string) ([]model.HourlyAggregate, error)
	DailyAggregates(ctx context.Context, boxID string) ([]model.DailyAggregate, error)
}

// BoxSource additionally lists registered boxes.
type BoxSource interface {
	Source
	Boxes(ctx context.Context) ([]model.Box, error)
}

var weekdays = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// Compute returns the KPIs of a box. Hours of day and weekdays are taken in
// loc. Fields without enough data stay nil.
func Compute(ctx context.Context, src Source, boxID string, loc *time.Location) (model.KPI, error) {
	k := model.KPI{BoxID: boxID}

	hours, err := src.HourlyAggregates(ctx, boxID)
	if err != nil {
		return k, fmt.Errorf("loading hourly aggregates: %w", err)
	}
	days, err := src.DailyAggregates(ctx, boxID)
	if err != nil {
		return k, fmt.Errorf("loading daily aggregates: %w", err)
	}

	if len(hours) > 0 {
		first := hours[0].HourStart
		for _, h := range hours[1:] {
			if h.HourStart.Before(first) {
				first = h.HourStart
			}
		}
		first = first.In(loc)
		k.RunningSince = &first

		var buckets bucketMeans
		var seen, again float64
		for _, h := range hours {
			buckets.add(h.HourStart.In(loc).Hour(), h.Seen)
			seen += float64(h.Seen)
			again += float64(h.SeenAlsoInPrecedingHour)
		}
		if p, ok := buckets.peak(); ok {
			k.Busyness.ByHour = model.HourlyBusyness{
				HourOfDay:              ptr(p.key),
				NumObservables:         ptr(round2(p.mean)),
				NumObservablesMean:     ptr(round2(p.overall)),
				PercentageMarginToMean: p.margin(),
			}
		}
		k.Stasis.ByHour = percentage(again, seen)
	}

	if len(days) > 0 {
		var buckets bucketMeans
		var seen, prevDay, weekAgo float64
		for _, d := range days {
			buckets.add(weekdayIndex(d.DayStart.In(loc).Weekday()), d.Seen)
			seen += float64(d.Seen)
			prevDay += float64(d.SeenAlsoOnPrecedingDay)
			weekAgo += float64(d.SeenAlsoAWeekEarlier)
		}
		if p, ok := buckets.peak(); ok {
			k.Busyness.ByDay = model.DailyBusyness{
				Weekday:                ptr(weekdays[p.key]),
				NumObservables:         ptr(round2(p.mean)),
				NumObservablesMean:     ptr(round2(p.overall)),
				PercentageMarginToMean: p.margin(),
			}
		}
		k.SeenPerDay = ptr(round2(seen / float64(len(days))))
		k.Stasis.ByDay = percentage(prevDay, seen)
		k.Stasis.ByWeek = percentage(weekAgo, seen)
	}
	return k, nil
}

// BoxAverages returns, for every registered box with daily aggregates, the
// mean number of observables seen per day, ignoring days without any.
func BoxAverages(ctx context.Context, src BoxSource) ([]model.BoxAverage, error) {
	boxes, err := src.Boxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading boxes: %w", err)
	}
	out := make([]model.BoxAverage, 0, len(boxes))
	for _, b := range boxes {
		days, err := src.DailyAggregates(ctx, b.BoxID)
		if err != nil {
			return nil, fmt.Errorf("loading daily aggregates of %s: %w", b.BoxID, err)
		}
		if len(days) == 0 {
			continue
		}
		var sum, n int
		for _, d := range days {
			if d.Seen == 0 {
				continue
			}
			sum += d.Seen
			n++
		}
		avg := model.BoxAverage{BoxID: b.BoxID, BoxName: b.Name}
		if n > 0 {
			avg.MeanSeenPerDay = sum / n
		}
		out = append(out, avg)
	}
	return out, nil
}

// Monday is 0.
func weekdayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// bucketMeans accumulates seen counts per hour of day or weekday.
type bucketMeans struct {
	sum   [24]float64
	count [24]int
}

func (b *bucketMeans) add(key, seen int) {
	b.sum[key] += float64(seen)
	b.count[key]++
}

type peak struct {
	key     int
	mean    float64
	overall float64
}

// margin is how far the peak lies above the mean of bucket means, in percent.
func (p peak) margin() *float64 {
	if p.overall == 0 {
		return nil
	}
	return ptr(round2((p.mean - p.overall) / p.overall * 100))
}

// peak returns the bucket with the highest mean, preferring the lowest key on
// ties. At least two buckets must hold data.
func (b *bucketMeans) peak() (peak, bool) {
	var (
		p       = peak{key: -1}
		buckets int
		total   float64
	)
	for key := range b.sum {
		if b.count[key] == 0 {
			continue
		}
		mean := b.sum[key] / float64(b.count[key])
		buckets++
		total += mean
		if p.key < 0 || mean > p.mean {
			p.key, p.mean = key, mean
		}
	}
	if buckets < 2 {
		return peak{}, false
	}
	p.overall = total / float64(buckets)
	return p, true
}

// percentage returns part/whole*100 rounded, or nil if whole is zero. Both
// are sums over the same rows, so the ratio equals the ratio of means.
func percentage(part, whole float64) *float64 {
	if whole == 0 {
		return nil
	}
	return ptr(round2(part / whole * 100))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func ptr[T any](v T) *T { return &v }
