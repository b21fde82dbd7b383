package aggregate

import (
	"context"
	"strconv"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshan-rambhia/tally/internal/model"
	"github.com/darshan-rambhia/tally/internal/store"
)

const box = "box-1"

func newTestStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func at(day, hour, minute int) time.Time {
	return time.Date(2024, 5, day, hour, minute, 0, 0, time.UTC)
}

func addEvent(t *testing.T, s *store.Store, id string, ts time.Time) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		if _, err := tx.UpsertObservable(context.Background(), model.Observable{ID: id, TimeLastSeen: ts}); err != nil {
			return err
		}
		_, err := tx.UpsertEvent(context.Background(), model.Event{BoxID: box, ObservableID: id, TimeSeen: ts})
		return err
	})
	require.NoError(t, err)
}

func addStatus(t *testing.T, s *store.Store, ts time.Time, active bool) {
	t.Helper()
	_, err := s.InsertStatus(context.Background(), model.ProcessStatus{BoxID: box, SensorStatus: active, TimeStamp: ts})
	require.NoError(t, err)
}

func newAggregator(s *store.Store, now time.Time) *Aggregator {
	a := New(s, box, time.UTC, 7*24*time.Hour, time.Minute)
	a.now = func() time.Time { return now }
	return a
}

// hourly returns the hourly rows of the test box keyed by unix hour start.
func hourly(t *testing.T, s *store.Store) map[int64]model.HourlyAggregate {
	t.Helper()
	rows, err := s.HourlyAggregates(context.Background(), box)
	require.NoError(t, err)
	out := make(map[int64]model.HourlyAggregate, len(rows))
	for _, r := range rows {
		out[r.HourStart.Unix()] = r
	}
	return out
}

func seedMorning(t *testing.T, s *store.Store) {
	addEvent(t, s, "A", at(8, 9, 10))
	addEvent(t, s, "B", at(8, 9, 20))
	addEvent(t, s, "B", at(8, 10, 5))
	addEvent(t, s, "C", at(8, 10, 10))
	addStatus(t, s, at(8, 9, 0), true)
}

func TestAggregate_HourlyCountsAndOverlap(t *testing.T) {
	s := newTestStore(t)
	seedMorning(t, s)

	res, err := newAggregator(s, at(8, 10, 30)).Aggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Hours: 2, Days: 1}, res)

	rows := hourly(t, s)
	require.Len(t, rows, 2)

	h9 := rows[at(8, 9, 0).Unix()]
	assert.Equal(t, 2, h9.Seen)
	assert.Equal(t, 0, h9.SeenAlsoInPrecedingHour)
	assert.True(t, h9.Final())

	h10 := rows[at(8, 10, 0).Unix()]
	assert.Equal(t, 2, h10.Seen)
	assert.Equal(t, 1, h10.SeenAlsoInPrecedingHour)
	assert.False(t, h10.Final())

	days, err := s.DailyAggregates(context.Background(), box)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.True(t, days[0].DayStart.Equal(at(8, 0, 0)))
	assert.Equal(t, 3, days[0].Seen)
}

func TestAggregate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	seedMorning(t, s)
	agg := newAggregator(s, at(8, 10, 30))

	_, err := agg.Aggregate(context.Background())
	require.NoError(t, err)
	first := hourly(t, s)

	res, err := agg.Aggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Hours, "only the current hour is recomputed")
	assert.Equal(t, first, hourly(t, s))
}

func TestAggregate_SkipsInactiveWindows(t *testing.T) {
	s := newTestStore(t)
	addEvent(t, s, "A", at(8, 7, 10))
	addStatus(t, s, at(8, 7, 30), false)

	_, err := newAggregator(s, at(8, 10, 30)).Aggregate(context.Background())
	require.NoError(t, err)

	rows := hourly(t, s)
	assert.NotContains(t, rows, at(8, 7, 0).Unix())
	assert.Contains(t, rows, at(8, 10, 0).Unix())
}

func TestAggregate_ActiveHourWithoutEventsIsZero(t *testing.T) {
	s := newTestStore(t)
	addStatus(t, s, at(8, 3, 0), true)

	_, err := newAggregator(s, at(8, 10, 30)).Aggregate(context.Background())
	require.NoError(t, err)

	row, ok := hourly(t, s)[at(8, 3, 0).Unix()]
	require.True(t, ok)
	assert.Zero(t, row.Seen)
}

func TestAggregate_FinalizesOpenHour(t *testing.T) {
	s := newTestStore(t)
	seedMorning(t, s)

	_, err := newAggregator(s, at(8, 10, 30)).Aggregate(context.Background())
	require.NoError(t, err)

	addEvent(t, s, "D", at(8, 10, 40))

	_, err = newAggregator(s, at(8, 11, 5)).Aggregate(context.Background())
	require.NoError(t, err)

	h10 := hourly(t, s)[at(8, 10, 0).Unix()]
	assert.Equal(t, 3, h10.Seen)
	assert.True(t, h10.Final())
}

func TestAggregate_WeekEarlierOverlap(t *testing.T) {
	s := newTestStore(t)
	addEvent(t, s, "A", at(1, 12, 0))
	addEvent(t, s, "Z", at(7, 12, 0))
	addEvent(t, s, "A", at(8, 9, 0))
	addEvent(t, s, "Z", at(8, 9, 30))
	addEvent(t, s, "Q", at(8, 9, 45))

	_, err := newAggregator(s, at(8, 10, 0)).Aggregate(context.Background())
	require.NoError(t, err)

	days, err := s.DailyAggregates(context.Background(), box)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, 3, days[0].Seen)
	assert.Equal(t, 1, days[0].SeenAlsoOnPrecedingDay)
	assert.Equal(t, 1, days[0].SeenAlsoAWeekEarlier)
}

func TestAggregate_IgnoresOtherBoxes(t *testing.T) {
	s := newTestStore(t)
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		ts := at(8, 10, 1)
		if _, err := tx.UpsertObservable(context.Background(), model.Observable{ID: "X", TimeLastSeen: ts}); err != nil {
			return err
		}
		_, err := tx.UpsertEvent(context.Background(), model.Event{BoxID: "box-2", ObservableID: "X", TimeSeen: ts})
		return err
	})
	require.NoError(t, err)

	_, err = newAggregator(s, at(8, 10, 30)).Aggregate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, hourly(t, s)[at(8, 10, 0).Unix()].Seen)
}

func TestAggregate_Timezone(t *testing.T) {
	s := newTestStore(t)
	loc := time.FixedZone("UTC+2", 2*3600)
	addEvent(t, s, "A", at(7, 23, 30))

	a := New(s, box, loc, 7*24*time.Hour, time.Minute)
	a.now = func() time.Time { return at(7, 23, 45) }
	_, err := a.Aggregate(context.Background())
	require.NoError(t, err)

	days, err := s.DailyAggregates(context.Background(), box)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.True(t, days[0].DayStart.Equal(time.Date(2024, 5, 8, 0, 0, 0, 0, loc)))
	assert.Equal(t, 1, days[0].Seen)
}

func TestAggregate_FallBackRepeatedHour(t *testing.T) {
	s := newTestStore(t)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2024-11-03 01:00 local occurs twice: 05:00Z (EDT) and 06:00Z (EST).
	first := time.Date(2024, 11, 3, 5, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	addStatus(t, s, first.Add(20*time.Minute), true)
	addEvent(t, s, "A", first.Add(15*time.Minute))
	addEvent(t, s, "B", second.Add(10*time.Minute))

	now := second.Add(30 * time.Minute)
	a := New(s, box, ny, 7*24*time.Hour, time.Minute)
	a.now = func() time.Time { return now }
	_, err = a.Aggregate(context.Background())
	require.NoError(t, err)

	rows := hourly(t, s)
	require.Len(t, rows, 2)

	h1 := rows[first.Unix()]
	assert.Equal(t, 1, h1.Seen)
	assert.True(t, h1.Final())

	h2, ok := rows[second.Unix()]
	require.True(t, ok, "the in-progress repeated hour must be computed")
	assert.Equal(t, 1, h2.Seen)
	assert.Equal(t, 0, h2.SeenAlsoInPrecedingHour)
	assert.False(t, h2.Final())
}

func TestFloorHour_Zones(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	ist := time.FixedZone("UTC+0530", 5*3600+1800)

	second := time.Date(2024, 11, 3, 6, 30, 0, 0, time.UTC)
	assert.True(t, FloorHour(second, ny).Equal(time.Date(2024, 11, 3, 6, 0, 0, 0, time.UTC)))
	first := time.Date(2024, 11, 3, 5, 59, 59, 999, time.UTC)
	assert.True(t, FloorHour(first, ny).Equal(time.Date(2024, 11, 3, 5, 0, 0, 0, time.UTC)))

	// 08:10Z is 13:40 in UTC+05:30; the hour starts at 13:00 local.
	ts := time.Date(2024, 5, 8, 8, 10, 0, 0, time.UTC)
	assert.True(t, FloorHour(ts, ist).Equal(time.Date(2024, 5, 8, 13, 0, 0, 0, ist)))
}

func TestFloor(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	ts := time.Date(2024, 5, 8, 2, 47, 13, 0, time.UTC)
	assert.True(t, FloorHour(ts, time.UTC).Equal(at(8, 2, 0)))
	assert.True(t, FloorDay(ts, time.UTC).Equal(at(8, 0, 0)))
	assert.True(t, FloorDay(ts, loc).Equal(time.Date(2024, 5, 7, 0, 0, 0, 0, loc)))
}

func TestRunOnce(t *testing.T) {
	s := newTestStore(t)
	a := newAggregator(s, at(8, 10, 30))
	assert.Equal(t, "aggregate", a.Name())
	assert.Equal(t, time.Minute, a.Interval())
	assert.NoError(t, a.RunOnce(context.Background()))

	require.NoError(t, s.Close())
	assert.Error(t, a.RunOnce(context.Background()))
}

func BenchmarkAggregate(b *testing.B) {
	s := newTestStore(b)
	ctx := context.Background()
	start := at(7, 0, 0)
	require.NoError(b, s.WithTx(ctx, func(tx *store.Tx) error {
		for i := range 24 * 60 {
			ts := start.Add(time.Duration(i) * time.Minute)
			id := "obs-" + strconv.Itoa(i%400)
			if _, err := tx.UpsertObservable(ctx, model.Observable{ID: id, TimeLastSeen: ts}); err != nil {
				return err
			}
			if _, err := tx.UpsertEvent(ctx, model.Event{BoxID: box, ObservableID: id, TimeSeen: ts}); err != nil {
				return err
			}
		}
		return nil
	}))
	for h := range 24 {
		_, err := s.InsertStatus(ctx, model.ProcessStatus{BoxID: box, SensorStatus: true, TimeStamp: start.Add(time.Duration(h) * time.Hour)})
		require.NoError(b, err)
	}

	a := newAggregator(s, at(8, 0, 30))
	for b.Loop() {
		if _, err := a.Aggregate(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
