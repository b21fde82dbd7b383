package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshan-rambhia/tally/internal/model"
	"github.com/darshan-rambhia/tally/internal/sensing"
	"github.com/darshan-rambhia/tally/internal/store"
)

func newTestStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func sighting(id string, at time.Time, packets int64) model.RawSighting {
	return model.RawSighting{ObservableID: id, TimeSeen: at, Value: -50, TotalPackets: packets}
}

func TestReconcile_FirstSighting(t *testing.T) {
	s := newTestStore(t)
	r := New(s, "box-1")
	ctx := context.Background()

	res, err := r.Reconcile(ctx, []model.RawSighting{sighting("A", t0, 5)})
	require.NoError(t, err)
	assert.Equal(t, Result{Received: 1, ObservablesCreated: 1, EventsCreated: 1}, res)

	o, err := s.Observable(ctx, "A")
	require.NoError(t, err)
	assert.True(t, o.TimeLastSeen.Equal(t0))

	events, err := s.ObservableEvents(ctx, "A")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "box-1", events[0].BoxID)
	assert.Equal(t, int64(5), events[0].PacketsCaptured)
}

func TestReconcile_RepeatedReadingIsStale(t *testing.T) {
	s := newTestStore(t)
	r := New(s, "box-1")
	ctx := context.Background()

	batch := []model.RawSighting{sighting("A", t0, 5), sighting("B", t0, 2)}
	_, err := r.Reconcile(ctx, batch)
	require.NoError(t, err)

	res, err := r.Reconcile(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, Result{Received: 2, Stale: 2}, res)

	events, err := s.EventsAfter(ctx, "box-1", 0, 100)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestReconcile_CounterReset(t *testing.T) {
	s := newTestStore(t)
	r := New(s, "box-1")
	ctx := context.Background()

	_, err := r.Reconcile(ctx, []model.RawSighting{sighting("A", t0, 5)})
	require.NoError(t, err)

	res, err := r.Reconcile(ctx, []model.RawSighting{
		sighting("A", t0.Add(5*time.Minute), 3),
		sighting("A", t0, 5),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, 1, res.EventsCreated)
	assert.Equal(t, 1, res.ObservablesUpdated)

	_, err = r.Reconcile(ctx, []model.RawSighting{sighting("A", t0.Add(10*time.Minute), 10)})
	require.NoError(t, err)

	events, err := s.ObservableEvents(ctx, "A")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []int64{5, 3, 7}, []int64{
		events[0].PacketsCaptured, events[1].PacketsCaptured, events[2].PacketsCaptured,
	})

	o, err := s.Observable(ctx, "A")
	require.NoError(t, err)
	assert.True(t, o.TimeLastSeen.Equal(t0.Add(10*time.Minute)))
}

func TestReconcile_UnsortedBatchUsesInBatchCounters(t *testing.T) {
	s := newTestStore(t)
	r := New(s, "box-1")
	ctx := context.Background()

	res, err := r.Reconcile(ctx, []model.RawSighting{
		sighting("A", t0.Add(2*time.Minute), 12),
		sighting("A", t0, 4),
		sighting("A", t0.Add(time.Minute), 9),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.EventsCreated)
	assert.Equal(t, 1, res.ObservablesCreated)
	assert.Equal(t, 2, res.ObservablesUpdated)

	events, err := s.ObservableEvents(ctx, "A")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(4), events[0].PacketsCaptured)
	assert.Equal(t, int64(5), events[1].PacketsCaptured)
	assert.Equal(t, int64(3), events[2].PacketsCaptured)
}

func TestReconcile_DropsMalformed(t *testing.T) {
	s := newTestStore(t)
	r := New(s, "box-1")

	res, err := r.Reconcile(context.Background(), []model.RawSighting{
		sighting("", t0, 1),
		sighting("A", time.Time{}, 1),
		sighting("B", t0, -1),
		sighting("C", t0, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Received)
	assert.Equal(t, 3, res.Dropped)
	assert.Equal(t, 1, res.EventsCreated)
}

func TestReconcile_SubSecondDuplicatesCollapse(t *testing.T) {
	s := newTestStore(t)
	r := New(s, "box-1")
	ctx := context.Background()

	res, err := r.Reconcile(ctx, []model.RawSighting{
		sighting("A", t0.Add(100*time.Millisecond), 1),
		sighting("A", t0.Add(900*time.Millisecond), 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsCreated)
	assert.Equal(t, 1, res.Stale)
}

func TestReconcile_ClosedStore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	res, err := New(s, "box-1").Reconcile(context.Background(), []model.RawSighting{sighting("A", t0, 1)})
	assert.Error(t, err)
	assert.Equal(t, Result{Received: 1}, res)
}

type fakeSensor struct {
	batch []model.RawSighting
	err   error
}

func (f *fakeSensor) Name() string { return "fake" }
func (f *fakeSensor) StartSensing(context.Context, string) (sensing.Handle, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeSensor) LatestReading(context.Context, string) ([]model.RawSighting, error) {
	return f.batch, f.err
}

func TestTask_RunOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sensor := &fakeSensor{batch: []model.RawSighting{sighting("A", t0, 1), sighting("B", t0, 1)}}
	task := NewTask(New(s, "box-1"), sensor, t.TempDir(), time.Second)

	assert.Equal(t, "reconcile", task.Name())
	assert.Equal(t, time.Second, task.Interval())
	require.NoError(t, task.RunOnce(ctx))

	ids, err := s.UniqueObservableIDsSeen(ctx, "box-1", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestTask_NoReadingYet(t *testing.T) {
	sensor := &fakeSensor{err: sensing.ErrNoReading}
	task := NewTask(New(newTestStore(t), "box-1"), sensor, t.TempDir(), time.Second)
	assert.NoError(t, task.RunOnce(context.Background()))
}

func TestTask_SensorError(t *testing.T) {
	sensor := &fakeSensor{err: errors.New("permission denied")}
	task := NewTask(New(newTestStore(t), "box-1"), sensor, t.TempDir(), time.Second)
	assert.ErrorContains(t, task.RunOnce(context.Background()), "permission denied")
}

func BenchmarkReconcile(b *testing.B) {
	s := newTestStore(b)
	r := New(s, "box-1")
	ctx := context.Background()

	ids := make([]string, 200)
	for i := range ids {
		ids[i] = "obs-" + strconv.Itoa(i)
	}
	tick := 0
	for b.Loop() {
		at := t0.Add(time.Duration(tick) * 5 * time.Second)
		batch := make([]model.RawSighting, len(ids))
		for i, id := range ids {
			batch[i] = sighting(id, at, int64(tick+i))
		}
		if _, err := r.Reconcile(ctx, batch); err != nil {
			b.Fatal(err)
		}
		tick++
	}
}
