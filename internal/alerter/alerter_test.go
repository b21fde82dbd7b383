package alerter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshan-rambhia/tally/internal/model"
	"github.com/darshan-rambhia/tally/internal/notify"
)

const box = "box-1"

// testProvider records notifications for assertions.
type testProvider struct {
	sent []model.Notification
	err  error
}

func (p *testProvider) Name() string { return "test" }
func (p *testProvider) Send(_ context.Context, n model.Notification) error {
	p.sent = append(p.sent, n)
	return p.err
}

// Compile-time check that testProvider satisfies notify.Provider.
var _ notify.Provider = (*testProvider)(nil)

// fakeStore serves canned rows.
type fakeStore struct {
	status    *model.ProcessStatus
	settings  model.BoxSettings
	events    []model.Event
	err       error
	afterSeen int64
}

func (f *fakeStore) LatestStatus(context.Context, string) (model.ProcessStatus, bool, error) {
	if f.err != nil {
		return model.ProcessStatus{}, false, f.err
	}
	if f.status == nil {
		return model.ProcessStatus{}, false, nil
	}
	return *f.status, true, nil
}

func (f *fakeStore) BoxSettings(context.Context) (model.BoxSettings, error) {
	return f.settings, f.err
}

func (f *fakeStore) OldestEventAfter(_ context.Context, _ string, afterID int64) (model.Event, bool, error) {
	f.afterSeen = afterID
	for _, e := range f.events {
		if e.ID > afterID {
			return e, true, nil
		}
	}
	return model.Event{}, false, nil
}

var t0 = time.Date(2024, 5, 8, 9, 0, 0, 0, time.UTC)

func newTestAlerter(s Store, cfg Config) (*Alerter, *testProvider, *time.Time) {
	p := &testProvider{}
	a := New(s, box, []notify.Provider{p}, cfg, 30*time.Second)
	now := t0
	a.now = func() time.Time { return now }
	return a, p, &now
}

func sensorOnly() Config {
	cfg := DefaultConfig()
	cfg.UploadStalled = nil
	return cfg
}

func uploadOnly() Config {
	cfg := DefaultConfig()
	cfg.SensorDown = nil
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg.SensorDown)
	require.NotNil(t, cfg.UploadStalled)
	assert.Equal(t, 5*time.Minute, cfg.SensorDown.GracePeriod)
	assert.Equal(t, "critical", cfg.SensorDown.Severity)
	assert.Equal(t, 2*time.Hour, cfg.UploadStalled.MaxLag)
	assert.Equal(t, "warning", cfg.UploadStalled.Severity)
}

func TestNew(t *testing.T) {
	a := New(&fakeStore{}, box, nil, DefaultConfig(), time.Minute)
	assert.Equal(t, "alerter", a.Name())
	assert.Equal(t, time.Minute, a.Interval())
	assert.NotNil(t, a.lastFired)
	assert.NotNil(t, a.sustained)
	assert.NotNil(t, a.active)
}

func TestSensorDown_NoStatusYet(t *testing.T) {
	a, p, _ := newTestAlerter(&fakeStore{}, sensorOnly())
	require.NoError(t, a.RunOnce(context.Background()))
	assert.Empty(t, p.sent)
}

func TestSensorDown_InactiveForGracePeriod(t *testing.T) {
	s := &fakeStore{}
	a, p, now := newTestAlerter(s, sensorOnly())
	ctx := context.Background()

	s.status = &model.ProcessStatus{BoxID: box, SensorStatus: false, TimeStamp: *now}
	require.NoError(t, a.RunOnce(ctx))
	assert.Empty(t, p.sent, "first inactive record only seeds the tracker")

	*now = now.Add(2 * time.Minute)
	s.status.TimeStamp = *now
	require.NoError(t, a.RunOnce(ctx))
	assert.Empty(t, p.sent)

	*now = now.Add(4 * time.Minute)
	s.status.TimeStamp = *now
	require.NoError(t, a.RunOnce(ctx))
	require.Len(t, p.sent, 1)
	assert.Equal(t, SensorDown, p.sent[0].AlertType)
	assert.Equal(t, "critical", p.sent[0].Severity)
	assert.Equal(t, box, p.sent[0].BoxID)
	assert.False(t, p.sent[0].Resolved)

	// Within cooldown: suppressed.
	*now = now.Add(time.Minute)
	s.status.TimeStamp = *now
	require.NoError(t, a.RunOnce(ctx))
	assert.Len(t, p.sent, 1)

	// Sensor back: one resolved notification.
	*now = now.Add(time.Minute)
	s.status = &model.ProcessStatus{BoxID: box, SensorStatus: true, TimeStamp: *now}
	require.NoError(t, a.RunOnce(ctx))
	require.Len(t, p.sent, 2)
	assert.True(t, p.sent[1].Resolved)
	assert.Equal(t, "info", p.sent[1].Severity)
	assert.Contains(t, p.sent[1].Title, "Resolved")
	assert.Empty(t, a.sustained)

	require.NoError(t, a.RunOnce(ctx))
	assert.Len(t, p.sent, 2, "resolved is sent once")
}

func TestSensorDown_RecoversBeforeGracePeriod(t *testing.T) {
	s := &fakeStore{status: &model.ProcessStatus{BoxID: box, SensorStatus: false, TimeStamp: t0}}
	a, p, now := newTestAlerter(s, sensorOnly())
	ctx := context.Background()

	require.NoError(t, a.RunOnce(ctx))
	*now = now.Add(time.Minute)
	s.status = &model.ProcessStatus{BoxID: box, SensorStatus: true, TimeStamp: *now}
	require.NoError(t, a.RunOnce(ctx))

	assert.Empty(t, p.sent)
	assert.Empty(t, a.sustained)
}

func TestSensorDown_StatusTooOld(t *testing.T) {
	s := &fakeStore{status: &model.ProcessStatus{BoxID: box, SensorStatus: true, TimeStamp: t0}}
	a, p, now := newTestAlerter(s, sensorOnly())
	*now = t0.Add(10 * time.Minute)

	require.NoError(t, a.RunOnce(context.Background()))
	require.Len(t, p.sent, 1)
	assert.Contains(t, p.sent[0].Title, "Silent")
	assert.Equal(t, t0.Format(time.RFC3339), p.sent[0].Metadata["last_status"])
}

func TestUploadStalled(t *testing.T) {
	s := &fakeStore{events: []model.Event{
		{ID: 1, BoxID: box, TimeSeen: t0},
		{ID: 2, BoxID: box, TimeSeen: t0.Add(3 * time.Hour)},
	}}
	a, p, now := newTestAlerter(s, uploadOnly())
	ctx := context.Background()

	*now = t0.Add(time.Hour)
	require.NoError(t, a.RunOnce(ctx))
	assert.Empty(t, p.sent, "lag below max_lag")
	assert.Equal(t, int64(0), s.afterSeen)

	*now = t0.Add(3 * time.Hour)
	require.NoError(t, a.RunOnce(ctx))
	require.Len(t, p.sent, 1)
	assert.Equal(t, UploadStalled, p.sent[0].AlertType)
	assert.Equal(t, "warning", p.sent[0].Severity)
	assert.Equal(t, "3h0m0s", p.sent[0].Metadata["lag"])
	assert.Equal(t, "1", p.sent[0].Metadata["event_id"])

	// The uploader caught up past event 1; event 2 is fresh.
	cursor := int64(1)
	s.settings.EventsUploadedUntil = &cursor
	require.NoError(t, a.RunOnce(ctx))
	assert.Equal(t, int64(1), s.afterSeen)
	require.Len(t, p.sent, 2)
	assert.True(t, p.sent[1].Resolved)
}

func TestUploadStalled_NothingPending(t *testing.T) {
	a, p, _ := newTestAlerter(&fakeStore{}, uploadOnly())
	require.NoError(t, a.RunOnce(context.Background()))
	assert.Empty(t, p.sent)
}

func TestRunOnce_StoreError(t *testing.T) {
	a, p, _ := newTestAlerter(&fakeStore{err: errors.New("database is locked")}, DefaultConfig())
	err := a.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Empty(t, p.sent)
}

func TestRunOnce_NoRules(t *testing.T) {
	a, p, _ := newTestAlerter(&fakeStore{err: errors.New("unused")}, Config{})
	require.NoError(t, a.RunOnce(context.Background()))
	assert.Empty(t, p.sent)
}

func TestFire_Deduplication(t *testing.T) {
	a, p, _ := newTestAlerter(&fakeStore{}, Config{})
	ctx := context.Background()
	notif := model.Notification{AlertType: "test", Severity: "warning", Title: "test", Message: "test msg", BoxID: box}

	a.fire(ctx, t0, "dedup", time.Hour, notif)
	require.Len(t, p.sent, 1)

	a.fire(ctx, t0.Add(30*time.Minute), "dedup", time.Hour, notif)
	assert.Len(t, p.sent, 1)

	a.fire(ctx, t0.Add(61*time.Minute), "dedup", time.Hour, notif)
	assert.Len(t, p.sent, 2)
}

func TestFire_ProviderErrorDoesNotStopOthers(t *testing.T) {
	failing := &testProvider{err: errors.New("unreachable")}
	ok := &testProvider{}
	a := New(&fakeStore{}, box, []notify.Provider{failing, ok}, Config{}, time.Minute)

	a.fire(context.Background(), t0, "k", time.Hour, model.Notification{AlertType: "test"})
	assert.Len(t, failing.sent, 1)
	assert.Len(t, ok.sent, 1)
}

func TestResolve_NotFiring(t *testing.T) {
	a, p, _ := newTestAlerter(&fakeStore{}, Config{})
	a.resolve(context.Background(), t0, "never-fired")
	assert.Empty(t, p.sent)
}
