package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	name     string
	interval time.Duration
	calls    atomic.Int32
	err      error
}

func (f *fakeTask) Name() string            { return f.name }
func (f *fakeTask) Interval() time.Duration { return f.interval }
func (f *fakeTask) RunOnce(context.Context) error {
	f.calls.Add(1)
	return f.err
}

type recordingHeartbeat struct {
	mu   sync.Mutex
	runs map[string]int
	errs int
}

func (r *recordingHeartbeat) SetLastRun(task string, _ time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = make(map[string]int)
	}
	r.runs[task]++
	if err != nil {
		r.errs++
	}
}

func TestSleepDuration(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		elapsed  time.Duration
		want     time.Duration
	}{
		{"no work", 60 * time.Second, 0, 60 * time.Second},
		{"partial", 60 * time.Second, 15 * time.Second, 45 * time.Second},
		{"overran once", 60 * time.Second, 75 * time.Second, 45 * time.Second},
		{"exact multiple", 10 * time.Second, 20 * time.Second, 10 * time.Second},
		{"negative elapsed", 10 * time.Second, -time.Second, 10 * time.Second},
		{"zero interval", 0, time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SleepDuration(tt.interval, tt.elapsed))
		})
	}
}

func TestRun_RunsImmediatelyAndRepeats(t *testing.T) {
	task := &fakeTask{name: "fake", interval: 10 * time.Millisecond}
	hb := &recordingHeartbeat{}

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	err := Run(ctx, task, hb)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, task.calls.Load(), int32(2))

	hb.mu.Lock()
	defer hb.mu.Unlock()
	assert.Equal(t, int(task.calls.Load()), hb.runs["fake"])
}

func TestRun_ContinuesAfterFailure(t *testing.T) {
	task := &fakeTask{name: "failing", interval: 5 * time.Millisecond, err: errors.New("boom")}
	hb := &recordingHeartbeat{}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	err := Run(ctx, task, hb)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, task.calls.Load(), int32(2))

	hb.mu.Lock()
	defer hb.mu.Unlock()
	assert.Equal(t, hb.runs["failing"], hb.errs)
}

func TestRun_CancelledContext(t *testing.T) {
	task := &fakeTask{name: "idle", interval: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, task, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
