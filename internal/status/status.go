// Package status records whether the sensing process is alive.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/darshan-rambhia/tally/internal/metrics"
	"github.com/darshan-rambhia/tally/internal/model"
	"github.com/darshan-rambhia/tally/internal/store"
)

// Prober reports whether the sensing process is currently running.
type Prober interface {
	Active() bool
}

// Monitor appends one ProcessStatus row per tick.
type Monitor struct {
	store    *store.Store
	boxID    string
	probe    Prober
	interval time.Duration
	now      func() time.Time
	wasUp    *bool
}

func New(s *store.Store, boxID string, probe Prober, interval time.Duration) *Monitor {
	return &Monitor{store: s, boxID: boxID, probe: probe, interval: interval, now: time.Now}
}

func (m *Monitor) Name() string            { return "status" }
func (m *Monitor) Interval() time.Duration { return m.interval }

func (m *Monitor) RunOnce(ctx context.Context) error {
	active := m.probe.Active()
	if active {
		metrics.SensorActive.Set(1)
	} else {
		metrics.SensorActive.Set(0)
	}
	if m.wasUp == nil || *m.wasUp != active {
		slog.Info("sensor status changed", "box_id", m.boxID, "active", active)
		m.wasUp = &active
	}

	_, err := m.store.InsertStatus(ctx, model.ProcessStatus{
		BoxID:        m.boxID,
		SensorStatus: active,
		TimeStamp:    m.now().Truncate(time.Second),
	})
	if err != nil {
		return fmt.Errorf("recording sensor status: %w", err)
	}
	return nil
}
