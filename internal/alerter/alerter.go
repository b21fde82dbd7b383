// Package alerter evaluates alert rules against the box's local store.
package alerter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/darshan-rambhia/tally/internal/model"
	"github.com/darshan-rambhia/tally/internal/notify"
)

// Alert types.
const (
	SensorDown    = "sensor_down"
	UploadStalled = "upload_stalled"
)

// Config holds the enabled alert rules. A nil rule is disabled.
type Config struct {
	SensorDown    *SensorDownRule
	UploadStalled *UploadStalledRule
}

// SensorDownRule triggers when the sensing process has been inactive for
// GracePeriod, or has not reported a status for that long.
type SensorDownRule struct {
	GracePeriod time.Duration
	Severity    string
	Cooldown    time.Duration
}

// UploadStalledRule triggers when the oldest event not yet acknowledged by
// the server is older than MaxLag.
type UploadStalledRule struct {
	MaxLag   time.Duration
	Severity string
	Cooldown time.Duration
}

// DefaultConfig returns sensible alert defaults.
func DefaultConfig() Config {
	return Config{
		SensorDown: &SensorDownRule{
			GracePeriod: 5 * time.Minute, Severity: "critical", Cooldown: 30 * time.Minute,
		},
		UploadStalled: &UploadStalledRule{
			MaxLag: 2 * time.Hour, Severity: "warning", Cooldown: 6 * time.Hour,
		},
	}
}

// Store is the read access the alerter needs.
type Store interface {
	LatestStatus(ctx context.Context, boxID string) (model.ProcessStatus, bool, error)
	BoxSettings(ctx context.Context) (model.BoxSettings, error)
	OldestEventAfter(ctx context.Context, boxID string, afterID int64) (model.Event, bool, error)
}

// Alerter evaluates rules and sends notifications.
type Alerter struct {
	store     Store
	boxID     string
	providers []notify.Provider
	config    Config
	interval  time.Duration
	now       func() time.Time

	// Deduplication: maps alert key → last fired time
	lastFired map[string]time.Time

	// Track sustained conditions: maps alert key → first observed time
	sustained map[string]time.Time

	// Alerts that fired and have not resolved yet
	active map[string]model.Notification
}

// New creates a new alerter for one box.
func New(s Store, boxID string, providers []notify.Provider, cfg Config, interval time.Duration) *Alerter {
	return &Alerter{
		store:     s,
		boxID:     boxID,
		providers: providers,
		config:    cfg,
		interval:  interval,
		now:       time.Now,
		lastFired: make(map[string]time.Time),
		sustained: make(map[string]time.Time),
		active:    make(map[string]model.Notification),
	}
}

func (a *Alerter) Name() string            { return "alerter" }
func (a *Alerter) Interval() time.Duration { return a.interval }

// RunOnce evaluates every enabled rule once.
func (a *Alerter) RunOnce(ctx context.Context) error {
	now := a.now()
	var errs []string

	if a.config.SensorDown != nil {
		if err := a.checkSensorDown(ctx, now); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if a.config.UploadStalled != nil {
		if err := a.checkUploadStalled(ctx, now); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("evaluating alerts: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (a *Alerter) checkSensorDown(ctx context.Context, now time.Time) error {
	rule := a.config.SensorDown
	st, ok, err := a.store.LatestStatus(ctx, a.boxID)
	if err != nil {
		return err
	}
	if !ok {
		// Nothing reported yet; the status monitor has not run.
		return nil
	}

	key := SensorDown + ":" + a.boxID
	silent := now.Sub(st.TimeStamp)
	switch {
	case silent > rule.GracePeriod:
		a.fire(ctx, now, key, rule.Cooldown, model.Notification{
			AlertType: SensorDown,
			Severity:  rule.Severity,
			Title:     fmt.Sprintf("Sensor Silent: %s", a.boxID),
			Message:   fmt.Sprintf("[%s] no sensing status for %s", a.boxID, silent.Truncate(time.Second)),
			BoxID:     a.boxID,
			Timestamp: now,
			Metadata:  map[string]string{"last_status": st.TimeStamp.Format(time.RFC3339)},
		})
	case !st.SensorStatus:
		first, seen := a.sustained[key]
		if !seen {
			a.sustained[key] = now
			return nil
		}
		if now.Sub(first) >= rule.GracePeriod {
			a.fire(ctx, now, key, rule.Cooldown, model.Notification{
				AlertType: SensorDown,
				Severity:  rule.Severity,
				Title:     fmt.Sprintf("Sensor Down: %s", a.boxID),
				Message:   fmt.Sprintf("[%s] sensing process inactive since %s", a.boxID, first.Format(time.RFC3339)),
				BoxID:     a.boxID,
				Timestamp: now,
			})
		}
	default:
		delete(a.sustained, key)
		a.resolve(ctx, now, key)
	}
	return nil
}

func (a *Alerter) checkUploadStalled(ctx context.Context, now time.Time) error {
	rule := a.config.UploadStalled
	bs, err := a.store.BoxSettings(ctx)
	if err != nil {
		return err
	}
	var after int64
	if bs.EventsUploadedUntil != nil {
		after = *bs.EventsUploadedUntil
	}
	e, ok, err := a.store.OldestEventAfter(ctx, a.boxID, after)
	if err != nil {
		return err
	}

	key := UploadStalled + ":" + a.boxID
	if !ok || now.Sub(e.TimeSeen) <= rule.MaxLag {
		a.resolve(ctx, now, key)
		return nil
	}
	lag := now.Sub(e.TimeSeen).Truncate(time.Minute)
	a.fire(ctx, now, key, rule.Cooldown, model.Notification{
		AlertType: UploadStalled,
		Severity:  rule.Severity,
		Title:     fmt.Sprintf("Upload Stalled: %s", a.boxID),
		Message:   fmt.Sprintf("[%s] oldest pending event is %s old (server %s)", a.boxID, lag, bs.ServerURL),
		BoxID:     a.boxID,
		Timestamp: now,
		Metadata:  map[string]string{"lag": lag.String(), "event_id": fmt.Sprintf("%d", e.ID)},
	})
	return nil
}

func (a *Alerter) fire(ctx context.Context, now time.Time, key string, cooldown time.Duration, notif model.Notification) {
	a.active[key] = notif
	if last, ok := a.lastFired[key]; ok && now.Sub(last) < cooldown {
		return // still in cooldown
	}
	a.lastFired[key] = now
	a.send(ctx, notif)

	slog.Warn("alert fired",
		"type", notif.AlertType,
		"severity", notif.Severity,
		"box_id", notif.BoxID,
		"title", notif.Title,
	)
}

// resolve sends a resolved notification if key was firing.
func (a *Alerter) resolve(ctx context.Context, now time.Time, key string) {
	notif, ok := a.active[key]
	if !ok {
		return
	}
	delete(a.active, key)
	delete(a.lastFired, key)

	notif.Resolved = true
	notif.Severity = "info"
	notif.Title = "Resolved: " + notif.Title
	notif.Timestamp = now
	a.send(ctx, notif)
	slog.Info("alert resolved", "type", notif.AlertType, "box_id", notif.BoxID)
}

func (a *Alerter) send(ctx context.Context, notif model.Notification) {
	for _, p := range a.providers {
		if err := p.Send(ctx, notif); err != nil {
			slog.Error("sending notification", "provider", p.Name(), "alert", notif.AlertType, "error", err)
		}
	}
}
