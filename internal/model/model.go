// Package model defines all shared domain types for Tally.
package model

import "time"

// Observable is a tracked real-world entity (usually a WiFi device),
// identified by a stable, possibly hashed, id.
type Observable struct {
	ID           string    `json:"id" validate:"required,max=128"`
	TimeLastSeen time.Time `json:"time_last_seen" validate:"required"`
}

// Event is one timestamped observation of an Observable by a box.
type Event struct {
	ID              int64          `json:"id"`
	BoxID           string         `json:"box_id" validate:"required"`
	ObservableID    string         `json:"observable_id" validate:"required,max=128"`
	TimeSeen        time.Time      `json:"time_seen" validate:"required"`
	Value           float64        `json:"value"` // signal power for WiFi sightings
	AccessPointID   string         `json:"access_point_id,omitempty"`
	TotalPackets    int64          `json:"total_packets" validate:"min=0"`
	PacketsCaptured int64          `json:"packets_captured" validate:"min=0"`
	Observations    map[string]any `json:"observations,omitempty"`
}

// RawSighting is one row as reported by a sensing backend. TotalPackets is
// the capture tool's cumulative counter, not a delta.
type RawSighting struct {
	ObservableID  string
	TimeSeen      time.Time
	Value         float64
	TotalPackets  int64
	AccessPointID string
	Observations  map[string]any
}

// HourlyAggregate counts distinct observables seen by a box in one hour.
type HourlyAggregate struct {
	BoxID                   string    `json:"box_id" validate:"required"`
	HourStart               time.Time `json:"hour_start" validate:"required"`
	Seen                    int       `json:"seen" validate:"min=0"`
	SeenAlsoInPrecedingHour int       `json:"seen_also_in_preceding_hour" validate:"min=0,ltefield=Seen"`
	ComputedAt              time.Time `json:"computed_at"`
}

// Final reports whether the row was computed after its hour had closed.
func (a HourlyAggregate) Final() bool {
	return !a.ComputedAt.Before(a.HourStart.Add(time.Hour))
}

// DailyAggregate counts distinct observables seen by a box in one day.
type DailyAggregate struct {
	BoxID                  string    `json:"box_id" validate:"required"`
	DayStart               time.Time `json:"day_start" validate:"required"`
	Seen                   int       `json:"seen" validate:"min=0"`
	SeenAlsoOnPrecedingDay int       `json:"seen_also_on_preceding_day" validate:"min=0,ltefield=Seen"`
	SeenAlsoAWeekEarlier   int       `json:"seen_also_a_week_earlier" validate:"min=0,ltefield=Seen"`
	ComputedAt             time.Time `json:"computed_at"`
}

// ProcessStatus is a health-check record of the sensing process.
type ProcessStatus struct {
	ID           int64     `json:"id"`
	BoxID        string    `json:"box_id" validate:"required"`
	SensorStatus bool      `json:"sensor_status"`
	TimeStamp    time.Time `json:"time_stamp" validate:"required"`
}

// BoxSettings is the singleton configuration row of a box. The *UploadedUntil
// fields are the upload cursors; nil means nothing was uploaded yet.
type BoxSettings struct {
	BoxID                     string
	ServerURL                 string
	UploadToken               string
	EventsUploadedUntil       *int64
	AggregationsUploadedUntil *time.Time
	StatusUploadedUntil       *int64
}

// Box is a server-side registry entry for a deployed box.
type Box struct {
	BoxID       string `json:"box_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	UploadToken string `json:"-"`
}

// SeriesPoint is one hourly bucket of a single observable's time series.
type SeriesPoint struct {
	Time            int64   `json:"time"`
	SeenCount       int     `json:"seen_count"`
	MeanValue       float64 `json:"mean_value"`
	PacketsCaptured int64   `json:"packets_captured"`
}

// HourlyBusyness is the peak hour of day and its margin over the mean.
type HourlyBusyness struct {
	HourOfDay              *int     `json:"hour_of_day"`
	NumObservables         *float64 `json:"num_observables"`
	NumObservablesMean     *float64 `json:"num_observables_mean"`
	PercentageMarginToMean *float64 `json:"percentage_margin_to_mean"`
}

// DailyBusyness is the peak weekday and its margin over the mean.
type DailyBusyness struct {
	Weekday                *string  `json:"weekday"`
	NumObservables         *float64 `json:"num_observables"`
	NumObservablesMean     *float64 `json:"num_observables_mean"`
	PercentageMarginToMean *float64 `json:"percentage_margin_to_mean"`
}

// Busyness groups peak-activity figures.
type Busyness struct {
	ByHour HourlyBusyness `json:"by_hour"`
	ByDay  DailyBusyness  `json:"by_day"`
}

// Stasis holds re-observation percentages.
type Stasis struct {
	ByHour *float64 `json:"by_hour"`
	ByDay  *float64 `json:"by_day"`
	ByWeek *float64 `json:"by_week"`
}

// KPI is the derived summary for one box. Any field may be nil when there is
// not enough aggregated data.
type KPI struct {
	BoxID        string     `json:"box_id"`
	RunningSince *time.Time `json:"running_since"`
	SeenPerDay   *float64   `json:"seen_per_day"`
	Busyness     Busyness   `json:"busyness"`
	Stasis       Stasis     `json:"stasis"`
}

// BoxAverage is the mean number of observables a registered box sees per day.
type BoxAverage struct {
	BoxID          string `json:"box_id"`
	BoxName        string `json:"box_name"`
	MeanSeenPerDay int    `json:"mean_seen_each_day"`
}

// Notification is a message sent to notification providers.
type Notification struct {
	AlertType string            `json:"alert_type"`
	Severity  string            `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	BoxID     string            `json:"box_id"`
	Timestamp time.Time         `json:"timestamp"`
	Resolved  bool              `json:"resolved"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EventsPayload is the body of an events upload. Devices holds every
// observable referenced by Events.
type EventsPayload struct {
	Devices []Observable `json:"devices"`
	Events  []Event      `json:"events"`
}

// AggregationsPayload is the body of an aggregations upload.
type AggregationsPayload struct {
	SeenByHour []HourlyAggregate `json:"seen_by_hour"`
	SeenByDay  []DailyAggregate  `json:"seen_by_day"`
}

// StatusPayload is the body of a process status upload.
type StatusPayload struct {
	TmuxStatuss []ProcessStatus `json:"tmux_statuss"`
}
