package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/darshan-rambhia/tally/internal/kpi"
	"github.com/darshan-rambhia/tally/internal/model"
	"github.com/darshan-rambhia/tally/internal/store"
)

// @Summary Box KPIs
// @Description Returns derived figures of a box: running since, seen per day, busiest hour and weekday, stasis
// @Produce json
// @Param box_id path string true "Box id"
// @Success 200 {object} model.KPI
// @Failure 500 {object} errorResponse
// @Router /api/kpis/{box_id} [get]
func (s *Server) handleKPIs(w http.ResponseWriter, r *http.Request) {
	boxID := r.PathValue("box_id")
	if k, ok := s.cache.KPI(boxID, s.opts.KPIMaxAge); ok {
		writeJSON(w, r, k)
		return
	}
	k, err := kpi.Compute(r.Context(), s.store, boxID, s.opts.Location)
	if err != nil {
		slog.Error("computing KPIs", "box_id", boxID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	s.cache.SetKPI(boxID, k)
	writeJSON(w, r, k)
}

// parseTime accepts RFC 3339 or unix seconds.
func parseTime(v string) (time.Time, error) {
	if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return t, nil
}

// @Summary Observables seen by a box
// @Description Returns the distinct observables a box recorded events for in [start, end). Defaults to the last hour.
// @Produce json
// @Param box_id path string true "Box id"
// @Param start query string false "Window start (RFC 3339 or unix seconds)"
// @Param end query string false "Window end (RFC 3339 or unix seconds)"
// @Success 200 {array} model.Observable
// @Failure 400 {object} errorResponse
// @Failure 500 {object} errorResponse
// @Router /api/boxes/{box_id}/observables [get]
func (s *Server) handleObservablesSeen(w http.ResponseWriter, r *http.Request) {
	boxID := r.PathValue("box_id")
	q := r.URL.Query()

	end := time.Now()
	if v := q.Get("end"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		end = t
	}
	start := end.Add(-time.Hour)
	if v := q.Get("start"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		start = t
	}
	if !start.Before(end) {
		writeError(w, r, http.StatusBadRequest, "start must be before end")
		return
	}

	seen, err := s.store.UniqueObservableIDsSeen(r.Context(), boxID, start, end)
	if err != nil {
		slog.Error("querying observables seen", "box_id", boxID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	observables, err := s.store.ObservablesByID(r.Context(), ids)
	if err != nil {
		slog.Error("loading observables", "box_id", boxID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if observables == nil {
		observables = []model.Observable{}
	}
	writeJSON(w, r, observables)
}

// @Summary Hourly aggregates of a box
// @Produce json
// @Param box_id path string true "Box id"
// @Success 200 {array} model.HourlyAggregate
// @Failure 500 {object} errorResponse
// @Router /api/boxes/{box_id}/seen-by-hour [get]
func (s *Server) handleSeenByHour(w http.ResponseWriter, r *http.Request) {
	boxID := r.PathValue("box_id")
	rows, err := s.store.HourlyAggregates(r.Context(), boxID)
	if err != nil {
		slog.Error("querying hourly aggregates", "box_id", boxID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if rows == nil {
		rows = []model.HourlyAggregate{}
	}
	writeJSON(w, r, rows)
}

// @Summary Events of an observable
// @Produce json
// @Param observable_id path string true "Observable id"
// @Success 200 {array} model.Event
// @Failure 404 {object} errorResponse
// @Failure 500 {object} errorResponse
// @Router /api/observables/{observable_id}/events [get]
func (s *Server) handleObservableEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("observable_id")
	if !s.observableExists(w, r, id) {
		return
	}
	events, err := s.store.ObservableEvents(r.Context(), id)
	if err != nil {
		slog.Error("querying observable events", "observable_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, r, events)
}

// @Summary Hourly series of an observable
// @Description Per hour: how often the observable was seen, its mean value and the packets captured
// @Produce json
// @Param observable_id path string true "Observable id"
// @Success 200 {array} model.SeriesPoint
// @Failure 404 {object} errorResponse
// @Failure 500 {object} errorResponse
// @Router /api/observables/{observable_id}/hourly [get]
func (s *Server) handleObservableHourly(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("observable_id")
	if !s.observableExists(w, r, id) {
		return
	}
	points, err := s.store.ObservableHourlySeries(r.Context(), id, s.opts.Location)
	if err != nil {
		slog.Error("querying observable series", "observable_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if points == nil {
		points = []model.SeriesPoint{}
	}
	writeJSON(w, r, points)
}

func (s *Server) observableExists(w http.ResponseWriter, r *http.Request, id string) bool {
	_, err := s.store.Observable(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "unknown observable")
		return false
	}
	if err != nil {
		slog.Error("looking up observable", "observable_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "Internal Server Error")
		return false
	}
	return true
}

// @Summary Average observables per day, per box
// @Description Mean daily count of distinct observables for every registered box, ignoring days without any
// @Produce json
// @Success 200 {array} model.BoxAverage
// @Failure 500 {object} errorResponse
// @Router /api/boxes/averages [get]
func (s *Server) handleBoxAverages(w http.ResponseWriter, r *http.Request) {
	avgs, err := kpi.BoxAverages(r.Context(), s.store)
	if err != nil {
		slog.Error("computing box averages", "error", err)
		writeError(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, r, avgs)
}

// @Summary Health check
// @Description Returns service health and the last run of every pipeline task
// @Produce json
// @Success 200 {object} map[string]interface{} "Health status"
// @Router /healthz [get]
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.cache.Snapshot()

	status := "ok"
	tasks := make(map[string]map[string]string, len(snap.LastRun))
	for name, run := range snap.LastRun {
		t := map[string]string{"last_run": fmt.Sprintf("%ds ago", int(time.Since(run.At).Seconds()))}
		if run.Error != "" {
			t["error"] = run.Error
			status = "degraded"
		}
		tasks[name] = t
	}
	writeJSON(w, r, map[string]any{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"tasks":     tasks,
	})
}
