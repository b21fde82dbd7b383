package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/darshan-rambhia/tally/internal/metrics"
	"github.com/darshan-rambhia/tally/internal/model"
	"github.com/darshan-rambhia/tally/internal/store"
	"github.com/darshan-rambhia/tally/internal/validation"
)

// maxUploadBytes bounds a single upload request body.
const maxUploadBytes = 32 << 20

// errBoxMismatch is returned when a record names a different box than the URL.
var errBoxMismatch = errors.New("record box_id does not match request box_id")

// badRequest marks receiver errors caused by the payload.
type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

// receiveFunc decodes and stores one upload. It runs inside the request's
// transaction and returns the number of records stored.
type receiveFunc func(r *http.Request, tx *store.Tx, boxID string, body []byte) (int, error)

// boxDataReceiver wraps an upload endpoint with the checks shared by all of
// them: method, token, box registration, then a single transaction.
func (s *Server) boxDataReceiver(kind string, fn receiveFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := s.receive(w, r, kind, fn)
		metrics.ReceivedTotal.WithLabelValues(kind, strconv.Itoa(code)).Inc()
	}
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request, kind string, fn receiveFunc) int {
	boxID := r.PathValue("box_id")
	fail := func(code int, msg string) int {
		writeError(w, r, code, msg)
		return code
	}

	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		slog.Warn("upload with wrong method", "kind", kind, "method", r.Method, "box_id", boxID)
		return fail(http.StatusBadRequest, "only POST is allowed")
	}

	token := r.Header.Get("Authorization")
	if token == "" {
		slog.Warn("upload without token", "kind", kind, "box_id", boxID)
		return fail(http.StatusForbidden, "forbidden")
	}
	box, err := s.store.Box(r.Context(), boxID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Error("upload for unknown box", "kind", kind, "box_id", boxID)
		return fail(http.StatusNotFound, "no box")
	}
	if err != nil {
		slog.Error("looking up box", "box_id", boxID, "error", err)
		return fail(http.StatusInternalServerError, "Internal Server Error")
	}
	if token != box.UploadToken {
		slog.Warn("upload with wrong token", "kind", kind, "box_id", boxID)
		return fail(http.StatusForbidden, "forbidden")
	}

	body, err := readBody(w, r)
	if err != nil {
		return fail(http.StatusBadRequest, err.Error())
	}

	var n int
	err = s.store.WithTx(r.Context(), func(tx *store.Tx) error {
		var err error
		n, err = fn(r, tx, boxID, body)
		return err
	})
	var bad badRequest
	switch {
	case errors.As(err, &bad):
		slog.Error("rejected upload", "kind", kind, "box_id", boxID, "error", err)
		return fail(http.StatusBadRequest, err.Error())
	case err != nil:
		slog.Error("storing upload", "kind", kind, "box_id", boxID, "error", err)
		return fail(http.StatusInternalServerError, "Internal Server Error")
	}

	slog.Info("received upload", "kind", kind, "box_id", boxID, "records", n)
	writeJSON(w, r, map[string]any{"status": "ok", "received": n})
	return http.StatusOK
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}
	return raw, nil
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest{fmt.Errorf("decoding payload: %w", err)}
	}
	return nil
}

func checkBox(kind string, i int, got, want string) error {
	if got != want {
		return badRequest{fmt.Errorf("%s[%d]: %w (%q != %q)", kind, i, errBoxMismatch, got, want)}
	}
	return nil
}

// @Summary Receive events
// @Description Stores raw events and the observables they reference, sent by a box
// @Accept json
// @Produce json
// @Param box_id path string true "Box id"
// @Param Authorization header string true "Upload token of the box"
// @Param payload body model.EventsPayload true "Events and devices"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} errorResponse
// @Failure 403 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Router /api/postEvents/{box_id}/ [post]
func (s *Server) receiveEvents(r *http.Request, tx *store.Tx, boxID string, body []byte) (int, error) {
	var p model.EventsPayload
	if err := decode(body, &p); err != nil {
		return 0, err
	}
	if err := validation.Each("devices", p.Devices); err != nil {
		return 0, badRequest{err}
	}
	if err := validation.Each("events", p.Events); err != nil {
		return 0, badRequest{err}
	}
	for i, e := range p.Events {
		if err := checkBox("events", i, e.BoxID, boxID); err != nil {
			return 0, err
		}
	}

	ctx := r.Context()
	for _, d := range p.Devices {
		if err := tx.MergeObservable(ctx, d); err != nil {
			return 0, err
		}
	}
	for _, e := range p.Events {
		// Keeps the foreign key satisfied when a device was left out.
		if err := tx.MergeObservable(ctx, model.Observable{ID: e.ObservableID, TimeLastSeen: e.TimeSeen}); err != nil {
			return 0, err
		}
		if _, err := tx.UpsertEvent(ctx, e); err != nil {
			return 0, err
		}
	}
	return len(p.Events), nil
}

// @Summary Receive aggregations
// @Description Stores hourly and daily aggregates sent by a box
// @Accept json
// @Produce json
// @Param box_id path string true "Box id"
// @Param Authorization header string true "Upload token of the box"
// @Param payload body model.AggregationsPayload true "Hourly and daily aggregates"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} errorResponse
// @Failure 403 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Router /api/postAggregations/{box_id}/ [post]
func (s *Server) receiveAggregations(r *http.Request, tx *store.Tx, boxID string, body []byte) (int, error) {
	var p model.AggregationsPayload
	if err := decode(body, &p); err != nil {
		return 0, err
	}
	if err := validation.Each("seen_by_hour", p.SeenByHour); err != nil {
		return 0, badRequest{err}
	}
	if err := validation.Each("seen_by_day", p.SeenByDay); err != nil {
		return 0, badRequest{err}
	}
	for i, a := range p.SeenByHour {
		if err := checkBox("seen_by_hour", i, a.BoxID, boxID); err != nil {
			return 0, err
		}
	}
	for i, a := range p.SeenByDay {
		if err := checkBox("seen_by_day", i, a.BoxID, boxID); err != nil {
			return 0, err
		}
	}

	ctx := r.Context()
	for _, a := range p.SeenByHour {
		if err := tx.UpsertHourly(ctx, a); err != nil {
			return 0, err
		}
	}
	for _, a := range p.SeenByDay {
		if err := tx.UpsertDaily(ctx, a); err != nil {
			return 0, err
		}
	}
	s.cache.InvalidateKPI(boxID)
	return len(p.SeenByHour) + len(p.SeenByDay), nil
}

// @Summary Receive process status
// @Description Stores sensing process health-check records sent by a box
// @Accept json
// @Produce json
// @Param box_id path string true "Box id"
// @Param Authorization header string true "Upload token of the box"
// @Param payload body model.StatusPayload true "Status records"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} errorResponse
// @Failure 403 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Router /api/postTmuxStatus/{box_id}/ [post]
func (s *Server) receiveStatus(r *http.Request, tx *store.Tx, boxID string, body []byte) (int, error) {
	var p model.StatusPayload
	if err := decode(body, &p); err != nil {
		return 0, err
	}
	if err := validation.Each("tmux_statuss", p.TmuxStatuss); err != nil {
		return 0, badRequest{err}
	}
	for i, st := range p.TmuxStatuss {
		if err := checkBox("tmux_statuss", i, st.BoxID, boxID); err != nil {
			return 0, err
		}
	}
	for _, st := range p.TmuxStatuss {
		if err := tx.UpsertStatus(r.Context(), st); err != nil {
			return 0, err
		}
	}
	return len(p.TmuxStatuss), nil
}
