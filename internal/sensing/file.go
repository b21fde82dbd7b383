package sensing

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/darshan-rambhia/tally/internal/model"
)

// fileExport reads periodic scan exports written by an external process.
// Exports are CSV files with a header row naming at least observable_id,
// time_seen (RFC 3339) and total_packets; value and access_point_id are
// optional, and any other column is kept as an observation.
type fileExport struct {
	opts Options
	now  func() time.Time
}

func newFileExport(opts Options) *fileExport {
	return &fileExport{opts: opts, now: time.Now}
}

func (f *fileExport) Name() string { return "file" }

// StartSensing starts nothing; the handle reports whether exports are fresh.
func (f *fileExport) StartSensing(_ context.Context, scratchDir string) (Handle, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	return &exportHandle{f: f, dir: scratchDir}, nil
}

func (f *fileExport) LatestReading(_ context.Context, scratchDir string) ([]model.RawSighting, error) {
	path, err := newestFile(scratchDir, f.opts.FilePrefix)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer fh.Close()

	sightings, err := parseExportCSV(fh)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return finish(sightings, f.opts), nil
}

func parseExportCSV(r io.Reader) ([]model.RawSighting, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{"observable_id", "time_seen", "total_packets"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var (
		out     []model.RawSighting
		skipped int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		s, ok := parseExportRow(rec, header, cols)
		if !ok {
			skipped++
			continue
		}
		out = append(out, s)
	}
	if skipped > 0 {
		slog.Debug("skipped unparsable export rows", "count", skipped)
	}
	return out, nil
}

func parseExportRow(rec, header []string, cols map[string]int) (model.RawSighting, bool) {
	var s model.RawSighting
	s.ObservableID = strings.TrimSpace(rec[cols["observable_id"]])
	if s.ObservableID == "" {
		return s, false
	}
	seen, err := time.Parse(time.RFC3339, strings.TrimSpace(rec[cols["time_seen"]]))
	if err != nil {
		return s, false
	}
	s.TimeSeen = seen
	packets, err := strconv.ParseInt(strings.TrimSpace(rec[cols["total_packets"]]), 10, 64)
	if err != nil || packets < 0 {
		return s, false
	}
	s.TotalPackets = packets
	if i, ok := cols["value"]; ok && strings.TrimSpace(rec[i]) != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
		if err != nil {
			return s, false
		}
		s.Value = v
	}
	if i, ok := cols["access_point_id"]; ok {
		s.AccessPointID = strings.TrimSpace(rec[i])
	}
	for i, h := range header {
		switch h = strings.TrimSpace(h); h {
		case "observable_id", "time_seen", "total_packets", "value", "access_point_id":
			continue
		}
		if v := strings.TrimSpace(rec[i]); v != "" {
			if s.Observations == nil {
				s.Observations = make(map[string]any)
			}
			s.Observations[strings.TrimSpace(h)] = v
		}
	}
	return s, true
}

type exportHandle struct {
	f   *fileExport
	dir string
}

// Active reports whether the newest export was written recently.
func (h *exportHandle) Active() bool {
	path, err := newestFile(h.dir, h.f.opts.FilePrefix)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return h.f.now().Sub(info.ModTime()) <= h.f.opts.StaleAfter
}

func (h *exportHandle) Stop() error { return nil }
