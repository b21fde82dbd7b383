package sensing

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/darshan-rambhia/tally/internal/model"
)

const airodumpTimeLayout = "2006-01-02 15:04:05"

// airodump reads the station section of airodump-ng CSV output.
type airodump struct {
	opts Options
}

func newAirodump(opts Options) *airodump {
	if len(opts.Command) == 0 {
		opts.Command = []string{
			"airodump-ng", "--output-format", "csv", "--write-interval", "5",
			"--write", opts.FilePrefix, "wlan0mon",
		}
	}
	return &airodump{opts: opts}
}

func (a *airodump) Name() string { return "airodump" }

// StartSensing launches the capture command inside scratchDir.
func (a *airodump) StartSensing(ctx context.Context, scratchDir string) (Handle, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, a.opts.Command[0], a.opts.Command[1:]...)
	cmd.Dir = scratchDir
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", a.opts.Command[0], err)
	}
	slog.Info("capture started", "command", a.opts.Command[0], "pid", cmd.Process.Pid, "dir", scratchDir)

	h := &processHandle{cancel: cancel, done: make(chan struct{})}
	h.running.Store(true)
	go func() {
		err := cmd.Wait()
		h.running.Store(false)
		h.err = err
		close(h.done)
		if err != nil && ctx.Err() == nil {
			slog.Error("capture exited", "command", a.opts.Command[0], "error", err)
		}
	}()
	return h, nil
}

// LatestReading parses the newest CSV in scratchDir.
func (a *airodump) LatestReading(_ context.Context, scratchDir string) ([]model.RawSighting, error) {
	path, err := newestFile(scratchDir, a.opts.FilePrefix)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sightings, err := parseAirodumpCSV(f, a.opts.Location)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return finish(sightings, a.opts), nil
}

// parseAirodumpCSV extracts station rows. The file starts with an access point
// section; stations follow a "Station MAC" header row. Rows that cannot be
// parsed are skipped.
func parseAirodumpCSV(r io.Reader, loc *time.Location) ([]model.RawSighting, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	var (
		out      []model.RawSighting
		stations bool
		skipped  int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 0 {
			continue
		}
		if !stations {
			stations = strings.TrimSpace(rec[0]) == "Station MAC"
			continue
		}
		s, ok := parseStationRow(rec, loc)
		if !ok {
			skipped++
			continue
		}
		out = append(out, s)
	}
	if skipped > 0 {
		slog.Debug("skipped unparsable station rows", "count", skipped)
	}
	return out, nil
}

// Station columns: MAC, first seen, last seen, power, packets, BSSID, probed ESSIDs...
func parseStationRow(rec []string, loc *time.Location) (model.RawSighting, bool) {
	if len(rec) < 6 {
		return model.RawSighting{}, false
	}
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}
	mac := rec[0]
	if mac == "" {
		return model.RawSighting{}, false
	}
	seen, err := time.ParseInLocation(airodumpTimeLayout, rec[2], loc)
	if err != nil {
		return model.RawSighting{}, false
	}
	power, err := strconv.ParseFloat(rec[3], 64)
	if err != nil {
		return model.RawSighting{}, false
	}
	packets, err := strconv.ParseInt(rec[4], 10, 64)
	if err != nil || packets < 0 {
		return model.RawSighting{}, false
	}

	s := model.RawSighting{
		ObservableID:  strings.ToLower(mac),
		TimeSeen:      seen,
		Value:         power,
		TotalPackets:  packets,
		AccessPointID: rec[5],
	}
	var probed []string
	for _, essid := range rec[6:] {
		if essid != "" {
			probed = append(probed, essid)
		}
	}
	if len(probed) > 0 {
		s.Observations = map[string]any{"probed_essids": probed}
	}
	return s, true
}

type processHandle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	err     error
}

func (h *processHandle) Active() bool { return h.running.Load() }

// Stop terminates the capture and waits for it to exit.
func (h *processHandle) Stop() error {
	h.cancel()
	<-h.done
	return nil
}
