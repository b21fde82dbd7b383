// Package sensing defines the contract between Tally and the process that
// observes devices, and the backends compiled into the binary.
package sensing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/darshan-rambhia/tally/internal/model"
)

// ErrNoReading is returned when the scratch directory holds no export yet.
var ErrNoReading = errors.New("no sensor export found")

// Sensor is a sensing backend. StartSensing launches whatever long-running
// capture the backend needs; LatestReading returns the sightings currently
// reported by it, which may repeat rows already returned on earlier calls.
type Sensor interface {
	Name() string
	StartSensing(ctx context.Context, scratchDir string) (Handle, error)
	LatestReading(ctx context.Context, scratchDir string) ([]model.RawSighting, error)
}

// Handle is a running capture.
type Handle interface {
	Active() bool
	Stop() error
}

// Options configures a backend.
type Options struct {
	FilePrefix string
	Command    []string
	MinPower   *float64
	Location   *time.Location
	Hasher     *Hasher
	// StaleAfter marks a file export inactive when it has not been
	// written for this long.
	StaleAfter time.Duration
}

// New returns the backend registered under name.
func New(name string, opts Options) (Sensor, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	switch name {
	case "airodump":
		return newAirodump(opts), nil
	case "file":
		return newFileExport(opts), nil
	default:
		return nil, fmt.Errorf("unknown sensor type %q", name)
	}
}

// newestFile returns the file in dir with the given prefix and a .csv suffix
// that has the highest trailing sequence number. Capture tools number their
// rotating outputs, and the numbers outgrow their zero padding (-99, -100),
// so names are compared by number before falling back to the name itself.
func newestFile(dir, prefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".csv") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w in %s with prefix %s", ErrNoReading, dir, prefix)
	}
	newest := slices.MaxFunc(names, func(a, b string) int {
		return cmp.Or(cmp.Compare(fileSeq(a), fileSeq(b)), strings.Compare(a, b))
	})
	return filepath.Join(dir, newest), nil
}

// fileSeq returns the number right before the .csv suffix, or -1.
func fileSeq(name string) int {
	base := strings.TrimSuffix(name, ".csv")
	i := len(base)
	for i > 0 && base[i-1] >= '0' && base[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(base[i:])
	if err != nil {
		return -1
	}
	return n
}

// finish applies the power filter and id hashing shared by all backends.
func finish(sightings []model.RawSighting, opts Options) []model.RawSighting {
	out := sightings[:0]
	for _, s := range sightings {
		if opts.MinPower != nil && s.Value < *opts.MinPower {
			continue
		}
		if opts.Hasher != nil {
			s.ObservableID = opts.Hasher.Hash(s.ObservableID)
		}
		out = append(out, s)
	}
	if dropped := len(sightings) - len(out); dropped > 0 {
		slog.Debug("filtered weak sightings", "dropped", dropped)
	}
	return out
}
