package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/darshan-rambhia/tally/internal/aggregate"
	"github.com/darshan-rambhia/tally/internal/alerter"
	"github.com/darshan-rambhia/tally/internal/api"
	"github.com/darshan-rambhia/tally/internal/cache"
	"github.com/darshan-rambhia/tally/internal/config"
	"github.com/darshan-rambhia/tally/internal/model"
	"github.com/darshan-rambhia/tally/internal/notify"
	"github.com/darshan-rambhia/tally/internal/reconcile"
	"github.com/darshan-rambhia/tally/internal/schedule"
	"github.com/darshan-rambhia/tally/internal/sensing"
	"github.com/darshan-rambhia/tally/internal/status"
	"github.com/darshan-rambhia/tally/internal/store"
	"github.com/darshan-rambhia/tally/internal/upload"
)

// @title Tally API
// @version 1.0
// @description Upload receivers and read-only queries for device presence counts.
// @BasePath /

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

const (
	alertInterval = 30 * time.Second
	kpiMaxAge     = time.Minute
)

// buildInfo returns version, commit, build time, and VCS details from the
// embedded Go build info. ldflags-injected values take priority; VCS info
// from debug.ReadBuildInfo fills in anything left as default.
func buildInfo() (ver, sha, built, dirty string) {
	ver = version
	sha = commit
	built = buildTime
	dirty = "clean"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if sha == "none" {
				sha = s.Value
			}
		case "vcs.time":
			if built == "unknown" {
				built = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "dirty"
			}
		}
	}

	return
}

func main() {
	configPath := flag.String("config", "", "path to tally.yml config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	ver, sha, built, dirty := buildInfo()

	if *showVersion {
		fmt.Printf("tally %s\n  commit:    %s (%s)\n  built:     %s\n  go:        %s\n  platform:  %s/%s\n",
			ver, sha, dirty, built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigFileNotFound) {
			fmt.Fprintf(os.Stderr, "error: %s\n\n", err)
			fmt.Fprintf(os.Stderr, "Copy the example config to get started:\n")
			fmt.Fprintf(os.Stderr, "  cp tally.example.yml %s\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "error: loading config (%s): %s\n", *configPath, err)
		}
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting tally",
		"version", ver,
		"commit", sha,
		"built", built,
		"dirty", dirty,
		"go", runtime.Version(),
		"role", cfg.Role,
		"listen", cfg.Listen,
	)

	loc, err := cfg.Location()
	if err != nil {
		slog.Error("loading timezone", "error", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	c := cache.New()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	switch cfg.Role {
	case config.RoleBox:
		err = startBox(ctx, g, cfg, st, c, loc)
	case config.RoleServer:
		err = startServer(ctx, g, cfg, st, c, loc)
	}
	if err != nil {
		slog.Error("starting "+cfg.Role, "error", err)
		cancel()
		_ = g.Wait()
		os.Exit(1)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "error", err)
	}

	slog.Info("tally stopped gracefully")
}

func setupLogging(cfg *config.Config) {
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func startBox(ctx context.Context, g *errgroup.Group, cfg *config.Config, st *store.Store, c *cache.Cache, loc *time.Location) error {
	bc := cfg.Box

	boxID := bc.BoxID
	if boxID == "" {
		boxID = uuid.NewString()
	}
	settings, err := st.EnsureBoxSettings(ctx, boxID, bc.ServerURL, bc.UploadToken)
	if err != nil {
		return err
	}
	boxID = settings.BoxID
	if bc.BoxID != "" && bc.BoxID != boxID {
		slog.Warn("configured box_id differs from stored one; keeping stored", "configured", bc.BoxID, "box_id", boxID)
	}

	sensorOpts := sensing.Options{
		FilePrefix: bc.Sensor.FilePrefix,
		Command:    bc.Sensor.Command,
		MinPower:   bc.Sensor.MinPower,
		Location:   loc,
	}
	if bc.Privacy.HashObservableIDs {
		sensorOpts.Hasher = sensing.NewHasher(bc.Privacy.Secret, bc.Privacy.HashIterations)
	}
	sensor, err := sensing.New(bc.Sensor.Type, sensorOpts)
	if err != nil {
		return err
	}
	handle, err := sensor.StartSensing(ctx, bc.Sensor.ScratchDir)
	if err != nil {
		return fmt.Errorf("starting sensor %s: %w", sensor.Name(), err)
	}
	g.Go(func() error {
		<-ctx.Done()
		return handle.Stop()
	})

	client := upload.NewClient(bc.ServerURL, boxID, bc.UploadToken, bc.Upload.Timeout.Duration)
	uploadOpts := func(interval config.Duration) upload.Options {
		return upload.Options{BoxID: boxID, MaxBatch: bc.Upload.MaxBatch, Interval: interval.Duration}
	}
	lookback := bc.Aggregation.Lookback.Duration

	tasks := []schedule.Task{
		reconcile.NewTask(reconcile.New(st, boxID), sensor, bc.Sensor.ScratchDir, bc.Ingest.Interval.Duration),
		aggregate.New(st, boxID, loc, lookback, bc.Aggregation.Interval.Duration),
		status.New(st, boxID, handle, bc.Status.Interval.Duration),
		upload.NewAggregationsUploader(st, client, uploadOpts(bc.Upload.AggregationInterval), loc, lookback),
		upload.NewStatusUploader(st, client, uploadOpts(bc.Upload.StatusInterval)),
	}
	if bc.Upload.Events {
		tasks = append(tasks, upload.NewEventsUploader(st, client, uploadOpts(bc.Upload.EventsInterval)))
	}

	providers, err := notify.FromConfig(cfg.Notifications)
	if err != nil {
		return err
	}
	alerts := alertConfig(cfg.Alerts, bc.Upload.Events)
	if len(providers) > 0 && (alerts.SensorDown != nil || alerts.UploadStalled != nil) {
		tasks = append(tasks, alerter.New(st, boxID, providers, alerts, alertInterval))
	}

	tasks = append(tasks, store.NewPruner(st, cfg.StatusRetention.Duration, true))

	for _, t := range tasks {
		g.Go(func() error { return schedule.Run(ctx, t, c) })
	}

	server := api.NewServer(cfg.Listen, c, st, api.Options{Location: loc, KPIMaxAge: kpiMaxAge})
	g.Go(func() error { return server.Run(ctx) })

	slog.Info("box started",
		"box_id", boxID,
		"sensor", sensor.Name(),
		"server_url", bc.ServerURL,
		"tasks", len(tasks),
		"notifications", len(providers),
	)
	return nil
}

func startServer(ctx context.Context, g *errgroup.Group, cfg *config.Config, st *store.Store, c *cache.Cache, loc *time.Location) error {
	for _, b := range cfg.Server.Boxes {
		err := st.UpsertBox(ctx, model.Box{
			BoxID:       b.BoxID,
			Name:        b.Name,
			Description: b.Description,
			UploadToken: b.UploadToken,
		})
		if err != nil {
			return err
		}
	}

	pruner := store.NewPruner(st, cfg.StatusRetention.Duration, false)
	g.Go(func() error { return schedule.Run(ctx, pruner, c) })

	server := api.NewServer(cfg.Listen, c, st, api.Options{Receive: true, Location: loc, KPIMaxAge: kpiMaxAge})
	g.Go(func() error { return server.Run(ctx) })

	slog.Info("server started", "boxes", len(cfg.Server.Boxes))
	return nil
}

// alertConfig merges configured rules over the defaults. Rules missing from
// the configuration stay disabled.
func alertConfig(a config.AlertsConfig, eventsUploaded bool) alerter.Config {
	def := alerter.DefaultConfig()
	var out alerter.Config
	if a.SensorDown != nil {
		r := *def.SensorDown
		r.GracePeriod = a.SensorDown.GracePeriod.Duration
		if a.SensorDown.Severity != "" {
			r.Severity = a.SensorDown.Severity
		}
		if a.SensorDown.Cooldown.Duration > 0 {
			r.Cooldown = a.SensorDown.Cooldown.Duration
		}
		out.SensorDown = &r
	}
	// Without event uploads the events cursor never moves.
	if a.UploadStalled != nil && eventsUploaded {
		r := *def.UploadStalled
		r.MaxLag = a.UploadStalled.MaxLag.Duration
		if a.UploadStalled.Severity != "" {
			r.Severity = a.UploadStalled.Severity
		}
		if a.UploadStalled.Cooldown.Duration > 0 {
			r.Cooldown = a.UploadStalled.Cooldown.Duration
		}
		out.UploadStalled = &r
	}
	return out
}
