// Command crowdcast runs the crowding-forecast and schedule-availability
// HTTP API: it loads the static topology/capacity/calendar inputs, opens
// the sqlite store, registers the five named scheduled jobs, and serves
// the read-only forecast endpoints plus the admin/auth/report surface.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/ibbtransit/crowdcast/internal/api"
	"github.com/ibbtransit/crowdcast/internal/auth"
	"github.com/ibbtransit/crowdcast/internal/busschedule"
	"github.com/ibbtransit/crowdcast/internal/capacity"
	"github.com/ibbtransit/crowdcast/internal/config"
	"github.com/ibbtransit/crowdcast/internal/features"
	"github.com/ibbtransit/crowdcast/internal/forecast"
	"github.com/ibbtransit/crowdcast/internal/httpmw"
	"github.com/ibbtransit/crowdcast/internal/model"
	"github.com/ibbtransit/crowdcast/internal/railschedule"
	"github.com/ibbtransit/crowdcast/internal/scheduler"
	"github.com/ibbtransit/crowdcast/internal/store"
	"github.com/ibbtransit/crowdcast/internal/topology"
	"github.com/ibbtransit/crowdcast/internal/weather"
)

// istanbulLat/istanbulLon anchor the single citywide weather fetch (spec
// §4.3): per-line weather is not modeled, one daily hourly series covers
// the whole network.
const (
	istanbulLat = 41.0082
	istanbulLon = 28.9784

	railTransportTypeID = 2
	busTransportTypeID  = 1
)

func main() {
	os.Exit(serve())
}

func serve() int {
	cfg := config.Load()
	initLogger(cfg.LogLevel)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		slog.Warn("unknown timezone, falling back to UTC", "timezone", cfg.Timezone)
		loc = time.UTC
	}

	if httpmw.ExposesBeyondLoopback(cfg.ListenAddr) && len(cfg.AllowedOrigins) == 0 {
		slog.Warn("listening beyond loopback with no allowed_origins configured", "listen", cfg.ListenAddr)
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		slog.Error("store init failed", "err", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	if n, err := st.FailOrphanedRuns(context.Background()); err != nil {
		slog.Warn("failed to reconcile orphaned job runs", "err", err)
	} else if n > 0 {
		slog.Info("reconciled orphaned job runs", "count", n)
	}

	topo, err := topology.Load(cfg.Paths.TopologyJSON, cfg.Paths.LineShapeJSON)
	if err != nil {
		slog.Error("topology load failed", "err", err)
		return 1
	}

	if err := seedLinesIfEmpty(st, topo, cfg); err != nil {
		slog.Error("line seed failed", "err", err)
		return 1
	}

	capacityStore, err := capacity.Load(cfg.Paths.CapacityMetaJSON, cfg.Paths.RailCapacityYAML)
	if err != nil {
		slog.Error("capacity metadata load failed", "err", err)
		return 1
	}

	featureStore, err := loadFeatureStore(cfg)
	if err != nil {
		slog.Error("feature store load failed", "err", err)
		return 1
	}

	predictor, err := model.Load(cfg.Paths.ModelArtifact)
	if err != nil {
		slog.Error("model artifact load failed", "err", err)
		return 1
	}

	weatherClient := weather.New(cfg.WeatherBaseURL, 10*time.Second)
	busFetcher := busschedule.New(cfg.BusSoapURL, st)
	railFetcher := railschedule.New(cfg.RailJSONURL, st, topo)

	forecastEngine := forecast.New(st, featureStore, predictor, weatherClient, busFetcher, istanbulLat, istanbulLon)

	authSvc := auth.New(st, cfg.JWTSecretKey, "crowdcast", time.Duration(cfg.JWTAccessTokenExpireMins)*time.Minute)
	if err := authSvc.Bootstrap(context.Background(), cfg.AdminUsername, cfg.AdminPassword); err != nil {
		slog.Warn("admin account bootstrap skipped", "err", err)
	}

	guard := httpmw.New(authSvc, cfg.AllowedOrigins)

	sched := scheduler.New(loc, 0)
	registerJobs(sched, cfg, st, busFetcher, railFetcher, topo, forecastEngine)
	sched.Start(context.Background())

	mux := http.NewServeMux()
	api.Register(mux, guard, st, capacityStore, topo, busFetcher, railFetcher, sched, forecastEngine, authSvc, cfg.ForecastHorizonDays, currentVersion(), loc)

	exitCode := run(cfg, guard, mux)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	sched.Stop(stopCtx)
	cancel()

	return exitCode
}

func run(cfg config.Config, guard *httpmw.Guard, mux *http.ServeMux) int {
	handler := httpmw.Logging(guard.CORS(mux))

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdownCh
		slog.Info("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("crowdcast starting", "version", currentVersion(), "listen", cfg.ListenAddr, "data_dir", cfg.DataDir)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("crowdcast stopped")
	return 0
}

// retryJobCron is the fixed 30-minute cadence for the dynamically-installed
// pending-retry jobs (spec §4.5/§4.6).
const retryJobCron = "*/30 * * * *"

// registerJobs wires the five named scheduled jobs (spec §5): bus prefetch,
// rail prefetch, forecast, retention cleanup, quality check. The prefetch
// jobs additionally install a `bus_schedule_retry`/`rail_schedule_retry` job
// on demand whenever their pending map is non-empty, and that job removes
// itself once the pending map drains.
func registerJobs(sched *scheduler.Service, cfg config.Config, st *store.Store, bus *busschedule.Fetcher, rail *railschedule.Fetcher, topo *topology.Topology, engine *forecast.Engine) {
	const misfireGrace = 30 * time.Minute

	mustAddCron(sched, "bus-prefetch", cfg.Schedule.BusPrefetch, misfireGrace, func(ctx context.Context, runAt time.Time) error {
		validFor := runAt.Format("2006-01-02")
		result, err := bus.PrefetchAll(ctx, validFor, false, cfg.Retention.BusScheduleDays)
		if err != nil {
			return err
		}
		slog.Info("bus prefetch complete", "total", result.Total, "stored", result.Stored, "skipped", result.Skipped, "failed", result.Failed)
		if bus.PendingCount() > 0 {
			registerBusRetryJob(sched, bus, misfireGrace)
		}
		return nil
	})

	mustAddCron(sched, "rail-prefetch", cfg.Schedule.RailPrefetch, misfireGrace, func(ctx context.Context, runAt time.Time) error {
		validFor := runAt.Format("2006-01-02")
		result, err := rail.PrefetchAll(ctx, topo.StationIDs(), validFor, false, cfg.Retention.MetroScheduleDays)
		if err != nil {
			return err
		}
		slog.Info("rail prefetch complete", "total", result.Total, "stored", result.Stored, "skipped", result.Skipped, "failed", result.Failed)
		if rail.PendingCount() > 0 {
			registerRailRetryJob(sched, rail, misfireGrace)
		}
		return nil
	})

	mustAddCron(sched, "forecast", cfg.Schedule.Forecast, misfireGrace, func(ctx context.Context, runAt time.Time) error {
		return engine.RunWithRetry(ctx, runAt.Format("2006-01-02"), cfg.ForecastHorizonDays)
	})

	mustAddCron(sched, "cleanup", cfg.Schedule.Cleanup, misfireGrace, func(ctx context.Context, runAt time.Time) error {
		cutoff := runAt.AddDate(0, 0, -cfg.Retention.ForecastDays).Format("2006-01-02")
		n, err := st.DeleteForecastsBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		slog.Info("forecast retention sweep complete", "deleted", n, "cutoff", cutoff)
		return nil
	})

	mustAddCron(sched, "quality-check", cfg.Schedule.QualityCheck, misfireGrace, func(ctx context.Context, runAt time.Time) error {
		lineNames, err := st.ListLineNames(ctx)
		if err != nil {
			return err
		}
		dateStr := runAt.Format("2006-01-02")
		var missing int
		for _, line := range lineNames {
			n, err := st.CountForecastsForLineDate(ctx, line, dateStr)
			if err != nil {
				return err
			}
			if n < 24 {
				missing++
			}
		}
		if missing > 0 {
			slog.Warn("quality check found incomplete forecasts", "date", dateStr, "lines_incomplete", missing)
		} else {
			slog.Info("quality check passed", "date", dateStr)
		}
		return nil
	})
}

func mustAddCron(sched *scheduler.Service, id, cronExpr string, misfireGrace time.Duration, fn scheduler.JobFunc) {
	if err := sched.AddCron(id, cronExpr, fn, misfireGrace, true); err != nil {
		slog.Error("failed to register scheduled job", "job", id, "cron", cronExpr, "err", err)
	}
}

// registerBusRetryJob installs (or re-arms) the bus pending-retry job. It
// drains the fetcher's pending map every 30 minutes and removes itself once
// the map is empty (spec §4.5).
func registerBusRetryJob(sched *scheduler.Service, bus *busschedule.Fetcher, misfireGrace time.Duration) {
	mustAddCron(sched, "bus_schedule_retry", retryJobCron, misfireGrace, func(ctx context.Context, _ time.Time) error {
		bus.RetryPending(ctx)
		if bus.PendingCount() == 0 {
			sched.Remove("bus_schedule_retry")
		}
		return nil
	})
}

// registerRailRetryJob is registerBusRetryJob's rail counterpart (spec §4.6).
func registerRailRetryJob(sched *scheduler.Service, rail *railschedule.Fetcher, misfireGrace time.Duration) {
	mustAddCron(sched, "rail_schedule_retry", retryJobCron, misfireGrace, func(ctx context.Context, _ time.Time) error {
		rail.RetryPending(ctx)
		if rail.PendingCount() == 0 {
			sched.Remove("rail_schedule_retry")
		}
		return nil
	})
}

// seedLinesIfEmpty populates transport_lines from the topology file (rail)
// and the historical-features file's distinct line names (bus) on first
// boot; the static seed carries no richer per-line metadata than that.
func seedLinesIfEmpty(st *store.Store, topo *topology.Topology, cfg config.Config) error {
	n, err := st.CountLines(context.Background())
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var lines []store.TransportLine

	for _, stationID := range topo.StationIDs() {
		station, ok := topo.Station(stationID)
		if !ok {
			continue
		}
		code := topology.CanonicalRailLine(station.LineCode)
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		lines = append(lines, store.TransportLine{
			LineName:        code,
			TransportTypeID: railTransportTypeID,
			RoadType:        "RAIL",
		})
	}

	observations, err := features.LoadObservationsCSV(cfg.Paths.HistoricalFeaturesCSV)
	if err != nil {
		return err
	}
	for _, obs := range observations {
		if topology.IsRailCode(obs.LineName) {
			continue
		}
		if _, ok := seen[obs.LineName]; ok {
			continue
		}
		seen[obs.LineName] = struct{}{}
		lines = append(lines, store.TransportLine{
			LineName:        obs.LineName,
			TransportTypeID: busTransportTypeID,
			RoadType:        "BUS",
		})
	}

	return st.SeedLines(context.Background(), lines)
}

func loadFeatureStore(cfg config.Config) (*features.Store, error) {
	observations, err := features.LoadObservationsCSV(cfg.Paths.HistoricalFeaturesCSV)
	if err != nil {
		return nil, err
	}
	calendarDates, calendarRows, err := features.LoadCalendarCSV(cfg.Paths.CalendarDimCSV)
	if err != nil {
		return nil, err
	}
	return features.New(observations, calendarRows, calendarDates, cfg.MaxSeasonalLookback), nil
}

func initLogger(level string) {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}

func currentVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			return v
		}
	}
	return "dev"
}
