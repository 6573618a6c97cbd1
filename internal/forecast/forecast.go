// Package forecast orchestrates one forecast run: line enumeration,
// per-day calendar/weather/lag composition, a single batched model
// inference, post-processing, and bulk upsert (spec §4.4).
package forecast

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ibbtransit/crowdcast/internal/busschedule"
	"github.com/ibbtransit/crowdcast/internal/features"
	"github.com/ibbtransit/crowdcast/internal/model"
	"github.com/ibbtransit/crowdcast/internal/store"
	"github.com/ibbtransit/crowdcast/internal/topology"
	"github.com/ibbtransit/crowdcast/internal/weather"
	"github.com/shopspring/decimal"
)

// Engine runs scheduled forecast jobs.
type Engine struct {
	store     *store.Store
	features  *features.Store
	predictor model.Predictor
	weather   *weather.Client
	bus       *busschedule.Fetcher

	weatherLat, weatherLon float64
}

// New builds a Forecast Engine.
func New(st *store.Store, feat *features.Store, predictor model.Predictor, wc *weather.Client, bus *busschedule.Fetcher, lat, lon float64) *Engine {
	return &Engine{store: st, features: feat, predictor: predictor, weather: wc, bus: bus, weatherLat: lat, weatherLon: lon}
}

// dayRow is one intermediate model-input row for a (line, date, hour), kept
// with its identifying fields so post-processing can re-attach metadata.
type dayRow struct {
	lineName string
	date     string
	hour     int
	input    model.Row
}

// dayRowKey identifies a (line, date) pair for results that are fetched
// once per day rather than once per hour.
type dayRowKey struct {
	line, date string
}

// Run executes one forecast invocation for [targetDate, targetDate+numDays).
// Any error aborts the whole run and leaves the JobExecution row FAILED.
func (e *Engine) Run(ctx context.Context, targetDate string, numDays int) (err error) {
	job, err := e.store.StartJobExecution(ctx, store.JobTypeForecast, targetDate, shiftDate(targetDate, numDays-1), "")
	if err != nil {
		return fmt.Errorf("start job execution: %w", err)
	}

	defer func() {
		if err != nil {
			_ = e.store.FinishJobExecution(ctx, job.ID, store.JobStatusFailed, 0, err.Error())
		}
	}()

	lineNames, err := e.store.ListLineNames(ctx)
	if err != nil {
		return fmt.Errorf("enumerate lines: %w", err)
	}

	var allRows []dayRow
	var stats features.Stats

	for d := 0; d < numDays; d++ {
		dateStr := shiftDate(targetDate, d)

		cal, ok := e.features.Calendar(dateStr)
		if !ok {
			return fmt.Errorf("no calendar row for %s", dateStr)
		}

		hourly, weatherErr := e.weather.FetchDaily(ctx, e.weatherLat, e.weatherLon, dateStr)
		if weatherErr != nil {
			hourly = weather.Fallback()
		}

		batch := e.features.BatchLags(lineNames, dateStr)

		for _, line := range lineNames {
			for hour := 0; hour < 24; hour++ {
				lags := e.features.ResolveTiered(batch, line, hour)
				allRows = append(allRows, dayRow{
					lineName: line,
					date:     dateStr,
					hour:     hour,
					input: model.Row{
						LineName:      line,
						Hour:          hour,
						DayOfWeek:     cal.DayOfWeek,
						IsWeekend:     cal.IsWeekend,
						Month:         cal.Month,
						Season:        cal.Season,
						IsSchoolTerm:  cal.IsSchoolTerm,
						IsHoliday:     cal.IsHoliday,
						HolidayWinM1:  cal.HolidayWinM1,
						HolidayWinP1:  cal.HolidayWinP1,
						Lag24h:        lags.Lag24h,
						Lag48h:        lags.Lag48h,
						Lag168h:       lags.Lag168h,
						RollMean24h:   lags.RollMean24h,
						RollStd24h:    lags.RollStd24h,
						Temperature2m: hourly.Temperature2m[hour],
						Precipitation: hourly.Precipitation[hour],
						WindSpeed10m:  hourly.WindSpeed10m[hour],
					},
				})
			}
		}
	}
	stats = e.features.FallbackStats()

	inputs := make([]model.Row, len(allRows))
	for i, r := range allRows {
		inputs[i] = r.input
	}
	predictions, err := e.predictor.PredictBatch(inputs)
	if err != nil {
		return fmt.Errorf("model inference: %w", err)
	}
	if len(predictions) != len(allRows) {
		return fmt.Errorf("model returned %d predictions for %d rows", len(predictions), len(allRows))
	}

	forecasts := make([]store.DailyForecast, len(allRows))
	type busTripsEntry struct {
		hours [24]int
		ok    bool
	}
	busTrips := make(map[dayRowKey]busTripsEntry)
	for i, r := range allRows {
		pred := predictions[i]
		if pred < 0 {
			pred = 0
		}
		maxCapacity, ok := e.features.MaxY(r.lineName)
		if !ok || maxCapacity <= 0 {
			maxCapacity = e.features.GlobalAvgMax()
		}

		var occupancyPct int
		if maxCapacity > 0 {
			pct := decimal.NewFromFloat(pred).Div(decimal.NewFromFloat(maxCapacity)).
				Mul(decimal.NewFromInt(100)).Round(0)
			occupancyPct = int(pct.IntPart())
		}

		var tripsPerHour sql.NullInt64
		if !topology.IsRailCode(r.lineName) {
			key := dayRowKey{line: r.lineName, date: r.date}
			entry, cached := busTrips[key]
			if !cached {
				if payload, _, _, fetchErr := e.bus.GetOrFetch(ctx, r.lineName, r.date, 2); fetchErr == nil {
					entry = busTripsEntry{hours: busschedule.TripsPerHour(payload), ok: true}
				}
				busTrips[key] = entry
			}
			if entry.ok {
				tripsPerHour = sql.NullInt64{Valid: true, Int64: int64(entry.hours[r.hour])}
			}
		}

		forecasts[i] = store.DailyForecast{
			LineName:       r.lineName,
			Date:           r.date,
			Hour:           r.hour,
			PredictedValue: pred,
			OccupancyPct:   occupancyPct,
			CrowdLevel:     features.CrowdLevel(pred, maxCapacity),
			MaxCapacity:    int(maxCapacity),
			TripsPerHour:   tripsPerHour,
		}
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if txErr := e.store.UpsertForecastsTx(ctx, tx, forecasts); txErr != nil {
			return txErr
		}
		return e.store.FinishJobExecutionTx(ctx, tx, job.ID, store.JobStatusSuccess, len(forecasts), "")
	})
	if err != nil {
		return fmt.Errorf("bulk upsert forecasts: %w", err)
	}

	slog.Info("forecast run complete", "records", len(forecasts),
		"seasonal_match", stats.SeasonalMatch, "hour_fallback", stats.HourFallback, "zero_fallback", stats.ZeroFallback)
	return nil
}

// RunWithRetry wraps Run with the scheduler-level retry policy from spec
// §4.4: backoff 60s, 120s, 240s, capped at 3 extra attempts.
func (e *Engine) RunWithRetry(ctx context.Context, targetDate string, numDays int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 60 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 240 * time.Second
	b.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(b, 3)

	return backoff.Retry(func() error {
		return e.Run(ctx, targetDate, numDays)
	}, backoff.WithContext(bo, ctx))
}

func shiftDate(dateStr string, days int) string {
	t, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return dateStr
	}
	return t.AddDate(0, 0, days).Format("2006-01-02")
}
