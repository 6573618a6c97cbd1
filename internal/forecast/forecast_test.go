package forecast

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ibbtransit/crowdcast/internal/busschedule"
	"github.com/ibbtransit/crowdcast/internal/features"
	"github.com/ibbtransit/crowdcast/internal/model"
	"github.com/ibbtransit/crowdcast/internal/store"
	"github.com/ibbtransit/crowdcast/internal/weather"
)

type constPredictor struct{ value float64 }

func (p constPredictor) PredictBatch(rows []model.Row) ([]float64, error) {
	out := make([]float64, len(rows))
	for i := range rows {
		out[i] = p.value
	}
	return out, nil
}

func newTestFeatureStore() *features.Store {
	observations := []features.ObservationRow{
		{LineName: "500T", Datetime: "2025-07-30 08:00:00", HourOfDay: 8, Y: 100,
			Lags: features.Lags{Lag24h: 90, Lag48h: 85, Lag168h: 95, RollMean24h: 88, RollStd24h: 5}},
	}
	calendar := []features.CalendarRow{{DayOfWeek: 4, Month: 7, Season: "summer"}}
	return features.New(observations, calendar, []string{"2026-07-30"}, 3)
}

func TestEngineRunProducesForecastsForAllLinesAndHours(t *testing.T) {
	weatherSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hourly":{"temperature_2m":[20],"precipitation":[0],"wind_speed_10m":[5]}}`))
	}))
	defer weatherSrv.Close()

	var busHits atomic.Int64
	busSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		busHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer busSrv.Close()

	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer st.Close()
	ctx := t.Context()

	if err := st.SeedLines(ctx, []store.TransportLine{
		{LineName: "500T", TransportTypeID: 1, RoadType: "bus"},
		{LineName: "M2", TransportTypeID: 2, RoadType: "rail"},
	}); err != nil {
		t.Fatalf("SeedLines: %v", err)
	}

	feat := newTestFeatureStore()
	predictor := constPredictor{value: 50}
	wc := weather.New(weatherSrv.URL, 0)
	bus := busschedule.New(busSrv.URL, st)

	engine := New(st, feat, predictor, wc, bus, 41.0, 29.0)
	if err := engine.Run(ctx, "2026-07-30", 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	count, err := st.CountForecastsForLineDate(ctx, "500T", "2026-07-30")
	if err != nil {
		t.Fatalf("CountForecastsForLineDate: %v", err)
	}
	if count != 24 {
		t.Fatalf("CountForecastsForLineDate = %d, want 24", count)
	}

	// GetOrFetch retries internally on failure but the fetch attempt itself
	// must happen once per (line, date), not once per hour, and never for
	// the rail line M2.
	if hits := busHits.Load(); hits == 0 || hits > 3 {
		t.Errorf("bus upstream hit %d times for one (line, date) pair, want at most one retry burst", hits)
	}

	jobs, err := st.ListRecentJobExecutions(ctx, store.JobTypeForecast, 1)
	if err != nil {
		t.Fatalf("ListRecentJobExecutions: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != store.JobStatusSuccess || jobs[0].RecordsProcessed != 48 {
		t.Fatalf("job execution = %+v, want a SUCCESS row with 48 records (2 lines x 24 hours)", jobs)
	}
}

func TestEngineRunFailsJobOnMissingCalendarRow(t *testing.T) {
	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer st.Close()
	ctx := t.Context()

	if err := st.SeedLines(ctx, []store.TransportLine{{LineName: "500T", TransportTypeID: 1, RoadType: "bus"}}); err != nil {
		t.Fatalf("SeedLines: %v", err)
	}

	feat := features.New(nil, nil, nil, 3)
	wc := weather.New("http://127.0.0.1:0", 0)
	bus := busschedule.New("http://127.0.0.1:0", st)

	engine := New(st, feat, constPredictor{value: 1}, wc, bus, 41.0, 29.0)
	if err := engine.Run(ctx, "2026-07-30", 1); err == nil {
		t.Fatal("expected Run to fail with no calendar row for the target date")
	}

	jobs, err := st.ListRecentJobExecutions(ctx, store.JobTypeForecast, 1)
	if err != nil {
		t.Fatalf("ListRecentJobExecutions: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != store.JobStatusFailed {
		t.Fatalf("job execution = %+v, want a FAILED row", jobs)
	}
}
