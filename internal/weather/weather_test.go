package weather

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFallback(t *testing.T) {
	h := Fallback()
	for i := 0; i < 24; i++ {
		if h.Temperature2m[i] != fallbackTemp || h.Precipitation[i] != fallbackPrecip || h.WindSpeed10m[i] != fallbackWind {
			t.Fatalf("hour %d: got %v/%v/%v, want fallback values", i, h.Temperature2m[i], h.Precipitation[i], h.WindSpeed10m[i])
		}
	}
}

func TestFetchDailySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hourly":{"time":["2026-07-30T00:00"],"temperature_2m":[20.5],"precipitation":[0.1],"wind_speed_10m":[3.2]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	h, err := c.FetchDaily(t.Context(), 41.0, 29.0, "2026-07-30")
	if err != nil {
		t.Fatalf("FetchDaily: %v", err)
	}
	if h.Temperature2m[0] != 20.5 {
		t.Errorf("Temperature2m[0] = %v, want 20.5", h.Temperature2m[0])
	}
	// Hours beyond what the upstream returned fall back to fixed values.
	if h.Temperature2m[1] != fallbackTemp {
		t.Errorf("Temperature2m[1] = %v, want fallback %v", h.Temperature2m[1], fallbackTemp)
	}
}

func TestFetchDailyUpstreamError(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	h, err := c.FetchDaily(t.Context(), 41.0, 29.0, "2026-07-30")
	if err == nil {
		t.Error("expected error on upstream 500")
	}
	if h.Temperature2m[0] != fallbackTemp {
		t.Errorf("expected fallback snapshot on error, got %v", h.Temperature2m[0])
	}
	if hits.Load() != maxFetchAttempts {
		t.Errorf("upstream was hit %d times, want exactly %d (manual retry exhausted)", hits.Load(), maxFetchAttempts)
	}
}

func TestFetchDailyRetriesThenSucceeds(t *testing.T) {
	var attempt atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hourly":{"temperature_2m":[18],"precipitation":[0],"wind_speed_10m":[4]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	h, err := c.FetchDaily(t.Context(), 41.0, 29.0, "2026-07-30")
	if err != nil {
		t.Fatalf("FetchDaily: %v", err)
	}
	if h.Temperature2m[0] != 18 {
		t.Errorf("Temperature2m[0] = %v, want 18 (second attempt succeeded)", h.Temperature2m[0])
	}
}
