// Package weather fetches the hourly forecast snapshot consumed by the
// Forecast Engine's model-input composition.
package weather

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	fastshot "github.com/opus-domini/fast-shot"
)

// maxFetchAttempts bounds the manual retry required by spec §4.4.c; it
// mirrors the bus/rail fetchers' 3-attempt policy (§4.5, §4.6).
const maxFetchAttempts = 3

// Hourly holds the three fields consumed per spec §4.8, one value per hour
// 0..23.
type Hourly struct {
	Temperature2m  [24]float64
	Precipitation  [24]float64
	WindSpeed10m   [24]float64
}

// fallbackTemp, fallbackPrecip, fallbackWind are the fixed total-failure
// fallback values applied to all 24 hours (spec §4.8).
const (
	fallbackTemp   = 15.0
	fallbackPrecip = 0.0
	fallbackWind   = 5.0
)

// Fallback returns the fixed {15.0, 0.0, 5.0} snapshot applied on total
// upstream failure.
func Fallback() Hourly {
	var h Hourly
	for i := range h.Temperature2m {
		h.Temperature2m[i] = fallbackTemp
		h.Precipitation[i] = fallbackPrecip
		h.WindSpeed10m[i] = fallbackWind
	}
	return h
}

type hourlyBlock struct {
	Time          []string  `json:"time"`
	Temperature2m []float64 `json:"temperature_2m"`
	Precipitation []float64 `json:"precipitation"`
	WindSpeed10m  []float64 `json:"wind_speed_10m"`
}

type forecastResponse struct {
	Hourly hourlyBlock `json:"hourly"`
}

// Client fetches the daily hourly weather snapshot over HTTP.
type Client struct {
	http    fastshot.ClientHttpMethods
	timeout time.Duration
}

// New builds a weather client against baseURL (e.g. an Open-Meteo-compatible
// endpoint), with the per-call timeout required by spec §5 (10s).
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:    fastshot.NewClient(baseURL).Config().SetTimeout(timeout).Build(),
		timeout: timeout,
	}
}

// FetchDaily returns the hourly snapshot for lat/lon on dateStr
// ("YYYY-MM-DD"), retrying transient upstream failures up to
// maxFetchAttempts times (spec §4.4.c, §4.8) before giving up. On total
// failure it returns the fixed fallback snapshot and a non-nil error so the
// caller can log the degradation without aborting the forecast run.
func (c *Client) FetchDaily(ctx context.Context, lat, lon float64, dateStr string) (Hourly, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(b, maxFetchAttempts-1)

	var h Hourly
	err := backoff.Retry(func() error {
		fetched, fetchErr := c.fetchOnce(ctx, lat, lon, dateStr)
		if fetchErr != nil {
			return fetchErr
		}
		h = fetched
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return Fallback(), fmt.Errorf("weather fetch: %w", err)
	}
	return h, nil
}

func (c *Client) fetchOnce(ctx context.Context, lat, lon float64, dateStr string) (Hourly, error) {
	resp, err := c.http.GET("/v1/forecast").
		Query().AddParams(map[string]string{
			"latitude":   fmt.Sprintf("%g", lat),
			"longitude":  fmt.Sprintf("%g", lon),
			"start_date": dateStr,
			"end_date":   dateStr,
			"hourly":     "temperature_2m,precipitation,wind_speed_10m",
		}).
		Send()
	if err != nil {
		return Hourly{}, err
	}
	if resp.Status().IsError() {
		return Hourly{}, fmt.Errorf("upstream status %d", resp.StatusCode())
	}

	var parsed forecastResponse
	if err := resp.Body().JSON(&parsed); err != nil {
		return Hourly{}, fmt.Errorf("decode response: %w", err)
	}

	var h Hourly
	for i := 0; i < 24; i++ {
		if i < len(parsed.Hourly.Temperature2m) {
			h.Temperature2m[i] = parsed.Hourly.Temperature2m[i]
		} else {
			h.Temperature2m[i] = fallbackTemp
		}
		if i < len(parsed.Hourly.Precipitation) {
			h.Precipitation[i] = parsed.Hourly.Precipitation[i]
		} else {
			h.Precipitation[i] = fallbackPrecip
		}
		if i < len(parsed.Hourly.WindSpeed10m) {
			h.WindSpeed10m[i] = parsed.Hourly.WindSpeed10m[i]
		} else {
			h.WindSpeed10m[i] = fallbackWind
		}
	}
	return h, nil
}
