// Package railschedule fetches, caches, and projects rail (metro) station
// timetables from the JSON planned-schedule feed (spec §4.6), mirroring
// busschedule with a per (station, direction) key instead of per-line.
package railschedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ibbtransit/crowdcast/internal/store"
	"github.com/ibbtransit/crowdcast/internal/topology"
	fastshot "github.com/opus-domini/fast-shot"
)

const (
	fetchTimeout     = 12 * time.Second
	maxFetchAttempts = 3
	maxRetryAttempts = 10

	// tightStaleDays is the fixed "today's responses" stale window from
	// spec §4.6: a cached row this fresh is served without attempting a
	// live fetch. Rows older than this but within the caller-supplied
	// maxStaleDays are only served if a live fetch is then attempted and
	// fails.
	tightStaleDays = 2
)

// upstreamResponse is the JSON envelope returned by the rail feed.
type upstreamResponse struct {
	Success bool   `json:"Success"`
	Error   string `json:"Error"`
	Data    []struct {
		LastStation string `json:"LastStation"`
		TimeInfos   struct {
			Times []string `json:"Times"`
		} `json:"TimeInfos"`
	} `json:"Data"`
}

// Fetcher retrieves and caches rail timetables.
type Fetcher struct {
	http  fastshot.ClientHttpMethods
	store *store.Store
	topo  *topology.Topology

	retryMu sync.Mutex
	retry   map[string]*retryEntry
}

type retryEntry struct {
	stationID   string
	directionID string
	validFor    string
	attempts    int
}

// New builds a rail-schedule fetcher posting to jsonURL.
func New(jsonURL string, st *store.Store, topo *topology.Topology) *Fetcher {
	return &Fetcher{
		http:  fastshot.NewClient(jsonURL).Config().SetTimeout(fetchTimeout).Build(),
		store: st,
		topo:  topo,
		retry: make(map[string]*retryEntry),
	}
}

// fetchRaw POSTs the station/direction query, retrying like busschedule's
// fetcher (3 attempts, linear backoff 4*attempt seconds).
func (f *Fetcher) fetchRaw(ctx context.Context, stationID, directionID string) (upstreamResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		resp, err := f.http.POST("/").
			Body().AsJSON(map[string]string{
			"StationId":   stationID,
			"DirectionId": directionID,
		}).
			Send()
		if err == nil && !resp.Status().IsError() {
			var parsed upstreamResponse
			if decErr := resp.Body().JSON(&parsed); decErr == nil {
				if !parsed.Success {
					lastErr = fmt.Errorf("upstream reported failure: %s", parsed.Error)
				} else {
					return parsed, nil
				}
			} else {
				lastErr = decErr
			}
		} else if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode())
		}

		if attempt < maxFetchAttempts {
			select {
			case <-ctx.Done():
				return upstreamResponse{}, ctx.Err()
			case <-time.After(time.Duration(4*attempt) * time.Second):
			}
		}
	}
	return upstreamResponse{}, fmt.Errorf("rail fetch %s/%s: %w", stationID, directionID, lastErr)
}

// FetchAndStore fetches and persists one (station, direction) timetable,
// stored verbatim (no per-direction bucketing, per spec §4.6).
func (f *Fetcher) FetchAndStore(ctx context.Context, stationID, directionID, validFor string) (store.MetroScheduleCacheRow, error) {
	parsed, err := f.fetchRaw(ctx, stationID, directionID)
	if err != nil {
		row := store.MetroScheduleCacheRow{
			StationID:    stationID,
			DirectionID:  directionID,
			ValidFor:     validFor,
			Payload:      "{}",
			FetchedAt:    store.NowUTC(),
			SourceStatus: store.SourceStatusFailed,
			ErrorMessage: err.Error(),
		}
		_ = f.store.UpsertMetroSchedule(ctx, row)
		return row, err
	}

	payload, _ := json.Marshal(parsed)
	row := store.MetroScheduleCacheRow{
		StationID:    stationID,
		DirectionID:  directionID,
		ValidFor:     validFor,
		Payload:      string(payload),
		FetchedAt:    store.NowUTC(),
		SourceStatus: store.SourceStatusSuccess,
	}
	if err := f.store.UpsertMetroSchedule(ctx, row); err != nil {
		return store.MetroScheduleCacheRow{}, err
	}
	return row, nil
}

// PrefetchResult accumulates counters from a prefetch-all run.
type PrefetchResult struct {
	Total       int
	Stored      int
	Skipped     int
	Failed      int
	FailedPairs []FailedPair
}

// FailedPair records a per-(station, direction) failure.
type FailedPair struct {
	StationID   string
	DirectionID string
	Error       string
}

// stationPair is one (station, direction) pair enumerated from the static
// topology file, not the relational store (spec §4.6).
type stationPair struct {
	stationID   string
	directionID string
}

func (f *Fetcher) enumeratePairs(stationIDs []string) []stationPair {
	var pairs []stationPair
	for _, sid := range stationIDs {
		for _, dir := range f.topo.DirectionsAt(sid) {
			pairs = append(pairs, stationPair{stationID: sid, directionID: dir})
		}
	}
	return pairs
}

// PrefetchAll enumerates (station, direction) pairs from the topology file
// for the given station ids and fetches any missing or forced timetable.
func (f *Fetcher) PrefetchAll(ctx context.Context, stationIDs []string, validFor string, force bool, retentionDays int) (PrefetchResult, error) {
	var result PrefetchResult
	for _, pair := range f.enumeratePairs(stationIDs) {
		result.Total++

		if !force {
			has, err := f.store.HasSuccessfulMetroSchedule(ctx, pair.stationID, pair.directionID, validFor)
			if err == nil && has {
				result.Skipped++
				continue
			}
		}

		if _, err := f.FetchAndStore(ctx, pair.stationID, pair.directionID, validFor); err != nil {
			result.Failed++
			result.FailedPairs = append(result.FailedPairs, FailedPair{StationID: pair.stationID, DirectionID: pair.directionID, Error: err.Error()})
			f.markPending(pair.stationID, pair.directionID, validFor)
			continue
		}
		result.Stored++
		f.clearPending(pair.stationID, pair.directionID, validFor)
	}

	cutoff := shiftDate(validFor, -retentionDays)
	if _, err := f.store.DeleteMetroSchedulesBefore(ctx, cutoff); err != nil {
		return result, err
	}
	return result, nil
}

func shiftDate(dateStr string, days int) string {
	t, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return dateStr
	}
	return t.AddDate(0, 0, days).Format("2006-01-02")
}

func pendingKey(stationID, directionID string) string {
	return stationID + ":" + directionID
}

func (f *Fetcher) markPending(stationID, directionID, validFor string) {
	f.retryMu.Lock()
	defer f.retryMu.Unlock()
	key := pendingKey(stationID, directionID)
	if e, ok := f.retry[key]; ok {
		e.attempts++
		return
	}
	f.retry[key] = &retryEntry{stationID: stationID, directionID: directionID, validFor: validFor, attempts: 1}
}

func (f *Fetcher) clearPending(stationID, directionID, validFor string) {
	f.retryMu.Lock()
	defer f.retryMu.Unlock()
	delete(f.retry, pendingKey(stationID, directionID))
}

// PendingCount reports how many pairs are still awaiting a successful fetch.
func (f *Fetcher) PendingCount() int {
	f.retryMu.Lock()
	defer f.retryMu.Unlock()
	return len(f.retry)
}

// RetryPending retries every pending pair with force=true, abandoning
// entries that reach maxRetryAttempts.
func (f *Fetcher) RetryPending(ctx context.Context) {
	f.retryMu.Lock()
	entries := make([]*retryEntry, 0, len(f.retry))
	for _, e := range f.retry {
		entries = append(entries, e)
	}
	f.retryMu.Unlock()

	for _, e := range entries {
		if _, err := f.FetchAndStore(ctx, e.stationID, e.directionID, e.validFor); err != nil {
			f.retryMu.Lock()
			e.attempts++
			if e.attempts >= maxRetryAttempts {
				delete(f.retry, pendingKey(e.stationID, e.directionID))
			}
			f.retryMu.Unlock()
			continue
		}
		f.clearPending(e.stationID, e.directionID, e.validFor)
	}
}

// GetOrFetch implements the two-tier read path of spec §4.6: a row within
// tightStaleDays is served immediately; a row older than that but within
// maxStaleDays is only served if a live fetch is attempted first and fails.
func (f *Fetcher) GetOrFetch(ctx context.Context, stationID, directionID, validFor string, maxStaleDays int) (string, bool, bool, error) {
	if row, err := f.store.GetMetroSchedule(ctx, stationID, directionID, validFor); err == nil && row.SourceStatus == store.SourceStatusSuccess {
		return row.Payload, false, false, nil
	}

	stale, staleErr := f.store.LatestMetroScheduleOnOrBefore(ctx, stationID, directionID, validFor)
	hasStale := staleErr == nil

	tightFloor := shiftDate(validFor, -tightStaleDays)
	if hasStale && stale.ValidFor >= tightFloor {
		return stale.Payload, true, false, nil
	}

	row, err := f.FetchAndStore(ctx, stationID, directionID, validFor)
	if err == nil {
		return row.Payload, false, true, nil
	}
	f.markPending(stationID, directionID, validFor)

	extendedFloor := shiftDate(validFor, -maxStaleDays)
	if hasStale && stale.ValidFor >= extendedFloor {
		return stale.Payload, true, true, nil
	}

	return "{}", true, true, err
}

// LineTripsPerHour computes the line-level both-directions departures per
// hour by unioning Times across the directions exposed at each terminus
// and summing both termini (spec §4.6). M1 unions M1A and M1B.
func (f *Fetcher) LineTripsPerHour(ctx context.Context, lineCode, validFor string) ([24]int, error) {
	var total [24]int
	seen := map[string]bool{}
	for _, branch := range topology.M1Branches(lineCode) {
		termini := f.topo.Termini(branch)
		for _, stationID := range termini {
			if seen[stationID] {
				continue
			}
			seen[stationID] = true
			union := map[string]struct{}{}
			for _, dir := range f.topo.DirectionsAt(stationID) {
				payload, _, _, err := f.GetOrFetch(ctx, stationID, dir, validFor, 2)
				if err != nil {
					continue
				}
				for _, t := range extractTimes(payload) {
					union[t] = struct{}{}
				}
			}
			for t := range union {
				if h, ok := parseHour(t); ok {
					total[h]++
				}
			}
		}
	}
	return total, nil
}

func extractTimes(payload string) []string {
	var parsed upstreamResponse
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil
	}
	var times []string
	for _, d := range parsed.Data {
		times = append(times, d.TimeInfos.Times...)
	}
	return times
}

func parseHour(hhmm string) (int, bool) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	return h, true
}
