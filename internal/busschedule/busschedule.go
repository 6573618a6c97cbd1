// Package busschedule fetches, normalizes, and caches bus-line timetables
// from the SOAP planned-schedule feed, with per-line retry-until-success
// and stale-read fallback (spec §4.5).
package busschedule

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ibbtransit/crowdcast/internal/daytype"
	"github.com/ibbtransit/crowdcast/internal/store"
	fastshot "github.com/opus-domini/fast-shot"
)

const (
	fetchTimeout     = 15 * time.Second
	maxFetchAttempts = 3
	maxRetryAttempts = 10

	transportTypeBus = 1
)

// Payload is the canonical per-(line, valid_for, day_type) schedule record
// persisted as JSON in BusScheduleCache.
type Payload struct {
	G             []string       `json:"G"`
	D             []string       `json:"D"`
	Meta          map[string]Meta `json:"meta"`
	HasServiceToday bool         `json:"has_service_today"`
	DataStatus    string         `json:"data_status"`
	DayType       string         `json:"day_type"`
	ValidFor      string         `json:"valid_for"`
}

// Meta is the per-direction route-name derived start/end terminus.
type Meta struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

const (
	DataStatusOK           = "OK"
	DataStatusNoServiceDay = "NO_SERVICE_DAY"
	DataStatusNoData       = "NO_DATA"
)

// rawRow is one row of the SOAP dataset, tag-insensitively decoded below.
type rawRow struct {
	DayType   string
	Direction string
	Time      string
	RouteName string
}

// soapEnvelope is a loosely-typed XML decode target: the upstream's exact
// element names vary (documented field-name variants), so rows are decoded
// into a generic struct and field lookup is done case-insensitively.
type soapEnvelope struct {
	XMLName xml.Name   `xml:"Envelope"`
	Body    soapBody   `xml:"Body"`
}

type soapBody struct {
	Response soapResponse `xml:",any"`
}

type soapResponse struct {
	Rows []soapRow `xml:"Table"`
}

type soapRow struct {
	Fields []soapField `xml:",any"`
}

type soapField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func (r soapRow) field(names ...string) string {
	for _, f := range r.Fields {
		local := strings.ToLower(f.XMLName.Local)
		for _, n := range names {
			if local == strings.ToLower(n) {
				return strings.TrimSpace(f.Value)
			}
		}
	}
	return ""
}

// Fetcher retrieves and caches bus timetables.
type Fetcher struct {
	http  fastshot.ClientHttpMethods
	store *store.Store

	retryMu sync.Mutex
	retry   map[string]*retryEntry
}

type retryEntry struct {
	lineCode string
	validFor string
	attempts int
}

// New builds a bus-schedule fetcher posting to soapURL.
func New(soapURL string, st *store.Store) *Fetcher {
	return &Fetcher{
		http:  fastshot.NewClient(soapURL).Config().SetTimeout(fetchTimeout).Build(),
		store: st,
		retry: make(map[string]*retryEntry),
	}
}

const soapEnvelopeTemplate = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <GetLineTimeTable xmlns="http://tempuri.org/">
      <HatKodu>%s</HatKodu>
    </GetLineTimeTable>
  </soap:Body>
</soap:Envelope>`

// fetchRaw POSTs the SOAP request for one line, retrying on timeout,
// network error, or parse failure up to maxFetchAttempts times with linear
// backoff 4*attempt seconds (spec §4.5).
func (f *Fetcher) fetchRaw(ctx context.Context, lineCode string) ([]rawRow, error) {
	body := fmt.Sprintf(soapEnvelopeTemplate, lineCode)

	var lastErr error
	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		resp, err := f.http.POST("/").
			Body().AsString(body).
			Header().Add("Content-Type", "text/xml; charset=utf-8").
			Send()
		if err == nil && !resp.Status().IsError() {
			raw, readErr := resp.Body().AsString()
			if readErr == nil {
				rows, parseErr := parseSOAP(raw)
				if parseErr == nil {
					return rows, nil
				}
				lastErr = parseErr
			} else {
				lastErr = readErr
			}
		} else if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode())
		}

		if attempt < maxFetchAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(4*attempt) * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("bus soap fetch %s: %w", lineCode, lastErr)
}

func parseSOAP(raw string) ([]rawRow, error) {
	var env soapEnvelope
	if err := xml.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode soap envelope: %w", err)
	}
	rows := make([]rawRow, 0, len(env.Body.Response.Rows))
	for _, r := range env.Body.Response.Rows {
		rows = append(rows, rawRow{
			DayType:   r.field("gunturu", "day_type", "daytype"),
			Direction: r.field("yon", "direction"),
			Time:      r.field("saat", "time", "departuretime"),
			RouteName: r.field("guzergah", "routename", "route_name"),
		})
	}
	return rows, nil
}

// Normalize builds the canonical payload for a target civil date from raw
// upstream rows (spec §4.5 normalization step).
func Normalize(rows []rawRow, targetDate string) Payload {
	code := daytype.For(targetDate)

	byDir := map[string][]string{"G": {}, "D": {}}
	var routeName string
	matched := false
	for _, r := range rows {
		if r.DayType != code {
			continue
		}
		matched = true
		dir := strings.ToUpper(r.Direction)
		if dir != "G" && dir != "D" {
			continue
		}
		if r.Time != "" {
			byDir[dir] = append(byDir[dir], r.Time)
		}
		if routeName == "" && r.RouteName != "" {
			routeName = r.RouteName
		}
	}

	for dir := range byDir {
		sort.Strings(byDir[dir])
	}

	meta := map[string]Meta{}
	if start, end, ok := splitRouteName(routeName); ok {
		meta["G"] = Meta{Start: start, End: end}
		meta["D"] = Meta{Start: end, End: start}
	}

	hasService := len(byDir["G"]) > 0 || len(byDir["D"]) > 0
	status := DataStatusOK
	switch {
	case !matched:
		status = DataStatusNoData
	case !hasService:
		status = DataStatusNoServiceDay
	}

	return Payload{
		G:               byDir["G"],
		D:               byDir["D"],
		Meta:            meta,
		HasServiceToday: hasService,
		DataStatus:      status,
		DayType:         code,
		ValidFor:        targetDate,
	}
}

// splitRouteName parses a "START - END" route name, per spec §4.5.
func splitRouteName(routeName string) (start, end string, ok bool) {
	parts := strings.SplitN(routeName, " - ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
}

// FetchAndStore fetches, normalizes, and persists a single line's
// timetable for targetDate, returning the stored row.
func (f *Fetcher) FetchAndStore(ctx context.Context, lineCode, targetDate string) (store.BusScheduleCacheRow, error) {
	code := daytype.For(targetDate)
	rows, err := f.fetchRaw(ctx, lineCode)
	if err != nil {
		row := store.BusScheduleCacheRow{
			LineCode:     lineCode,
			ValidFor:     targetDate,
			DayType:      code,
			Payload:      mustMarshal(Payload{DataStatus: DataStatusNoData, DayType: code, ValidFor: targetDate}),
			FetchedAt:    store.NowUTC(),
			SourceStatus: store.SourceStatusFailed,
			ErrorMessage: err.Error(),
		}
		_ = f.store.UpsertBusSchedule(ctx, row)
		return row, err
	}

	payload := Normalize(rows, targetDate)
	row := store.BusScheduleCacheRow{
		LineCode:     lineCode,
		ValidFor:     targetDate,
		DayType:      code,
		Payload:      mustMarshal(payload),
		FetchedAt:    store.NowUTC(),
		SourceStatus: store.SourceStatusSuccess,
	}
	if err := f.store.UpsertBusSchedule(ctx, row); err != nil {
		return store.BusScheduleCacheRow{}, err
	}
	return row, nil
}

func mustMarshal(p Payload) string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// PrefetchResult accumulates counters from a prefetch-all run (spec §4.5).
type PrefetchResult struct {
	Total       int
	Stored      int
	Skipped     int
	Failed      int
	FailedLines []FailedLine
}

// FailedLine records a per-line failure from a prefetch run.
type FailedLine struct {
	LineCode string
	Error    string
}

// PrefetchAll enumerates bus lines (transport_type_id == 1) and fetches any
// missing or forced timetable, then runs the retention sweep.
func (f *Fetcher) PrefetchAll(ctx context.Context, validFor string, force bool, retentionDays int) (PrefetchResult, error) {
	if validFor == "" {
		validFor, _ = daytype.Today()
	}
	lines, err := f.store.ListLines(ctx)
	if err != nil {
		return PrefetchResult{}, err
	}
	code := daytype.For(validFor)

	var result PrefetchResult
	for _, line := range lines {
		if line.TransportTypeID != transportTypeBus {
			continue
		}
		result.Total++

		if !force {
			has, err := f.store.HasSuccessfulBusSchedule(ctx, line.LineName, validFor, code)
			if err == nil && has {
				result.Skipped++
				continue
			}
		}

		if _, err := f.FetchAndStore(ctx, line.LineName, validFor); err != nil {
			result.Failed++
			result.FailedLines = append(result.FailedLines, FailedLine{LineCode: line.LineName, Error: err.Error()})
			f.markPending(line.LineName, validFor)
			continue
		}
		result.Stored++
		f.clearPending(line.LineName, validFor)
	}

	cutoff := shiftDate(validFor, -retentionDays)
	if _, err := f.store.DeleteBusSchedulesBefore(ctx, cutoff); err != nil {
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

func pendingKey(lineCode, validFor string) string {
	return lineCode + ":" + validFor
}

func (f *Fetcher) markPending(lineCode, validFor string) {
	f.retryMu.Lock()
	defer f.retryMu.Unlock()
	key := pendingKey(lineCode, validFor)
	if e, ok := f.retry[key]; ok {
		e.attempts++
		return
	}
	f.retry[key] = &retryEntry{lineCode: lineCode, validFor: validFor, attempts: 1}
}

func (f *Fetcher) clearPending(lineCode, validFor string) {
	f.retryMu.Lock()
	defer f.retryMu.Unlock()
	delete(f.retry, pendingKey(lineCode, validFor))
}

// PendingCount reports how many lines are still awaiting a successful
// fetch, used by the scheduler to decide whether to keep the retry job
// registered.
func (f *Fetcher) PendingCount() int {
	f.retryMu.Lock()
	defer f.retryMu.Unlock()
	return len(f.retry)
}

// RetryPending retries every line in the pending map with force=true.
// Entries reaching maxRetryAttempts are dropped as abandoned.
func (f *Fetcher) RetryPending(ctx context.Context) {
	f.retryMu.Lock()
	entries := make([]*retryEntry, 0, len(f.retry))
	for _, e := range f.retry {
		entries = append(entries, e)
	}
	f.retryMu.Unlock()

	for _, e := range entries {
		if _, err := f.FetchAndStore(ctx, e.lineCode, e.validFor); err != nil {
			f.retryMu.Lock()
			e.attempts++
			if e.attempts >= maxRetryAttempts {
				delete(f.retry, pendingKey(e.lineCode, e.validFor))
			}
			f.retryMu.Unlock()
			continue
		}
		f.clearPending(e.lineCode, e.validFor)
	}
}

// GetOrFetch implements the read path: exact SUCCESS row, else stale
// fallback within maxStaleDays, else a live fetch (spec §4.5).
func (f *Fetcher) GetOrFetch(ctx context.Context, lineCode, validFor string, maxStaleDays int) (Payload, bool, bool, error) {
	code := daytype.For(validFor)

	if row, err := f.store.GetBusSchedule(ctx, lineCode, validFor, code); err == nil && row.SourceStatus == store.SourceStatusSuccess {
		return decodePayload(row.Payload), false, false, nil
	}

	staleFloor := shiftDate(validFor, -maxStaleDays)
	if row, err := f.store.LatestBusScheduleOnOrBefore(ctx, lineCode, code, validFor); err == nil && row.ValidFor >= staleFloor {
		return decodePayload(row.Payload), true, false, nil
	}

	row, err := f.FetchAndStore(ctx, lineCode, validFor)
	if err != nil {
		f.markPending(lineCode, validFor)
		return Payload{DataStatus: DataStatusNoData, DayType: code, ValidFor: validFor}, true, true, err
	}
	return decodePayload(row.Payload), false, true, nil
}

func decodePayload(raw string) Payload {
	var p Payload
	_ = json.Unmarshal([]byte(raw), &p)
	return p
}

// TripsPerHour projects a cached payload into a length-24 vector where
// bucket h counts departures across G union D whose hour equals h (spec
// §4.5).
func TripsPerHour(p Payload) [24]int {
	var hours [24]int
	for _, t := range p.G {
		if h, ok := parseHour(t); ok {
			hours[h]++
		}
	}
	for _, t := range p.D {
		if h, ok := parseHour(t); ok {
			hours[h]++
		}
	}
	return hours
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
