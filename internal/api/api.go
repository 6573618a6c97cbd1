// Package api exposes the read-only Forecast API Layer plus the
// surrounding admin/auth/report endpoints over net/http's method+pattern
// routing, grounded on the teacher's Handler/Register/wrap shape.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobeam/stringy"
	"github.com/google/uuid"
	"github.com/ibbtransit/crowdcast/internal/auth"
	"github.com/ibbtransit/crowdcast/internal/busschedule"
	"github.com/ibbtransit/crowdcast/internal/capacity"
	"github.com/ibbtransit/crowdcast/internal/daytype"
	"github.com/ibbtransit/crowdcast/internal/forecast"
	"github.com/ibbtransit/crowdcast/internal/httpmw"
	"github.com/ibbtransit/crowdcast/internal/railschedule"
	"github.com/ibbtransit/crowdcast/internal/scheduler"
	"github.com/ibbtransit/crowdcast/internal/store"
	"github.com/ibbtransit/crowdcast/internal/topology"
	"github.com/ibbtransit/crowdcast/internal/validate"
)

const searchResultLimit = 15
const metroDurationTTL = 24 * time.Hour
const minutesPerStop = 3

// Handler serves every HTTP endpoint named in spec §6 plus the
// [EXPANSION] auth/report/arrivals surface.
type Handler struct {
	guard       *httpmw.Guard
	store       *store.Store
	capacity    *capacity.Store
	topo        *topology.Topology
	bus         *busschedule.Fetcher
	rail        *railschedule.Fetcher
	sched       *scheduler.Service
	forecast    *forecast.Engine
	auth        *auth.Service
	horizonDays int
	version     string
	loc         *time.Location

	durationMu    sync.Mutex
	durationCache map[string]durationCacheEntry
}

// Register builds a Handler and wires every route onto mux.
func Register(
	mux *http.ServeMux,
	guard *httpmw.Guard,
	st *store.Store,
	capacityStore *capacity.Store,
	topo *topology.Topology,
	bus *busschedule.Fetcher,
	rail *railschedule.Fetcher,
	sched *scheduler.Service,
	engine *forecast.Engine,
	authSvc *auth.Service,
	horizonDays int,
	version string,
	loc *time.Location,
) *Handler {
	h := &Handler{
		guard:         guard,
		store:         st,
		capacity:      capacityStore,
		topo:          topo,
		bus:           bus,
		rail:          rail,
		sched:         sched,
		forecast:      engine,
		auth:          authSvc,
		horizonDays:   horizonDays,
		version:       strings.TrimSpace(version),
		loc:           loc,
		durationCache: make(map[string]durationCacheEntry),
	}

	mux.HandleFunc("GET /forecast/{line_name}", h.getForecast)
	mux.HandleFunc("GET /lines/search", h.searchLines)
	mux.HandleFunc("GET /lines/{line_name}", h.getLine)
	mux.HandleFunc("GET /lines/{line_code}/schedule", h.getLineSchedule)
	mux.HandleFunc("POST /metro/schedule", h.postMetroSchedule)
	mux.HandleFunc("POST /metro/duration", h.postMetroDuration)
	mux.HandleFunc("GET /metro/arrivals/{station_id}", h.getMetroArrivals)
	mux.HandleFunc("POST /auth/login", h.login)
	mux.HandleFunc("GET /admin/scheduler/status", h.authRequired(h.schedulerStatus))
	mux.HandleFunc("POST /admin/scheduler/trigger/forecast", h.authRequired(h.triggerForecast))
	mux.HandleFunc("POST /admin/jobs/reset", h.authRequired(h.resetJobs))
	mux.HandleFunc("POST /reports", h.authRequired(h.createReport))
	mux.HandleFunc("GET /reports/{id}", h.authRequired(h.getReport))
	mux.HandleFunc("DELETE /reports/{id}", h.authRequired(h.deleteReport))

	return h
}

// authRequired gates a handler behind the CORS origin check and a valid
// bearer token, generalizing the teacher's cookie-based wrap.
func (h *Handler) authRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.guard.CheckOrigin(r) {
			writeError(w, http.StatusForbidden, "ORIGIN_DENIED", "request origin is not allowed", nil)
			return
		}
		withClaims, err := h.guard.RequireBearer(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		next(w, withClaims)
	}
}

// forecastHourResponse is one hourly entry of a /forecast/{line_name}
// response, matching the fields named in spec §6.
type forecastHourResponse struct {
	Hour           int      `json:"hour"`
	PredictedValue *float64 `json:"predicted_value"`
	OccupancyPct   *int     `json:"occupancy_pct"`
	CrowdLevel     string   `json:"crowd_level"`
	MaxCapacity    int      `json:"max_capacity"`
	InService      bool     `json:"in_service"`
}

func (h *Handler) getForecast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestedLine := r.PathValue("line_name")
	targetDate := strings.TrimSpace(r.URL.Query().Get("target_date"))
	direction := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("direction")))

	if targetDate == "" {
		writeError(w, http.StatusBadRequest, "MISSING_TARGET_DATE", "target_date is required", nil)
		return
	}
	if _, err := validate.TargetDate(targetDate, h.loc, 7); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_TARGET_DATE", err.Error(), nil)
		return
	}

	resolvedLine := requestedLine
	if topology.IsRailCode(requestedLine) {
		resolvedLine = topology.CanonicalRailLine(requestedLine)
	}
	if _, err := h.store.GetLine(ctx, resolvedLine); err != nil {
		if _, err2 := h.store.GetLine(ctx, requestedLine); err2 != nil {
			writeError(w, http.StatusNotFound, "LINE_NOT_FOUND", "unknown line", nil)
			return
		}
		resolvedLine = requestedLine
	}

	rows, err := h.store.ForecastsForLineDate(ctx, resolvedLine, targetDate)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to load forecasts", nil)
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "NO_FORECAST", "no forecasts for this line and date", nil)
		return
	}

	byHour := make(map[int]store.DailyForecast, len(rows))
	for _, row := range rows {
		byHour[row.Hour] = row
	}

	inService, err := h.serviceHours(ctx, requestedLine, direction)
	if err != nil {
		slog.Warn("service-hours derivation failed, treating line as always in service", "line", requestedLine, "err", err)
		inService = alwaysInService()
	}

	out := make([]forecastHourResponse, 24)
	for hour := 0; hour < 24; hour++ {
		row, hasRow := byHour[hour]
		resp := forecastHourResponse{Hour: hour, InService: hasRow && inService[hour]}
		if !resp.InService {
			resp.CrowdLevel = "Out of Service"
			if hasRow {
				resp.MaxCapacity = row.MaxCapacity
			}
			out[hour] = resp
			continue
		}
		pv := row.PredictedValue
		pct := row.OccupancyPct
		resp.PredictedValue = &pv
		resp.OccupancyPct = &pct
		resp.CrowdLevel = row.CrowdLevel
		resp.MaxCapacity = row.MaxCapacity
		out[hour] = resp
	}
	writeData(w, http.StatusOK, out)
}

// serviceHours derives the in-service hour set for lineCode/direction per
// spec §4.7 step 4: rail lines read static topology, Marmaray is
// hard-coded, bus lines read the cached schedule for today.
func (h *Handler) serviceHours(ctx context.Context, lineCode, direction string) (map[int]bool, error) {
	if topology.IsMarmaray(lineCode) {
		return inServiceWindow(topology.MarmarayFirstTime, topology.MarmarayLastTime)
	}
	if topology.IsRailCode(lineCode) {
		first, last, ok := h.topo.FirstLastTime(lineCode)
		if !ok {
			return nil, fmt.Errorf("no topology entry for rail line %s", lineCode)
		}
		return inServiceWindow(first, last)
	}

	today, _ := daytype.Today()
	payload, _, _, err := h.bus.GetOrFetch(ctx, lineCode, today, 2)
	if err != nil {
		return nil, err
	}
	if !payload.HasServiceToday {
		return allOutOfService(), nil
	}

	var times []string
	switch direction {
	case "G":
		times = payload.G
	case "D":
		times = payload.D
	default:
		times = append(append([]string{}, payload.G...), payload.D...)
	}
	if len(times) == 0 {
		return allOutOfService(), nil
	}
	firstHour, lastHour := boundingHours(times)
	return inServiceWindowHours(firstHour, lastHour), nil
}

func inServiceWindow(first, last string) (map[int]bool, error) {
	firstHour, ok1 := parseHourPrefix(first)
	lastHour, ok2 := parseHourPrefix(last)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("invalid service-hour bounds %q/%q", first, last)
	}
	return inServiceWindowHours(firstHour, lastHour), nil
}

// inServiceWindowHours applies the "+1 hour buffer after last_hour" rule,
// wrapping past midnight when firstHour falls after the buffered last hour.
func inServiceWindowHours(firstHour, lastHour int) map[int]bool {
	buffered := lastHour + 1
	out := make(map[int]bool, 24)
	for h := 0; h < 24; h++ {
		if firstHour < buffered {
			out[h] = h >= firstHour && h < buffered
		} else {
			out[h] = h >= firstHour || h < buffered
		}
	}
	return out
}

func boundingHours(times []string) (first, last int) {
	first, last = 23, 0
	for _, t := range times {
		h, ok := parseHourPrefix(t)
		if !ok {
			continue
		}
		if h < first {
			first = h
		}
		if h > last {
			last = h
		}
	}
	return first, last
}

func parseHourPrefix(hhmm string) (int, bool) {
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

func allOutOfService() map[int]bool {
	return make(map[int]bool, 24)
}

func alwaysInService() map[int]bool {
	out := make(map[int]bool, 24)
	for h := 0; h < 24; h++ {
		out[h] = true
	}
	return out
}

func (h *Handler) getLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lineName := r.PathValue("line_name")
	line, err := h.store.GetLine(ctx, lineName)
	if err != nil {
		writeError(w, http.StatusNotFound, "LINE_NOT_FOUND", "unknown line", nil)
		return
	}

	resp := map[string]any{
		"line_name":         line.LineName,
		"transport_type_id": line.TransportTypeID,
		"road_type":         line.RoadType,
		"description":       line.Description,
	}
	if meta, ok := h.capacity.Get(lineName); ok {
		resp["expected_capacity_weighted"] = meta.ExpectedCapacityWeighted
		resp["confidence"] = meta.Confidence
	}
	if topology.IsRailCode(lineName) {
		resp["termini"] = h.topo.Termini(lineName)
		if shape, ok := h.topo.Shape(lineName); ok {
			resp["shape"] = shape.Points
		}
	}
	writeData(w, http.StatusOK, resp)
}

func (h *Handler) searchLines(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeData(w, http.StatusOK, []string{})
		return
	}
	names, err := h.store.ListLineNames(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list lines", nil)
		return
	}
	writeData(w, http.StatusOK, rankLineMatches(names, query, searchResultLimit))
}

type scoredLine struct {
	name  string
	score int
}

// rankLineMatches orders candidates exact-match > starts-with > contains,
// with a compact (space-insensitive) fallback tier for the rest, per
// spec §6.
func rankLineMatches(names []string, query string, limit int) []string {
	lowerQuery := strings.ToLower(query)
	compactQuery := strings.ReplaceAll(stringy.New(lowerQuery).RemoveSpecialCharacter(), " ", "")

	var scored []scoredLine
	for _, name := range names {
		lowerName := strings.ToLower(name)
		switch {
		case lowerName == lowerQuery:
			scored = append(scored, scoredLine{name, 0})
		case strings.HasPrefix(lowerName, lowerQuery):
			scored = append(scored, scoredLine{name, 1})
		case strings.Contains(lowerName, lowerQuery):
			scored = append(scored, scoredLine{name, 2})
		default:
			compactName := strings.ReplaceAll(stringy.New(lowerName).RemoveSpecialCharacter(), " ", "")
			if compactQuery != "" && strings.Contains(compactName, compactQuery) {
				scored = append(scored, scoredLine{name, 3})
			}
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score < scored[j].score
		}
		return scored[i].name < scored[j].name
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.name
	}
	return out
}

func (h *Handler) getLineSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lineCode := r.PathValue("line_code")
	today, _ := daytype.Today()

	payload, _, fetchedLive, err := h.bus.GetOrFetch(ctx, lineCode, today, 2)
	if err != nil && fetchedLive {
		writeError(w, http.StatusInternalServerError, "UPSTREAM_FAILED", "schedule upstream hard-failed", nil)
		return
	}
	if len(payload.G) == 0 && len(payload.D) == 0 {
		writeError(w, http.StatusNotFound, "NO_SCHEDULE", "no schedule available for this line", nil)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"G": payload.G, "D": payload.D})
}

type metroPairRequest struct {
	BoardingStationId string `json:"BoardingStationId"`
	DirectionId       string `json:"DirectionId"`
	DateTime          string `json:"DateTime"`
}

func (h *Handler) postMetroSchedule(w http.ResponseWriter, r *http.Request) {
	var req metroPairRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if !h.validStationDirection(req.BoardingStationId, req.DirectionId) {
		writeError(w, http.StatusNotFound, "PAIR_NOT_FOUND", "unknown station/direction pair", nil)
		return
	}

	validFor := dateOnly(req.DateTime)
	payload, _, fetchedLive, err := h.rail.GetOrFetch(r.Context(), req.BoardingStationId, req.DirectionId, validFor, 7)
	if err != nil && fetchedLive {
		writeError(w, http.StatusGatewayTimeout, "UPSTREAM_FAILED", "rail upstream unavailable and no cached fallback", nil)
		return
	}
	writeData(w, http.StatusOK, json.RawMessage(payload))
}

type durationCacheEntry struct {
	minutes   int
	expiresAt time.Time
}

// postMetroDuration is a thin proxy stub: real inter-station travel-time
// data is an external collaborator per spec §1; this serves a topology-
// derived estimate behind a 24h TTL cache so the endpoint contract is
// exercised without a live travel-time upstream.
func (h *Handler) postMetroDuration(w http.ResponseWriter, r *http.Request) {
	var req metroPairRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if !h.validStationDirection(req.BoardingStationId, req.DirectionId) {
		writeError(w, http.StatusNotFound, "PAIR_NOT_FOUND", "unknown station/direction pair", nil)
		return
	}

	cacheKey := req.BoardingStationId + ":" + req.DirectionId
	if minutes, ok := h.cachedDuration(cacheKey); ok {
		writeData(w, http.StatusOK, map[string]any{"station_id": req.BoardingStationId, "direction_id": req.DirectionId, "minutes": minutes, "cached": true})
		return
	}

	minutes := h.estimateTravelMinutes(req.BoardingStationId)
	h.storeCachedDuration(cacheKey, minutes)
	writeData(w, http.StatusOK, map[string]any{"station_id": req.BoardingStationId, "direction_id": req.DirectionId, "minutes": minutes, "cached": false})
}

func (h *Handler) validStationDirection(stationID, directionID string) bool {
	if _, ok := h.topo.Station(stationID); !ok {
		return false
	}
	return containsString(h.topo.DirectionsAt(stationID), directionID)
}

func (h *Handler) cachedDuration(key string) (int, bool) {
	h.durationMu.Lock()
	defer h.durationMu.Unlock()
	entry, ok := h.durationCache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return 0, false
	}
	return entry.minutes, true
}

func (h *Handler) storeCachedDuration(key string, minutes int) {
	h.durationMu.Lock()
	defer h.durationMu.Unlock()
	h.durationCache[key] = durationCacheEntry{minutes: minutes, expiresAt: time.Now().Add(metroDurationTTL)}
}

func (h *Handler) estimateTravelMinutes(stationID string) int {
	station, ok := h.topo.Station(stationID)
	if !ok {
		return 0
	}
	termini := h.topo.Termini(station.LineCode)
	if len(termini) == 0 {
		return 0
	}
	return len(termini) * minutesPerStop
}

func (h *Handler) getMetroArrivals(w http.ResponseWriter, r *http.Request) {
	stationID := r.PathValue("station_id")
	if _, ok := h.topo.Station(stationID); !ok {
		writeError(w, http.StatusNotFound, "STATION_NOT_FOUND", "unknown station", nil)
		return
	}
	// Live arrivals are an external collaborator per spec §1; documented as
	// a pass-through stub until a real upstream is wired.
	writeData(w, http.StatusOK, map[string]any{
		"station_id": stationID,
		"arrivals":   []any{},
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	token, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid username or password", nil)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"access_token": token, "token_type": "Bearer"})
}

func (h *Handler) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.sched.Status())
}

type triggerForecastRequest struct {
	TargetDate string `json:"target_date"`
}

func (h *Handler) triggerForecast(w http.ResponseWriter, r *http.Request) {
	var req triggerForecastRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	targetDate := strings.TrimSpace(req.TargetDate)
	if targetDate == "" {
		targetDate, _ = daytype.Today()
	} else if _, err := time.Parse("2006-01-02", targetDate); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_TARGET_DATE", "target_date must be YYYY-MM-DD", nil)
		return
	}

	jobID := "forecast-manual-" + uuid.NewString()
	h.sched.AddOneshot(jobID, time.Now(), func(ctx context.Context, _ time.Time) error {
		return h.forecast.RunWithRetry(ctx, targetDate, h.horizonDays)
	})
	writeData(w, http.StatusAccepted, map[string]any{"job_id": jobID, "target_date": targetDate})
}

func (h *Handler) resetJobs(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.FailOrphanedRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to reset jobs", nil)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"reset_count": n})
}

type createReportRequest struct {
	LineName string `json:"line_name"`
	Category string `json:"category"`
	Body     string `json:"body"`
}

func (h *Handler) createReport(w http.ResponseWriter, r *http.Request) {
	claims, ok := httpmw.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing claims", nil)
		return
	}
	var req createReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	report, err := h.store.CreateReport(r.Context(), claims.UserID, req.LineName, req.Category, req.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to create report", nil)
		return
	}
	writeData(w, http.StatusCreated, report)
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "REPORT_NOT_FOUND", "unknown report", nil)
		return
	}
	writeData(w, http.StatusOK, report)
}

func (h *Handler) deleteReport(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteReport(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "REPORT_NOT_FOUND", "unknown report", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to delete report", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func dateOnly(dt string) string {
	dt = strings.TrimSpace(dt)
	if len(dt) >= 10 {
		return dt[:10]
	}
	today, _ := daytype.Today()
	return today
}

func containsString(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid json body: multiple json values")
	}
	return nil
}

func decodeOptionalJSON(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil
	}
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple json values are not allowed")
	}
	return nil
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	errObj := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		errObj["details"] = details
	}
	writeJSON(w, status, map[string]any{"error": errObj})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(payload); err != nil {
		slog.Error("json encode error", "err", err)
	}
}
