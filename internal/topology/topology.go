// Package topology loads the static network description: rail stations and
// their directions, line termini, first/last service times, and route
// polylines. It is read-only after Load.
package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Station is one rail station with the directions served from it.
type Station struct {
	StationID  string   `json:"station_id"`
	Name       string   `json:"name"`
	LineCode   string   `json:"line_code"`
	Directions []string `json:"directions"` // direction ids reachable from this station
}

// Line holds a rail or bus line's service-hours and terminus metadata.
type Line struct {
	LineCode  string   `json:"line_code"`
	FirstTime string   `json:"first_time"` // "HH:MM", may wrap past midnight relative to LastTime
	LastTime  string   `json:"last_time"`
	Termini   []string `json:"termini"` // station_ids at the two ends
}

// Shape is a route polyline for map rendering.
type Shape struct {
	LineCode string      `json:"line_code"`
	Points   [][2]float64 `json:"points"` // [lat, lon] pairs
}

type topologyFile struct {
	Stations []Station `json:"stations"`
	Lines    []Line    `json:"lines"`
}

// Topology is the in-memory static network description.
type Topology struct {
	stations map[string]Station
	lines    map[string]Line
	shapes   map[string]Shape

	// stationsByLine groups station ids by the rail line they belong to,
	// in file order, used to derive termini for lines whose Termini field
	// is absent.
	stationsByLine map[string][]string
}

// railMarmarayCode is the hard-coded rail line with fixed, non-topology
// service hours per spec §4.7 step 4.
const railMarmarayCode = "MARMARAY"

// MarmarayFirstTime and MarmarayLastTime are the fixed service-hour bounds
// for the Marmaray line (wraps past midnight).
const (
	MarmarayFirstTime = "06:00"
	MarmarayLastTime  = "00:00"
)

// Load reads the static topology JSON file (stations + lines) and an
// optional line-shape JSON file (polylines for map rendering). shapesPath
// may be empty, in which case no shapes are loaded.
func Load(topologyPath, shapesPath string) (*Topology, error) {
	raw, err := os.ReadFile(topologyPath) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	var tf topologyFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("parse topology file: %w", err)
	}

	t := &Topology{
		stations:       make(map[string]Station, len(tf.Stations)),
		lines:          make(map[string]Line, len(tf.Lines)),
		shapes:         make(map[string]Shape),
		stationsByLine: make(map[string][]string),
	}
	for _, st := range tf.Stations {
		t.stations[st.StationID] = st
		t.stationsByLine[st.LineCode] = append(t.stationsByLine[st.LineCode], st.StationID)
	}
	for _, ln := range tf.Lines {
		t.lines[strings.ToUpper(ln.LineCode)] = ln
	}

	if shapesPath != "" {
		rawShapes, err := os.ReadFile(shapesPath) //nolint:gosec // operator-configured path
		if err != nil {
			return nil, fmt.Errorf("read line-shape file: %w", err)
		}
		var shapes []Shape
		if err := json.Unmarshal(rawShapes, &shapes); err != nil {
			return nil, fmt.Errorf("parse line-shape file: %w", err)
		}
		for _, sh := range shapes {
			t.shapes[strings.ToUpper(sh.LineCode)] = sh
		}
	}

	return t, nil
}

// Station returns a station by id.
func (t *Topology) Station(stationID string) (Station, bool) {
	s, ok := t.stations[stationID]
	return s, ok
}

// Shape returns the route polyline for a line code, if one was loaded.
func (t *Topology) Shape(lineCode string) (Shape, bool) {
	sh, ok := t.shapes[strings.ToUpper(lineCode)]
	return sh, ok
}

// IsRailCode reports whether a line code denotes a rail line (metro, funicular,
// or tram codes start with M, F, or T) per spec §4.7 step 4.
func IsRailCode(lineCode string) bool {
	if lineCode == "" {
		return false
	}
	switch strings.ToUpper(lineCode)[0] {
	case 'M', 'F', 'T':
		return true
	default:
		return false
	}
}

// IsMarmaray reports whether the code refers to the Marmaray suburban line.
func IsMarmaray(lineCode string) bool {
	return strings.EqualFold(lineCode, railMarmarayCode)
}

// CanonicalRailLine maps a direction-qualified rail code to its forecast
// line (e.g. M1A/M1B -> M1), per spec §4.7 step 1. Codes with no known
// alias are returned unchanged.
func CanonicalRailLine(lineCode string) string {
	upper := strings.ToUpper(lineCode)
	if alias, ok := railAliases[upper]; ok {
		return alias
	}
	return upper
}

// railAliases lists the direction-branch codes that collapse to a single
// forecast line. M1A/M1B are the documented example (spec §4.6, §4.7); kept
// as a small static table since the topology file does not carry alias
// metadata.
var railAliases = map[string]string{
	"M1A": "M1",
	"M1B": "M1",
}

// FirstLastTime returns the configured service-hour bounds for a rail line
// code, honoring the Marmaray hard-code and falling back to false when the
// line is absent from the topology file.
func (t *Topology) FirstLastTime(lineCode string) (first, last string, ok bool) {
	if IsMarmaray(lineCode) {
		return MarmarayFirstTime, MarmarayLastTime, true
	}
	ln, found := t.lines[strings.ToUpper(CanonicalRailLine(lineCode))]
	if !found {
		return "", "", false
	}
	return ln.FirstTime, ln.LastTime, true
}

// Termini returns the terminus station ids for a rail line code, falling
// back to the first and last station seen in file order for that line when
// the Line entry's Termini field was left empty.
func (t *Topology) Termini(lineCode string) []string {
	code := strings.ToUpper(CanonicalRailLine(lineCode))
	if ln, ok := t.lines[code]; ok && len(ln.Termini) > 0 {
		return ln.Termini
	}
	stations := t.stationsByLine[code]
	if len(stations) == 0 {
		return nil
	}
	if len(stations) == 1 {
		return stations
	}
	return []string{stations[0], stations[len(stations)-1]}
}

// DirectionsAt returns the direction ids served from a station.
func (t *Topology) DirectionsAt(stationID string) []string {
	st, ok := t.stations[stationID]
	if !ok {
		return nil
	}
	return st.Directions
}

// StationIDs returns every known rail station id, used to enumerate the
// daily rail-schedule prefetch sweep.
func (t *Topology) StationIDs() []string {
	out := make([]string, 0, len(t.stations))
	for id := range t.stations {
		out = append(out, id)
	}
	return out
}

// M1Branches returns the M1A/M1B branch codes unioned for line-level
// trips-per-hour projection (spec §4.6: "M1 is treated as the union of M1A
// and M1B").
func M1Branches(lineCode string) []string {
	if strings.EqualFold(lineCode, "M1") {
		return []string{"M1A", "M1B"}
	}
	return []string{lineCode}
}
