package topology

import (
	"os"
	"path/filepath"
	"testing"
)

const testTopologyJSON = `{
  "stations": [
    {"station_id": "S1", "name": "Station One", "line_code": "M1A", "directions": ["G", "D"]},
    {"station_id": "S2", "name": "Station Two", "line_code": "M1A", "directions": ["G"]},
    {"station_id": "S3", "name": "Station Three", "line_code": "M2", "directions": ["G", "D"]}
  ],
  "lines": [
    {"line_code": "M1", "first_time": "06:00", "last_time": "00:30", "termini": ["S1", "S2"]},
    {"line_code": "M2", "first_time": "06:30", "last_time": "23:50", "termini": []}
  ]
}`

const testShapesJSON = `[
  {"line_code": "M2", "points": [[41.0, 29.0], [41.1, 29.1]]}
]`

func writeTestFiles(t *testing.T) (topologyPath, shapesPath string) {
	t.Helper()
	dir := t.TempDir()
	topologyPath = filepath.Join(dir, "topology.json")
	shapesPath = filepath.Join(dir, "shapes.json")
	if err := os.WriteFile(topologyPath, []byte(testTopologyJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(shapesPath, []byte(testShapesJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	return topologyPath, shapesPath
}

func TestLoadAndLookups(t *testing.T) {
	topologyPath, shapesPath := writeTestFiles(t)
	topo, err := Load(topologyPath, shapesPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, ok := topo.Station("S1"); !ok {
		t.Fatal("expected station S1 to be found")
	}
	if _, ok := topo.Station("unknown"); ok {
		t.Fatal("expected unknown station to be absent")
	}

	if dirs := topo.DirectionsAt("S2"); len(dirs) != 1 || dirs[0] != "G" {
		t.Fatalf("DirectionsAt(S2) = %v, want [G]", dirs)
	}

	if _, ok := topo.Shape("M2"); !ok {
		t.Fatal("expected shape for M2")
	}
	if _, ok := topo.Shape("M1"); ok {
		t.Fatal("expected no shape for M1")
	}

	ids := topo.StationIDs()
	if len(ids) != 3 {
		t.Fatalf("StationIDs() returned %d ids, want 3", len(ids))
	}
}

func TestCanonicalRailLine(t *testing.T) {
	cases := map[string]string{
		"M1A": "M1",
		"M1B": "M1",
		"M2":  "M2",
		"m1a": "M1",
	}
	for code, want := range cases {
		if got := CanonicalRailLine(code); got != want {
			t.Errorf("CanonicalRailLine(%s) = %s, want %s", code, got, want)
		}
	}
}

func TestIsRailCode(t *testing.T) {
	cases := map[string]bool{
		"M1A": true,
		"F1":  true,
		"T1":  true,
		"500": false,
		"":    false,
	}
	for code, want := range cases {
		if got := IsRailCode(code); got != want {
			t.Errorf("IsRailCode(%s) = %v, want %v", code, got, want)
		}
	}
}

func TestIsMarmaray(t *testing.T) {
	if !IsMarmaray("marmaray") {
		t.Error("expected case-insensitive Marmaray match")
	}
	if IsMarmaray("M1") {
		t.Error("expected M1 to not match Marmaray")
	}
}

func TestFirstLastTime(t *testing.T) {
	topologyPath, shapesPath := writeTestFiles(t)
	topo, err := Load(topologyPath, shapesPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	first, last, ok := topo.FirstLastTime("M1A")
	if !ok || first != "06:00" || last != "00:30" {
		t.Fatalf("FirstLastTime(M1A) = %q, %q, %v", first, last, ok)
	}

	first, last, ok = topo.FirstLastTime("MARMARAY")
	if !ok || first != MarmarayFirstTime || last != MarmarayLastTime {
		t.Fatalf("FirstLastTime(MARMARAY) = %q, %q, %v", first, last, ok)
	}

	if _, _, ok := topo.FirstLastTime("UNKNOWN"); ok {
		t.Fatal("expected unknown line to report ok=false")
	}
}

func TestTerminiFallsBackToStationOrder(t *testing.T) {
	topologyPath, shapesPath := writeTestFiles(t)
	topo, err := Load(topologyPath, shapesPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	termini := topo.Termini("M1A")
	if len(termini) != 2 || termini[0] != "S1" || termini[1] != "S2" {
		t.Fatalf("Termini(M1A) = %v, want explicit [S1 S2]", termini)
	}

	termini = topo.Termini("M2")
	if len(termini) != 1 || termini[0] != "S3" {
		t.Fatalf("Termini(M2) = %v, want fallback [S3]", termini)
	}
}

func TestM1Branches(t *testing.T) {
	branches := M1Branches("M1")
	if len(branches) != 2 || branches[0] != "M1A" || branches[1] != "M1B" {
		t.Fatalf("M1Branches(M1) = %v", branches)
	}
	if got := M1Branches("M2"); len(got) != 1 || got[0] != "M2" {
		t.Fatalf("M1Branches(M2) = %v, want [M2]", got)
	}
}
