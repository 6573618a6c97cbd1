package capacity

import (
	"os"
	"path/filepath"
	"testing"
)

const testBaseJSON = `[
  {"line_code": "500T", "expected_capacity_weighted_int": 120, "confidence": "high"},
  {"line_code": "M1A", "expected_capacity_weighted_int": 900, "confidence": "medium"}
]`

const testOverrideYAML = `
- line_code: M1A
  expected_capacity: 950
  confidence: high
`

func TestLoadBaseOnly(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "capacity.json")
	if err := os.WriteFile(basePath, []byte(testBaseJSON), 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := Load(basePath, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	meta, ok := st.Get("500t")
	if !ok || meta.ExpectedCapacityWeighted != 120 {
		t.Fatalf("Get(500t) = %+v, ok=%v", meta, ok)
	}

	if _, ok := st.Get("UNKNOWN"); ok {
		t.Error("expected unknown line to be absent")
	}
}

func TestOverrideShadowsBase(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "capacity.json")
	overridePath := filepath.Join(dir, "override.yaml")
	if err := os.WriteFile(basePath, []byte(testBaseJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(overridePath, []byte(testOverrideYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := Load(basePath, overridePath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	meta, ok := st.Get("M1A")
	if !ok || meta.ExpectedCapacityWeighted != 950 || meta.Confidence != "high" {
		t.Fatalf("Get(M1A) = %+v, want override (950, high)", meta)
	}

	cap500T, ok := st.ExpectedCapacity("500T")
	if !ok || cap500T != 120 {
		t.Fatalf("ExpectedCapacity(500T) = %d, ok=%v, want 120 (base, no override)", cap500T, ok)
	}
}
