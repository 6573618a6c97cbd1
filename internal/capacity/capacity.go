// Package capacity loads the static per-line capacity metadata: the
// parquet-derived expected-capacity table and an optional rail-override
// YAML that takes precedence over it for the lines it names.
package capacity

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Meta is one line's capacity metadata.
type Meta struct {
	LineCode               string
	ExpectedCapacityWeighted int
	CapacityMin            *int
	CapacityMax            *int
	Confidence             string
	TopKModels             json.RawMessage
}

type metaFileRow struct {
	LineCode                 string `json:"line_code"`
	ExpectedCapacityWeighted int    `json:"expected_capacity_weighted_int"`
	CapacityMin              *int   `json:"capacity_min,omitempty"`
	CapacityMax              *int   `json:"capacity_max,omitempty"`
	Confidence               string `json:"confidence"`
	TopKModels               json.RawMessage `json:"top_k_models,omitempty"`
}

// railOverrideRow is one entry of the optional rail-capacity YAML override
// file; the file is a YAML list of these rows maintained by operators
// outside the parquet pipeline.
type railOverrideRow struct {
	LineCode        string `yaml:"line_code"`
	ExpectedCapacity int   `yaml:"expected_capacity"`
	Confidence      string `yaml:"confidence,omitempty"`
}

// Store is the in-memory, read-only capacity table, keyed by upper-cased
// line code. Rail-override entries shadow the base table per spec §9 (the
// YAML override wins when both exist for the same line).
type Store struct {
	base     map[string]Meta
	override map[string]Meta
}

// Load reads the base capacity metadata file (JSON array) and, if
// overridePath is non-empty, the optional rail-capacity YAML override.
func Load(basePath, overridePath string) (*Store, error) {
	raw, err := os.ReadFile(basePath) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, fmt.Errorf("read capacity metadata file: %w", err)
	}
	var rows []metaFileRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse capacity metadata file: %w", err)
	}

	st := &Store{
		base:     make(map[string]Meta, len(rows)),
		override: make(map[string]Meta),
	}
	for _, r := range rows {
		code := strings.ToUpper(r.LineCode)
		st.base[code] = Meta{
			LineCode:                 code,
			ExpectedCapacityWeighted: r.ExpectedCapacityWeighted,
			CapacityMin:              r.CapacityMin,
			CapacityMax:              r.CapacityMax,
			Confidence:               r.Confidence,
			TopKModels:               r.TopKModels,
		}
	}

	if overridePath == "" {
		return st, nil
	}
	rawYAML, err := os.ReadFile(overridePath) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, fmt.Errorf("read rail-capacity override file: %w", err)
	}
	var overrides []railOverrideRow
	if err := yaml.Unmarshal(rawYAML, &overrides); err != nil {
		return nil, fmt.Errorf("parse rail-capacity override file: %w", err)
	}
	for _, o := range overrides {
		code := strings.ToUpper(o.LineCode)
		st.override[code] = Meta{
			LineCode:                 code,
			ExpectedCapacityWeighted: o.ExpectedCapacity,
			Confidence:               o.Confidence,
		}
	}
	return st, nil
}

// Get returns the capacity metadata for a line code, preferring the
// rail-override table over the base table when both carry an entry for it.
func (s *Store) Get(lineCode string) (Meta, bool) {
	code := strings.ToUpper(lineCode)
	if m, ok := s.override[code]; ok {
		return m, true
	}
	m, ok := s.base[code]
	return m, ok
}

// ExpectedCapacity is a convenience accessor returning just the weighted
// capacity figure, or ok=false when the line is absent from both tables.
func (s *Store) ExpectedCapacity(lineCode string) (int, bool) {
	m, ok := s.Get(lineCode)
	if !ok {
		return 0, false
	}
	return m.ExpectedCapacityWeighted, true
}
