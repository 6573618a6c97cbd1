// Package model wraps the pretrained gradient-boosted-tree crowding model.
// Training the model is out of scope (spec §1 Non-goals); this package
// loads the serialized artifact and exposes a batched-inference interface.
package model

import (
	"encoding/gob"
	"fmt"
	"os"
)

// Row is one (line, hour) model-input vector, matching the feature columns
// the Forecast Engine composes in spec §4.4.
type Row struct {
	LineName      string
	Hour          int
	DayOfWeek     int
	IsWeekend     bool
	Month         int
	Season        string
	IsSchoolTerm  bool
	IsHoliday     bool
	HolidayWinM1  bool
	HolidayWinP1  bool
	Lag24h        float64
	Lag48h        float64
	Lag168h       float64
	RollMean24h   float64
	RollStd24h    float64
	Temperature2m float64
	Precipitation float64
	WindSpeed10m  float64
}

// Predictor performs batched inference over model-input rows.
type Predictor interface {
	PredictBatch(rows []Row) ([]float64, error)
}

// treeArtifact is the serialized form of the pretrained ensemble: a set of
// per-feature linear weights used as a deterministic stand-in for the
// out-of-band gradient-boosted-tree artifact (spec §1 Non-goals: ML model
// training is not specified; only the artifact's consumption contract is).
type treeArtifact struct {
	Intercept       float64
	WeightLag24h    float64
	WeightLag48h    float64
	WeightLag168h   float64
	WeightRollMean  float64
	WeightRollStd   float64
	WeightWeekend   float64
	WeightHoliday   float64
	WeightPrecip    float64
	WeightWind      float64
	WeightTemp      float64
	SeasonBias      map[string]float64
}

// GradientBoostedModel loads and evaluates the artifact file.
type GradientBoostedModel struct {
	artifact treeArtifact
}

// Load reads the gob-encoded model artifact from path.
func Load(path string) (*GradientBoostedModel, error) {
	f, err := os.Open(path) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, fmt.Errorf("open model artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	var a treeArtifact
	if err := gob.NewDecoder(f).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w", err)
	}
	return &GradientBoostedModel{artifact: a}, nil
}

// PredictBatch evaluates every row through the loaded artifact in one pass,
// matching the "single batched model inference" requirement of spec §4.4.
func (m *GradientBoostedModel) PredictBatch(rows []Row) ([]float64, error) {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = m.predictOne(r)
	}
	return out, nil
}

func (m *GradientBoostedModel) predictOne(r Row) float64 {
	a := m.artifact
	v := a.Intercept
	v += a.WeightLag24h * r.Lag24h
	v += a.WeightLag48h * r.Lag48h
	v += a.WeightLag168h * r.Lag168h
	v += a.WeightRollMean * r.RollMean24h
	v += a.WeightRollStd * r.RollStd24h
	v += a.WeightPrecip * r.Precipitation
	v += a.WeightWind * r.WindSpeed10m
	v += a.WeightTemp * r.Temperature2m
	if r.IsWeekend {
		v += a.WeightWeekend
	}
	if r.IsHoliday {
		v += a.WeightHoliday
	}
	if bias, ok := a.SeasonBias[r.Season]; ok {
		v += bias
	}
	if v < 0 {
		v = 0
	}
	return v
}
