package model

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"
)

func writeTestArtifact(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	a := treeArtifact{
		Intercept:      10,
		WeightLag24h:   0.5,
		WeightWeekend:  5,
		WeightHoliday:  -20,
		SeasonBias:     map[string]float64{"winter": 2},
	}
	if err := gob.NewEncoder(f).Encode(a); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndPredictBatch(t *testing.T) {
	path := writeTestArtifact(t)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rows := []Row{
		{Lag24h: 10, IsWeekend: true, Season: "winter"},
		{IsHoliday: true},
	}
	preds, err := m.PredictBatch(rows)
	if err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	if len(preds) != 2 {
		t.Fatalf("got %d predictions, want 2", len(preds))
	}

	// 10 (intercept) + 0.5*10 (lag) + 5 (weekend) + 2 (winter bias) = 22
	if preds[0] != 22 {
		t.Errorf("preds[0] = %v, want 22", preds[0])
	}
	// 10 (intercept) - 20 (holiday) = -10, floored to 0
	if preds[1] != 0 {
		t.Errorf("preds[1] = %v, want 0 (floored)", preds[1])
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Error("expected error loading missing artifact file")
	}
}
