package features

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadObservationsCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "observations.csv")
	content := "line_name,datetime,hour_of_day,y,lag_24h,lag_48h,lag_168h,roll_mean_24h,roll_std_24h\n" +
		"500T,2026-07-30 08:00:00,8,100,90,85,95,88,5\n" +
		"500T,2026-07-30 09:00:00,9,,,,,, \n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	rows, err := LoadObservationsCSV(path)
	if err != nil {
		t.Fatalf("LoadObservationsCSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Y != 100 || rows[0].Lags.Lag24h != 90 {
		t.Errorf("rows[0] = %+v", rows[0])
	}
	if !math.IsNaN(rows[1].Y) {
		t.Errorf("rows[1].Y = %v, want NaN for blank cell", rows[1].Y)
	}
}

func TestLoadObservationsCSVMissingColumn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(path, []byte("line_name,datetime\nfoo,bar\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadObservationsCSV(path); err == nil {
		t.Error("expected error for missing required column")
	}
}

func TestLoadCalendarCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calendar.csv")
	content := "date,day_of_week,is_weekend,month,season,is_school_term,is_holiday,holiday_win_m1,holiday_win_p1\n" +
		"2026-07-30,4,false,7,summer,true,false,false,false\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	dates, rows, err := LoadCalendarCSV(path)
	if err != nil {
		t.Fatalf("LoadCalendarCSV: %v", err)
	}
	if len(dates) != 1 || dates[0] != "2026-07-30" {
		t.Fatalf("dates = %v", dates)
	}
	if rows[0].Season != "summer" || rows[0].DayOfWeek != 4 || !rows[0].IsSchoolTerm {
		t.Errorf("rows[0] = %+v", rows[0])
	}
}
