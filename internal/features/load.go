package features

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// LoadObservationsCSV reads the historical-features columnar file: header
// line "line_name,datetime,hour_of_day,y,lag_24h,lag_48h,lag_168h,roll_mean_24h,roll_std_24h".
// Blank numeric cells are treated as missing (NaN).
func LoadObservationsCSV(path string) ([]ObservationRow, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator config, not user input
	if err != nil {
		return nil, fmt.Errorf("open historical features file: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx, err := columnIndex(header, "line_name", "datetime", "hour_of_day", "y", "lag_24h", "lag_48h", "lag_168h", "roll_mean_24h", "roll_std_24h")
	if err != nil {
		return nil, err
	}

	var out []ObservationRow
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		hour, err := strconv.Atoi(strings.TrimSpace(rec[idx["hour_of_day"]]))
		if err != nil {
			continue
		}
		out = append(out, ObservationRow{
			LineName:  strings.TrimSpace(rec[idx["line_name"]]),
			Datetime:  strings.TrimSpace(rec[idx["datetime"]]),
			HourOfDay: hour,
			Y:         parseFloatOrNaN(rec[idx["y"]]),
			Lags: Lags{
				Lag24h:      parseFloatOrNaN(rec[idx["lag_24h"]]),
				Lag48h:      parseFloatOrNaN(rec[idx["lag_48h"]]),
				Lag168h:     parseFloatOrNaN(rec[idx["lag_168h"]]),
				RollMean24h: parseFloatOrNaN(rec[idx["roll_mean_24h"]]),
				RollStd24h:  parseFloatOrNaN(rec[idx["roll_std_24h"]]),
			},
		})
	}
	return out, nil
}

// LoadCalendarCSV reads the calendar dimension file: header line
// "date,day_of_week,is_weekend,month,season,is_school_term,is_holiday,holiday_win_m1,holiday_win_p1".
func LoadCalendarCSV(path string) ([]string, []CalendarRow, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator config, not user input
	if err != nil {
		return nil, nil, fmt.Errorf("open calendar dim file: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	idx, err := columnIndex(header, "date", "day_of_week", "is_weekend", "month", "season", "is_school_term", "is_holiday", "holiday_win_m1", "holiday_win_p1")
	if err != nil {
		return nil, nil, err
	}

	var dates []string
	var rows []CalendarRow
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row: %w", err)
		}
		dow, _ := strconv.Atoi(strings.TrimSpace(rec[idx["day_of_week"]]))
		month, _ := strconv.Atoi(strings.TrimSpace(rec[idx["month"]]))
		dates = append(dates, strings.TrimSpace(rec[idx["date"]]))
		rows = append(rows, CalendarRow{
			DayOfWeek:    dow,
			IsWeekend:    parseBool(rec[idx["is_weekend"]]),
			Month:        month,
			Season:       strings.TrimSpace(rec[idx["season"]]),
			IsSchoolTerm: parseBool(rec[idx["is_school_term"]]),
			IsHoliday:    parseBool(rec[idx["is_holiday"]]),
			HolidayWinM1: parseBool(rec[idx["holiday_win_m1"]]),
			HolidayWinP1: parseBool(rec[idx["holiday_win_p1"]]),
		})
	}
	return dates, rows, nil
}

func columnIndex(header []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.ToLower(h))] = i
	}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}
	return idx, nil
}

func parseFloatOrNaN(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "t", "yes":
		return true
	default:
		return false
	}
}
