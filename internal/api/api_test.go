package api

import "testing"

func TestInServiceWindowHoursNonWrapping(t *testing.T) {
	in := inServiceWindowHours(6, 22)
	for h := 0; h < 24; h++ {
		want := h >= 6 && h < 23
		if in[h] != want {
			t.Errorf("hour %d: in_service = %v, want %v", h, in[h], want)
		}
	}
}

// TestInServiceWindowHoursWrapsPastMidnight matches spec's documented
// testable property: first=06:00, last=00:00 -> hours 1..5 out of service,
// hours 0 and 6..23 in service.
func TestInServiceWindowHoursWrapsPastMidnight(t *testing.T) {
	in := inServiceWindowHours(6, 0)
	for h := 1; h <= 5; h++ {
		if in[h] {
			t.Errorf("hour %d: expected out of service", h)
		}
	}
	for _, h := range []int{0, 6, 12, 23} {
		if !in[h] {
			t.Errorf("hour %d: expected in service", h)
		}
	}
}

// TestInServiceWindowHoursScenarioFour matches scenario 4: first=06:00,
// last=00:30 (wraps) -> same hour-bucket result as last=00:00 since only
// the hour component is used.
func TestInServiceWindowHoursScenarioFour(t *testing.T) {
	in := inServiceWindowHours(6, 0)
	for h := 1; h <= 5; h++ {
		if in[h] {
			t.Errorf("hour %d: expected out of service", h)
		}
	}
	if !in[0] {
		t.Error("hour 0: expected in service")
	}
	for h := 6; h < 24; h++ {
		if !in[h] {
			t.Errorf("hour %d: expected in service", h)
		}
	}
}

func TestParseHourPrefix(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantOk  bool
	}{
		{"06:00", 6, true},
		{"23:59", 23, true},
		{"0:00", 0, true},
		{"bad", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseHourPrefix(tc.in)
		if got != tc.want || ok != tc.wantOk {
			t.Errorf("parseHourPrefix(%q) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.wantOk)
		}
	}
}

func TestBoundingHours(t *testing.T) {
	first, last := boundingHours([]string{"08:15", "06:30", "22:00", "23:45"})
	if first != 6 || last != 23 {
		t.Errorf("boundingHours = (%d, %d), want (6, 23)", first, last)
	}
}

func TestRankLineMatchesOrdering(t *testing.T) {
	names := []string{"34BZ", "34B", "500T", "34Besiktas"}
	got := rankLineMatches(names, "34B", 15)
	want := []string{"34B", "34BZ", "34Besiktas"}
	if len(got) != len(want) {
		t.Fatalf("rankLineMatches returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rankLineMatches[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRankLineMatchesCompactFallback(t *testing.T) {
	names := []string{"M-1 A", "M2"}
	got := rankLineMatches(names, "m1a", 15)
	if len(got) != 1 || got[0] != "M-1 A" {
		t.Fatalf("rankLineMatches(m1a) = %v, want [M-1 A]", got)
	}
}

func TestRankLineMatchesLimit(t *testing.T) {
	names := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		names = append(names, "LINE"+string(rune('A'+i)))
	}
	got := rankLineMatches(names, "LINE", 15)
	if len(got) != 15 {
		t.Errorf("rankLineMatches returned %d results, want 15", len(got))
	}
}

func TestContainsString(t *testing.T) {
	if !containsString([]string{"G", "D"}, "G") {
		t.Error("expected G to be found")
	}
	if containsString([]string{"G", "D"}, "X") {
		t.Error("expected X to be absent")
	}
}

func TestDateOnly(t *testing.T) {
	if got := dateOnly("2026-07-30T10:00:00Z"); got != "2026-07-30" {
		t.Errorf("dateOnly = %s, want 2026-07-30", got)
	}
	if got := dateOnly("2026-07-30 10:00:00"); got != "2026-07-30" {
		t.Errorf("dateOnly = %s, want 2026-07-30", got)
	}
}
