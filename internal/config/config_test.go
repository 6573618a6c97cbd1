package config

import "testing"

func TestSplitCSV(t *testing.T) {
	cases := map[string][]string{
		"a,b,c":       {"a", "b", "c"},
		"a, b , c":    {"a", "b", "c"},
		"":            nil,
		"a,,b":        {"a", "b"},
		"single":      {"single"},
	}
	for in, want := range cases {
		got := splitCSV(in)
		if len(got) != len(want) {
			t.Fatalf("splitCSV(%q) = %v, want %v", in, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("splitCSV(%q)[%d] = %q, want %q", in, i, got[i], want[i])
			}
		}
	}
}

func TestParsePositiveInt(t *testing.T) {
	cases := []struct {
		in     string
		want   int
		wantOk bool
	}{
		{"30", 30, true},
		{" 45 ", 45, true},
		{"0", 0, false},
		{"-5", 0, false},
		{"not-a-number", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parsePositiveInt(tc.in)
		if got != tc.want || ok != tc.wantOk {
			t.Errorf("parsePositiveInt(%q) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.wantOk)
		}
	}
}

func TestSetIfNonEmpty(t *testing.T) {
	dst := "original"
	setIfNonEmpty(&dst, "")
	if dst != "original" {
		t.Errorf("setIfNonEmpty with empty value changed dst to %q", dst)
	}
	setIfNonEmpty(&dst, "replaced")
	if dst != "replaced" {
		t.Errorf("setIfNonEmpty with non-empty value left dst as %q", dst)
	}
}

func TestApplyEnvOverridesListenAddr(t *testing.T) {
	t.Setenv("CROWDCAST_LISTEN", "127.0.0.1:9090")
	t.Setenv("CROWDCAST_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg := Config{ListenAddr: "0.0.0.0:8080"}
	applyEnv(&cfg)

	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:9090", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestApplyFileDefaultsPreservedWhenEmpty(t *testing.T) {
	cfg := Config{ListenAddr: "0.0.0.0:8080", Retention: Retention{ForecastDays: 3}}
	applyFile(&cfg, tomlFile{})

	if cfg.ListenAddr != "0.0.0.0:8080" {
		t.Errorf("ListenAddr changed to %q on empty file", cfg.ListenAddr)
	}
	if cfg.Retention.ForecastDays != 3 {
		t.Errorf("Retention.ForecastDays changed to %d on empty file", cfg.Retention.ForecastDays)
	}
}
