// Package config loads process configuration from a TOML file, layered
// with CROWDCAST_*-prefixed environment variable overrides.
package config

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Paths groups the on-disk inputs consumed at startup (spec §6).
type Paths struct {
	HistoricalFeaturesCSV string
	CalendarDimCSV        string
	TopologyJSON          string
	LineShapeJSON         string
	CapacityMetaJSON      string
	RailCapacityYAML      string // optional
	ModelArtifact         string
}

// Retention groups the day-window retention knobs for forecasts and the two
// schedule caches.
type Retention struct {
	ForecastDays     int
	BusScheduleDays  int
	MetroScheduleDays int
}

// ScheduleTimes holds the five-field cron expressions for the five named jobs
// (spec §5: bus 00:10 -> metro 02:30 -> forecast 04:00 -> cleanup 04:15 ->
// quality 04:30).
type ScheduleTimes struct {
	BusPrefetch   string
	RailPrefetch  string
	Forecast      string
	Cleanup       string
	QualityCheck  string
}

// Config is the fully-resolved process configuration.
type Config struct {
	ListenAddr     string
	DataDir        string
	DatabasePath   string
	LogLevel       string
	Timezone       string
	AllowedOrigins []string

	JWTSecretKey              string
	JWTAlgorithm              string
	JWTAccessTokenExpireMins  int

	AdminUsername string
	AdminPassword string

	WeatherBaseURL string
	BusSoapURL     string
	RailJSONURL    string

	ForecastHorizonDays int
	MaxSeasonalLookback int

	Paths     Paths
	Retention Retention
	Schedule  ScheduleTimes
}

const defaultConfigContent = `# crowdcast configuration
# All values shown are defaults. Uncomment and edit to customize.

# Address and port the HTTP API listens on.
# Environment variable: CROWDCAST_LISTEN
# listen = "0.0.0.0:8080"

# Comma-separated list of allowed CORS origins.
# Environment variable: CROWDCAST_ALLOWED_ORIGINS
# allowed_origins = ""

# Log level: debug, info, warn, error.
# Environment variable: CROWDCAST_LOG_LEVEL
# log_level = "info"

# IANA timezone the scheduler and day-type derivation run in.
# Environment variable: CROWDCAST_TIMEZONE
# timezone = "Europe/Istanbul"

[jwt]
# Environment variables: CROWDCAST_JWT_SECRET_KEY, CROWDCAST_JWT_ALGORITHM,
# CROWDCAST_JWT_ACCESS_TOKEN_EXPIRE_MINUTES
# secret_key = ""
# algorithm = "HS256"
# access_token_expire_minutes = 60

[admin]
# Environment variables: CROWDCAST_ADMIN_USERNAME, CROWDCAST_ADMIN_PASSWORD
# username = ""
# password = ""

[paths]
# historical_features_csv = "/var/lib/crowdcast/historical_features.csv"
# calendar_dim_csv = "/var/lib/crowdcast/calendar_dim.csv"
# topology_json = "/var/lib/crowdcast/topology.json"
# line_shape_json = "/var/lib/crowdcast/line_shapes.json"
# capacity_meta_json = "/var/lib/crowdcast/capacity_meta.json"
# rail_capacity_yaml = ""
# model_artifact = "/var/lib/crowdcast/model.bin"

[retention]
# forecast_days = 3
# bus_schedule_days = 5
# metro_schedule_days = 5

[schedule]
# bus_prefetch = "10 0 * * *"
# rail_prefetch = "30 2 * * *"
# forecast = "0 4 * * *"
# cleanup = "15 4 * * *"
# quality_check = "30 4 * * *"
`

type tomlFile struct {
	Listen         string `toml:"listen"`
	AllowedOrigins string `toml:"allowed_origins"`
	LogLevel       string `toml:"log_level"`
	Timezone       string `toml:"timezone"`
	DatabasePath   string `toml:"database_path"`

	JWT struct {
		SecretKey                string `toml:"secret_key"`
		Algorithm                string `toml:"algorithm"`
		AccessTokenExpireMinutes int    `toml:"access_token_expire_minutes"`
	} `toml:"jwt"`

	Admin struct {
		Username string `toml:"username"`
		Password string `toml:"password"`
	} `toml:"admin"`

	Upstreams struct {
		WeatherBaseURL string `toml:"weather_base_url"`
		BusSoapURL     string `toml:"bus_soap_url"`
		RailJSONURL    string `toml:"rail_json_url"`
	} `toml:"upstreams"`

	Paths struct {
		HistoricalFeaturesCSV string `toml:"historical_features_csv"`
		CalendarDimCSV        string `toml:"calendar_dim_csv"`
		TopologyJSON          string `toml:"topology_json"`
		LineShapeJSON         string `toml:"line_shape_json"`
		CapacityMetaJSON      string `toml:"capacity_meta_json"`
		RailCapacityYAML      string `toml:"rail_capacity_yaml"`
		ModelArtifact         string `toml:"model_artifact"`
	} `toml:"paths"`

	Retention struct {
		ForecastDays      int `toml:"forecast_days"`
		BusScheduleDays   int `toml:"bus_schedule_days"`
		MetroScheduleDays int `toml:"metro_schedule_days"`
	} `toml:"retention"`

	Schedule struct {
		BusPrefetch  string `toml:"bus_prefetch"`
		RailPrefetch string `toml:"rail_prefetch"`
		Forecast     string `toml:"forecast"`
		Cleanup      string `toml:"cleanup"`
		QualityCheck string `toml:"quality_check"`
	} `toml:"schedule"`

	Model struct {
		ForecastHorizonDays int `toml:"forecast_horizon_days"`
		MaxSeasonalLookback int `toml:"max_seasonal_lookback_years"`
	} `toml:"model"`
}

var (
	osUserHomeDir = os.UserHomeDir
	osCurrentUser = user.Current
	osGeteuid     = os.Geteuid
	osTempDir     = os.TempDir
)

// Load resolves the process config: defaults, then the TOML file (created
// with commented-out defaults on first run), then CROWDCAST_*
// environment-variable overrides.
func Load() Config {
	cfg := Config{
		ListenAddr:               "0.0.0.0:8080",
		LogLevel:                 "info",
		Timezone:                 "Europe/Istanbul",
		JWTAlgorithm:             "HS256",
		JWTAccessTokenExpireMins: 60,
		ForecastHorizonDays:      7,
		MaxSeasonalLookback:      3,
		Retention: Retention{
			ForecastDays:      3,
			BusScheduleDays:   5,
			MetroScheduleDays: 5,
		},
		Schedule: ScheduleTimes{
			BusPrefetch:  "10 0 * * *",
			RailPrefetch: "30 2 * * *",
			Forecast:     "0 4 * * *",
			Cleanup:      "15 4 * * *",
			QualityCheck: "30 4 * * *",
		},
	}

	cfg.DataDir = resolveDataDir()
	cfg.DatabasePath = filepath.Join(cfg.DataDir, "crowdcast.db")
	configPath := filepath.Join(cfg.DataDir, "config.toml")
	ensureDefaultConfig(configPath)

	var file tomlFile
	_, _ = toml.DecodeFile(configPath, &file)
	applyFile(&cfg, file)
	applyEnv(&cfg)

	return cfg
}

func applyFile(cfg *Config, file tomlFile) {
	setIfNonEmpty(&cfg.ListenAddr, file.Listen)
	if file.AllowedOrigins != "" {
		cfg.AllowedOrigins = splitCSV(file.AllowedOrigins)
	}
	setIfNonEmpty(&cfg.LogLevel, strings.ToLower(file.LogLevel))
	if file.Timezone != "" {
		if _, err := time.LoadLocation(file.Timezone); err == nil {
			cfg.Timezone = file.Timezone
		}
	}
	setIfNonEmpty(&cfg.DatabasePath, file.DatabasePath)

	setIfNonEmpty(&cfg.JWTSecretKey, file.JWT.SecretKey)
	setIfNonEmpty(&cfg.JWTAlgorithm, file.JWT.Algorithm)
	if file.JWT.AccessTokenExpireMinutes > 0 {
		cfg.JWTAccessTokenExpireMins = file.JWT.AccessTokenExpireMinutes
	}

	setIfNonEmpty(&cfg.AdminUsername, file.Admin.Username)
	setIfNonEmpty(&cfg.AdminPassword, file.Admin.Password)

	setIfNonEmpty(&cfg.WeatherBaseURL, file.Upstreams.WeatherBaseURL)
	setIfNonEmpty(&cfg.BusSoapURL, file.Upstreams.BusSoapURL)
	setIfNonEmpty(&cfg.RailJSONURL, file.Upstreams.RailJSONURL)

	setIfNonEmpty(&cfg.Paths.HistoricalFeaturesCSV, file.Paths.HistoricalFeaturesCSV)
	setIfNonEmpty(&cfg.Paths.CalendarDimCSV, file.Paths.CalendarDimCSV)
	setIfNonEmpty(&cfg.Paths.TopologyJSON, file.Paths.TopologyJSON)
	setIfNonEmpty(&cfg.Paths.LineShapeJSON, file.Paths.LineShapeJSON)
	setIfNonEmpty(&cfg.Paths.CapacityMetaJSON, file.Paths.CapacityMetaJSON)
	setIfNonEmpty(&cfg.Paths.RailCapacityYAML, file.Paths.RailCapacityYAML)
	setIfNonEmpty(&cfg.Paths.ModelArtifact, file.Paths.ModelArtifact)

	if file.Retention.ForecastDays > 0 {
		cfg.Retention.ForecastDays = file.Retention.ForecastDays
	}
	if file.Retention.BusScheduleDays > 0 {
		cfg.Retention.BusScheduleDays = file.Retention.BusScheduleDays
	}
	if file.Retention.MetroScheduleDays > 0 {
		cfg.Retention.MetroScheduleDays = file.Retention.MetroScheduleDays
	}

	setIfNonEmpty(&cfg.Schedule.BusPrefetch, file.Schedule.BusPrefetch)
	setIfNonEmpty(&cfg.Schedule.RailPrefetch, file.Schedule.RailPrefetch)
	setIfNonEmpty(&cfg.Schedule.Forecast, file.Schedule.Forecast)
	setIfNonEmpty(&cfg.Schedule.Cleanup, file.Schedule.Cleanup)
	setIfNonEmpty(&cfg.Schedule.QualityCheck, file.Schedule.QualityCheck)

	if file.Model.ForecastHorizonDays > 0 {
		cfg.ForecastHorizonDays = file.Model.ForecastHorizonDays
	}
	if file.Model.MaxSeasonalLookback > 0 {
		cfg.MaxSeasonalLookback = file.Model.MaxSeasonalLookback
	}
}

func applyEnv(cfg *Config) {
	setIfNonEmpty(&cfg.ListenAddr, os.Getenv("CROWDCAST_LISTEN"))
	if v := os.Getenv("CROWDCAST_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	setIfNonEmpty(&cfg.LogLevel, strings.ToLower(os.Getenv("CROWDCAST_LOG_LEVEL")))
	if v := os.Getenv("CROWDCAST_TIMEZONE"); v != "" {
		if _, err := time.LoadLocation(v); err == nil {
			cfg.Timezone = v
		}
	}
	setIfNonEmpty(&cfg.DatabasePath, os.Getenv("CROWDCAST_DATABASE_PATH"))

	setIfNonEmpty(&cfg.JWTSecretKey, os.Getenv("CROWDCAST_JWT_SECRET_KEY"))
	setIfNonEmpty(&cfg.JWTAlgorithm, os.Getenv("CROWDCAST_JWT_ALGORITHM"))
	if v, ok := parsePositiveInt(os.Getenv("CROWDCAST_JWT_ACCESS_TOKEN_EXPIRE_MINUTES")); ok {
		cfg.JWTAccessTokenExpireMins = v
	}

	setIfNonEmpty(&cfg.AdminUsername, os.Getenv("CROWDCAST_ADMIN_USERNAME"))
	setIfNonEmpty(&cfg.AdminPassword, os.Getenv("CROWDCAST_ADMIN_PASSWORD"))

	setIfNonEmpty(&cfg.WeatherBaseURL, os.Getenv("CROWDCAST_WEATHER_BASE_URL"))
	setIfNonEmpty(&cfg.BusSoapURL, os.Getenv("CROWDCAST_BUS_SOAP_URL"))
	setIfNonEmpty(&cfg.RailJSONURL, os.Getenv("CROWDCAST_RAIL_JSON_URL"))

	setIfNonEmpty(&cfg.Paths.HistoricalFeaturesCSV, os.Getenv("CROWDCAST_HISTORICAL_FEATURES_CSV"))
	setIfNonEmpty(&cfg.Paths.CalendarDimCSV, os.Getenv("CROWDCAST_CALENDAR_DIM_CSV"))
	setIfNonEmpty(&cfg.Paths.TopologyJSON, os.Getenv("CROWDCAST_TOPOLOGY_JSON"))
	setIfNonEmpty(&cfg.Paths.LineShapeJSON, os.Getenv("CROWDCAST_LINE_SHAPE_JSON"))
	setIfNonEmpty(&cfg.Paths.CapacityMetaJSON, os.Getenv("CROWDCAST_CAPACITY_META_JSON"))
	setIfNonEmpty(&cfg.Paths.RailCapacityYAML, os.Getenv("CROWDCAST_RAIL_CAPACITY_YAML"))
	setIfNonEmpty(&cfg.Paths.ModelArtifact, os.Getenv("CROWDCAST_MODEL_ARTIFACT"))
}

func setIfNonEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func resolveDataDir() string {
	if v := strings.TrimSpace(os.Getenv("CROWDCAST_DATA_DIR")); v != "" {
		return v
	}
	if home, err := resolveHomeDir(); err == nil {
		return filepath.Join(home, ".crowdcast")
	}
	return filepath.Join(osTempDir(), "crowdcast")
}

func ensureDefaultConfig(configPath string) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		_ = os.MkdirAll(filepath.Dir(configPath), 0o700)
		_ = os.WriteFile(configPath, []byte(defaultConfigContent), 0o600) //nolint:gosec // fixed content
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parsePositiveInt(raw string) (int, bool) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

func resolveHomeDir() (string, error) {
	if home := strings.TrimSpace(os.Getenv("HOME")); home != "" {
		return home, nil
	}
	if home, err := osUserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
		return strings.TrimSpace(home), nil
	}
	if current, err := osCurrentUser(); err == nil && current != nil {
		if home := strings.TrimSpace(current.HomeDir); home != "" {
			return home, nil
		}
	}
	if osGeteuid() == 0 {
		if runtime.GOOS == "darwin" {
			return "/var/root", nil
		}
		return "/root", nil
	}
	return "", errors.New("home directory not found")
}
