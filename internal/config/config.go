package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/acidvuca/vlc-ingest/internal/ingest"
)

var validate = validator.New()

// DatasetConfig parameterizes one ingestion instance. Instances never share
// a state file or topic.
type DatasetConfig struct {
	Name             string `validate:"required"`
	DatasetID        string `validate:"required"`
	Topic            string `validate:"required"`
	TimestampField   string `validate:"required"`
	StateFile        string `validate:"required"`
	BootstrapTable   string
	InitialWatermark time.Time
	Mapping          ingest.FieldMapping
}

// AppConfig is the full process configuration, read from the environment.
type AppConfig struct {
	// Ordered protocol-version base URLs, tried in sequence.
	Bases []string `validate:"min=1,dive,url"`

	PollInterval   time.Duration `validate:"min=1s"`
	CycleTimeout   time.Duration `validate:"min=1s"`
	PageLimit      int           `validate:"min=1,max=100"`
	HTTPTimeout    time.Duration `validate:"min=1s"`
	PublishTimeout time.Duration `validate:"min=1s"`
	MaxInflight    int           `validate:"min=1"`

	KafkaBrokers []string `validate:"min=1"`

	StateDir string `validate:"required"`
	SpoolDir string `validate:"required"`

	// Cycle-level backoff schedule.
	BackoffBase     time.Duration `validate:"min=1ms"`
	BackoffMax      time.Duration `validate:"min=1ms"`
	BackoffMaxLevel int           `validate:"min=1"`
	BackoffJitter   float64       `validate:"min=0,max=1"`

	// Per-request retries inside one fetch.
	RequestMaxRetries int `validate:"min=0"`

	FingerprintTTL time.Duration

	// Optional watermark bootstrap from the downstream store.
	PGBootstrap bool
	PGDSN       string

	Datasets []DatasetConfig `validate:"min=1,dive"`

	Port string
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	cfg := &AppConfig{}

	cfg.Bases = []string{
		getenvDefault("VLC_EXPLORE_BASE", "https://valencia.opendatasoft.com/api/explore/v2.1"),
		getenvDefault("VLC_EXPLORE_BASE2", "https://valencia.opendatasoft.com/api/v2"),
	}

	var err error
	if cfg.PollInterval, err = getenvDuration("POLL_INTERVAL", "300s"); err != nil {
		return nil, err
	}
	if cfg.CycleTimeout, err = getenvDuration("CYCLE_TIMEOUT", "240s"); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "60s"); err != nil {
		return nil, err
	}
	if cfg.PublishTimeout, err = getenvDuration("PUBLISH_TIMEOUT", "30s"); err != nil {
		return nil, err
	}
	if cfg.FingerprintTTL, err = getenvDuration("FINGERPRINT_TTL", "24h"); err != nil {
		return nil, err
	}

	cfg.PageLimit = getenvInt("PAGE_LIMIT", 100)
	cfg.MaxInflight = getenvInt("VLC_MAX_INFLIGHT_POLLS", 1)

	cfg.KafkaBrokers = splitList(getenvDefault("KAFKA_BOOTSTRAP_SERVERS", "kafka:9092"))

	cfg.StateDir = getenvDefault("STATE_DIR", "/state")
	cfg.SpoolDir = getenvDefault("VLC_DLQ_DIR", filepath.Join(cfg.StateDir, "dlq"))

	cfg.BackoffBase = time.Duration(getenvInt("VLC_BACKOFF_BASE_MS", 1000)) * time.Millisecond
	cfg.BackoffMax = time.Duration(getenvInt("VLC_BACKOFF_MAX_MS", 60000)) * time.Millisecond
	cfg.BackoffMaxLevel = getenvInt("VLC_BACKOFF_MAX_LEVEL", 6)
	cfg.BackoffJitter = getenvFloat("VLC_BACKOFF_JITTER", 0.3)
	cfg.RequestMaxRetries = getenvInt("VLC_BACKOFF_MAX_RETRIES", 5)

	cfg.PGBootstrap = getenvBool("PG_BOOTSTRAP", false)
	cfg.PGDSN = os.Getenv("PG_DSN")
	if cfg.PGBootstrap && cfg.PGDSN == "" {
		return nil, fmt.Errorf("PG_BOOTSTRAP is enabled but PG_DSN is empty")
	}

	startWatermark, err := ingest.NormalizeTimestamp(getenvDefault("START_WATERMARK", "1970-01-01T00:00:00Z"))
	if err != nil {
		return nil, fmt.Errorf("invalid START_WATERMARK: %w", err)
	}

	for _, name := range splitList(getenvDefault("DATASETS", "air,weather")) {
		ds, err := loadDataset(name, cfg.StateDir, startWatermark)
		if err != nil {
			return nil, err
		}
		cfg.Datasets = append(cfg.Datasets, ds)
	}

	cfg.Port = getenvDefault("PORT", "8080")

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDataset builds one instance config from the defaults for a known
// dataset domain plus per-dataset env overrides (e.g. AIR_DATASET_ID).
func loadDataset(name, stateDir string, startWatermark time.Time) (DatasetConfig, error) {
	var ds DatasetConfig
	switch name {
	case "air":
		ds = airDefaults()
	case "weather":
		ds = weatherDefaults()
	default:
		return DatasetConfig{}, fmt.Errorf("unknown dataset %q in DATASETS", name)
	}

	prefix := strings.ToUpper(name) + "_"
	ds.DatasetID = getenvDefault(prefix+"DATASET_ID", ds.DatasetID)
	ds.Topic = getenvDefault(prefix+"TOPIC", ds.Topic)
	ds.TimestampField = getenvDefault(prefix+"TIMESTAMP_FIELD", ds.TimestampField)
	ds.BootstrapTable = getenvDefault(prefix+"BOOTSTRAP_TABLE", ds.BootstrapTable)
	ds.StateFile = getenvDefault(prefix+"STATE_FILE", filepath.Join(stateDir, name, "state.json"))
	ds.InitialWatermark = startWatermark
	ds.Mapping.TimestampField = ds.TimestampField
	return ds, nil
}

func airDefaults() DatasetConfig {
	return DatasetConfig{
		Name:           "air",
		DatasetID:      "estacions-contaminacio-atmosferiques-estaciones-contaminacion-atmosfericas",
		Topic:          "vlc.air",
		TimestampField: "fecha_carg",
		BootstrapTable: "air.air_station_readings",
		Mapping: ingest.FieldMapping{
			EntityField:   "fiwareid",
			ObjectIDField: "objectid",
			GeoField:      "geo_point_2d",
			Measurements: map[string]string{
				"so2":  "so2",
				"no2":  "no2",
				"o3":   "o3",
				"co":   "co",
				"pm10": "pm10",
				"pm25": "pm25",
			},
		},
	}
}

func weatherDefaults() DatasetConfig {
	return DatasetConfig{
		Name:           "weather",
		DatasetID:      "estacions-atmosferiques-estaciones-atmosfericas",
		Topic:          "vlc.weather",
		TimestampField: "fecha_carg",
		BootstrapTable: "weather.weather_station_readings",
		Mapping: ingest.FieldMapping{
			EntityField:   "fiwareid",
			ObjectIDField: "objectid",
			GeoField:      "geo_point_2d",
			Measurements: map[string]string{
				"viento_dir": "wind_dir_deg",
				"viento_vel": "wind_speed_ms",
				"temperatur": "temperature_c",
				"humedad_re": "humidity_pct",
				"presion_ba": "pressure_hpa",
				"precipitac": "precip_mm",
			},
		},
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
