// Package config loads the engine's recognized configuration keys from a
// YAML file plus CLAIMS_INGEST_* environment overrides, via viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved, typed view of every recognized key.
type Config struct {
	Ingestion  Ingestion
	SOAP       SOAP
	LocalFS    LocalFS
	Refdata    Refdata
	Aggregates Aggregates
	Storage    Storage
	Telemetry  Telemetry
}

type Ingestion struct {
	Workers            int
	QueueCapacity      int
	PauseThresholdPct  int
	ResumeThresholdPct int
	FileTimeout        time.Duration
}

type SOAP struct {
	Endpoint            string
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	RetriesMax          int
	RetriesBaseDelay    time.Duration
	RetriesCapDelay     time.Duration
	DownloadConcurrency int
	SearchDays          int
	PollInterval        time.Duration
	Facilities          []Facility
}

// Facility is one eClaimLink login, read from soap.facilities in the
// config file or from the standalone credentials file named by
// soap.facilities_file (environment overrides do not reach list
// elements).
type Facility struct {
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LocalFS struct {
	ReadyDir     string
	DoneDir      string
	ErrorDir     string
	FileGlob     string
	ScanInterval time.Duration
}

type Refdata struct {
	AutoInsert bool
}

// RecalcMode is aggregates.recalc_mode: INLINE (same transaction as
// Persist) or FOLLOWUP (its own transaction). The recalculation functions
// are pure, so the two modes converge to the same rows; the worker pool
// always runs the follow-up transaction shape and the key is accepted
// only so existing config files carrying it keep loading.
type RecalcMode string

const (
	RecalcInline   RecalcMode = "INLINE"
	RecalcFollowup RecalcMode = "FOLLOWUP"
)

type Aggregates struct {
	RecalcMode RecalcMode
}

type Storage struct {
	Backend string // "mysql" or "dolt"
	DSN     string
	DataDir string
	DBName  string
}

type Telemetry struct {
	MetricsExporter string // "none", "stdout", "otlp"
	OTLPEndpoint    string
	ExportInterval  time.Duration
}

// Load reads path (if non-empty; a missing or unreadable file is an
// error) plus CLAIMS_INGEST_*
// environment overrides into a Config, applying the documented defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLAIMS_INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg := Config{
		Ingestion: Ingestion{
			Workers:            v.GetInt("ingestion.workers"),
			QueueCapacity:      v.GetInt("ingestion.queue.capacity"),
			PauseThresholdPct:  v.GetInt("ingestion.queue.pause_threshold_pct"),
			ResumeThresholdPct: v.GetInt("ingestion.queue.resume_threshold_pct"),
			FileTimeout:        time.Duration(v.GetInt64("ingestion.file_timeout_ms")) * time.Millisecond,
		},
		SOAP: SOAP{
			Endpoint:            v.GetString("soap.endpoint"),
			ConnectTimeout:      time.Duration(v.GetInt64("soap.connect_timeout_ms")) * time.Millisecond,
			ReadTimeout:         time.Duration(v.GetInt64("soap.read_timeout_ms")) * time.Millisecond,
			RetriesMax:          v.GetInt("soap.retries.max"),
			RetriesBaseDelay:    time.Duration(v.GetInt64("soap.retries.base_ms")) * time.Millisecond,
			RetriesCapDelay:     time.Duration(v.GetInt64("soap.retries.cap_ms")) * time.Millisecond,
			DownloadConcurrency: v.GetInt("soap.download_concurrency"),
			SearchDays:          v.GetInt("soap.search_days"),
			PollInterval:        time.Duration(v.GetInt64("soap.poll_interval_ms")) * time.Millisecond,
			Facilities:          facilitiesFrom(v),
		},
		LocalFS: LocalFS{
			ReadyDir:     v.GetString("localfs.ready_dir"),
			DoneDir:      v.GetString("localfs.done_dir"),
			ErrorDir:     v.GetString("localfs.error_dir"),
			FileGlob:     v.GetString("localfs.file_glob"),
			ScanInterval: time.Duration(v.GetInt64("localfs.scan_interval_ms")) * time.Millisecond,
		},
		Refdata: Refdata{AutoInsert: v.GetBool("refdata.auto_insert")},
		Aggregates: Aggregates{
			RecalcMode: RecalcMode(strings.ToUpper(v.GetString("aggregates.recalc_mode"))),
		},
		Storage: Storage{
			Backend: v.GetString("storage.backend"),
			DSN:     v.GetString("storage.dsn"),
			DataDir: v.GetString("storage.data_dir"),
			DBName:  v.GetString("storage.db_name"),
		},
		Telemetry: Telemetry{
			MetricsExporter: strings.ToLower(v.GetString("telemetry.metrics_exporter")),
			OTLPEndpoint:    v.GetString("telemetry.otlp_endpoint"),
			ExportInterval:  time.Duration(v.GetInt64("telemetry.export_interval_ms")) * time.Millisecond,
		},
	}

	if credsPath := v.GetString("soap.facilities_file"); credsPath != "" {
		extra, err := loadFacilitiesFile(credsPath)
		if err != nil {
			return Config{}, err
		}
		cfg.SOAP.Facilities = append(cfg.SOAP.Facilities, extra...)
	}

	return cfg, nil
}

// loadFacilitiesFile reads a standalone YAML credentials file, kept
// outside the main config so facility passwords can be rotated and
// permissioned separately:
//
//	facilities:
//	  - name: FAC-001
//	    username: dhpo-user
//	    password: secret
func loadFacilitiesFile(path string) ([]Facility, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading facilities file %s: %w", path, err)
	}
	var doc struct {
		Facilities []Facility `yaml:"facilities"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing facilities file %s: %w", path, err)
	}
	return doc.Facilities, nil
}

func facilitiesFrom(v *viper.Viper) []Facility {
	var out []Facility
	if err := v.UnmarshalKey("soap.facilities", &out); err != nil {
		return nil
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ingestion.workers", 4)
	v.SetDefault("ingestion.queue.capacity", 512)
	v.SetDefault("ingestion.queue.pause_threshold_pct", 5)
	v.SetDefault("ingestion.queue.resume_threshold_pct", 30)
	v.SetDefault("ingestion.file_timeout_ms", 120_000)

	v.SetDefault("soap.connect_timeout_ms", 15_000)
	v.SetDefault("soap.read_timeout_ms", 45_000)
	v.SetDefault("soap.retries.max", 5)
	v.SetDefault("soap.retries.base_ms", 50)
	v.SetDefault("soap.retries.cap_ms", 2_000)
	v.SetDefault("soap.download_concurrency", 4)
	v.SetDefault("soap.search_days", 7)
	v.SetDefault("soap.poll_interval_ms", 60_000)

	v.SetDefault("localfs.ready_dir", "ready")
	v.SetDefault("localfs.done_dir", "done")
	v.SetDefault("localfs.error_dir", "error")
	v.SetDefault("localfs.file_glob", "*.xml")
	v.SetDefault("localfs.scan_interval_ms", 5_000)

	v.SetDefault("refdata.auto_insert", false)
	v.SetDefault("aggregates.recalc_mode", "INLINE")

	v.SetDefault("storage.backend", "dolt")

	v.SetDefault("telemetry.metrics_exporter", "none")
	v.SetDefault("telemetry.export_interval_ms", 60_000)
}
