package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/cost-index-engine/api"
	"github.com/warp/cost-index-engine/calc"
	"github.com/warp/cost-index-engine/estimation"
	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/publish"
)

// envPrefix namespaces environment overrides: COSTINDEX_HTTP_PORT and so on.
const envPrefix = "COSTINDEX"

// Config is the resolved server configuration.
type Config struct {
	Port           int
	AllowedOrigins []string
	DBPath         string
	LogMode        string
	LogLevel       string
	DictionaryPath string

	Runner    calc.Config
	Publish   publish.Config
	Decay     estimation.Decay
	Scheduler SchedulerConfig
}

// SchedulerConfig controls periodic incremental recalculation.
type SchedulerConfig struct {
	Enabled        bool
	Interval       time.Duration
	PriceBaseDates []string
}

// newViper returns a viper instance with defaults and env binding set.
func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.allowed_origins", api.DefaultAllowedOrigins)
	v.SetDefault("db.path", "costindex.db")
	v.SetDefault("log.mode", "development")
	v.SetDefault("log.level", "")
	v.SetDefault("dictionary.path", "dictionary.yaml")

	rc := calc.DefaultConfig()
	v.SetDefault("runner.workers", rc.Workers)
	v.SetDefault("runner.queue_size", rc.QueueSize)
	v.SetDefault("runner.group_parallelism", rc.GroupParallelism)

	pc := publish.DefaultConfig()
	v.SetDefault("publish.coverage_floor", pc.CoverageFloor)
	v.SetDefault("publish.flag_quality_level", string(pc.FlagQualityLevel))

	d := estimation.DefaultDecay()
	v.SetDefault("fallback.decay.l4", d[estimation.L4])
	v.SetDefault("fallback.decay.l3", d[estimation.L3])
	v.SetDefault("fallback.decay.l2", d[estimation.L2])
	v.SetDefault("fallback.decay.l1", d[estimation.L1])

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("scheduler.price_base_dates", []string{})

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// readConfigFile loads path, or config.yaml from the working directory
// when path is empty. A missing default file is not an error.
func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && path == "" {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// loadConfig resolves and validates the configuration held by v.
func loadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:           v.GetInt("http.port"),
		AllowedOrigins: v.GetStringSlice("http.allowed_origins"),
		DBPath:         v.GetString("db.path"),
		LogMode:        v.GetString("log.mode"),
		LogLevel:       v.GetString("log.level"),
		DictionaryPath: v.GetString("dictionary.path"),
		Runner: calc.Config{
			Workers:          v.GetInt("runner.workers"),
			QueueSize:        v.GetInt("runner.queue_size"),
			GroupParallelism: v.GetInt("runner.group_parallelism"),
		},
		Publish: publish.Config{
			CoverageFloor:    v.GetFloat64("publish.coverage_floor"),
			FlagQualityLevel: index.QualityLevel(v.GetString("publish.flag_quality_level")),
		},
		Decay: estimation.Decay{
			estimation.L4: v.GetFloat64("fallback.decay.l4"),
			estimation.L3: v.GetFloat64("fallback.decay.l3"),
			estimation.L2: v.GetFloat64("fallback.decay.l2"),
			estimation.L1: v.GetFloat64("fallback.decay.l1"),
		},
		Scheduler: SchedulerConfig{
			Enabled:        v.GetBool("scheduler.enabled"),
			Interval:       v.GetDuration("scheduler.interval"),
			PriceBaseDates: v.GetStringSlice("scheduler.price_base_dates"),
		},
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("http.port %d out of range", cfg.Port)
	}
	if cfg.DBPath == "" {
		return Config{}, fmt.Errorf("db.path is required")
	}
	if cfg.Publish.CoverageFloor < 0 || cfg.Publish.CoverageFloor > 1 {
		return Config{}, fmt.Errorf("publish.coverage_floor %v outside [0,1]", cfg.Publish.CoverageFloor)
	}
	if err := cfg.Decay.Validate(); err != nil {
		return Config{}, fmt.Errorf("fallback.%w", err)
	}
	if cfg.Scheduler.Enabled && cfg.Scheduler.Interval <= 0 {
		return Config{}, fmt.Errorf("scheduler.interval must be positive")
	}
	return cfg, nil
}
