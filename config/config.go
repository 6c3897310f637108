package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zonas horarias embebidas para contenedores sin tzdata

	"github.com/alejandrodnm/pricebands/internal/adapters/binance"
	"github.com/alejandrodnm/pricebands/internal/application/cooldown"
	"github.com/alejandrodnm/pricebands/internal/application/engine"
	"github.com/alejandrodnm/pricebands/internal/application/settlement"
	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del servicio.
type Config struct {
	Predictor  PredictorConfig  `yaml:"predictor"`
	Cooldown   CooldownConfig   `yaml:"cooldown"`
	Settlement SettlementConfig `yaml:"settlement"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// PredictorConfig controla la admisión de predicciones.
type PredictorConfig struct {
	Symbols                []string `yaml:"symbols" default:"[\"BTCUSDT\"]" validate:"min=1,dive,required"`
	Intervals              []string `yaml:"intervals" default:"[\"1h\"]" validate:"min=1,dive,required"`
	Timezone               string   `yaml:"timezone" default:"Asia/Seoul"` // zona del trading day
	WindowToleranceSeconds int      `yaml:"window_tolerance_seconds" default:"60" validate:"gte=0"`
	DailySlots             int      `yaml:"daily_slots" default:"10" validate:"gte=1"`
	SerializeAdmission     bool     `yaml:"serialize_admission"`
}

// CooldownConfig controla el trigger y el refill de cooldown.
type CooldownConfig struct {
	Threshold       int    `yaml:"threshold" default:"1" validate:"gte=1"`
	DurationMinutes int    `yaml:"duration_minutes" default:"60" validate:"gte=1"`
	RefillSlots     int    `yaml:"refill_slots" default:"5" validate:"gte=1"`
	RefillEnabled   bool   `yaml:"refill_enabled" default:"true"`
	RefillCron      string `yaml:"refill_cron" default:"0 * * * * *"`
}

// SettlementConfig controla el sweep.
type SettlementConfig struct {
	Cron             string `yaml:"cron" default:"*/30 * * * * *"`
	MaxAttempts      int    `yaml:"max_attempts" default:"5" validate:"gte=1"`
	PageSize         int    `yaml:"page_size" default:"200" validate:"gte=1"`
	Workers          int    `yaml:"workers" default:"8" validate:"gte=1"`
	CloseToleranceMs int    `yaml:"close_tolerance_ms" default:"500" validate:"gte=0"`
	Table            bool   `yaml:"table" default:"true"` // tabla de predicciones resueltas en consola
}

// OracleConfig configura el cliente de Binance.
type OracleConfig struct {
	BaseURL    string  `yaml:"base_url" default:"https://api.binance.com" validate:"required,url"`
	TimeoutMs  int     `yaml:"timeout_ms" default:"5000" validate:"gte=1"`
	RatePerSec float64 `yaml:"rate_per_sec" default:"20" validate:"gt=0"`
	Burst      int     `yaml:"burst" default:"5" validate:"gte=1"`
	Retries    int     `yaml:"retries" default:"1" validate:"gte=0"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	Backend string `yaml:"backend" default:"sqlite" validate:"oneof=sqlite memory"`
	DSN     string `yaml:"dsn" default:"pricebands.db"` // ruta al archivo SQLite, o ":memory:"
}

// RedisConfig activa el registro de cooldowns en Redis. Addr vacío = SQLite.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" default:"pricebands"`
}

// MetricsConfig expone /metrics. Addr vacío lo desactiva.
type MetricsConfig struct {
	Addr string `yaml:"addr" default:":9090"`
}

// LogConfig controla el formato, nivel y destino del logging.
type LogConfig struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" default:"text" validate:"oneof=text json"`
	File       string `yaml:"file"` // vacío = solo stdout
	MaxSizeMB  int    `yaml:"max_size_mb" default:"50"`
	MaxAgeDays int    `yaml:"max_age_days" default:"14"`
	MaxBackups int    `yaml:"max_backups" default:"5"`
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Orden: defaults de los tags < YAML < variables de entorno.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate comprueba rangos y valores permitidos.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			msgs := make([]string, 0, len(ves))
			for _, fe := range ves {
				msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config.Validate: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config.Validate: %w", err)
	}
	for _, iv := range c.Predictor.Intervals {
		if _, ok := domain.IntervalDuration(iv); !ok {
			return fmt.Errorf("config.Validate: unsupported interval %q", iv)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location carga la zona horaria del trading day.
func (c *Config) Location() (*time.Location, error) {
	if c.Predictor.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Predictor.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config.Location: %q: %w", c.Predictor.Timezone, err)
	}
	return loc, nil
}

// EngineConfig construye la configuración inyectada al motor.
func (c *Config) EngineConfig() (engine.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Symbols:            c.Predictor.Symbols,
		Intervals:          c.Predictor.Intervals,
		Bands:              domain.DefaultBandTable(),
		Location:           loc,
		WindowTolerance:    time.Duration(c.Predictor.WindowToleranceSeconds) * time.Second,
		SerializeAdmission: c.Predictor.SerializeAdmission,
	}, nil
}

// CooldownSettings construye la configuración del trigger y del refiller.
func (c *Config) CooldownSettings() cooldown.Config {
	return cooldown.Config{
		Threshold:   c.Cooldown.Threshold,
		Duration:    time.Duration(c.Cooldown.DurationMinutes) * time.Minute,
		RefillSlots: c.Cooldown.RefillSlots,
	}
}

// SweepConfig construye la configuración del sweep.
func (c *Config) SweepConfig() settlement.Config {
	return settlement.Config{
		PageSize:       c.Settlement.PageSize,
		Workers:        c.Settlement.Workers,
		CloseTolerance: time.Duration(c.Settlement.CloseToleranceMs) * time.Millisecond,
	}
}

// OracleOptions construye las opciones del cliente de Binance.
func (c *Config) OracleOptions() binance.Options {
	retries := c.Oracle.Retries
	if retries == 0 {
		retries = -1 // 0 en YAML significa "sin reintentos"
	}
	return binance.Options{
		BaseURL:    c.Oracle.BaseURL,
		Timeout:    time.Duration(c.Oracle.TimeoutMs) * time.Millisecond,
		RatePerSec: c.Oracle.RatePerSec,
		Burst:      c.Oracle.Burst,
		Retries:    retries,
	}
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ORACLE_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("DAILY_SLOTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DAILY_SLOTS=%q: %w", v, err)
		}
		cfg.Predictor.DailySlots = n
	}
	return nil
}
