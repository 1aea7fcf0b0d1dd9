package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Undo ledger backends.
const (
	LedgerBackendMemory = "memory"
	LedgerBackendRedis  = "redis"
)

type Config struct {
	Env        string
	Port       int
	APIPrefix  string
	DocsEnable bool

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	Admission AdmissionConfig
	Priority  PriorityConfig
}

type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	Name          string
	SSLMode       string
	MaxOpenConns  int
	MaxIdleConns  int
	AutoMigrate   bool
	MigrationsDir string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience []string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AdmissionConfig tunes the admission controller and request lifecycle.
type AdmissionConfig struct {
	NearCapacityThreshold float64
	CancelGracePeriod     time.Duration
	DecisionTimeout       time.Duration
	BatchInterval         time.Duration
	Workers               int
	WorkerRetries         int
	LedgerBackend         string
}

// PriorityConfig holds the ranking policy. Weights are policy, not constants.
type PriorityConfig struct {
	WeightStanding   float64
	WeightSeniority  float64
	WeightUrgency    float64
	WeightAge        float64
	MaxGPA           float64
	MaxSemester      int
	AgeCeiling       time.Duration
	MedicalKeywords  []string
	PersonalKeywords []string
	ScheduleKeywords []string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")
	cfg.DocsEnable = v.GetBool("ENABLE_DOCS")

	cfg.Database = DatabaseConfig{
		Host:          v.GetString("DB_HOST"),
		Port:          v.GetInt("DB_PORT"),
		User:          v.GetString("DB_USER"),
		Password:      v.GetString("DB_PASSWORD"),
		Name:          v.GetString("DB_NAME"),
		SSLMode:       v.GetString("DB_SSL_MODE"),
		MaxOpenConns:  v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns:  v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:   v.GetBool("DB_AUTO_MIGRATE"),
		MigrationsDir: v.GetString("DB_MIGRATIONS_DIR"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:   v.GetString("JWT_SECRET"),
		Issuer:   v.GetString("JWT_ISSUER"),
		Audience: splitAndTrim(v.GetString("JWT_AUDIENCE")),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	threshold := v.GetFloat64("ADMISSION_NEAR_CAPACITY_THRESHOLD")
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	workers := v.GetInt("ADMISSION_WORKERS")
	if workers <= 0 {
		workers = 2
	}
	backend := strings.ToLower(strings.TrimSpace(v.GetString("UNDO_LEDGER_BACKEND")))
	if backend != LedgerBackendRedis {
		backend = LedgerBackendMemory
	}
	cfg.Admission = AdmissionConfig{
		NearCapacityThreshold: threshold,
		CancelGracePeriod:     parseDuration(v.GetString("ADMISSION_CANCEL_GRACE_PERIOD"), 24*time.Hour),
		DecisionTimeout:       parseDuration(v.GetString("ADMISSION_DECISION_TIMEOUT"), 30*time.Second),
		BatchInterval:         parseDuration(v.GetString("ADMISSION_BATCH_INTERVAL"), 0),
		Workers:               workers,
		WorkerRetries:         v.GetInt("ADMISSION_WORKER_RETRIES"),
		LedgerBackend:         backend,
	}

	cfg.Priority = PriorityConfig{
		WeightStanding:   v.GetFloat64("PRIORITY_WEIGHT_STANDING"),
		WeightSeniority:  v.GetFloat64("PRIORITY_WEIGHT_SENIORITY"),
		WeightUrgency:    v.GetFloat64("PRIORITY_WEIGHT_URGENCY"),
		WeightAge:        v.GetFloat64("PRIORITY_WEIGHT_AGE"),
		MaxGPA:           v.GetFloat64("PRIORITY_MAX_GPA"),
		MaxSemester:      v.GetInt("PRIORITY_MAX_SEMESTER"),
		AgeCeiling:       parseDuration(v.GetString("PRIORITY_AGE_CEILING"), 30*24*time.Hour),
		MedicalKeywords:  splitAndTrim(v.GetString("URGENCY_MEDICAL_KEYWORDS")),
		PersonalKeywords: splitAndTrim(v.GetString("URGENCY_PERSONAL_KEYWORDS")),
		ScheduleKeywords: splitAndTrim(v.GetString("URGENCY_SCHEDULE_KEYWORDS")),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")
	v.SetDefault("ENABLE_DOCS", true)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "group_change")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", false)
	v.SetDefault("DB_MIGRATIONS_DIR", "migrations")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ADMISSION_NEAR_CAPACITY_THRESHOLD", 0.8)
	v.SetDefault("ADMISSION_CANCEL_GRACE_PERIOD", "24h")
	v.SetDefault("ADMISSION_DECISION_TIMEOUT", "30s")
	v.SetDefault("ADMISSION_BATCH_INTERVAL", "")
	v.SetDefault("ADMISSION_WORKERS", 2)
	v.SetDefault("ADMISSION_WORKER_RETRIES", 3)
	v.SetDefault("UNDO_LEDGER_BACKEND", LedgerBackendMemory)

	v.SetDefault("PRIORITY_WEIGHT_STANDING", 0.4)
	v.SetDefault("PRIORITY_WEIGHT_SENIORITY", 0.2)
	v.SetDefault("PRIORITY_WEIGHT_URGENCY", 0.2)
	v.SetDefault("PRIORITY_WEIGHT_AGE", 0.2)
	v.SetDefault("PRIORITY_MAX_GPA", 4.0)
	v.SetDefault("PRIORITY_MAX_SEMESTER", 8)
	v.SetDefault("PRIORITY_AGE_CEILING", "720h")
	v.SetDefault("URGENCY_MEDICAL_KEYWORDS", "medical,emergency,hospital,illness,surgery")
	v.SetDefault("URGENCY_PERSONAL_KEYWORDS", "work,job,family,caregiver")
	v.SetDefault("URGENCY_SCHEDULE_KEYWORDS", "schedule conflict,conflict,overlap,clash")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
