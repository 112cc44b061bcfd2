package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the optional YAML file applied over the defaults before the
// environment is read.
const FileEnv = "CARPOOL_CONFIG"

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are layered: defaults, then the YAML file, then environment
// variables, so the binary runs locally with nothing but MATCHING_BASE_URL.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"migrate"`

	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisGeoPrefix string `yaml:"redis_geo_prefix"`

	KafkaBrokers     []string `yaml:"kafka_brokers"`
	KafkaNotifyTopic string   `yaml:"kafka_notify_topic"`

	MatchingBaseURL    string        `yaml:"matching_base_url"`
	MatchingTimeout    time.Duration `yaml:"matching_timeout"`
	MatchingRetries    int           `yaml:"matching_retries"`
	MatchingRetryDelay time.Duration `yaml:"matching_retry_delay"`

	SchedulerWorkers     int           `yaml:"scheduler_workers"`
	SchedulerCatchUp     bool          `yaml:"scheduler_catch_up"`
	DeadlineReminderLead time.Duration `yaml:"deadline_reminder_lead"`

	JWTSecret string `yaml:"jwt_secret"`
	LogLevel  string `yaml:"log_level"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       45 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoPrefix:     "carpool:drivers",
		KafkaNotifyTopic:   "carpool-notifications",
		MatchingTimeout:    30 * time.Second,
		MatchingRetries:    1,
		MatchingRetryDelay: 200 * time.Millisecond,
		SchedulerWorkers:   4,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	overlayFile(&cfg, &errs)

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoPrefix, "REDIS_GEO_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaNotifyTopic, "KAFKA_NOTIFY_TOPIC")

	setStringFromEnv(&cfg.MatchingBaseURL, "MATCHING_BASE_URL")
	setDurationFromEnv(&cfg.MatchingTimeout, "MATCHING_TIMEOUT", &errs)
	setIntFromEnv(&cfg.MatchingRetries, "MATCHING_RETRIES", &errs)
	setDurationFromEnv(&cfg.MatchingRetryDelay, "MATCHING_RETRY_DELAY", &errs)

	setIntFromEnv(&cfg.SchedulerWorkers, "SCHEDULER_WORKERS", &errs)
	setBoolFromEnv(&cfg.SchedulerCatchUp, "SCHEDULER_CATCH_UP", &errs)
	setDurationFromEnv(&cfg.DeadlineReminderLead, "DEADLINE_REMINDER_LEAD", &errs)

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if cfg.MatchingBaseURL == "" {
		errs = append(errs, fmt.Errorf("MATCHING_BASE_URL is required"))
	}
	if cfg.MatchingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("MATCHING_TIMEOUT must be > 0"))
	}
	if cfg.MatchingRetries < 0 || cfg.MatchingRetries > 1 {
		errs = append(errs, fmt.Errorf("MATCHING_RETRIES must be 0 or 1"))
	}
	if cfg.SchedulerWorkers <= 0 {
		errs = append(errs, fmt.Errorf("SCHEDULER_WORKERS must be > 0"))
	}
	if cfg.DeadlineReminderLead < 0 {
		errs = append(errs, fmt.Errorf("DEADLINE_REMINDER_LEAD must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives cmd/consumer, the outbox delivery worker.
type ConsumerConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_notify_topic"`
	KafkaGroup   string   `yaml:"kafka_group"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	PushEndpoint string `yaml:"push_endpoint"`
	PushKey      string `yaml:"push_key"`
	MailEndpoint string `yaml:"mail_endpoint"`
	MailKey      string `yaml:"mail_key"`

	InboxLen    int           `yaml:"inbox_len"`
	InboxTTL    time.Duration `yaml:"inbox_ttl"`
	DedupeTTL   time.Duration `yaml:"dedupe_ttl"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LogLevel    string        `yaml:"log_level"`
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaTopic:  "carpool-notifications",
		KafkaGroup:  "carpool-notify-consumer",
		InboxLen:    50,
		InboxTTL:    30 * 24 * time.Hour,
		DedupeTTL:   10 * time.Minute,
		MetricsAddr: ":9102",
		LogLevel:    "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error
	overlayFile(&cfg, &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_NOTIFY_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setStringFromEnv(&cfg.PushKey, "PUSH_KEY")
	setStringFromEnv(&cfg.MailEndpoint, "MAIL_ENDPOINT")
	setStringFromEnv(&cfg.MailKey, "MAIL_KEY")

	setIntFromEnv(&cfg.InboxLen, "INBOX_LEN", &errs)
	setDurationFromEnv(&cfg.InboxTTL, "INBOX_TTL", &errs)
	setDurationFromEnv(&cfg.DedupeTTL, "DEDUPE_TTL", &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	}
	if cfg.InboxLen <= 0 {
		errs = append(errs, fmt.Errorf("INBOX_LEN must be > 0"))
	}
	if cfg.DedupeTTL <= 0 {
		errs = append(errs, fmt.Errorf("DEDUPE_TTL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// overlayFile decodes the file named by CARPOOL_CONFIG over target. Keys the
// file does not mention keep their defaults.
func overlayFile(target any, errs *[]error) {
	path := strings.TrimSpace(os.Getenv(FileEnv))
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("read %s: %w", path, err))
		return
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		*errs = append(*errs, fmt.Errorf("parse %s: %w", path, err))
	}
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
