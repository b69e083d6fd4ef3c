package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// DBConfig Database config
type DBConfig struct {
	Type     string `yaml:"type" env:"CHIPPOOL_DB_TYPE" env-default:"postgres"` // postgres or sqlite
	Host     string `yaml:"host" env:"CHIPPOOL_DB_HOST" env-default:"127.0.0.1"`
	Port     int    `yaml:"port" env:"CHIPPOOL_DB_PORT" env-default:"5432"`
	Name     string `yaml:"name" env:"CHIPPOOL_DB_NAME" env-default:"chippool"`
	User     string `yaml:"user" env:"CHIPPOOL_DB_USER" env-default:"postgres"`
	Passwd   string `yaml:"passwd" env:"CHIPPOOL_DB_PWD"`
	MaxConn  int    `yaml:"max_conn" env:"CHIPPOOL_DB_MAXCONN" env-default:"50"`
	IdleConn int    `yaml:"idle_conn" env:"CHIPPOOL_DB_IDLECONN" env-default:"10"`
	Debug    bool   `yaml:"debug" env:"CHIPPOOL_DB_DEBUG"`
}

// SysConfig System config
type SysConfig struct {
	Appid    string `yaml:"appid" env:"CHIPPOOL_APPID" env-default:"ChipPool"`
	Location string `yaml:"location" env:"CHIPPOOL_LOCATION" env-default:"America/Sao_Paulo"`
	Workdir  string `yaml:"workdir" env:"CHIPPOOL_WORKDIR" env-default:"/var/chippool"`
	Debug    bool   `yaml:"debug" env:"CHIPPOOL_DEBUG"`
}

// WebConfig Web admin API config
type WebConfig struct {
	Host   string `yaml:"host" env:"CHIPPOOL_WEB_HOST" env-default:"0.0.0.0"`
	Port   int    `yaml:"port" env:"CHIPPOOL_WEB_PORT" env-default:"1816"`
	Secret string `yaml:"secret" env:"CHIPPOOL_WEB_SECRET"` // empty disables JWT auth
}

// LogConfig logger config
type LogConfig struct {
	Mode       string `yaml:"mode" env:"CHIPPOOL_LOGGER_MODE" env-default:"development"`
	FileEnable bool   `yaml:"file_enable" env:"CHIPPOOL_LOGGER_FILE_ENABLE"`
	Filename   string `yaml:"filename" env:"CHIPPOOL_LOGGER_FILENAME" env-default:"/var/chippool/chippool.log"`
	Level      string `yaml:"level" env:"CHIPPOOL_LOGGER_LEVEL"` // empty keeps the mode default
	MaxSizeMB  int    `yaml:"max_size_mb" env:"CHIPPOOL_LOGGER_MAX_SIZE" env-default:"64"`
	MaxBackups int    `yaml:"max_backups" env:"CHIPPOOL_LOGGER_MAX_BACKUPS" env-default:"7"`
	MaxAgeDays int    `yaml:"max_age_days" env:"CHIPPOOL_LOGGER_MAX_AGE" env-default:"7"`
}

// GatewayConfig WhatsApp gateway (Evolution API style) config
type GatewayConfig struct {
	BaseURL        string        `yaml:"base_url" env:"CHIPPOOL_GATEWAY_URL" env-default:"http://127.0.0.1:8080"`
	APIKey         string        `yaml:"api_key" env:"CHIPPOOL_GATEWAY_APIKEY"`
	Timeout        time.Duration `yaml:"timeout" env:"CHIPPOOL_GATEWAY_TIMEOUT" env-default:"10s"`
	Retries        int           `yaml:"retries" env:"CHIPPOOL_GATEWAY_RETRIES" env-default:"3"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" env:"CHIPPOOL_GATEWAY_RETRY_BACKOFF" env-default:"500ms"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"CHIPPOOL_GATEWAY_POLL_INTERVAL" env-default:"3s"`
	PairingTimeout time.Duration `yaml:"pairing_timeout" env:"CHIPPOOL_GATEWAY_PAIRING_TIMEOUT" env-default:"2m"`
}

// EngineConfig runtime knobs of the background jobs
type EngineConfig struct {
	BulkConcurrency      int           `yaml:"bulk_concurrency" env:"CHIPPOOL_BULK_CONCURRENCY" env-default:"5"`
	CheckConcurrency     int           `yaml:"check_concurrency" env:"CHIPPOOL_CHECK_CONCURRENCY" env-default:"10"`
	SchedulerTick        time.Duration `yaml:"scheduler_tick" env:"CHIPPOOL_SCHEDULER_TICK" env-default:"10s"`
	JobTimeout           time.Duration `yaml:"job_timeout" env:"CHIPPOOL_JOB_TIMEOUT" env-default:"5m"`
	TrustRetentionDays   int           `yaml:"trust_retention_days" env:"CHIPPOOL_TRUST_RETENTION_DAYS" env-default:"180"`
	JobRunRetentionDays  int           `yaml:"job_run_retention_days" env:"CHIPPOOL_JOBRUN_RETENTION_DAYS" env-default:"30"`
	ActivityRetentionDay int           `yaml:"activity_retention_days" env:"CHIPPOOL_ACTIVITY_RETENTION_DAYS" env-default:"90"`
}

// KafkaConfig optional lifecycle event stream
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" env:"CHIPPOOL_KAFKA_ENABLED"`
	Brokers []string `yaml:"brokers" env:"CHIPPOOL_KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"CHIPPOOL_KAFKA_TOPIC" env-default:"chippool.events"`
}

// SMTPConfig mail delivery settings for alert notifications
type SMTPConfig struct {
	Host   string   `yaml:"host" env:"CHIPPOOL_SMTP_HOST"`
	Port   int      `yaml:"port" env:"CHIPPOOL_SMTP_PORT" env-default:"587"`
	User   string   `yaml:"user" env:"CHIPPOOL_SMTP_USER"`
	Passwd string   `yaml:"passwd" env:"CHIPPOOL_SMTP_PWD"`
	From   string   `yaml:"from" env:"CHIPPOOL_SMTP_FROM"`
	To     []string `yaml:"to" env:"CHIPPOOL_SMTP_TO" env-separator:","`
}

// NotifyConfig alert notification sinks
type NotifyConfig struct {
	WebhookURL  string     `yaml:"webhook_url" env:"CHIPPOOL_NOTIFY_WEBHOOK"`
	MinSeverity string     `yaml:"min_severity" env:"CHIPPOOL_NOTIFY_MIN_SEVERITY" env-default:"alerta"`
	SMTP        SMTPConfig `yaml:"smtp"`
}

type AppConfig struct {
	System   SysConfig     `yaml:"system"`
	Web      WebConfig     `yaml:"web"`
	Database DBConfig      `yaml:"database"`
	Logger   LogConfig     `yaml:"logger"`
	Gateway  GatewayConfig `yaml:"gateway"`
	Engine   EngineConfig  `yaml:"engine"`
	Kafka    KafkaConfig   `yaml:"kafka"`
	Notify   NotifyConfig  `yaml:"notify"`
}

func (c *AppConfig) GetLogDir() string {
	return filepath.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return filepath.Join(c.System.Workdir, "data")
}

// InitDirs creates the working directories.
func (c *AppConfig) InitDirs() error {
	for _, dir := range []string{c.System.Workdir, c.GetLogDir(), c.GetDataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Dump renders the effective configuration as YAML with secrets masked.
func (c *AppConfig) Dump() ([]byte, error) {
	cp := *c
	cp.Database.Passwd = mask(cp.Database.Passwd)
	cp.Web.Secret = mask(cp.Web.Secret)
	cp.Gateway.APIKey = mask(cp.Gateway.APIKey)
	cp.Notify.SMTP.Passwd = mask(cp.Notify.SMTP.Passwd)
	return yaml.Marshal(&cp)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}

// LoadConfig reads the yaml file at path, then applies environment
// overrides. An empty path reads from the environment only.
func LoadConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if strings.TrimSpace(path) == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
