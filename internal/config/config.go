package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Every field has a working
// default; a yaml file overlays the defaults and environment
// variables win over both.
type Config struct {
	Port        int    `yaml:"port"`
	HlsdPort    int    `yaml:"hlsd_port"`
	WallZone    string `yaml:"wall_timezone"`
	BlobRoot    string `yaml:"blob_root"`
	HlsRoot     string `yaml:"hls_root"`
	TuningFile  string `yaml:"tuning_file"`
	FFmpegPath  string `yaml:"ffmpeg_path"`
	NatsURL     string `yaml:"nats_url"`
	NatsSubject string `yaml:"nats_subject"`
	RedisAddr   string `yaml:"redis_addr"`

	DB struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"db"`

	Capture struct {
		MaxComboConcurrency   int `yaml:"max_combo_concurrency"`
		MaxWorkersPerCombo    int `yaml:"max_workers_per_combo"`
		RTSPConnectTimeoutSec int `yaml:"rtsp_connect_timeout_sec"`
		RTSPReadTimeoutSec    int `yaml:"rtsp_read_timeout_sec"`
		RetryCount            int `yaml:"retry_count"`
		DeadlineFactor        int `yaml:"deadline_factor"`
	} `yaml:"capture"`

	HLS struct {
		IdleTimeoutSec int `yaml:"idle_timeout_sec"`
	} `yaml:"hls"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	var c Config
	c.Port = 8080
	c.HlsdPort = 8081
	c.WallZone = "Asia/Shanghai"
	c.BlobRoot = "data/screenshots"
	c.HlsRoot = "data/hls"
	c.FFmpegPath = "ffmpeg"
	c.NatsSubject = "parkwatch.changes"
	c.DB.Host = "localhost"
	c.DB.Port = 5432
	c.DB.User = "parkwatch"
	c.DB.Name = "parkwatch"
	c.DB.SSLMode = "disable"
	c.Capture.MaxComboConcurrency = 4
	c.Capture.MaxWorkersPerCombo = 2
	c.Capture.RTSPConnectTimeoutSec = 10
	c.Capture.RTSPReadTimeoutSec = 30
	c.Capture.RetryCount = 2
	c.Capture.DeadlineFactor = 2
	c.HLS.IdleTimeoutSec = 60
	return c
}

// Load builds the config from defaults, an optional yaml file, and
// the environment, in that order.
func Load(path string) Config {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[WARN] config file %s not readable: %v", path, err)
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Printf("[WARN] config file %s not parseable: %v", path, err)
		}
	}

	overlayEnv(&cfg)
	return cfg
}

func overlayEnv(cfg *Config) {
	envInt("PORT", &cfg.Port)
	envInt("HLSD_PORT", &cfg.HlsdPort)
	envStr("WALL_TIMEZONE", &cfg.WallZone)
	envStr("BLOB_ROOT", &cfg.BlobRoot)
	envStr("HLS_ROOT", &cfg.HlsRoot)
	envStr("TUNING_FILE", &cfg.TuningFile)
	envStr("FFMPEG_PATH", &cfg.FFmpegPath)
	envStr("NATS_URL", &cfg.NatsURL)
	envStr("NATS_SUBJECT", &cfg.NatsSubject)
	envStr("REDIS_ADDR", &cfg.RedisAddr)

	envStr("DB_HOST", &cfg.DB.Host)
	envInt("DB_PORT", &cfg.DB.Port)
	envStr("DB_USER", &cfg.DB.User)
	envStr("DB_PASSWORD", &cfg.DB.Password)
	envStr("DB_NAME", &cfg.DB.Name)
	envStr("DB_SSLMODE", &cfg.DB.SSLMode)

	envInt("MAX_COMBO_CONCURRENCY", &cfg.Capture.MaxComboConcurrency)
	envInt("MAX_WORKERS_PER_COMBO", &cfg.Capture.MaxWorkersPerCombo)
	envInt("TASK_RTSP_CONNECT_TIMEOUT_SEC", &cfg.Capture.RTSPConnectTimeoutSec)
	envInt("TASK_RTSP_READ_TIMEOUT_SEC", &cfg.Capture.RTSPReadTimeoutSec)
	envInt("TASK_RETRY_COUNT", &cfg.Capture.RetryCount)
	envInt("TASK_DEADLINE_FACTOR", &cfg.Capture.DeadlineFactor)
	envInt("HLS_IDLE_TIMEOUT_SEC", &cfg.HLS.IdleTimeoutSec)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("[WARN] env %s=%q is not an integer, ignored", key, v)
			return
		}
		*dst = n
	}
}

// DSN renders the postgres connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode)
}

// ConnectTimeout and ReadTimeout as durations.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Capture.RTSPConnectTimeoutSec) * time.Second
}

func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.Capture.RTSPReadTimeoutSec) * time.Second
}

func (c Config) HLSIdleTimeout() time.Duration {
	return time.Duration(c.HLS.IdleTimeoutSec) * time.Second
}
