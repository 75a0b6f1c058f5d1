package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"shiftwatch/internal/auth"
	"shiftwatch/internal/clip"
	"shiftwatch/internal/detection"
	"shiftwatch/internal/notify"
	"shiftwatch/internal/pipeline"
	"shiftwatch/internal/source"
	"shiftwatch/internal/storage"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "SHIFTWATCH_"

// FileEnv names the variable holding an optional YAML config path
const FileEnv = EnvPrefix + "CONFIG"

// Config is the complete service configuration. It is built once at
// startup and passed by value afterwards.
type Config struct {
	LogLevel     string `yaml:"log_level" env:"LOG_LEVEL"`
	OutputDir    string `yaml:"output_dir" env:"OUTPUT_DIR"`
	UploadDir    string `yaml:"upload_dir" env:"UPLOAD_DIR"`
	DatabasePath string `yaml:"database_path" env:"DATABASE_PATH"`

	Pipeline PipelineConfig `yaml:"pipeline" envPrefix:"PIPELINE_"`
	Clips    ClipConfig     `yaml:"clips" envPrefix:"CLIPS_"`
	Detector DetectorConfig `yaml:"detector" envPrefix:"DETECTOR_"`
	Source   SourceConfig   `yaml:"source" envPrefix:"SOURCE_"`
	Notify   NotifyConfig   `yaml:"notify" envPrefix:"NOTIFY_"`
	Storage  StorageConfig  `yaml:"storage" envPrefix:"MINIO_"`
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Auth     AuthConfig     `yaml:"auth" envPrefix:"AUTH_"`
	Tracing  TracingConfig  `yaml:"tracing" envPrefix:"OTEL_"`
}

// PipelineConfig tunes detection sampling and event aggregation
type PipelineConfig struct {
	ConfThreshold    float64  `yaml:"conf_threshold" env:"CONF"`
	DetectEvery      int      `yaml:"detect_every" env:"DETECT_EVERY"`
	MergeWindow      float64  `yaml:"merge_window_sec" env:"MERGE_SEC"`
	FinalizeDelay    float64  `yaml:"finalize_delay_sec" env:"FINALIZE_DELAY_SEC"`
	PreMargin        float64  `yaml:"clip_pre_sec" env:"CLIP_PRE_SEC"`
	PostMargin       float64  `yaml:"clip_post_sec" env:"CLIP_POST_SEC"`
	SafetyMargin     float64  `yaml:"ring_safety_sec" env:"RING_SAFETY_SEC"`
	SaveImmediately  bool     `yaml:"save_immediately" env:"SAVE_IMMEDIATELY"`
	ViolationClasses []string `yaml:"violation_classes" env:"VIOLATION_CLASSES"`
	ModelClasses     []string `yaml:"model_classes" env:"MODEL_CLASSES"`
}

// ClipConfig sizes the clip writer pool
type ClipConfig struct {
	Workers       int           `yaml:"workers" env:"WORKERS"`
	QueueSize     int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	JPEGQuality   int           `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
	JoinTimeout   time.Duration `yaml:"join_timeout" env:"JOIN_TIMEOUT"`
	NotifyTimeout time.Duration `yaml:"notify_timeout" env:"NOTIFY_TIMEOUT"`
	FFmpeg        string        `yaml:"ffmpeg" env:"FFMPEG"`
	Quality       int           `yaml:"video_quality" env:"VIDEO_QUALITY"`
}

// DetectorConfig selects the inference backend
type DetectorConfig struct {
	Backend  string        `yaml:"backend" env:"BACKEND"`
	Endpoint string        `yaml:"endpoint" env:"ENDPOINT"`
	Model    string        `yaml:"model" env:"MODEL"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Quality  int           `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
}

// SourceConfig locates the decoder binaries
type SourceConfig struct {
	FFmpeg  string `yaml:"ffmpeg" env:"FFMPEG"`
	FFprobe string `yaml:"ffprobe" env:"FFPROBE"`
	Quality int    `yaml:"quality" env:"QUALITY"`
}

// NotifyConfig enables notification sinks. Empty endpoints disable a sink.
type NotifyConfig struct {
	WebhookURL     string        `yaml:"webhook_url" env:"WEBHOOK_URL"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout" env:"WEBHOOK_TIMEOUT"`

	AMQPURL        string `yaml:"amqp_url" env:"AMQP_URL"`
	AMQPExchange   string `yaml:"amqp_exchange" env:"AMQP_EXCHANGE"`
	AMQPRoutingKey string `yaml:"amqp_routing_key" env:"AMQP_ROUTING_KEY"`

	MQTTBroker   string `yaml:"mqtt_broker" env:"MQTT_BROKER"`
	MQTTClientID string `yaml:"mqtt_client_id" env:"MQTT_CLIENT_ID"`
	MQTTPrefix   string `yaml:"mqtt_prefix" env:"MQTT_PREFIX"`
	MQTTQoS      byte   `yaml:"mqtt_qos" env:"MQTT_QOS"`

	TelegramBotToken string `yaml:"telegram_bot_token" env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `yaml:"telegram_chat_id" env:"TELEGRAM_CHAT_ID"`
	TelegramCooldown int    `yaml:"telegram_cooldown_sec" env:"TELEGRAM_COOLDOWN_SEC"`
}

// StorageConfig enables MinIO clip upload when Endpoint is set
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
}

// ServerConfig configures the admin server
type ServerConfig struct {
	Port        int `yaml:"port" env:"PORT"`
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"` // CLI only; 0 disables
	MaxTasks    int `yaml:"max_tasks" env:"MAX_TASKS"`
}

// AuthConfig holds admin login settings
type AuthConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Username     string        `yaml:"username" env:"USERNAME"`
	PasswordHash string        `yaml:"password_hash" env:"PASSWORD_HASH"`
	JWTSecret    string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	TokenExpiry  time.Duration `yaml:"token_expiry" env:"TOKEN_EXPIRY"`
}

// TracingConfig configures the OTLP exporter. An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		LogLevel:     "info",
		OutputDir:    "outputs",
		UploadDir:    "uploads",
		DatabasePath: "shiftwatch.db",
		Pipeline: PipelineConfig{
			ConfThreshold:    0.5,
			DetectEvery:      5,
			MergeWindow:      10,
			FinalizeDelay:    5,
			PreMargin:        3,
			PostMargin:       5,
			SafetyMargin:     2,
			ViolationClasses: []string{"no_glove", "no_head", "no_uniform", "floor", "table"},
			ModelClasses:     []string{"floor", "glove", "head", "no_glove", "no_head", "no_uniform", "table", "uniform"},
		},
		Clips: ClipConfig{
			Workers:       2,
			QueueSize:     200,
			JPEGQuality:   80,
			JoinTimeout:   5 * time.Second,
			NotifyTimeout: 5 * time.Second,
			FFmpeg:        "ffmpeg",
			Quality:       90,
		},
		Detector: DetectorConfig{
			Backend:  "yolo",
			Endpoint: "http://localhost:8081",
			Timeout:  15 * time.Second,
			Quality:  85,
		},
		Source: SourceConfig{
			FFmpeg:  "ffmpeg",
			FFprobe: "ffprobe",
			Quality: 3,
		},
		Notify: NotifyConfig{
			WebhookTimeout:   5 * time.Second,
			AMQPExchange:     "shiftwatch.events",
			AMQPRoutingKey:   notify.DefaultRoutingKey,
			MQTTClientID:     "shiftwatch",
			MQTTPrefix:       "shiftwatch",
			TelegramCooldown: 30,
		},
		Storage: StorageConfig{
			Bucket: "shiftwatch-clips",
		},
		Server: ServerConfig{
			Port:     8000,
			MaxTasks: 2,
		},
		Auth: AuthConfig{
			Username:    "admin",
			TokenExpiry: 24 * time.Hour,
		},
		Tracing: TracingConfig{
			ServiceName: "shiftwatch",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// SHIFTWATCH_CONFIG, then a .env file, then the environment.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	// Variables already set in the process environment win over .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks value ranges
func (c Config) Validate() error {
	p := c.Pipeline
	if p.ConfThreshold < 0 || p.ConfThreshold > 1 {
		return fmt.Errorf("confidence threshold %.2f outside [0, 1]", p.ConfThreshold)
	}
	if p.DetectEvery < 1 {
		return fmt.Errorf("detect_every must be at least 1")
	}
	if p.MergeWindow < 0 || p.FinalizeDelay < 0 {
		return fmt.Errorf("merge window and finalize delay cannot be negative")
	}
	if p.PreMargin < 0 || p.PostMargin < 0 || p.SafetyMargin < 0 {
		return fmt.Errorf("clip margins cannot be negative")
	}
	if len(p.ViolationClasses) == 0 {
		return fmt.Errorf("at least one violation class is required")
	}
	if c.Clips.Workers < 1 {
		return fmt.Errorf("clip workers must be at least 1")
	}
	if c.Clips.QueueSize < 1 {
		return fmt.Errorf("clip queue size must be at least 1")
	}
	if c.Clips.JPEGQuality < 1 || c.Clips.JPEGQuality > 100 {
		return fmt.Errorf("clip JPEG quality %d outside [1, 100]", c.Clips.JPEGQuality)
	}
	if c.Notify.MQTTQoS > 2 {
		return fmt.Errorf("MQTT QoS %d outside [0, 2]", c.Notify.MQTTQoS)
	}
	if c.Auth.Enabled && (c.Auth.PasswordHash == "" || c.Auth.JWTSecret == "") {
		return fmt.Errorf("auth enabled without password hash or JWT secret")
	}
	if c.Notify.TelegramBotToken != "" {
		if err := c.TelegramConfig().Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Settings converts the pipeline section into driver settings
func (c Config) Settings() pipeline.Settings {
	p := c.Pipeline
	return pipeline.Settings{
		ConfThreshold:    p.ConfThreshold,
		DetectEvery:      p.DetectEvery,
		MergeWindow:      p.MergeWindow,
		FinalizeDelay:    p.FinalizeDelay,
		PreMargin:        p.PreMargin,
		PostMargin:       p.PostMargin,
		SafetyMargin:     p.SafetyMargin,
		SaveImmediately:  p.SaveImmediately,
		ViolationClasses: append([]string(nil), p.ViolationClasses...),
	}
}

// PoolConfig converts the clips section into worker pool settings
func (c Config) PoolConfig() clip.Config {
	return clip.Config{
		Workers:          c.Clips.Workers,
		QueueSize:        c.Clips.QueueSize,
		JPEGQuality:      c.Clips.JPEGQuality,
		JoinTimeout:      c.Clips.JoinTimeout,
		NotifyTimeout:    c.Clips.NotifyTimeout,
		ViolationClasses: append([]string(nil), c.Pipeline.ViolationClasses...),
	}
}

// DetectionConfig converts the detector section for the registry
func (c Config) DetectionConfig() detection.Config {
	return detection.Config{
		Backend:  c.Detector.Backend,
		Endpoint: c.Detector.Endpoint,
		Model:    c.Detector.Model,
		Timeout:  c.Detector.Timeout,
		Quality:  c.Detector.Quality,
	}
}

// SourceOptions converts the source section for the frame decoder
func (c Config) SourceOptions() source.Options {
	return source.Options{
		FFmpeg:  c.Source.FFmpeg,
		FFprobe: c.Source.FFprobe,
		Quality: c.Source.Quality,
	}
}

// TelegramConfig converts the Telegram notification settings
func (c Config) TelegramConfig() notify.TelegramConfig {
	return notify.TelegramConfig{
		BotToken:        c.Notify.TelegramBotToken,
		ChatID:          c.Notify.TelegramChatID,
		CooldownSeconds: c.Notify.TelegramCooldown,
	}
}

// MinIOConfig converts the storage section
func (c Config) MinIOConfig() storage.Config {
	return storage.Config{
		Endpoint:  c.Storage.Endpoint,
		AccessKey: c.Storage.AccessKey,
		SecretKey: c.Storage.SecretKey,
		UseSSL:    c.Storage.UseSSL,
		Bucket:    c.Storage.Bucket,
	}
}

// AuthConfig converts the auth section
func (c Config) AuthConfig() auth.Config {
	return auth.Config{
		Enabled:      c.Auth.Enabled,
		Username:     c.Auth.Username,
		PasswordHash: c.Auth.PasswordHash,
		JWTSecret:    c.Auth.JWTSecret,
		TokenExpiry:  c.Auth.TokenExpiry,
	}
}
