package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-parsed configuration surface. Every field group below
// corresponds to one of the configuration categories in the external
// interface contract (Paths/Queue/Worker/Transcoding/Hardware/Limits) plus
// the ambient server/logger/storage sections every process needs.
type Config struct {
	Server    ServerConfig
	Logger    LoggerConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	S3        S3Config
	Paths     PathsConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Transcode TranscodeConfig
	Hardware  HardwareConfig
	Limits    LimitsConfig
	Alerts    AlertsConfig
}

type ServerConfig struct {
	AppVersion      string `mapstructure:"app_version"`
	Mode            string `mapstructure:"mode"`
	Port            string `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type S3Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	CDNEndpoint  string `mapstructure:"cdn_endpoint"`
	VideosBucket string `mapstructure:"videos_bucket"`
}

// PathsConfig — storage root and the three disjoint directory trees
// (uploads, videos, archive) owned exclusively by the coordinator process.
type PathsConfig struct {
	StorageRoot string `mapstructure:"storage_root"`
	UploadsDir  string `mapstructure:"uploads_dir"`
	VideosDir   string `mapstructure:"videos_dir"`
	ArchiveDir  string `mapstructure:"archive_dir"`
}

// QueueConfig — job-queue backend selection and stream tuning.
type QueueConfig struct {
	Mode             string        `mapstructure:"mode"` // database | redis | hybrid
	StreamPrefix     string        `mapstructure:"stream_prefix"`
	ConsumerGroup    string        `mapstructure:"consumer_group"`
	PendingTimeout   time.Duration `mapstructure:"pending_timeout"`
	BlockDuration    time.Duration `mapstructure:"block_duration"`
	StreamMaxLen     int64         `mapstructure:"stream_maxlen"`
	DeadLetterMaxLen int64         `mapstructure:"dead_letter_maxlen"`
}

// WorkerConfig — worker runtime cadence and resource gating.
type WorkerConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	ClaimDuration      time.Duration `mapstructure:"claim_duration"`
	OfflineThreshold   time.Duration `mapstructure:"offline_threshold"`
	MaxCPUUsage        float64       `mapstructure:"max_cpu_usage"`
	MaxMemoryUsage     float64       `mapstructure:"max_memory_usage"`
	CoordinatorURL     string        `mapstructure:"coordinator_url"`
	APIKey             string        `mapstructure:"api_key"`
	WorkerCount        int           `mapstructure:"worker_count"`
}

// QualityPreset is one row of the fixed transcoding preset table.
type QualityPreset struct {
	Name          string `mapstructure:"name"`
	Height        int    `mapstructure:"height"`
	BitrateKbps   int    `mapstructure:"bitrate_kbps"`
	AudioKbps     int    `mapstructure:"audio_kbps"`
}

// TranscodeConfig — transcoding pipeline knobs.
type TranscodeConfig struct {
	Presets                  []QualityPreset `mapstructure:"presets"`
	SegmentDuration          int             `mapstructure:"segment_duration"`
	StreamingFormat          string          `mapstructure:"streaming_format"` // hls-ts | cmaf
	FFmpegTimeoutMin         time.Duration   `mapstructure:"ffmpeg_timeout_min"`
	FFmpegTimeoutMax         time.Duration   `mapstructure:"ffmpeg_timeout_max"`
	FFmpegBaseMultiplier     float64         `mapstructure:"ffmpeg_base_multiplier"`
	FFmpegResolutionMultiplier float64       `mapstructure:"ffmpeg_resolution_multiplier"`
	ParallelQualities        int             `mapstructure:"parallel_qualities"` // parsed but not read: the pipeline encodes one quality at a time
	KeepCompletedQualities   bool            `mapstructure:"keep_completed_qualities"`
	CleanupOnPermanentFailure bool           `mapstructure:"cleanup_on_permanent_failure"`
	MaxDuration              time.Duration  `mapstructure:"max_duration"`
}

// HardwareConfig — hardware encoder-selection preference.
type HardwareConfig struct {
	HWAccelType     string `mapstructure:"hwaccel_type"` // auto | nvidia | intel | none
	PreferredCodec  string `mapstructure:"preferred_codec"` // h264 | hevc | av1
}

// LimitsConfig — upload/archive/extraction ceilings.
type LimitsConfig struct {
	MaxUploadSizeBytes     int64         `mapstructure:"max_upload_size_bytes"`
	ArchiveRetention       time.Duration `mapstructure:"archive_retention"`
	ProgressUpdateInterval time.Duration `mapstructure:"progress_update_interval"`
	TarExtractionTimeout   time.Duration `mapstructure:"tar_extraction_timeout"`
	MaxFileSizeBytes       int64         `mapstructure:"max_file_size_bytes"`
	MaxArchiveSizeBytes    int64         `mapstructure:"max_archive_size_bytes"`
	OrphanGracePeriod      time.Duration `mapstructure:"orphan_grace_period"`
	OrphanStartupGrace     time.Duration `mapstructure:"orphan_startup_grace"`
}

// AlertsConfig — the external webhook endpoint this process notifies on
// stale-recovery, max-retries, and lifecycle events.
// Empty WebhookURL disables delivery entirely; the per-event counters are
// still accumulated in-process either way.
type AlertsConfig struct {
	WebhookURL      string        `mapstructure:"webhook_url"`
	WebhookTimeout  time.Duration `mapstructure:"webhook_timeout"`
	RateLimit       time.Duration `mapstructure:"rate_limit"`
}

// LoadConfig reads a config file into viper without interpreting it; parsing
// into a typed Config is a separate step (ParseConfig) so callers can
// construct dependent components before the full tree is validated.
func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(filename)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("VLOG")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v, nil
}

// ParseConfig unmarshals the raw viper tree and fills in the defaults for
// anything the config file or environment left unset.
func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	applyDefaults(&c)
	return &c, nil
}

func applyDefaults(c *Config) {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Paths.StorageRoot == "" {
		c.Paths.StorageRoot = "./storage"
	}
	if c.Paths.UploadsDir == "" {
		c.Paths.UploadsDir = c.Paths.StorageRoot + "/uploads"
	}
	if c.Paths.VideosDir == "" {
		c.Paths.VideosDir = c.Paths.StorageRoot + "/videos"
	}
	if c.Paths.ArchiveDir == "" {
		c.Paths.ArchiveDir = c.Paths.StorageRoot + "/archive"
	}
	if c.Queue.Mode == "" {
		c.Queue.Mode = "hybrid"
	}
	if c.Queue.StreamPrefix == "" {
		c.Queue.StreamPrefix = "transcode"
	}
	if c.Queue.ConsumerGroup == "" {
		c.Queue.ConsumerGroup = "workers"
	}
	if c.Queue.PendingTimeout == 0 {
		c.Queue.PendingTimeout = 60 * time.Second
	}
	if c.Queue.BlockDuration == 0 {
		c.Queue.BlockDuration = 5 * time.Second
	}
	if c.Queue.StreamMaxLen == 0 {
		c.Queue.StreamMaxLen = 10000
	}
	if c.Queue.DeadLetterMaxLen == 0 {
		c.Queue.DeadLetterMaxLen = 1000
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 10 * time.Second
	}
	if c.Worker.ClaimDuration == 0 {
		c.Worker.ClaimDuration = 30 * time.Minute
	}
	if c.Worker.OfflineThreshold == 0 {
		c.Worker.OfflineThreshold = 5 * time.Minute
	}
	if c.Worker.MaxCPUUsage == 0 {
		c.Worker.MaxCPUUsage = 90.0
	}
	if c.Worker.MaxMemoryUsage == 0 {
		c.Worker.MaxMemoryUsage = 85.0
	}
	if c.Worker.WorkerCount == 0 {
		c.Worker.WorkerCount = 1
	}
	if len(c.Transcode.Presets) == 0 {
		c.Transcode.Presets = DefaultPresets()
	}
	if c.Transcode.SegmentDuration == 0 {
		c.Transcode.SegmentDuration = 6
	}
	if c.Transcode.StreamingFormat == "" {
		c.Transcode.StreamingFormat = "hls-ts"
	}
	if c.Transcode.FFmpegTimeoutMin == 0 {
		c.Transcode.FFmpegTimeoutMin = 300 * time.Second
	}
	if c.Transcode.FFmpegTimeoutMax == 0 {
		c.Transcode.FFmpegTimeoutMax = 3600 * time.Second
	}
	if c.Transcode.FFmpegBaseMultiplier == 0 {
		c.Transcode.FFmpegBaseMultiplier = 1.5
	}
	if c.Transcode.FFmpegResolutionMultiplier == 0 {
		c.Transcode.FFmpegResolutionMultiplier = 1.0
	}
	if c.Transcode.MaxDuration == 0 {
		c.Transcode.MaxDuration = 7 * 24 * time.Hour
	}
	if c.Hardware.HWAccelType == "" {
		c.Hardware.HWAccelType = "auto"
	}
	if c.Hardware.PreferredCodec == "" {
		c.Hardware.PreferredCodec = "h264"
	}
	if c.Limits.MaxUploadSizeBytes == 0 {
		c.Limits.MaxUploadSizeBytes = 50 * 1024 * 1024 * 1024
	}
	if c.Limits.ArchiveRetention == 0 {
		c.Limits.ArchiveRetention = 30 * 24 * time.Hour
	}
	if c.Limits.ProgressUpdateInterval == 0 {
		c.Limits.ProgressUpdateInterval = 5 * time.Second
	}
	if c.Limits.TarExtractionTimeout == 0 {
		c.Limits.TarExtractionTimeout = 60 * time.Second
	}
	if c.Limits.MaxFileSizeBytes == 0 {
		c.Limits.MaxFileSizeBytes = 2 * 1024 * 1024 * 1024
	}
	if c.Limits.MaxArchiveSizeBytes == 0 {
		c.Limits.MaxArchiveSizeBytes = 10 * 1024 * 1024 * 1024
	}
	if c.Limits.OrphanGracePeriod == 0 {
		c.Limits.OrphanGracePeriod = 24 * time.Hour
	}
	if c.Limits.OrphanStartupGrace == 0 {
		c.Limits.OrphanStartupGrace = 1 * time.Hour
	}
	if c.Alerts.WebhookTimeout == 0 {
		c.Alerts.WebhookTimeout = 5 * time.Second
	}
	if c.Alerts.RateLimit == 0 {
		c.Alerts.RateLimit = 5 * time.Minute
	}
}

// DefaultPresets is the fixed preset table quality selection draws from:
// every tier
// whose height is at or below the source height is applicable.
func DefaultPresets() []QualityPreset {
	return []QualityPreset{
		{Name: "2160p", Height: 2160, BitrateKbps: 16000, AudioKbps: 192},
		{Name: "1440p", Height: 1440, BitrateKbps: 9000, AudioKbps: 192},
		{Name: "1080p", Height: 1080, BitrateKbps: 5000, AudioKbps: 160},
		{Name: "720p", Height: 720, BitrateKbps: 3000, AudioKbps: 128},
		{Name: "480p", Height: 480, BitrateKbps: 1200, AudioKbps: 96},
		{Name: "360p", Height: 360, BitrateKbps: 800, AudioKbps: 96},
	}
}
