package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"

	"edge-recorder/constant"
)

type Config struct {
	App       App           `yaml:"app"`
	Server    Server        `yaml:"server"`
	EventBus  EventBus      `yaml:"event_bus"`
	Upload    Upload        `yaml:"upload"`
	Pipeline  Pipeline      `yaml:"pipeline"`
	Recording Recording     `yaml:"recording"`
	MinIO     MinIO         `yaml:"minio"`
	Storage   *minio.Client `yaml:"-"`
}

type App struct {
	Environment string `yaml:"environment"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
}

type EventBus struct {
	URI         string `yaml:"uri"`
	TLS         bool   `yaml:"tls"`
	Credentials string `yaml:"credentials"`
}

type Upload struct {
	WorkerCount      int    `yaml:"worker_count"`
	ByteBudget       int64  `yaml:"byte_budget"`
	ProgressStepPct  int    `yaml:"progress_step_pct"`
	StallRecovery    time.Duration
	RetryCeiling     int    `yaml:"retry_ceiling"`
	CoordinatorURL   string `yaml:"coordinator_url"`
	RetentionSeconds int    `yaml:"retention_seconds"`
}

type Pipeline struct {
	FragmentDuration time.Duration
	MaxFragmentBytes int64  `yaml:"max_fragment_bytes"`
	VideoSource      string `yaml:"video_source"`
	Codec            string `yaml:"codec"`
	Framerate        int    `yaml:"framerate"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	PixelFormat      string `yaml:"pixel_format"`
}

// Apply returns a copy of the pipeline configuration with per-recording
// overrides merged in. Unknown keys and unparseable values are rejected so a
// caller's typo never silently falls back to the defaults.
func (p Pipeline) Apply(overrides map[string]string) (Pipeline, error) {
	merged := p
	for key, value := range overrides {
		var err error
		switch key {
		case "video_source":
			merged.VideoSource = value
		case "codec":
			merged.Codec = value
		case "pixel_format":
			merged.PixelFormat = value
		case "framerate":
			merged.Framerate, err = parsePositive(value)
		case "width":
			merged.Width, err = parsePositive(value)
		case "height":
			merged.Height, err = parsePositive(value)
		case "fragment_duration_ms":
			var ms int
			ms, err = parsePositive(value)
			merged.FragmentDuration = time.Duration(ms) * time.Millisecond
		case "max_fragment_bytes":
			merged.MaxFragmentBytes, err = strconv.ParseInt(value, 10, 64)
		default:
			return Pipeline{}, fmt.Errorf("config: unsupported pipeline override %q", key)
		}
		if err != nil {
			return Pipeline{}, fmt.Errorf("config: pipeline override %s=%q: %w", key, value, err)
		}
	}
	return merged, nil
}

func parsePositive(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be > 0")
	}
	return n, nil
}

type Recording struct {
	BaseDirectory string `yaml:"base_directory"`
}

type MinIO struct {
	URL             string `yaml:"url"`
	AccessID        string `yaml:"access_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
}

func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("server.http_port", "8844")
	viper.SetDefault("event_bus.uri", "nats://127.0.0.1:4222")
	viper.SetDefault("upload.worker_count", 2)
	viper.SetDefault("upload.progress_step_pct", 2)
	viper.SetDefault("upload.stall_recovery_seconds", 90)
	viper.SetDefault("upload.retry_ceiling", 5)
	viper.SetDefault("pipeline.fragment_duration_ms", 60000)
	viper.SetDefault("pipeline.max_fragment_bytes", 256<<20)
	viper.SetDefault("pipeline.video_source", "videotestsrc")
	viper.SetDefault("pipeline.codec", "x264enc")
	viper.SetDefault("pipeline.framerate", 25)
	viper.SetDefault("pipeline.width", 1280)
	viper.SetDefault("pipeline.height", 720)
	viper.SetDefault("pipeline.pixel_format", "I420")

	err := viper.ReadInConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: App{
			Environment: viper.GetString("app.environment"),
		},
		Server: Server{
			HttpPort: viper.GetString("server.http_port"),
		},
		EventBus: EventBus{
			URI:         viper.GetString("event_bus.uri"),
			TLS:         viper.GetBool("event_bus.tls"),
			Credentials: viper.GetString("event_bus.credentials"),
		},
		Upload: Upload{
			WorkerCount:      viper.GetInt("upload.worker_count"),
			ByteBudget:       viper.GetInt64("upload.byte_budget"),
			ProgressStepPct:  viper.GetInt("upload.progress_step_pct"),
			StallRecovery:    time.Duration(viper.GetInt("upload.stall_recovery_seconds")) * time.Second,
			RetryCeiling:     viper.GetInt("upload.retry_ceiling"),
			CoordinatorURL:   viper.GetString("upload.coordinator_url"),
			RetentionSeconds: viper.GetInt("upload.retention_seconds"),
		},
		Pipeline: Pipeline{
			FragmentDuration: time.Duration(viper.GetInt("pipeline.fragment_duration_ms")) * time.Millisecond,
			MaxFragmentBytes: viper.GetInt64("pipeline.max_fragment_bytes"),
			VideoSource:      viper.GetString("pipeline.video_source"),
			Codec:            viper.GetString("pipeline.codec"),
			Framerate:        viper.GetInt("pipeline.framerate"),
			Width:            viper.GetInt("pipeline.width"),
			Height:           viper.GetInt("pipeline.height"),
			PixelFormat:      viper.GetString("pipeline.pixel_format"),
		},
		Recording: Recording{
			BaseDirectory: viper.GetString("recording.base_directory"),
		},
		MinIO: MinIO{
			URL:             viper.GetString("minio.url"),
			AccessID:        viper.GetString("minio.access_id"),
			SecretAccessKey: viper.GetString("minio.secret_access_key"),
			Bucket:          viper.GetString("minio.bucket"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.MinIO.URL != "" {
		minioClient, err := minio.New(cfg.MinIO.URL, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIO.AccessID, cfg.MinIO.SecretAccessKey, ""),
			Secure: false,
		})
		if err != nil {
			return nil, err
		}
		cfg.Storage = minioClient
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Recording.BaseDirectory == "" {
		return fmt.Errorf("config: recording.base_directory is required")
	}
	if c.Upload.WorkerCount < 1 {
		return fmt.Errorf("config: upload.worker_count must be >= 1")
	}
	if c.Upload.ProgressStepPct < 1 || c.Upload.ProgressStepPct > 100 {
		return fmt.Errorf("config: upload.progress_step_pct must be in 1..100")
	}
	if c.Upload.CoordinatorURL == "" && c.MinIO.URL == "" {
		return fmt.Errorf("config: either upload.coordinator_url or minio.url is required")
	}
	if c.Pipeline.FragmentDuration <= 0 {
		return fmt.Errorf("config: pipeline.fragment_duration_ms must be > 0")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == constant.EnvironmentProduction.String()
}
