package config

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/viper"
)

const (
	TrackingAirtable = "airtable"
	TrackingPostgres = "postgres"

	StorageGCS   = "gcs"
	StorageMinIO = "minio"
)

type Config struct {
	App       App       `yaml:"app"`
	DB        *sql.DB   `yaml:"db"`
	Queue     *RabbitMQ `yaml:"rabbitmq"`
	Server    Server    `yaml:"server"`
	Tracking  Tracking  `yaml:"tracking"`
	Storage   Storage   `yaml:"storage"`
	Drive     Drive     `yaml:"drive"`
	Databrary Databrary `yaml:"databrary"`
	Redis     Redis     `yaml:"redis"`
	Paths     Paths     `yaml:"paths"`
	Tools     Tools     `yaml:"tools"`
}

type App struct {
	Environment string `yaml:"environment"`
	Timezone    string `yaml:"timezone"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
	Workers  int    `yaml:"workers"`
}

type RabbitMQ struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Pass         string `json:"pass"`
	ExchangeName string `json:"exchange_name"`
	Kind         string `json:"kind"`
	QueueName    string `json:"queue_name"`
	RoutingKey   string `json:"routing_key"`
	MaxRetries   uint   `json:"max_retries"`
}

type Tracking struct {
	Backend          string `yaml:"backend"`
	AirtableURL      string `yaml:"airtable_url"`
	TokenFile        string `yaml:"token_file"`
	AppID            string `yaml:"app_id"`
	VideoTable       string `yaml:"video_table"`
	ParticipantTable string `yaml:"participant_table"`
	BlackoutTable    string `yaml:"blackout_table"`
	PostgresDSN      string `yaml:"postgres_dsn"`
	Debug            bool   `yaml:"debug"`
}

type Storage struct {
	Backend         string `yaml:"backend"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Location        string `yaml:"location"`
	LogsBucket      string `yaml:"logs_bucket"`
	MinIO           MinIO  `yaml:"minio"`
}

type MinIO struct {
	URL             string `yaml:"url"`
	AccessID        string `yaml:"access_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Secure          bool   `yaml:"secure"`
}

type Drive struct {
	CredentialsFile string `yaml:"credentials_file"`
	DriveID         string `yaml:"drive_id"`
	MainRootID      string `yaml:"main_root_id"`
	BingRootID      string `yaml:"bing_root_id"`
}

type Databrary struct {
	Enabled      bool   `yaml:"enabled"`
	TokenURL     string `yaml:"token_url"`
	SessionsURL  string `yaml:"sessions_url"`
	InitiateURL  string `yaml:"initiate_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	UserAgent    string `yaml:"user_agent"`
	TokenFile    string `yaml:"token_file"`
	MainVolume   int    `yaml:"main_volume"`
	BingVolume   int    `yaml:"bing_volume"`
}

type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

type Paths struct {
	RawRoot       string `yaml:"raw_root"`
	ProcessedRoot string `yaml:"processed_root"`
	BackfillRoot  string `yaml:"backfill_root"`
	LockDir       string `yaml:"lock_dir"`
}

type Tools struct {
	FFmpeg         string        `yaml:"ffmpeg"`
	FFprobe        string        `yaml:"ffprobe"`
	GPMFParser     string        `yaml:"gpmf_parser"`
	NVENC          bool          `yaml:"nvenc"`
	ChannelTimeout time.Duration `yaml:"channel_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "production")
	v.SetDefault("app.timezone", "America/Los_Angeles")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.workers", 1)

	v.SetDefault("rabbitmq_port", 5672)
	v.SetDefault("rabbitmq_kind", "direct")
	v.SetDefault("rabbitmq_exchange", "babyview_exchange")
	v.SetDefault("rabbitmq_queue", "babyview_run_queue")
	v.SetDefault("rabbitmq_routing_key", "babyview.run.request")
	v.SetDefault("rabbitmq_max_retries", 3)

	v.SetDefault("tracking.backend", TrackingAirtable)
	v.SetDefault("tracking.token_file", "creds/airtable_access_token.json")
	v.SetDefault("tracking.video_table", "Video")
	v.SetDefault("tracking.participant_table", "Participant")
	v.SetDefault("tracking.blackout_table", "Blackout")

	v.SetDefault("storage.backend", StorageGCS)
	v.SetDefault("storage.location", "US")
	v.SetDefault("storage.logs_bucket", "babyview_logs")

	v.SetDefault("drive.credentials_file", "creds/google_drive_token.json")

	v.SetDefault("databrary.token_file", "creds/databrary_tokens.json")
	v.SetDefault("databrary.user_agent", "babyview-pipeline")

	v.SetDefault("redis.lease_ttl", 6*time.Hour)

	v.SetDefault("paths.raw_root", "data/raw")
	v.SetDefault("paths.processed_root", "data/processed")
	v.SetDefault("paths.backfill_root", "data/backfill")
	v.SetDefault("paths.lock_dir", "data")

	v.SetDefault("tools.ffmpeg", "ffmpeg")
	v.SetDefault("tools.ffprobe", "ffprobe")
	v.SetDefault("tools.gpmf_parser", "gpmf-parser")
	v.SetDefault("tools.channel_timeout", 120*time.Second)
}

// Load reads config.yaml from path. Every key can be overridden from the
// environment, e.g. BABYVIEW_TRACKING_APP_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BABYVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return nil, err
	}

	cfg := &Config{
		App: App{
			Environment: v.GetString("app.environment"),
			Timezone:    v.GetString("app.timezone"),
		},
		Server: Server{
			HttpPort: v.GetString("server.port"),
			Workers:  v.GetInt("server.workers"),
		},
		Queue: &RabbitMQ{
			Host:         v.GetString("rabbitmq_host"),
			Port:         v.GetInt("rabbitmq_port"),
			User:         v.GetString("rabbitmq_user"),
			Pass:         v.GetString("rabbitmq_pass"),
			Kind:         v.GetString("rabbitmq_kind"),
			ExchangeName: v.GetString("rabbitmq_exchange"),
			QueueName:    v.GetString("rabbitmq_queue"),
			RoutingKey:   v.GetString("rabbitmq_routing_key"),
			MaxRetries:   v.GetUint("rabbitmq_max_retries"),
		},
		Tracking: Tracking{
			Backend:          v.GetString("tracking.backend"),
			AirtableURL:      v.GetString("tracking.airtable_url"),
			TokenFile:        v.GetString("tracking.token_file"),
			AppID:            v.GetString("tracking.app_id"),
			VideoTable:       v.GetString("tracking.video_table"),
			ParticipantTable: v.GetString("tracking.participant_table"),
			BlackoutTable:    v.GetString("tracking.blackout_table"),
			PostgresDSN:      v.GetString("tracking.postgres_dsn"),
			Debug:            v.GetBool("tracking.debug"),
		},
		Storage: Storage{
			Backend:         v.GetString("storage.backend"),
			ProjectID:       v.GetString("storage.project_id"),
			CredentialsFile: v.GetString("storage.credentials_file"),
			Location:        v.GetString("storage.location"),
			LogsBucket:      v.GetString("storage.logs_bucket"),
			MinIO: MinIO{
				URL:             v.GetString("minio.url"),
				AccessID:        v.GetString("minio.access_id"),
				SecretAccessKey: v.GetString("minio.secret_access_key"),
				Secure:          v.GetBool("minio.secure"),
			},
		},
		Drive: Drive{
			CredentialsFile: v.GetString("drive.credentials_file"),
			DriveID:         v.GetString("drive.drive_id"),
			MainRootID:      v.GetString("drive.main_root_id"),
			BingRootID:      v.GetString("drive.bing_root_id"),
		},
		Databrary: Databrary{
			Enabled:      v.GetBool("databrary.enabled"),
			TokenURL:     v.GetString("databrary.token_url"),
			SessionsURL:  v.GetString("databrary.sessions_url"),
			InitiateURL:  v.GetString("databrary.initiate_url"),
			ClientID:     v.GetString("databrary.client_id"),
			ClientSecret: v.GetString("databrary.client_secret"),
			UserAgent:    v.GetString("databrary.user_agent"),
			TokenFile:    v.GetString("databrary.token_file"),
			MainVolume:   v.GetInt("databrary.main_volume"),
			BingVolume:   v.GetInt("databrary.bing_volume"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LeaseTTL: v.GetDuration("redis.lease_ttl"),
		},
		Paths: Paths{
			RawRoot:       v.GetString("paths.raw_root"),
			ProcessedRoot: v.GetString("paths.processed_root"),
			BackfillRoot:  v.GetString("paths.backfill_root"),
			LockDir:       v.GetString("paths.lock_dir"),
		},
		Tools: Tools{
			FFmpeg:         v.GetString("tools.ffmpeg"),
			FFprobe:        v.GetString("tools.ffprobe"),
			GPMFParser:     v.GetString("tools.gpmf_parser"),
			NVENC:          v.GetBool("tools.nvenc"),
			ChannelTimeout: v.GetDuration("tools.channel_timeout"),
		},
	}

	if cfg.Tracking.Backend == TrackingPostgres {
		db, err := sql.Open("postgres", cfg.Tracking.PostgresDSN)
		if err != nil {
			return nil, err
		}
		cfg.DB = db
	}

	return cfg, nil
}

// Location is the run-date timezone, UTC when the name is unknown.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
