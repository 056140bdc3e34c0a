package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/navi-crwn/pixelhop-sub000/internal/models"
)

const (
	MetadataPostgres = "postgres"
	MetadataSQLite   = "sqlite"
	MetadataMemory   = "memory"
)

type HTTPConfig struct {
	Host           string
	Port           int `validate:"gte=0,lte=65535"`
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxUploadBytes int64 `validate:"gt=0"`
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

type SQLiteConfig struct {
	Path     string
	PoolSize int
}

type MetadataConfig struct {
	Driver   string `validate:"oneof=postgres sqlite memory"`
	Postgres PostgresConfig
	SQLite   SQLiteConfig
	PageSize int `validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string `validate:"required"`
	Group    string `validate:"required"`
	Consumer string `validate:"required"`
}

type StorageConfig struct {
	Endpoint       string `validate:"required,url"`
	Bucket         string `validate:"required"`
	AccessKey      string
	SecretKey      string
	Region         string `validate:"required"`
	PublicURL      string
	MaxAttempts    int `validate:"gte=1,lte=10"`
	InitialBackoff time.Duration
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	EnsureBucket   bool
}

type ProfileConfig struct {
	Name       string `validate:"required"`
	Width      int    `validate:"gte=0"`
	Height     int    `validate:"gte=0"`
	Quality    int    `validate:"gte=0,lte=100"`
	Format     string `validate:"omitempty,oneof=jpeg png gif webp"`
	Background string
}

type ImagesConfig struct {
	MaxBytes     int64           `validate:"gt=0"`
	AllowedTypes []string        `validate:"min=1"`
	Quality      int             `validate:"gte=1,lte=100"`
	Profiles     []ProfileConfig `validate:"min=1,dive"`
}

type RetentionConfig struct {
	SweepSchedule     string `validate:"required"`
	ReconcileSchedule string
	OrphanGrace       time.Duration
	ClaimInterval     time.Duration
}

type FetchConfig struct {
	Timeout      time.Duration
	MaxBytes     int64
	MaxRedirects int
	UserAgent    string
}

type AdmissionConfig struct {
	Enabled        bool
	HourlyLimit    int
	GuestMaxBytes  int64
	GuestsDisabled bool
}

type SecurityConfig struct {
	AdminJWTSecret string
}

type LoggingConfig struct {
	Level string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Metadata         MetadataConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Images           ImagesConfig
	Retention        RetentionConfig
	Fetch            FetchConfig
	Admission        AdmissionConfig
	Security         SecurityConfig
	Logging          LoggingConfig
	AllowCORSOrigins []string
}

func Load() (*AppConfig, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from the default search paths
// when path is empty. A .env file in the working directory is applied to the
// process environment first.
func LoadFile(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
	}

	v.SetEnvPrefix("PIXELHOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Images.Profiles))
	for _, p := range c.Images.Profiles {
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("invalid config: duplicate image profile %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Name != models.OriginalProfile && (p.Width <= 0 || p.Height <= 0) {
			return fmt.Errorf("invalid config: profile %q needs width and height", p.Name)
		}
	}
	return nil
}

// DerivativeProfiles returns the configured fan-out in declaration order.
// Profiles without their own quality inherit Images.Quality.
func (c *AppConfig) DerivativeProfiles() []models.DerivativeProfile {
	profiles := make([]models.DerivativeProfile, 0, len(c.Images.Profiles))
	for _, p := range c.Images.Profiles {
		quality := p.Quality
		if quality == 0 {
			quality = c.Images.Quality
		}
		profiles = append(profiles, models.DerivativeProfile{
			Name:       p.Name,
			MaxWidth:   p.Width,
			MaxHeight:  p.Height,
			Quality:    quality,
			Format:     p.Format,
			Background: p.Background,
		})
	}
	return profiles
}

func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "30s")
	v.SetDefault("http.writetimeout", "150s")
	v.SetDefault("http.idletimeout", "60s")
	v.SetDefault("http.maxuploadbytes", 12*1024*1024)

	v.SetDefault("metadata.driver", MetadataPostgres)
	v.SetDefault("metadata.pagesize", 100)
	v.SetDefault("metadata.postgres.dsn", "")
	v.SetDefault("metadata.postgres.maxopen", 30)
	v.SetDefault("metadata.postgres.maxidle", 10)
	v.SetDefault("metadata.postgres.connmaxlifetime", "30m")
	v.SetDefault("metadata.postgres.automigrate", true)
	v.SetDefault("metadata.sqlite.path", "data/pixelhop.db")
	v.SetDefault("metadata.sqlite.poolsize", 4)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "pixelhop:tasks")
	v.SetDefault("redis.group", "pixelhop-workers")
	v.SetDefault("redis.consumer", "worker-1")

	v.SetDefault("storage.endpoint", "http://127.0.0.1:9000")
	v.SetDefault("storage.bucket", "pixelhop")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.publicurl", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.maxattempts", 3)
	v.SetDefault("storage.initialbackoff", "1s")
	v.SetDefault("storage.connecttimeout", "30s")
	v.SetDefault("storage.requesttimeout", "120s")
	v.SetDefault("storage.ensurebucket", false)

	v.SetDefault("images.maxbytes", 10*1024*1024)
	v.SetDefault("images.allowedtypes", []string{"image/jpeg", "image/png", "image/gif", "image/webp"})
	v.SetDefault("images.quality", 85)
	v.SetDefault("images.profiles", []map[string]any{
		{"name": models.OriginalProfile},
		{"name": "large", "width": 1200, "height": 1200},
		{"name": "medium", "width": 600, "height": 600},
		{"name": "thumb", "width": 150, "height": 150},
	})

	v.SetDefault("retention.sweepschedule", "0 */5 * * * *")
	v.SetDefault("retention.reconcileschedule", "0 30 3 * * *")
	v.SetDefault("retention.orphangrace", "6h")
	v.SetDefault("retention.claiminterval", "30s")

	v.SetDefault("fetch.timeout", "60s")
	v.SetDefault("fetch.maxbytes", 15*1024*1024)
	v.SetDefault("fetch.maxredirects", 5)
	v.SetDefault("fetch.useragent", "PixelHop/1.0 (Image Downloader)")

	v.SetDefault("admission.enabled", true)
	v.SetDefault("admission.hourlylimit", 50)
	v.SetDefault("admission.guestmaxbytes", 5*1024*1024)

	v.SetDefault("security.adminjwtsecret", "")

	v.SetDefault("logging.level", "")
}
