package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr           string
		Mode           string
		AllowedOrigins []string
	}
	Log struct {
		Level string
	}
	Database struct {
		Path string
	}
	Videos struct {
		Dir string
	}
	Tools struct {
		YtDlp   string
		FFmpeg  string
		FFprobe string
		Timeout time.Duration
	}
	Compress struct {
		Codec  string
		CRF    int
		Preset string
	}
	Probe struct {
		CacheSize int
	}
	Reaper struct {
		Interval    time.Duration
		Retention   time.Duration
		ProtectLive bool
		SessionIdle time.Duration
	}
	Auth struct {
		JWTSecret         string
		SessionTTL        time.Duration
		AdminUser         string
		AdminPasswordHash string
	}
	Storage struct {
		Bucket     string
		KeyPrefix  string
		Region     string
		Endpoint   string
		PresignTTL time.Duration
	}
	AWS struct {
		Profile string
	}
}

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	// a missing .env is fine, variables already in the environment win
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CLIPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// env values arrive as one comma separated string
	cfg.Server.AllowedOrigins = splitList(strings.Join(cfg.Server.AllowedOrigins, ","))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:3000")
	v.SetDefault("server.mode", ModeDevelopment)
	v.SetDefault("server.allowedorigins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("database.path", "data/clipper.db")
	v.SetDefault("videos.dir", "videos")
	v.SetDefault("tools.ytdlp", "yt-dlp")
	v.SetDefault("tools.ffmpeg", "ffmpeg")
	v.SetDefault("tools.ffprobe", "ffprobe")
	v.SetDefault("tools.timeout", 30*time.Minute)
	v.SetDefault("compress.codec", "libx265")
	v.SetDefault("compress.crf", 28)
	v.SetDefault("compress.preset", "slow")
	v.SetDefault("probe.cachesize", 256)
	v.SetDefault("reaper.interval", time.Hour)
	v.SetDefault("reaper.retention", time.Hour)
	v.SetDefault("reaper.protectlive", true)
	v.SetDefault("reaper.sessionidle", 24*time.Hour)
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.sessionttl", 24*time.Hour)
	v.SetDefault("auth.adminuser", "admin")
	v.SetDefault("auth.adminpasswordhash", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "clips")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.presignttl", 15*time.Minute)
	v.SetDefault("aws.profile", "")
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.Server.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return fmt.Errorf("server mode %q is not supported", c.Server.Mode)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server addr is required")
	}
	if strings.TrimSpace(c.Videos.Dir) == "" {
		return fmt.Errorf("videos dir is required")
	}
	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper interval must be positive")
	}
	if c.Reaper.Retention <= 0 {
		return fmt.Errorf("reaper retention must be positive")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if c.Compress.CRF < 0 || c.Compress.CRF > 51 {
		return fmt.Errorf("compress crf must be within 0..51")
	}
	return nil
}

// StorageEnabled reports whether the S3 export is configured.
func (c Config) StorageEnabled() bool {
	return strings.TrimSpace(c.Storage.Bucket) != ""
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
