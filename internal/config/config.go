package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the global settings loaded from .env files and environment variables.
// It is built once at startup and handed to constructors; nothing mutates it afterwards.
type Config struct {
	AppName       string `mapstructure:"app_name"`
	Env           string `mapstructure:"app_env"`
	LogLevel      string `mapstructure:"log_level"`
	ChannelsFile  string `mapstructure:"channels_file"`
	NotifiersFile string `mapstructure:"notifiers_file"`
	DataDir       string `mapstructure:"data_dir"`
	WorkDir       string `mapstructure:"work_dir"`

	StorageType            string        `mapstructure:"storage_type"`
	BBoltPath              string        `mapstructure:"bbolt_path"`
	SQLitePath             string        `mapstructure:"sqlite_path"`
	SeenTTLSeconds         int64         `mapstructure:"seen_ttl_seconds"`
	StorageCleanupSeconds  int64         `mapstructure:"storage_cleanup_interval_seconds"`
	SeenTTL                time.Duration `mapstructure:"-"`
	StorageCleanupInterval time.Duration `mapstructure:"-"`

	// Push subscription.
	PushBaseURL          string        `mapstructure:"push_base_url"`
	PushPort             int           `mapstructure:"push_port"`
	PushPath             string        `mapstructure:"push_path"`
	HubURL               string        `mapstructure:"hub_url"`
	PushSecret           string        `mapstructure:"push_secret"`
	LeaseSeconds         int64         `mapstructure:"lease_seconds"`
	Lease                time.Duration `mapstructure:"-"`
	TunnelAuthToken      string        `mapstructure:"tunnel_auth_token"`
	TunnelAPIURL         string        `mapstructure:"tunnel_api_url"`
	TunnelBinary         string        `mapstructure:"tunnel_binary"`
	MetadataBaseURL      string        `mapstructure:"metadata_base_url"`
	ListingEndpoint      string        `mapstructure:"listing_endpoint"`
	ControlAddr          string        `mapstructure:"control_addr"`
	ControlToken         string        `mapstructure:"control_token"`
	Alerts               string        `mapstructure:"alerts"`
	DefaultHumanBehavior bool          `mapstructure:"default_human_behavior"`

	GlobalConcurrency   int           `mapstructure:"global_concurrency"`
	GracePeriodSeconds  int64         `mapstructure:"grace_period_seconds"`
	GracePeriod         time.Duration `mapstructure:"-"`
	RestartBackoffSecs  int64         `mapstructure:"restart_backoff_seconds"`
	RestartBackoff      time.Duration `mapstructure:"-"`
	RestartBackoffMaxS  int64         `mapstructure:"restart_backoff_max_seconds"`
	RestartBackoffMax   time.Duration `mapstructure:"-"`
	CredentialCooldownS int64         `mapstructure:"credential_cooldown_seconds"`
	CredentialCooldown  time.Duration `mapstructure:"-"`

	// Rendering.
	RenderMinSeconds   int    `mapstructure:"render_min_seconds"`
	RenderMaxSeconds   int    `mapstructure:"render_max_seconds"`
	RenderWidth        int    `mapstructure:"render_width"`
	RenderHeight       int    `mapstructure:"render_height"`
	RenderVideoBitrate string `mapstructure:"render_video_bitrate"`
	RenderAudioBitrate string `mapstructure:"render_audio_bitrate"`
	FFmpegPath         string `mapstructure:"ffmpeg_path"`
	FFprobePath        string `mapstructure:"ffprobe_path"`
	YTDLPPath          string `mapstructure:"ytdlp_path"`

	// Retries.
	FetchAttempts        int           `mapstructure:"fetch_attempts"`
	PublishAttempts      int           `mapstructure:"publish_attempts"`
	BackoffInitialMillis int64         `mapstructure:"backoff_initial_ms"`
	BackoffMaxSeconds    int64         `mapstructure:"backoff_max_seconds"`
	BackoffInitial       time.Duration `mapstructure:"-"`
	BackoffMax           time.Duration `mapstructure:"-"`

	// Publishing.
	PublishAPIURL          string        `mapstructure:"publish_api_url"`
	BrowserUploadURL       string        `mapstructure:"browser_upload_url"`
	BrowserHeadless        bool          `mapstructure:"browser_headless"`
	BrowserTimeoutSeconds  int64         `mapstructure:"browser_timeout_seconds"`
	BrowserTimeout         time.Duration `mapstructure:"-"`
	SessionRequiredCookies string        `mapstructure:"session_required_cookies"`
	HTTPTimeoutSeconds     int64         `mapstructure:"http_timeout_seconds"`
	HTTPTimeout            time.Duration `mapstructure:"-"`
}

// RequiredCookies splits SessionRequiredCookies into names.
func (c *Config) RequiredCookies() []string {
	var out []string
	for _, part := range strings.Split(c.SessionRequiredCookies, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DefaultEnvFile is read by Load before the environment.
const DefaultEnvFile = "configs/.env"

// Load reads configuration from environment variables and config files.
func Load() (*Config, error) {
	return LoadFrom(DefaultEnvFile)
}

// LoadFrom is Load with an explicit .env file. A missing file is not an error;
// variables already set in the environment win over the file.
func LoadFrom(envFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "vidrelay")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("channels_file", "./configs/channels.yaml")
	v.SetDefault("notifiers_file", "")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("work_dir", "")

	v.SetDefault("storage_type", "bbolt")
	v.SetDefault("bbolt_path", "./data/seen.db")
	v.SetDefault("sqlite_path", "./data/seen.sqlite")
	v.SetDefault("seen_ttl_seconds", int64((30*24*time.Hour)/time.Second))
	v.SetDefault("storage_cleanup_interval_seconds", int64((12*time.Hour)/time.Second))

	v.SetDefault("push_base_url", "")
	v.SetDefault("push_port", 8080)
	v.SetDefault("push_path", "/webhook")
	v.SetDefault("hub_url", "https://pubsubhubbub.appspot.com/subscribe")
	v.SetDefault("push_secret", "")
	v.SetDefault("lease_seconds", int64((5*24*time.Hour)/time.Second))
	v.SetDefault("tunnel_auth_token", "")
	v.SetDefault("tunnel_api_url", "http://127.0.0.1:4040")
	v.SetDefault("tunnel_binary", "ngrok")
	v.SetDefault("metadata_base_url", "https://www.youtube.com")
	v.SetDefault("listing_endpoint", "")
	v.SetDefault("control_addr", "127.0.0.1:8090")
	v.SetDefault("control_token", "")
	v.SetDefault("alerts", "")
	v.SetDefault("default_human_behavior", false)

	v.SetDefault("global_concurrency", 4)
	v.SetDefault("grace_period_seconds", 30)
	v.SetDefault("restart_backoff_seconds", 5)
	v.SetDefault("restart_backoff_max_seconds", 300)
	v.SetDefault("credential_cooldown_seconds", 3600)

	v.SetDefault("render_min_seconds", 60)
	v.SetDefault("render_max_seconds", 300)
	v.SetDefault("render_width", 720)
	v.SetDefault("render_height", 1280)
	v.SetDefault("render_video_bitrate", "2500k")
	v.SetDefault("render_audio_bitrate", "128k")
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("ffprobe_path", "ffprobe")
	v.SetDefault("ytdlp_path", "yt-dlp")

	v.SetDefault("fetch_attempts", 4)
	v.SetDefault("publish_attempts", 4)
	v.SetDefault("backoff_initial_ms", 2000)
	v.SetDefault("backoff_max_seconds", 120)

	v.SetDefault("publish_api_url", "")
	v.SetDefault("browser_upload_url", "https://www.tiktok.com/tiktokstudio/upload")
	v.SetDefault("browser_headless", true)
	v.SetDefault("browser_timeout_seconds", 600)
	v.SetDefault("session_required_cookies", "sessionid")
	v.SetDefault("http_timeout_seconds", 30)
}

// finalize validates numeric fields and converts second counts into durations.
func (c *Config) finalize() error {
	secs := []struct {
		name string
		val  int64
		dst  *time.Duration
	}{
		{"seen_ttl_seconds", c.SeenTTLSeconds, &c.SeenTTL},
		{"storage_cleanup_interval_seconds", c.StorageCleanupSeconds, &c.StorageCleanupInterval},
		{"lease_seconds", c.LeaseSeconds, &c.Lease},
		{"grace_period_seconds", c.GracePeriodSeconds, &c.GracePeriod},
		{"restart_backoff_seconds", c.RestartBackoffSecs, &c.RestartBackoff},
		{"restart_backoff_max_seconds", c.RestartBackoffMaxS, &c.RestartBackoffMax},
		{"credential_cooldown_seconds", c.CredentialCooldownS, &c.CredentialCooldown},
		{"backoff_max_seconds", c.BackoffMaxSeconds, &c.BackoffMax},
		{"browser_timeout_seconds", c.BrowserTimeoutSeconds, &c.BrowserTimeout},
		{"http_timeout_seconds", c.HTTPTimeoutSeconds, &c.HTTPTimeout},
	}
	for _, s := range secs {
		if s.val <= 0 {
			return fmt.Errorf("invalid %s (must be positive seconds)", s.name)
		}
		*s.dst = time.Duration(s.val) * time.Second
	}
	if c.BackoffInitialMillis <= 0 {
		return fmt.Errorf("invalid backoff_initial_ms (must be positive)")
	}
	c.BackoffInitial = time.Duration(c.BackoffInitialMillis) * time.Millisecond

	if c.RenderMinSeconds <= 0 || c.RenderMaxSeconds < c.RenderMinSeconds {
		return fmt.Errorf("invalid render range [%d,%d]", c.RenderMinSeconds, c.RenderMaxSeconds)
	}
	if c.GlobalConcurrency <= 0 {
		return fmt.Errorf("invalid global_concurrency (must be positive)")
	}
	if c.FetchAttempts <= 0 || c.PublishAttempts <= 0 {
		return fmt.Errorf("fetch_attempts and publish_attempts must be positive")
	}
	if c.PushPort <= 0 || c.PushPort > 65535 {
		return fmt.Errorf("invalid push_port %d", c.PushPort)
	}
	if !strings.HasPrefix(c.PushPath, "/") {
		c.PushPath = "/" + c.PushPath
	}
	c.StorageType = strings.ToLower(strings.TrimSpace(c.StorageType))
	c.PushBaseURL = strings.TrimRight(strings.TrimSpace(c.PushBaseURL), "/")
	return nil
}
