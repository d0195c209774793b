// Package config loads and validates cachewarden configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Default user agents for the two preload passes.
const (
	DesktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/92.0.4515.159 Safari/537.36"
	MobileUserAgent = "Mozilla/5.0 (Linux; Android 15; SM-G960U) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/131.0.6778.81 Mobile Safari/537.36"
)

// DefaultKeyPattern recovers host and request URI from an nginx
// "$scheme$request_method$host$request_uri" cache key line.
const DefaultKeyPattern = `(?m)^KEY:\s+https?GET([^/\r\n]+)(/[^\r\n]*)`

// DefaultRejectRegex keeps dynamic endpoints and static assets out of the
// preload crawl. It is handed to wget verbatim, so it must stay POSIX.
const DefaultRejectRegex = `/wp-admin/|/wp-json/|/wp-login\.php|/xmlrpc\.php|/feed/|\?|` +
	`\.(jpe?g|png|gif|webp|avif|svg|ico|css|js|map|woff2?|ttf|eot|otf|pdf|zip|gz|mp4|mp3|webm)$`

// PlaceholderEmail is the unconfigured recipient; mail is never sent to it.
const PlaceholderEmail = "your-email@example.com"

var apiKeyRE = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Site      SiteConfig      `mapstructure:"site"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Preload   PreloadConfig   `mapstructure:"preload"`
	Estimator EstimatorConfig `mapstructure:"estimator"`
	Warmup    WarmupConfig    `mapstructure:"warmup"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Mail      MailConfig      `mapstructure:"mail"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and locates the ops log.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	OpsLogPath  string `mapstructure:"ops_log_path"`
}

// SiteConfig identifies the single site whose cache is managed.
type SiteConfig struct {
	URL string `mapstructure:"url"`
}

// CacheConfig locates the on-disk cache and describes its key format.
type CacheConfig struct {
	Path          string   `mapstructure:"path"`
	KeyPattern    string   `mapstructure:"key_pattern"`
	ProtectedDirs []string `mapstructure:"protected_dirs"`
	TmpDir        string   `mapstructure:"tmp_dir"`
}

// PreloadConfig governs the external crawl.
type PreloadConfig struct {
	LimitRateKB    int           `mapstructure:"limit_rate_kb"`
	CPULimit       int           `mapstructure:"cpu_limit"`
	RejectRegex    string        `mapstructure:"reject_regex"`
	MobileEnabled  bool          `mapstructure:"mobile_enabled"`
	AutoAfterPurge bool          `mapstructure:"auto_after_purge"`
	WgetPath       string        `mapstructure:"wget_path"`
	CPULimitPath   string        `mapstructure:"cpulimit_path"`
	PIDFile        string        `mapstructure:"pid_file"`
	LogFile        string        `mapstructure:"log_file"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StartupGrace   time.Duration `mapstructure:"startup_grace"`
}

// EstimatorConfig tunes the sitemap-based total URL estimate.
type EstimatorConfig struct {
	StorePath string        `mapstructure:"store_path"`
	TTL       time.Duration `mapstructure:"ttl"`
	Fallback  int           `mapstructure:"fallback"`
	Buffer    int           `mapstructure:"buffer"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// WarmupConfig controls fire-and-forget cache warming after single purges.
type WarmupConfig struct {
	ExtraPaths []string      `mapstructure:"extra_paths"`
	RPS        float64       `mapstructure:"rps"`
	Burst      int           `mapstructure:"burst"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig throttles mutating API calls per client.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// MailConfig configures completion mail.
type MailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	To       string `mapstructure:"to"`
	From     string `mapstructure:"from"`
	SMTPAddr string `mapstructure:"smtp_addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// PubSubConfig holds metadata for completion event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.ops_log_path", "/var/log/cachewarden/fastcgi_ops.log")
	v.SetDefault("cache.path", "/dev/shm/change-me-now")
	v.SetDefault("cache.key_pattern", DefaultKeyPattern)
	v.SetDefault("cache.protected_dirs", []string{
		"fastcgi_temp", "proxy_temp", "client_body_temp", "uwsgi_temp", "scgi_temp",
	})
	v.SetDefault("preload.limit_rate_kb", 1280)
	v.SetDefault("preload.cpu_limit", 50)
	v.SetDefault("preload.reject_regex", DefaultRejectRegex)
	v.SetDefault("preload.mobile_enabled", false)
	v.SetDefault("preload.auto_after_purge", false)
	v.SetDefault("preload.wget_path", "wget")
	v.SetDefault("preload.cpulimit_path", "cpulimit")
	v.SetDefault("preload.pid_file", "/var/run/cachewarden/cache_preload.pid")
	v.SetDefault("preload.log_file", "/var/log/cachewarden/nppp-wget.log")
	v.SetDefault("preload.poll_interval", 5*time.Second)
	v.SetDefault("preload.startup_grace", time.Second)
	v.SetDefault("estimator.store_path", "")
	v.SetDefault("estimator.ttl", 365*24*time.Hour)
	v.SetDefault("estimator.fallback", 500)
	v.SetDefault("estimator.buffer", 100)
	v.SetDefault("estimator.timeout", 15*time.Second)
	v.SetDefault("warmup.rps", 2.0)
	v.SetDefault("warmup.burst", 2)
	v.SetDefault("warmup.timeout", 10*time.Second)
	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("mail.enabled", false)
	v.SetDefault("mail.to", PlaceholderEmail)
}

func (c *Config) applyDerived() {
	if c.Cache.TmpDir == "" && c.Cache.Path != "" {
		c.Cache.TmpDir = filepath.Join(c.Cache.Path, "tmp")
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey != "" && !apiKeyRE.MatchString(c.Auth.APIKey) {
		return fmt.Errorf("auth.api_key must be 64 hexadecimal characters")
	}
	if err := ValidateCachePath(c.Cache.Path); err != nil {
		return fmt.Errorf("cache.path: %w", err)
	}
	if _, err := regexp.Compile(c.Cache.KeyPattern); err != nil {
		return fmt.Errorf("cache.key_pattern must compile: %w", err)
	}
	if c.Site.URL != "" {
		u, err := url.Parse(c.Site.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("site.url must be an absolute http(s) URL")
		}
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Preload.LimitRateKB <= 0 {
		return fmt.Errorf("preload.limit_rate_kb must be > 0")
	}
	if c.Preload.CPULimit <= 0 || c.Preload.CPULimit > 100 {
		return fmt.Errorf("preload.cpu_limit must be within 1..100")
	}
	if c.Preload.PIDFile == "" || c.Preload.LogFile == "" {
		return fmt.Errorf("preload.pid_file and preload.log_file must be set")
	}
	if c.Preload.PollInterval <= 0 {
		return fmt.Errorf("preload.poll_interval must be > 0")
	}
	if c.Estimator.Fallback <= 0 {
		return fmt.Errorf("estimator.fallback must be > 0")
	}
	if c.Mail.Enabled && c.Mail.SMTPAddr == "" {
		return fmt.Errorf("mail.smtp_addr must be set when mail is enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// ProtectedDirSet returns the protected directory names as a lookup set.
func (c CacheConfig) ProtectedDirSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.ProtectedDirs))
	for _, name := range c.ProtectedDirs {
		name = strings.TrimSpace(name)
		if name != "" {
			out[name] = struct{}{}
		}
	}
	return out
}

var (
	criticalDirs = []string{
		"/bin", "/boot", "/etc", "/lib", "/lib64", "/media", "/proc",
		"/root", "/sbin", "/srv", "/sys", "/usr", "/home", "/mnt",
	}
	cachePathRE = regexp.MustCompile(`^/(?:[A-Za-z0-9_-]+(?:/[A-Za-z0-9_-]+)+)/?$`)
)

// ValidateCachePath rejects cache roots that are relative, too shallow, or
// located inside critical system directories.
func ValidateCachePath(path string) error {
	if !cachePathRE.MatchString(path) {
		return fmt.Errorf("%q must be an absolute path at least two levels deep", path)
	}
	clean := filepath.Clean(path)
	for _, dir := range criticalDirs {
		if clean == dir || strings.HasPrefix(clean, dir+"/") {
			return fmt.Errorf("%q is inside critical directory %s", path, dir)
		}
	}
	return nil
}
