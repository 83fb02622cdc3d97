package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Feed      Feed     `yaml:"feed"`
	Transfer  Transfer `yaml:"transfer"`
	S3        S3Config `yaml:"s3"`
	Seedr     Seedr    `yaml:"seedr"`
	Entries   Entries  `yaml:"entries"`
	Sync      Sync     `yaml:"sync"`
	LogLevel  string   `yaml:"log_level"`
	LogFormat string   `yaml:"log_format"`
}

// Feed represents the polled feed
type Feed struct {
	URL string `yaml:"url"`
	// Channel namespaces stored state; defaults to the feed host
	Channel string   `yaml:"channel"`
	Timeout Duration `yaml:"timeout"`
}

// Transfer represents copy configuration
type Transfer struct {
	Backend string `yaml:"backend"`
	// HTTPURL and TorrentURL are templates expanded per entry
	HTTPURL         string   `yaml:"http_url"`
	TorrentURL      string   `yaml:"torrent_url"`
	RclonePath      string   `yaml:"rclone_path"`
	RcloneConfig    string   `yaml:"rclone_config"`
	Dest            string   `yaml:"dest"`
	Retries         int      `yaml:"retries"`
	LowLevelRetries int      `yaml:"low_level_retries"`
	RateLimitErrors []string `yaml:"rate_limit_errors"`
	RateLimitWait   Duration `yaml:"rate_limit_wait"`
	ProbeTimeout    Duration `yaml:"probe_timeout"`
}

// S3Config represents the S3-compatible copy backend
type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Region         string `yaml:"region"`
	Secure         bool   `yaml:"secure"`
	PartSize       uint64 `yaml:"part_size"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
}

// Seedr represents the secondary acquisition service
type Seedr struct {
	Email        string   `yaml:"email"`
	Password     string   `yaml:"password"`
	APIURL       string   `yaml:"api_url"`
	PollInterval Duration `yaml:"poll_interval"`
	Timeout      Duration `yaml:"timeout"`
	Extensions   []string `yaml:"extensions"`
}

// Enabled reports whether credentials are configured
func (s Seedr) Enabled() bool {
	return s.Email != "" && s.Password != ""
}

// Entries represents entry tracking
type Entries struct {
	IDField       string   `yaml:"id_field"`
	ExpireAfter   Duration `yaml:"expire_after"`
	CompareMethod string   `yaml:"compare_method"`
	// LastPublishedDate seeds the cursor of a fresh store
	LastPublishedDate string `yaml:"last_published_date"`
}

// Sync represents the run loop
type Sync struct {
	Workers          int      `yaml:"workers"`
	DBPath           string   `yaml:"db_path"`
	WatchInterval    Duration `yaml:"watch_interval"`
	ProgressInterval Duration `yaml:"progress_interval"`
	MetricsAddr      string   `yaml:"metrics_addr"`
	DryRun           bool     `yaml:"dry_run"`
}

// Duration is a time.Duration that also accepts a day suffix ("3d", "1d12h")
type Duration time.Duration

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ParseDuration parses Go duration syntax with an optional leading day count
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}

	days, rest, ok := strings.Cut(s, "d")
	if !ok {
		return time.ParseDuration(s)
	}

	n, err := strconv.Atoi(days)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	d := time.Duration(n) * 24 * time.Hour
	if rest != "" {
		r, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d += r
	}
	return d, nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Feed: Feed{
			Timeout: Duration(30 * time.Second),
		},
		Transfer: Transfer{
			Backend:         "rclone",
			RclonePath:      "rclone",
			Dest:            "dest:",
			Retries:         3,
			LowLevelRetries: 10,
			RateLimitWait:   Duration(15 * time.Minute),
			ProbeTimeout:    Duration(10 * time.Second),
		},
		S3: S3Config{
			PartSize:       67108864, // 64MB
			RetryBackoffMs: 500,
		},
		Seedr: Seedr{
			PollInterval: Duration(5 * time.Second),
			Timeout:      Duration(time.Hour),
			Extensions:   []string{".mp4", ".mkv"},
		},
		Entries: Entries{
			IDField:       "title",
			ExpireAfter:   Duration(3 * 24 * time.Hour),
			CompareMethod: "last_published_date",
		},
		Sync: Sync{
			Workers:          4,
			DBPath:           "./feedsync.db",
			ProgressInterval: Duration(30 * time.Second),
		},
	}
}

// Load builds the configuration from defaults, the YAML file, the env file,
// the process environment and finally changed flags. Empty paths are skipped.
func Load(configFile, envFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	fileEnv := map[string]string{}
	if envFile != "" {
		var err error
		fileEnv, err = godotenv.Read(envFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}
	if err := loadFromEnv(cfg, lookup); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
		return nil
	}

	str("RSS_URL", &cfg.Feed.URL)
	str("CHANNEL", &cfg.Feed.Channel)
	str("HTTP_URL", &cfg.Transfer.HTTPURL)
	str("TORRENT_URL", &cfg.Transfer.TorrentURL)
	str("RCLONE_PATH", &cfg.Transfer.RclonePath)
	str("RCLONE_CONFIG_PATH", &cfg.Transfer.RcloneConfig)
	str("RCLONE_DEST", &cfg.Transfer.Dest)
	str("TRANSFER_BACKEND", &cfg.Transfer.Backend)
	str("S3_ENDPOINT", &cfg.S3.Endpoint)
	str("S3_ACCESS_KEY", &cfg.S3.AccessKey)
	str("S3_SECRET_KEY", &cfg.S3.SecretKey)
	str("S3_REGION", &cfg.S3.Region)
	str("SEEDRCC_EMAIL", &cfg.Seedr.Email)
	str("SEEDRCC_PASSWORD", &cfg.Seedr.Password)
	str("SEEDRCC_API_URL", &cfg.Seedr.APIURL)
	str("DB_PATH", &cfg.Sync.DBPath)
	str("ENTRY_ID_TAG", &cfg.Entries.IDField)
	str("ENTRY_COMPARE_METHOD", &cfg.Entries.CompareMethod)
	str("LAST_PUBLISHED_DATE", &cfg.Entries.LastPublishedDate)
	str("METRICS_ADDR", &cfg.Sync.MetricsAddr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	if v, ok := lookup("RCLONE_RATE_LIMIT_ERRORS"); ok && strings.TrimSpace(v) != "" {
		cfg.Transfer.RateLimitErrors = splitLines(v)
	}
	if v, ok := lookup("DEBUG"); ok && strings.EqualFold(strings.TrimSpace(v), "true") {
		cfg.LogLevel = "debug"
	}

	for key, dst := range map[string]*int{
		"WORKERS":                  &cfg.Sync.Workers,
		"RCLONE_RETRIES":           &cfg.Transfer.Retries,
		"RCLONE_LOW_LEVEL_RETRIES": &cfg.Transfer.LowLevelRetries,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*Duration{
		"RCLONE_RATE_LIMIT_WAIT_TIME": &cfg.Transfer.RateLimitWait,
		"ENTRY_EXPIRE_TIME":           &cfg.Entries.ExpireAfter,
		"SEEDRCC_TIMEOUT":             &cfg.Seedr.Timeout,
		"WATCH_INTERVAL":              &cfg.Sync.WatchInterval,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// splitLines splits a newline separated list, dropping blank lines
func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	strFlags := map[string]*string{
		"rss-url":        &cfg.Feed.URL,
		"channel":        &cfg.Feed.Channel,
		"http-url":       &cfg.Transfer.HTTPURL,
		"torrent-url":    &cfg.Transfer.TorrentURL,
		"backend":        &cfg.Transfer.Backend,
		"rclone-config":  &cfg.Transfer.RcloneConfig,
		"dest":           &cfg.Transfer.Dest,
		"db-path":        &cfg.Sync.DBPath,
		"entry-id-tag":   &cfg.Entries.IDField,
		"compare-method": &cfg.Entries.CompareMethod,
		"metrics-addr":   &cfg.Sync.MetricsAddr,
		"log-level":      &cfg.LogLevel,
		"log-format":     &cfg.LogFormat,
	}
	for name, dst := range strFlags {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			v, err := flags.GetString(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}

	intFlags := map[string]*int{
		"workers":           &cfg.Sync.Workers,
		"retries":           &cfg.Transfer.Retries,
		"low-level-retries": &cfg.Transfer.LowLevelRetries,
	}
	for name, dst := range intFlags {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			v, err := flags.GetInt(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}

	durFlags := map[string]*Duration{
		"entry-expire":      &cfg.Entries.ExpireAfter,
		"interval":          &cfg.Sync.WatchInterval,
		"progress-interval": &cfg.Sync.ProgressInterval,
	}
	for name, dst := range durFlags {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			v, err := flags.GetString(name)
			if err != nil {
				return err
			}
			d, err := ParseDuration(v)
			if err != nil {
				return fmt.Errorf("--%s: %w", name, err)
			}
			*dst = Duration(d)
		}
	}

	if flags.Lookup("dry-run") != nil && flags.Changed("dry-run") {
		cfg.Sync.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Lookup("debug") != nil && flags.Changed("debug") {
		if debug, _ := flags.GetBool("debug"); debug {
			cfg.LogLevel = "debug"
		}
	}

	return nil
}

// LastPublished parses Entries.LastPublishedDate; zero when unset
func (c *Config) LastPublished() (time.Time, error) {
	s := strings.TrimSpace(c.Entries.LastPublishedDate)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid last published date %q", s)
}

func (c *Config) validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("feed url is required (RSS_URL)")
	}
	if c.Transfer.HTTPURL == "" {
		return fmt.Errorf("http url template is required (HTTP_URL)")
	}

	if c.Sync.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Sync.DBPath == "" {
		return fmt.Errorf("db path is required")
	}

	switch c.Entries.CompareMethod {
	case "last_published_date", "previous_entries":
	default:
		return fmt.Errorf("unknown compare method %q", c.Entries.CompareMethod)
	}
	if c.Entries.ExpireAfter <= 0 {
		return fmt.Errorf("entry expire time must be positive")
	}
	if _, err := c.LastPublished(); err != nil {
		return err
	}

	switch c.Transfer.Backend {
	case "rclone":
	case "s3":
		if c.S3.Endpoint == "" {
			return fmt.Errorf("s3 endpoint is required for the s3 backend")
		}
		if c.S3.PartSize != 0 && c.S3.PartSize < 5*1024*1024 { // 5MB minimum for S3
			return fmt.Errorf("part size must be at least 5MB")
		}
	default:
		return fmt.Errorf("unknown transfer backend %q", c.Transfer.Backend)
	}
	if c.Transfer.Retries < 0 || c.Transfer.LowLevelRetries < 0 {
		return fmt.Errorf("retries must not be negative")
	}

	if c.Seedr.Enabled() {
		if c.Transfer.TorrentURL == "" {
			return fmt.Errorf("torrent url template is required when seedr is configured (TORRENT_URL)")
		}
		if c.Seedr.Timeout <= 0 {
			return fmt.Errorf("seedr timeout must be positive (SEEDRCC_TIMEOUT)")
		}
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}

	return nil
}
