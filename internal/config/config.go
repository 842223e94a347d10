package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is built once at process start and passed down by parameter.
// Nothing below internal/app reads the environment on its own.
type Config struct {
	LogLevel  string `yaml:"log_level"`  // "debug" | "info" | "warn" | "error"
	PrettyLog bool   `yaml:"pretty_log"` // true => zap dev (color), false => zap prod (JSON)
	LogDir    string `yaml:"log_dir"`    // where --log writes deployment-<ts>.log

	// Layout
	ServiceName   string `yaml:"service_name"`   // pm2 base name, defaults to the source dir name (ex: domain.com)
	SourceDir     string `yaml:"source_dir"`     // main checkout (ex: /srv/domain.com)
	RunningDir    string `yaml:"running_dir"`    // staged copy (ex: /srv/domain.com-running)
	MainSuffix    string `yaml:"main_suffix"`    // pm2 name suffix of the main instance
	RunningSuffix string `yaml:"running_suffix"` // pm2 name suffix of the running instance
	Ecosystem     string `yaml:"ecosystem"`      // pm2 ecosystem file name, relative to each dir

	// Collaborators
	BuildCommand  string   `yaml:"build_command"`  // ex: "npm run build"
	PM2Bin        string   `yaml:"pm2_bin"`        // ex: "pm2"
	RsyncBin      string   `yaml:"rsync_bin"`      // empty => always plain copy
	SymlinkPaths  []string `yaml:"symlink_paths"`  // large dirs linked instead of copied
	CopyPaths     []string `yaml:"copy_paths"`     // files/dirs copied to RunningDir
	CriticalFiles []string `yaml:"critical_files"` // warned about when missing after staging

	// Hosts & ports
	ServiceHost  string `yaml:"service_host"`  // ex: "localhost"
	ExternalHost string `yaml:"external_host"` // public URL behind the reverse proxy
	MainPort     string `yaml:"main_port"`     // derived from PORT when empty
	RunningPort  string `yaml:"running_port"`  // derived from "1"+PORT when empty

	// Readiness
	MaxAttempts   int           `yaml:"max_attempts"`
	CheckInterval time.Duration `yaml:"check_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`

	// Warmup
	WarmupPaths    []string      `yaml:"warmup_paths"`
	WarmupAttempts int           `yaml:"warmup_attempts"`
	WarmupTimeout  time.Duration `yaml:"warmup_timeout"`
	RequiredPaths  []string      `yaml:"required_paths"`

	// Target start-up waits
	RegistrationDelay  time.Duration `yaml:"registration_delay"`   // after pm2 start, before the first status check
	NotOnlineWait      time.Duration `yaml:"not_online_wait"`      // extra wait when status is not online yet
	WarmupRecoveryWait time.Duration `yaml:"warmup_recovery_wait"` // wait before the post-warmup readiness re-check

	Resources ResourceConfig `yaml:"resources"`

	// Stability
	StabilityRetries    int           `yaml:"stability_retries"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"` // delay = base * attempt
	ResponseTimeWarning time.Duration `yaml:"response_time_warning"`
	SettleDelay         time.Duration `yaml:"settle_delay"`

	// Traffic split
	TrafficRetries     int           `yaml:"traffic_retries"`
	TrafficSampleSize  int           `yaml:"traffic_sample_size"`
	TrafficSampleDelay time.Duration `yaml:"traffic_sample_delay"`
	TrafficTimeout     time.Duration `yaml:"traffic_timeout"`
	IdentityPath       string        `yaml:"identity_path"`

	// Redis (optional: empty addr disables the deploy lock and history)
	RedisAddr           string        `yaml:"redis_addr"`
	RedisUser           string        `yaml:"redis_user"`
	RedisPassword       string        `yaml:"-"`
	RedisDB             int           `yaml:"redis_db"`
	RedisDT             time.Duration `yaml:"redis_dial_timeout"`
	RedisRT             time.Duration `yaml:"redis_read_timeout"`
	RedisWT             time.Duration `yaml:"redis_write_timeout"`
	RedisMaxWait        time.Duration `yaml:"redis_max_wait"`
	RedisPingTimeout    time.Duration `yaml:"redis_ping_timeout"`
	RedisConnectTimeout time.Duration `yaml:"redis_connect_timeout"`
	RedisRetryInterval  time.Duration `yaml:"redis_retry_interval"`
	RedisWarnThreshold  int           `yaml:"redis_warn_threshold"`
	LockTTL             time.Duration `yaml:"lock_ttl"`
	HistoryLimit        int           `yaml:"history_limit"`

	// Metrics (optional: empty URL disables the push)
	PushgatewayURL string `yaml:"pushgateway_url"`
	MetricsJob     string `yaml:"metrics_job"`

	// Identity sidecar (`cutover identity`)
	IdentityListen   string        `yaml:"identity_listen"` // ex: ":3001"
	ServerID         string        `yaml:"server_id"`       // "main" | "running"
	Env              string        `yaml:"env"`             // reported as "env", ex: production
	IdentityRate     int           `yaml:"identity_rate"`   // requests per IP per minute
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	IdentityAllowIPs []string      `yaml:"identity_allow_ips"`
	TrustProxy       bool          `yaml:"trust_proxy"`
}

// ResourceConfig drives the rendered-page and asset checks.
type ResourceConfig struct {
	Enabled          bool          `yaml:"enabled"`
	RootMarker       string        `yaml:"root_marker"` // ex: `<div id="__nuxt">`
	StaticDir        string        `yaml:"static_dir"`  // ex: "/_nuxt/"
	MinScriptSize    int           `yaml:"min_script_size"`
	MaxScripts       int           `yaml:"max_scripts"`
	MainPageTimeout  time.Duration `yaml:"main_page_timeout"`
	ScriptTimeout    time.Duration `yaml:"script_timeout"`
	StaticDirTimeout time.Duration `yaml:"static_dir_timeout"`
}

// Defaults returns the configuration used when neither a file nor the
// environment overrides anything.
func Defaults() *Config {
	return &Config{
		LogLevel:  "info",
		PrettyLog: true,
		LogDir:    "logs",

		MainSuffix:    "--spare",
		RunningSuffix: "",
		Ecosystem:     "ecosystem.config.js",

		BuildCommand:  "npm run build",
		PM2Bin:        "pm2",
		RsyncBin:      "rsync",
		SymlinkPaths:  []string{"public"},
		CopyPaths:     []string{"node_modules", ".output", "server", "nuxt.config.js", "package.json", "package-lock.json", "ecosystem.config.js", ".env"},
		CriticalFiles: []string{".output/server/index.mjs", "ecosystem.config.js", ".env"},

		ServiceHost:  "localhost",
		ExternalHost: "http://localhost",

		MaxAttempts:   20,
		CheckInterval: 500 * time.Millisecond,
		ProbeTimeout:  500 * time.Millisecond,

		WarmupPaths:    []string{"/", "/favicon.ico"},
		WarmupAttempts: 2,
		WarmupTimeout:  20 * time.Second,
		RequiredPaths:  []string{"/"},

		RegistrationDelay:  2 * time.Second,
		NotOnlineWait:      5 * time.Second,
		WarmupRecoveryWait: 5 * time.Second,

		Resources: ResourceConfig{
			Enabled:          true,
			RootMarker:       `<div id="__nuxt">`,
			StaticDir:        "/_nuxt/",
			MinScriptSize:    100,
			MaxScripts:       3,
			MainPageTimeout:  5 * time.Second,
			ScriptTimeout:    3 * time.Second,
			StaticDirTimeout: 2 * time.Second,
		},

		StabilityRetries:    3,
		RetryBaseDelay:      3 * time.Second,
		ResponseTimeWarning: time.Second,
		SettleDelay:         3 * time.Second,

		TrafficRetries:     3,
		TrafficSampleSize:  10,
		TrafficSampleDelay: 300 * time.Millisecond,
		TrafficTimeout:     2 * time.Second,
		IdentityPath:       "/api/server-identity",

		RedisUser:           "default",
		RedisDT:             5 * time.Second,
		RedisRT:             3 * time.Second,
		RedisWT:             3 * time.Second,
		RedisMaxWait:        10 * time.Second,
		RedisPingTimeout:    5 * time.Second,
		RedisConnectTimeout: 30 * time.Second,
		RedisRetryInterval:  2 * time.Second,
		RedisWarnThreshold:  3,
		LockTTL:             30 * time.Minute,
		HistoryLimit:        50,

		MetricsJob: "cutover",

		IdentityListen:  ":3001",
		ServerID:        "unknown",
		IdentityRate:    100,
		ShutdownTimeout: 5 * time.Second,
		TrustProxy:      true,
	}
}

// Load resolves the configuration: defaults, then the YAML file (if path is
// non-empty), then CUTOVER_* environment variables, then derived values.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.derive(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		if cfgCopy.RedisPassword != "" {
			cfgCopy.RedisPassword = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getenv("CUTOVER_LOG_LEVEL", c.LogLevel)
	c.PrettyLog = mustBool("CUTOVER_PRETTY_LOG", c.PrettyLog)
	c.LogDir = getenv("CUTOVER_LOG_DIR", c.LogDir)

	c.ServiceName = getenv("CUTOVER_SERVICE_NAME", c.ServiceName)
	c.SourceDir = getenv("CUTOVER_SOURCE_DIR", c.SourceDir)
	c.RunningDir = getenv("CUTOVER_RUNNING_DIR", c.RunningDir)
	c.BuildCommand = getenv("CUTOVER_BUILD_COMMAND", c.BuildCommand)
	c.PM2Bin = getenv("CUTOVER_PM2_BIN", c.PM2Bin)
	c.RsyncBin = getenv("CUTOVER_RSYNC_BIN", c.RsyncBin)
	c.SymlinkPaths = getenvSlice("CUTOVER_SYMLINK_PATHS", c.SymlinkPaths)
	c.CopyPaths = getenvSlice("CUTOVER_COPY_PATHS", c.CopyPaths)

	c.ServiceHost = getenv("CUTOVER_SERVICE_HOST", c.ServiceHost)
	c.ExternalHost = getenv("CUTOVER_EXTERNAL_HOST", c.ExternalHost)
	c.MainPort = getenv("CUTOVER_MAIN_PORT", c.MainPort)
	c.RunningPort = getenv("CUTOVER_RUNNING_PORT", c.RunningPort)

	c.MaxAttempts = getenvInt("CUTOVER_MAX_ATTEMPTS", c.MaxAttempts)
	c.CheckInterval = mustDuration("CUTOVER_CHECK_INTERVAL", c.CheckInterval)
	c.WarmupPaths = getenvSlice("CUTOVER_WARMUP_PATHS", c.WarmupPaths)
	c.WarmupAttempts = getenvInt("CUTOVER_WARMUP_ATTEMPTS", c.WarmupAttempts)
	c.WarmupTimeout = mustDuration("CUTOVER_WARMUP_TIMEOUT", c.WarmupTimeout)

	c.Resources.Enabled = mustBool("CUTOVER_RESOURCE_VALIDATION", c.Resources.Enabled)
	c.StabilityRetries = getenvInt("CUTOVER_STABILITY_RETRIES", c.StabilityRetries)
	c.TrafficRetries = getenvInt("CUTOVER_TRAFFIC_RETRIES", c.TrafficRetries)
	c.TrafficSampleSize = getenvInt("CUTOVER_TRAFFIC_SAMPLE_SIZE", c.TrafficSampleSize)

	c.RedisAddr = getenv("CUTOVER_REDIS_ADDR", c.RedisAddr)
	c.RedisUser = getenv("CUTOVER_REDIS_USERNAME", c.RedisUser)
	c.RedisPassword = getenv("CUTOVER_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getenvInt("CUTOVER_REDIS_DB", c.RedisDB)
	c.LockTTL = mustDuration("CUTOVER_LOCK_TTL", c.LockTTL)

	c.PushgatewayURL = getenv("CUTOVER_PUSHGATEWAY_URL", c.PushgatewayURL)

	c.IdentityListen = getenv("CUTOVER_IDENTITY_LISTEN", c.IdentityListen)
	c.ServerID = getenv("SERVER_ID", c.ServerID)
	c.Env = getenv("CUTOVER_ENV", getenv("NODE_ENV", c.Env))
	c.IdentityAllowIPs = getenvSlice("CUTOVER_IDENTITY_ALLOW_IPS", c.IdentityAllowIPs)
}

// derive fills the values that follow from the directory and port conventions:
// the service is named after its directory, the staged copy lives next to it
// with a "-running" suffix, and the running port is the main port prefixed by 1.
func (c *Config) derive() error {
	if c.SourceDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		c.SourceDir = wd
	}
	abs, err := filepath.Abs(c.SourceDir)
	if err != nil {
		return fmt.Errorf("failed to resolve source dir: %w", err)
	}
	c.SourceDir = abs

	if c.ServiceName == "" {
		c.ServiceName = strings.TrimSuffix(filepath.Base(c.SourceDir), "-running")
	}
	if c.RunningDir == "" {
		c.RunningDir = filepath.Join(filepath.Dir(c.SourceDir), c.ServiceName+"-running")
	}

	c.MainPort, c.RunningPort = DiscoverPorts(getenv("PORT", "3000"), c.MainPort, c.RunningPort)
	return nil
}

// DiscoverPorts applies the instance port convention. Explicit values win.
func DiscoverPorts(base, mainPort, runningPort string) (string, string) {
	if mainPort == "" {
		mainPort = base
	}
	if runningPort == "" {
		runningPort = "1" + mainPort
	}
	return mainPort, runningPort
}

// MainProcess is the pm2 name of the instance serving traffic before the rollout.
func (c *Config) MainProcess() string { return c.ServiceName + c.MainSuffix }

// RunningProcess is the pm2 name of the instance being promoted.
func (c *Config) RunningProcess() string { return c.ServiceName + c.RunningSuffix }

// MainHost returns host:port of the main instance.
func (c *Config) MainHost() string { return c.ServiceHost + ":" + c.MainPort }

// RunningHost returns host:port of the running instance.
func (c *Config) RunningHost() string { return c.ServiceHost + ":" + c.RunningPort }

// Validate rejects budgets that would make a polling loop unbounded or empty.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"max_attempts":        c.MaxAttempts,
		"warmup_attempts":     c.WarmupAttempts,
		"stability_retries":   c.StabilityRetries,
		"traffic_retries":     c.TrafficRetries,
		"traffic_sample_size": c.TrafficSampleSize,
	}
	for name, v := range positive {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be >= 1, got %d", name, v))
		}
	}
	durations := map[string]time.Duration{
		"check_interval":  c.CheckInterval,
		"probe_timeout":   c.ProbeTimeout,
		"warmup_timeout":  c.WarmupTimeout,
		"traffic_timeout": c.TrafficTimeout,
	}
	for name, v := range durations {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %v", name, v))
		}
	}
	if len(c.WarmupPaths) == 0 {
		errs = append(errs, errors.New("warmup_paths must not be empty"))
	}
	for name, paths := range map[string][]string{"warmup_paths": c.WarmupPaths, "required_paths": c.RequiredPaths} {
		if slices.ContainsFunc(paths, func(p string) bool { return strings.TrimSpace(p) == "" }) {
			errs = append(errs, fmt.Errorf("%s must not contain blank entries", name))
		}
	}
	if c.ExternalHost == "" {
		errs = append(errs, errors.New("external_host must be set"))
	}
	if c.Resources.Enabled && c.Resources.MaxScripts < 1 {
		errs = append(errs, fmt.Errorf("resources.max_scripts must be >= 1, got %d", c.Resources.MaxScripts))
	}
	return errors.Join(errs...)
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		return splitAndTrim(v)
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
