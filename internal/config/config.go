// SPDX-License-Identifier: MIT

// Package config loads scheduler settings from the environment, with an
// optional YAML file layered underneath. Every key has a default; the
// returned Settings are read once per load and treated as immutable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds holds warning/critical/throttle cut-offs for one metric.
type Thresholds struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
	Throttle float64 `yaml:"throttle"`
}

// GovernorSettings configures resource sampling and throttling.
type GovernorSettings struct {
	MonitoringInterval time.Duration `yaml:"monitoring_interval"`
	ThrottleDuration   time.Duration `yaml:"throttle_duration"`
	AlertCooldown      time.Duration `yaml:"alert_cooldown"`
	SampleRetention    time.Duration `yaml:"sample_retention"`

	CPU             Thresholds `yaml:"cpu"`
	Memory          Thresholds `yaml:"memory"`
	Disk            Thresholds `yaml:"disk"`
	Load1           Thresholds `yaml:"load1"`
	DBConnections   Thresholds `yaml:"db_connections"`
	ConcurrentScans Thresholds `yaml:"concurrent_scans"`
}

// SchedulerSettings configures the dispatcher.
type SchedulerSettings struct {
	LockTimeout             time.Duration `yaml:"lock_timeout"`
	BatchSize               int           `yaml:"batch_size"`
	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions"`
	MaxExecutionTime        time.Duration `yaml:"max_execution_time"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"`
	LogRetention            time.Duration `yaml:"log_retention"`
	TargetPacing            time.Duration `yaml:"target_pacing"`
	RetryFailedAfter        time.Duration `yaml:"retry_failed_after"`
	MaxRetries              int           `yaml:"max_retries"`
	MemoryLimitBytes        int64         `yaml:"memory_limit_bytes"`
	ReportPath              string        `yaml:"report_path"`
	RunInterval             time.Duration `yaml:"run_interval"` // serve mode only
}

// RetrySettings configures the per-target retry policy.
type RetrySettings struct {
	BaseDelay        time.Duration `yaml:"base_delay"`
	MinDelay         time.Duration `yaml:"min_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	MaxRetriesPerDay int           `yaml:"max_retries_per_day"`
	ReviewBackoff    time.Duration `yaml:"review_backoff"`
}

// EscalationSettings configures the escalation engine.
type EscalationSettings struct {
	Cooldown       time.Duration `yaml:"cooldown"`
	Level2Delay    time.Duration `yaml:"level2_delay"`
	Level3Delay    time.Duration `yaml:"level3_delay"`
	FailureWindow  time.Duration `yaml:"failure_window"`
	FailureCeiling int           `yaml:"failure_ceiling"`
}

// NotifySettings configures the notification orchestrator.
type NotifySettings struct {
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	RateLimitPerHour int           `yaml:"rate_limit_per_hour"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	WebhookTimeout   time.Duration `yaml:"webhook_timeout"`
	SMTPAddr         string        `yaml:"smtp_addr"`
	SMTPFrom         string        `yaml:"smtp_from"`
	SMSGatewayURL    string        `yaml:"sms_gateway_url"`
	AdminEmail       string        `yaml:"admin_email"`
}

// QueueSettings configures the deferred job queue.
type QueueSettings struct {
	MaxWorkers     int           `yaml:"max_workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	DeadLetter     bool          `yaml:"dead_letter"`
	CleanupAfter   time.Duration `yaml:"cleanup_after"`
	ClaimBackoff   time.Duration `yaml:"claim_backoff"`
	WorkerIDPrefix string        `yaml:"worker_id_prefix"`
}

// ProbeSettings configures probe execution defaults.
type ProbeSettings struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	RetryCount     int           `yaml:"retry_count"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// ServerSettings configures the daemon HTTP surface.
type ServerSettings struct {
	Listen        string        `yaml:"listen"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	RatePeriod    time.Duration `yaml:"rate_period"`
}

// Settings is the full immutable configuration snapshot.
type Settings struct {
	DBPath     string             `yaml:"db_path"`
	LogLevel   string             `yaml:"log_level"`
	Scheduler  SchedulerSettings  `yaml:"scheduler"`
	Governor   GovernorSettings   `yaml:"governor"`
	Retry      RetrySettings      `yaml:"retry"`
	Escalation EscalationSettings `yaml:"escalation"`
	Notify     NotifySettings     `yaml:"notify"`
	Queue      QueueSettings      `yaml:"queue"`
	Probe      ProbeSettings      `yaml:"probe"`
	Server     ServerSettings     `yaml:"server"`
}

// Default returns Settings populated entirely from defaults.
func Default() Settings {
	s, _ := ReadEnv(func(string) string { return "" })
	return s
}

// ReadEnv reads all settings exactly once using the provided getenv.
func ReadEnv(getenv func(string) string) (Settings, error) {
	if getenv == nil {
		return Settings{}, fmt.Errorf("getenv is nil")
	}

	s := Settings{
		DBPath:   getString(getenv, "SW_DB_PATH", "sitewarden.db"),
		LogLevel: getString(getenv, "SW_LOG_LEVEL", "info"),
		Scheduler: SchedulerSettings{
			LockTimeout:             getDuration(getenv, "SW_LOCK_TIMEOUT", time.Hour),
			BatchSize:               getInt(getenv, "SW_BATCH_SIZE", 10),
			MaxConcurrentExecutions: getInt(getenv, "SW_MAX_CONCURRENT_EXECUTIONS", 20),
			MaxExecutionTime:        getDuration(getenv, "SW_MAX_EXECUTION_TIME", time.Hour),
			CleanupInterval:         getDuration(getenv, "SW_CLEANUP_INTERVAL", 24*time.Hour),
			LogRetention:            getDuration(getenv, "SW_LOG_RETENTION", 30*24*time.Hour),
			TargetPacing:            getDuration(getenv, "SW_TARGET_PACING", 100*time.Millisecond),
			RetryFailedAfter:        getDuration(getenv, "SW_RETRY_FAILED_AFTER", 15*time.Minute),
			MaxRetries:              getInt(getenv, "SW_SCAN_MAX_RETRIES", 3),
			MemoryLimitBytes:        int64(getInt(getenv, "SW_MEMORY_LIMIT_MB", 512)) << 20,
			ReportPath:              getString(getenv, "SW_REPORT_PATH", ""),
			RunInterval:             getDuration(getenv, "SW_RUN_INTERVAL", time.Minute),
		},
		Governor: GovernorSettings{
			MonitoringInterval: getDuration(getenv, "SW_MONITORING_INTERVAL", 30*time.Second),
			ThrottleDuration:   getDuration(getenv, "SW_THROTTLE_DURATION", 600*time.Second),
			AlertCooldown:      getDuration(getenv, "SW_ALERT_COOLDOWN", 300*time.Second),
			SampleRetention:    getDuration(getenv, "SW_SAMPLE_RETENTION", 7*24*time.Hour),
			CPU:                readThresholds(getenv, "SW_THRESHOLD_CPU", Thresholds{70, 85, 90}),
			Memory:             readThresholds(getenv, "SW_THRESHOLD_MEMORY", Thresholds{75, 90, 95}),
			Disk:               readThresholds(getenv, "SW_THRESHOLD_DISK", Thresholds{80, 90, 95}),
			Load1:              readThresholds(getenv, "SW_THRESHOLD_LOAD1", Thresholds{2, 4, 6}),
			DBConnections:      readThresholds(getenv, "SW_THRESHOLD_DB_CONNS", Thresholds{100, 150, 200}),
			ConcurrentScans:    readThresholds(getenv, "SW_THRESHOLD_SCANS", Thresholds{10, 15, 20}),
		},
		Retry: RetrySettings{
			BaseDelay:        getDuration(getenv, "SW_RETRY_BASE_DELAY", 5*time.Minute),
			MinDelay:         getDuration(getenv, "SW_RETRY_MIN_DELAY", 5*time.Minute),
			MaxDelay:         getDuration(getenv, "SW_RETRY_MAX_DELAY", 240*time.Minute),
			MaxRetriesPerDay: getInt(getenv, "SW_MAX_RETRIES_PER_DAY", 5),
			ReviewBackoff:    getDuration(getenv, "SW_REVIEW_BACKOFF", 24*time.Hour),
		},
		Escalation: EscalationSettings{
			Cooldown:       getDuration(getenv, "SW_ESCALATION_COOLDOWN", 4*time.Hour),
			Level2Delay:    getDuration(getenv, "SW_ESCALATION_L2_DELAY", 30*time.Minute),
			Level3Delay:    getDuration(getenv, "SW_ESCALATION_L3_DELAY", 120*time.Minute),
			FailureWindow:  getDuration(getenv, "SW_ESCALATION_FAILURE_WINDOW", 24*time.Hour),
			FailureCeiling: getInt(getenv, "SW_ESCALATION_FAILURE_CEILING", 5),
		},
		Notify: NotifySettings{
			MaxRetries:       getInt(getenv, "SW_NOTIFY_MAX_RETRIES", 3),
			RetryDelay:       getDuration(getenv, "SW_NOTIFY_RETRY_DELAY", 30*time.Second),
			RateLimitPerHour: getInt(getenv, "SW_NOTIFY_RATE_LIMIT_PER_HOUR", 10),
			SendTimeout:      getDuration(getenv, "SW_NOTIFY_SEND_TIMEOUT", 15*time.Second),
			WebhookTimeout:   getDuration(getenv, "SW_WEBHOOK_TIMEOUT", 10*time.Second),
			SMTPAddr:         getString(getenv, "SW_SMTP_ADDR", "localhost:25"),
			SMTPFrom:         getString(getenv, "SW_SMTP_FROM", "alerts@sitewarden.local"),
			SMSGatewayURL:    getString(getenv, "SW_SMS_GATEWAY_URL", ""),
			AdminEmail:       getString(getenv, "SW_ADMIN_EMAIL", ""),
		},
		Queue: QueueSettings{
			MaxWorkers:     getInt(getenv, "SW_QUEUE_MAX_WORKERS", 5),
			PollInterval:   getDuration(getenv, "SW_QUEUE_POLL_INTERVAL", 5*time.Second),
			JobTimeout:     getDuration(getenv, "SW_JOB_TIMEOUT", 300*time.Second),
			MaxRetries:     getInt(getenv, "SW_JOB_MAX_RETRIES", 3),
			DeadLetter:     getBool(getenv, "SW_JOB_DEAD_LETTER", true),
			CleanupAfter:   getDuration(getenv, "SW_JOB_CLEANUP_AFTER", 86400*time.Second),
			ClaimBackoff:   getDuration(getenv, "SW_JOB_CLAIM_BACKOFF", time.Second),
			WorkerIDPrefix: getString(getenv, "SW_WORKER_ID_PREFIX", ""),
		},
		Probe: ProbeSettings{
			DefaultTimeout: getDuration(getenv, "SW_PROBE_TIMEOUT", 30*time.Second),
			RetryCount:     getInt(getenv, "SW_PROBE_RETRY_COUNT", 1),
			MaxBackoff:     getDuration(getenv, "SW_PROBE_MAX_BACKOFF", 10*time.Second),
		},
		Server: ServerSettings{
			Listen:        getString(getenv, "SW_LISTEN", ":8080"),
			RequestsPerIP: getInt(getenv, "SW_HTTP_REQUESTS_PER_IP", 60),
			RatePeriod:    getDuration(getenv, "SW_HTTP_RATE_PERIOD", time.Minute),
		},
	}

	return s, s.Validate()
}

// Load layers environment values on top of an optional YAML file.
// File values apply first; any explicitly set env key wins.
func Load(path string) (Settings, error) {
	base := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &base); err != nil {
			return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overlay, err := ReadEnv(os.Getenv)
	if err != nil {
		return Settings{}, err
	}
	merged := mergeEnvOverFile(base, overlay)
	return merged, merged.Validate()
}

// mergeEnvOverFile applies env-derived values over file values only for keys
// that were explicitly set in the environment.
func mergeEnvOverFile(file, env Settings) Settings {
	defaults := Default()
	out := file
	// Scalar top-level keys; sections follow the same rule per field via
	// reflect-free explicit checks to keep behaviour obvious.
	if env.DBPath != defaults.DBPath {
		out.DBPath = env.DBPath
	}
	if env.LogLevel != defaults.LogLevel {
		out.LogLevel = env.LogLevel
	}
	if env.Scheduler != defaults.Scheduler {
		out.Scheduler = env.Scheduler
	}
	if env.Governor != defaults.Governor {
		out.Governor = env.Governor
	}
	if env.Retry != defaults.Retry {
		out.Retry = env.Retry
	}
	if env.Escalation != defaults.Escalation {
		out.Escalation = env.Escalation
	}
	if env.Notify != defaults.Notify {
		out.Notify = env.Notify
	}
	if env.Queue != defaults.Queue {
		out.Queue = env.Queue
	}
	if env.Probe != defaults.Probe {
		out.Probe = env.Probe
	}
	if env.Server != defaults.Server {
		out.Server = env.Server
	}
	return out
}

// Validate rejects configurations that would break scheduler invariants.
func (s Settings) Validate() error {
	if s.DBPath == "" {
		return fmt.Errorf("config: db_path must not be empty")
	}
	if s.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive")
	}
	if s.Scheduler.LockTimeout < s.Scheduler.MaxExecutionTime {
		return fmt.Errorf("config: lock_timeout (%s) must be >= max_execution_time (%s)",
			s.Scheduler.LockTimeout, s.Scheduler.MaxExecutionTime)
	}
	if s.Retry.MinDelay > s.Retry.MaxDelay {
		return fmt.Errorf("config: retry min_delay exceeds max_delay")
	}
	if s.Queue.MaxWorkers <= 0 {
		return fmt.Errorf("config: queue max_workers must be positive")
	}
	return nil
}

// HeartbeatInterval derives the lease heartbeat period from the lock timeout.
// Heartbeats must occur at least every lock_timeout/3.
func (s Settings) HeartbeatInterval() time.Duration {
	return s.Scheduler.LockTimeout / 3
}

func readThresholds(getenv func(string) string, prefix string, def Thresholds) Thresholds {
	return Thresholds{
		Warning:  getFloat(getenv, prefix+"_WARNING", def.Warning),
		Critical: getFloat(getenv, prefix+"_CRITICAL", def.Critical),
		Throttle: getFloat(getenv, prefix+"_THROTTLE", def.Throttle),
	}
}

func getString(getenv func(string) string, key, defaultValue string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getInt(getenv func(string) string, key string, defaultValue int) int {
	raw := getenv(key)
	if raw == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return i
}

func getFloat(getenv func(string) string, key string, defaultValue float64) float64 {
	raw := getenv(key)
	if raw == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getBool(getenv func(string) string, key string, defaultValue bool) bool {
	raw := getenv(key)
	if raw == "" {
		return defaultValue
	}
	switch strings.ToLower(raw) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func getDuration(getenv func(string) string, key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	// Bare integers are seconds, matching the deployment convention.
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
