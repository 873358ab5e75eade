// SPDX-License-Identifier: MIT

package store

import "time"

// ScanFrequency is how often a website is scanned.
type ScanFrequency string

const (
	FreqHourly  ScanFrequency = "hourly"
	FreqDaily   ScanFrequency = "daily"
	FreqWeekly  ScanFrequency = "weekly"
	FreqMonthly ScanFrequency = "monthly"
	FreqManual  ScanFrequency = "manual"
)

// Interval returns the scheduling interval for the frequency.
// Manual returns 0: such targets are never auto-selected.
func (f ScanFrequency) Interval() time.Duration {
	switch f {
	case FreqHourly:
		return time.Hour
	case FreqDaily:
		return 24 * time.Hour
	case FreqWeekly:
		return 7 * 24 * time.Hour
	case FreqMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// WebsiteStatus is the lifecycle state of a target.
type WebsiteStatus string

const (
	WebsiteActive       WebsiteStatus = "active"
	WebsitePaused       WebsiteStatus = "paused"
	WebsiteFailedReview WebsiteStatus = "failed_review"
)

// Website is a registered scan target.
type Website struct {
	ID                  int64
	Name                string
	URL                 string
	Active              bool
	ScanFrequency       ScanFrequency
	NextScanAt          time.Time // zero = not scheduled (manual or never scanned)
	LastScanAt          time.Time
	ConsecutiveFailures int
	TotalFailures       int
	LastFailureAt       time.Time
	LastErrorCategory   string
	Status              WebsiteStatus
	RetryAfter          time.Time
	// NotificationChannels maps channel name (email|sms|webhook) to recipient.
	NotificationChannels map[string]string
	CreatedAt            time.Time
}

// ScanStatus is the lifecycle state of a ScanRun.
type ScanStatus string

const (
	ScanQueued    ScanStatus = "queued"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanTimeout   ScanStatus = "timeout"
	ScanCancelled ScanStatus = "cancelled"
	ScanPaused    ScanStatus = "paused"
)

// Terminal reports whether no further transitions are allowed.
func (s ScanStatus) Terminal() bool {
	switch s {
	case ScanCompleted, ScanFailed, ScanTimeout, ScanCancelled:
		return true
	default:
		return false
	}
}

// ScanRun is one aggregated invocation of all configured probes for a target.
type ScanRun struct {
	ID            string
	WebsiteID     int64
	Status        ScanStatus
	StartedAt     time.Time
	EndedAt       time.Time
	TotalProbes   int
	Passed        int
	Failed        int
	ExecutionTime time.Duration
	RetryCount    int
	NextRetryAt   time.Time
	ErrorSummary  string
	CreatedAt     time.Time
}

// ProbeStatus is the outcome of one probe execution.
type ProbeStatus string

const (
	ProbePassed  ProbeStatus = "passed"
	ProbeFailed  ProbeStatus = "failed"
	ProbeError   ProbeStatus = "error"
	ProbeSkipped ProbeStatus = "skipped"
	ProbeTimeout ProbeStatus = "timeout"
)

// Severity grades a probe finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ProbeResult is an immutable per-probe record, child of a ScanRun.
type ProbeResult struct {
	ID            int64
	ScanID        string
	ProbeName     string
	Status        ProbeStatus
	Severity      Severity
	Message       string
	Evidence      map[string]any
	ExecutionTime time.Duration
	StartedAt     time.Time
	EndedAt       time.Time
}

// LeaseRow is the raw scheduler_lock row.
type LeaseRow struct {
	Name            string
	Owner           string
	AcquiredAt      time.Time
	ExpiresAt       time.Time
	LastHeartbeatAt time.Time
	Metadata        map[string]string
}

// Held reports whether the lease is currently held relative to now.
// A lease with expires_at == now is expired.
func (l LeaseRow) Held(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// EscalationStatus is the lifecycle state of an escalation.
type EscalationStatus string

const (
	EscalationActive   EscalationStatus = "active"
	EscalationResolved EscalationStatus = "resolved"
)

// Escalation tracks recurring-failure severity for a target.
type Escalation struct {
	ID               int64
	WebsiteID        int64
	Level            int
	TriggerReason    string
	Status           EscalationStatus
	CreatedAt        time.Time
	CooldownUntil    time.Time
	ResolvedAt       time.Time
	ResolutionReason string
	// NotificationsRecord counts notifications enqueued per channel.
	NotificationsRecord map[string]int
}

// NotificationStatus is the delivery state of a notification row.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationFailed    NotificationStatus = "failed"
	NotificationCancelled NotificationStatus = "cancelled"
)

// Notification is a single outbound message.
type Notification struct {
	ID          string
	Channel     string
	Recipient   string
	Subject     string
	Body        string
	Status      NotificationStatus
	Attempts    int
	NextRetryAt time.Time
	SentAt      time.Time
	LastError   string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDead       JobStatus = "dead"
	JobCancelled  JobStatus = "cancelled"
)

// Job is a deferred unit of work. Priority 0-3, higher first; ties break on
// earlier created_at.
type Job struct {
	ID         string
	Type       string
	Payload    []byte
	Priority   int
	Status     JobStatus
	ExecuteAt  time.Time
	RetryCount int
	WorkerID   string
	StartedAt  time.Time
	LastError  string
	CreatedAt  time.Time
}

// ResourceSample is one governor measurement tick.
type ResourceSample struct {
	Timestamp       time.Time
	CPUPercent      float64
	MemoryPercent   float64
	DiskPercent     float64
	Load1           float64
	ActiveDBConns   int
	ConcurrentScans int
}

// LogEntry is a structured scheduler_log row.
type LogEntry struct {
	ID        int64
	Level     string
	Message   string
	Context   map[string]any
	CreatedAt time.Time
}

// TestConfig is the per-website probe configuration, joined from
// available_tests and website_test_config.
type TestConfig struct {
	ProbeName    string
	Enabled      bool
	Timeout      time.Duration
	RetryCount   int
	InvertResult bool
	Critical     bool
	Severity     Severity
	Config       map[string]any
}

// Template is a stored notification template.
type Template struct {
	Name    string
	Channel string
	Subject string
	Body    string
}
