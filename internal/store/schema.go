// SPDX-License-Identifier: MIT

package store

import "fmt"

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS websites (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	scan_frequency TEXT NOT NULL DEFAULT 'daily',
	next_scan_at_ms INTEGER,
	last_scan_at_ms INTEGER,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	total_failures INTEGER NOT NULL DEFAULT 0,
	last_failure_at_ms INTEGER,
	last_error_category TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	retry_after_ms INTEGER,
	notification_channels TEXT NOT NULL DEFAULT '{}',
	created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_websites_due ON websites(next_scan_at_ms, active);

CREATE TABLE IF NOT EXISTS scan_results (
	id TEXT PRIMARY KEY,
	website_id INTEGER NOT NULL REFERENCES websites(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	started_at_ms INTEGER,
	ended_at_ms INTEGER,
	total_probes INTEGER NOT NULL DEFAULT 0,
	passed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at_ms INTEGER,
	error_summary TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scan_results_website ON scan_results(website_id, created_at_ms DESC);
CREATE INDEX IF NOT EXISTS idx_scan_results_retry ON scan_results(status, next_retry_at_ms);

CREATE TABLE IF NOT EXISTS test_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scan_id TEXT NOT NULL REFERENCES scan_results(id) ON DELETE CASCADE,
	probe_name TEXT NOT NULL,
	status TEXT NOT NULL,
	severity TEXT NOT NULL DEFAULT 'info',
	message TEXT NOT NULL DEFAULT '',
	evidence TEXT NOT NULL DEFAULT '{}',
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	started_at_ms INTEGER,
	ended_at_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_test_results_scan ON test_results(scan_id);

CREATE TABLE IF NOT EXISTS available_tests (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	default_severity TEXT NOT NULL DEFAULT 'medium',
	critical INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS website_test_config (
	website_id INTEGER NOT NULL REFERENCES websites(id) ON DELETE CASCADE,
	test_name TEXT NOT NULL REFERENCES available_tests(name) ON DELETE CASCADE,
	enabled INTEGER NOT NULL DEFAULT 1,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	invert_result INTEGER NOT NULL DEFAULT 0,
	config TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (website_id, test_name)
);

CREATE TABLE IF NOT EXISTS scheduler_lock (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	acquired_at_ms INTEGER NOT NULL,
	expires_at_ms INTEGER NOT NULL,
	last_heartbeat_at_ms INTEGER,
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS scheduler_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scheduler_log_created ON scheduler_log(created_at_ms);

CREATE TABLE IF NOT EXISTS alert_escalations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	website_id INTEGER NOT NULL REFERENCES websites(id) ON DELETE CASCADE,
	level INTEGER NOT NULL,
	trigger_reason TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	created_at_ms INTEGER NOT NULL,
	cooldown_until_ms INTEGER,
	resolved_at_ms INTEGER,
	resolution_reason TEXT NOT NULL DEFAULT '',
	notifications_record TEXT NOT NULL DEFAULT '{}'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_escalations_one_active
	ON alert_escalations(website_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	recipient TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	next_retry_at_ms INTEGER,
	sent_at_ms INTEGER,
	last_error TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notification_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	notification_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	recipient TEXT NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notification_log_recipient
	ON notification_log(recipient, created_at_ms);

CREATE TABLE IF NOT EXISTS notification_preferences (
	website_id INTEGER NOT NULL REFERENCES websites(id) ON DELETE CASCADE,
	channel TEXT NOT NULL,
	recipient TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (website_id, channel)
);

CREATE TABLE IF NOT EXISTS notification_templates (
	name TEXT NOT NULL,
	channel TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (name, channel)
);

CREATE TABLE IF NOT EXISTS job_queue (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	execute_at_ms INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT NOT NULL DEFAULT '',
	started_at_ms INTEGER,
	last_error TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_queue_pick
	ON job_queue(status, priority DESC, created_at_ms ASC);

CREATE TABLE IF NOT EXISTS resource_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_ms INTEGER NOT NULL,
	cpu_percent REAL NOT NULL,
	memory_percent REAL NOT NULL,
	disk_percent REAL NOT NULL,
	load1 REAL NOT NULL,
	active_db_conns INTEGER NOT NULL,
	concurrent_scans INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_resource_metrics_ts ON resource_metrics(ts_ms);
`

// seedTests registers the built-in probes so fresh databases can join
// websites to a sensible default test set.
var seedTests = []struct {
	name        string
	description string
	severity    Severity
	critical    bool
}{
	{"http_status", "expects a successful HTTP response from the target", SeverityHigh, false},
	{"ssl_certificate", "validates the TLS certificate chain and expiry", SeverityCritical, true},
	{"security_headers", "checks recommended HTTP security headers", SeverityMedium, true},
}

var seedTemplates = []Template{
	{Name: "scan_failure", Channel: "email",
		Subject: "[sitewarden] {{website_name}} failed its security scan",
		Body:    "Website {{website_name}} ({{website_url}}) failed: {{error_summary}}. Escalation level {{level}}."},
	{Name: "scan_failure", Channel: "sms",
		Body: "sitewarden: {{website_name}} scan failed ({{error_summary}}), level {{level}}"},
	{Name: "scan_failure", Channel: "webhook",
		Body: `{"website":"{{website_name}}","url":"{{website_url}}","level":"{{level}}","summary":"{{error_summary}}"}`},
	{Name: "manual_review", Channel: "email",
		Subject: "[sitewarden] {{website_name}} needs manual review",
		Body:    "Website {{website_name}} exhausted its retry budget and was parked for manual review. Last error: {{error_summary}}."},
	{Name: "resource_alert", Channel: "email",
		Subject: "[sitewarden] resource pressure: {{status}}",
		Body:    "Resource governor reports {{status}}: {{detail}}."},
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", currentVersion, schemaVersion)
	}
	if currentVersion == schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	for _, t := range seedTests {
		if _, err := tx.Exec(
			`INSERT INTO available_tests (name, description, default_severity, critical, enabled)
			 VALUES (?, ?, ?, ?, 1)
			 ON CONFLICT(name) DO NOTHING`,
			t.name, t.description, string(t.severity), boolInt(t.critical)); err != nil {
			return err
		}
	}
	for _, tpl := range seedTemplates {
		if _, err := tx.Exec(
			`INSERT INTO notification_templates (name, channel, subject, body)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(name, channel) DO NOTHING`,
			tpl.Name, tpl.Channel, tpl.Subject, tpl.Body); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
