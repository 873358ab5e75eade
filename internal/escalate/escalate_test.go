// SPDX-License-Identifier: MIT

package escalate

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/notify"
	"github.com/sitewarden/sitewarden/internal/store"
)

// fakeQueue records enqueued jobs instead of running them.
type fakeQueue struct {
	jobs []fakeJob
}

type fakeJob struct {
	jobType  string
	payload  NotificationJob
	priority int
	delay    time.Duration
}

func (q *fakeQueue) Enqueue(_ context.Context, jobType string, payload any, priority int, delay time.Duration) (string, error) {
	q.jobs = append(q.jobs, fakeJob{
		jobType:  jobType,
		payload:  payload.(NotificationJob),
		priority: priority,
		delay:    delay,
	})
	return "job-1", nil
}

func (q *fakeQueue) channels() []string {
	var out []string
	for _, j := range q.jobs {
		out = append(out, j.payload.Channel)
	}
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEscalationSettings() config.EscalationSettings {
	return config.EscalationSettings{
		Cooldown:       4 * time.Hour,
		Level2Delay:    30 * time.Minute,
		Level3Delay:    2 * time.Hour,
		FailureWindow:  24 * time.Hour,
		FailureCeiling: 5,
	}
}

func seedWebsite(t *testing.T, s *store.Store, failures int) *store.Website {
	t.Helper()
	id, err := s.CreateWebsite(context.Background(), &store.Website{
		Name: "shop", URL: "https://shop.example", Active: true, ScanFrequency: store.FreqDaily,
	})
	require.NoError(t, err)
	w, err := s.GetWebsite(context.Background(), id)
	require.NoError(t, err)
	w.ConsecutiveFailures = failures
	return w
}

func failedRun() *store.ScanRun {
	return &store.ScanRun{ID: "r1", Status: store.ScanFailed}
}

func TestEvaluateFirstFailureCreatesLevel1(t *testing.T) {
	s := newTestStore(t)
	q := &fakeQueue{}
	e := New(s, testEscalationSettings(), q)
	w := seedWebsite(t, s, 1)

	res, err := e.Evaluate(context.Background(), w, failedRun(), []store.ProbeResult{
		{ProbeName: "http_status", Status: store.ProbeFailed, Severity: store.SeverityHigh},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, res)

	active, err := s.ActiveEscalation(context.Background(), w.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 1, active.Level)
	assert.Equal(t, 1, active.NotificationsRecord["email"])

	// Level 1 alerts go out immediately, email only.
	require.Len(t, q.jobs, 1)
	assert.Equal(t, []string{"email"}, q.channels())
	assert.Equal(t, JobTypeNotification, q.jobs[0].jobType)
	assert.Zero(t, q.jobs[0].delay)
	assert.Equal(t, 1, q.jobs[0].priority)
}

func TestEvaluateConsecutiveFailuresLevel2(t *testing.T) {
	s := newTestStore(t)
	q := &fakeQueue{}
	e := New(s, testEscalationSettings(), q)
	w := seedWebsite(t, s, 3)

	res, err := e.Evaluate(context.Background(), w, failedRun(), []store.ProbeResult{
		{ProbeName: "http_status", Status: store.ProbeFailed},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, res)

	active, err := s.ActiveEscalation(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Level)
	assert.Contains(t, active.TriggerReason, "consecutive")

	assert.Equal(t, []string{"email", "sms"}, q.channels())
	assert.Equal(t, 30*time.Minute, q.jobs[0].delay)
}

func TestEvaluateCriticalProbeLevel3(t *testing.T) {
	s := newTestStore(t)
	q := &fakeQueue{}
	e := New(s, testEscalationSettings(), q)
	w := seedWebsite(t, s, 1)

	res, err := e.Evaluate(context.Background(), w, failedRun(), []store.ProbeResult{
		{ProbeName: "http_status", Status: store.ProbePassed},
		{ProbeName: "ssl_certificate", Status: store.ProbeFailed, Severity: store.SeverityCritical},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, res)

	active, err := s.ActiveEscalation(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, active.Level)
	assert.Contains(t, active.TriggerReason, "ssl_certificate")

	assert.Equal(t, []string{"email", "sms", "webhook"}, q.channels())
	assert.Equal(t, 2*time.Hour, q.jobs[0].delay)
	assert.Equal(t, 3, q.jobs[0].priority)
}

func TestEvaluateCriticalSeverityOutsideKnownSet(t *testing.T) {
	s := newTestStore(t)
	e := New(s, testEscalationSettings(), &fakeQueue{})
	w := seedWebsite(t, s, 1)

	// Severity critical escalates even for probes not in the built-in set.
	res, err := e.Evaluate(context.Background(), w, failedRun(), []store.ProbeResult{
		{ProbeName: "custom_check", Status: store.ProbeTimeout, Severity: store.SeverityCritical},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, res)

	active, err := s.ActiveEscalation(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, active.Level)
}

func TestEvaluateCooldownSuppressesSameLevel(t *testing.T) {
	s := newTestStore(t)
	q := &fakeQueue{}
	e := New(s, testEscalationSettings(), q)
	w := seedWebsite(t, s, 3)

	probes := []store.ProbeResult{{ProbeName: "http_status", Status: store.ProbeFailed}}
	res, err := e.Evaluate(context.Background(), w, failedRun(), probes)
	require.NoError(t, err)
	require.Equal(t, ResultCreated, res)
	jobsAfterCreate := len(q.jobs)

	res, err = e.Evaluate(context.Background(), w, failedRun(), probes)
	require.NoError(t, err)
	assert.Equal(t, ResultInCooldown, res)
	assert.Len(t, q.jobs, jobsAfterCreate, "cooldown suppresses new deliveries")
}

func TestEvaluateUpgradeThroughCooldown(t *testing.T) {
	s := newTestStore(t)
	q := &fakeQueue{}
	e := New(s, testEscalationSettings(), q)
	w := seedWebsite(t, s, 3)

	res, err := e.Evaluate(context.Background(), w, failedRun(), []store.ProbeResult{
		{ProbeName: "http_status", Status: store.ProbeFailed},
	})
	require.NoError(t, err)
	require.Equal(t, ResultCreated, res)
	require.Equal(t, []string{"email", "sms"}, q.channels())

	// Severity growth overrides the cooldown; only the new channel fans out.
	res, err = e.Evaluate(context.Background(), w, failedRun(), []store.ProbeResult{
		{ProbeName: "ssl_certificate", Status: store.ProbeFailed, Severity: store.SeverityCritical},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultUpgraded, res)
	assert.Equal(t, []string{"email", "sms", "webhook"}, q.channels())

	active, err := s.ActiveEscalation(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, active.Level)
}

func TestEvaluateResolveOnCleanScan(t *testing.T) {
	s := newTestStore(t)
	q := &fakeQueue{}
	e := New(s, testEscalationSettings(), q)
	w := seedWebsite(t, s, 3)

	_, err := e.Evaluate(context.Background(), w, failedRun(), []store.ProbeResult{
		{ProbeName: "http_status", Status: store.ProbeFailed},
	})
	require.NoError(t, err)

	res, err := e.Evaluate(context.Background(), w, &store.ScanRun{ID: "r2", Status: store.ScanCompleted}, nil)
	require.NoError(t, err)
	assert.Equal(t, ResultResolved, res)

	active, err := s.ActiveEscalation(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	last := q.jobs[len(q.jobs)-1]
	assert.Equal(t, "escalation_resolved", last.payload.Template)

	// A clean scan with nothing active is a no-op.
	res, err = e.Evaluate(context.Background(), w, &store.ScanRun{ID: "r3", Status: store.ScanCompleted}, nil)
	require.NoError(t, err)
	assert.Equal(t, ResultNone, res)
}

func TestChannelsForLevel(t *testing.T) {
	assert.Nil(t, channelsForLevel(0))
	assert.Equal(t, []string{"email"}, channelsForLevel(1))
	assert.Equal(t, []string{"email", "sms"}, channelsForLevel(2))
	assert.Equal(t, []string{"email", "sms", "webhook"}, channelsForLevel(3))
	assert.Equal(t, channelsForLevel(3), channelsForLevel(7))
}

// sentinelProvider records deliveries for handler tests.
type sentinelProvider struct {
	channel string
	sent    []*store.Notification
}

func (p *sentinelProvider) Channel() string { return p.channel }

func (p *sentinelProvider) Send(_ context.Context, n *store.Notification) error {
	p.sent = append(p.sent, n)
	return nil
}

func TestNotificationJobHandlerDelivers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateWebsite(ctx, &store.Website{
		Name: "shop", URL: "https://shop.example", Active: true,
		NotificationChannels: map[string]string{"email": "ops@example.com"},
	})
	require.NoError(t, err)
	esc, err := s.CreateEscalation(ctx, id, 2, "3 consecutive failures", time.Now().Add(time.Hour))
	require.NoError(t, err)

	p := &sentinelProvider{channel: notify.ChannelEmail}
	orch := notify.NewOrchestrator(s, config.NotifySettings{
		MaxRetries: 1, RetryDelay: time.Millisecond, SendTimeout: time.Second,
	}, p)
	handler := NotificationJobHandler(s, orch)

	payload, err := json.Marshal(NotificationJob{
		EscalationID: esc.ID, WebsiteID: id, Channel: notify.ChannelEmail,
		Template: "escalation", Level: 2, Reason: "3 consecutive failures",
	})
	require.NoError(t, err)

	require.NoError(t, handler(ctx, &store.Job{ID: "j1", Type: JobTypeNotification, Payload: payload}))
	require.Len(t, p.sent, 1)
	assert.Contains(t, p.sent[0].Subject, "shop")
	assert.Equal(t, "ops@example.com", p.sent[0].Recipient)
}

func TestNotificationJobHandlerDropsStaleEscalation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateWebsite(ctx, &store.Website{
		Name: "shop", URL: "https://shop.example", Active: true,
		NotificationChannels: map[string]string{"email": "ops@example.com"},
	})
	require.NoError(t, err)
	esc, err := s.CreateEscalation(ctx, id, 1, "scan failed", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = s.ResolveEscalation(ctx, id, "tests_passing")
	require.NoError(t, err)

	p := &sentinelProvider{channel: notify.ChannelEmail}
	orch := notify.NewOrchestrator(s, config.NotifySettings{SendTimeout: time.Second}, p)
	handler := NotificationJobHandler(s, orch)

	payload, _ := json.Marshal(NotificationJob{
		EscalationID: esc.ID, WebsiteID: id, Channel: notify.ChannelEmail, Template: "escalation",
	})
	require.NoError(t, handler(ctx, &store.Job{ID: "j1", Type: JobTypeNotification, Payload: payload}))
	assert.Empty(t, p.sent, "resolved escalations deliver nothing")
}

func TestNotificationJobHandlerSkipsMissingRecipient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateWebsite(ctx, &store.Website{
		Name: "shop", URL: "https://shop.example", Active: true,
	})
	require.NoError(t, err)

	p := &sentinelProvider{channel: notify.ChannelSMS}
	orch := notify.NewOrchestrator(s, config.NotifySettings{SendTimeout: time.Second}, p)
	handler := NotificationJobHandler(s, orch)

	payload, _ := json.Marshal(NotificationJob{
		WebsiteID: id, Channel: notify.ChannelSMS, Template: "escalation",
	})
	require.NoError(t, handler(ctx, &store.Job{ID: "j1", Type: JobTypeNotification, Payload: payload}))
	assert.Empty(t, p.sent)
}
