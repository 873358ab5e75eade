// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/errkind"
	"github.com/sitewarden/sitewarden/internal/metrics"
	"github.com/sitewarden/sitewarden/internal/store"
)

func TestRender(t *testing.T) {
	vars := map[string]any{"name": "shop", "count": 3}

	assert.Equal(t, "scan for shop failed 3 times",
		Render("scan for {{name}} failed {{count}} times", vars))
	assert.Equal(t, "scan for shop", Render("scan for {{ name }}", vars), "whitespace inside tokens is fine")
	assert.Equal(t, "", Render("{{unknown}}", vars), "unresolved tokens are stripped")
	assert.Equal(t, "plain text", Render("plain text", nil))
	assert.Equal(t, "", Render("{{k}}", map[string]any{}))
}

func TestMaskRecipient(t *testing.T) {
	assert.Equal(t, "op***@example.com", MaskRecipient(ChannelEmail, "ops@example.com"))
	assert.Equal(t, "***", MaskRecipient(ChannelEmail, "a@example.com"), "single-char local part stays fully hidden")
	assert.Equal(t, "***", MaskRecipient(ChannelEmail, "not-an-email"))
	assert.Equal(t, "155***567", MaskRecipient(ChannelSMS, "+1 555 123 4567"))
	assert.Equal(t, "***", MaskRecipient(ChannelSMS, "123456"))
	assert.Equal(t, "https://hoo***com/***", MaskRecipient(ChannelWebhook, "https://hooks.example.com/T0/B1/secret"))
	assert.Equal(t, "https://***/***", MaskRecipient(ChannelWebhook, "https://sh.io/hook"))
	assert.Equal(t, "***", MaskRecipient(ChannelWebhook, "::bad::"))
	assert.Equal(t, "***", MaskRecipient("carrier-pigeon", "anything"))
}

// fakeProvider scripts per-attempt errors; nil means success.
type fakeProvider struct {
	channel string
	errs    []error
	calls   int
}

func (f *fakeProvider) Channel() string { return f.channel }

func (f *fakeProvider) Send(_ context.Context, _ *store.Notification) error {
	i := f.calls
	f.calls++
	if i >= len(f.errs) {
		return nil
	}
	return f.errs[i]
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testNotifySettings() config.NotifySettings {
	return config.NotifySettings{
		MaxRetries:       2,
		RetryDelay:       time.Millisecond,
		RateLimitPerHour: 10,
		SendTimeout:      time.Second,
	}
}

func newTestOrchestrator(s *store.Store, cfg config.NotifySettings, providers ...Provider) *Orchestrator {
	o := NewOrchestrator(s, cfg, providers...)
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o
}

func TestDeliverSuccess(t *testing.T) {
	s := newTestStore(t)
	p := &fakeProvider{channel: ChannelEmail}
	o := newTestOrchestrator(s, testNotifySettings(), p)

	n, err := o.Deliver(context.Background(), Request{
		Channel:   ChannelEmail,
		Recipient: "ops@example.com",
		Template:  "escalation",
		Vars:      map[string]any{"website_name": "shop", "level": 2, "reason": "3 failures"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.NotificationSent, n.Status)
	assert.Equal(t, 1, n.Attempts)
	assert.Equal(t, 1, p.calls)
	assert.Contains(t, n.Subject, "Level 2 alert for shop")
	assert.Contains(t, n.Body, "3 failures")
}

func TestDeliverTransientThenSuccess(t *testing.T) {
	s := newTestStore(t)
	p := &fakeProvider{channel: ChannelEmail, errs: []error{
		errkind.Newf(errkind.KindTransientIO, "smtp 421 try later"),
	}}
	o := newTestOrchestrator(s, testNotifySettings(), p)

	errBefore := testutil.ToFloat64(metrics.NotificationAttempts.WithLabelValues(ChannelEmail, "error"))
	okBefore := testutil.ToFloat64(metrics.NotificationAttempts.WithLabelValues(ChannelEmail, "success"))

	n, err := o.Deliver(context.Background(), Request{
		Channel: ChannelEmail, Recipient: "ops@example.com", Template: "scan_failed",
	})
	require.NoError(t, err)
	assert.Equal(t, store.NotificationSent, n.Status)
	assert.Equal(t, 2, n.Attempts)
	assert.Equal(t, 2, p.calls)

	// Both attempts landed on the counter, one per outcome.
	assert.Equal(t, errBefore+1,
		testutil.ToFloat64(metrics.NotificationAttempts.WithLabelValues(ChannelEmail, "error")))
	assert.Equal(t, okBefore+1,
		testutil.ToFloat64(metrics.NotificationAttempts.WithLabelValues(ChannelEmail, "success")))
}

func TestDeliverExhaustsRetries(t *testing.T) {
	s := newTestStore(t)
	transient := errkind.Newf(errkind.KindTransientIO, "gateway 503")
	p := &fakeProvider{channel: ChannelSMS, errs: []error{transient, transient, transient, transient}}
	o := newTestOrchestrator(s, testNotifySettings(), p)

	n, err := o.Deliver(context.Background(), Request{
		Channel: ChannelSMS, Recipient: "+15551234567", Template: "scan_failed",
	})
	require.NoError(t, err)
	assert.Equal(t, store.NotificationFailed, n.Status)
	assert.Equal(t, 3, p.calls, "max_retries 2 means three attempts")
	assert.Contains(t, n.LastError, "503")
}

func TestDeliverPermanentFailureNoRetry(t *testing.T) {
	s := newTestStore(t)
	p := &fakeProvider{channel: ChannelWebhook, errs: []error{
		errkind.Newf(errkind.KindUnprocessable, "webhook answered 400"),
	}}
	o := newTestOrchestrator(s, testNotifySettings(), p)

	n, err := o.Deliver(context.Background(), Request{
		Channel: ChannelWebhook, Recipient: "https://hooks.example.com/x", Template: "scan_failed",
	})
	require.NoError(t, err)
	assert.Equal(t, store.NotificationFailed, n.Status)
	assert.Equal(t, 1, p.calls)
}

func TestDeliverUnknownChannel(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(s, testNotifySettings())

	n, err := o.Deliver(context.Background(), Request{
		Channel: "pager", Recipient: "oncall", Template: "scan_failed",
	})
	require.NoError(t, err)
	assert.Equal(t, store.NotificationFailed, n.Status)
	assert.Contains(t, n.LastError, "no provider")
}

func TestDeliverRecipientRateLimit(t *testing.T) {
	s := newTestStore(t)
	cfg := testNotifySettings()
	cfg.RateLimitPerHour = 2
	p := &fakeProvider{channel: ChannelEmail}
	o := newTestOrchestrator(s, cfg, p)

	for range 2 {
		n, err := o.Deliver(context.Background(), Request{
			Channel: ChannelEmail, Recipient: "ops@example.com", Template: "scan_failed",
		})
		require.NoError(t, err)
		require.Equal(t, store.NotificationSent, n.Status)
	}

	n, err := o.Deliver(context.Background(), Request{
		Channel: ChannelEmail, Recipient: "ops@example.com", Template: "scan_failed",
	})
	require.NoError(t, err)
	assert.Equal(t, store.NotificationCancelled, n.Status)
	assert.Equal(t, 2, p.calls, "capped delivery never reached the provider")

	// The cap is per recipient, not global.
	n, err = o.Deliver(context.Background(), Request{
		Channel: ChannelEmail, Recipient: "other@example.com", Template: "scan_failed",
	})
	require.NoError(t, err)
	assert.Equal(t, store.NotificationSent, n.Status)
}

func TestDeliverPersistsRowBeforeSend(t *testing.T) {
	s := newTestStore(t)
	boom := &fakeProvider{channel: ChannelEmail, errs: []error{
		errkind.Newf(errkind.KindFatal, "provider exploded"),
	}}
	o := newTestOrchestrator(s, testNotifySettings(), boom)

	n, err := o.Deliver(context.Background(), Request{
		Channel: ChannelEmail, Recipient: "ops@example.com", Template: "scan_failed",
		Vars: map[string]any{"website_name": "shop"},
	})
	require.NoError(t, err)

	// Even a hard failure leaves a complete row behind.
	row, err := s.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, store.NotificationFailed, row.Status)
	assert.Contains(t, row.Subject, "shop")
}

func TestRenderPrefersStoreTemplate(t *testing.T) {
	s := newTestStore(t)
	p := &fakeProvider{channel: ChannelEmail}
	o := newTestOrchestrator(s, testNotifySettings(), p)

	// scan_failure is seeded in the store; escalation is a built-in default.
	n, err := o.Deliver(context.Background(), Request{
		Channel: ChannelEmail, Recipient: "ops@example.com", Template: "scan_failure",
		Vars: map[string]any{"website_name": "shop"},
	})
	require.NoError(t, err)
	assert.Contains(t, n.Subject, "shop")

	// Unknown templates fall through to the raw name.
	n, err = o.Deliver(context.Background(), Request{
		Channel: ChannelEmail, Recipient: "ops@example.com", Template: "mystery_template",
	})
	require.NoError(t, err)
	assert.Equal(t, "mystery_template", n.Subject)
}

func TestResourceAlert(t *testing.T) {
	s := newTestStore(t)
	cfg := testNotifySettings()
	p := &fakeProvider{channel: ChannelEmail}

	// No admin configured: log-only, nothing recorded.
	o := newTestOrchestrator(s, cfg, p)
	require.NoError(t, o.ResourceAlert(context.Background(), "critical", []string{"cpu 92.0"}, nil))
	assert.Zero(t, p.calls)

	cfg.AdminEmail = "admin@example.com"
	o = newTestOrchestrator(s, cfg, p)
	require.NoError(t, o.ResourceAlert(context.Background(), "critical",
		[]string{"cpu 92.0 over critical limit 85.0"}, []string{"reduce batch_size"}))
	assert.Equal(t, 1, p.calls)
}

func TestSMSProviderRequiresGateway(t *testing.T) {
	p := NewSMSProvider(config.NotifySettings{})
	err := p.Send(context.Background(), &store.Notification{Recipient: "+15551234567", Body: "hi"})
	assert.True(t, errkind.Is(err, errkind.KindUnprocessable))
}

func TestWebhookProviderStatusMapping(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sitewarden-notify", r.Header.Get("User-Agent"))
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := NewWebhookProvider(testNotifySettings())
	n := &store.Notification{Recipient: srv.URL, Subject: "s", Body: "b"}

	status = http.StatusOK
	require.NoError(t, p.Send(context.Background(), n))

	status = http.StatusBadGateway
	err := p.Send(context.Background(), n)
	assert.True(t, errkind.Is(err, errkind.KindTransientIO))

	status = http.StatusTooManyRequests
	err = p.Send(context.Background(), n)
	assert.True(t, errkind.Is(err, errkind.KindTransientIO))

	status = http.StatusBadRequest
	err = p.Send(context.Background(), n)
	assert.True(t, errkind.Is(err, errkind.KindUnprocessable))

	err = p.Send(context.Background(), &store.Notification{Recipient: "ftp://nope"})
	assert.True(t, errkind.Is(err, errkind.KindUnprocessable))

	// Connection errors are transient.
	err = p.Send(context.Background(), &store.Notification{Recipient: "http://127.0.0.1:1/hook"})
	require.Error(t, err)
	assert.True(t, errkind.Retryable(err))
}

func TestEmailProviderBuildsMessage(t *testing.T) {
	var gotTo []string
	var gotMsg []byte
	p := NewEmailProvider(config.NotifySettings{SMTPAddr: "mail:25", SMTPFrom: "warden@example.com"})
	p.send = func(_, _ string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = msg
		return nil
	}

	err := p.Send(context.Background(), &store.Notification{
		Recipient: "ops@example.com", Subject: "down", Body: "shop failed",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: down")
	assert.Contains(t, string(gotMsg), "shop failed")

	err = p.Send(context.Background(), &store.Notification{Recipient: "no-at-sign"})
	assert.True(t, errkind.Is(err, errkind.KindUnprocessable))
}
