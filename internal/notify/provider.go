// SPDX-License-Identifier: MIT

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/errkind"
	"github.com/sitewarden/sitewarden/internal/store"
)

// Channel names.
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// Provider delivers notifications on one channel. Send errors of kind
// TransientIO are retried by the orchestrator; anything else is terminal.
type Provider interface {
	Channel() string
	Send(ctx context.Context, n *store.Notification) error
}

// EmailProvider delivers over SMTP. The send func is swappable so tests
// inject a fake transport.
type EmailProvider struct {
	addr string
	from string
	send func(addr, from string, to []string, msg []byte) error
}

// NewEmailProvider returns an SMTP-backed email provider.
func NewEmailProvider(cfg config.NotifySettings) *EmailProvider {
	return &EmailProvider{
		addr: cfg.SMTPAddr,
		from: cfg.SMTPFrom,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

func (p *EmailProvider) Channel() string { return ChannelEmail }

func (p *EmailProvider) Send(ctx context.Context, n *store.Notification) error {
	if !strings.Contains(n.Recipient, "@") {
		return errkind.Newf(errkind.KindUnprocessable, "invalid email recipient")
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", p.from)
	fmt.Fprintf(&msg, "To: %s\r\n", n.Recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", n.Subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(n.Body)

	done := make(chan error, 1)
	go func() { done <- p.send(p.addr, p.from, []string{n.Recipient}, msg.Bytes()) }()
	select {
	case <-ctx.Done():
		return errkind.New(errkind.KindTransientIO, ctx.Err())
	case err := <-done:
		return errkind.New(errkind.KindTransientIO, err)
	}
}

// SMSProvider delivers through an HTTP SMS gateway.
type SMSProvider struct {
	gatewayURL string
	client     *http.Client
}

// NewSMSProvider returns a gateway-backed SMS provider. An empty gateway
// URL makes every send fail terminally, which keeps misconfigured
// deployments loud.
func NewSMSProvider(cfg config.NotifySettings) *SMSProvider {
	return &SMSProvider{
		gatewayURL: cfg.SMSGatewayURL,
		client:     &http.Client{Timeout: cfg.SendTimeout},
	}
}

func (p *SMSProvider) Channel() string { return ChannelSMS }

func (p *SMSProvider) Send(ctx context.Context, n *store.Notification) error {
	if p.gatewayURL == "" {
		return errkind.Newf(errkind.KindUnprocessable, "sms gateway not configured")
	}
	payload, _ := json.Marshal(map[string]string{
		"to":      n.Recipient,
		"message": n.Body,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.gatewayURL, bytes.NewReader(payload))
	if err != nil {
		return errkind.New(errkind.KindUnprocessable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return errkind.New(errkind.KindTransientIO, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return errkind.Newf(errkind.KindTransientIO, "sms gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return errkind.Newf(errkind.KindUnprocessable, "sms gateway rejected message: %d", resp.StatusCode)
	}
	return nil
}

// WebhookProvider POSTs a JSON payload to the recipient URL.
type WebhookProvider struct {
	client *http.Client
}

// NewWebhookProvider returns a webhook provider with the configured timeout.
func NewWebhookProvider(cfg config.NotifySettings) *WebhookProvider {
	return &WebhookProvider{client: &http.Client{Timeout: cfg.WebhookTimeout}}
}

func (p *WebhookProvider) Channel() string { return ChannelWebhook }

func (p *WebhookProvider) Send(ctx context.Context, n *store.Notification) error {
	if !strings.HasPrefix(n.Recipient, "http://") && !strings.HasPrefix(n.Recipient, "https://") {
		return errkind.Newf(errkind.KindUnprocessable, "webhook recipient is not a URL")
	}
	payload, _ := json.Marshal(map[string]any{
		"subject":   n.Subject,
		"body":      n.Body,
		"metadata":  n.Metadata,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Recipient, bytes.NewReader(payload))
	if err != nil {
		return errkind.New(errkind.KindUnprocessable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sitewarden-notify")
	resp, err := p.client.Do(req)
	if err != nil {
		return errkind.New(errkind.KindTransientIO, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return errkind.Newf(errkind.KindTransientIO, "webhook endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return errkind.Newf(errkind.KindUnprocessable, "webhook endpoint rejected delivery: %d", resp.StatusCode)
	}
	return nil
}
