// Package notify delivers alert notifications to webhooks and email.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guonaihong/gout"
	"github.com/talkincode/chippool/config"
	"github.com/talkincode/chippool/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Notification is one opened or escalated alert.
type Notification struct {
	Alert      domain.Alert `json:"alert"`
	Phone      string       `json:"phone"`
	Instance   string       `json:"instance"`
	Escalation bool         `json:"escalation"`
}

func (n Notification) Subject() string {
	label := "alert"
	if n.Escalation {
		label = "escalated"
	}
	return fmt.Sprintf("[chippool][%s] %s %s on %s", strings.ToUpper(string(n.Alert.Severity)), label, n.Alert.Type, n.Phone)
}

func (n Notification) Body() string {
	var sb strings.Builder
	sb.WriteString(n.Alert.Message)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "chip: %s (%s)\n", n.Alert.ChipID, n.Instance)
	fmt.Fprintf(&sb, "value: %.2f\n", n.Alert.Value)
	fmt.Fprintf(&sb, "opened: %s\n", n.Alert.CreatedAt.Format(time.RFC3339))
	if n.Alert.Recommendation != nil {
		fmt.Fprintf(&sb, "\nrecommendation: %s\n", *n.Alert.Recommendation)
	}
	return sb.String()
}

type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Dispatcher fans a notification out to every sink whose threshold it
// reaches. Delivery errors are logged, never returned.
type Dispatcher struct {
	sinks       []Sink
	minSeverity domain.Severity
}

func NewDispatcher(minSeverity domain.Severity, sinks ...Sink) *Dispatcher {
	if !minSeverity.Valid() {
		minSeverity = domain.SeverityAlerta
	}
	return &Dispatcher{sinks: sinks, minSeverity: minSeverity}
}

// FromConfig builds the sinks enabled in cfg.
func FromConfig(cfg config.NotifyConfig) *Dispatcher {
	var sinks []Sink
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhook(cfg.WebhookURL, 10*time.Second))
	}
	if cfg.SMTP.Host != "" && len(cfg.SMTP.To) > 0 {
		sinks = append(sinks, NewMailer(cfg.SMTP))
	}
	return NewDispatcher(domain.Severity(cfg.MinSeverity), sinks...)
}

func (d *Dispatcher) Enabled() bool {
	return len(d.sinks) > 0
}

func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	if n.Alert.Severity.Rank() < d.minSeverity.Rank() {
		return
	}
	for _, s := range d.sinks {
		if err := s.Send(ctx, n); err != nil {
			zap.L().Error("alert notification failed", zap.String("namespace", "notify"),
				zap.String("sink", s.Name()), zap.String("alert_type", string(n.Alert.Type)), zap.Error(err))
			continue
		}
		zap.L().Debug("alert notification sent", zap.String("namespace", "notify"),
			zap.String("sink", s.Name()), zap.String("chip", n.Alert.ChipID))
	}
}

// Webhook posts the notification as JSON.
type Webhook struct {
	url     string
	timeout time.Duration
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{url: url, timeout: timeout}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n Notification) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	code := 0
	err := gout.POST(w.url).
		WithContext(ctx).
		SetJSON(gout.H{
			"event":        "alert",
			"subject":      n.Subject(),
			"notification": n,
		}).
		Code(&code).
		Do()
	if err != nil {
		return err
	}
	if code >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", code)
	}
	return nil
}

// Mailer sends plain-text alert mails over SMTP.
type Mailer struct {
	from string
	to   []string
	send func(m *gomail.Message) error
}

func NewMailer(cfg config.SMTPConfig) *Mailer {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Passwd)
	from := cfg.From
	if from == "" {
		from = cfg.User
	}
	return &Mailer{from: from, to: cfg.To, send: func(m *gomail.Message) error { return dialer.DialAndSend(m) }}
}

func (m *Mailer) Name() string { return "email" }

func (m *Mailer) Send(_ context.Context, n Notification) error {
	msg := m.message(n)
	return m.send(msg)
}

func (m *Mailer) message(n Notification) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", m.to...)
	msg.SetHeader("Subject", n.Subject())
	msg.SetBody("text/plain", n.Body())
	return msg
}
