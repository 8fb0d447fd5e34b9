package alert

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const defaultChannelTimeout = 10 * time.Second

// Channel delivers one alert over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// DispatcherMetrics exposes delivery counters.
type DispatcherMetrics interface {
	ObserveDispatch(channel string, status string)
}

// Dispatcher fans an alert out to every configured channel. Channels are
// isolated: a failing channel is logged and never blocks the others, and
// no delivery outcome reaches the request path.
type Dispatcher struct {
	channels []Channel
	timeout  time.Duration
	logger   *zap.Logger
	metrics  DispatcherMetrics
}

// DispatcherOptions configure a Dispatcher.
type DispatcherOptions struct {
	Channels []Channel
	Timeout  time.Duration
	Logger   *zap.Logger
	Metrics  DispatcherMetrics
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultChannelTimeout
	}
	return &Dispatcher{
		channels: opts.Channels,
		timeout:  timeout,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Dispatch implements Notifier. Delivery runs detached from the caller's
// context so an aborted request cannot cancel notifications already owed.
func (d *Dispatcher) Dispatch(_ context.Context, a Alert) {
	for _, ch := range d.channels {
		go d.send(ch, a)
	}
}

func (d *Dispatcher) send(ch Channel, a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := ch.Send(ctx, a)
	status := "ok"
	if err != nil {
		status = "error"
		if d.logger != nil {
			d.logger.Error("alert delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("alert_id", a.ID),
				zap.Error(err))
		}
	}
	if d.metrics != nil {
		d.metrics.ObserveDispatch(ch.Name(), status)
	}
}

// WebhookChannel POSTs the alert as JSON.
type WebhookChannel struct {
	URL    string
	Client *http.Client
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	return w.post(ctx, w.URL, "application/json", body)
}

func (w *WebhookChannel) post(ctx context.Context, url, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel posts a formatted message to a Slack incoming webhook.
type SlackChannel struct {
	WebhookURL string
	Client     *http.Client
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, a Alert) error {
	text := fmt.Sprintf(":rotating_light: *%s* (%s)\nrule=%s ip=%s count=%d",
		a.RuleName, a.Severity, a.RuleID, a.IP, a.Count)
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("slack: marshal: %w", err)
	}
	w := &WebhookChannel{Client: s.Client}
	if err := w.post(ctx, s.WebhookURL, "application/json", payload); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

// EmailChannel sends a plain-text mail to the admin address.
type EmailChannel struct {
	Addr string // smtp host:port
	From string
	To   string
	Auth smtp.Auth
}

func (e *EmailChannel) Name() string { return "email" }

// Send dials and drives the SMTP session itself so the connection
// inherits the ctx deadline; a stalled server cannot pin the dispatch
// goroutine past the channel timeout.
func (e *EmailChannel) Send(ctx context.Context, a Alert) error {
	subject := fmt.Sprintf("Security alert: %s [%s]", a.RuleName, a.Severity)
	msg := strings.Join([]string{
		"From: " + e.From,
		"To: " + e.To,
		"Subject: " + subject,
		"",
		fmt.Sprintf("Rule %s fired for IP %s: %d matching events in window (alert %s).",
			a.RuleID, a.IP, a.Count, a.ID),
	}, "\r\n")

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", e.Addr)
	if err != nil {
		return fmt.Errorf("email: dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	host, _, err := net.SplitHostPort(e.Addr)
	if err != nil {
		host = e.Addr
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("email: handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("email: starttls: %w", err)
		}
	}
	if e.Auth != nil {
		if err := client.Auth(e.Auth); err != nil {
			return fmt.Errorf("email: auth: %w", err)
		}
	}
	if err := client.Mail(e.From); err != nil {
		return fmt.Errorf("email: mail from: %w", err)
	}
	if err := client.Rcpt(e.To); err != nil {
		return fmt.Errorf("email: rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("email: data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		w.Close()
		return fmt.Errorf("email: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("email: close body: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("email: quit: %w", err)
	}
	return nil
}

type syncProducer interface {
	SendMessage(*sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// KafkaChannel publishes alerts to a topic for downstream consumers.
type KafkaChannel struct {
	Producer syncProducer
	Topic    string
}

// NewKafkaChannel wraps a sarama sync producer.
func NewKafkaChannel(producer sarama.SyncProducer, topic string) (*KafkaChannel, error) {
	if producer == nil {
		return nil, fmt.Errorf("kafka channel: producer required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka channel: topic required")
	}
	return &KafkaChannel{Producer: producer, Topic: topic}, nil
}

func (k *KafkaChannel) Name() string { return "kafka" }

func (k *KafkaChannel) Send(_ context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("kafka channel: marshal: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.Topic,
		Key:   sarama.StringEncoder(a.IP),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := k.Producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka channel: send: %w", err)
	}
	return nil
}
