package alert

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/CyberMesh/defense-agent/internal/event"
)

type flakyChannel struct {
	name string
	err  error

	mu    sync.Mutex
	sent  []Alert
	done  chan struct{}
	fired bool
}

func newFlakyChannel(name string, err error) *flakyChannel {
	return &flakyChannel{name: name, err: err, done: make(chan struct{})}
}

func (c *flakyChannel) Name() string { return c.name }

func (c *flakyChannel) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, a)
	if !c.fired {
		c.fired = true
		close(c.done)
	}
	return c.err
}

func testAlert() Alert {
	return Alert{
		ID:        "a1",
		RuleID:    "r1",
		RuleName:  "rule one",
		EventType: event.TypeWAFViolation,
		Severity:  event.SeverityHigh,
		Count:     7,
		IP:        "6.6.6.6",
		Timestamp: time.Unix(1700000000, 0),
	}
}

func TestDispatchChannelFailureIsolated(t *testing.T) {
	failing := newFlakyChannel("webhook", errors.New("connection refused"))
	healthy := newFlakyChannel("slack", nil)

	d := NewDispatcher(DispatcherOptions{Channels: []Channel{failing, healthy}})
	d.Dispatch(context.Background(), testAlert())

	select {
	case <-healthy.done:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy channel never received the alert")
	}
	select {
	case <-failing.done:
	case <-time.After(2 * time.Second):
		t.Fatal("failing channel never attempted")
	}
}

func TestWebhookChannelPostsJSON(t *testing.T) {
	received := make(chan Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var a Alert
		require.NoError(t, json.Unmarshal(body, &a))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		received <- a
	}))
	defer srv.Close()

	ch := &WebhookChannel{URL: srv.URL}
	require.NoError(t, ch.Send(context.Background(), testAlert()))
	require.Equal(t, "a1", (<-received).ID)
}

func TestWebhookChannelErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := &WebhookChannel{URL: srv.URL}
	require.Error(t, ch.Send(context.Background(), testAlert()))
}

func TestSlackChannelPayload(t *testing.T) {
	received := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(body, &payload))
		received <- payload
	}))
	defer srv.Close()

	ch := &SlackChannel{WebhookURL: srv.URL}
	require.NoError(t, ch.Send(context.Background(), testAlert()))
	payload := <-received
	require.Contains(t, payload["text"], "rule one")
	require.Contains(t, payload["text"], "6.6.6.6")
}

// smtpScript answers a minimal SMTP session and captures the DATA body.
func smtpScript(t *testing.T, ln net.Listener, body chan<- string) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	reply := func(line string) { fmt.Fprintf(conn, "%s\r\n", line) }

	reply("220 mail.test ESMTP")
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 mail.test")
		case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
			reply("250 OK")
		case cmd == "DATA":
			reply("354 go ahead")
			var lines []string
			for {
				dl, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(dl, "\r\n") == "." {
					break
				}
				lines = append(lines, strings.TrimRight(dl, "\r\n"))
			}
			body <- strings.Join(lines, "\n")
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func TestEmailChannelDeliversMail(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	body := make(chan string, 1)
	go smtpScript(t, ln, body)

	ch := &EmailChannel{Addr: ln.Addr().String(), From: "agent@test", To: "admin@test"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Send(ctx, testAlert()))

	select {
	case msg := <-body:
		require.Contains(t, msg, "Subject: Security alert: rule one [high]")
		require.Contains(t, msg, "6.6.6.6")
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message body")
	}
}

func TestEmailChannelHonorsContextDeadline(t *testing.T) {
	// The server accepts the connection and then says nothing.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	ch := &EmailChannel{Addr: ln.Addr().String(), From: "agent@test", To: "admin@test"}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ch.Send(ctx, testAlert()) }()
	select {
	case err := <-done:
		require.Error(t, err, "a silent server must not look like success")
	case <-time.After(2 * time.Second):
		t.Fatal("send outlived the context deadline")
	}
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []*sarama.ProducerMessage
	err  error
}

func (f *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	f.msgs = append(f.msgs, msg)
	return 0, int64(len(f.msgs)), nil
}

func (f *fakeProducer) Close() error { return nil }

func TestKafkaChannelSend(t *testing.T) {
	producer := &fakeProducer{}
	ch := &KafkaChannel{Producer: producer, Topic: "security.alerts.v1"}

	require.NoError(t, ch.Send(context.Background(), testAlert()))
	require.Len(t, producer.msgs, 1)
	require.Equal(t, "security.alerts.v1", producer.msgs[0].Topic)

	key, err := producer.msgs[0].Key.Encode()
	require.NoError(t, err)
	require.Equal(t, "6.6.6.6", string(key))

	producer.err = errors.New("broker down")
	require.Error(t, ch.Send(context.Background(), testAlert()))
}
