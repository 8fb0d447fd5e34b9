package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/CyberMesh/defense-agent/internal/metrics"
)

type syncProducer interface {
	SendMessage(*sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// Publisher defines the alert emission contract.
type Publisher interface {
	Publish(ctx context.Context, payload Payload) error
	PublishBatch(ctx context.Context, payloads []Payload) error
	Close(ctx context.Context) error
}

// SignOutput carries signature material for published alerts.
type SignOutput struct {
	Signature []byte
	Algorithm string
}

// Signer decorates alert records with signatures before publish, so
// downstream consumers can authenticate the agent that raised them.
type Signer interface {
	Sign(ctx context.Context, payload Payload, encoded []byte) (SignOutput, error)
}

// KafkaPublisher implements Publisher backed by Kafka.
type KafkaPublisher struct {
	producer     syncProducer
	logger       *zap.Logger
	metrics      *metrics.Recorder
	retryMax     int
	retryBackoff time.Duration
	topic        string
	signer       Signer
}

// Options capture publisher configuration.
type Options struct {
	Producer     syncProducer
	Topic        string
	RetryMax     int
	RetryBackoff time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Recorder
	Signer       Signer
}

// NewKafkaPublisher builds a publisher.
func NewKafkaPublisher(opts Options) (*KafkaPublisher, error) {
	if opts.Producer == nil {
		return nil, fmt.Errorf("outbox publisher: producer required")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("outbox publisher: topic required")
	}
	retryMax := opts.RetryMax
	if retryMax <= 0 {
		retryMax = 5
	}
	retryBackoff := opts.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 500 * time.Millisecond
	}
	return &KafkaPublisher{
		producer:     opts.Producer,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		retryMax:     retryMax,
		retryBackoff: retryBackoff,
		topic:        opts.Topic,
		signer:       opts.Signer,
	}, nil
}

// Publish sends one alert. Messages are keyed by rule id so all alerts
// from the same rule land in one partition, in order.
func (p *KafkaPublisher) Publish(ctx context.Context, payload Payload) error {
	msgBytes, err := json.Marshal(payload.Alert)
	if err != nil {
		p.logError("marshal alert", payload.Alert.ID, err)
		return fmt.Errorf("outbox publish: marshal alert: %w", err)
	}
	kmsg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(payload.Alert.RuleID),
		Value: sarama.ByteEncoder(msgBytes),
	}
	if p.signer != nil {
		out, serr := p.signer.Sign(ctx, payload, msgBytes)
		if serr != nil {
			p.logError("sign alert", payload.Alert.ID, serr)
			return fmt.Errorf("outbox publish: sign alert: %w", serr)
		}
		if len(out.Signature) > 0 {
			kmsg.Headers = append(kmsg.Headers, sarama.RecordHeader{Key: []byte("alert-signature"), Value: out.Signature})
			if out.Algorithm != "" {
				kmsg.Headers = append(kmsg.Headers, sarama.RecordHeader{Key: []byte("alert-signature-alg"), Value: []byte(out.Algorithm)})
			}
		}
	}
	var lastErr error
	backoff := p.retryBackoff
	for attempt := 0; attempt < p.retryMax; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, _, err = p.producer.SendMessage(kmsg)
		if err == nil {
			if p.metrics != nil {
				p.metrics.ObserveOutboxPublish("ok", 1)
			}
			return nil
		}
		lastErr = err
		if p.metrics != nil {
			p.metrics.ObserveOutboxRetry()
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	p.logError("publish alert", payload.Alert.ID, lastErr)
	if p.metrics != nil {
		p.metrics.ObserveOutboxPublish("failure", 0)
	}
	return fmt.Errorf("outbox publish: %w", lastErr)
}

// PublishBatch emits multiple payloads sequentially.
func (p *KafkaPublisher) PublishBatch(ctx context.Context, payloads []Payload) error {
	var firstErr error
	for _, payload := range payloads {
		if err := p.Publish(ctx, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes the producer.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	return p.producer.Close()
}

func (p *KafkaPublisher) logError(msg, alertID string, err error) {
	if p.logger != nil {
		p.logger.Error(msg, zap.String("alert_id", alertID), zap.Error(err))
	}
}
