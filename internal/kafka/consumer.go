// Package kafka consumes the control topic carrying signed operator
// commands.
package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/CyberMesh/defense-agent/internal/metrics"
)

// MessageHandler processes one consumed message. A returned error aborts
// the claim without committing the offset, so the broker redelivers.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// TLSOptions carry the mutual-TLS material for the control brokers.
type TLSOptions struct {
	Enabled  bool
	CAPath   string
	CertPath string
	KeyPath  string
}

// Options configure a Consumer.
type Options struct {
	Brokers []string
	Topic   string
	GroupID string
	TLS     TLSOptions
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Consumer reads the control topic through a consumer group, handing
// each message to the handler and committing only what it accepts.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler MessageHandler
	logger  *zap.Logger
	metrics *metrics.Recorder

	watchOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewConsumer connects the consumer group.
func NewConsumer(opts Options, handler MessageHandler) (*Consumer, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: brokers required")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if opts.GroupID == "" {
		return nil, fmt.Errorf("kafka: group id required")
	}
	if handler == nil {
		return nil, fmt.Errorf("kafka: handler required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	// Commands are deltas on top of reconciled state; a fresh group
	// starts at the head instead of replaying history.
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	if opts.TLS.Enabled {
		tlsCfg, err := loadTLS(opts.TLS)
		if err != nil {
			return nil, err
		}
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = tlsCfg
	}

	group, err := sarama.NewConsumerGroup(opts.Brokers, opts.GroupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: create consumer group: %w", err)
	}
	return &Consumer{
		group:   group,
		topic:   opts.Topic,
		handler: handler,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Run consumes until ctx is cancelled; rebalances re-enter the claim.
func (c *Consumer) Run(ctx context.Context) error {
	c.watchOnce.Do(func() {
		go c.watchErrors(ctx)
	})
	runner := &claimRunner{consumer: c}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, runner); err != nil {
			return fmt.Errorf("kafka: consume: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close shuts the consumer group down. Safe to call more than once.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.group.Close()
	})
	return c.closeErr
}

func (c *Consumer) watchErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-c.group.Errors():
			if !ok {
				return
			}
			if c.logger != nil {
				c.logger.Warn("control consumer error", zap.Error(err))
			}
			if c.metrics != nil {
				c.metrics.ObserveKafkaError("consumer")
			}
		}
	}
}

type claimRunner struct {
	consumer *Consumer
}

func (r *claimRunner) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (r *claimRunner) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (r *claimRunner) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := r.consumer
	for msg := range claim.Messages() {
		if c.metrics != nil {
			lag := claim.HighWaterMarkOffset() - msg.Offset - 1
			if lag < 0 {
				lag = 0
			}
			c.metrics.ObserveKafkaLag(msg.Partition, lag)
		}
		if err := c.handler.HandleMessage(session.Context(), msg); err != nil {
			if c.metrics != nil {
				c.metrics.ObserveKafkaError("handler")
			}
			return err
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func loadTLS(opts TLSOptions) (*tls.Config, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("kafka: load system ca pool: %w", err)
	}
	if opts.CAPath != "" {
		pem, err := os.ReadFile(opts.CAPath)
		if err != nil {
			return nil, fmt.Errorf("kafka: read ca: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("kafka: invalid ca cert %s", opts.CAPath)
		}
	}

	cfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if opts.CertPath != "" && opts.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("kafka: load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
