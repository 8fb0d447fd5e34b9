package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	payloads []string
	failOn   string
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	if h.failOn != "" && string(msg.Value) == h.failOn {
		return errors.New("rejected")
	}
	h.payloads = append(h.payloads, string(msg.Value))
	return nil
}

type fakeSession struct {
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "agent-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return context.Background() }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
	hwm      int64
}

func (c *fakeClaim) Topic() string                            { return "defense.control.v1" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return c.hwm }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func controlMessage(offset int64, value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:  "defense.control.v1",
		Offset: offset,
		Value:  []byte(value),
	}
}

func TestConsumeClaimCommitsHandledMessages(t *testing.T) {
	handler := &recordingHandler{}
	runner := &claimRunner{consumer: &Consumer{handler: handler}}

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2), hwm: 2}
	claim.messages <- controlMessage(0, "disable-rule")
	claim.messages <- controlMessage(1, "enable-rule")
	close(claim.messages)

	session := &fakeSession{}
	require.NoError(t, runner.ConsumeClaim(session, claim))
	require.Equal(t, []string{"disable-rule", "enable-rule"}, handler.payloads)
	require.Equal(t, []int64{0, 1}, session.marked)
}

func TestConsumeClaimStopsWithoutCommitOnHandlerError(t *testing.T) {
	handler := &recordingHandler{failOn: "bad-command"}
	runner := &claimRunner{consumer: &Consumer{handler: handler}}

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2), hwm: 2}
	claim.messages <- controlMessage(0, "bad-command")
	claim.messages <- controlMessage(1, "enable-rule")
	close(claim.messages)

	session := &fakeSession{}
	require.Error(t, runner.ConsumeClaim(session, claim))
	require.Empty(t, session.marked, "a rejected message must stay uncommitted for redelivery")
	require.Empty(t, handler.payloads)
}

func TestNewConsumerValidatesOptions(t *testing.T) {
	handler := &recordingHandler{}

	_, err := NewConsumer(Options{Topic: "t", GroupID: "g"}, handler)
	require.Error(t, err)

	_, err = NewConsumer(Options{Brokers: []string{"b:9092"}, GroupID: "g"}, handler)
	require.Error(t, err)

	_, err = NewConsumer(Options{Brokers: []string{"b:9092"}, Topic: "t"}, handler)
	require.Error(t, err)

	_, err = NewConsumer(Options{Brokers: []string{"b:9092"}, Topic: "t", GroupID: "g"}, nil)
	require.Error(t, err)
}
