// Package kafka consumes events from a Kafka topic through a consumer group.
package kafka

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/config"
	"github.com/ajitpratap0/streamcore/pkg/connector/core"
	"github.com/ajitpratap0/streamcore/pkg/errors"
)

// KafkaSource emits one event per Kafka message. Offsets are marked only
// after the engine has taken the event, so a restart redelivers at most the
// unmarked tail. Messages without an id get one derived from their
// topic, partition and offset, which lets the dedup store drop redeliveries.
type KafkaSource struct {
	name    string
	brokers []string
	topic   string
	groupID string
	config  *sarama.Config
	logger  *zap.Logger

	newGroup func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error)
	group    sarama.ConsumerGroup

	consumed  int64
	emitted   int64
	malformed int64
	rejected  int64
}

// NewKafkaSource creates a source reading cfg.Topic as consumer group cfg.GroupID
func NewKafkaSource(cfg *config.ConnectorConfig, logger *zap.Logger) (core.Source, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka source needs brokers and a topic")
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "streamcore"
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Topic
	}
	return &KafkaSource{
		name:     name,
		brokers:  cfg.Brokers,
		topic:    cfg.Topic,
		groupID:  groupID,
		config:   buildConsumerConfig(),
		logger:   logger.With(zap.String("component", "kafka_source"), zap.String("topic", cfg.Topic)),
		newGroup: sarama.NewConsumerGroup,
	}, nil
}

func buildConsumerConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = "streamcore"
	c.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	c.Consumer.Offsets.AutoCommit.Enable = true
	c.Consumer.Offsets.AutoCommit.Interval = time.Second
	c.Consumer.Return.Errors = true
	return c
}

// Name returns the source name events are submitted under
func (s *KafkaSource) Name() string { return s.name }

// Run consumes until ctx is done or the engine stops admitting
func (s *KafkaSource) Run(ctx context.Context, emit core.Emitter) error {
	group, err := s.newGroup(s.brokers, s.groupID, s.config)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create consumer group")
	}
	s.group = group

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for err := range group.Errors() {
			s.logger.Error("consumer group error", zap.Error(err))
		}
	}()

	h := &handler{source: s, emit: emit, stop: cancel}
	s.logger.Info("consuming", zap.Strings("brokers", s.brokers), zap.String("group", s.groupID))
	for {
		if err := group.Consume(runCtx, []string{s.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			s.logger.Error("consume failed, retrying", zap.Error(err))
			select {
			case <-runCtx.Done():
			case <-time.After(time.Second):
			}
		}
		if runCtx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group
func (s *KafkaSource) Close() error {
	if s.group == nil {
		return nil
	}
	return s.group.Close()
}

// Metrics returns consume counters
func (s *KafkaSource) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"consumed":  atomic.LoadInt64(&s.consumed),
		"emitted":   atomic.LoadInt64(&s.emitted),
		"malformed": atomic.LoadInt64(&s.malformed),
		"rejected":  atomic.LoadInt64(&s.rejected),
	}
}

// handler implements sarama.ConsumerGroupHandler
type handler struct {
	source *KafkaSource
	emit   core.Emitter
	stop   context.CancelFunc
}

func (h *handler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	s := h.source
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			atomic.AddInt64(&s.consumed, 1)

			ev, err := core.DecodeEvent(msg.Value)
			if err != nil {
				atomic.AddInt64(&s.malformed, 1)
				s.logger.Warn("skipping malformed message",
					zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
				session.MarkMessage(msg, "")
				continue
			}
			if ev.ID == "" {
				ev.ID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
			}
			if len(msg.Key) > 0 {
				ev.Metadata.PartitionKey = string(msg.Key)
			}

			if err := h.emit(session.Context(), ev); err != nil {
				if errors.IsType(err, errors.ErrorTypeClosed) || session.Context().Err() != nil {
					// leave the offset unmarked so the message is redelivered
					h.stop()
					return nil
				}
				atomic.AddInt64(&s.rejected, 1)
				s.logger.Warn("event rejected", zap.String("event_id", ev.ID), zap.Error(err))
			} else {
				atomic.AddInt64(&s.emitted, 1)
			}
			session.MarkMessage(msg, "")
		}
	}
}
