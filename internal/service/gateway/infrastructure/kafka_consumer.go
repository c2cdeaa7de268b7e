package infrastructure

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/pkg/mq"
)

// MessageHandler 处理一条消息的内容。返回错误时消息仍会被提交，不做重试。
type MessageHandler func(ctx context.Context, value []byte) error

// ConsumerAdapter 是一个驱动适配器，它监听Kafka消息并交给 handler 处理。
type ConsumerAdapter struct {
	reader     mq.MessageReader
	topic      string
	handler    MessageHandler
	tracer     trace.Tracer
	retryDelay time.Duration
}

func NewConsumerAdapter(reader mq.MessageReader, topic string, handler MessageHandler) *ConsumerAdapter {
	return &ConsumerAdapter{
		reader:     reader,
		topic:      topic,
		handler:    handler,
		tracer:     otel.Tracer("nexus-pos/push-gateway"),
		retryDelay: time.Second,
	}
}

// Run 持续消费直到 ctx 结束，然后关闭 reader。ctx 结束时返回 nil。
func (a *ConsumerAdapter) Run(ctx context.Context) error {
	defer a.reader.Close()
	log := logger.Ctx(ctx).With().Str("topic", a.topic).Logger()
	log.Info().Msg("✅ Kafka consumer started")

	for {
		// 使用FetchMessage而不是ReadMessage，处理完成后再提交
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("🛑 Kafka consumer shutting down")
				return nil
			}
			log.Error().Err(err).Msg("could not fetch message, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.retryDelay):
			}
			continue
		}

		a.process(ctx, msg)

		if err := a.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit message")
		}
	}
}

func (a *ConsumerAdapter) process(parent context.Context, msg kafka.Message) {
	ctx, span := a.tracer.Start(mq.ExtractContext(parent, msg), "push-gateway.Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", a.topic),
			attribute.String("messaging.kafka.message.key", string(msg.Key)),
		))
	defer span.End()

	if err := a.handler(ctx, msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Ctx(ctx).Error().Err(err).Str("topic", a.topic).Int64("offset", msg.Offset).Msg("failed to handle message, skipping")
	}
}
