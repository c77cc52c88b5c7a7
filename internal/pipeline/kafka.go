package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/mmeshcher/flashsale-system/internal/pipeline"

// KafkaPublisher публикует сообщения в топик с ключом по заказу, чтобы сообщения
// одного заказа попадали в одну партицию.
type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher создаёт синхронного продюсера: Publish возвращается после подтверждения брокеров.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish записывает сообщение вместе с заголовками трассировки.
func (p *KafkaPublisher) Publish(ctx context.Context, m Message) error {
	value, err := Encode(m)
	if err != nil {
		return err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range m.Headers {
		carrier[k] = v
	}

	headers := make([]kafka.Header, 0, len(carrier)+1)
	headers = append(headers, kafka.Header{Key: "purpose", Value: []byte(m.Purpose)})
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(m.OrderID.String()),
		Value:   value,
		Time:    m.OccurredAt,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close сбрасывает буферы продюсера и закрывает соединения.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// KafkaConsumer читает топик в группе потребителей. Сообщения одной партиции
// обрабатывает один воркер, поэтому порядок в пределах заказа сохраняется.
type KafkaConsumer struct {
	r       *kafka.Reader
	workers int
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewKafkaConsumer создаёт потребителя группы group с ручной фиксацией смещений.
func NewKafkaConsumer(brokers []string, group, topic string, workers int, logger *zap.Logger) *KafkaConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	if workers <= 0 {
		workers = 1
	}
	return &KafkaConsumer{
		r:       r,
		workers: workers,
		logger:  logger.Named("kafka-consumer"),
		tracer:  otel.Tracer(tracerName),
	}
}

// Run читает сообщения до отмены контекста. Смещение фиксируется после обработки,
// в том числе после исчерпания попыток: такое сообщение логируется и пропускается.
func (c *KafkaConsumer) Run(ctx context.Context, h Handler) error {
	defer c.r.Close()

	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for km := range in {
				c.handle(ctx, h, km)
			}
		}(lanes[i])
	}

	stop := func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}

	for {
		km, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch kafka message: %w", err)
		}

		select {
		case lanes[km.Partition%c.workers] <- km:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, h Handler, km kafka.Message) {
	carrier := propagation.MapCarrier{}
	for _, hdr := range km.Headers {
		carrier[hdr.Key] = string(hdr.Value)
	}
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)

	msgCtx, span := c.tracer.Start(msgCtx, "pipeline.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", km.Topic),
			attribute.Int("messaging.kafka.partition", km.Partition),
			attribute.Int64("messaging.kafka.offset", km.Offset),
		))
	defer span.End()

	m, err := Decode(km.Value)
	if err != nil {
		// неразборчивое сообщение повторять бессмысленно
		c.logger.Error("skip malformed message",
			zap.Int("partition", km.Partition), zap.Int64("offset", km.Offset), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		c.commit(ctx, km)
		return
	}
	m.Headers = carrier
	span.SetAttributes(
		attribute.String("order.id", m.OrderID.String()),
		attribute.String("pipeline.purpose", string(m.Purpose)),
	)

	if err := handleWithRetry(msgCtx, h, m); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Error("message handling failed, skipping",
			zap.String("message_id", m.ID.String()),
			zap.String("order_id", m.OrderID.String()),
			zap.String("purpose", string(m.Purpose)),
			zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.commit(ctx, km)
}

func (c *KafkaConsumer) commit(ctx context.Context, km kafka.Message) {
	if err := c.r.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
		c.logger.Warn("commit offset", zap.Int64("offset", km.Offset), zap.Error(err))
	}
}
