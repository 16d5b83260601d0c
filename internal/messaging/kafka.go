package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/temcen/knnrec/internal/config"
	"github.com/temcen/knnrec/internal/ratings"
	"github.com/temcen/knnrec/internal/validation"
	"github.com/temcen/knnrec/pkg/models"
)

// ErrInvalidEvent marks payloads that will never succeed; they skip retries.
var ErrInvalidEvent = errors.New("invalid rating event")

// RatingSink persists consumed events.
type RatingSink interface {
	StoreRatings(ctx context.Context, events []ratings.Event) error
}

// StaleMarker is told when stored ratings are newer than the served matrix.
type StaleMarker interface {
	MarkStale()
}

// EventObserver counts consumed events by outcome and tracks reader lag.
type EventObserver interface {
	ObserveEvents(outcome string, n int)
	ObserveConsumerLag(lag int64)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RatingConsumer moves rating events from the stream into the rating store.
// Each message is validated, stored with retries, and committed; messages that
// still fail go to the dead letter topic so one bad event cannot stall the
// partition.
type RatingConsumer struct {
	reader    messageReader
	dlqWriter messageWriter
	dlqTopic  string
	validator *validation.SchemaValidator
	sink      RatingSink
	stale     StaleMarker
	observer  EventObserver
	logger    *logrus.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewRatingConsumer(cfg *config.KafkaConfig, validator *validation.SchemaValidator, sink RatingSink, stale StaleMarker, observer EventObserver, logger *logrus.Logger) *RatingConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topics.RatingEvents,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // commits are synchronous, after the sink succeeded
		StartOffset:    kafka.FirstOffset,
	})
	dlqWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topics.DeadLetter,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newRatingConsumer(reader, dlqWriter, cfg.Topics.RatingEvents, validator, sink, stale, observer, logger)
}

func newRatingConsumer(reader messageReader, dlqWriter messageWriter, topic string, validator *validation.SchemaValidator, sink RatingSink, stale StaleMarker, observer EventObserver, logger *logrus.Logger) *RatingConsumer {
	return &RatingConsumer{
		reader:     reader,
		dlqWriter:  dlqWriter,
		dlqTopic:   topic,
		validator:  validator,
		sink:       sink,
		stale:      stale,
		observer:   observer,
		logger:     logger,
		maxRetries: 3,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
}

// Run consumes until ctx is done.
func (c *RatingConsumer) Run(ctx context.Context) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WithError(err).Error("Failed to read message from Kafka")
			continue
		}

		if err := c.Handle(ctx, message); err != nil {
			if ctx.Err() != nil {
				// Uncommitted, so the message is redelivered after restart.
				return ctx.Err()
			}
			c.logger.WithError(err).WithFields(logrus.Fields{
				"partition": message.Partition,
				"offset":    message.Offset,
			}).Error("Failed to process rating event")
			// Commits are cumulative, so nothing after this message may be
			// committed before it reaches the dead letter topic.
			if dlqErr := c.deadLetter(ctx, message, err); dlqErr != nil {
				return dlqErr
			}
			c.observe("dead_lettered")
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			c.logger.WithError(err).Warn("Failed to commit Kafka offset")
		}
		c.reportLag()
	}
}

// Handle validates, decodes and stores a single message.
func (c *RatingConsumer) Handle(ctx context.Context, message kafka.Message) error {
	if result := c.validator.ValidateRatingEvent(message.Value); !result.Valid {
		c.observe("invalid")
		return fmt.Errorf("%w: %v", ErrInvalidEvent, result.Err())
	}

	var event models.RatingEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		c.observe("invalid")
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	batch := []ratings.Event{{UserID: event.UserID, ItemID: event.ItemID, Rating: event.Rating}}

	if err := c.processWithRetry(ctx, func() error { return c.sink.StoreRatings(ctx, batch) }); err != nil {
		c.observe("failed")
		return err
	}

	c.stale.MarkStale()
	c.observe("stored")
	return nil
}

func (c *RatingConsumer) processWithRetry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			delay := c.baseDelay * time.Duration(1<<uint(attempt-1))
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Info("Retrying rating event")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		c.logger.WithError(err).WithField("attempt", attempt).Warn("Storing rating event failed")
		if attempt == c.maxRetries {
			return fmt.Errorf("max retries exceeded: %w", err)
		}
	}
}

// deadLetter writes message to the dead letter topic, backing off up to
// maxDelay between attempts until it succeeds or ctx is done.
func (c *RatingConsumer) deadLetter(ctx context.Context, message kafka.Message, cause error) error {
	delay := c.baseDelay
	for attempt := 1; ; attempt++ {
		err := c.sendToDLQ(ctx, message, cause)
		if err == nil {
			return nil
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"offset":  message.Offset,
			"attempt": attempt,
			"delay":   delay,
		}).Error("Failed to send message to DLQ")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

func (c *RatingConsumer) sendToDLQ(ctx context.Context, message kafka.Message, cause error) error {
	dlqMessage := kafka.Message{
		Key:   message.Key,
		Value: message.Value,
		Headers: append(message.Headers,
			kafka.Header{Key: "original_topic", Value: []byte(c.dlqTopic)},
			kafka.Header{Key: "original_offset", Value: []byte(strconv.FormatInt(message.Offset, 10))},
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
			kafka.Header{Key: "dlq_timestamp", Value: []byte(time.Now().Format(time.RFC3339))},
		),
	}
	if err := c.dlqWriter.WriteMessages(ctx, dlqMessage); err != nil {
		return fmt.Errorf("failed to write message to DLQ: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"offset": message.Offset,
		"error":  cause.Error(),
	}).Warn("Message sent to DLQ")
	return nil
}

func (c *RatingConsumer) observe(outcome string) {
	if c.observer != nil {
		c.observer.ObserveEvents(outcome, 1)
	}
}

func (c *RatingConsumer) Close() error {
	var errs []error
	if err := c.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
	}
	if err := c.dlqWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close DLQ writer: %w", err))
	}
	return errors.Join(errs...)
}

func (c *RatingConsumer) reportLag() {
	if c.observer != nil {
		c.observer.ObserveConsumerLag(c.reader.Stats().Lag)
	}
}

// RatingProducer publishes rating events, keyed by user so one user's events
// stay ordered on a partition.
type RatingProducer struct {
	writer messageWriter
	logger *logrus.Logger
}

func NewRatingProducer(cfg *config.KafkaConfig, logger *logrus.Logger) *RatingProducer {
	return &RatingProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topics.RatingEvents,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
			BatchSize:    100,
		},
		logger: logger,
	}
}

func (p *RatingProducer) Publish(ctx context.Context, events ...models.RatingEvent) error {
	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal rating event: %w", err)
		}
		messages[i] = kafka.Message{
			Key:   []byte(strconv.Itoa(event.UserID)),
			Value: value,
		}
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("failed to write rating events to Kafka: %w", err)
	}
	p.logger.WithField("events", len(events)).Debug("Rating events published")
	return nil
}

func (p *RatingProducer) Close() error {
	return p.writer.Close()
}
