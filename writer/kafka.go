package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	kafka "github.com/segmentio/kafka-go"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// kafkaBatchMessages is how many snapshots accumulate before a produce call.
const kafkaBatchMessages = 100

// KafkaWriter publishes snapshots as JSON messages keyed by product id so a
// keyed topic preserves per-product ordering. Messages accumulate and go out
// in batches; Flush and Close drain whatever is pending.
type KafkaWriter struct {
	writer *kafka.Writer
	ctx    context.Context

	mu      sync.Mutex
	pending []kafka.Message

	messagesWritten int64
	writeErrors     int64

	log *logger.Log
}

func NewKafkaWriter(cfg *appconfig.Config) (*KafkaWriter, error) {
	if len(cfg.Writer.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kw := &KafkaWriter{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Writer.Kafka.Brokers...),
			Topic:    cfg.Writer.Kafka.Topic,
			Balancer: &kafka.LeastBytes{},
		},
		ctx: context.Background(),
		log: logger.GetLogger(),
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Writer.Kafka.Brokers,
		"topic":   cfg.Writer.Kafka.Topic,
	}).Debug("kafka writer initialized")
	return kw, nil
}

// Append queues one snapshot, producing the pending batch once it is full.
func (kw *KafkaWriter) Append(snap models.FeatureSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	kw.mu.Lock()
	kw.pending = append(kw.pending, kafka.Message{
		Key:   []byte(snap.ProductID),
		Value: data,
	})
	flushNow := len(kw.pending) >= kafkaBatchMessages
	kw.mu.Unlock()

	if flushNow {
		return kw.Flush()
	}
	return nil
}

// Flush produces all pending messages.
func (kw *KafkaWriter) Flush() error {
	kw.mu.Lock()
	batch := kw.pending
	kw.pending = nil
	kw.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := kw.writer.WriteMessages(kw.ctx, batch...); err != nil {
		atomic.AddInt64(&kw.writeErrors, 1)
		kw.log.WithComponent("kafka_writer").WithError(err).WithFields(logger.Fields{
			"messages": len(batch),
		}).Error("failed to write messages")
		return fmt.Errorf("write kafka messages: %w", err)
	}

	var size int64
	for _, msg := range batch {
		size += int64(len(msg.Value))
	}
	atomic.AddInt64(&kw.messagesWritten, int64(len(batch)))
	logger.IncrementSinkWrite("kafka", size)

	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"messages": len(batch),
		"bytes":    size,
	}).Debug("snapshot batch written to kafka")
	return nil
}

// Close drains pending messages and closes the underlying producer.
func (kw *KafkaWriter) Close() error {
	flushErr := kw.Flush()
	closeErr := kw.writer.Close()

	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"messages_written": atomic.LoadInt64(&kw.messagesWritten),
		"write_errors":     atomic.LoadInt64(&kw.writeErrors),
	}).Info("kafka writer closed")

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
