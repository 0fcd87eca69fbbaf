package queue

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"tronraffle/internal/app/dto"
)

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	BatchSize     int
	BatchTimeout  int
}

// TransferProducer defines interface for producing transfer events
type TransferProducer interface {
	PublishTransfer(ctx context.Context, transfer *dto.TransferDTO) error
	Close() error
}

// TransferConsumer defines interface for consuming transfer events
type TransferConsumer interface {
	Subscribe(ctx context.Context) (<-chan *dto.TransferDTO, error)
	Commit(ctx context.Context, transfer *dto.TransferDTO) error
	Close() error
}

// KafkaProducer implements TransferProducer using Kafka. The chain poller
// publishes here when Kafka transport is configured.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(config KafkaConfig) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:  kafka.TCP(config.Brokers...),
		Topic: config.Topic,
		// Hash on sender address so one sender's transfers stay ordered.
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaProducer{writer: writer}
}

// PublishTransfer sends one observed transfer to Kafka, keyed by sender.
func (p *KafkaProducer) PublishTransfer(ctx context.Context, transfer *dto.TransferDTO) error {
	data, err := json.Marshal(transfer)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(transfer.From),
		Value: data,
		Time:  time.Now(),
	})
}

// PublishTransferBatch sends one poll window's transfers as a batch.
func (p *KafkaProducer) PublishTransferBatch(ctx context.Context, transfers []*dto.TransferDTO) error {
	msgSlice := make([]kafka.Message, len(transfers))
	for i, transfer := range transfers {
		data, err := json.Marshal(transfer)
		if err != nil {
			return err
		}
		msgSlice[i] = kafka.Message{
			Key:   []byte(transfer.From),
			Value: data,
			Time:  time.Now(),
		}
	}
	return p.writer.WriteMessages(ctx, msgSlice...)
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer implements TransferConsumer. Commits are explicit and happen
// only after the matcher has fully processed a transfer, so an unhandled
// transfer is redelivered after a restart. Delivered-but-unprocessed messages
// sit in pendingMsgs and are never committed; Commit moves them to the
// processed batch, which is what the timer flushes.
type KafkaConsumer struct {
	reader        *kafka.Reader
	topic         string
	pendingMsgs   map[string]kafka.Message // transfer ID -> delivered, awaiting processing
	processed     []kafka.Message          // processed, awaiting batch commit
	pendingMsgsMu sync.RWMutex
	batchSize     int
	batchTimeout  time.Duration

	// commitFn wraps reader.CommitMessages so commit bookkeeping is testable
	// without a live broker.
	commitFn func(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafkaConsumer(config KafkaConfig) *KafkaConsumer {
	// Auto-commit disabled: commits follow processing.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})

	return &KafkaConsumer{
		reader:       reader,
		topic:        config.Topic,
		pendingMsgs:  make(map[string]kafka.Message),
		batchSize:    config.BatchSize,
		batchTimeout: time.Duration(config.BatchTimeout) * time.Millisecond,
		commitFn:     reader.CommitMessages,
	}
}

// Subscribe returns a channel of transfer events from Kafka.
func (c *KafkaConsumer) Subscribe(ctx context.Context) (<-chan *dto.TransferDTO, error) {
	transferCh := make(chan *dto.TransferDTO, 1000)

	go c.startBatchCommitter(ctx)

	go func() {
		defer close(transferCh)

		for {
			select {
			case <-ctx.Done():
				return
			default:
				msg, err := c.reader.FetchMessage(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Printf("Error fetching message: %v", err)
					}
					return
				}

				var transfer dto.TransferDTO
				if err := json.Unmarshal(msg.Value, &transfer); err != nil {
					log.Printf("Error unmarshalling transfer: %v", err)
					// Commit bad messages to avoid getting stuck
					_ = c.commitFn(ctx, msg)
					continue
				}
				if transfer.TxID == "" {
					// Without a transaction ID there is nothing to dedup
					// against; drop it rather than credit blindly.
					log.Printf("Dropping transfer without tx id (partition %d offset %d)", msg.Partition, msg.Offset)
					_ = c.commitFn(ctx, msg)
					continue
				}

				c.pendingMsgsMu.Lock()
				c.pendingMsgs[transfer.TxID] = msg
				pendingCount := len(c.pendingMsgs)
				c.pendingMsgsMu.Unlock()

				if pendingCount > c.batchSize*10 {
					log.Printf("Warning: Large number of uncommitted messages: %d, batchSize is %d", pendingCount, c.batchSize)
				}

				select {
				case <-ctx.Done():
					return
				case transferCh <- &transfer:
					// Committed later, after the matcher is done with it.
				}
			}
		}
	}()

	return transferCh, nil
}

// startBatchCommitter periodically flushes the processed batch. Unprocessed
// messages stay uncommitted until the matcher acknowledges them.
func (c *KafkaConsumer) startBatchCommitter(ctx context.Context) {
	ticker := time.NewTicker(c.batchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush with a fresh context; the original is cancelled.
			c.commitProcessed(context.Background())
			return
		case <-ticker.C:
			c.commitProcessed(ctx)
		}
	}
}

func (c *KafkaConsumer) commitProcessed(ctx context.Context) {
	c.pendingMsgsMu.Lock()
	defer c.pendingMsgsMu.Unlock()

	if len(c.processed) == 0 {
		return
	}

	if err := c.commitFn(ctx, c.processed...); err != nil {
		log.Printf("Error committing batch of %d messages: %v", len(c.processed), err)
		return
	}
	c.processed = nil
}

// Commit acknowledges that a transfer has been fully processed. The message
// moves into the processed batch; the batch is flushed once it reaches the
// configured size, otherwise on the next committer tick.
func (c *KafkaConsumer) Commit(ctx context.Context, transfer *dto.TransferDTO) error {
	if transfer == nil || transfer.TxID == "" {
		return nil
	}

	c.pendingMsgsMu.Lock()
	msg, exists := c.pendingMsgs[transfer.TxID]
	if !exists {
		c.pendingMsgsMu.Unlock()
		return nil
	}
	delete(c.pendingMsgs, transfer.TxID)
	c.processed = append(c.processed, msg)
	flush := len(c.processed) >= c.batchSize
	c.pendingMsgsMu.Unlock()

	if flush {
		c.commitProcessed(ctx)
	}
	return nil
}

func (c *KafkaConsumer) Close() error {
	// Only processed messages are committed; anything still pending is
	// redelivered after restart and absorbed by the dedup set.
	c.commitProcessed(context.Background())
	return c.reader.Close()
}
