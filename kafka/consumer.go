package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/Daniel865692/energy-management-platform/config"
	"github.com/Daniel865692/energy-management-platform/models"
	"github.com/Daniel865692/energy-management-platform/services"
)

// Ingester runs a reading through the ingestion pipeline
type Ingester interface {
	Ingest(ctx context.Context, raw *models.RawReading, source models.ReadingSource) (*services.IngestResult, error)
}

// Stats counts what the consumer did with the messages it received. Failed
// counts ingest attempts that hit a storage failure.
type Stats struct {
	Received  int64 `json:"received"`
	Ingested  int64 `json:"ingested"`
	Malformed int64 `json:"malformed"`
	Rejected  int64 `json:"rejected"`
	Failed    int64 `json:"failed"`
}

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// Consumer feeds readings from Kafka topics into the ingestion pipeline.
// Malformed and rejected messages are committed so they never block their
// partition. A reading that failed to store is retried with backoff and its
// offset stays uncommitted until it is stored or the session ends.
type Consumer struct {
	group    sarama.ConsumerGroup
	topics   []string
	ingester Ingester

	received  atomic.Int64
	ingested  atomic.Int64
	malformed atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64

	retryBase time.Duration
	retryMax  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConfig translates the service configuration into a sarama consumer config
func NewConfig(cfg config.KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.GroupID
	sc.Consumer.Return.Errors = true
	sc.Consumer.Group.Session.Timeout = 30 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = time.Second
	sc.Consumer.Fetch.Min = 1
	sc.Consumer.MaxWaitTime = 500 * time.Millisecond

	if strings.EqualFold(cfg.AutoOffset, "earliest") {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc
}

// NewConsumer joins the consumer group described by cfg
func NewConsumer(cfg config.KafkaConfig, ingester Ingester) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("no kafka topics configured")
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, NewConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return newConsumer(group, cfg.Topics, ingester), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, ingester Ingester) *Consumer {
	return &Consumer{
		group:     group,
		topics:    topics,
		ingester:  ingester,
		retryBase: retryBaseDelay,
		retryMax:  retryMaxDelay,
	}
}

// Start begins consuming in the background until Stop is called or ctx ends
func (c *Consumer) Start(ctx context.Context) {
	log.Printf("Starting Kafka consumer, topics: %v", c.topics)

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			// Consume returns on every rebalance and must be called again
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				log.Printf("Kafka consumer error: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-c.group.Errors():
				if !ok {
					return
				}
				log.Printf("Kafka consumer error: %v", err)
			}
		}
	}()
}

// Stop leaves the consumer group and waits for in-flight messages
func (c *Consumer) Stop() error {
	log.Println("Stopping Kafka consumer...")

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.group.Close()
}

// Stats returns message counters since start
func (c *Consumer) Stats() Stats {
	return Stats{
		Received:  c.received.Load(),
		Ingested:  c.ingested.Load(),
		Malformed: c.malformed.Load(),
		Rejected:  c.rejected.Load(),
		Failed:    c.failed.Load(),
	}
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	log.Printf("Kafka consumer joined generation %d as %s", session.GenerationID(), session.MemberID())
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim handles the messages of one partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			c.received.Add(1)
			if !c.handleMessage(session.Context(), msg) {
				// session ended while storage was down, the message replays
				return nil
			}
			session.MarkMessage(msg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage processes msg until it is ingested, malformed or rejected.
// It returns false when ctx ended before the reading could be stored.
func (c *Consumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	delay := c.retryBase
	for {
		if c.processMessage(ctx, msg) {
			return true
		}

		log.Printf("Retrying offset %d of %s [%d] in %v", msg.Offset, msg.Topic, msg.Partition, delay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.retryMax {
			delay = c.retryMax
		}
	}
}

// processMessage decodes one message and ingests it as a device reading. It
// returns false only when the reading was valid but could not be stored.
func (c *Consumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	var raw models.RawReading
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		c.malformed.Add(1)
		log.Printf("Failed to unmarshal message from %s [%d] at offset %d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		return true
	}

	// the message key carries the device id when the payload does not
	if raw.DeviceID == nil && len(msg.Key) > 0 {
		raw.DeviceID = string(msg.Key)
	}

	result, err := c.ingester.Ingest(ctx, &raw, models.SourceDevice)
	if err != nil {
		if result != nil && result.Stage == services.StageRejected {
			c.rejected.Add(1)
			log.Printf("Reading from %s [%d] at offset %d rejected: %v", msg.Topic, msg.Partition, msg.Offset, err)
			return true
		}
		c.failed.Add(1)
		log.Printf("Reading from %s [%d] at offset %d not stored: %v", msg.Topic, msg.Partition, msg.Offset, err)
		return false
	}

	c.ingested.Add(1)
	if len(result.Alerts) > 0 {
		log.Printf("Reading %s from %s raised %d alert(s)", result.ID, result.Reading.DeviceID, len(result.Alerts))
	}
	return true
}
