package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/leaderboard-stats/internal/config"
	"github.com/leaderboard-stats/internal/domain"
)

// ScoreProcessor applies stored plays to player statistics
type ScoreProcessor interface {
	ProcessScore(ctx context.Context, event domain.ScoreEvent) error
}

// Consumer consumes score events from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	processor     ScoreProcessor
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// consumeBackoff spaces out rejoin attempts after a failed consume session
var consumeBackoff = time.Second

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, processor ScoreProcessor, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	c := newConsumer(cfg, processor, logger)
	c.consumerGroup = consumerGroup
	return c, nil
}

func newConsumer(cfg *config.KafkaConfig, processor ScoreProcessor, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:    cfg,
		processor: processor,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	firstReady := make(chan bool)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ready := firstReady
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(consumeBackoff):
				}
			}

			if c.ctx.Err() != nil {
				return
			}

			// Setup closes the channel once per session; reuse it when no session started
			select {
			case <-ready:
				ready = make(chan bool)
			default:
			}
		}
	}()

	select {
	case <-firstReady:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	c.logger.Info("Kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// decodeEvent parses and validates one score event
func decodeEvent(value []byte) (domain.ScoreEvent, error) {
	var event domain.ScoreEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return event, fmt.Errorf("decoding score event: %w", err)
	}
	sc := event.Score
	if sc.ID <= 0 || sc.PlayerID <= 0 || sc.BeatmapMD5 == "" {
		return event, fmt.Errorf("%w: score %d by player %d", domain.ErrInvalidRequest, sc.ID, sc.PlayerID)
	}
	if !sc.Mode.Valid() || !sc.Variant.Valid() {
		return event, fmt.Errorf("%w: mode %d variant %d", domain.ErrInvalidRequest, sc.Mode, sc.Variant)
	}
	return event, nil
}

// processBatch applies events in order. Retryable failures are retried with
// a fixed delay; events that still fail are logged and skipped so one bad
// play cannot stall the partition.
func (c *Consumer) processBatch(ctx context.Context, events []domain.ScoreEvent) int {
	processed := 0
	for _, event := range events {
		if err := c.processWithRetry(ctx, event); err != nil {
			c.logger.Error("failed to process score event",
				"error", err,
				"event_id", event.EventID,
				"score_id", event.Score.ID,
				"player_id", event.Score.PlayerID,
			)
			continue
		}
		processed++
	}
	return processed
}

func (c *Consumer) processWithRetry(ctx context.Context, event domain.ScoreEvent) error {
	var err error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}
		err = c.processor.ProcessScore(ctx, event)
		if err == nil || !domain.IsRetryable(err) {
			return err
		}
		c.logger.Warn("retrying score event", "event_id", event.EventID, "attempt", attempt+1, "error", err)
	}
	return err
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. Offsets are marked
// once the batch holding them has been applied.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := h.consumer
	cfg := c.config
	batch := make([]domain.ScoreEvent, 0, cfg.BatchSize)
	var last *sarama.ConsumerMessage
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	flush := func() {
		if last == nil {
			return
		}
		if len(batch) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			processed := c.processBatch(ctx, batch)
			cancel()
			c.logger.Debug("processed batch", "batch_size", len(batch), "processed", processed)
		}
		session.MarkMessage(last, "")
		batch = batch[:0]
		last = nil
	}

	for {
		select {
		case <-session.Context().Done():
			flush()
			return nil

		case <-batchTimer.C:
			flush()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}
			last = message

			event, err := decodeEvent(message.Value)
			if err != nil {
				c.logger.Warn("dropping invalid score event",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				continue
			}

			batch = append(batch, event)
			if len(batch) >= cfg.BatchSize {
				flush()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}
