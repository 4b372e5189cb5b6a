package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// KafkaConfig holds broker addresses and topic names.
type KafkaConfig struct {
	Brokers        []string
	DealsTopic     string
	BarsTopic      string
	CommandsTopic  string
	GroupID        string
	SessionTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// DefaultKafkaConfig returns local defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:        []string{"localhost:9092"},
		DealsTopic:     "option.deals",
		BarsTopic:      "option.bars",
		CommandsTopic:  "option.commands",
		GroupID:        "option-ledger",
		SessionTimeout: 30 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaGateway publishes order commands as JSON keyed by strategy ID, so
// commands of one strategy stay ordered within a partition.
type KafkaGateway struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

// NewKafkaGateway creates a producer for cfg.CommandsTopic.
func NewKafkaGateway(cfg KafkaConfig, logger zerolog.Logger) (*KafkaGateway, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.CommandsTopic == "" {
		return nil, errors.New("kafka: commands topic is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.CommandsTopic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        cfg.RetryBackoff,
		WriteBackoffMax:        cfg.RetryBackoff * 10,
	}
	logger.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.CommandsTopic).Msg("kafka producer created")
	return newKafkaGateway(writer, cfg.CommandsTopic, logger), nil
}

func newKafkaGateway(w messageWriter, topic string, logger zerolog.Logger) *KafkaGateway {
	return &KafkaGateway{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("component", "kafka_gateway").Logger(),
	}
}

// Submit publishes cmd.
func (g *KafkaGateway) Submit(ctx context.Context, cmd models.OrderCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(cmd.StrategyID),
		Value: data,
		Time:  cmd.CreatedAt,
	}
	if err := g.writer.WriteMessages(ctx, msg); err != nil {
		g.logger.Error().Err(err).Str("topic", g.topic).Str("id", cmd.ID).Msg("failed to publish command")
		return fmt.Errorf("publishing command %s: %w", cmd.ID, err)
	}
	g.logger.Debug().Str("topic", g.topic).Str("id", cmd.ID).Msg("command published")
	return nil
}

// Close flushes and closes the writer.
func (g *KafkaGateway) Close() error {
	return g.writer.Close()
}

// KafkaFeed consumes the deal topic and, when configured, the bar topic.
type KafkaFeed struct {
	deals  messageReader
	bars   messageReader
	logger zerolog.Logger
}

// NewKafkaFeed creates consumer-group readers for the deal and bar topics.
func NewKafkaFeed(cfg KafkaConfig, logger zerolog.Logger) (*KafkaFeed, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.DealsTopic == "" {
		return nil, errors.New("kafka: deals topic is required")
	}
	newReader := func(topic string) *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          topic,
			GroupID:        cfg.GroupID,
			SessionTimeout: cfg.SessionTimeout,
			StartOffset:    kafka.LastOffset,
			MaxBytes:       10e6,
		})
	}
	feed := &KafkaFeed{logger: logger.With().Str("component", "kafka_feed").Logger()}
	feed.deals = newReader(cfg.DealsTopic)
	if cfg.BarsTopic != "" {
		feed.bars = newReader(cfg.BarsTopic)
	}
	feed.logger.Info().Strs("brokers", cfg.Brokers).Str("deals", cfg.DealsTopic).
		Str("bars", cfg.BarsTopic).Str("group_id", cfg.GroupID).Msg("kafka consumer created")
	return feed, nil
}

// Run dispatches messages to h until ctx is done. Messages are committed
// after dispatch whatever the handler returns; a deal is never applied twice.
func (f *KafkaFeed) Run(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.consume(ctx, f.deals, "deal", func(msg kafka.Message) error {
			deal, err := DecodeDeal(msg.Value)
			if err != nil {
				return err
			}
			return h.OnDeal(ctx, deal)
		})
	})
	if f.bars != nil {
		g.Go(func() error {
			return f.consume(ctx, f.bars, "bar", func(msg kafka.Message) error {
				bar, err := DecodeBar(msg.Value)
				if err != nil {
					return err
				}
				return h.OnBar(ctx, bar)
			})
		})
	}
	return g.Wait()
}

func (f *KafkaFeed) consume(ctx context.Context, r messageReader, kind string, dispatch func(kafka.Message) error) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetching %s: %w", kind, err)
		}
		if err := dispatch(msg); err != nil {
			f.logger.Error().Err(err).Str("kind", kind).Int("partition", msg.Partition).
				Int64("offset", msg.Offset).Msg("failed to handle message")
		}
		if err := r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("committing %s offset %d: %w", kind, msg.Offset, err)
		}
	}
}

// Close closes both readers.
func (f *KafkaFeed) Close() error {
	var errs []error
	if f.deals != nil {
		errs = append(errs, f.deals.Close())
	}
	if f.bars != nil {
		errs = append(errs, f.bars.Close())
	}
	return errors.Join(errs...)
}

// DecodeDeal parses a JSON deal event.
func DecodeDeal(data []byte) (models.DealEvent, error) {
	var deal models.DealEvent
	if err := json.Unmarshal(data, &deal); err != nil {
		return models.DealEvent{}, fmt.Errorf("decoding deal: %w", err)
	}
	if deal.InstrumentID == "" {
		return models.DealEvent{}, errors.New("decoding deal: missing instrument_id")
	}
	if deal.Volume <= 0 {
		return models.DealEvent{}, fmt.Errorf("decoding deal: invalid volume %d", deal.Volume)
	}
	return deal, nil
}

// DecodeBar parses a JSON bar.
func DecodeBar(data []byte) (models.Bar, error) {
	var bar models.Bar
	if err := json.Unmarshal(data, &bar); err != nil {
		return models.Bar{}, fmt.Errorf("decoding bar: %w", err)
	}
	if bar.Symbol == "" {
		return models.Bar{}, errors.New("decoding bar: missing symbol")
	}
	return bar, nil
}
