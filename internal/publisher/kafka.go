// Package publisher forwards qualifying transfers to a message broker.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xdc-intel/transferscan/config"
	"github.com/xdc-intel/transferscan/internal/domain"
)

const messageType = "large_transfer"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per transfer record, keyed by transaction hash.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
	now    func() time.Time
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic on cfg.Brokers.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	return newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, cfg.Topic, logger)
}

func newKafkaPublisher(w messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &KafkaPublisher{writer: w, topic: topic, logger: logger, now: time.Now}
}

type transferMessage struct {
	TxHash      string    `json:"tx_hash"`
	Kind        string    `json:"kind"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Token       string    `json:"token,omitempty"`
	Amount      string    `json:"amount"`
	TokenSymbol string    `json:"token_symbol"`
	ValueUSD    string    `json:"value_usd"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
}

type envelope struct {
	Type     string          `json:"type"`
	RunID    string          `json:"run_id"`
	Artifact string          `json:"artifact"`
	Data     transferMessage `json:"data"`
	Time     time.Time       `json:"time"`
}

func newTransferMessage(r domain.TransferRecord) transferMessage {
	m := transferMessage{
		TxHash:      r.TxHash.Hex(),
		Kind:        string(r.Kind),
		From:        r.From.Hex(),
		To:          r.To.Hex(),
		Amount:      r.Amount.String(),
		TokenSymbol: r.TokenSymbol,
		ValueUSD:    r.USDValue.StringFixed(2),
		BlockNumber: r.BlockNumber,
		Timestamp:   r.Timestamp.UTC(),
	}
	if r.Kind == domain.TransferToken {
		m.Token = r.Token.Hex()
	}

	return m
}

// Publish writes records in order as a single batch. artifact names the published file they came from.
func (k *KafkaPublisher) Publish(ctx context.Context, runID, artifact string, records []domain.TransferRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := k.now().UTC()
	messages := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		value, err := json.Marshal(envelope{
			Type:     messageType,
			RunID:    runID,
			Artifact: artifact,
			Data:     newTransferMessage(r),
			Time:     now,
		})
		if err != nil {
			return errors.Wrap(err, "failed to marshal transfer message")
		}

		messages = append(messages, kafka.Message{
			Key:   []byte(r.TxHash.Hex()),
			Value: value,
		})
	}

	if err := k.writer.WriteMessages(ctx, messages...); err != nil {
		return errors.Wrapf(err, "failed to publish %d transfers to topic %s", len(messages), k.topic)
	}

	k.logger.Info("published transfers",
		zap.String("topic", k.topic),
		zap.Int("count", len(messages)),
		zap.String("first_tx", records[0].TxHash.Hex()),
		zap.String("last_tx", records[len(records)-1].TxHash.Hex()),
	)

	return nil
}

func (k *KafkaPublisher) Close() error {
	if err := k.writer.Close(); err != nil {
		return errors.Wrap(err, "failed to close kafka writer")
	}

	return nil
}
