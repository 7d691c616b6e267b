package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Spot-Canvas/copytrade/internal/copytrade"
	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/idempotency"
)

const (
	// StreamName is the JetStream stream name for copy-trade events.
	StreamName = "COPYTRADE_EVENTS"
	// SubjectMasterOpened carries newly placed master orders.
	SubjectMasterOpened = "copytrade.master.opened"
	// SubjectMasterUpdated carries level changes and terminal transitions.
	SubjectMasterUpdated = "copytrade.master.updated"
	// SubjectConfirmationPrefix prefixes provider-flow confirmations; the
	// suffix is the confirmation kind.
	SubjectConfirmationPrefix = "copytrade.confirmations."
	// MasterWildcard subscribes to all master order subjects.
	MasterWildcard = "copytrade.master.>"
	// ConfirmationWildcard subscribes to all confirmation subjects.
	ConfirmationWildcard = "copytrade.confirmations.>"
	// ConsumerName is the durable consumer name.
	ConsumerName = "copytrade-event-consumer"

	dedupeTTL     = 24 * time.Hour
	inProgressNak = 5 * time.Second
)

// MasterStore records master order events.
type MasterStore interface {
	UpsertMasterOrder(ctx context.Context, m *domain.MasterOrder) error
	GetMasterOrder(ctx context.Context, orderID string) (*domain.MasterOrder, error)
}

// Replicator runs the copy-trade pipeline.
type Replicator interface {
	ReplicateMasterOrder(ctx context.Context, master *domain.MasterOrder) (*copytrade.Summary, error)
	PropagateMasterOrderUpdate(ctx context.Context, master *domain.MasterOrder) (*copytrade.PropagationSummary, error)
	ApplyProviderConfirmation(ctx context.Context, c copytrade.Confirmation) error
}

// Deduper runs a function at most once per key.
type Deduper interface {
	Do(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (any, error)) (json.RawMessage, error)
}

// permanentError marks a message that must not be redelivered.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// IsPermanent reports whether err means the message should be terminated.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe) || domain.IsValidation(err)
}

// Consumer subscribes to copy-trade events via NATS JetStream.
type Consumer struct {
	nc       *nats.Conn
	store    MasterStore
	pipeline Replicator
	guard    Deduper
	logger   zerolog.Logger
}

// NewConsumer creates a new NATS event consumer.
func NewConsumer(nc *nats.Conn, store MasterStore, pipeline Replicator, guard Deduper) *Consumer {
	return &Consumer{
		nc:       nc,
		store:    store,
		pipeline: pipeline,
		guard:    guard,
		logger:   log.With().Str("component", "ingest").Logger(),
	}
}

// Start begins consuming events. Blocks until context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	js, err := jetstream.New(c.nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{MasterWildcard, ConfirmationWildcard},
		Storage:  jetstream.FileStorage,
		MaxBytes: 100 * 1024 * 1024, // 100MB
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       60 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	c.logger.Info().Msg("started consuming copy-trade events from NATS JetStream")

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		err := c.Handle(ctx, msg.Subject(), msg.Data())
		switch {
		case err == nil:
			msg.Ack()
		case IsPermanent(err):
			c.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("rejecting event")
			msg.Term()
		case errors.Is(err, idempotency.ErrInProgress):
			c.logger.Debug().Str("subject", msg.Subject()).Msg("event in progress elsewhere, redelivering later")
			msg.NakWithDelay(inProgressNak)
		default:
			c.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to handle event")
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	c.logger.Info().Msg("stopped consuming copy-trade events")
	return nil
}

// Handle routes one message by subject. Permanent errors are reported via
// IsPermanent; anything else may be redelivered.
func (c *Consumer) Handle(ctx context.Context, subject string, data []byte) error {
	switch {
	case subject == SubjectMasterOpened, subject == SubjectMasterUpdated:
		return c.handleMaster(ctx, subject, data)
	case strings.HasPrefix(subject, SubjectConfirmationPrefix):
		return c.handleConfirmation(ctx, strings.TrimPrefix(subject, SubjectConfirmationPrefix), data)
	default:
		return permanent(fmt.Errorf("unknown subject %q", subject))
	}
}

func (c *Consumer) handleMaster(ctx context.Context, subject string, data []byte) error {
	var event MasterOrderEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return permanent(fmt.Errorf("unmarshal master order event: %w", err))
	}
	if err := event.Validate(); err != nil {
		return permanent(fmt.Errorf("invalid master order event: %w", err))
	}
	order := event.ToDomain()
	opened := subject == SubjectMasterOpened

	logger := c.logger.With().
		Str("event_id", event.EventID).
		Str("master_order_id", order.OrderID).
		Str("order_status", string(order.OrderStatus)).
		Logger()

	_, err := c.guard.Do(ctx, "event:"+event.EventID, dedupeTTL, func(ctx context.Context) (any, error) {
		if err := c.store.UpsertMasterOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("record master order: %w", err)
		}
		current, err := c.store.GetMasterOrder(ctx, order.OrderID)
		if err != nil {
			return nil, fmt.Errorf("reload master order: %w", err)
		}

		if opened {
			summary, err := c.pipeline.ReplicateMasterOrder(ctx, current)
			if err != nil {
				return nil, err
			}
			logger.Info().
				Int("total", summary.Total).
				Int("successful", summary.Successful).
				Int("failed", summary.Failed).
				Int("pending", summary.Pending).
				Msg("master order replicated")
			return summary, nil
		}

		summary, err := c.pipeline.PropagateMasterOrderUpdate(ctx, current)
		if err != nil {
			return nil, err
		}
		if n := summary.Failed(); n > 0 {
			logger.Warn().Int("failed", n).Int("total", len(summary.Results)).Msg("master update partially propagated")
		} else {
			logger.Info().Int("total", len(summary.Results)).Msg("master update propagated")
		}
		return summary, nil
	})
	return err
}

func (c *Consumer) handleConfirmation(ctx context.Context, kind string, data []byte) error {
	var event ConfirmationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return permanent(fmt.Errorf("unmarshal confirmation event: %w", err))
	}
	if err := event.Validate(kind); err != nil {
		return permanent(fmt.Errorf("invalid confirmation event: %w", err))
	}

	_, err := c.guard.Do(ctx, "event:"+event.EventID, dedupeTTL, func(ctx context.Context) (any, error) {
		if err := c.pipeline.ApplyProviderConfirmation(ctx, event.Confirmation); err != nil {
			return nil, err
		}
		c.logger.Info().
			Str("event_id", event.EventID).
			Str("order_id", event.OrderID).
			Str("kind", string(event.Kind)).
			Msg("applied provider confirmation")
		return nil, nil
	})
	return err
}

// ConnectNATS connects to NATS with retry logic.
func ConnectNATS(urls string, credsFile, creds string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("copytrade"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	if creds != "" {
		tmpFile, err := os.CreateTemp("", "nats-creds-*.creds")
		if err != nil {
			return nil, fmt.Errorf("create temp credentials file: %w", err)
		}
		if _, err := tmpFile.WriteString(creds); err != nil {
			tmpFile.Close()
			os.Remove(tmpFile.Name())
			return nil, fmt.Errorf("write credentials: %w", err)
		}
		tmpFile.Close()
		opts = append(opts, nats.UserCredentials(tmpFile.Name()))
	} else if credsFile != "" {
		opts = append(opts, nats.UserCredentials(credsFile))
	}

	var nc *nats.Conn
	var err error
	backoff := 100 * time.Millisecond
	maxBackoff := 30 * time.Second

	for attempt := 1; ; attempt++ {
		nc, err = nats.Connect(urls, opts...)
		if err == nil {
			log.Info().Str("url", nc.ConnectedUrl()).Int("attempt", attempt).Msg("connected to NATS")
			return nc, nil
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("failed to connect to NATS, retrying...")
		time.Sleep(backoff)

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
