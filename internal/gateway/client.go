// Package gateway is the Execution Gateway client, spoken over NATS request/reply.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/metrics"
)

// Requester is the subset of *nats.Conn the client uses.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Client calls the Execution Gateway. Every call carries a deadline; a missed
// deadline is reported as domain.ErrRemoteTimeout because the remote side may
// still have acted.
type Client struct {
	conn    Requester
	prefix  string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient creates a gateway client publishing under prefix.
func NewClient(conn Requester, prefix string, timeout time.Duration) *Client {
	return &Client{
		conn:    conn,
		prefix:  prefix,
		timeout: timeout,
		logger:  log.With().Str("component", "gateway").Logger(),
	}
}

// Execute places an order.
func (c *Client) Execute(ctx context.Context, req OrderRequest) (ExecuteResult, error) {
	var res ExecuteResult
	err := c.request(ctx, OpExecute, req.OrderID, req, &res)
	return res, err
}

// Close closes an open order.
func (c *Client) Close(ctx context.Context, req CloseRequest) (CloseResult, error) {
	var res CloseResult
	err := c.request(ctx, OpClose, req.OrderID, req, &res)
	return res, err
}

// Cancel cancels a pending order.
func (c *Client) Cancel(ctx context.Context, req CancelRequest) (CancelResult, error) {
	var res CancelResult
	err := c.request(ctx, OpCancel, req.OrderID, req, &res)
	return res, err
}

// SetStopLoss moves an order's stop-loss.
func (c *Client) SetStopLoss(ctx context.Context, req LevelRequest) (LevelResult, error) {
	var res LevelResult
	err := c.request(ctx, OpStopLoss, req.OrderID, req, &res)
	return res, err
}

// SetTakeProfit moves an order's take-profit.
func (c *Client) SetTakeProfit(ctx context.Context, req LevelRequest) (LevelResult, error) {
	var res LevelResult
	err := c.request(ctx, OpTakeProfit, req.OrderID, req, &res)
	return res, err
}

func (c *Client) request(ctx context.Context, op, orderID string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	msg, err := c.conn.RequestWithContext(ctx, c.prefix+"."+op, data)
	elapsed := time.Since(start)
	if err != nil {
		err = classify(op, err)
		result := "error"
		if errors.Is(err, domain.ErrRemoteTimeout) {
			result = "timeout"
		}
		metrics.GatewayLatency.WithLabelValues(op, result).Observe(elapsed.Seconds())
		c.logger.Warn().Err(err).Str("op", op).Str("order_id", orderID).
			Dur("elapsed", elapsed).Msg("gateway request failed")
		return err
	}
	metrics.GatewayLatency.WithLabelValues(op, "ok").Observe(elapsed.Seconds())

	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", op, err)
	}
	return nil
}

// classify maps transport errors whose outcome is unknown onto ErrRemoteTimeout.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%w: %s: %v", domain.ErrRemoteTimeout, op, err)
	default:
		return fmt.Errorf("gateway %s: %w", op, err)
	}
}
