package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

// Config holds Redis connection settings. More than one address selects
// cluster mode.
type Config struct {
	Addrs    []string
	Password string
	DB       int
}

// Client mirrors ledger state into Redis for the execution path.
// Every error it returns wraps domain.ErrCacheDegraded.
type Client struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     50,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(rdb), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb redis.UniversalClient) *Client {
	return &Client{
		rdb:    rdb,
		logger: log.With().Str("component", "cache").Logger(),
	}
}

// Ping tests the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func degraded(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrCacheDegraded, op, err)
}

// PortfolioEquity reads the live equity snapshot of an account. ok is false
// when no snapshot exists.
func (c *Client) PortfolioEquity(ctx context.Context, ref domain.AccountRef) (decimal.Decimal, bool, error) {
	raw, err := c.rdb.HGet(ctx, PortfolioKey(ref), "equity").Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, degraded("read portfolio", err)
	}
	equity, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, degraded("parse portfolio equity", err)
	}
	return equity, true, nil
}

// MirrorBalance writes an account's wallet snapshot.
func (c *Client) MirrorBalance(ctx context.Context, acct *domain.Account) error {
	err := c.rdb.HSet(ctx, BalanceKey(acct.Ref), balanceFields(acct)).Err()
	if err != nil {
		return degraded("mirror balance", err)
	}
	return nil
}

func balanceFields(acct *domain.Account) map[string]any {
	return map[string]any{
		"wallet_balance": acct.WalletBalance.String(),
		"margin":         acct.Margin.String(),
		"net_profit":     acct.NetProfit.String(),
		"leverage":       acct.Leverage,
		"group":          acct.Group,
		"status":         acct.Status,
		"is_active":      acct.IsActive,
		"updated_at":     acct.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// MirrorCopyStatus writes a follower's subscription state.
func (c *Client) MirrorCopyStatus(ctx context.Context, ref domain.AccountRef, status domain.AccountCopyStatus, isActive bool) error {
	err := c.rdb.HSet(ctx, BalanceKey(ref),
		"copy_status", string(status),
		"is_active", isActive,
	).Err()
	if err != nil {
		return degraded("mirror copy status", err)
	}
	return nil
}

// MarkDirty flags an account for repair.
func (c *Client) MarkDirty(ctx context.Context, ref domain.AccountRef, reason string) error {
	if err := c.rdb.Set(ctx, DirtyKey(ref), reason, 0).Err(); err != nil {
		return degraded("mark dirty", err)
	}
	return nil
}

// ClearDirty removes an account's dirty marker.
func (c *Client) ClearDirty(ctx context.Context, ref domain.AccountRef) error {
	if err := c.rdb.Del(ctx, DirtyKey(ref)).Err(); err != nil {
		return degraded("clear dirty", err)
	}
	return nil
}

type accountSignal struct {
	AccountType domain.AccountType `json:"account_type"`
	AccountID   int64              `json:"account_id"`
	Reason      string             `json:"reason,omitempty"`
	Balance     string             `json:"wallet_balance,omitempty"`
	At          time.Time          `json:"at"`
}

// PublishForceRecalc asks the portfolio valuation process to recompute an account now.
func (c *Client) PublishForceRecalc(ctx context.Context, ref domain.AccountRef, reason string) error {
	return c.publish(ctx, ChannelForceRecalc, accountSignal{
		AccountType: ref.Type, AccountID: ref.ID, Reason: reason, At: time.Now().UTC(),
	})
}

// PublishBalanceChange notifies subscribers of a committed balance mutation.
func (c *Client) PublishBalanceChange(ctx context.Context, acct *domain.Account, reason string) error {
	return c.publish(ctx, ChannelBalanceUpdates, accountSignal{
		AccountType: acct.Ref.Type, AccountID: acct.Ref.ID, Reason: reason,
		Balance: acct.WalletBalance.String(), At: time.Now().UTC(),
	})
}

func (c *Client) publish(ctx context.Context, channel string, msg accountSignal) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return degraded("publish "+channel, err)
	}
	return nil
}
