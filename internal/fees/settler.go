// Package fees settles performance fees on profitable follower closures.
package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/metrics"
	"github.com/Spot-Canvas/copytrade/internal/store"
)

const defaultAttempts = 3

// Ledger runs the settlement transaction and reads balances afterwards.
type Ledger interface {
	SettlePerformanceFee(ctx context.Context, orderID string, newID func() (string, error)) (*store.FeeSettlement, error)
	GetAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error)
}

// Mirror receives post-commit balance updates.
type Mirror interface {
	MirrorBalance(ctx context.Context, acct *domain.Account) error
	MarkDirty(ctx context.Context, ref domain.AccountRef, reason string) error
	PublishForceRecalc(ctx context.Context, ref domain.AccountRef, reason string) error
	PublishBalanceChange(ctx context.Context, acct *domain.Account, reason string) error
}

// IDGenerator produces transaction identifiers.
type IDGenerator interface {
	NextString() (string, error)
}

// Settler transfers the provider's share of follower profits.
type Settler struct {
	ledger   Ledger
	mirror   Mirror
	ids      IDGenerator
	attempts int
	logger   zerolog.Logger
}

// NewSettler creates a Settler.
func NewSettler(ledger Ledger, mirror Mirror, ids IDGenerator) *Settler {
	return &Settler{
		ledger:   ledger,
		mirror:   mirror,
		ids:      ids,
		attempts: defaultAttempts,
		logger:   log.With().Str("component", "fees").Logger(),
	}
}

// Settle settles the performance fee of a closed follower order. Lock
// conflicts are retried; a fee already recorded is reported as an unsettled
// result with no error, so repeated calls never transfer twice.
func (s *Settler) Settle(ctx context.Context, orderID string) (*store.FeeSettlement, error) {
	logger := s.logger.With().Str("order_id", orderID).Logger()

	var result *store.FeeSettlement
	err := store.WithRetry(ctx, s.attempts, func() error {
		var err error
		result, err = s.ledger.SettlePerformanceFee(ctx, orderID, s.ids.NextString)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrAlreadySettled):
		metrics.FeeSettlements.WithLabelValues("already_settled").Inc()
		logger.Info().Msg("performance fee already settled")
		return &store.FeeSettlement{OrderID: orderID, SkipReason: "already settled"}, nil
	case errors.Is(err, domain.ErrInsufficientBalance):
		metrics.FeeSettlements.WithLabelValues("insufficient_balance").Inc()
		logger.Error().Err(err).Msg("follower cannot cover performance fee")
		return nil, fmt.Errorf("settle fee %s: %w", orderID, err)
	case err != nil:
		metrics.FeeSettlements.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("performance fee settlement failed")
		return nil, fmt.Errorf("settle fee %s: %w", orderID, err)
	}

	if !result.Settled {
		metrics.FeeSettlements.WithLabelValues("skipped").Inc()
		logger.Debug().Str("reason", result.SkipReason).Msg("no performance fee due")
		return result, nil
	}

	metrics.FeeSettlements.WithLabelValues("paid").Inc()
	logger.Info().
		Int64("follower_id", result.Follower.ID).
		Int64("provider_id", result.Provider.ID).
		Str("gross_profit", result.GrossProfit.String()).
		Str("fee", result.FeeAmount.String()).
		Str("net_after_fee", result.NetProfitAfterFees.String()).
		Msg("performance fee settled")

	// Each account is refreshed on its own so one failure cannot skip the other.
	s.refresh(ctx, result.Follower, "performance fee charged")
	s.refresh(ctx, result.Provider, "performance fee earned")
	return result, nil
}

func (s *Settler) refresh(ctx context.Context, ref domain.AccountRef, reason string) {
	logger := s.logger.With().Str("account", ref.Key()).Logger()

	acct, err := s.ledger.GetAccount(ctx, ref)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to reload balance after fee")
		s.markDirty(ctx, ref, reason)
		return
	}
	if err := s.mirror.MirrorBalance(ctx, acct); err != nil {
		metrics.CacheDegraded.WithLabelValues("mirror_balance").Inc()
		logger.Warn().Err(err).Msg("balance mirror failed after fee")
		s.markDirty(ctx, ref, reason)
	}
	if err := s.mirror.PublishBalanceChange(ctx, acct, reason); err != nil {
		logger.Warn().Err(err).Msg("balance notification failed")
	}
	if err := s.mirror.PublishForceRecalc(ctx, ref, reason); err != nil {
		logger.Warn().Err(err).Msg("portfolio recalculation request failed")
	}
}

func (s *Settler) markDirty(ctx context.Context, ref domain.AccountRef, reason string) {
	if err := s.mirror.MarkDirty(ctx, ref, reason); err != nil {
		s.logger.Warn().Err(err).Str("account", ref.Key()).Msg("failed to mark account dirty")
	}
}
