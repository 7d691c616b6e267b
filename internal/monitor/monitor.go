// Package monitor stops follower accounts whose equity crosses their
// configured stop-loss or take-profit threshold.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/metrics"
)

// Triggers recorded on auto-stop.
const (
	TriggerStopLoss   = "stop_loss"
	TriggerTakeProfit = "take_profit"
)

var hundred = decimal.NewFromInt(100)

// Store is the ledger access used by the monitor.
type Store interface {
	ListMonitorCandidates(ctx context.Context) ([]domain.FollowerAccount, error)
	ListOpenOrdersByAccount(ctx context.Context, accountID int64) ([]domain.FollowerOrder, error)
	StopCopying(ctx context.Context, accountID int64, reason string) (bool, error)
}

// EquitySource reads an account's current equity.
type EquitySource interface {
	Current(ctx context.Context, ref domain.AccountRef) (decimal.Decimal, string, error)
}

// OrderCloser closes a follower order at market.
type OrderCloser interface {
	CloseFollowerOrder(ctx context.Context, o *domain.FollowerOrder, reason string) error
}

// StatusMirror publishes the stopped state to the cache.
type StatusMirror interface {
	MirrorCopyStatus(ctx context.Context, ref domain.AccountRef, status domain.AccountCopyStatus, isActive bool) error
	MarkDirty(ctx context.Context, ref domain.AccountRef, reason string) error
}

// Purger drops expired idempotency records.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Config tunes the monitor loop.
type Config struct {
	Interval   time.Duration
	PurgeEvery int // ticks between idempotency purges; 0 disables
}

// Breach describes a crossed threshold.
type Breach struct {
	Trigger   string
	Mode      domain.RiskMode
	Threshold decimal.Decimal
	Equity    decimal.Decimal
}

// Reason is the stop reason persisted on the account.
func (b Breach) Reason() string {
	label := "stop loss"
	if b.Trigger == TriggerTakeProfit {
		label = "take profit"
	}
	return fmt.Sprintf("equity %s %s threshold %s (%s)", b.Equity, label, b.Threshold, b.Mode)
}

// Evaluate checks equity against the follower's thresholds, which are derived
// from the initial investment. The stop-loss is checked first.
func Evaluate(f *domain.FollowerAccount, equity decimal.Decimal) (Breach, bool) {
	base := f.InitialInvestment
	if !base.IsPositive() {
		return Breach{}, false
	}
	if th, ok := threshold(base, f.CopySLMode, f.SLPercentage, f.SLAmount, false); ok && equity.LessThanOrEqual(th) {
		return Breach{Trigger: TriggerStopLoss, Mode: f.CopySLMode, Threshold: th, Equity: equity}, true
	}
	if th, ok := threshold(base, f.CopyTPMode, f.TPPercentage, f.TPAmount, true); ok && equity.GreaterThanOrEqual(th) {
		return Breach{Trigger: TriggerTakeProfit, Mode: f.CopyTPMode, Threshold: th, Equity: equity}, true
	}
	return Breach{}, false
}

func threshold(base decimal.Decimal, mode domain.RiskMode, pct, amount decimal.Decimal, above bool) (decimal.Decimal, bool) {
	var shift decimal.Decimal
	switch mode {
	case domain.RiskModePercentage:
		if !pct.IsPositive() {
			return decimal.Zero, false
		}
		shift = base.Mul(pct).Div(hundred)
	case domain.RiskModeAmount:
		if !amount.IsPositive() {
			return decimal.Zero, false
		}
		shift = amount
	default:
		return decimal.Zero, false
	}
	if above {
		return base.Add(shift), true
	}
	return base.Sub(shift), true
}

// ScanReport summarizes one scan.
type ScanReport struct {
	Candidates int
	Stopped    int
	Errors     int
}

// EquityMonitor periodically scans candidate follower accounts.
type EquityMonitor struct {
	store  Store
	equity EquitySource
	closer OrderCloser
	mirror StatusMirror
	purger Purger
	cfg    Config
	logger zerolog.Logger
}

// New creates an EquityMonitor. purger may be nil.
func New(store Store, equity EquitySource, closer OrderCloser, mirror StatusMirror, purger Purger, cfg Config) *EquityMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &EquityMonitor{
		store:  store,
		equity: equity,
		closer: closer,
		mirror: mirror,
		purger: purger,
		cfg:    cfg,
		logger: log.With().Str("component", "monitor").Logger(),
	}
}

// Start runs scans on the configured interval. Blocks until ctx is cancelled.
func (m *EquityMonitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("started equity monitor")
	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("stopped equity monitor")
			return nil
		case <-ticker.C:
		}

		if _, err := m.Scan(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("equity scan failed")
		}
		if m.purger != nil && m.cfg.PurgeEvery > 0 && tick%m.cfg.PurgeEvery == 0 {
			m.purge(ctx)
		}
	}
}

func (m *EquityMonitor) purge(ctx context.Context) {
	n, err := m.purger.PurgeExpired(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("idempotency purge failed")
		return
	}
	if n > 0 {
		m.logger.Info().Int64("purged", n).Msg("purged expired idempotency records")
	}
}

// Scan checks every candidate once. One account's failure does not stop the
// scan; cancellation is honoured between accounts only.
func (m *EquityMonitor) Scan(ctx context.Context) (ScanReport, error) {
	start := time.Now()
	defer func() { metrics.MonitorScanDuration.Observe(time.Since(start).Seconds()) }()

	candidates, err := m.store.ListMonitorCandidates(ctx)
	if err != nil {
		return ScanReport{}, fmt.Errorf("list candidates: %w", err)
	}

	report := ScanReport{Candidates: len(candidates)}
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		stopped, err := m.check(ctx, &candidates[i])
		if err != nil {
			report.Errors++
			m.logger.Error().Err(err).Int64("account_id", candidates[i].Ref.ID).Msg("equity check failed")
			continue
		}
		if stopped {
			report.Stopped++
		}
	}

	m.logger.Debug().
		Int("candidates", report.Candidates).
		Int("stopped", report.Stopped).
		Int("errors", report.Errors).
		Dur("elapsed", time.Since(start)).
		Msg("equity scan complete")
	return report, nil
}

func (m *EquityMonitor) check(ctx context.Context, f *domain.FollowerAccount) (bool, error) {
	equity, source, err := m.equity.Current(ctx, f.Ref)
	if err != nil {
		return false, fmt.Errorf("read equity: %w", err)
	}
	breach, ok := Evaluate(f, equity)
	if !ok {
		return false, nil
	}

	logger := m.logger.With().
		Int64("account_id", f.Ref.ID).
		Str("trigger", breach.Trigger).
		Str("equity", equity.String()).
		Str("equity_source", source).
		Str("threshold", breach.Threshold.String()).
		Logger()
	logger.Warn().Msg("equity threshold breached, stopping copy")

	return true, m.autoStop(ctx, f, breach, logger)
}

// autoStop closes every open order and then stops the subscription. If any
// close fails the account stays active so the next scan retries.
func (m *EquityMonitor) autoStop(ctx context.Context, f *domain.FollowerAccount, b Breach, logger zerolog.Logger) error {
	orders, err := m.store.ListOpenOrdersByAccount(ctx, f.Ref.ID)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}

	reason := b.Reason()
	failed := 0
	for i := range orders {
		if err := m.closer.CloseFollowerOrder(ctx, &orders[i], reason); err != nil {
			failed++
			logger.Error().Err(err).Str("order_id", orders[i].OrderID).Msg("auto-stop close failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d orders not closed", failed, len(orders))
	}

	stopped, err := m.store.StopCopying(ctx, f.Ref.ID, reason)
	if err != nil {
		return fmt.Errorf("stop copying: %w", err)
	}
	if !stopped {
		return nil
	}
	metrics.MonitorAutoStops.WithLabelValues(b.Trigger).Inc()

	if err := m.mirror.MirrorCopyStatus(ctx, f.Ref, domain.AccountCopyStopped, false); err != nil {
		metrics.CacheDegraded.WithLabelValues("mirror_copy_status").Inc()
		logger.Warn().Err(err).Msg("copy status mirror failed")
		if derr := m.mirror.MarkDirty(ctx, f.Ref, "copy status mirror failed"); derr != nil {
			logger.Warn().Err(derr).Msg("failed to mark account dirty")
		}
	}
	logger.Info().Int("orders_closed", len(orders)).Str("reason", reason).Msg("copy stopped")
	return nil
}
