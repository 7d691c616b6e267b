// Package repair re-derives cache indices and mirrors when they drift from
// the ledger or from the per-account order keys.
package repair

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Spot-Canvas/copytrade/internal/domain"
	"github.com/Spot-Canvas/copytrade/internal/metrics"
)

// Cache is the cache surface the engine repairs.
type Cache interface {
	ScanOrderIDs(ctx context.Context, ref domain.AccountRef) ([]string, error)
	IndexMembers(ctx context.Context, ref domain.AccountRef) ([]string, error)
	ApplyIndexDiff(ctx context.Context, ref domain.AccountRef, add, remove []string) error
	OrderSymbols(ctx context.Context, ref domain.AccountRef, ids []string) (map[string]string, error)
	SetSymbolHolder(ctx context.Context, symbol string, ref domain.AccountRef, held bool) error
	SymbolHolders(ctx context.Context, symbol string) ([]string, error)
	ReplaceSymbolHolders(ctx context.Context, symbol string, holders []string) error
	HeldSymbols(ctx context.Context, ref domain.AccountRef) ([]string, error)
	ScanIndexedAccounts(ctx context.Context, fn func(domain.AccountRef) error) error
	ScanDirtyAccounts(ctx context.Context, fn func(domain.AccountRef) error) error
	ClearDirty(ctx context.Context, ref domain.AccountRef) error
	MirrorBalance(ctx context.Context, acct *domain.Account) error
	RebuildAccount(ctx context.Context, acct *domain.Account, existing []string, orders []domain.FollowerOrder) error
}

// Ledger is the authoritative state mirrors are rebuilt from.
type Ledger interface {
	GetAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error)
	ListLiveOrdersByAccount(ctx context.Context, accountID int64) ([]domain.FollowerOrder, error)
}

// Report lists what a repair changed. Holder changes name symbols for an
// account repair and account keys for a symbol repair.
type Report struct {
	Account        string   `json:"account,omitempty"`
	Symbol         string   `json:"symbol,omitempty"`
	Scanned        int      `json:"scanned"`
	Added          []string `json:"added,omitempty"`
	Removed        []string `json:"removed,omitempty"`
	HoldersAdded   []string `json:"holders_added,omitempty"`
	HoldersRemoved []string `json:"holders_removed,omitempty"`
}

// Changed reports whether the repair modified anything.
func (r *Report) Changed() bool {
	return len(r.Added)+len(r.Removed)+len(r.HoldersAdded)+len(r.HoldersRemoved) > 0
}

// Engine repairs cache state.
type Engine struct {
	cache  Cache
	ledger Ledger
	logger zerolog.Logger
}

// NewEngine creates an Engine.
func NewEngine(cache Cache, ledger Ledger) *Engine {
	return &Engine{
		cache:  cache,
		ledger: ledger,
		logger: log.With().Str("component", "repair").Logger(),
	}
}

// RepairAccountIndices reconciles an account's order index with its order
// keys. The enumerated keys win over the index.
func (e *Engine) RepairAccountIndices(ctx context.Context, ref domain.AccountRef) (*Report, error) {
	keys, err := e.cache.ScanOrderIDs(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("scan order keys: %w", err)
	}
	index, err := e.cache.IndexMembers(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	report := &Report{Account: ref.Key(), Scanned: len(keys)}
	report.Added, report.Removed = diff(keys, index)
	if err := e.cache.ApplyIndexDiff(ctx, ref, report.Added, report.Removed); err != nil {
		return nil, fmt.Errorf("apply index diff: %w", err)
	}

	symbols, err := e.cache.OrderSymbols(ctx, ref, keys)
	if err != nil {
		return nil, fmt.Errorf("read order symbols: %w", err)
	}
	if err := e.syncHolders(ctx, ref, distinct(symbols), report); err != nil {
		return nil, err
	}

	e.record(report)
	return report, nil
}

// RepairSymbolHolders rebuilds a symbol's holder set by walking every
// account index. Cancellation is honoured between accounts.
func (e *Engine) RepairSymbolHolders(ctx context.Context, symbol string) (*Report, error) {
	report := &Report{Symbol: symbol}
	var (
		mu      sync.Mutex
		holders []string
	)

	// Cluster masters are scanned concurrently.
	err := e.cache.ScanIndexedAccounts(ctx, func(ref domain.AccountRef) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := e.cache.IndexMembers(ctx, ref)
		if err != nil {
			return err
		}
		symbols, err := e.cache.OrderSymbols(ctx, ref, ids)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		report.Scanned++
		for _, s := range symbols {
			if s == symbol {
				holders = append(holders, ref.Key())
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk account indices: %w", err)
	}

	previous, err := e.cache.SymbolHolders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("read holders: %w", err)
	}
	report.HoldersAdded, report.HoldersRemoved = diff(holders, previous)
	if report.Changed() {
		if err := e.cache.ReplaceSymbolHolders(ctx, symbol, holders); err != nil {
			return nil, fmt.Errorf("replace holders: %w", err)
		}
	}

	e.record(report)
	return report, nil
}

// RebuildAccountFromLedger rewrites an account's mirrors from the ledger and
// clears its dirty marker. Only follower accounts own order mirrors here;
// other variants get their balance mirror refreshed.
func (e *Engine) RebuildAccountFromLedger(ctx context.Context, ref domain.AccountRef) (*Report, error) {
	acct, err := e.ledger.GetAccount(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	report := &Report{Account: ref.Key()}

	if ref.Type != domain.AccountTypeCopyFollower {
		if err := e.cache.MirrorBalance(ctx, acct); err != nil {
			return nil, fmt.Errorf("mirror balance: %w", err)
		}
	} else {
		orders, err := e.ledger.ListLiveOrdersByAccount(ctx, ref.ID)
		if err != nil {
			return nil, fmt.Errorf("load live orders: %w", err)
		}
		existing, err := e.cache.ScanOrderIDs(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("scan order keys: %w", err)
		}

		ids := make([]string, len(orders))
		for i := range orders {
			ids[i] = orders[i].OrderID
		}
		report.Scanned = len(existing)
		report.Added, report.Removed = diff(ids, existing)

		if err := e.cache.RebuildAccount(ctx, acct, existing, orders); err != nil {
			return nil, fmt.Errorf("rebuild mirrors: %w", err)
		}
		held := make(map[string]string, len(orders))
		for i := range orders {
			held[orders[i].OrderID] = orders[i].Symbol
		}
		if err := e.syncHolders(ctx, ref, distinct(held), report); err != nil {
			return nil, err
		}
	}

	if err := e.cache.ClearDirty(ctx, ref); err != nil {
		e.logger.Warn().Err(err).Str("account", ref.Key()).Msg("failed to clear dirty marker")
	}
	e.record(report)
	return report, nil
}

// RepairDirty rebuilds every account carrying a dirty marker. A failing
// account is logged and left marked for the next run.
func (e *Engine) RepairDirty(ctx context.Context) (int, error) {
	var (
		mu   sync.Mutex
		refs []domain.AccountRef
	)
	err := e.cache.ScanDirtyAccounts(ctx, func(ref domain.AccountRef) error {
		mu.Lock()
		refs = append(refs, ref)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan dirty accounts: %w", err)
	}

	repaired := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		if _, err := e.RebuildAccountFromLedger(ctx, ref); err != nil {
			e.logger.Error().Err(err).Str("account", ref.Key()).Msg("dirty account repair failed")
			continue
		}
		repaired++
	}
	return repaired, nil
}

// Run repairs dirty accounts on the given interval. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n, err := e.RepairDirty(ctx)
		if err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("dirty repair run failed")
		}
		if n > 0 {
			e.logger.Info().Int("accounts", n).Msg("repaired dirty accounts")
		}
	}
}

// syncHolders makes the account a holder of exactly the given symbols.
func (e *Engine) syncHolders(ctx context.Context, ref domain.AccountRef, symbols []string, report *Report) error {
	previous, err := e.cache.HeldSymbols(ctx, ref)
	if err != nil {
		return fmt.Errorf("read held symbols: %w", err)
	}
	add, stale := diff(symbols, previous)
	for _, sym := range add {
		if err := e.cache.SetSymbolHolder(ctx, sym, ref, true); err != nil {
			return fmt.Errorf("set holder %s: %w", sym, err)
		}
	}
	for _, sym := range stale {
		if err := e.cache.SetSymbolHolder(ctx, sym, ref, false); err != nil {
			return fmt.Errorf("clear holder %s: %w", sym, err)
		}
	}
	report.HoldersAdded, report.HoldersRemoved = add, stale
	return nil
}

func (e *Engine) record(r *Report) {
	metrics.RepairChanges.WithLabelValues("index_added").Add(float64(len(r.Added)))
	metrics.RepairChanges.WithLabelValues("index_removed").Add(float64(len(r.Removed)))
	metrics.RepairChanges.WithLabelValues("holder_added").Add(float64(len(r.HoldersAdded)))
	metrics.RepairChanges.WithLabelValues("holder_removed").Add(float64(len(r.HoldersRemoved)))
	if r.Changed() {
		e.logger.Info().
			Str("account", r.Account).
			Str("symbol", r.Symbol).
			Strs("added", r.Added).
			Strs("removed", r.Removed).
			Strs("holders_added", r.HoldersAdded).
			Strs("holders_removed", r.HoldersRemoved).
			Msg("cache drift repaired")
	}
}

// diff returns the members of want missing from have, and of have missing from want.
func diff(want, have []string) (missing, stale []string) {
	haveSet := make(map[string]struct{}, len(have))
	for _, h := range have {
		haveSet[h] = struct{}{}
	}
	wantSet := make(map[string]struct{}, len(want))
	for _, w := range want {
		wantSet[w] = struct{}{}
		if _, ok := haveSet[w]; !ok {
			missing = append(missing, w)
		}
	}
	for _, h := range have {
		if _, ok := wantSet[h]; !ok {
			stale = append(stale, h)
		}
	}
	sort.Strings(missing)
	sort.Strings(stale)
	return missing, stale
}

func distinct(m map[string]string) []string {
	seen := make(map[string]struct{}, len(m))
	var out []string
	for _, v := range m {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
