package cache

import (
	"fmt"
	"strings"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

// Key patterns. Every key owned by one account carries the account's hash tag
// {type:id} so the whole set lands on one cluster slot.

func hashTag(ref domain.AccountRef) string {
	return "{" + ref.Key() + "}"
}

// OrderKey is the hash mirroring one follower order.
func OrderKey(ref domain.AccountRef, orderID string) string {
	return fmt.Sprintf("order:%s:%s", hashTag(ref), orderID)
}

// OrderKeyPattern matches every order hash of an account.
func OrderKeyPattern(ref domain.AccountRef) string {
	return fmt.Sprintf("order:%s:*", hashTag(ref))
}

// OrderIDFromKey extracts the order id from an OrderKey.
func OrderIDFromKey(key string) string {
	i := strings.LastIndex(key, ":")
	if i < 0 {
		return ""
	}
	return key[i+1:]
}

// OrdersIndexKey is the set of an account's live order ids.
func OrdersIndexKey(ref domain.AccountRef) string {
	return "orders_index:" + hashTag(ref)
}

// OrdersIndexPattern matches every account's order index.
const OrdersIndexPattern = "orders_index:*"

// BalanceKey is the hash mirroring an account's wallet, margin and status.
func BalanceKey(ref domain.AccountRef) string {
	return "balance:" + hashTag(ref)
}

// PortfolioKey is the hash written by the portfolio valuation process.
func PortfolioKey(ref domain.AccountRef) string {
	return "portfolio:" + hashTag(ref)
}

// DirtyKey marks an account whose mirrors are stale.
func DirtyKey(ref domain.AccountRef) string {
	return "dirty:" + hashTag(ref)
}

// DirtyPattern matches every dirty marker.
const DirtyPattern = "dirty:*"

// SymbolHoldersKey is the set of account keys holding a live order in symbol.
func SymbolHoldersKey(symbol string) string {
	return "symbol_holders:{" + symbol + "}"
}

// SymbolHoldersPattern matches every symbol's holder set.
const SymbolHoldersPattern = "symbol_holders:*"

// SymbolFromHoldersKey extracts the symbol from a holder set key, or "".
func SymbolFromHoldersKey(key string) string {
	rest, ok := strings.CutPrefix(key, "symbol_holders:{")
	if !ok {
		return ""
	}
	sym, ok := strings.CutSuffix(rest, "}")
	if !ok {
		return ""
	}
	return sym
}

// RefFromTaggedKey parses the account ref out of any account-scoped key.
func RefFromTaggedKey(key string) (domain.AccountRef, error) {
	start := strings.IndexByte(key, '{')
	end := strings.IndexByte(key, '}')
	if start < 0 || end <= start {
		return domain.AccountRef{}, fmt.Errorf("key %q has no hash tag", key)
	}
	return domain.ParseAccountKey(key[start+1 : end])
}

// Pub/Sub channels
const (
	ChannelForceRecalc    = "portfolio:force_recalc"
	ChannelBalanceUpdates = "account:balance_updates"
)
