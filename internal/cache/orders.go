package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

func live(s domain.OrderStatus) bool {
	return s == domain.OrderStatusQueued || s == domain.OrderStatusPending || s == domain.OrderStatusOpen
}

func orderFields(o *domain.FollowerOrder) map[string]any {
	f := map[string]any{
		"order_id":        o.OrderID,
		"master_order_id": o.MasterOrderID,
		"symbol":          o.Symbol,
		"order_type":      string(o.OrderType),
		"order_status":    string(o.OrderStatus),
		"copy_status":     string(o.CopyStatus),
		"order_price":     o.Price.String(),
		"order_quantity":  o.Quantity.String(),
		"margin":          o.Margin.String(),
		"contract_value":  o.ContractValue.String(),
		"commission":      o.Commission.String(),
		"execution_flow":  string(o.Flow),
		"updated_at":      o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if o.StopLoss.Valid {
		f["stop_loss"] = o.StopLoss.Decimal.String()
	}
	if o.TakeProfit.Valid {
		f["take_profit"] = o.TakeProfit.Decimal.String()
	}
	return f
}

// MirrorOrder writes a follower order into its account partition. Live orders
// are stored and indexed; terminal orders are removed from both.
func (c *Client) MirrorOrder(ctx context.Context, o *domain.FollowerOrder) error {
	ref := o.Follower()
	key := OrderKey(ref, o.OrderID)

	if !live(o.OrderStatus) {
		return c.RemoveOrder(ctx, ref, o.OrderID, o.Symbol)
	}

	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, orderFields(o))
		pipe.SAdd(ctx, OrdersIndexKey(ref), o.OrderID)
		return nil
	})
	if err != nil {
		return degraded("mirror order", err)
	}

	if err := c.rdb.SAdd(ctx, SymbolHoldersKey(o.Symbol), ref.Key()).Err(); err != nil {
		return degraded("add symbol holder", err)
	}
	return nil
}

// RemoveOrder drops an order mirror and its index entry, then releases the
// account's symbol holding when no other live order in symbol remains.
func (c *Client) RemoveOrder(ctx context.Context, ref domain.AccountRef, orderID, symbol string) error {
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, OrderKey(ref, orderID))
		pipe.SRem(ctx, OrdersIndexKey(ref), orderID)
		return nil
	})
	if err != nil {
		return degraded("remove order", err)
	}
	if symbol == "" {
		return nil
	}

	ids, err := c.IndexMembers(ctx, ref)
	if err != nil {
		return err
	}
	symbols, err := c.OrderSymbols(ctx, ref, ids)
	if err != nil {
		return err
	}
	for _, s := range symbols {
		if s == symbol {
			return nil
		}
	}
	if err := c.rdb.SRem(ctx, SymbolHoldersKey(symbol), ref.Key()).Err(); err != nil {
		return degraded("remove symbol holder", err)
	}
	return nil
}

// IndexMembers returns the order ids in an account's index.
func (c *Client) IndexMembers(ctx context.Context, ref domain.AccountRef) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, OrdersIndexKey(ref)).Result()
	if err != nil {
		return nil, degraded("read order index", err)
	}
	return ids, nil
}

// OrderSymbols reads the symbol of each listed order mirror in one round trip.
// Orders without a mirror are omitted.
func (c *Client) OrderSymbols(ctx context.Context, ref domain.AccountRef, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, OrderKey(ref, id), "symbol")
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, degraded("read order symbols", err)
	}
	for i, cmd := range cmds {
		if s, err := cmd.Result(); err == nil {
			out[ids[i]] = s
		}
	}
	return out, nil
}

// ApplyIndexDiff adds and removes order ids from an account's index in one pipeline.
func (c *Client) ApplyIndexDiff(ctx context.Context, ref domain.AccountRef, add, remove []string) error {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(add) > 0 {
			pipe.SAdd(ctx, OrdersIndexKey(ref), toAny(add)...)
		}
		if len(remove) > 0 {
			pipe.SRem(ctx, OrdersIndexKey(ref), toAny(remove)...)
		}
		return nil
	})
	if err != nil {
		return degraded("apply index diff", err)
	}
	return nil
}

// SetSymbolHolder adds or removes one account from a symbol's holder set.
func (c *Client) SetSymbolHolder(ctx context.Context, symbol string, ref domain.AccountRef, held bool) error {
	var err error
	if held {
		err = c.rdb.SAdd(ctx, SymbolHoldersKey(symbol), ref.Key()).Err()
	} else {
		err = c.rdb.SRem(ctx, SymbolHoldersKey(symbol), ref.Key()).Err()
	}
	if err != nil {
		return degraded("set symbol holder", err)
	}
	return nil
}

// SymbolHolders returns the account keys in a symbol's holder set.
func (c *Client) SymbolHolders(ctx context.Context, symbol string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, SymbolHoldersKey(symbol)).Result()
	if err != nil {
		return nil, degraded("read symbol holders", err)
	}
	return members, nil
}

// ReplaceSymbolHolders swaps a symbol's holder set atomically.
func (c *Client) ReplaceSymbolHolders(ctx context.Context, symbol string, holders []string) error {
	key := SymbolHoldersKey(symbol)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(holders) > 0 {
			pipe.SAdd(ctx, key, toAny(holders)...)
		}
		return nil
	})
	if err != nil {
		return degraded("replace symbol holders", err)
	}
	return nil
}

// RebuildAccount replaces every mirror of one account with ledger state in a
// single pipeline. existing lists the order ids currently in the cache.
func (c *Client) RebuildAccount(ctx context.Context, acct *domain.Account, existing []string, orders []domain.FollowerOrder) error {
	ref := acct.Ref
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range existing {
			pipe.Del(ctx, OrderKey(ref, id))
		}
		pipe.Del(ctx, OrdersIndexKey(ref))
		for i := range orders {
			o := &orders[i]
			if !live(o.OrderStatus) {
				continue
			}
			pipe.HSet(ctx, OrderKey(ref, o.OrderID), orderFields(o))
			pipe.SAdd(ctx, OrdersIndexKey(ref), o.OrderID)
		}
		pipe.HSet(ctx, BalanceKey(ref), balanceFields(acct))
		return nil
	})
	if err != nil {
		return degraded("rebuild account", err)
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
