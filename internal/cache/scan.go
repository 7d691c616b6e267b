package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

const scanCount = 500

// ScanOrderIDs enumerates the order hashes of one account. All of them share
// the account's hash tag, so only the owning node is scanned.
func (c *Client) ScanOrderIDs(ctx context.Context, ref domain.AccountRef) ([]string, error) {
	node, err := c.nodeFor(ctx, OrdersIndexKey(ref))
	if err != nil {
		return nil, degraded("resolve partition", err)
	}

	var ids []string
	err = scanNode(ctx, node, OrderKeyPattern(ref), func(key string) error {
		if id := OrderIDFromKey(key); id != "" {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, degraded("scan order keys", err)
	}
	return ids, nil
}

// ScanIndexedAccounts calls fn for every account that has an order index.
// The scan stops at the first fn error or when ctx is cancelled.
func (c *Client) ScanIndexedAccounts(ctx context.Context, fn func(domain.AccountRef) error) error {
	return c.scanAccounts(ctx, OrdersIndexPattern, fn)
}

// ScanDirtyAccounts calls fn for every account carrying a dirty marker.
func (c *Client) ScanDirtyAccounts(ctx context.Context, fn func(domain.AccountRef) error) error {
	return c.scanAccounts(ctx, DirtyPattern, fn)
}

func (c *Client) scanAccounts(ctx context.Context, pattern string, fn func(domain.AccountRef) error) error {
	visit := func(key string) error {
		ref, err := RefFromTaggedKey(key)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("skipping malformed key")
			return nil
		}
		return fn(ref)
	}

	if cluster, ok := c.rdb.(*redis.ClusterClient); ok {
		return cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return scanNode(ctx, node, pattern, visit)
		})
	}
	return scanNode(ctx, c.rdb, pattern, visit)
}

// HeldSymbols returns the symbols whose holder set currently lists the
// account. Holder sets are spread over every partition, so all masters are scanned.
func (c *Client) HeldSymbols(ctx context.Context, ref domain.AccountRef) ([]string, error) {
	var (
		mu      sync.Mutex
		symbols []string
	)
	member := ref.Key()
	scan := func(ctx context.Context, node redis.Cmdable) error {
		return scanNode(ctx, node, SymbolHoldersPattern, func(key string) error {
			sym := SymbolFromHoldersKey(key)
			if sym == "" {
				return nil
			}
			held, err := node.SIsMember(ctx, key, member).Result()
			if err != nil {
				return err
			}
			if held {
				mu.Lock()
				symbols = append(symbols, sym)
				mu.Unlock()
			}
			return nil
		})
	}

	var err error
	if cluster, ok := c.rdb.(*redis.ClusterClient); ok {
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return scan(ctx, node)
		})
	} else {
		err = scan(ctx, c.rdb)
	}
	if err != nil {
		return nil, degraded("scan held symbols", err)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (c *Client) nodeFor(ctx context.Context, key string) (redis.Cmdable, error) {
	if cluster, ok := c.rdb.(*redis.ClusterClient); ok {
		node, err := cluster.MasterForKey(ctx, key)
		if err != nil {
			return nil, err
		}
		return node, nil
	}
	return c.rdb, nil
}

func scanNode(ctx context.Context, node redis.Cmdable, pattern string, fn func(string) error) error {
	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, next, err := node.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
