package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spot-Canvas/copytrade/internal/domain"
)

func TestAccountKeysShareHashTag(t *testing.T) {
	ref := domain.AccountRef{Type: domain.AccountTypeCopyFollower, ID: 42}

	assert.Equal(t, "order:{copy_follower:42}:7000000000000000001", OrderKey(ref, "7000000000000000001"))
	assert.Equal(t, "order:{copy_follower:42}:*", OrderKeyPattern(ref))
	assert.Equal(t, "orders_index:{copy_follower:42}", OrdersIndexKey(ref))
	assert.Equal(t, "balance:{copy_follower:42}", BalanceKey(ref))
	assert.Equal(t, "portfolio:{copy_follower:42}", PortfolioKey(ref))
	assert.Equal(t, "dirty:{copy_follower:42}", DirtyKey(ref))
	assert.Equal(t, "symbol_holders:{EURUSD}", SymbolHoldersKey("EURUSD"))
}

func TestOrderIDFromKey(t *testing.T) {
	ref := domain.AccountRef{Type: domain.AccountTypeStrategyProvider, ID: 3}
	assert.Equal(t, "123", OrderIDFromKey(OrderKey(ref, "123")))
	assert.Equal(t, "", OrderIDFromKey("noseparator"))
}

func TestRefFromTaggedKey(t *testing.T) {
	tests := []struct {
		key     string
		want    domain.AccountRef
		wantErr bool
	}{
		{key: "orders_index:{copy_follower:42}", want: domain.AccountRef{Type: domain.AccountTypeCopyFollower, ID: 42}},
		{key: "dirty:{live:7}", want: domain.AccountRef{Type: domain.AccountTypeLive, ID: 7}},
		{key: "order:{strategy_provider:3}:99", want: domain.AccountRef{Type: domain.AccountTypeStrategyProvider, ID: 3}},
		{key: "orders_index:copy_follower:42", wantErr: true},
		{key: "dirty:{unknown:1}", wantErr: true},
		{key: "dirty:{copy_follower:abc}", wantErr: true},
		{key: "dirty:}{", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := RefFromTaggedKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSymbolFromHoldersKey(t *testing.T) {
	assert.Equal(t, "EURUSD", SymbolFromHoldersKey(SymbolHoldersKey("EURUSD")))
	assert.Equal(t, "", SymbolFromHoldersKey("symbol_holders:EURUSD"))
	assert.Equal(t, "", SymbolFromHoldersKey("orders_index:{copy_follower:1}"))
}
