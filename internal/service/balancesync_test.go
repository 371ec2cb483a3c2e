package service

import (
	"context"
	"testing"
	"time"

	"chainpay/config"
	"chainpay/internal/chain"
	"chainpay/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBalanceSyncUpdatesChangedWallets(t *testing.T) {
	db := setupTestDB(t)
	client := newFakeClient("trc20", 100)

	registry := chain.NewRegistry(&config.BlockchainConfig{}, zap.NewNop().Sugar())
	registry.Register(client)

	sync := NewBalanceSync(db, registry, time.Minute,
		decimal.RequireFromString("0.000001"), zap.NewNop().Sugar())

	w := seedWallet(t, db, "trc20", "TBalAddr")
	client.balances["TBalAddr"] = decimal.RequireFromString("123.456789")

	// 禁用的钱包不参与对账
	disabled := seedWallet(t, db, "trc20", "TDisabled")
	require.NoError(t, db.Model(disabled).Update("status", model.WalletStatusDisabled).Error)
	client.balances["TDisabled"] = decimal.RequireFromString("999")

	sync.syncAll(context.Background())

	var got model.Wallet
	require.NoError(t, db.First(&got, w.ID).Error)
	assert.True(t, decimal.RequireFromString("123.456789").Equal(got.Balance))
	assert.NotNil(t, got.BalanceSyncedAt)

	var gotDisabled model.Wallet
	require.NoError(t, db.First(&gotDisabled, disabled.ID).Error)
	assert.True(t, gotDisabled.Balance.IsZero())
}

func TestBalanceSyncSkipsUnchanged(t *testing.T) {
	db := setupTestDB(t)
	client := newFakeClient("trc20", 100)

	registry := chain.NewRegistry(&config.BlockchainConfig{}, zap.NewNop().Sugar())
	registry.Register(client)

	sync := NewBalanceSync(db, registry, time.Minute,
		decimal.RequireFromString("0.01"), zap.NewNop().Sugar())

	w := seedWallet(t, db, "trc20", "TSameAddr")
	require.NoError(t, db.Model(w).Update("balance", decimal.RequireFromString("50")).Error)

	// 差异在 epsilon 内：余额不动，但对账时间刷新
	client.balances["TSameAddr"] = decimal.RequireFromString("50.005")
	sync.syncAll(context.Background())

	var got model.Wallet
	require.NoError(t, db.First(&got, w.ID).Error)
	assert.True(t, decimal.RequireFromString("50").Equal(got.Balance))
	assert.NotNil(t, got.BalanceSyncedAt)
}

func TestBalanceSyncStartStop(t *testing.T) {
	db := setupTestDB(t)
	registry := chain.NewRegistry(&config.BlockchainConfig{}, zap.NewNop().Sugar())

	sync := NewBalanceSync(db, registry, 10*time.Millisecond,
		decimal.Zero, zap.NewNop().Sugar())

	sync.Start()
	sync.Start() // 幂等
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sync.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
