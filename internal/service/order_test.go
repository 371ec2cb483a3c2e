package service

import (
	"testing"
	"time"

	"chainpay/config"
	"chainpay/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestOrderService(t *testing.T, db *gorm.DB, notifier Notifier) *OrderService {
	pool := newTestPool(t, db)
	return NewOrderService(db, pool, notifier, config.OrderConfig{
		ExpireMinutes:       30,
		AmountTolerance:     "0.1",
		SingleActivePerUser: true,
		ExpireSweepSeconds:  60,
	}, config.BlockchainConfig{
		TRC20: config.ChainConfig{Enabled: true, Confirmations: 1},
		ERC20: config.ChainConfig{Enabled: true, Confirmations: 12},
	}, zap.NewNop().Sugar())
}

func TestCreateOrderAllocatesWallet(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestOrderService(t, db, newStubNotifier())

	w := seedWallet(t, db, "trc20", "TAddr1")

	order, err := svc.CreateOrder(CreateOrderRequest{
		UserID: 1, Network: "trc20", Amount: decimal.RequireFromString("100"),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, order.OrderNo)
	assert.Equal(t, w.ID, order.WalletID)
	assert.Equal(t, "TAddr1", order.ToAddress)
	assert.Equal(t, 1, order.RequiredConfirmations)
	assert.Equal(t, model.OrderStatusPending, order.Status)
	assert.True(t, order.ExpiresAt.After(time.Now()))

	var wallet model.Wallet
	require.NoError(t, db.First(&wallet, w.ID).Error)
	assert.Equal(t, model.WalletStatusOccupied, wallet.Status)
	require.NotNil(t, wallet.CurrentOrderID)
	assert.Equal(t, order.ID, *wallet.CurrentOrderID)
}

func TestCreateOrderCapacityExhausted(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestOrderService(t, db, newStubNotifier())

	seedWallet(t, db, "trc20", "TOnly")

	_, err := svc.CreateOrder(CreateOrderRequest{
		UserID: 1, Network: "trc20", Amount: decimal.RequireFromString("10"),
	})
	require.NoError(t, err)

	// 钱包用尽：报错且不留下半截订单
	_, err = svc.CreateOrder(CreateOrderRequest{
		UserID: 2, Network: "trc20", Amount: decimal.RequireFromString("20"),
	})
	assert.ErrorIs(t, err, ErrNoWalletAvailable)

	var count int64
	db.Model(&model.PaymentOrder{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestCreateOrderSingleActivePerUser(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestOrderService(t, db, newStubNotifier())

	seedWallet(t, db, "trc20", "TA")
	seedWallet(t, db, "trc20", "TB")

	_, err := svc.CreateOrder(CreateOrderRequest{
		UserID: 1, Network: "trc20", Amount: decimal.RequireFromString("10"),
	})
	require.NoError(t, err)

	_, err = svc.CreateOrder(CreateOrderRequest{
		UserID: 1, Network: "trc20", Amount: decimal.RequireFromString("20"),
	})
	assert.ErrorIs(t, err, ErrActiveOrderExists)

	// 其他用户不受影响
	_, err = svc.CreateOrder(CreateOrderRequest{
		UserID: 2, Network: "trc20", Amount: decimal.RequireFromString("20"),
	})
	assert.NoError(t, err)
}

func TestCreateOrderRejectsDisabledNetwork(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestOrderService(t, db, newStubNotifier())

	_, err := svc.CreateOrder(CreateOrderRequest{
		UserID: 1, Network: "bep20", Amount: decimal.RequireFromString("10"),
	})
	assert.Error(t, err)

	_, err = svc.CreateOrder(CreateOrderRequest{
		UserID: 1, Network: "trc20", Amount: decimal.Zero,
	})
	assert.Error(t, err)
}

func TestCancelOrder(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestOrderService(t, db, newStubNotifier())

	w := seedWallet(t, db, "trc20", "TAddr2")
	order, err := svc.CreateOrder(CreateOrderRequest{
		UserID: 1, Network: "trc20", Amount: decimal.RequireFromString("10"),
	})
	require.NoError(t, err)

	cancelled, err := svc.CancelOrder(order.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	var wallet model.Wallet
	require.NoError(t, db.First(&wallet, w.ID).Error)
	assert.Equal(t, model.WalletStatusAvailable, wallet.Status)

	// 终态不可再取消
	_, err = svc.CancelOrder(order.OrderNo)
	assert.ErrorIs(t, err, ErrOrderNotCancellable)
}

func TestCancelOrderRejectsConfirming(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestOrderService(t, db, newStubNotifier())

	w := seedWallet(t, db, "trc20", "TAddr3")
	order := seedOrder(t, db, w, "ORD-C", decimal.RequireFromString("10"), 1, model.OrderStatusConfirming)

	_, err := svc.CancelOrder(order.OrderNo)
	assert.ErrorIs(t, err, ErrOrderNotCancellable)
}

func TestExpireOrders(t *testing.T) {
	db := setupTestDB(t)
	notifier := newStubNotifier()
	svc := newTestOrderService(t, db, notifier)

	w := seedWallet(t, db, "trc20", "TAddr4")
	order := seedOrder(t, db, w, "ORD-E", decimal.RequireFromString("10"), 1, model.OrderStatusPending)
	require.NoError(t, db.Model(order).Update("expires_at", time.Now().Add(-time.Minute)).Error)

	fresh := seedWallet(t, db, "trc20", "TAddr5")
	seedOrder(t, db, fresh, "ORD-F", decimal.RequireFromString("10"), 1, model.OrderStatusPending)

	n, err := svc.ExpireOrders()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got model.PaymentOrder
	require.NoError(t, db.Where("order_no = ?", "ORD-E").First(&got).Error)
	assert.Equal(t, model.OrderStatusExpired, got.Status)

	// 钱包回池
	var wallet model.Wallet
	require.NoError(t, db.First(&wallet, w.ID).Error)
	assert.Equal(t, model.WalletStatusAvailable, wallet.Status)

	// 未到期的订单不受影响
	var untouched model.PaymentOrder
	require.NoError(t, db.Where("order_no = ?", "ORD-F").First(&untouched).Error)
	assert.Equal(t, model.OrderStatusPending, untouched.Status)

	notifier.waitFired(t)
}

func TestManualConfirm(t *testing.T) {
	db := setupTestDB(t)
	notifier := newStubNotifier()
	svc := newTestOrderService(t, db, notifier)

	w := seedWallet(t, db, "trc20", "TAddr6")
	order := seedOrder(t, db, w, "ORD-M", decimal.RequireFromString("100"), 1, model.OrderStatusPending)

	confirmed, err := svc.ManualConfirm(order.OrderNo, decimal.RequireFromString("100"), "tx-manual")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusConfirmed, confirmed.Status)
	assert.Equal(t, "tx-manual", confirmed.TransactionHash)

	var wallet model.Wallet
	require.NoError(t, db.First(&wallet, w.ID).Error)
	assert.Equal(t, model.WalletStatusAvailable, wallet.Status)
	assert.Equal(t, 1, wallet.TransactionCount)

	// 已确认的订单不可再人工确认
	_, err = svc.ManualConfirm(order.OrderNo, decimal.RequireFromString("100"), "tx-again")
	assert.ErrorIs(t, err, ErrOrderTerminal)
}

func TestManualConfirmExpiredOrderKeepsReallocatedWallet(t *testing.T) {
	db := setupTestDB(t)
	notifier := newStubNotifier()
	svc := newTestOrderService(t, db, notifier)

	w := seedWallet(t, db, "trc20", "TAddr7")
	orderA := seedOrder(t, db, w, "ORD-LATE", decimal.RequireFromString("50"), 1, model.OrderStatusPending)
	require.NoError(t, db.Model(orderA).Update("expires_at", time.Now().Add(-time.Minute)).Error)

	n, err := svc.ExpireOrders()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// 回池的钱包被新订单占用
	orderB, err := svc.CreateOrder(CreateOrderRequest{
		UserID: 2, Network: "trc20", Amount: decimal.RequireFromString("30"),
	})
	require.NoError(t, err)
	require.Equal(t, w.ID, orderB.WalletID)

	// 人工确认过期订单：订单置为 confirmed，但不能抢走新订单的钱包
	confirmed, err := svc.ManualConfirm("ORD-LATE", decimal.RequireFromString("50"), "tx-late")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusConfirmed, confirmed.Status)

	var wallet model.Wallet
	require.NoError(t, db.First(&wallet, w.ID).Error)
	assert.Equal(t, model.WalletStatusOccupied, wallet.Status)
	require.NotNil(t, wallet.CurrentOrderID)
	assert.Equal(t, orderB.ID, *wallet.CurrentOrderID)
	// 成交也不记到已另作分配的钱包头上
	assert.Equal(t, 0, wallet.TransactionCount)

	var gotB model.PaymentOrder
	require.NoError(t, db.First(&gotB, orderB.ID).Error)
	assert.Equal(t, model.OrderStatusPending, gotB.Status)
}

func TestListOrders(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestOrderService(t, db, newStubNotifier())

	w1 := seedWallet(t, db, "trc20", "TL1")
	w2 := seedWallet(t, db, "trc20", "TL2")
	seedOrder(t, db, w1, "ORD-L1", decimal.RequireFromString("10"), 1, model.OrderStatusConfirmed)
	seedOrder(t, db, w2, "ORD-L2", decimal.RequireFromString("20"), 1, model.OrderStatusPending)

	orders, total, err := svc.ListOrders(1, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, orders, 2)

	orders, total, err = svc.ListOrders(1, OrderStatusFilter(model.OrderStatusPending), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, orders, 1)
	assert.Equal(t, "ORD-L2", orders[0].OrderNo)
}
