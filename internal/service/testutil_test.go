package service

import (
	"sync"
	"testing"
	"time"

	"chainpay/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testMasterKey = make([]byte, 32)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// 内存库每个连接各自独立，收紧到单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, model.Migrate(db))
	return db
}

func newTestPool(t *testing.T, db *gorm.DB) *WalletPool {
	return NewWalletPool(db, testMasterKey, zap.NewNop().Sugar())
}

// seedWallet 建一个可用钱包
func seedWallet(t *testing.T, db *gorm.DB, network, address string) *model.Wallet {
	w := &model.Wallet{
		Network: network,
		Address: address,
		Status:  model.WalletStatusAvailable,
		Balance: decimal.Zero,
	}
	require.NoError(t, db.Create(w).Error)
	return w
}

// seedOrder 建一个已分配钱包的订单
func seedOrder(t *testing.T, db *gorm.DB, w *model.Wallet, orderNo string,
	expected decimal.Decimal, required int, status model.OrderStatus) *model.PaymentOrder {
	o := &model.PaymentOrder{
		OrderNo:               orderNo,
		UserID:                1,
		WalletID:              w.ID,
		Network:               w.Network,
		ExpectedAmount:        expected,
		ToAddress:             w.Address,
		RequiredConfirmations: required,
		Status:                status,
		ExpiresAt:             time.Now().Add(30 * time.Minute),
	}
	require.NoError(t, db.Create(o).Error)

	require.NoError(t, db.Model(w).Updates(map[string]interface{}{
		"status":           model.WalletStatusOccupied,
		"current_order_id": o.ID,
	}).Error)
	return o
}

// stubNotifier 记录通知回调，供测试等待异步钩子
type stubNotifier struct {
	mu        sync.Mutex
	confirmed []string
	failed    []string
	expired   []string
	fired     chan struct{}
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{fired: make(chan struct{}, 16)}
}

func (n *stubNotifier) OrderConfirmed(o *model.PaymentOrder) {
	n.mu.Lock()
	n.confirmed = append(n.confirmed, o.OrderNo)
	n.mu.Unlock()
	n.fired <- struct{}{}
}

func (n *stubNotifier) OrderFailed(o *model.PaymentOrder, reason string) {
	n.mu.Lock()
	n.failed = append(n.failed, o.OrderNo)
	n.mu.Unlock()
	n.fired <- struct{}{}
}

func (n *stubNotifier) OrderExpired(o *model.PaymentOrder) {
	n.mu.Lock()
	n.expired = append(n.expired, o.OrderNo)
	n.mu.Unlock()
	n.fired <- struct{}{}
}

// waitFired 等待一次钩子触发
func (n *stubNotifier) waitFired(t *testing.T) {
	select {
	case <-n.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier hook not fired in time")
	}
}

func (n *stubNotifier) confirmedOrders() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.confirmed...)
}

func (n *stubNotifier) failedOrders() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.failed...)
}

// stubEntitlement 记录权益发放
type stubEntitlement struct {
	mu     sync.Mutex
	orders []string
}

func (e *stubEntitlement) ApplyEntitlement(o *model.PaymentOrder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders = append(e.orders, o.OrderNo)
	return nil
}
