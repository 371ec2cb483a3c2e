package service

import (
	"context"
	"time"

	"chainpay/internal/chain"
	"chainpay/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BalanceSync 钱包余额对账任务
// 独立于交易监听的节奏，定期拉取链上真实余额刷新本地记录。
// 差异在 epsilon 以内不落库，避免无意义写放大。
type BalanceSync struct {
	db       *gorm.DB
	registry *chain.Registry
	interval time.Duration
	epsilon  decimal.Decimal
	logger   *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBalanceSync 创建余额对账任务
func NewBalanceSync(db *gorm.DB, registry *chain.Registry, interval time.Duration,
	epsilon decimal.Decimal, logger *zap.SugaredLogger) *BalanceSync {
	return &BalanceSync{
		db:       db,
		registry: registry,
		interval: interval,
		epsilon:  epsilon,
		logger:   logger.With("component", "balance_sync"),
	}
}

// Start 启动对账循环，重复调用无副作用
func (s *BalanceSync) Start() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
	s.logger.Infow("balance sync started", "interval", s.interval)
}

// Stop 停止对账并等待退出
func (s *BalanceSync) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("balance sync stopped")
}

func (s *BalanceSync) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncAll(ctx)
		}
	}
}

// syncAll 对所有可用网络执行一轮对账
// 单个钱包失败只跳过该钱包，不中断整轮。
func (s *BalanceSync) syncAll(ctx context.Context) {
	for _, network := range s.registry.Networks() {
		client, err := s.registry.Get(network)
		if err != nil {
			continue
		}

		var wallets []model.Wallet
		err = s.db.Where("network = ? AND status NOT IN ?",
			network, []model.WalletStatus{model.WalletStatusDisabled}).
			Find(&wallets).Error
		if err != nil {
			s.logger.Errorw("failed to list wallets", "network", network, "error", err)
			continue
		}

		updated := 0
		for i := range wallets {
			if ctx.Err() != nil {
				return
			}
			if s.syncOne(ctx, client, &wallets[i]) {
				updated++
			}
		}
		if updated > 0 {
			s.logger.Infow("balance sync round done",
				"network", network, "wallets", len(wallets), "updated", updated)
		}
	}
}

func (s *BalanceSync) syncOne(ctx context.Context, client chain.Client, w *model.Wallet) bool {
	balance, err := client.TokenBalance(ctx, w.Address)
	if err != nil {
		s.logger.Warnw("failed to fetch balance",
			"network", w.Network, "address", w.Address, "error", err)
		return false
	}

	now := time.Now()
	if balance.Sub(w.Balance).Abs().LessThanOrEqual(s.epsilon) {
		// 余额没变也要刷新对账时间戳，供告警判断数据新鲜度
		if err := s.db.Model(w).Update("balance_synced_at", &now).Error; err != nil {
			s.logger.Errorw("failed to refresh balance timestamp",
				"network", w.Network, "address", w.Address, "error", err)
		}
		return false
	}

	s.logger.Infow("wallet balance changed",
		"network", w.Network, "address", w.Address,
		"previous", w.Balance, "current", balance)
	err = s.db.Model(w).Updates(map[string]interface{}{
		"balance":           balance,
		"balance_synced_at": &now,
	}).Error
	if err != nil {
		s.logger.Errorw("failed to update balance",
			"network", w.Network, "address", w.Address, "error", err)
		return false
	}
	return true
}
