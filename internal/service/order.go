package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainpay/config"
	"chainpay/internal/model"
	"chainpay/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrActiveOrderExists 用户已有进行中的订单
	ErrActiveOrderExists = errors.New("user already has an active order")
	// ErrOrderNotFound 订单不存在
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotCancellable 订单状态不允许取消
	ErrOrderNotCancellable = errors.New("order cannot be cancelled in its current state")
	// ErrOrderTerminal 订单已是终态
	ErrOrderTerminal = errors.New("order already in terminal state")
)

// CreateOrderRequest 创建订单入参
type CreateOrderRequest struct {
	UserID  uint
	Network string
	Amount  decimal.Decimal
}

// OrderService 订单生命周期管理
// 创建时钱包分配与订单落库同事务提交，任何一步失败整体回滚，
// 不会出现钱包被占用而订单不存在的泄漏。
type OrderService struct {
	db       *gorm.DB
	pool     *WalletPool
	notifier Notifier
	cfg      config.OrderConfig
	chains   config.BlockchainConfig
	logger   *zap.SugaredLogger

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewOrderService 创建订单服务
func NewOrderService(db *gorm.DB, pool *WalletPool, notifier Notifier,
	cfg config.OrderConfig, chains config.BlockchainConfig, logger *zap.SugaredLogger) *OrderService {
	return &OrderService{
		db:       db,
		pool:     pool,
		notifier: notifier,
		cfg:      cfg,
		chains:   chains,
		logger:   logger.With("component", "order"),
	}
}

// CreateOrder 创建支付订单并分配收款钱包
func (s *OrderService) CreateOrder(req CreateOrderRequest) (*model.PaymentOrder, error) {
	cc, ok := s.chains.Chain(req.Network)
	if !ok || !cc.Enabled {
		return nil, fmt.Errorf("network %s is not enabled", req.Network)
	}
	if !req.Amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	required := cc.Confirmations
	if required <= 0 {
		required = model.RequiredConfirmations(req.Network)
	}

	now := time.Now()
	order := &model.PaymentOrder{
		OrderNo:               util.GenerateOrderNo(),
		UserID:                req.UserID,
		Network:               req.Network,
		ExpectedAmount:        req.Amount,
		RequiredConfirmations: required,
		Status:                model.OrderStatusPending,
		ExpiresAt:             now.Add(time.Duration(s.cfg.ExpireMinutes) * time.Minute),
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if s.cfg.SingleActivePerUser {
			var count int64
			err := tx.Model(&model.PaymentOrder{}).
				Where("user_id = ? AND status IN ? AND expires_at > ?",
					req.UserID,
					[]model.OrderStatus{model.OrderStatusPending, model.OrderStatusConfirming},
					now).
				Count(&count).Error
			if err != nil {
				return fmt.Errorf("count active orders: %w", err)
			}
			if count > 0 {
				return ErrActiveOrderExists
			}
		}

		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		wallet, err := s.pool.AllocateTx(tx, order.ID, req.Network)
		if err != nil {
			return err
		}

		err = tx.Model(order).Updates(map[string]interface{}{
			"wallet_id":  wallet.ID,
			"to_address": wallet.Address,
		}).Error
		if err != nil {
			return fmt.Errorf("bind wallet to order: %w", err)
		}
		order.WalletID = wallet.ID
		order.ToAddress = wallet.Address
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("order created",
		"order_no", order.OrderNo, "user_id", req.UserID, "network", req.Network,
		"amount", req.Amount, "to_address", order.ToAddress, "expires_at", order.ExpiresAt)
	return order, nil
}

// GetOrder 按订单号查询
func (s *OrderService) GetOrder(orderNo string) (*model.PaymentOrder, error) {
	var order model.PaymentOrder
	err := s.db.Where("order_no = ?", orderNo).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// ListOrders 按用户查询订单(分页，新订单在前)
func (s *OrderService) ListOrders(userID uint, status OrderStatusFilter, page, pageSize int) ([]model.PaymentOrder, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := s.db.Model(&model.PaymentOrder{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", string(status))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []model.PaymentOrder
	err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error
	return orders, total, err
}

// OrderStatusFilter 列表查询的状态过滤，空串表示不过滤
type OrderStatusFilter string

// CancelOrder 取消待支付订单
// 只有 pending 可取消；已见交易的订单不允许取消，避免用户款项落空。
func (s *OrderService) CancelOrder(orderNo string) (*model.PaymentOrder, error) {
	order, err := s.GetOrder(orderNo)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.PaymentOrder{}).
			Where("id = ? AND status = ?", order.ID, model.OrderStatusPending).
			Updates(map[string]interface{}{
				"status":       model.OrderStatusCancelled,
				"cancelled_at": &now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrOrderNotCancellable
		}
		_, err := s.pool.ReleaseTx(tx, order.WalletID)
		return err
	})
	if err != nil {
		return nil, err
	}

	order.Status = model.OrderStatusCancelled
	order.CancelledAt = &now
	s.logger.Infow("order cancelled", "order_no", orderNo)
	return order, nil
}

// ManualConfirm 人工确认订单(运营兜底)
// 用于链上已到账但自动匹配失败的场景，实收金额按运营核对值记录。
func (s *OrderService) ManualConfirm(orderNo string, actualAmount decimal.Decimal, txHash string) (*model.PaymentOrder, error) {
	order, err := s.GetOrder(orderNo)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.PaymentOrder{}).
			Where("id = ? AND status IN ?", order.ID,
				[]model.OrderStatus{model.OrderStatusPending, model.OrderStatusConfirming,
					model.OrderStatusExpired, model.OrderStatusFailed}).
			Updates(map[string]interface{}{
				"status":           model.OrderStatusConfirmed,
				"actual_amount":    actualAmount,
				"transaction_hash": txHash,
				"fail_reason":      "",
				"confirmed_at":     &now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrOrderTerminal
		}
		// 过期/失败订单的钱包可能已回池甚至被新订单占用，
		// 只有仍归本订单占用时才释放并记账。
		held, err := s.pool.ReleaseForOrderTx(tx, order.WalletID, order.ID)
		if err != nil {
			return err
		}
		if !held {
			return nil
		}
		return s.pool.RecordReceiptTx(tx, order.WalletID, actualAmount)
	})
	if err != nil {
		return nil, err
	}

	order.Status = model.OrderStatusConfirmed
	order.ActualAmount = actualAmount
	order.TransactionHash = txHash
	order.ConfirmedAt = &now

	s.logger.Warnw("order manually confirmed",
		"order_no", orderNo, "amount", actualAmount, "tx_hash", txHash)
	go s.notifier.OrderConfirmed(order)
	return order, nil
}

// StartExpireSweep 启动过期清理循环
func (s *OrderService) StartExpireSweep() {
	if s.sweepCancel != nil {
		return
	}
	interval := time.Duration(s.cfg.ExpireSweepSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepDone = make(chan struct{})

	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.ExpireOrders(); err != nil {
					s.logger.Errorw("expire sweep failed", "error", err)
				} else if n > 0 {
					s.logger.Infow("expired orders swept", "count", n)
				}
			}
		}
	}()
	s.logger.Infow("expire sweep started", "interval", interval)
}

// StopExpireSweep 停止过期清理
func (s *OrderService) StopExpireSweep() {
	if s.sweepCancel == nil {
		return
	}
	s.sweepCancel()
	<-s.sweepDone
	s.sweepCancel = nil
}

// ExpireOrders 把超时未完成的订单置为 expired 并释放钱包
// confirming 超时同样过期：交易可能被回滚出链，不能无限占着钱包等。
func (s *OrderService) ExpireOrders() (int, error) {
	var stale []model.PaymentOrder
	err := s.db.Where("status IN ? AND expires_at <= ?",
		[]model.OrderStatus{model.OrderStatusPending, model.OrderStatusConfirming},
		time.Now()).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("list stale orders: %w", err)
	}

	expired := 0
	for i := range stale {
		order := &stale[i]
		err := s.db.Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&model.PaymentOrder{}).
				Where("id = ? AND status IN ?", order.ID,
					[]model.OrderStatus{model.OrderStatusPending, model.OrderStatusConfirming}).
				Update("status", model.OrderStatusExpired)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				// 清理期间被确认了，让位
				return nil
			}
			if _, err := s.pool.ReleaseTx(tx, order.WalletID); err != nil {
				return err
			}
			expired++
			order.Status = model.OrderStatusExpired
			return nil
		})
		if err != nil {
			s.logger.Errorw("failed to expire order", "order_no", order.OrderNo, "error", err)
			continue
		}
		if order.Status == model.OrderStatusExpired {
			go s.notifier.OrderExpired(order)
		}
	}
	return expired, nil
}
