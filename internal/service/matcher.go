package service

import (
	"errors"
	"fmt"
	"time"

	"chainpay/internal/chain"
	"chainpay/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// matchOutcome 事务提交后需要触发的钩子
type matchOutcome struct {
	confirmed bool
	failed    bool
	reason    string
	order     *model.PaymentOrder
}

// Matcher 支付订单匹配器
// 轮询与推送两条路径共用的纯匹配逻辑，可被多个 goroutine 并发调用。
// 对同一 tx_hash 幂等：审计行唯一索引兜底，重复投递只允许推进确认数，
// 不允许二次记账。
type Matcher struct {
	db          *gorm.DB
	pool        *WalletPool
	notifier    Notifier
	entitlement EntitlementApplier
	tolerance   decimal.Decimal // 金额匹配容差(绝对值)
	metrics     *MonitorMetrics
	logger      *zap.SugaredLogger
}

// NewMatcher 创建匹配器
func NewMatcher(db *gorm.DB, pool *WalletPool, notifier Notifier, entitlement EntitlementApplier,
	tolerance decimal.Decimal, metrics *MonitorMetrics, logger *zap.SugaredLogger) *Matcher {
	return &Matcher{
		db:          db,
		pool:        pool,
		notifier:    notifier,
		entitlement: entitlement,
		tolerance:   tolerance,
		metrics:     metrics,
		logger:      logger.With("component", "matcher"),
	}
}

// Process 处理一笔链上观测到的转账
// 审计行插入与订单状态变更在同一数据库事务内提交；通知钩子在提交后触发。
func (m *Matcher) Process(d chain.TransactionDetails) error {
	if d.TxHash == "" {
		return errors.New("empty tx hash")
	}
	if !d.Success {
		m.logger.Warnw("skipping failed transaction", "tx_hash", d.TxHash, "network", d.Network)
		return nil
	}

	d.To = chain.NormalizeAddress(d.To, d.Network)
	d.From = chain.NormalizeAddress(d.From, d.Network)

	var outcome matchOutcome
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var audit model.BlockchainTransaction
		err := tx.Where("tx_hash = ?", d.TxHash).First(&audit).Error
		switch {
		case err == nil:
			// 重复投递(轮询+推送双路径均可能)：只做确认数推进
			m.metrics.RecordDuplicateTx(d.Network)
			return m.progressConfirmations(tx, &audit, d, &outcome)
		case errors.Is(err, gorm.ErrRecordNotFound):
			return m.processFresh(tx, d, &outcome)
		default:
			return fmt.Errorf("lookup audit row: %w", err)
		}
	})
	if err != nil {
		return err
	}

	m.fireHooks(outcome)
	return nil
}

// processFresh 首次见到该交易
func (m *Matcher) processFresh(tx *gorm.DB, d chain.TransactionDetails, outcome *matchOutcome) error {
	audit := model.BlockchainTransaction{
		Network:       d.Network,
		TxHash:        d.TxHash,
		FromAddress:   d.From,
		ToAddress:     d.To,
		Amount:        d.Amount.String(),
		BlockNumber:   d.BlockNumber,
		Confirmations: d.Confirmations,
	}
	if err := tx.Create(&audit).Error; err != nil {
		// 并发双路径同时首投：唯一索引冲突让出，另一路径已在处理
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			m.metrics.RecordDuplicateTx(d.Network)
			return nil
		}
		return fmt.Errorf("insert audit row: %w", err)
	}

	// 找归属订单：地址+网络，仍在收款中且未过期
	var order model.PaymentOrder
	err := tx.Where("to_address = ? AND network = ? AND status IN ? AND expires_at > ?",
		d.To, d.Network,
		[]model.OrderStatus{model.OrderStatusPending, model.OrderStatusConfirming},
		time.Now()).
		Order("created_at ASC").
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 池化地址会收到与订单无关的链上流量，属正常情况
			m.logger.Infow("transfer matches no tracked order",
				"tx_hash", d.TxHash, "network", d.Network, "to", d.To, "amount", d.Amount)
			return nil
		}
		return fmt.Errorf("lookup order: %w", err)
	}

	// 金额容差检查：超差显式置为 failed，绝不默默收下错误金额
	diff := d.Amount.Sub(order.ExpectedAmount).Abs()
	if diff.GreaterThan(m.tolerance) {
		reason := fmt.Sprintf("amount mismatch: expected %s, got %s (tolerance %s)",
			order.ExpectedAmount, d.Amount, m.tolerance)
		if err := m.failOrder(tx, &order, d, reason); err != nil {
			return err
		}
		m.linkAudit(tx, audit.ID, order.ID)
		outcome.failed = true
		outcome.reason = reason
		outcome.order = &order
		return nil
	}

	if d.Confirmations >= order.RequiredConfirmations {
		if err := m.confirmOrder(tx, &order, d); err != nil {
			return err
		}
		m.linkAudit(tx, audit.ID, order.ID)
		m.metrics.RecordOrderMatch(d.Network)
		outcome.confirmed = true
		outcome.order = &order
		return nil
	}

	// 确认数不足：进入 confirming，钱包继续占用
	if err := m.markConfirming(tx, &order, d); err != nil {
		return err
	}
	m.linkAudit(tx, audit.ID, order.ID)
	m.metrics.RecordOrderMatch(d.Network)
	return nil
}

// progressConfirmations 重复投递路径：只允许确认数前进，不允许再次记账
func (m *Matcher) progressConfirmations(tx *gorm.DB, audit *model.BlockchainTransaction,
	d chain.TransactionDetails, outcome *matchOutcome) error {
	// 审计行确认数单调推进(陈旧副本报来的更低值被忽略)
	if err := tx.Model(&model.BlockchainTransaction{}).
		Where("id = ? AND confirmations < ?", audit.ID, d.Confirmations).
		Update("confirmations", d.Confirmations).Error; err != nil {
		return fmt.Errorf("advance audit confirmations: %w", err)
	}

	if audit.OrderID == nil {
		return nil
	}

	var order model.PaymentOrder
	if err := tx.First(&order, *audit.OrderID).Error; err != nil {
		return fmt.Errorf("load order %d: %w", *audit.OrderID, err)
	}

	// 终态订单不再变化
	if order.Status != model.OrderStatusConfirming {
		return nil
	}

	if err := m.advanceOrderConfirmations(tx, &order, d.Confirmations); err != nil {
		return err
	}

	if d.Confirmations >= order.RequiredConfirmations {
		if err := m.confirmOrder(tx, &order, d); err != nil {
			return err
		}
		outcome.confirmed = true
		outcome.order = &order
	}
	return nil
}

// confirmOrder 确认订单：置终态、释放钱包、累计钱包成交
func (m *Matcher) confirmOrder(tx *gorm.DB, order *model.PaymentOrder, d chain.TransactionDetails) error {
	now := time.Now()
	result := tx.Model(&model.PaymentOrder{}).
		Where("id = ? AND status IN ?", order.ID,
			[]model.OrderStatus{model.OrderStatusPending, model.OrderStatusConfirming}).
		Updates(map[string]interface{}{
			"status":           model.OrderStatusConfirmed,
			"actual_amount":    d.Amount,
			"from_address":     d.From,
			"transaction_hash": d.TxHash,
			"confirmed_at":     &now,
		})
	if result.Error != nil {
		return fmt.Errorf("confirm order %s: %w", order.OrderNo, result.Error)
	}
	if result.RowsAffected == 0 {
		// 已被并发调用者置为终态
		return nil
	}

	if err := m.advanceOrderConfirmations(tx, order, d.Confirmations); err != nil {
		return err
	}

	if _, err := m.pool.ReleaseTx(tx, order.WalletID); err != nil {
		return err
	}
	if err := m.pool.RecordReceiptTx(tx, order.WalletID, d.Amount); err != nil {
		return err
	}

	order.Status = model.OrderStatusConfirmed
	order.ActualAmount = d.Amount
	order.TransactionHash = d.TxHash
	order.ConfirmedAt = &now
	return nil
}

// failOrder 金额超差：置 failed、记录原因、释放钱包
func (m *Matcher) failOrder(tx *gorm.DB, order *model.PaymentOrder, d chain.TransactionDetails, reason string) error {
	result := tx.Model(&model.PaymentOrder{}).
		Where("id = ? AND status IN ?", order.ID,
			[]model.OrderStatus{model.OrderStatusPending, model.OrderStatusConfirming}).
		Updates(map[string]interface{}{
			"status":           model.OrderStatusFailed,
			"actual_amount":    d.Amount,
			"from_address":     d.From,
			"transaction_hash": d.TxHash,
			"fail_reason":      reason,
		})
	if result.Error != nil {
		return fmt.Errorf("fail order %s: %w", order.OrderNo, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	if _, err := m.pool.ReleaseTx(tx, order.WalletID); err != nil {
		return err
	}

	order.Status = model.OrderStatusFailed
	order.ActualAmount = d.Amount
	order.FailReason = reason
	return nil
}

// markConfirming 进入等待确认状态，钱包保持占用
func (m *Matcher) markConfirming(tx *gorm.DB, order *model.PaymentOrder, d chain.TransactionDetails) error {
	result := tx.Model(&model.PaymentOrder{}).
		Where("id = ? AND status IN ?", order.ID,
			[]model.OrderStatus{model.OrderStatusPending, model.OrderStatusConfirming}).
		Updates(map[string]interface{}{
			"status":           model.OrderStatusConfirming,
			"actual_amount":    d.Amount,
			"from_address":     d.From,
			"transaction_hash": d.TxHash,
		})
	if result.Error != nil {
		return fmt.Errorf("mark order %s confirming: %w", order.OrderNo, result.Error)
	}

	return m.advanceOrderConfirmations(tx, order, d.Confirmations)
}

// advanceOrderConfirmations 确认数只增不减
// 陈旧 RPC 副本可能报出更低的确认数，条件更新保证单调。
func (m *Matcher) advanceOrderConfirmations(tx *gorm.DB, order *model.PaymentOrder, confirmations int) error {
	err := tx.Model(&model.PaymentOrder{}).
		Where("id = ? AND confirmations < ?", order.ID, confirmations).
		Update("confirmations", confirmations).Error
	if err != nil {
		return fmt.Errorf("advance confirmations for order %s: %w", order.OrderNo, err)
	}
	if confirmations > order.Confirmations {
		order.Confirmations = confirmations
	}
	return nil
}

// linkAudit 审计行关联订单
func (m *Matcher) linkAudit(tx *gorm.DB, auditID, orderID uint) {
	if err := tx.Model(&model.BlockchainTransaction{}).
		Where("id = ?", auditID).
		Updates(map[string]interface{}{"matched": true, "order_id": orderID}).Error; err != nil {
		m.logger.Errorw("failed to link audit row", "audit_id", auditID, "order_id", orderID, "error", err)
	}
}

// fireHooks 事务提交后触发通知/权益钩子(fire-and-forget)
func (m *Matcher) fireHooks(outcome matchOutcome) {
	if outcome.order == nil {
		return
	}

	if outcome.confirmed {
		order := outcome.order
		go m.notifier.OrderConfirmed(order)
		go func() {
			if err := m.entitlement.ApplyEntitlement(order); err != nil {
				m.logger.Errorw("failed to apply entitlement",
					"order_no", order.OrderNo, "error", err)
			}
		}()
	}
	if outcome.failed {
		go m.notifier.OrderFailed(outcome.order, outcome.reason)
	}
}
