package service

import (
	"chainpay/internal/model"

	"go.uber.org/zap"
)

// Notifier 订单结果通知钩子
// 通知投递(邮件/站内信)由外部协作方实现，本服务只负责触发。
type Notifier interface {
	OrderConfirmed(order *model.PaymentOrder)
	OrderFailed(order *model.PaymentOrder, reason string)
	OrderExpired(order *model.PaymentOrder)
}

// EntitlementApplier 订单确认后应用权益(会员时长等)的钩子，由外部协作方实现
type EntitlementApplier interface {
	ApplyEntitlement(order *model.PaymentOrder) error
}

// LogNotifier 默认通知实现，仅记日志
type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) OrderConfirmed(order *model.PaymentOrder) {
	n.logger.Infow("order confirmed",
		"order_no", order.OrderNo, "network", order.Network,
		"amount", order.ActualAmount, "tx_hash", order.TransactionHash)
}

func (n *LogNotifier) OrderFailed(order *model.PaymentOrder, reason string) {
	n.logger.Warnw("order failed",
		"order_no", order.OrderNo, "network", order.Network,
		"expected", order.ExpectedAmount, "actual", order.ActualAmount, "reason", reason)
}

func (n *LogNotifier) OrderExpired(order *model.PaymentOrder) {
	n.logger.Infow("order expired", "order_no", order.OrderNo, "network", order.Network)
}

// LogEntitlement 默认权益实现，仅记日志
type LogEntitlement struct {
	logger *zap.SugaredLogger
}

func NewLogEntitlement(logger *zap.SugaredLogger) *LogEntitlement {
	return &LogEntitlement{logger: logger.With("component", "entitlement")}
}

func (e *LogEntitlement) ApplyEntitlement(order *model.PaymentOrder) error {
	e.logger.Infow("entitlement applied", "order_no", order.OrderNo, "user_id", order.UserID)
	return nil
}
