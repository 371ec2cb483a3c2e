package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus 支付订单状态
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"    // 待支付
	OrderStatusConfirming OrderStatus = "confirming" // 已见交易，等待确认数
	OrderStatusConfirmed  OrderStatus = "confirmed"  // 已确认(终态)
	OrderStatusExpired    OrderStatus = "expired"    // 已过期(终态)
	OrderStatusFailed     OrderStatus = "failed"     // 金额不符等失败(终态)
	OrderStatusCancelled  OrderStatus = "cancelled"  // 已取消(终态)
)

// Terminal 是否为终态
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusConfirmed, OrderStatusExpired, OrderStatusFailed, OrderStatusCancelled:
		return true
	}
	return false
}

// RequiredConfirmations 各网络的确认数阈值
// trc20 走 TronGrid 的 solid block，1 即最终；erc20 取 12；bep20 取 3。
func RequiredConfirmations(network string) int {
	switch network {
	case "trc20":
		return 1
	case "erc20":
		return 12
	case "bep20":
		return 3
	default:
		return 12
	}
}

// PaymentOrder 支付订单表
type PaymentOrder struct {
	ID                    uint            `gorm:"primaryKey" json:"id"`
	OrderNo               string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	UserID                uint            `gorm:"not null;index" json:"user_id"`
	WalletID              uint            `gorm:"not null;index" json:"wallet_id"`
	Network               string          `gorm:"type:varchar(20);not null;index:idx_addr_network" json:"network"`
	ExpectedAmount        decimal.Decimal `gorm:"type:decimal(18,6);not null" json:"expected_amount"`
	ActualAmount          decimal.Decimal `gorm:"type:decimal(18,6)" json:"actual_amount"`
	ToAddress             string          `gorm:"type:varchar(100);not null;index:idx_addr_network" json:"to_address"`
	FromAddress           string          `gorm:"type:varchar(100)" json:"from_address"`
	TransactionHash       string          `gorm:"type:varchar(100);index" json:"transaction_hash"`
	Confirmations         int             `gorm:"default:0" json:"confirmations"` // 仅单调递增，见 matcher
	RequiredConfirmations int             `gorm:"not null" json:"required_confirmations"`
	Status                OrderStatus     `gorm:"type:varchar(20);default:'pending';index:idx_status_expires" json:"status"`
	FailReason            string          `gorm:"type:varchar(200)" json:"fail_reason"`
	ExpiresAt             time.Time       `gorm:"index:idx_status_expires" json:"expires_at"`
	ConfirmedAt           *time.Time      `json:"confirmed_at"`
	CancelledAt           *time.Time      `json:"cancelled_at"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	DeletedAt             gorm.DeletedAt  `gorm:"index" json:"-"`
}

func (PaymentOrder) TableName() string {
	return "payment_orders"
}

// Active 订单是否仍在等待收款(未过期的 pending/confirming)
func (o *PaymentOrder) Active(now time.Time) bool {
	if o.Status != OrderStatusPending && o.Status != OrderStatusConfirming {
		return false
	}
	return o.ExpiresAt.After(now)
}
