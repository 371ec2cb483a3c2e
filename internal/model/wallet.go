package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// WalletStatus 钱包状态
type WalletStatus string

const (
	WalletStatusAvailable   WalletStatus = "available"   // 空闲，可分配
	WalletStatusOccupied    WalletStatus = "occupied"    // 已分配给订单
	WalletStatusMaintenance WalletStatus = "maintenance" // 维护中(运营手动)
	WalletStatusDisabled    WalletStatus = "disabled"    // 已禁用
	WalletStatusError       WalletStatus = "error"       // 异常，需人工处理
)

// Wallet 收款钱包地址表
// 同一钱包同一时刻最多被一个未完结订单持有(current_order_id)。
type Wallet struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	Network          string          `gorm:"type:varchar(20);not null;uniqueIndex:uk_network_address;index:idx_network_status" json:"network"` // trc20, erc20, bep20
	Address          string          `gorm:"type:varchar(100);not null;uniqueIndex:uk_network_address" json:"address"`
	EncryptedKey     []byte          `gorm:"type:blob" json:"-"` // 密封的私钥材料，本服务内从不解密
	Balance          decimal.Decimal `gorm:"type:decimal(18,6);default:0" json:"balance"`
	Status           WalletStatus    `gorm:"type:varchar(20);default:'available';index:idx_network_status" json:"status"`
	CurrentOrderID   *uint           `gorm:"index" json:"current_order_id"`
	TransactionCount int             `gorm:"default:0" json:"transaction_count"` // 历史成交数，分配时用于摊平使用
	TotalReceived    decimal.Decimal `gorm:"type:decimal(18,6);default:0" json:"total_received"`
	LastScannedBlock uint64          `gorm:"default:0" json:"last_scanned_block"` // 扫描水位，仅在整批处理成功后推进
	BalanceSyncedAt  *time.Time      `json:"balance_synced_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	DeletedAt        gorm.DeletedAt  `gorm:"index" json:"-"`
}

func (Wallet) TableName() string {
	return "wallets"
}

// Allocatable 钱包当前是否可被分配
func (w *Wallet) Allocatable() bool {
	return w.Status == WalletStatusAvailable && w.CurrentOrderID == nil
}
