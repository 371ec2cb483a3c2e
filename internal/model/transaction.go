package model

import (
	"time"
)

// BlockchainTransaction 链上交易审计表
// 按 tx_hash 唯一，幂等插入；重复投递(轮询+推送双路径)只允许推进确认数。
type BlockchainTransaction struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Network       string    `gorm:"type:varchar(20);not null;index" json:"network"`
	TxHash        string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"tx_hash"`
	FromAddress   string    `gorm:"type:varchar(100);index" json:"from_address"`
	ToAddress     string    `gorm:"type:varchar(100);index" json:"to_address"`
	Amount        string    `gorm:"type:varchar(50)" json:"amount"`
	BlockNumber   uint64    `gorm:"index" json:"block_number"`
	Confirmations int       `gorm:"default:0" json:"confirmations"`
	Matched       bool      `gorm:"default:false" json:"matched"` // 是否匹配到订单
	OrderID       *uint     `json:"order_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (BlockchainTransaction) TableName() string {
	return "blockchain_transactions"
}
