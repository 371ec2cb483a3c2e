package service

import (
	"errors"
	"fmt"

	"chainpay/internal/chain"
	"chainpay/internal/model"
	"chainpay/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNoWalletAvailable 池内无可用钱包，属容量耗尽而非系统故障
var ErrNoWalletAvailable = errors.New("no wallet available")

// WalletPool 收款钱包池
// 分配是唯一需要严格原子性的路径：status=available→occupied 的条件更新，
// 并发抢同一钱包时只有一个成功。
type WalletPool struct {
	db        *gorm.DB
	masterKey []byte // 私钥密封主密钥
	logger    *zap.SugaredLogger
}

// NewWalletPool 创建钱包池
func NewWalletPool(db *gorm.DB, masterKey []byte, logger *zap.SugaredLogger) *WalletPool {
	return &WalletPool{
		db:        db,
		masterKey: masterKey,
		logger:    logger.With("component", "walletpool"),
	}
}

// Allocate 为订单分配一个可用钱包
// 选择历史成交最少的钱包以摊平使用；被并发抢走时换下一候选重试。
// 无可用钱包返回 ErrNoWalletAvailable。
func (p *WalletPool) Allocate(orderID uint, network string) (*model.Wallet, error) {
	return p.AllocateTx(p.db, orderID, network)
}

// AllocateTx 在给定事务内分配钱包，供订单创建路径与订单同事务提交
func (p *WalletPool) AllocateTx(tx *gorm.DB, orderID uint, network string) (*model.Wallet, error) {
	const maxRounds = 3

	for round := 0; round < maxRounds; round++ {
		var candidates []model.Wallet
		err := tx.Where("network = ? AND status = ?", network, model.WalletStatusAvailable).
			Order("transaction_count ASC, id ASC").
			Limit(5).
			Find(&candidates).Error
		if err != nil {
			return nil, fmt.Errorf("query available wallets: %w", err)
		}
		if len(candidates) == 0 {
			return nil, ErrNoWalletAvailable
		}

		for i := range candidates {
			w := &candidates[i]
			// CAS: 只有仍处于 available 的行会被更新
			result := tx.Model(&model.Wallet{}).
				Where("id = ? AND status = ?", w.ID, model.WalletStatusAvailable).
				Updates(map[string]interface{}{
					"status":           model.WalletStatusOccupied,
					"current_order_id": orderID,
				})
			if result.Error != nil {
				return nil, fmt.Errorf("allocate wallet %d: %w", w.ID, result.Error)
			}
			if result.RowsAffected == 1 {
				w.Status = model.WalletStatusOccupied
				w.CurrentOrderID = &orderID
				p.logger.Infow("wallet allocated",
					"wallet_id", w.ID, "network", network, "order_id", orderID)
				return w, nil
			}
			// 被并发抢走，试下一个候选
		}
	}

	return nil, ErrNoWalletAvailable
}

// Release 释放钱包回池
// 幂等：释放一个已经 available 的钱包视为成功。维护/禁用状态不受影响。
func (p *WalletPool) Release(walletID uint) (bool, error) {
	return p.ReleaseTx(p.db, walletID)
}

// ReleaseTx 在给定事务内释放钱包
func (p *WalletPool) ReleaseTx(tx *gorm.DB, walletID uint) (bool, error) {
	result := tx.Model(&model.Wallet{}).
		Where("id = ? AND status = ?", walletID, model.WalletStatusOccupied).
		Updates(map[string]interface{}{
			"status":           model.WalletStatusAvailable,
			"current_order_id": nil,
		})
	if result.Error != nil {
		return false, fmt.Errorf("release wallet %d: %w", walletID, result.Error)
	}

	if result.RowsAffected == 0 {
		// 已经是 available(或维护/禁用)，幂等成功
		return true, nil
	}

	p.logger.Infow("wallet released", "wallet_id", walletID)
	return true, nil
}

// ReleaseForOrderTx 仅当钱包仍被指定订单占用时释放(事务内)
// 订单过期释放后钱包可能已被新订单占用，此时绝不能动。
// 返回是否真的释放了。
func (p *WalletPool) ReleaseForOrderTx(tx *gorm.DB, walletID, orderID uint) (bool, error) {
	result := tx.Model(&model.Wallet{}).
		Where("id = ? AND status = ? AND current_order_id = ?",
			walletID, model.WalletStatusOccupied, orderID).
		Updates(map[string]interface{}{
			"status":           model.WalletStatusAvailable,
			"current_order_id": nil,
		})
	if result.Error != nil {
		return false, fmt.Errorf("release wallet %d: %w", walletID, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	p.logger.Infow("wallet released", "wallet_id", walletID, "order_id", orderID)
	return true, nil
}

// RecordReceiptTx 记录钱包成交(事务内)，用于分配时的使用摊平
func (p *WalletPool) RecordReceiptTx(tx *gorm.DB, walletID uint, amount decimal.Decimal) error {
	return tx.Model(&model.Wallet{}).
		Where("id = ?", walletID).
		Updates(map[string]interface{}{
			"transaction_count": gorm.Expr("transaction_count + 1"),
			"total_received":    gorm.Expr("total_received + ?", amount),
		}).Error
}

// SetStatus 运营手动覆盖钱包状态(维护/禁用等)，自动流程不调用
func (p *WalletPool) SetStatus(walletID uint, status model.WalletStatus) error {
	updates := map[string]interface{}{"status": status}
	if status != model.WalletStatusOccupied {
		updates["current_order_id"] = nil
	}

	result := p.db.Model(&model.Wallet{}).Where("id = ?", walletID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("wallet %d not found", walletID)
	}

	p.logger.Infow("wallet status overridden", "wallet_id", walletID, "status", status)
	return nil
}

// ImportWallet 导入钱包
// 私钥明文在入库前用主密钥密封，本服务此后不再接触明文。
func (p *WalletPool) ImportWallet(network, address string, privateKey []byte) (*model.Wallet, error) {
	address = chain.NormalizeAddress(address, network)
	if address == "" {
		return nil, errors.New("empty address")
	}

	var sealed []byte
	if len(privateKey) > 0 {
		var err error
		sealed, err = util.SealKey(p.masterKey, privateKey)
		if err != nil {
			return nil, fmt.Errorf("seal private key: %w", err)
		}
	}

	wallet := model.Wallet{
		Network:      network,
		Address:      address,
		EncryptedKey: sealed,
		Status:       model.WalletStatusAvailable,
		Balance:      decimal.Zero,
	}

	if err := p.db.Create(&wallet).Error; err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}

	p.logger.Infow("wallet imported", "wallet_id", wallet.ID, "network", network, "address", address)
	return &wallet, nil
}

// WalletImport 批量导入的单条钱包
type WalletImport struct {
	Network    string `json:"network"`
	Address    string `json:"address"`
	PrivateKey []byte `json:"-"` // 私钥原始字节，绝不序列化
}

// ImportBatch 批量导入，单条失败不影响其余
func (p *WalletPool) ImportBatch(items []WalletImport) (imported int, errs []error) {
	for _, item := range items {
		if _, err := p.ImportWallet(item.Network, item.Address, item.PrivateKey); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", item.Network, item.Address, err))
			continue
		}
		imported++
	}
	return imported, errs
}

// ActiveWallets 指定网络上持有未完结订单的钱包(监控扫描目标)
func (p *WalletPool) ActiveWallets(network string) ([]model.Wallet, error) {
	var wallets []model.Wallet
	err := p.db.Where("network = ? AND status = ? AND current_order_id IS NOT NULL",
		network, model.WalletStatusOccupied).
		Find(&wallets).Error
	return wallets, err
}

// CommitWatermark 推进地址的扫描水位，仅在整批处理成功后调用
func (p *WalletPool) CommitWatermark(walletID uint, block uint64) error {
	// 水位只前进不后退(重组回退走 RewindWatermarks)
	return p.db.Model(&model.Wallet{}).
		Where("id = ? AND last_scanned_block < ?", walletID, block).
		Update("last_scanned_block", block).Error
}

// RewindWatermarks 重组时把网络上的水位回退到安全高度
func (p *WalletPool) RewindWatermarks(network string, toBlock uint64) error {
	return p.db.Model(&model.Wallet{}).
		Where("network = ? AND last_scanned_block > ?", network, toBlock).
		Update("last_scanned_block", toBlock).Error
}

// CountByStatus 按状态统计网络钱包数
func (p *WalletPool) CountByStatus(network string) (map[model.WalletStatus]int64, error) {
	var rows []struct {
		Status model.WalletStatus
		Count  int64
	}
	err := p.db.Model(&model.Wallet{}).
		Select("status, COUNT(*) as count").
		Where("network = ?", network).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.WalletStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
