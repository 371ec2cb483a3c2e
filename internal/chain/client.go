package chain

import (
	"context"
	"fmt"
	"time"

	"chainpay/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransactionDetails 一笔链上观测到的代币转账
type TransactionDetails struct {
	TxHash        string
	Network       string
	From          string
	To            string
	Amount        decimal.Decimal // USDT 单位，6位小数
	BlockNumber   uint64
	Confirmations int
	Timestamp     time.Time
	Success       bool
}

// Client 各网络统一的链访问接口
// 每个网络一个实现，新增网络只需新增实现并注册，调用方不感知链差异。
type Client interface {
	// Network 网络名: trc20, erc20, bep20
	Network() string

	// LatestBlockNumber 当前链头高度
	LatestBlockNumber(ctx context.Context) (uint64, error)

	// GetTransaction 按哈希取交易并解码代币转账，未上链返回 ErrNotFound
	GetTransaction(ctx context.Context, txHash string) (*TransactionDetails, error)

	// AddressTransfers 取地址在 (sinceBlock, untilBlock] 区间内收到的代币转账
	AddressTransfers(ctx context.Context, address string, sinceBlock, untilBlock uint64) ([]TransactionDetails, error)

	// TokenBalance 查询地址的 USDT 余额，统一按6位小数
	TokenBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// Registry 按网络名索引的链客户端表
type Registry struct {
	clients map[string]Client
}

// NewRegistry 按配置构建所有已启用网络的客户端
func NewRegistry(cfg *config.BlockchainConfig, logger *zap.SugaredLogger) *Registry {
	r := &Registry{clients: make(map[string]Client)}

	if cfg.TRC20.Enabled {
		r.clients["trc20"] = NewTronClient("trc20", cfg.TRC20, logger)
	}
	if cfg.ERC20.Enabled {
		r.clients["erc20"] = NewEVMClient("erc20", cfg.ERC20, logger)
	}
	if cfg.BEP20.Enabled {
		r.clients["bep20"] = NewEVMClient("bep20", cfg.BEP20, logger)
	}

	return r
}

// Get 按网络名取客户端
func (r *Registry) Get(network string) (Client, error) {
	c, ok := r.clients[network]
	if !ok {
		return nil, fmt.Errorf("unknown network: %s", network)
	}
	return c, nil
}

// Networks 已注册的网络名列表
func (r *Registry) Networks() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

// Register 覆盖注册客户端(测试用)
func (r *Registry) Register(c Client) {
	r.clients[c.Network()] = c
}
