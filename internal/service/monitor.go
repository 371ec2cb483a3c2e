package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chainpay/config"
	"chainpay/internal/chain"
	"chainpay/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 整轮扫描失败后的退避间隔
const (
	// 整轮扫描失败后的退避时间
	scanBackoff = 60 * time.Second
	// 加速扫描时的间隔下限
	minScanInterval = 2 * time.Second
)

// networkTask 单条链的监听任务句柄
type networkTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor 链上交易监听器
// 每条启用的链一个独立 goroutine，按约 2 倍出块时间的间隔轮询。
// 各链互不影响：一条链 RPC 全挂不会拖累其他链。
type Monitor struct {
	db       *gorm.DB
	registry *chain.Registry
	pool     *WalletPool
	matcher  *Matcher
	cfg      config.BlockchainConfig
	metrics  *MonitorMetrics
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	tasks map[string]*networkTask

	// 各链最近观测到的链头高度，用于回滚检测
	headMu sync.Mutex
	heads  map[string]uint64
}

// NewMonitor 创建监听器
func NewMonitor(db *gorm.DB, registry *chain.Registry, pool *WalletPool, matcher *Matcher,
	cfg config.BlockchainConfig, metrics *MonitorMetrics, logger *zap.SugaredLogger) *Monitor {
	return &Monitor{
		db:       db,
		registry: registry,
		pool:     pool,
		matcher:  matcher,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With("component", "monitor"),
		tasks:    make(map[string]*networkTask),
		heads:    make(map[string]uint64),
	}
}

// Start 启动指定网络的监听，重复调用无副作用
func (m *Monitor) Start(network string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[network]; ok {
		m.logger.Infow("monitor already running", "network", network)
		return nil
	}

	client, err := m.registry.Get(network)
	if err != nil {
		return err
	}
	cc, ok := m.cfg.Chain(network)
	if !ok {
		return fmt.Errorf("no chain config for network %s", network)
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &networkTask{cancel: cancel, done: make(chan struct{})}
	m.tasks[network] = task

	go m.run(ctx, task, client, cc)

	m.logger.Infow("monitor started", "network", network, "scan_interval", cc.ScanInterval)
	return nil
}

// StartAll 启动所有已注册网络的监听
func (m *Monitor) StartAll() error {
	for _, network := range m.registry.Networks() {
		if err := m.Start(network); err != nil {
			return err
		}
	}
	return nil
}

// Stop 停止指定网络的监听并等待扫描 goroutine 退出
func (m *Monitor) Stop(network string) {
	m.mu.Lock()
	task, ok := m.tasks[network]
	if ok {
		delete(m.tasks, network)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	task.cancel()
	<-task.done
	m.logger.Infow("monitor stopped", "network", network)
}

// StopAll 停止全部监听任务
func (m *Monitor) StopAll() {
	m.mu.Lock()
	networks := make([]string, 0, len(m.tasks))
	for network := range m.tasks {
		networks = append(networks, network)
	}
	m.mu.Unlock()

	for _, network := range networks {
		m.Stop(network)
	}
}

// Running 返回当前在监听的网络列表
func (m *Monitor) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	networks := make([]string, 0, len(m.tasks))
	for network := range m.tasks {
		networks = append(networks, network)
	}
	return networks
}

// ReconcileOnce 启动补课：立即复查一轮所有网络的待确认订单
// 进程宕机期间漏掉的增量扫描由持久化水位自然补上，这里只处理
// 已有交易哈希、等确认中途断掉的订单。
func (m *Monitor) ReconcileOnce(ctx context.Context) {
	for _, network := range m.registry.Networks() {
		client, err := m.registry.Get(network)
		if err != nil {
			continue
		}
		m.recheckConfirming(ctx, client)
	}
}

// run 单条链的扫描循环
// 正常节奏按配置间隔；有入账时临时减半加快跟进，整轮失败后退避 60 秒再试。
func (m *Monitor) run(ctx context.Context, task *networkTask, client chain.Client, cc config.ChainConfig) {
	defer close(task.done)

	base := time.Duration(cc.ScanInterval) * time.Second
	if base <= 0 {
		base = 6 * time.Second
	}

	timer := time.NewTimer(0) // 启动即扫一轮
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := base
		hits, err := m.scanOnce(ctx, client, cc)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			m.logger.Errorw("scan round failed", "network", client.Network(), "error", err)
			next = scanBackoff
		case hits > 0:
			next = base / 2
			if next < minScanInterval {
				next = minScanInterval
			}
		}
		timer.Reset(next)
	}
}

// scanOnce 执行一轮扫描：占用中的钱包地址增量扫块 + 待确认订单复查
// 返回本轮成功处理的转账笔数，供调用方调节扫描节奏。
func (m *Monitor) scanOnce(ctx context.Context, client chain.Client, cc config.ChainConfig) (int, error) {
	network := client.Network()
	start := m.metrics.RecordScanStart(network)

	latest, err := client.LatestBlockNumber(ctx)
	if err != nil {
		m.metrics.RecordScanFailure(network, err)
		return 0, fmt.Errorf("get latest block: %w", err)
	}

	m.detectReorg(network, latest)

	wallets, err := m.pool.ActiveWallets(network)
	if err != nil {
		m.metrics.RecordScanFailure(network, err)
		return 0, fmt.Errorf("list active wallets: %w", err)
	}

	hits := 0
	lowWatermark := latest
	for i := range wallets {
		w := &wallets[i]

		// 新钱包从当前链头起扫，不回溯历史流量
		if w.LastScannedBlock == 0 {
			if err := m.pool.CommitWatermark(w.ID, latest); err != nil {
				m.logger.Errorw("failed to initialize watermark",
					"network", network, "wallet_id", w.ID, "error", err)
			}
			continue
		}
		if w.LastScannedBlock >= latest {
			continue
		}
		if w.LastScannedBlock < lowWatermark {
			lowWatermark = w.LastScannedBlock
		}

		transfers, err := client.AddressTransfers(ctx, w.Address, w.LastScannedBlock, latest)
		if err != nil {
			// 水位不动，下一轮重扫同一区间
			m.logger.Warnw("address scan failed, watermark held",
				"network", network, "address", w.Address, "error", err)
			continue
		}

		processed := 0
		failed := false
		for i := range transfers {
			if err := m.matcher.Process(transfers[i]); err != nil {
				m.logger.Errorw("failed to process transfer",
					"network", network, "tx_hash", transfers[i].TxHash, "error", err)
				failed = true
				break
			}
			processed++
		}
		if failed {
			// 本批未全部落库，水位不前进；已处理部分靠 tx_hash 幂等去重
			continue
		}

		m.metrics.RecordTransfer(network, processed)
		hits += processed
		if err := m.pool.CommitWatermark(w.ID, latest); err != nil {
			m.logger.Errorw("failed to commit watermark",
				"network", network, "wallet_id", w.ID, "error", err)
		}
	}

	m.recheckConfirming(ctx, client)

	m.metrics.UpdateBlockHeight(network, latest, lowWatermark)
	m.metrics.RecordScanSuccess(network, start)
	return hits, nil
}

// detectReorg 链头高度相比上轮倒退视为回滚，把高于新链头的水位拉回
// 下一轮会重扫回滚区间，靠 tx_hash 幂等保证不重复记账。
func (m *Monitor) detectReorg(network string, latest uint64) {
	m.headMu.Lock()
	prev := m.heads[network]
	m.heads[network] = latest
	m.headMu.Unlock()

	if prev == 0 || latest >= prev {
		return
	}

	m.logger.Warnw("chain head moved backwards, rewinding watermarks",
		"network", network, "previous", prev, "current", latest)
	if err := m.pool.RewindWatermarks(network, latest); err != nil {
		m.logger.Errorw("failed to rewind watermarks", "network", network, "error", err)
	}
}

// recheckConfirming 复查待确认订单的交易
// 增量扫块只会看到每笔交易一次，确认数推进靠按哈希重查。该路径
// 同时覆盖进程重启后的补课：凡有哈希的 confirming 订单都会被重新核验。
func (m *Monitor) recheckConfirming(ctx context.Context, client chain.Client) {
	network := client.Network()

	var orders []model.PaymentOrder
	err := m.db.Where("network = ? AND status = ? AND transaction_hash <> ''",
		network, model.OrderStatusConfirming).Find(&orders).Error
	if err != nil {
		m.logger.Errorw("failed to list confirming orders", "network", network, "error", err)
		return
	}

	for i := range orders {
		order := &orders[i]
		d, err := client.GetTransaction(ctx, order.TransactionHash)
		if err != nil {
			if chain.IsNotFound(err) {
				// 交易被回滚出链：保持 confirming，订单过期后由清理任务收尾
				m.logger.Warnw("confirming transaction no longer on chain",
					"network", network, "order_no", order.OrderNo, "tx_hash", order.TransactionHash)
				continue
			}
			m.logger.Warnw("failed to recheck confirming order",
				"network", network, "order_no", order.OrderNo, "error", err)
			continue
		}
		if err := m.matcher.Process(*d); err != nil {
			m.logger.Errorw("failed to advance confirming order",
				"network", network, "order_no", order.OrderNo, "error", err)
		}
	}
}
