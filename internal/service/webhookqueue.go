package service

import (
	"sync"
	"sync/atomic"
	"time"

	"chainpay/internal/chain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WebhookEvent 第三方节点服务推送来的转账事件
type WebhookEvent struct {
	Source        string          // 推送方标识
	EventID       string          // 推送方事件 ID，缺失时本地补一个
	Network       string          // trc20 / erc20 / bep20
	TxHash        string
	From          string
	To            string
	Amount        decimal.Decimal
	BlockNumber   uint64
	Confirmations int
	Success       bool
}

// WebhookQueue 事件推送缓冲队列
// 有界通道隔离推送突发流量：队列满时丢弃最新事件并告警，绝不阻塞
// HTTP 入口。丢掉的事件不会丢账——轮询路径兜底会重新发现同一笔交易。
type WebhookQueue struct {
	matcher *Matcher
	metrics *MonitorMetrics
	logger  *zap.SugaredLogger

	events chan WebhookEvent

	// (source, event_id) 去重表，带时间窗口与容量上限
	dedupMu     sync.Mutex
	dedupSeen   map[string]time.Time
	dedupWindow time.Duration
	dedupMax    int

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	done      chan struct{}
}

// NewWebhookQueue 创建推送队列
func NewWebhookQueue(matcher *Matcher, size int, dedupWindow time.Duration, dedupMax int,
	metrics *MonitorMetrics, logger *zap.SugaredLogger) *WebhookQueue {
	if size <= 0 {
		size = 1024
	}
	return &WebhookQueue{
		matcher:     matcher,
		metrics:     metrics,
		logger:      logger.With("component", "webhook_queue"),
		events:      make(chan WebhookEvent, size),
		dedupSeen:   make(map[string]time.Time),
		dedupWindow: dedupWindow,
		dedupMax:    dedupMax,
		done:        make(chan struct{}),
	}
}

// Start 启动消费 goroutine
func (q *WebhookQueue) Start() {
	q.startOnce.Do(func() {
		q.started.Store(true)
		go q.consume()
		q.logger.Infow("webhook queue started", "capacity", cap(q.events))
	})
}

// Stop 关闭队列并等待剩余事件消费完
// 从未 Start 过时没有消费者，不等 done。
func (q *WebhookQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.events)
		if q.started.Load() {
			<-q.done
		}
		q.logger.Info("webhook queue stopped")
	})
}

// Enqueue 入队一个事件，立即返回
// 返回 false 表示事件被丢弃(重复或队列已满)。
func (q *WebhookQueue) Enqueue(ev WebhookEvent) bool {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}

	if q.isDuplicate(ev.Source, ev.EventID) {
		q.metrics.RecordWebhook(false, false, true)
		q.logger.Debugw("duplicate webhook event dropped",
			"source", ev.Source, "event_id", ev.EventID)
		return false
	}

	select {
	case q.events <- ev:
		q.metrics.RecordWebhook(true, false, false)
		return true
	default:
		// 满了丢最新：旧事件已排队在先，乱序丢弃反而更难排查
		q.metrics.RecordWebhook(false, true, false)
		q.logger.Warnw("webhook queue full, event dropped",
			"source", ev.Source, "event_id", ev.EventID, "tx_hash", ev.TxHash)
		return false
	}
}

// Depth 当前排队深度
func (q *WebhookQueue) Depth() int {
	return len(q.events)
}

func (q *WebhookQueue) consume() {
	defer close(q.done)

	for ev := range q.events {
		d := chain.TransactionDetails{
			TxHash:        ev.TxHash,
			Network:       ev.Network,
			From:          ev.From,
			To:            ev.To,
			Amount:        ev.Amount,
			BlockNumber:   ev.BlockNumber,
			Confirmations: ev.Confirmations,
			Success:       ev.Success,
		}
		if err := q.matcher.Process(d); err != nil {
			// 失败只记日志：轮询路径会再次送达同一笔交易
			q.logger.Errorw("failed to process webhook event",
				"source", ev.Source, "event_id", ev.EventID,
				"tx_hash", ev.TxHash, "error", err)
		}
	}
}

// isDuplicate 窗口期内见过的 (source, event_id) 视为重复
func (q *WebhookQueue) isDuplicate(source, eventID string) bool {
	key := source + "|" + eventID
	now := time.Now()

	q.dedupMu.Lock()
	defer q.dedupMu.Unlock()

	if seen, ok := q.dedupSeen[key]; ok && now.Sub(seen) < q.dedupWindow {
		return true
	}

	// 先清过期键，仍超限则清最老的一批
	for k, t := range q.dedupSeen {
		if now.Sub(t) >= q.dedupWindow {
			delete(q.dedupSeen, k)
		}
	}
	if q.dedupMax > 0 && len(q.dedupSeen) >= q.dedupMax {
		oldestKey := ""
		var oldest time.Time
		for k, t := range q.dedupSeen {
			if oldestKey == "" || t.Before(oldest) {
				oldestKey, oldest = k, t
			}
		}
		delete(q.dedupSeen, oldestKey)
	}

	q.dedupSeen[key] = now
	return false
}
