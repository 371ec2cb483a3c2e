package service

import (
	"fmt"
	"sync"
	"time"
)

// MonitorMetrics 监控运行指标(内存态)
type MonitorMetrics struct {
	mu sync.RWMutex

	// 扫描统计
	ScanCount    map[string]int64
	ScanSuccess  map[string]int64
	ScanFailure  map[string]int64
	LastScanTime map[string]time.Time
	ScanDuration map[string]time.Duration

	// 交易统计
	TransferFound map[string]int64
	OrderMatched  map[string]int64
	DuplicateTx   map[string]int64

	// 错误统计
	LastError     map[string]string
	LastErrorTime map[string]time.Time

	// 区块统计
	CurrentBlock map[string]uint64
	BlocksBehind map[string]uint64

	// 推送队列统计
	WebhookIngested  int64
	WebhookDropped   int64
	WebhookDuplicate int64
}

// NewMonitorMetrics 创建监控指标
func NewMonitorMetrics() *MonitorMetrics {
	return &MonitorMetrics{
		ScanCount:     make(map[string]int64),
		ScanSuccess:   make(map[string]int64),
		ScanFailure:   make(map[string]int64),
		LastScanTime:  make(map[string]time.Time),
		ScanDuration:  make(map[string]time.Duration),
		TransferFound: make(map[string]int64),
		OrderMatched:  make(map[string]int64),
		DuplicateTx:   make(map[string]int64),
		LastError:     make(map[string]string),
		LastErrorTime: make(map[string]time.Time),
		CurrentBlock:  make(map[string]uint64),
		BlocksBehind:  make(map[string]uint64),
	}
}

// RecordScanStart 记录扫描开始
func (m *MonitorMetrics) RecordScanStart(network string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ScanCount[network]++
	return time.Now()
}

// RecordScanSuccess 记录扫描成功
func (m *MonitorMetrics) RecordScanSuccess(network string, startTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ScanSuccess[network]++
	m.LastScanTime[network] = time.Now()
	m.ScanDuration[network] = time.Since(startTime)
}

// RecordScanFailure 记录扫描失败
func (m *MonitorMetrics) RecordScanFailure(network string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ScanFailure[network]++
	m.LastError[network] = err.Error()
	m.LastErrorTime[network] = time.Now()
}

// RecordTransfer 记录发现转账
func (m *MonitorMetrics) RecordTransfer(network string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TransferFound[network] += int64(count)
}

// RecordOrderMatch 记录订单匹配
func (m *MonitorMetrics) RecordOrderMatch(network string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OrderMatched[network]++
}

// RecordDuplicateTx 记录重复交易
func (m *MonitorMetrics) RecordDuplicateTx(network string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DuplicateTx[network]++
}

// UpdateBlockHeight 更新区块高度
func (m *MonitorMetrics) UpdateBlockHeight(network string, current, watermark uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CurrentBlock[network] = current
	if current > watermark {
		m.BlocksBehind[network] = current - watermark
	} else {
		m.BlocksBehind[network] = 0
	}
}

// RecordWebhook 记录推送事件处理结果
func (m *MonitorMetrics) RecordWebhook(ingested, dropped, duplicate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ingested {
		m.WebhookIngested++
	}
	if dropped {
		m.WebhookDropped++
	}
	if duplicate {
		m.WebhookDuplicate++
	}
}

// Snapshot 导出所有指标
func (m *MonitorMetrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	successRate := make(map[string]float64)
	for network, count := range m.ScanCount {
		if count > 0 {
			successRate[network] = float64(m.ScanSuccess[network]) / float64(count) * 100
		}
	}

	scanDuration := make(map[string]string)
	for network, duration := range m.ScanDuration {
		scanDuration[network] = duration.String()
	}

	return map[string]interface{}{
		"scan_count":        copyInt64Map(m.ScanCount),
		"scan_success":      copyInt64Map(m.ScanSuccess),
		"scan_failure":      copyInt64Map(m.ScanFailure),
		"success_rate":      successRate,
		"scan_duration":     scanDuration,
		"transfer_found":    copyInt64Map(m.TransferFound),
		"order_matched":     copyInt64Map(m.OrderMatched),
		"duplicate_tx":      copyInt64Map(m.DuplicateTx),
		"last_error":        copyStringMap(m.LastError),
		"current_block":     copyUint64Map(m.CurrentBlock),
		"blocks_behind":     copyUint64Map(m.BlocksBehind),
		"webhook_ingested":  m.WebhookIngested,
		"webhook_dropped":   m.WebhookDropped,
		"webhook_duplicate": m.WebhookDuplicate,
	}
}

// ShouldAlert 检查是否需要告警
func (m *MonitorMetrics) ShouldAlert(network string) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scanCount := m.ScanCount[network]
	if scanCount >= 10 {
		failureRate := float64(m.ScanFailure[network]) / float64(scanCount) * 100
		if failureRate > 50 {
			return true, fmt.Sprintf("network %s scan failure rate: %.2f%%", network, failureRate)
		}
	}

	if m.BlocksBehind[network] > 100 {
		return true, fmt.Sprintf("network %s is %d blocks behind", network, m.BlocksBehind[network])
	}

	lastScan, ok := m.LastScanTime[network]
	if ok && time.Since(lastScan) > 5*time.Minute {
		return true, fmt.Sprintf("network %s hasn't been scanned for %v", network, time.Since(lastScan))
	}

	return false, ""
}

func copyInt64Map(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyUint64Map(src map[string]uint64) map[string]uint64 {
	dst := make(map[string]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyStringMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
