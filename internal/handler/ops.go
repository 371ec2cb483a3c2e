package handler

import (
	"encoding/hex"
	"net/http"

	"chainpay/internal/model"
	"chainpay/internal/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// OpsHandler 运维接口处理器：监听开关、钱包导入、状态查询
type OpsHandler struct {
	db      *gorm.DB
	monitor *service.Monitor
	pool    *service.WalletPool
	queue   *service.WebhookQueue
	metrics *service.MonitorMetrics
}

// NewOpsHandler 创建处理器
func NewOpsHandler(db *gorm.DB, monitor *service.Monitor, pool *service.WalletPool,
	queue *service.WebhookQueue, metrics *service.MonitorMetrics) *OpsHandler {
	return &OpsHandler{db: db, monitor: monitor, pool: pool, queue: queue, metrics: metrics}
}

// StartMonitor 启动指定网络的监听
func (h *OpsHandler) StartMonitor(c *gin.Context) {
	network := c.Param("network")
	if err := h.monitor.Start(network); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": -1, "msg": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok"})
}

// StopMonitor 停止指定网络的监听
func (h *OpsHandler) StopMonitor(c *gin.Context) {
	h.monitor.Stop(c.Param("network"))
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok"})
}

// MonitorStatus 监听状态与指标快照
func (h *OpsHandler) MonitorStatus(c *gin.Context) {
	running := h.monitor.Running()

	alerts := make(map[string]string)
	for _, network := range running {
		if alert, msg := h.metrics.ShouldAlert(network); alert {
			alerts[network] = msg
		}
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": gin.H{
		"running":       running,
		"metrics":       h.metrics.Snapshot(),
		"alerts":        alerts,
		"webhook_depth": h.queue.Depth(),
	}})
}

// ImportWallets 批量导入收款钱包
// 私钥为十六进制串，入库前密封；明文不落库不回显。
func (h *OpsHandler) ImportWallets(c *gin.Context) {
	var req struct {
		Wallets []struct {
			Network    string `json:"network" binding:"required"`
			Address    string `json:"address" binding:"required"`
			PrivateKey string `json:"private_key" binding:"required"`
		} `json:"wallets" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": -1, "msg": "invalid payload: " + err.Error()})
		return
	}

	items := make([]service.WalletImport, 0, len(req.Wallets))
	for _, w := range req.Wallets {
		key, err := hex.DecodeString(w.PrivateKey)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": -1, "msg": "invalid private key for " + w.Address})
			return
		}
		items = append(items, service.WalletImport{
			Network:    w.Network,
			Address:    w.Address,
			PrivateKey: key,
		})
	}

	imported, errs := h.pool.ImportBatch(items)
	failures := make([]string, 0, len(errs))
	for _, err := range errs {
		failures = append(failures, err.Error())
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": gin.H{
		"imported": imported,
		"failed":   failures,
	}})
}

// SetWalletStatus 运营调整钱包状态(维护/禁用/恢复可用)
func (h *OpsHandler) SetWalletStatus(c *gin.Context) {
	var req struct {
		WalletID uint   `json:"wallet_id" binding:"required"`
		Status   string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": -1, "msg": "invalid payload: " + err.Error()})
		return
	}

	status := model.WalletStatus(req.Status)
	switch status {
	case model.WalletStatusAvailable, model.WalletStatusMaintenance, model.WalletStatusDisabled:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": -1, "msg": "invalid status"})
		return
	}

	if err := h.pool.SetStatus(req.WalletID, status); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": -1, "msg": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok"})
}

// WalletStats 各网络钱包池状态统计
func (h *OpsHandler) WalletStats(c *gin.Context) {
	stats := make(map[string]map[model.WalletStatus]int64)
	for _, network := range []string{"trc20", "erc20", "bep20"} {
		counts, err := h.pool.CountByStatus(network)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": -1, "msg": err.Error()})
			return
		}
		if len(counts) > 0 {
			stats[network] = counts
		}
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": stats})
}

// Health 健康检查
func (h *OpsHandler) Health(c *gin.Context) {
	if err := model.CheckDBHealth(h.db); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": -1, "msg": "db unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok"})
}
