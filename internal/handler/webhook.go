package handler

import (
	"net/http"

	"chainpay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// WebhookHandler 第三方节点服务推送入口
type WebhookHandler struct {
	queue *service.WebhookQueue
}

// NewWebhookHandler 创建处理器
func NewWebhookHandler(queue *service.WebhookQueue) *WebhookHandler {
	return &WebhookHandler{queue: queue}
}

// Ingest 接收转账事件推送
// 只做校验和入队，立即应答；真正的匹配在队列消费侧异步完成。
// 重复推送与队满丢弃都返回 200：推送方无需重试，轮询路径会兜底。
func (h *WebhookHandler) Ingest(c *gin.Context) {
	source := c.Param("source")

	var req struct {
		EventID       string `json:"event_id"`
		Network       string `json:"network" binding:"required"`
		TxHash        string `json:"tx_hash" binding:"required"`
		From          string `json:"from"`
		To            string `json:"to" binding:"required"`
		Amount        string `json:"amount" binding:"required"`
		BlockNumber   uint64 `json:"block_number"`
		Confirmations int    `json:"confirmations"`
		Success       *bool  `json:"success"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": -1, "msg": "invalid payload: " + err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": -1, "msg": "invalid amount"})
		return
	}

	success := true
	if req.Success != nil {
		success = *req.Success
	}

	accepted := h.queue.Enqueue(service.WebhookEvent{
		Source:        source,
		EventID:       req.EventID,
		Network:       req.Network,
		TxHash:        req.TxHash,
		From:          req.From,
		To:            req.To,
		Amount:        amount,
		BlockNumber:   req.BlockNumber,
		Confirmations: req.Confirmations,
		Success:       success,
	})

	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": gin.H{"accepted": accepted}})
}
