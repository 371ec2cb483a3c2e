package handler

import (
	"errors"
	"net/http"
	"strconv"

	"chainpay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// OrderHandler 订单接口处理器
type OrderHandler struct {
	orders *service.OrderService
}

// NewOrderHandler 创建处理器
func NewOrderHandler(orders *service.OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// Create 创建支付订单
func (h *OrderHandler) Create(c *gin.Context) {
	var req struct {
		UserID  uint   `json:"user_id" binding:"required"`
		Network string `json:"network" binding:"required"`
		Amount  string `json:"amount" binding:"required"`
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

	order, err := h.orders.CreateOrder(service.CreateOrderRequest{
		UserID:  req.UserID,
		Network: req.Network,
		Amount:  amount,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrActiveOrderExists):
			c.JSON(http.StatusConflict, gin.H{"code": -1, "msg": "active order already exists"})
		case errors.Is(err, service.ErrNoWalletAvailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": -1, "msg": "no wallet available, try later"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"code": -1, "msg": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": order})
}

// Get 查询订单
func (h *OrderHandler) Get(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Param("order_no"))
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": -1, "msg": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": -1, "msg": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": order})
}

// List 按用户分页查询订单
func (h *OrderHandler) List(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Query("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": -1, "msg": "invalid user_id"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	orders, total, err := h.orders.ListOrders(uint(userID),
		service.OrderStatusFilter(c.Query("status")), page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": -1, "msg": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": gin.H{
		"orders": orders,
		"total":  total,
	}})
}

// Cancel 取消待支付订单
func (h *OrderHandler) Cancel(c *gin.Context) {
	order, err := h.orders.CancelOrder(c.Param("order_no"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": -1, "msg": "order not found"})
		case errors.Is(err, service.ErrOrderNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"code": -1, "msg": "order cannot be cancelled"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"code": -1, "msg": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": order})
}

// ManualConfirm 人工确认(运营兜底)
func (h *OrderHandler) ManualConfirm(c *gin.Context) {
	var req struct {
		Amount string `json:"amount" binding:"required"`
		TxHash string `json:"tx_hash"`
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

	order, err := h.orders.ManualConfirm(c.Param("order_no"), amount, req.TxHash)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": -1, "msg": "order not found"})
		case errors.Is(err, service.ErrOrderTerminal):
			c.JSON(http.StatusConflict, gin.H{"code": -1, "msg": "order already confirmed or cancelled"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"code": -1, "msg": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": order})
}
