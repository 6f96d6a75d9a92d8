// 包 http 撮合引擎的 HTTP 接口
package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	accountapp "github.com/wyfcoding/exchange/internal/account/application"
	"github.com/wyfcoding/exchange/internal/exchange/application"
	"github.com/wyfcoding/exchange/internal/exchange/domain"
	"github.com/wyfcoding/exchange/pkg/fixedpoint"
	"github.com/wyfcoding/exchange/pkg/idgen"
	"github.com/wyfcoding/exchange/pkg/logger"
)

// ExchangeHandler HTTP 处理器
// 负责处理订单、行情与余额相关的 HTTP 请求
type ExchangeHandler struct {
	engine *application.Engine // 撮合引擎
	ledger *accountapp.Ledger  // 资金台账
}

// NewExchangeHandler 创建 HTTP 处理器
func NewExchangeHandler(engine *application.Engine, ledger *accountapp.Ledger) *ExchangeHandler {
	return &ExchangeHandler{
		engine: engine,
		ledger: ledger,
	}
}

// RegisterRoutes 注册路由
func (h *ExchangeHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/exchange")
	{
		api.POST("/orders", h.SubmitOrder)
		api.DELETE("/orders/:order_id", h.CancelOrder)
		api.GET("/orders/:order_id", h.GetOrder)
		api.GET("/orderbook", h.GetOrderBook)
		api.GET("/klines", h.GetKlines)
		api.GET("/ticker", h.GetTicker)
		api.GET("/tickers", h.GetTickers)
		api.GET("/markets", h.GetMarkets)
		api.GET("/balances", h.GetBalances)
	}
}

// SubmitOrderRequest 提交订单请求
type SubmitOrderRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Symbol string `json:"symbol" binding:"required"`
	Side   string `json:"side" binding:"required"`
	Type   string `json:"type" binding:"required"`
	Price  string `json:"price"`
	Amount string `json:"amount" binding:"required"`
}

// SubmitOrder 提交订单，返回 202，撮合异步完成
func (h *ExchangeHandler) SubmitOrder(c *gin.Context) {
	var req SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := fixedpoint.ParseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	price := decimal.Zero
	if req.Price != "" {
		if price, err = fixedpoint.ParseAmount(req.Price); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
			return
		}
	}

	order := &domain.Order{
		OrderID:   idgen.GenIDString(),
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Side:      domain.OrderSide(req.Side),
		Type:      domain.OrderType(req.Type),
		Price:     price,
		Amount:    amount,
		Remaining: amount,
		Status:    domain.StatusOpen,
		CreatedAt: time.Now(),
	}

	if err := h.engine.SubmitOrder(c.Request.Context(), order); err != nil {
		logger.Error(c.Request.Context(), "Failed to submit order",
			"symbol", req.Symbol, "error", err)
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"order_id": order.OrderID, "status": order.Status})
}

// CancelOrder 取消订单
func (h *ExchangeHandler) CancelOrder(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	orderID := c.Param("order_id")

	if err := h.engine.CancelOrder(c.Request.Context(), symbol, orderID); err != nil {
		logger.Error(c.Request.Context(), "Failed to cancel order",
			"order_id", orderID, "error", err)
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"order_id": orderID, "status": domain.StatusClosed})
}

// GetOrder 查询订单
func (h *ExchangeHandler) GetOrder(c *gin.Context) {
	symbol := c.Query("symbol")
	orderID := c.Param("order_id")

	order, err := h.engine.GetOrder(c.Request.Context(), symbol, orderID)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, orderResponse(order))
}

// GetOrderBook 获取订单簿深度
func (h *ExchangeHandler) GetOrderBook(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	depthStr := c.DefaultQuery("depth", "20")
	depth, err := strconv.Atoi(depthStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid depth"})
		return
	}

	snapshot, err := h.engine.GetDepth(symbol, depth)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// GetKlines 获取 K 线
func (h *ExchangeHandler) GetKlines(c *gin.Context) {
	symbol := c.Query("symbol")
	interval := c.DefaultQuery("interval", "1m")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	limitStr := c.DefaultQuery("limit", "500")
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	from, err := parseTimestamp(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return
	}
	to, err := parseTimestamp(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
		return
	}

	klines, err := h.engine.GetKlines(c.Request.Context(), symbol, interval, from, to, limit)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": klines})
}

// GetTicker 获取单交易对行情
func (h *ExchangeHandler) GetTicker(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	ticker, err := h.engine.GetTicker(symbol)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	if ticker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no trades yet"})
		return
	}

	c.JSON(http.StatusOK, ticker)
}

// GetTickers 获取全部交易对行情
func (h *ExchangeHandler) GetTickers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.engine.GetTickers()})
}

// GetMarkets 获取交易对列表
func (h *ExchangeHandler) GetMarkets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.engine.Markets()})
}

// GetBalances 获取用户余额
func (h *ExchangeHandler) GetBalances(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	accounts, err := h.ledger.ListBalances(c.Request.Context(), userID)
	if err != nil {
		logger.Error(c.Request.Context(), "Failed to list balances",
			"user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": accounts})
}

func orderResponse(o *domain.Order) gin.H {
	return gin.H{
		"order_id":     o.OrderID,
		"user_id":      o.UserID,
		"symbol":       o.Symbol,
		"side":         o.Side,
		"type":         o.Type,
		"price":        o.Price,
		"amount":       o.Amount,
		"filled":       o.Filled,
		"remaining":    o.Remaining,
		"cost":         o.Cost,
		"fee":          o.Fee,
		"fee_currency": o.FeeCurrency,
		"status":       o.Status,
		"trades":       o.Trades,
		"created_at":   o.CreatedAt,
		"updated_at":   o.UpdatedAt,
	}
}

// statusOf 领域错误到 HTTP 状态码的映射
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidOrder),
		errors.Is(err, domain.ErrUnknownSymbol),
		errors.Is(err, domain.ErrUnknownInterval):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOrderLocked):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
