package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainpay/config"
	"chainpay/internal/chain"
	"chainpay/internal/handler"
	"chainpay/internal/middleware"
	"chainpay/internal/model"
	"chainpay/internal/service"
	"chainpay/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// 初始化数据库
	dbConfig := model.DBConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
	db, err := model.OpenDB(cfg.Database.DSN(), dbConfig)
	if err != nil {
		sugar.Fatalw("failed to open database", "error", err)
	}

	masterKey := loadMasterKey(cfg, sugar)

	tolerance, err := decimal.NewFromString(cfg.Order.AmountTolerance)
	if err != nil {
		sugar.Fatalw("invalid order.amount_tolerance", "value", cfg.Order.AmountTolerance)
	}
	epsilon, err := decimal.NewFromString(cfg.Balance.Epsilon)
	if err != nil {
		sugar.Fatalw("invalid balance.epsilon", "value", cfg.Balance.Epsilon)
	}

	// 组装服务
	registry := chain.NewRegistry(&cfg.Blockchain, sugar)
	metrics := service.NewMonitorMetrics()
	pool := service.NewWalletPool(db, masterKey, sugar)
	notifier := service.NewLogNotifier(sugar)
	entitlement := service.NewLogEntitlement(sugar)
	matcher := service.NewMatcher(db, pool, notifier, entitlement, tolerance, metrics, sugar)
	monitor := service.NewMonitor(db, registry, pool, matcher, cfg.Blockchain, metrics, sugar)
	balanceSync := service.NewBalanceSync(db, registry,
		time.Duration(cfg.Balance.SyncInterval)*time.Second, epsilon, sugar)
	queue := service.NewWebhookQueue(matcher, cfg.Webhook.QueueSize,
		time.Duration(cfg.Webhook.DedupWindow)*time.Second, cfg.Webhook.DedupMaxKeys, metrics, sugar)
	orders := service.NewOrderService(db, pool, notifier, cfg.Order, cfg.Blockchain, sugar)

	// 启动补课：恢复宕机前等确认中的订单
	reconcileCtx, reconcileCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	monitor.ReconcileOnce(reconcileCtx)
	reconcileCancel()

	// 启动后台任务
	queue.Start()
	if err := monitor.StartAll(); err != nil {
		sugar.Fatalw("failed to start monitors", "error", err)
	}
	balanceSync.Start()
	orders.StartExpireSweep()

	// HTTP 服务
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(sugar), middleware.AccessLog(sugar))
	registerRoutes(r, db, monitor, pool, queue, metrics, orders)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		sugar.Infow("chainpay server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("server error", "error", err)
		}
	}()

	// 等待中断信号，按依赖反序优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("http shutdown", "error", err)
	}

	monitor.StopAll()
	queue.Stop()
	balanceSync.Stop()
	orders.StopExpireSweep()

	sugar.Info("server exited")
}

// newLogger 构建 zap logger
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapCfg.Build()
}

// loadMasterKey 加载钱包私钥密封主密钥
// 未配置时生成临时密钥并告警：本次进程导入的私钥重启后无法解封，
// 生产环境必须显式配置。
func loadMasterKey(cfg *config.Config, sugar *zap.SugaredLogger) []byte {
	if cfg.Security.MasterKey != "" {
		key, err := hex.DecodeString(cfg.Security.MasterKey)
		if err != nil || len(key) != 32 {
			sugar.Fatalw("security.master_key must be 64 hex chars (32 bytes)")
		}
		return key
	}

	sugar.Warn("security.master_key not set, using ephemeral key")
	key, err := hex.DecodeString(util.GenerateRandomHex(32))
	if err != nil {
		sugar.Fatalw("failed to generate ephemeral master key", "error", err)
	}
	return key
}

// registerRoutes 注册路由
func registerRoutes(r *gin.Engine, db *gorm.DB, monitor *service.Monitor, pool *service.WalletPool,
	queue *service.WebhookQueue, metrics *service.MonitorMetrics, orders *service.OrderService) {
	webhookHandler := handler.NewWebhookHandler(queue)
	orderHandler := handler.NewOrderHandler(orders)
	opsHandler := handler.NewOpsHandler(db, monitor, pool, queue, metrics)

	r.GET("/health", opsHandler.Health)

	// 第三方节点服务推送
	r.POST("/webhook/:source", webhookHandler.Ingest)

	api := r.Group("/api")
	{
		api.POST("/orders", orderHandler.Create)
		api.GET("/orders", orderHandler.List)
		api.GET("/orders/:order_no", orderHandler.Get)
		api.POST("/orders/:order_no/cancel", orderHandler.Cancel)
		api.POST("/orders/:order_no/confirm", orderHandler.ManualConfirm)

		api.POST("/monitor/:network/start", opsHandler.StartMonitor)
		api.POST("/monitor/:network/stop", opsHandler.StopMonitor)
		api.GET("/monitor/status", opsHandler.MonitorStatus)

		api.POST("/wallets/import", opsHandler.ImportWallets)
		api.POST("/wallets/status", opsHandler.SetWalletStatus)
		api.GET("/wallets/stats", opsHandler.WalletStats)
	}
}
