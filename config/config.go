package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Blockchain BlockchainConfig `mapstructure:"blockchain"`
	Order      OrderConfig      `mapstructure:"order"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Balance    BalanceConfig    `mapstructure:"balance"`
	Security   SecurityConfig   `mapstructure:"security"`
	Log        LogConfig        `mapstructure:"log"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	MasterKey string `mapstructure:"master_key"` // 钱包私钥密封主密钥(64位十六进制)
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`    // 最大打开连接数
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`    // 最大空闲连接数
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 连接最大生命周期(分钟)
}

// DSN 生成 MySQL 连接串
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		d.User, d.Password, d.Host, d.Port, d.DBName)
}

type BlockchainConfig struct {
	TRC20 ChainConfig `mapstructure:"trc20"`
	ERC20 ChainConfig `mapstructure:"erc20"`
	BEP20 ChainConfig `mapstructure:"bep20"`
}

// Chain 按网络名取链配置
func (b BlockchainConfig) Chain(network string) (ChainConfig, bool) {
	switch network {
	case "trc20":
		return b.TRC20, true
	case "erc20":
		return b.ERC20, true
	case "bep20":
		return b.BEP20, true
	}
	return ChainConfig{}, false
}

type ChainConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	RPC             string   `mapstructure:"rpc"`
	BackupRPCs      []string `mapstructure:"backup_rpcs"`      // 备用 RPC 节点
	ContractAddress string   `mapstructure:"contract_address"` // USDT 合约地址
	Confirmations   int      `mapstructure:"confirmations"`    // 确认数阈值
	ScanInterval    int      `mapstructure:"scan_interval"`    // 扫描间隔(秒)，约等于 2 倍出块时间
	RPCTimeout      int      `mapstructure:"rpc_timeout"`      // RPC 超时(秒)
}

// OrderConfig 订单配置
type OrderConfig struct {
	ExpireMinutes       int    `mapstructure:"expire_minutes"`         // 订单过期时间(分钟)
	AmountTolerance     string `mapstructure:"amount_tolerance"`       // 金额匹配容差(USDT)
	SingleActivePerUser bool   `mapstructure:"single_active_per_user"` // 每用户同时仅一个活动订单
	ExpireSweepSeconds  int    `mapstructure:"expire_sweep_seconds"`   // 过期清理间隔(秒)
}

// WebhookConfig 事件推送队列配置
type WebhookConfig struct {
	QueueSize    int `mapstructure:"queue_size"`     // 队列容量，满时丢弃最新事件
	DedupWindow  int `mapstructure:"dedup_window"`   // 事件去重窗口(秒)
	DedupMaxKeys int `mapstructure:"dedup_max_keys"` // 去重表最大键数
}

// BalanceConfig 余额对账配置
type BalanceConfig struct {
	SyncInterval int    `mapstructure:"sync_interval"` // 对账间隔(秒)
	Epsilon      string `mapstructure:"epsilon"`       // 余额差异忽略阈值(USDT)
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

var cfg *Config

// getExeDir 获取可执行文件所在目录
func getExeDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// 按优先级添加配置路径
	viper.AddConfigPath(getExeDir())     // 可执行文件所在目录
	viper.AddConfigPath(".")             // 当前工作目录
	viper.AddConfigPath("./config")      // 当前目录下的config目录
	viper.AddConfigPath("/etc/chainpay") // 系统配置目录

	setDefaults()

	viper.SetEnvPrefix("CHAINPAY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// 配置文件不存在时使用默认值运行
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func Get() *Config {
	return cfg
}

func setDefaults() {
	// Server
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 6090)

	// Database
	viper.SetDefault("database.host", "127.0.0.1")
	viper.SetDefault("database.port", 3306)
	viper.SetDefault("database.user", "chainpay")
	viper.SetDefault("database.password", "chainpay123")
	viper.SetDefault("database.dbname", "chainpay")
	viper.SetDefault("database.max_open_conns", 100)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", 60) // 60分钟

	// TRC20: 约3秒出块，1个确认即视为最终
	viper.SetDefault("blockchain.trc20.enabled", true)
	viper.SetDefault("blockchain.trc20.rpc", "https://api.trongrid.io")
	viper.SetDefault("blockchain.trc20.contract_address", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t")
	viper.SetDefault("blockchain.trc20.confirmations", 1)
	viper.SetDefault("blockchain.trc20.scan_interval", 6)
	viper.SetDefault("blockchain.trc20.rpc_timeout", 15)

	// ERC20: 约12秒出块，12个确认
	viper.SetDefault("blockchain.erc20.enabled", false)
	viper.SetDefault("blockchain.erc20.rpc", "https://eth.llamarpc.com")
	viper.SetDefault("blockchain.erc20.contract_address", "0xdAC17F958D2ee523a2206206994597C13D831ec7")
	viper.SetDefault("blockchain.erc20.confirmations", 12)
	viper.SetDefault("blockchain.erc20.scan_interval", 24)
	viper.SetDefault("blockchain.erc20.rpc_timeout", 15)

	// BEP20: 约3秒出块，3个确认
	viper.SetDefault("blockchain.bep20.enabled", false)
	viper.SetDefault("blockchain.bep20.rpc", "https://bsc-dataseed.binance.org")
	viper.SetDefault("blockchain.bep20.contract_address", "0x55d398326f99059fF775485246999027B3197955")
	viper.SetDefault("blockchain.bep20.confirmations", 3)
	viper.SetDefault("blockchain.bep20.scan_interval", 6)
	viper.SetDefault("blockchain.bep20.rpc_timeout", 15)

	// Order
	viper.SetDefault("order.expire_minutes", 30)
	viper.SetDefault("order.amount_tolerance", "0.1")
	viper.SetDefault("order.single_active_per_user", true)
	viper.SetDefault("order.expire_sweep_seconds", 60)

	// Webhook
	viper.SetDefault("webhook.queue_size", 1024)
	viper.SetDefault("webhook.dedup_window", 3600)
	viper.SetDefault("webhook.dedup_max_keys", 10000)

	// Balance
	viper.SetDefault("balance.sync_interval", 300)
	viper.SetDefault("balance.epsilon", "0.000001")

	// Log
	viper.SetDefault("log.level", "info")
}
