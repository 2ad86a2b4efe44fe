// Package config 配置
package config

import (
	"strconv"
	"time"

	pkgconfig "github.com/exchange/spot/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis，留空则关闭行情与私有事件推送
	RedisAddr     string
	RedisPassword string

	WorkerID int64

	// 内部接口令牌，入金与模拟器管理接口校验用
	InternalToken string

	// WebSocket 允许的来源，空列表放行全部
	AllowedOrigins []string

	Simulator SimulatorConfig
}

// SimulatorConfig 行情模拟器配置
type SimulatorConfig struct {
	Enabled     bool
	AutoStart   bool
	Interval    time.Duration
	BuyerBotID  int64
	SellerBotID int64
	Seed        int64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "exchange-spot"),
		HTTPPort:    pkgconfig.GetEnvInt("HTTP_PORT", 8081),

		DBHost:     pkgconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     pkgconfig.GetEnvInt("DB_PORT", 5436),
		DBUser:     pkgconfig.GetEnv("DB_USER", "exchange"),
		DBPassword: pkgconfig.GetEnv("DB_PASSWORD", "exchange123"),
		DBName:     pkgconfig.GetEnv("DB_NAME", "exchange"),

		RedisAddr:     pkgconfig.GetEnv("REDIS_ADDR", "localhost:6380"),
		RedisPassword: pkgconfig.GetEnv("REDIS_PASSWORD", ""),

		WorkerID: pkgconfig.GetEnvInt64("WORKER_ID", 1),

		InternalToken: pkgconfig.GetEnv("INTERNAL_TOKEN", ""),

		AllowedOrigins: pkgconfig.GetEnvSlice("ALLOWED_ORIGINS", nil),

		Simulator: SimulatorConfig{
			Enabled:     pkgconfig.GetEnvBool("SIMULATOR_ENABLED", true),
			AutoStart:   pkgconfig.GetEnvBool("SIMULATOR_AUTO_START", false),
			Interval:    pkgconfig.GetEnvDuration("SIMULATOR_INTERVAL", 500*time.Millisecond),
			BuyerBotID:  pkgconfig.GetEnvInt64("SIMULATOR_BUYER_BOT_ID", 900001),
			SellerBotID: pkgconfig.GetEnvInt64("SIMULATOR_SELLER_BOT_ID", 900002),
			Seed:        pkgconfig.GetEnvInt64("SIMULATOR_SEED", 0),
		},
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}
