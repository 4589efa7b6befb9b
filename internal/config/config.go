// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/multi-agent/chatstream/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 服务端
	ChatBaseURL string `env:"CHAT_BASE_URL" default:"http://127.0.0.1:8000/api/v1"`
	ChatWSURL   string `env:"CHAT_WS_URL"` // 为空时由 ChatBaseURL 推导 (http→ws)
	SessionID   string `env:"CHAT_SESSION_ID"`

	// 流式缓冲
	FlushIntervalMS int `env:"STREAM_FLUSH_INTERVAL_MS" default:"30" min:"1"`

	// WebSocket 连接
	ReconnectBaseDelayMS  int `env:"WS_RECONNECT_BASE_DELAY_MS" default:"500" min:"1"`
	ReconnectMaxDelayMS   int `env:"WS_RECONNECT_MAX_DELAY_MS" default:"10000" min:"1"`
	ReconnectMaxAttempts  int `env:"WS_RECONNECT_MAX_ATTEMPTS" default:"5" min:"0"`
	PingIntervalSec       int `env:"WS_PING_INTERVAL_SEC" default:"20" min:"1"`
	ReadIdleTimeoutSec    int `env:"WS_READ_IDLE_TIMEOUT_SEC" default:"75" min:"1"`
	WriteTimeoutSec       int `env:"WS_WRITE_TIMEOUT_SEC" default:"10" min:"1"`
	HandshakeTimeoutSec   int `env:"WS_HANDSHAKE_TIMEOUT_SEC" default:"5" min:"1"`
	PersistHTTPTimeoutSec int `env:"PERSIST_HTTP_TIMEOUT_SEC" default:"15" min:"1"`

	// PostgreSQL (可选: 直接读取持久化内容块)
	PostgresConnStr     string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema      string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize int    `env:"POSTGRES_POOL_MAX_SIZE" default:"4" min:"1"`

	// Viewer
	ViewerListen string `env:"VIEWER_LISTEN"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogEnv   string `env:"LOG_ENV" default:"production"`
	LogDir   string `env:"LOG_DIR"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// FlushInterval 流式缓冲 flush 周期。
func (c *Config) FlushInterval() time.Duration { return util.DurationMS(c.FlushIntervalMS) }

// ReconnectBaseDelay 首次退避基准。
func (c *Config) ReconnectBaseDelay() time.Duration { return util.DurationMS(c.ReconnectBaseDelayMS) }

// ReconnectMaxDelay 退避上限。
func (c *Config) ReconnectMaxDelay() time.Duration { return util.DurationMS(c.ReconnectMaxDelayMS) }

// StreamURL 返回会话级流式端点: {ws-base}/chats/{sessionID}/stream。
func (c *Config) StreamURL(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	base := strings.TrimSpace(c.ChatWSURL)
	if base == "" {
		base = strings.TrimSpace(c.ChatBaseURL)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	// Path 为解码形式, String() 负责转义
	u.Path = strings.TrimRight(u.Path, "/") + "/chats/" + sessionID + "/stream"
	u.RawPath = ""
	return u.String(), nil
}
