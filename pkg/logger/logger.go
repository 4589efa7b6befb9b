// Package logger 提供基于 slog 的结构化日志。
//
// 核心功能:
//   - Init() 配置默认日志器 (production: JSON, development: tint 彩色文本)
//   - InitWithFile() 同时输出到 stderr 和日志文件
//   - FromContext() 上下文感知日志
//   - 包级便捷方法 (Info/Error/Warn/Debug/Fatal)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"

	pkgerr "github.com/multi-agent/chatstream/pkg/errors"
)

var (
	// defaultLogger 使用 atomic.Pointer 保证并发安全。
	defaultLogger atomic.Pointer[slog.Logger]

	logFile   *os.File   // 全局日志文件, Shutdown 时关闭
	logFileMu sync.Mutex // 保护 logFile 并发关闭
)

func init() { defaultLogger.Store(newLogger(os.Stdout, slog.LevelInfo, false)) }

// getLogger 原子读取当前默认日志器。
func getLogger() *slog.Logger { return defaultLogger.Load() }

// storeLogger 原子存储默认日志器并同步 slog.SetDefault。
func storeLogger(l *slog.Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l)
}

// replaceTimeAttr 统一时间格式 (毫秒精度, 便于对齐 30ms flush 节拍)。
func replaceTimeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05.000"))
		}
	}
	return a
}

func newLogger(w io.Writer, level slog.Level, development bool) *slog.Logger {
	if development {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  true,
			TimeFormat: "15:04:05.000",
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceTimeAttr,
	}))
}

// ParseLevel 解析 LOG_LEVEL (DEBUG/INFO/WARN/ERROR), 无效值回落 INFO。
func ParseLevel(raw string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsDevelopment env 为 "development"/"dev" 时返回 true。
func IsDevelopment(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "development" || env == "dev"
}

// Init 初始化日志配置。env: "development"/"dev" 或 "production" (默认)。
func Init(env, level string) { InitTo(os.Stdout, env, level) }

// InitTo 同 Init, 输出到 w。交互式 CLI 用 stderr, 避免与会话输出混在 stdout。
func InitTo(w io.Writer, env, level string) {
	storeLogger(newLogger(w, ParseLevel(level), IsDevelopment(env)))
}

// InitWithFile 初始化日志, 同时输出到 stderr 和日志文件。
//
// 日志文件: {logDir}/chat-client-{date}.log (JSON 格式)。
// 调用者应在退出前调用 ShutdownFileHandler() 关闭文件。
func InitWithFile(logDir, level string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return pkgerr.Wrap(err, "Logger.Init", "create log dir")
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logDir, fmt.Sprintf("chat-client-%s.log", date))

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return pkgerr.Wrap(err, "Logger.Init", "open log file")
	}
	logFileMu.Lock()
	prev := logFile
	logFile = f
	logFileMu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	storeLogger(newLogger(io.MultiWriter(os.Stderr, f), ParseLevel(level), false))
	slog.Info("log file opened", FieldPath, logPath)
	return nil
}

// ShutdownFileHandler 关闭日志文件 (并发安全)。
func ShutdownFileHandler() {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile != nil {
		_ = logFile.Sync()
		_ = logFile.Close()
		logFile = nil
	}
}

// ========================================
// Context 感知日志
// ========================================

type ctxKey struct{}

// WithContext 将日志器注入 context。
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 从 context 提取日志器，若不存在则返回默认日志器。
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return getLogger()
}

// ========================================
// 包级便捷方法
// ========================================

// Info/Error/Warn/Debug 记录结构化日志。args 为 key-value 对。
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

// Fatal 记录致命错误并退出。
func Fatal(msg string, args ...any) {
	getLogger().Error(msg, args...)
	ShutdownFileHandler()
	os.Exit(1)
}

// With 返回带附加上下文的日志器。
func With(args ...any) *slog.Logger { return getLogger().With(args...) }

// Get 返回底层 slog.Logger。
func Get() *slog.Logger { return getLogger() }

// Any 创建任意类型属性。
func Any(key string, value any) slog.Attr { return slog.Any(key, value) }

// 预留字段常量 — MUST 使用常量键名，勿硬编码。
const (
	FieldComponent = "component"
	FieldError     = "error"
	FieldStatus    = "status"
	FieldCount     = "count"
	FieldPath      = "path"
	FieldMethod    = "method"
	FieldURL       = "url"
	FieldAddr      = "addr"
	FieldVersion   = "version"
	FieldBytes     = "bytes"
	FieldLen       = "len"
	FieldRaw       = "raw"
	FieldState     = "state"

	// 会话 / 流
	FieldSessionID  = "session_id"
	FieldMessageID  = "message_id"
	FieldTargetID   = "target_id"
	FieldFrameType  = "frame_type"
	FieldGeneration = "generation"
	FieldTool       = "tool"
	FieldStep       = "step"
	FieldChunks     = "chunks"
	FieldDurationMS = "duration_ms"

	// 连接
	FieldAttempt     = "attempt"
	FieldMaxAttempts = "max_attempts"
	FieldDelayMS     = "delay_ms"
	FieldQueued      = "queued"
	FieldTrigger     = "trigger"
)
