// Package errors 提供统一错误类型与哨兵错误。
//
// 两层错误体系:
//   - L1 哨兵错误: ErrNotFound / ErrNotConnected / ErrMalformedFrame 等, 调用方用 errors.Is 判断
//   - L2 AppError: 带 Op + Code + Message 的应用级错误, 保留原因链
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在 (会话/消息/内容块)
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal 内部错误
	ErrInternal = errors.New("internal error")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")

	// ErrNotConnected 连接未建立 (帧已入队, 等待重连后发送)
	ErrNotConnected = errors.New("not connected")

	// ErrClosed 连接已被显式关闭
	ErrClosed = errors.New("connection closed")

	// ErrReconnectExhausted 重连次数耗尽
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrMalformedFrame 入站帧无法解码
	ErrMalformedFrame = errors.New("malformed frame")
)

// 错误码 (AppError.Code)。
const (
	CodeTransport = "TRANSPORT"
	CodeProtocol  = "PROTOCOL"
	CodeHTTP      = "HTTP"
	CodeDB        = "DB_ERROR"
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Manager.Send"
	Code    string // 错误码，如 "TRANSPORT"、"PROTOCOL"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithCode 包装错误并附带错误码。
func WithCode(err error, op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message, Err: err}
}

// CodeOf 返回错误链上第一个非空错误码, 无则返回 ""。
func CodeOf(err error) string {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return ""
		}
		if appErr.Code != "" {
			return appErr.Code
		}
		err = appErr.Err
	}
	return ""
}
