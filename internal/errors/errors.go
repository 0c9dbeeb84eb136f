package errors

import (
	"fmt"
	"strings"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown      ErrorCode = 1000
	ErrInvalidParam ErrorCode = 1001
	ErrNotFound     ErrorCode = 1002
	ErrTimeout      ErrorCode = 1003

	// 协议错误 (2000-2999)
	ErrInvalidRoomID  ErrorCode = 2000
	ErrInvalidRequest ErrorCode = 2001

	// 容量错误 (3000-3999)
	ErrTooManyConnections  ErrorCode = 3000
	ErrRoomFull            ErrorCode = 3001
	ErrTooManyRoomsCreated ErrorCode = 3002

	// 冲突错误 (4000-4999)
	ErrPositionOccupied  ErrorCode = 4000
	ErrTokenNotFound     ErrorCode = 4001
	ErrColorNotInPalette ErrorCode = 4002

	// 并发错误 (5000-5999)
	ErrTransactionFailed ErrorCode = 5000
	ErrStaleToken        ErrorCode = 5001
	ErrLockNotHeld       ErrorCode = 5002

	// 存储错误 (6000-6999)
	ErrStoreUnavailable ErrorCode = 6000
	ErrNoSuchRoom       ErrorCode = 6001
	ErrArchiveFailed    ErrorCode = 6002

	// 配置错误 (7000-7999)
	ErrConfigLoad     ErrorCode = 7000
	ErrConfigParse    ErrorCode = 7001
	ErrConfigValidate ErrorCode = 7002
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	// 通用错误
	ErrUnknown:      "未知错误",
	ErrInvalidParam: "无效的参数",
	ErrNotFound:     "资源未找到",
	ErrTimeout:      "操作超时",

	// 协议错误
	ErrInvalidRoomID:  "无效的房间ID",
	ErrInvalidRequest: "无效的请求格式",

	// 容量错误
	ErrTooManyConnections:  "用户连接数超限",
	ErrRoomFull:            "房间已满",
	ErrTooManyRoomsCreated: "创建房间过于频繁",

	// 冲突错误
	ErrPositionOccupied:  "位置已被占用",
	ErrTokenNotFound:     "令牌不存在",
	ErrColorNotInPalette: "颜色不在调色板中",

	// 并发错误
	ErrTransactionFailed: "事务冲突",
	ErrStaleToken:        "替换令牌已过期",
	ErrLockNotHeld:       "未持有锁",

	// 存储错误
	ErrStoreUnavailable: "存储不可用",
	ErrNoSuchRoom:       "房间不存在",
	ErrArchiveFailed:    "归档操作失败",

	// 配置错误
	ErrConfigLoad:     "配置加载失败",
	ErrConfigParse:    "配置解析失败",
	ErrConfigValidate: "配置验证失败",
}

// WebSocket应用层关闭码
const (
	CloseInvalidRoomID       = 4001
	CloseInvalidRequest      = 4002
	CloseTooManyConnections  = 4003
	CloseRoomFull            = 4004
	CloseTooManyRoomsCreated = 4005
	CloseInternalError       = 4500
)

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode `json:"code"`    // 错误码
	Message string    `json:"message"` // 错误消息
	Details string    `json:"details"` // 详细信息
	Cause   error     `json:"-"`       // 原始错误
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return New(code, details)
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，保留原始错误码
	if appErr, ok := err.(*AppError); ok {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr := New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return Wrap(err, code, details)
}

// Is 判断错误是否为指定错误码
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	return ok && appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}

	return ErrUnknown
}

// CloseCode 返回对应的WebSocket关闭码
func (e *AppError) CloseCode() int {
	switch e.Code {
	case ErrInvalidRoomID:
		return CloseInvalidRoomID
	case ErrInvalidRequest, ErrInvalidParam:
		return CloseInvalidRequest
	case ErrTooManyConnections:
		return CloseTooManyConnections
	case ErrRoomFull:
		return CloseRoomFull
	case ErrTooManyRoomsCreated:
		return CloseTooManyRoomsCreated
	default:
		return CloseInternalError
	}
}

// CloseCodeOf 返回任意错误对应的WebSocket关闭码
func CloseCodeOf(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.CloseCode()
	}
	return CloseInternalError
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch GetCode(err) {
	case ErrTimeout,
		ErrTransactionFailed,
		ErrStoreUnavailable:
		return true
	default:
		return false
	}
}

// IsCapacity 判断是否为容量类错误
func IsCapacity(err error) bool {
	code := GetCode(err)
	return code >= 3000 && code <= 3999
}

// IsConflict 判断是否为冲突类错误（连接保持打开）
func IsConflict(err error) bool {
	code := GetCode(err)
	return code >= 4000 && code <= 4999
}
