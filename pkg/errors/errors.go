// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeDuplicateUsername 用戶名已被註冊
	ErrCodeDuplicateUsername = "DUPLICATE_USERNAME"
	// ErrCodeUserNotFound 用戶不存在
	ErrCodeUserNotFound = "USER_NOT_FOUND"
	// ErrCodeChirpNotFound chirp 不存在
	ErrCodeChirpNotFound = "CHIRP_NOT_FOUND"
	// ErrCodeMalformedRecord 匯入記錄缺少必要欄位
	ErrCodeMalformedRecord = "MALFORMED_RECORD"
	// ErrCodeStoreUnavailable 儲存層（Redis）不可用
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", e.Message, e.Details)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
//
// 只比對錯誤碼，所以 errors.Is(err, ErrUserNotFound) 對任何
// 帶 USER_NOT_FOUND 碼的錯誤都成立（不論 Details 為何）。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本
//
// 預定義錯誤是共享的 sentinel，不能原地修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrDuplicateUsername 用戶名已存在
	ErrDuplicateUsername = New(ErrCodeDuplicateUsername, "username already exists")

	// ErrUserNotFound 用戶不存在
	ErrUserNotFound = New(ErrCodeUserNotFound, "user not found")

	// ErrChirpNotFound chirp 不存在
	ErrChirpNotFound = New(ErrCodeChirpNotFound, "chirp not found")

	// ErrMalformedRecord 匯入記錄格式錯誤
	ErrMalformedRecord = New(ErrCodeMalformedRecord, "malformed import record")

	// ErrStoreUnavailable Redis 不可用
	ErrStoreUnavailable = New(ErrCodeStoreUnavailable, "store unavailable")

	// ErrInvalidInput 無效輸入
	ErrInvalidInput = New(ErrCodeInvalidInput, "invalid input")
)

// Code 取出錯誤碼，非 AppError 時返回 ErrCodeInternal
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound 檢查是否為未找到錯誤（用戶或 chirp）
func IsNotFound(err error) bool {
	switch Code(err) {
	case ErrCodeUserNotFound, ErrCodeChirpNotFound:
		return true
	}
	return false
}

// IsMalformed 檢查是否為格式錯誤
func IsMalformed(err error) bool {
	return Code(err) == ErrCodeMalformedRecord
}

// IsUnavailable 檢查是否為儲存層不可用
func IsUnavailable(err error) bool {
	return Code(err) == ErrCodeStoreUnavailable
}
