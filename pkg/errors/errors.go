// Package errors 提供應用程式錯誤處理
//
// 錯誤分類與 HTTP 狀態碼映射：
//   - INVALID_REQUEST  → 400（欄位缺失、未知的 business entity）
//   - VALIDATION_ERROR → 400（設定內容格式錯誤，整筆拒絕）
//   - AUTH_ERROR       → 401（密碼錯誤、token 無效）
//   - STORAGE_ERROR    → 500（後端不可用；讀取路徑會降級，不會走到這裡）
//   - INTERNAL_ERROR   → 500
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 定義錯誤碼
const (
	// ErrCodeInvalidRequest 請求格式錯誤或欄位缺失
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	// ErrCodeValidation 設定內容驗證失敗
	ErrCodeValidation = "VALIDATION_ERROR"
	// ErrCodeAuth 認證失敗
	ErrCodeAuth = "AUTH_ERROR"
	// ErrCodeStorage 儲存層錯誤
	ErrCodeStorage = "STORAGE_ERROR"
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
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，以錯誤碼比對
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

// WithDetails 回傳帶有詳細資訊的副本
//
// 預定義錯誤是共用的，不能直接修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrInvalidRequest 請求無效
	ErrInvalidRequest = New(ErrCodeInvalidRequest, "invalid request")

	// ErrUnknownEntity 未知的 business entity
	ErrUnknownEntity = New(ErrCodeInvalidRequest, "unknown business entity")

	// ErrValidation 設定內容無效
	ErrValidation = New(ErrCodeValidation, "links must be an array of strings")

	// ErrAuth 認證失敗
	ErrAuth = New(ErrCodeAuth, "unauthorized")

	// ErrStorage 儲存層不可用
	ErrStorage = New(ErrCodeStorage, "storage unavailable")
)

// InvalidRequest 建立帶訊息的 INVALID_REQUEST 錯誤
func InvalidRequest(message string) *AppError {
	return New(ErrCodeInvalidRequest, message)
}

// Storage 將儲存層錯誤包裝成 STORAGE_ERROR
func Storage(err error, message string) *AppError {
	return Wrap(err, ErrCodeStorage, message)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsInvalidRequest 檢查是否為請求錯誤
func IsInvalidRequest(err error) bool { return hasCode(err, ErrCodeInvalidRequest) }

// IsValidation 檢查是否為驗證錯誤
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsAuth 檢查是否為認證錯誤
func IsAuth(err error) bool { return hasCode(err, ErrCodeAuth) }

// IsStorage 檢查是否為儲存層錯誤
func IsStorage(err error) bool { return hasCode(err, ErrCodeStorage) }

// HTTPStatus 將錯誤映射為 HTTP 狀態碼
//
// 非 AppError 的錯誤一律視為 500。
func HTTPStatus(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}

	switch appErr.Code {
	case ErrCodeInvalidRequest, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Code 取出錯誤碼，非 AppError 回傳 INTERNAL_ERROR
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}
