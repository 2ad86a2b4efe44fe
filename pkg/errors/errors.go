// Package errors 定义统一错误码
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK               Code = "OK"
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidParam     Code = "INVALID_PARAM"
	CodeNotFound         Code = "NOT_FOUND"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"

	// 交易
	CodeSymbolNotFound       Code = "SYMBOL_NOT_FOUND"
	CodeSymbolNotTrading     Code = "SYMBOL_NOT_TRADING"
	CodeInvalidSide          Code = "INVALID_SIDE"
	CodeInvalidOrderType     Code = "INVALID_ORDER_TYPE"
	CodeInvalidTimeInForce   Code = "INVALID_TIME_IN_FORCE"
	CodeInvalidPrice         Code = "INVALID_PRICE"
	CodeInvalidStopPrice     Code = "INVALID_STOP_PRICE"
	CodeInvalidQuantity      Code = "INVALID_QUANTITY"
	CodeQtyTooSmall          Code = "QTY_TOO_SMALL"
	CodeQtyTooLarge          Code = "QTY_TOO_LARGE"
	CodeNotionalTooSmall     Code = "NOTIONAL_TOO_SMALL"
	CodeNoReferencePrice     Code = "NO_REFERENCE_PRICE"
	CodeOrderNotFound        Code = "ORDER_NOT_FOUND"
	CodeOrderAlreadyFinished Code = "ORDER_ALREADY_FINISHED"
	CodePostOnlyRejected     Code = "POST_ONLY_REJECTED"
	CodeNoLiquidity          Code = "NO_LIQUIDITY"
	CodeSystemBusy           Code = "SYSTEM_BUSY"

	// 资金
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
)

// Error 业务错误
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// CodeOf 提取错误码，非业务错误一律归为 INTERNAL
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidSide, CodeInvalidOrderType, CodeInvalidTimeInForce,
		CodeInvalidPrice, CodeInvalidStopPrice, CodeInvalidQuantity,
		CodeQtyTooSmall, CodeQtyTooLarge, CodeNotionalTooSmall,
		CodeInsufficientBalance, CodeNoReferencePrice, CodeNoLiquidity, CodePostOnlyRejected:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeOrderNotFound, CodeSymbolNotFound:
		return http.StatusNotFound
	case CodeOrderAlreadyFinished, CodeSymbolNotTrading:
		return http.StatusConflict
	case CodeSystemBusy:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam         = New(CodeInvalidParam, "invalid parameter")
	ErrOrderNotFound        = New(CodeOrderNotFound, "order not found")
	ErrOrderAlreadyFinished = New(CodeOrderAlreadyFinished, "order already in terminal state")
	ErrInsufficientBalance  = New(CodeInsufficientBalance, "insufficient balance")
	ErrSymbolNotFound       = New(CodeSymbolNotFound, "symbol not found")
	ErrSystemBusy           = New(CodeSystemBusy, "system busy, please retry")
	ErrUnauthenticated      = New(CodeUnauthenticated, "unauthenticated")
)
