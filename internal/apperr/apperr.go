// Package apperr 定义跨层共享的错误分类，handler 与 ws 网关据此映射响应。
package apperr

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuthorization
	KindConflict
	KindRateLimit
	KindStorage
	KindStorageTimeout
	KindAuthentication
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindRateLimit:
		return "rate_limit"
	case KindStorage:
		return "storage"
	case KindStorageTimeout:
		return "storage_timeout"
	case KindAuthentication:
		return "authentication"
	default:
		return "internal"
	}
}

// Error 是业务错误。Code 是稳定的机器可读标识，Is 按 Code 比较。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]string
	Err     error
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Wrap 复制 e 并附带底层原因，sentinel 本身不会被修改。
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// Validation 构造带字段级详情的校验错误。
func Validation(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Code: "ValidationError", Message: "invalid input", Fields: fields}
}

// Storage 将驱动层错误归类为 StorageError 或 StorageTimeout。
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrStorageTimeout.Wrap(errors.Wrap(err, op))
	}
	return ErrStorage.Wrap(errors.Wrap(err, op))
}

// KindOf 返回 err 链上第一个 *Error 的分类，非业务错误视为 internal。
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// As 提取 err 链上的 *Error。
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// HTTPStatus 把错误分类映射为 HTTP 状态码。
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindStorage:
		return http.StatusServiceUnavailable
	case KindStorageTimeout:
		return http.StatusGatewayTimeout
	case KindAuthentication:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Response 是 HTTP 与 WebSocket 共用的错误响应体。
type Response struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ToResponse 给出 err 对应的状态码与响应体。非业务错误统一报告为 internal，
// 细节只应写入日志。
func ToResponse(err error) (int, Response) {
	ae, ok := As(err)
	if !ok || ae.Kind == KindInternal {
		return http.StatusInternalServerError, Response{Error: "internal", Message: "internal error"}
	}
	return HTTPStatus(ae.Kind), Response{Error: ae.Code, Message: ae.Message, Fields: ae.Fields}
}
