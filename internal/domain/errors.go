package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Code 统一的领域错误分类
type Code string

const (
	CodeNotFound               Code = "not_found"
	CodeAlreadyExists          Code = "already_exists"
	CodeInvalidState           Code = "invalid_state"
	CodeAccessDenied           Code = "access_denied"
	CodeValidation             Code = "validation"
	CodeConflict               Code = "conflict"
	CodeExternalServiceFailure Code = "external_service_failure"
	CodeInternal               Code = "internal"
)

// Error 带分类码的领域错误
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(code Code, op, message string, cause error) error {
	return &Error{
		Code:    code,
		Op:      strings.TrimSpace(op),
		Message: strings.TrimSpace(message),
		Cause:   cause,
	}
}

// Wrap 为已有错误附加分类码，已带分类码的错误原样返回
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return NewError(code, op, err.Error(), err)
}

func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

func CodeOf(err error) Code {
	var de *Error
	if !errors.As(err, &de) {
		return ""
	}
	return de.Code
}

func NotFound(op, format string, args ...any) error {
	return NewError(CodeNotFound, op, fmt.Sprintf(format, args...), nil)
}

func InvalidState(op, format string, args ...any) error {
	return NewError(CodeInvalidState, op, fmt.Sprintf(format, args...), nil)
}

func AccessDenied(op, format string, args ...any) error {
	return NewError(CodeAccessDenied, op, fmt.Sprintf(format, args...), nil)
}
