package util

import (
	"coursehub_backend/internal/domain"
	"coursehub_backend/pkg/logger"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// PageResponse 分页响应结构
type PageResponse struct {
	List  interface{} `json:"list"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    http.StatusCreated,
		Message: "created",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(code, Response{
		Code:    code,
		Message: message,
	})
}

func Unauthorized(c *gin.Context) {
	Error(c, http.StatusUnauthorized, "Unauthorized")
}

func Forbidden(c *gin.Context) {
	Error(c, http.StatusForbidden, "Forbidden")
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func NotFound(c *gin.Context) {
	Error(c, http.StatusNotFound, "Resource not found")
}

func InternalServerError(c *gin.Context) {
	Error(c, http.StatusInternalServerError, "Internal server error")
}

func LogInternalError(c *gin.Context, err error) {
	logger.Log.Error("Internal server error",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	InternalServerError(c)
}

// StatusFor 领域错误码到 HTTP 状态码
func StatusFor(code domain.Code) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeAlreadyExists, domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeInvalidState:
		return http.StatusUnprocessableEntity
	case domain.CodeAccessDenied:
		return http.StatusForbidden
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeExternalServiceFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// HandleError 按领域错误码输出响应；未分类错误记录日志后返回 500
func HandleError(c *gin.Context, err error) {
	var de *domain.Error
	if !errors.As(err, &de) || de.Code == domain.CodeInternal {
		LogInternalError(c, err)
		return
	}
	status := StatusFor(de.Code)
	if status >= http.StatusInternalServerError {
		logger.Log.Warn("Upstream failure", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, Response{
		Code:    status,
		Message: de.Message,
		Reason:  string(de.Code),
	})
}
