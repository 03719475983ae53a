package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/payperplay/autopower/internal/power"
	"github.com/payperplay/autopower/pkg/logger"
)

// ErrorResponse is the body of every error answer
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorHandler recovers panics and answers errors handlers attached with
// c.Error. Panel errors keep their class: rejections become 502,
// unreachable panels 503 and capability gaps 501.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			logger.Error("Panic recovered", err, requestFields(c))
			writeError(c, NewInternalError(err))
		}()

		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		appErr := classify(err)
		logger.Error("Request error", err, requestFields(c))
		writeError(c, appErr)
	}
}

// AppError is an error with the HTTP response it should produce
type AppError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func NewBadRequestError(message string) *AppError {
	return &AppError{StatusCode: http.StatusBadRequest, Code: "BAD_REQUEST", Message: message}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{StatusCode: http.StatusNotFound, Code: "NOT_FOUND", Message: resource + " not found"}
}

func NewInternalError(err error) *AppError {
	return &AppError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "Internal server error", Err: err}
}

// NewPanelError wraps a power controller failure
func NewPanelError(err error) *AppError {
	switch {
	case power.IsRejection(err):
		return &AppError{StatusCode: http.StatusBadGateway, Code: "PANEL_REJECTED", Message: err.Error(), Err: err}
	case power.IsTransport(err):
		return &AppError{StatusCode: http.StatusServiceUnavailable, Code: "PANEL_UNREACHABLE", Message: err.Error(), Err: err}
	case power.IsUnsupported(err):
		return &AppError{StatusCode: http.StatusNotImplemented, Code: "PANEL_UNSUPPORTED", Message: err.Error(), Err: err}
	default:
		return NewInternalError(err)
	}
}

func classify(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewPanelError(err)
}

// HandleAppError writes err as the response and aborts the chain
func HandleAppError(c *gin.Context, err *AppError) {
	fields := requestFields(c)
	fields["code"] = err.Code
	fields["status"] = err.StatusCode
	if err.StatusCode >= http.StatusInternalServerError {
		logger.Error(err.Message, err.Err, fields)
	} else {
		logger.Warn(err.Message, fields)
	}
	writeError(c, err)
}

func writeError(c *gin.Context, err *AppError) {
	c.AbortWithStatusJSON(err.StatusCode, ErrorResponse{
		Error:     err.Message,
		Code:      err.Code,
		RequestID: c.GetString("request_id"),
	})
}

func requestFields(c *gin.Context) map[string]interface{} {
	return map[string]interface{}{
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
		"request_id": c.GetString("request_id"),
	}
}
