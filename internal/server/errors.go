package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type codedError interface {
	Code() string
}

type retryAfterError interface {
	RetryAfter() time.Duration
}

type detailedError interface {
	Detail() string
}

var statusByCode = map[string]int{
	"validation_error":       http.StatusBadRequest,
	"generation_id_required": http.StatusBadRequest,
	"not_found":              http.StatusNotFound,
	"generation_not_found":   http.StatusNotFound,
	"duplicate_prompt":       http.StatusConflict,
	"invalid_state":          http.StatusConflict,
	"edits_in_progress":      http.StatusConflict,
	"duplicate_front":        http.StatusUnprocessableEntity,
	"rate_limit":             http.StatusTooManyRequests,
	"provider_error":         http.StatusBadGateway,
	"config_error":           http.StatusInternalServerError,
	"database_error":         http.StatusInternalServerError,
}

var messageByCode = map[string]string{
	"validation_error":       "request is invalid",
	"generation_id_required": "AI-sourced cards require generation_id",
	"not_found":              "resource not found",
	"generation_not_found":   "generation not found",
	"duplicate_prompt":       "a generation for this prompt already exists",
	"invalid_state":          "operation not allowed in the current state",
	"edits_in_progress":      "finish or cancel all edits first",
	"duplicate_front":        "a card with this front already exists",
	"rate_limit":             "provider rate limit reached, retry later",
}

// respondError writes the caller-facing code of err. Server-side failures carry
// no detail. Client errors get a fixed message per code; validation errors
// describe the offending input instead.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := "server_error"
	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
		code = "server_error"
	}

	if status == http.StatusTooManyRequests {
		var hinted retryAfterError
		if errors.As(err, &hinted) && hinted.RetryAfter() > 0 {
			seconds := int(math.Ceil(hinted.RetryAfter().Seconds()))
			c.Header("Retry-After", strconv.Itoa(seconds))
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
		c.AbortWithStatusJSON(status, gin.H{"error": code})
		return
	}
	details := messageByCode[code]
	var detailed detailedError
	if code == "validation_error" && errors.As(err, &detailed) && detailed.Detail() != "" {
		details = detailed.Detail()
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "details": details})
}

func respondValidation(c *gin.Context, details string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation_error", "details": details})
}
