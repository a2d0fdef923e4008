package handlers

import (
	"errors"
	"net/http"

	"github.com/Mieluoxxx/cvp-standby/internal/cluster"
	"github.com/Mieluoxxx/cvp-standby/internal/device"
	"github.com/Mieluoxxx/cvp-standby/internal/dispatcher"
	"github.com/Mieluoxxx/cvp-standby/internal/events"
	"github.com/Mieluoxxx/cvp-standby/internal/failover"
	"github.com/Mieluoxxx/cvp-standby/internal/health"
	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// errorMapping 领域错误到 HTTP 状态码与错误码的映射
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{cluster.ErrUnknownCluster, http.StatusNotFound, "UNKNOWN_CLUSTER"},
	{cluster.ErrNoPrimary, http.StatusNotFound, "NO_PRIMARY"},
	{device.ErrUnknownDevice, http.StatusNotFound, "UNKNOWN_DEVICE"},
	{events.ErrEventNotFound, http.StatusNotFound, "NOT_FOUND"},
	{health.ErrUntracked, http.StatusNotFound, "UNTRACKED_CLUSTER"},
	{failover.ErrNoOperation, http.StatusNotFound, "NO_OPERATION"},

	{cluster.ErrClusterExists, http.StatusConflict, "CLUSTER_EXISTS"},
	{device.ErrDeviceExists, http.StatusConflict, "DEVICE_EXISTS"},
	{cluster.ErrInvariantViolation, http.StatusConflict, "INVARIANT_VIOLATION"},
	{device.ErrInvariantViolation, http.StatusConflict, "INVARIANT_VIOLATION"},
	{device.ErrCapacityExceeded, http.StatusConflict, "CAPACITY_EXCEEDED"},
	{failover.ErrOperationInFlight, http.StatusConflict, "OPERATION_IN_FLIGHT"},
	{dispatcher.ErrAlreadyCommitted, http.StatusConflict, "ALREADY_COMMITTED"},
	{dispatcher.ErrCancelled, http.StatusConflict, "CANCELLED"},
	{health.ErrStaleSample, http.StatusConflict, "STALE_SAMPLE"},

	{failover.ErrRestoreRequired, http.StatusUnprocessableEntity, "RESTORE_REQUIRED"},
	{failover.ErrUnmanaged, http.StatusUnprocessableEntity, "UNMANAGED"},
	{failover.ErrNotUnmanaged, http.StatusUnprocessableEntity, "NOT_UNMANAGED"},
	{failover.ErrTargetUnreachable, http.StatusUnprocessableEntity, "TARGET_UNREACHABLE"},
	{device.ErrNotBound, http.StatusUnprocessableEntity, "NOT_BOUND"},

	{cluster.ErrInvalidCluster, http.StatusBadRequest, "VALIDATION_ERROR"},
	{device.ErrInvalidDevice, http.StatusBadRequest, "VALIDATION_ERROR"},
	{device.ErrRegionMismatch, http.StatusBadRequest, "REGION_MISMATCH"},
	{failover.ErrInvalidTarget, http.StatusBadRequest, "INVALID_TARGET"},
	{health.ErrInvalidSample, http.StatusBadRequest, "VALIDATION_ERROR"},
	{health.ErrExpiredSample, http.StatusBadRequest, "EXPIRED_SAMPLE"},
	{health.ErrFutureSample, http.StatusBadRequest, "FUTURE_SAMPLE"},
}

// respondError 写入错误响应
func respondError(c *gin.Context, status int, code, message string, details interface{}) {
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondValidationError 请求参数校验失败
func respondValidationError(c *gin.Context, err error) {
	respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request parameters", err.Error())
}

// handleServiceError 将领域错误映射为 HTTP 响应
func handleServiceError(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		respondError(c, status, code, "Internal server error", err.Error())
		return
	}
	respondError(c, status, code, err.Error(), nil)
}

// classify 查找错误对应的状态码和错误码
func classify(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}
