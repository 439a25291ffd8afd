package handlers

import (
	"errors"
	"net/http"

	"github.com/devhelper/devhelper-go/internal/adb"
	"github.com/devhelper/devhelper-go/internal/domain"
	"github.com/devhelper/devhelper-go/internal/inspector"
	"github.com/devhelper/devhelper-go/internal/service"
	"github.com/gin-gonic/gin"
)

// statusFor 业务错误到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrDeviceNotFound), errors.Is(err, service.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEmptyDump):
		return http.StatusBadRequest
	case errors.Is(err, inspector.ErrUnreadableHierarchy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrQueueDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, inspector.ErrCommandFailed), errors.Is(err, adb.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError 写错误响应；解析失败时附带已保存的 failed 快照
func respondError(c *gin.Context, err error, snapshot *domain.Snapshot) {
	status := statusFor(err)

	body := gin.H{"error": err.Error()}
	if status == http.StatusUnprocessableEntity {
		body["error"] = inspector.ErrUnreadableHierarchy.Error()
		body["detail"] = err.Error()
		if snapshot != nil {
			body["snapshot"] = snapshot
		}
	}
	c.JSON(status, body)
}
