package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/devhelper/devhelper-go/internal/device"
	"github.com/devhelper/devhelper-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DeviceRegistry 设备列表，device.Manager 实现了这个接口
type DeviceRegistry interface {
	Get(id string) (*device.Device, error)
	Describe(ctx context.Context, checkConnection bool) []device.Info
	GetDeviceStats() map[string]interface{}
}

// DeviceHandler 设备与抓取
type DeviceHandler struct {
	devices         DeviceRegistry
	snapshotService service.SnapshotService
	logger          *logrus.Logger
}

// NewDeviceHandler 创建设备处理器实例
func NewDeviceHandler(devices DeviceRegistry, snapshotService service.SnapshotService, logger *logrus.Logger) *DeviceHandler {
	return &DeviceHandler{
		devices:         devices,
		snapshotService: snapshotService,
		logger:          logger,
	}
}

// ListDevices 已配置的设备
// GET /api/devices?check=true
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	check, _ := strconv.ParseBool(c.Query("check"))

	c.JSON(http.StatusOK, gin.H{
		"devices": h.devices.Describe(c.Request.Context(), check),
		"stats":   h.devices.GetDeviceStats(),
	})
}

// Capture 抓取设备当前界面
// POST /api/devices/:id/capture?async=true
func (h *DeviceHandler) Capture(c *gin.Context) {
	deviceID := c.Param("id")
	async, _ := strconv.ParseBool(c.Query("async"))

	if async {
		if _, err := h.devices.Get(deviceID); err != nil {
			respondError(c, err, nil)
			return
		}

		requestID, err := h.snapshotService.CaptureAsync(c.Request.Context(), deviceID)
		if err != nil {
			h.logger.WithError(err).WithField("device_id", deviceID).Warn("Failed to queue capture")
			respondError(c, err, nil)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"request_id": requestID,
			"device_id":  deviceID,
		})
		return
	}

	snapshot, err := h.snapshotService.Capture(c.Request.Context(), deviceID)
	if err != nil {
		respondError(c, err, snapshot)
		return
	}

	c.JSON(http.StatusCreated, snapshot)
}
