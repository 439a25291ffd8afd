package handlers

import (
	"net/http"
	"strconv"

	"github.com/devhelper/devhelper-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SnapshotHandler 快照查询处理器
type SnapshotHandler struct {
	snapshotService service.SnapshotService
	logger          *logrus.Logger
}

// NewSnapshotHandler 创建快照处理器实例
func NewSnapshotHandler(snapshotService service.SnapshotService, logger *logrus.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		snapshotService: snapshotService,
		logger:          logger,
	}
}

// ListSnapshots 获取快照列表
// GET /api/snapshots?page=1&page_size=20&device=pixel
func (h *SnapshotHandler) ListSnapshots(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}

	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	snapshots, total, err := h.snapshotService.List(c.Request.Context(), page, pageSize, c.Query("device"))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list snapshots")
		respondError(c, err, nil)
		return
	}

	totalPages := (total + int64(pageSize) - 1) / int64(pageSize)

	c.JSON(http.StatusOK, gin.H{
		"snapshots":   snapshots,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": totalPages,
	})
}

// GetSnapshot 获取单个快照
func (h *SnapshotHandler) GetSnapshot(c *gin.Context) {
	id := c.Param("id")

	snapshot, err := h.snapshotService.Get(c.Request.Context(), id)
	if err != nil {
		h.logger.WithError(err).WithField("snapshot_id", id).Warn("Failed to get snapshot")
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// GetTopActivity 以解析结果的原始形态返回
// GET /api/snapshots/:id/top-activity
func (h *SnapshotHandler) GetTopActivity(c *gin.Context) {
	id := c.Param("id")

	snapshot, err := h.snapshotService.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, snapshot.ToTopActivityInfo())
}

// LatestSnapshot 设备的最新快照
// GET /api/devices/:id/snapshots/latest
func (h *SnapshotHandler) LatestSnapshot(c *gin.Context) {
	deviceID := c.Param("id")

	snapshot, err := h.snapshotService.Latest(c.Request.Context(), deviceID)
	if err != nil {
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// DeleteSnapshot 删除快照
func (h *SnapshotHandler) DeleteSnapshot(c *gin.Context) {
	id := c.Param("id")

	if err := h.snapshotService.Delete(c.Request.Context(), id); err != nil {
		h.logger.WithError(err).WithField("snapshot_id", id).Error("Failed to delete snapshot")
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
	})
}

// GetStats 快照统计
func (h *SnapshotHandler) GetStats(c *gin.Context) {
	stats, err := h.snapshotService.Stats(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get snapshot stats")
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, stats)
}
