package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/devhelper/devhelper-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// MaxDumpSize 单个 dump 的上限
const MaxDumpSize = 8 << 20

// DumpHandler dump 文本上传与解析
type DumpHandler struct {
	snapshotService service.SnapshotService
	logger          *logrus.Logger
}

// NewDumpHandler 创建 dump 处理器实例
func NewDumpHandler(snapshotService service.SnapshotService, logger *logrus.Logger) *DumpHandler {
	return &DumpHandler{
		snapshotService: snapshotService,
		logger:          logger,
	}
}

// ImportDump 解析并保存 dump
// POST /api/dumps?source=xxx
// 请求体为原始文本，或 multipart 表单字段 file
func (h *DumpHandler) ImportDump(c *gin.Context) {
	raw, filename, err := h.readDump(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := c.Query("source")
	if source == "" && filename != "" {
		source = "upload:" + filename
	}

	snapshot, err := h.snapshotService.Import(c.Request.Context(), source, raw)
	if err != nil {
		h.logger.WithError(err).WithField("source", source).Warn("Dump import failed")
		respondError(c, err, snapshot)
		return
	}

	c.JSON(http.StatusCreated, snapshot)
}

// ParseDump 只解析不保存
// POST /api/dumps/parse
func (h *DumpHandler) ParseDump(c *gin.Context) {
	raw, _, err := h.readDump(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := h.snapshotService.Parse(raw)
	if err != nil {
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, info)
}

// readDump 读取请求中的 dump 文本，返回上传文件名（如有）
func (h *DumpHandler) readDump(c *gin.Context) (string, string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxDumpSize)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			return "", "", fmt.Errorf("missing form file: %w", err)
		}
		f, err := fileHeader.Open()
		if err != nil {
			return "", "", fmt.Errorf("open upload: %w", err)
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			return "", "", fmt.Errorf("read upload: %w", err)
		}
		return string(data), fileHeader.Filename, nil
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}
	return string(data), "", nil
}
