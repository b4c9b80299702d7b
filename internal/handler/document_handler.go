// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"io"
	"net/http"

	"docsage-go/internal/service"
	"docsage-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// DocumentHandler 负责处理所有与文档管理相关的 API 请求。
type DocumentHandler struct {
	knowledge     service.KnowledgeService
	maxUploadSize int64
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(knowledge service.KnowledgeService, maxUploadSize int64) *DocumentHandler {
	return &DocumentHandler{knowledge: knowledge, maxUploadSize: maxUploadSize}
}

// Upload 处理文件上传并同步完成入库。
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond(c, http.StatusBadRequest, "缺少上传文件字段 file", nil)
		return
	}
	if h.maxUploadSize > 0 && fileHeader.Size > h.maxUploadSize {
		respond(c, http.StatusRequestEntityTooLarge, "文件超过大小限制", nil)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		respond(c, http.StatusBadRequest, "无法读取上传文件", nil)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respond(c, http.StatusBadRequest, "无法读取上传文件", nil)
		return
	}

	docID, err := h.knowledge.Ingest(c.Request.Context(), fileHeader.Filename, data)
	if err != nil {
		log.Errorf("Upload: 入库失败, FileName: %s, Error: %v", fileHeader.Filename, err)
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, "文档入库成功", gin.H{
		"documentId": docID,
		"fileName":   fileHeader.Filename,
	})
}

// List 处理获取已上传文档列表的请求。
func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.knowledge.List(c.Request.Context())
	if err != nil {
		log.Error("List: failed", err)
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "获取文档列表成功", docs)
}

// Download 处理生成文件下载链接的请求。
func (h *DocumentHandler) Download(c *gin.Context) {
	info, err := h.knowledge.DownloadURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "文件下载链接生成成功", info)
}

// Delete 处理删除文档的请求。删除不完整时返回 207 与残留的存储。
func (h *DocumentHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.knowledge.Remove(c.Request.Context(), id); err != nil {
		log.Warnf("Delete: 删除文档未完成, DocumentID: %s, Error: %v", id, err)
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "文档删除成功", nil)
}
