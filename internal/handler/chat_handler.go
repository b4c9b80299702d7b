package handler

import (
	"net/http"
	"strconv"

	"docsage-go/internal/service"

	"github.com/gin-gonic/gin"
)

// ChatHandler 负责处理问答与问答记录的请求。
type ChatHandler struct {
	knowledge service.KnowledgeService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(knowledge service.KnowledgeService) *ChatHandler {
	return &ChatHandler{knowledge: knowledge}
}

// ChatRequest 定义了问答 API 的请求体结构。
type ChatRequest struct {
	Query string `json:"query" binding:"required"`
}

// Chat 处理一次问答，回答与引用一次性返回。
func (h *ChatHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}

	answer, err := h.knowledge.Ask(c.Request.Context(), req.Query)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "success", answer)
}

// Transcripts 返回最近的问答记录，limit 默认为 20。
func (h *ChatHandler) Transcripts(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		respond(c, http.StatusBadRequest, "limit 必须为正整数", nil)
		return
	}

	items, err := h.knowledge.RecentTranscripts(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "success", items)
}
