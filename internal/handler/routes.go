package handler

import (
	"docsage-go/internal/service"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 在 /api/v1 下注册全部路由。
func RegisterRoutes(r gin.IRouter, knowledge service.KnowledgeService, maxUploadSize int64) {
	documentHandler := NewDocumentHandler(knowledge, maxUploadSize)
	chatHandler := NewChatHandler(knowledge)

	apiV1 := r.Group("/api/v1")
	{
		documents := apiV1.Group("/documents")
		{
			documents.POST("", documentHandler.Upload)
			documents.GET("", documentHandler.List)
			documents.GET("/:id/download", documentHandler.Download)
			documents.DELETE("/:id", documentHandler.Delete)
		}

		apiV1.POST("/chat", chatHandler.Chat)
		apiV1.GET("/transcripts", chatHandler.Transcripts)
	}
}
