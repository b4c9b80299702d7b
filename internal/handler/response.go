package handler

import (
	"errors"
	"net/http"

	"docsage-go/internal/errs"

	"github.com/gin-gonic/gin"
)

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
		"data":    data,
	})
}

// statusFor 把错误类别映射为 HTTP 状态码。
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindUnsupportedFormat, errs.KindInvalidInput:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindPartialDelete:
		return http.StatusMultiStatus
	case errs.KindExtraction:
		return http.StatusUnprocessableEntity
	case errs.KindEmbedding, errs.KindIndex, errs.KindGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError 输出错误信封；删除不完整时附带残留的存储列表。
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	var data interface{}
	var pde *errs.PartialDeleteError
	if errors.As(err, &pde) {
		data = gin.H{"documentId": pde.DocumentID, "residue": pde.Stores()}
	}
	respond(c, status, err.Error(), data)
}
