package pipeline

import (
	"context"
	"path"
	"strings"
	"time"
)

// DocumentsPrefix 是所有文档对象的公共前缀，每个文档占用 documents/{id}/ 目录。
const DocumentsPrefix = "documents/"

// ObjectKey 返回原始文件的对象键。
func ObjectKey(documentID, filename string) string {
	return DocumentsPrefix + documentID + "/" + baseName(filename)
}

// TextKey 返回提取文本的对象键。
func TextKey(documentID string) string {
	return DocumentsPrefix + documentID + "/" + documentID + ".txt"
}

// documentIDFromKey 从 documents/{id}/... 形式的键中解析文档 ID。
func documentIDFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, DocumentsPrefix)
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// baseName 去掉客户端传来的目录部分，兼容 Windows 路径分隔符。
func baseName(filename string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return "upload"
	}
	return name
}

// cleanupTimeout 限制补偿操作的耗时；补偿在调用方取消后仍需执行。
const cleanupTimeout = 30 * time.Second

func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
