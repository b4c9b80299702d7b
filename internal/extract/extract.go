// Package extract 把上传文件的原始字节转换为纯文本，按文件扩展名选择提取策略。
package extract

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"docsage-go/pkg/log"
)

// Extractor 从一个文件中提取纯文本。
type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) (string, error)
}

// ExtractorFunc 让普通函数满足 Extractor。
type ExtractorFunc func(ctx context.Context, filename string, data []byte) (string, error)

func (f ExtractorFunc) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	return f(ctx, filename, data)
}

// TextExtractor 是远程提取服务（Apache Tika）的最小接口。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, filename string) (string, error)
}

// Registry 以小写扩展名（含 "."）为键保存提取策略。
type Registry struct {
	byExt map[string]Extractor
}

func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Extractor)}
}

// Register 为一个或多个扩展名注册策略，后注册的覆盖先注册的。
func (r *Registry) Register(e Extractor, exts ...string) {
	for _, ext := range exts {
		r.byExt[normalizeExt(ext)] = e
	}
}

// Lookup 根据文件名的扩展名查找策略。
func (r *Registry) Lookup(filename string) (Extractor, bool) {
	e, ok := r.byExt[normalizeExt(filepath.Ext(filename))]
	return e, ok
}

// Extensions 返回已注册的扩展名，按字典序排列。
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// NewDefaultRegistry 注册内置策略；tika 非 nil 时额外支持 Office 等二进制格式，
// 并作为 PDF 解析失败时的后备。
func NewDefaultRegistry(tika TextExtractor) *Registry {
	r := NewRegistry()
	r.Register(PlainText{}, ".txt", ".md", ".markdown", ".csv", ".tsv", ".json", ".log")
	r.Register(HTML{}, ".html", ".htm", ".xhtml")
	r.Register(Spreadsheet{}, ".xlsx", ".xlsm")

	if tika == nil {
		r.Register(PDF{}, ".pdf")
		return r
	}
	t := Tika{Client: tika}
	r.Register(Fallback{Primary: PDF{}, Secondary: t}, ".pdf")
	r.Register(t, ".docx", ".doc", ".pptx", ".ppt", ".odt", ".odp", ".rtf", ".epub", ".xls")
	return r
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Fallback 先尝试 Primary，出错或结果为空时改用 Secondary。
type Fallback struct {
	Primary   Extractor
	Secondary Extractor
}

func (f Fallback) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	text, err := f.Primary.Extract(ctx, filename, data)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	if err != nil {
		log.Warnf("[Extract] 主提取策略失败, 尝试后备策略, file: %s, error: %v", filename, err)
	}
	return f.Secondary.Extract(ctx, filename, data)
}

// normalizeLines 去掉每行首尾空白、合并行内连续空白并丢弃空行。
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
