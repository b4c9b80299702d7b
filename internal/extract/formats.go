package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// PlainText 按 UTF-8 解码文本文件，非法字节替换为 U+FFFD。
type PlainText struct{}

func (PlainText) Extract(_ context.Context, _ string, data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data), nil
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// PDF 使用 ledongthuc/pdf 逐页提取文本。
type PDF struct{}

func (PDF) Extract(ctx context.Context, filename string, data []byte) (text string, err error) {
	// 该库在遇到损坏的 PDF 时可能 panic
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("parse pdf %s: %v", filename, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to create PDF reader: %w", err)
	}

	var sb strings.Builder
	pages := reader.NumPage()
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(make(map[string]*pdf.Font))
		if err != nil {
			return "", fmt.Errorf("failed to extract page %d: %w", i, err)
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

const htmlBlockSelector = "p, div, br, hr, li, tr, h1, h2, h3, h4, h5, h6, blockquote, pre, table, section, article, header, footer"

// HTML 用 goquery 去掉脚本、样式与导航后提取可读文本。
type HTML struct{}

func (HTML) Extract(_ context.Context, filename string, data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse html %s: %w", filename, err)
	}
	doc.Find("script, style, noscript, svg, nav, head, iframe").Remove()
	// 块级元素之后补换行，避免相邻段落的文字粘连
	doc.Find(htmlBlockSelector).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	return normalizeLines(root.Text()), nil
}

// Spreadsheet 用 excelize 把每个工作表按行输出，单元格以制表符分隔。
type Spreadsheet struct{}

func (Spreadsheet) Extract(_ context.Context, filename string, data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open spreadsheet %s: %w", filename, err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		sb.WriteString("## ")
		sb.WriteString(sheet)
		sb.WriteString("\n")
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, "\t"), "\t")
			if line == "" {
				continue
			}
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// Tika 把文件交给 Apache Tika 服务提取。
type Tika struct {
	Client TextExtractor
}

func (t Tika) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	return t.Client.ExtractText(ctx, bytes.NewReader(data), filename)
}
