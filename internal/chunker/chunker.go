// Package chunker 将规范化后的文本切分为长度有界的检索单元。
package chunker

// DefaultSize 是默认的分块长度（按字符计）。
const DefaultSize = 500

// Chunker 按固定字符数对文本做无重叠切分。
//
// 切分结果按顺序完整覆盖原文：拼接所有分块可还原输入，除最后一块外每块恰好
// Size 个字符。相同输入总是得到相同的分块序列，分块序号因此可以作为稳定标识。
type Chunker struct {
	Size int
}

// New 创建一个 Chunker，size <= 0 时使用 DefaultSize。
func New(size int) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	return &Chunker{Size: size}
}

// Split 切分文本，空文本返回 nil。
func (c *Chunker) Split(text string) []string {
	size := c.Size
	if size <= 0 {
		size = DefaultSize
	}
	if text == "" {
		return nil
	}

	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
