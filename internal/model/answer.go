package model

import "time"

// Citation 标识回答所引用上下文的来源文档。
type Citation struct {
	DocumentID string `json:"documentId"`
	FileName   string `json:"fileName"`
}

// Answer 是一次问答的结果。NoMatch 为 true 时未调用生成模型。
type Answer struct {
	Answer    string     `json:"answer"`
	SessionID string     `json:"sessionId"`
	Citations []Citation `json:"citations"`
	NoMatch   bool       `json:"noMatch"`
}

// Transcript 是一次问答交互的不可变记录。
type Transcript struct {
	SessionID string     `json:"sessionId"`
	Query     string     `json:"query"`
	Answer    string     `json:"answer"`
	NoMatch   bool       `json:"noMatch"`
	Citations []Citation `json:"citations"`
	CreatedAt time.Time  `json:"createdAt"`
}
