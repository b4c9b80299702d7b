package model

// VectorRecord 是写入向量索引的一条记录，chunk 级元数据随向量冗余保存，
// 以便检索时无需再回查分块文本。
type VectorRecord struct {
	ChunkID      string    `json:"chunk_id"`
	DocumentID   string    `json:"document_id"`
	Ordinal      int       `json:"ordinal"`
	TextContent  string    `json:"text_content"`
	FileName     string    `json:"file_name"`
	ModelVersion string    `json:"model_version"`
	Vector       []float32 `json:"vector"`
}

// VectorMatch 是一次近邻查询的命中结果，按相关度降序排列。
type VectorMatch struct {
	ChunkID     string  `json:"chunkId"`
	DocumentID  string  `json:"documentId"`
	Ordinal     int     `json:"ordinal"`
	TextContent string  `json:"textContent"`
	FileName    string  `json:"fileName"`
	Score       float64 `json:"score"`
}
