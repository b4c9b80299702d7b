// Package es 使用 Elasticsearch 的 dense_vector / knn 能力实现向量索引。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"docsage-go/internal/config"
	"docsage-go/internal/model"
	"docsage-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// DefaultBatchSize 是单次 bulk 请求包含的最大向量数。
const DefaultBatchSize = 100

// VectorStore 定义了流水线依赖的向量索引操作。
type VectorStore interface {
	Upsert(ctx context.Context, records []model.VectorRecord) error
	// Query 返回与 vector 最相近的 k 条记录（按相关度降序），
	// modelVersion 非空时只在该 embedding 模型写入的向量中检索。
	Query(ctx context.Context, vector []float32, k int, modelVersion string) ([]model.VectorMatch, error)
	DeleteByIDs(ctx context.Context, chunkIDs []string) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

// Store 是 VectorStore 的 Elasticsearch 实现。
type Store struct {
	client     *elasticsearch.Client
	index      string
	dims       int
	similarity string
	batchSize  int
}

// NewClient 根据配置创建 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

// NewStore 创建一个向量索引。调用方应在使用前执行一次 EnsureIndex。
func NewStore(client *elasticsearch.Client, esCfg config.ElasticsearchConfig) *Store {
	batchSize := esCfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	similarity := esCfg.Similarity
	if similarity == "" {
		similarity = "cosine"
	}
	return &Store{
		client:     client,
		index:      esCfg.IndexName,
		dims:       esCfg.Dimensions,
		similarity: similarity,
		batchSize:  batchSize,
	}
}

// EnsureIndex 检查索引是否存在，不存在则按向量维度创建。
func (s *Store) EnsureIndex(ctx context.Context) error {
	res, err := s.client.Indices.Exists([]string{s.index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", s.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"chunk_id":      map[string]interface{}{"type": "keyword"},
				"document_id":   map[string]interface{}{"type": "keyword"},
				"ordinal":       map[string]interface{}{"type": "integer"},
				"text_content":  map[string]interface{}{"type": "text", "index": false},
				"file_name":     map[string]interface{}{"type": "keyword"},
				"model_version": map[string]interface{}{"type": "keyword"},
				"vector": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       s.dims,
					"index":      true,
					"similarity": s.similarity,
				},
			},
		},
	}
	body, err := json.Marshal(mapping)
	if err != nil {
		return err
	}

	res, err = s.client.Indices.Create(s.index,
		s.client.Indices.Create.WithContext(ctx),
		s.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", s.index, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", s.index, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}
	log.Infof("索引 '%s' 创建成功, dims: %d, similarity: %s", s.index, s.dims, s.similarity)
	return nil
}

// Upsert 以 chunk_id 为文档 ID 批量写入向量，每批不超过 batchSize 条。
func (s *Store) Upsert(ctx context.Context, records []model.VectorRecord) error {
	for start := 0; start < len(records); start += s.batchSize {
		end := start + s.batchSize
		if end > len(records) {
			end = len(records)
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, rec := range records[start:end] {
			meta := map[string]interface{}{"index": map[string]interface{}{"_index": s.index, "_id": rec.ChunkID}}
			if err := enc.Encode(meta); err != nil {
				return err
			}
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}

		if err := s.bulk(ctx, &buf, false); err != nil {
			return fmt.Errorf("写入向量批次 [%d,%d) 失败: %w", start, end, err)
		}
		log.Infof("[VectorStore] 已写入向量批次 [%d,%d), 共 %d 条", start, end, len(records))
	}
	return nil
}

// DeleteByIDs 按 chunk_id 批量删除，不存在的 ID 不视为错误。
func (s *Store) DeleteByIDs(ctx context.Context, chunkIDs []string) error {
	for start := 0; start < len(chunkIDs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(chunkIDs) {
			end = len(chunkIDs)
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, id := range chunkIDs[start:end] {
			meta := map[string]interface{}{"delete": map[string]interface{}{"_index": s.index, "_id": id}}
			if err := enc.Encode(meta); err != nil {
				return err
			}
		}
		if err := s.bulk(ctx, &buf, true); err != nil {
			return fmt.Errorf("删除向量批次 [%d,%d) 失败: %w", start, end, err)
		}
	}
	return nil
}

// DeleteByDocument 按 document_id 过滤删除该文档的全部向量。
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"document_id": documentID},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return err
	}

	res, err := s.client.DeleteByQuery([]string{s.index}, bytes.NewReader(body),
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithRefresh(true),
		s.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		// 索引不存在，自然也没有残留向量
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("delete_by_query 返回错误: %s", res.String())
	}

	var result struct {
		Deleted  int               `json:"deleted"`
		Failures []json.RawMessage `json:"failures"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return fmt.Errorf("解析 delete_by_query 响应失败: %w", err)
	}
	if len(result.Failures) > 0 {
		return fmt.Errorf("delete_by_query 部分失败: %s", string(result.Failures[0]))
	}
	log.Infof("[VectorStore] 按文档删除向量完成, documentID: %s, deleted: %d", documentID, result.Deleted)
	return nil
}

// Query 执行 knn 近邻检索。
func (s *Store) Query(ctx context.Context, vector []float32, k int, modelVersion string) ([]model.VectorMatch, error) {
	if k <= 0 {
		k = 5
	}
	numCandidates := k * 10
	if numCandidates < 100 {
		numCandidates = 100
	}
	knn := map[string]interface{}{
		"field":          "vector",
		"query_vector":   vector,
		"k":              k,
		"num_candidates": numCandidates,
	}
	if modelVersion != "" {
		knn["filter"] = map[string]interface{}{
			"term": map[string]interface{}{"model_version": modelVersion},
		}
	}
	esQuery := map[string]interface{}{
		"knn":     knn,
		"size":    k,
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return []model.VectorMatch{}, nil
	}
	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch returned an error: %s, body: %s", res.Status(), string(bodyBytes))
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				ID     string             `json:"_id"`
				Score  float64            `json:"_score"`
				Source model.VectorRecord `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	matches := make([]model.VectorMatch, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		chunkID := hit.Source.ChunkID
		if chunkID == "" {
			chunkID = hit.ID
		}
		matches = append(matches, model.VectorMatch{
			ChunkID:     chunkID,
			DocumentID:  hit.Source.DocumentID,
			Ordinal:     hit.Source.Ordinal,
			TextContent: hit.Source.TextContent,
			FileName:    hit.Source.FileName,
			Score:       hit.Score,
		})
	}
	return matches, nil
}

type bulkResponse struct {
	Errors bool                                `json:"errors"`
	Items  []map[string]bulkResponseItemResult `json:"items"`
}

type bulkResponseItemResult struct {
	ID     string          `json:"_id"`
	Status int             `json:"status"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// bulk 发送一次 bulk 请求并检查逐条结果；tolerateNotFound 为 true 时忽略 404 条目。
func (s *Store) bulk(ctx context.Context, body io.Reader, tolerateNotFound bool) error {
	req := esapi.BulkRequest{
		Index:   s.index,
		Body:    body,
		Refresh: "true",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		if tolerateNotFound && res.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("bulk 请求返回错误: %s", res.String())
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("解析 bulk 响应失败: %w", err)
	}
	if !parsed.Errors {
		return nil
	}
	for _, item := range parsed.Items {
		for action, result := range item {
			if result.Status < 300 {
				continue
			}
			if tolerateNotFound && result.Status == http.StatusNotFound {
				continue
			}
			return fmt.Errorf("bulk %s 失败, _id: %s, status: %d, error: %s", action, result.ID, result.Status, string(result.Error))
		}
	}
	return nil
}
