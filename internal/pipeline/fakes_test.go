package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"docsage-go/internal/config"
	"docsage-go/internal/extract"
	"docsage-go/internal/model"
	"docsage-go/internal/repository"
	"docsage-go/pkg/database"
	"docsage-go/pkg/llm"
	"docsage-go/pkg/storage"

	"github.com/stretchr/testify/require"
)

// memStore 是内存中的对象存储。
type memStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	modified  map[string]time.Time
	failPut   map[string]error
	failDel   error
	putCalls  int
	delCalls  int
	listCalls int
}

func newMemStore() *memStore {
	return &memStore{
		objects:  make(map[string][]byte),
		modified: make(map[string]time.Time),
		failPut:  make(map[string]error),
	}
}

func (m *memStore) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	for suffix, err := range m.failPut {
		if strings.HasSuffix(key, suffix) {
			return err
		}
	}
	m.objects[key] = append([]byte(nil), data...)
	m.modified[key] = time.Now()
	return nil
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delCalls++
	if m.failDel != nil {
		return m.failDel
	}
	delete(m.objects, key)
	delete(m.modified, key)
	return nil
}

func (m *memStore) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://objects.test/%s?ttl=%s", key, ttl), nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var out []storage.ObjectInfo
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data)), LastModified: m.modified[key]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memStore) keysWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *memStore) backdate(prefix string, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.modified {
		if strings.HasPrefix(key, prefix) {
			m.modified[key] = time.Now().Add(-age)
		}
	}
}

// memIndex 是按余弦相似度检索的内存向量索引。
type memIndex struct {
	mu             sync.Mutex
	records        map[string]model.VectorRecord
	failUpsert     error
	failDeleteDoc  error
	failDeleteIDs  error
	upsertCalls    int
	upsertedTotal  int
	deleteDocCalls int
	deleteIDsCalls int
}

func newMemIndex() *memIndex {
	return &memIndex{records: make(map[string]model.VectorRecord)}
}

func (m *memIndex) Upsert(_ context.Context, records []model.VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	if m.failUpsert != nil {
		// 模拟写入一半后失败
		for _, r := range records[:len(records)/2] {
			m.records[r.ChunkID] = r
		}
		return m.failUpsert
	}
	for _, r := range records {
		m.records[r.ChunkID] = r
	}
	m.upsertedTotal += len(records)
	return nil
}

func (m *memIndex) Query(_ context.Context, vector []float32, k int, modelVersion string) ([]model.VectorMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []model.VectorMatch
	for _, r := range m.records {
		if modelVersion != "" && r.ModelVersion != modelVersion {
			continue
		}
		matches = append(matches, model.VectorMatch{
			ChunkID:     r.ChunkID,
			DocumentID:  r.DocumentID,
			Ordinal:     r.Ordinal,
			TextContent: r.TextContent,
			FileName:    r.FileName,
			Score:       cosine(vector, r.Vector),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ChunkID < matches[j].ChunkID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *memIndex) DeleteByIDs(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteIDsCalls++
	if m.failDeleteIDs != nil {
		return m.failDeleteIDs
	}
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

func (m *memIndex) DeleteByDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteDocCalls++
	if m.failDeleteDoc != nil {
		return m.failDeleteDoc
	}
	for id, r := range m.records {
		if r.DocumentID == documentID {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *memIndex) countForDocument(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.DocumentID == documentID {
			n++
		}
	}
	return n
}

func (m *memIndex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// hashEmbedder 把文本的词袋哈希到固定维度，相同词汇的文本彼此相近。
type hashEmbedder struct {
	mu      sync.Mutex
	dims    int
	model   string
	failOn  string
	calls   int
	failErr error
}

func newHashEmbedder() *hashEmbedder {
	return &hashEmbedder{dims: 64, model: "hash:v1"}
}

func (h *hashEmbedder) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	h.mu.Lock()
	h.calls++
	failOn, failErr := h.failOn, h.failErr
	h.mu.Unlock()
	if failErr != nil && (failOn == "" || strings.Contains(text, failOn)) {
		return nil, failErr
	}
	vec := make([]float32, h.dims)
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(word))
		vec[f.Sum32()%uint32(h.dims)]++
	}
	return vec, nil
}

func (h *hashEmbedder) Model() string { return h.model }

// fakeLLM 记录收到的消息并返回固定回复。
type fakeLLM struct {
	mu       sync.Mutex
	reply    string
	err      error
	calls    int
	messages [][]llm.Message
}

func (f *fakeLLM) Chat(_ context.Context, messages []llm.Message, _ *llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.messages = append(f.messages, messages)
	return f.reply, f.err
}

func (f *fakeLLM) lastSystem() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	for _, m := range f.messages[len(f.messages)-1] {
		if m.Role == llm.RoleSystem {
			return m.Content
		}
	}
	return ""
}

// memTranscripts 是内存中的问答记录。
type memTranscripts struct {
	mu    sync.Mutex
	items []model.Transcript
	err   error
}

func (m *memTranscripts) Append(_ context.Context, t model.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.items = append(m.items, t)
	return nil
}

func (m *memTranscripts) Get(_ context.Context, sid string) (*model.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].SessionID == sid {
			return &m.items[i], nil
		}
	}
	return nil, repository.ErrTranscriptNotFound
}

func (m *memTranscripts) Recent(_ context.Context, limit int64) ([]model.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Transcript, 0, len(m.items))
	for i := len(m.items) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		out = append(out, m.items[i])
	}
	return out, nil
}

// failingRepo 包装真实仓库，按需注入元数据错误。
type failingRepo struct {
	repository.DocumentRepository
	createErr   error
	findErr     error
	findIDsErr  error
	deleteErr   error
	chunkIDsErr error
}

func (f *failingRepo) CreateWithChunks(ctx context.Context, doc *model.Document, chunks []model.ChunkMapping) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.DocumentRepository.CreateWithChunks(ctx, doc, chunks)
}

func (f *failingRepo) FindByID(ctx context.Context, id string) (*model.Document, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.DocumentRepository.FindByID(ctx, id)
}

func (f *failingRepo) FindByIDs(ctx context.Context, ids []string) (map[string]*model.Document, error) {
	if f.findIDsErr != nil {
		return nil, f.findIDsErr
	}
	return f.DocumentRepository.FindByIDs(ctx, ids)
}

func (f *failingRepo) DeleteWithChunks(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.DocumentRepository.DeleteWithChunks(ctx, id)
}

func (f *failingRepo) ChunkIDs(ctx context.Context, id string) ([]string, error) {
	if f.chunkIDsErr != nil {
		return nil, f.chunkIDsErr
	}
	return f.DocumentRepository.ChunkIDs(ctx, id)
}

var errBoom = errors.New("boom")

// harness 把所有流水线组件接到内存实现与临时 SQLite 上。
type harness struct {
	store       *memStore
	index       *memIndex
	embedder    *hashEmbedder
	llm         *fakeLLM
	transcripts *memTranscripts
	repo        *failingRepo
	ingestor    *Ingestor
	retriever   *Retriever
	deleter     *Deleter
	sweeper     *Sweeper
}

func newHarness(t *testing.T, opts ...func(*config.IngestConfig)) *harness {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "meta.db"), nil)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ingestCfg := config.IngestConfig{ChunkSize: 40, EmbedWorkers: 3}
	for _, opt := range opts {
		opt(&ingestCfg)
	}

	h := &harness{
		store:       newMemStore(),
		index:       newMemIndex(),
		embedder:    newHashEmbedder(),
		llm:         &fakeLLM{reply: "generated answer"},
		transcripts: &memTranscripts{},
		repo:        &failingRepo{DocumentRepository: repository.NewDocumentRepository(db)},
	}
	llmCfg := config.LLMConfig{Prompt: config.LLMPromptConfig{
		Rules:        "Answer only from the reference.",
		NoResultText: "nothing found",
		EnrichRules:  "polish",
	}}
	h.ingestor = NewIngestor(h.store, extract.NewDefaultRegistry(nil), h.embedder, h.index, h.repo, h.llm, ingestCfg, llmCfg.Prompt)
	h.retriever = NewRetriever(h.embedder, h.index, h.repo, h.llm, h.transcripts, config.RetrievalConfig{TopK: 5}, llmCfg)
	h.deleter = NewDeleter(h.store, h.index, h.repo)
	h.sweeper = NewSweeper(h.store, h.index, h.repo, h.deleter, time.Hour)
	return h
}
