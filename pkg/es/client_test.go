package es

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"docsage-go/internal/config"
	"docsage-go/internal/model"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

type fakeES struct {
	mu       sync.Mutex
	requests []recordedRequest
	handle   func(w http.ResponseWriter, r *http.Request, body string)
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
	f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	f.handle(w, r, string(body))
}

func (f *fakeES) byPath(suffix string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if strings.HasSuffix(r.Path, suffix) {
			out = append(out, r)
		}
	}
	return out
}

func newTestStore(t *testing.T, batchSize int, handle func(w http.ResponseWriter, r *http.Request, body string)) (*Store, *fakeES) {
	t.Helper()
	fake := &fakeES{handle: handle}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	store := NewStore(client, config.ElasticsearchConfig{
		IndexName:  "chunks_test",
		Dimensions: 3,
		BatchSize:  batchSize,
	})
	return store, fake
}

func ndjsonLines(t *testing.T, body string) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	return lines
}

func TestUpsertSplitsIntoBatches(t *testing.T) {
	store, fake := newTestStore(t, 2, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = w.Write([]byte(`{"errors":false,"items":[]}`))
	})

	records := make([]model.VectorRecord, 5)
	for i := range records {
		records[i] = model.VectorRecord{
			ChunkID:      "c" + string(rune('a'+i)),
			DocumentID:   "doc-1",
			Ordinal:      i,
			TextContent:  "text",
			FileName:     "a.txt",
			ModelVersion: "m1",
			Vector:       []float32{1, 0, 0},
		}
	}
	require.NoError(t, store.Upsert(context.Background(), records))

	bulks := fake.byPath("/_bulk")
	require.Len(t, bulks, 3)
	assert.Contains(t, bulks[0].Query, "refresh=true")

	first := ndjsonLines(t, bulks[0].Body)
	require.Len(t, first, 4)
	meta := first[0]["index"].(map[string]interface{})
	assert.Equal(t, "ca", meta["_id"])
	assert.Equal(t, "doc-1", first[1]["document_id"])
	assert.Equal(t, "m1", first[1]["model_version"])

	last := ndjsonLines(t, bulks[2].Body)
	assert.Len(t, last, 2)
}

func TestUpsertReportsItemFailure(t *testing.T) {
	store, _ := newTestStore(t, 10, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = w.Write([]byte(`{"errors":true,"items":[{"index":{"_id":"c1","status":400,"error":{"type":"mapper_parsing_exception"}}}]}`))
	})

	err := store.Upsert(context.Background(), []model.VectorRecord{{ChunkID: "c1", Vector: []float32{1, 2, 3}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestDeleteByIDsToleratesMissing(t *testing.T) {
	store, fake := newTestStore(t, 10, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = w.Write([]byte(`{"errors":true,"items":[{"delete":{"_id":"c1","status":404}},{"delete":{"_id":"c2","status":200}}]}`))
	})

	require.NoError(t, store.DeleteByIDs(context.Background(), []string{"c1", "c2"}))

	bulks := fake.byPath("/_bulk")
	require.Len(t, bulks, 1)
	lines := ndjsonLines(t, bulks[0].Body)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "delete")
}

func TestDeleteByDocumentSendsTermQuery(t *testing.T) {
	store, fake := newTestStore(t, 10, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = w.Write([]byte(`{"deleted":3,"failures":[]}`))
	})

	require.NoError(t, store.DeleteByDocument(context.Background(), "doc-9"))

	reqs := fake.byPath("/_delete_by_query")
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Body, `"document_id":"doc-9"`)
	assert.Contains(t, reqs[0].Query, "conflicts=proceed")
}

func TestDeleteByDocumentReportsFailures(t *testing.T) {
	store, _ := newTestStore(t, 10, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = w.Write([]byte(`{"deleted":1,"failures":[{"cause":"shard unavailable"}]}`))
	})

	err := store.DeleteByDocument(context.Background(), "doc-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shard unavailable")
}

func TestQueryFiltersByModelVersion(t *testing.T) {
	store, fake := newTestStore(t, 10, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_id":"c1","_score":0.92,"_source":{"chunk_id":"c1","document_id":"d1","ordinal":0,"text_content":"alpha","file_name":"a.txt"}},
			{"_id":"c2","_score":0.81,"_source":{"document_id":"d2","ordinal":4,"text_content":"beta","file_name":"b.pdf"}}
		]}}`))
	})

	matches, err := store.Query(context.Background(), []float32{0.1, 0.2, 0.3}, 2, "m1")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "c1", matches[0].ChunkID)
	assert.InDelta(t, 0.92, matches[0].Score, 1e-9)
	assert.Equal(t, "c2", matches[1].ChunkID, "falls back to the hit _id")
	assert.Equal(t, 4, matches[1].Ordinal)

	reqs := fake.byPath("/_search")
	require.Len(t, reqs, 1)
	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(reqs[0].Body), &sent))
	knn := sent["knn"].(map[string]interface{})
	assert.EqualValues(t, 2, knn["k"])
	filter := knn["filter"].(map[string]interface{})["term"].(map[string]interface{})
	assert.Equal(t, "m1", filter["model_version"])
}

func TestQueryMissingIndexIsEmpty(t *testing.T) {
	store, _ := newTestStore(t, 10, func(w http.ResponseWriter, r *http.Request, body string) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"index_not_found_exception"},"status":404}`))
	})

	matches, err := store.Query(context.Background(), []float32{1, 0, 0}, 5, "")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEnsureIndexCreatesMapping(t *testing.T) {
	store, fake := newTestStore(t, 10, func(w http.ResponseWriter, r *http.Request, body string) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	})

	require.NoError(t, store.EnsureIndex(context.Background()))

	var create *recordedRequest
	for i, r := range fake.requests {
		if r.Method == http.MethodPut {
			create = &fake.requests[i]
		}
	}
	require.NotNil(t, create)
	assert.Equal(t, "/chunks_test", create.Path)
	assert.Contains(t, create.Body, `"dense_vector"`)
	assert.Contains(t, create.Body, `"dims":3`)
	assert.Contains(t, create.Body, `"similarity":"cosine"`)
}
