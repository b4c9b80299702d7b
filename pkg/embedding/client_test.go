package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"docsage-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAICompatibleEmbedding(t *testing.T) {
	var gotReq embeddingRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), config.EmbeddingConfig{
		Provider:   "openai",
		APIKey:     "sk-test",
		BaseURL:    srv.URL + "/v1/",
		Model:      "text-embedding-3-small",
		Dimensions: 3,
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)

	vec, err := client.CreateEmbedding(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, []string{"hello"}, gotReq.Input)
	assert.Equal(t, 3, gotReq.Dimensions)
	assert.Equal(t, "openai:text-embedding-3-small@3", client.Model())
}

func TestOpenAICompatibleEmbeddingErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`},
		{"empty data", http.StatusOK, `{"data":[]}`},
		{"dimension mismatch", http.StatusOK, `{"data":[{"embedding":[1,2]}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client, err := NewClient(context.Background(), config.EmbeddingConfig{
				BaseURL:    srv.URL,
				Model:      "m",
				Dimensions: 3,
			})
			require.NoError(t, err)
			_, err = client.CreateEmbedding(context.Background(), "x")
			assert.Error(t, err)
		})
	}
}

func TestUnknownProvider(t *testing.T) {
	_, err := NewClient(context.Background(), config.EmbeddingConfig{Provider: "nope"})
	assert.Error(t, err)
}

func TestModelVersionWithoutDimensions(t *testing.T) {
	assert.Equal(t, "gemini:text-embedding-004", ModelVersion(config.EmbeddingConfig{Provider: "Gemini", Model: "text-embedding-004"}))
}
