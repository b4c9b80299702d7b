package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"docsage-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatSendsMessagesAndConfiguredGeneration(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  the answer  "}}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), config.LLMConfig{
		BaseURL: srv.URL,
		Model:   "deepseek-chat",
		Generation: config.LLMGenerationConfig{
			Temperature: 0.3,
			TopP:        0.85,
			MaxTokens:   800,
		},
	})
	require.NoError(t, err)

	out, err := client.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "Query: hi"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "the answer", out)

	assert.Equal(t, "deepseek-chat", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.3, *got.Temperature, 1e-9)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 800, *got.MaxTokens)
}

func TestChatExplicitGenerationOverridesConfig(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), config.LLMConfig{
		BaseURL:    srv.URL,
		Generation: config.LLMGenerationConfig{Temperature: 0.9},
	})
	require.NoError(t, err)

	temp := 0.0
	_, err = client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, &GenerationParams{Temperature: &temp})
	require.NoError(t, err)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.0, *got.Temperature)
	assert.Nil(t, got.TopP)
}

func TestChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), config.LLMConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), config.LLMConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, nil)
	assert.Error(t, err)
}
