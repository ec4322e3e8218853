package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/legal-agent/config"
)

func TestNewClientOllama(t *testing.T) {
	cfg := config.Config{
		LLM:        config.LLMConfig{Provider: config.ProviderOllama, Model: "llama3.1:8b"},
		OllamaHost: "http://localhost:11434",
	}

	client, err := NewClient(cfg)
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestNewClientOpenAIRequiresAPIKey(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Provider: config.ProviderOpenAI, Model: "gpt-4"}}

	_, err := NewClient(cfg)
	assert.Error(t, err)
}

func TestNewClientRejectsUnknownProvider(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Provider: "bard", Model: "x"}}

	_, err := NewClient(cfg)
	assert.Error(t, err)
}

func TestOllamaGenerate(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaChatMessage{Role: RoleAssistant, Content: `{"answer":"hi"}`},
		})
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{Model: "llama3.1:8b", OllamaHost: srv.URL + "/"})
	out, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "Hello"}})
	require.NoError(t, err)

	assert.Equal(t, `{"answer":"hi"}`, out)
	assert.Equal(t, "llama3.1:8b", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Hello", got.Messages[0].Content)
}

func TestOllamaGenerateSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{Model: "missing", OllamaHost: srv.URL})
	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "Hello"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func openAIChatServer(t *testing.T, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"answer\":\"ok\"}"}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIGenerateSendsZeroTemperature(t *testing.T) {
	var got map[string]any
	srv := openAIChatServer(t, &got)

	client := NewOpenAIClient(Options{Model: "gpt-4", OpenAIAPIKey: "test", OpenAIBaseURL: srv.URL + "/v1"})
	out, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "Hello"}})
	require.NoError(t, err)
	assert.Equal(t, `{"answer":"ok"}`, out)

	temperature, ok := got["temperature"]
	require.True(t, ok, "temperature must be on the wire when configured as 0")
	assert.InDelta(t, 0, temperature, 1e-6)
	assert.Equal(t, "gpt-4", got["model"])
}

func TestOpenAIGenerateSendsConfiguredTemperature(t *testing.T) {
	var got map[string]any
	srv := openAIChatServer(t, &got)

	client := NewOpenAIClient(Options{Model: "gpt-4", Temperature: 0.5, OpenAIAPIKey: "test", OpenAIBaseURL: srv.URL + "/v1"})
	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "Hello"}})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got["temperature"], 1e-6)
}
