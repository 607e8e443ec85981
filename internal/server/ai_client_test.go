package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOllamaClient(baseURL string, timeout time.Duration) *OllamaClient {
	return &OllamaClient{
		baseURL:         baseURL,
		model:           "llama2",
		temperature:     0.1,
		chatTimeout:     timeout,
		generateTimeout: timeout,
		retryCount:      3,
		retryDelay:      time.Millisecond,
		httpClient:      &http.Client{},
	}
}

func TestOllamaClientRetriesTimeoutsThreeTimes(t *testing.T) {
	t.Parallel()

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, 50*time.Millisecond)
	_, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}})
	require.Error(t, err)

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, errKindTimeout, genErr.Kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestOllamaClientStopsRetryingOnSuccess(t *testing.T) {
	t.Parallel()

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&attempts, 1)
		if current < 3 {
			time.Sleep(300 * time.Millisecond)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"third time works"}}`))
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, 50*time.Millisecond)
	reply, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "third time works", reply)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestOllamaClientMissingModelIsTerminal(t *testing.T) {
	t.Parallel()

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'llama2' not found"}`))
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, time.Second)
	_, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}})
	require.Error(t, err)

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, errKindModelNotFound, genErr.Kind)
	assert.Equal(t, http.StatusNotFound, genErr.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestOllamaClientEmptyChatReplyIsTerminal(t *testing.T) {
	t.Parallel()

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"   "}}`))
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, time.Second)
	_, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}})
	require.Error(t, err)

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, errKindEmptyResponse, genErr.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestOllamaClientEmptyGenerateReplyIsRetried(t *testing.T) {
	t.Parallel()

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&attempts, 1)
		w.Header().Set("Content-Type", "application/json")
		if current < 3 {
			_, _ = w.Write([]byte(`{"response":""}`))
			return
		}
		_, _ = w.Write([]byte(`{"response":"finally some text"}`))
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, time.Second)
	reply, err := client.Generate(context.Background(), "write something")
	require.NoError(t, err)
	assert.Equal(t, "finally some text", reply)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestOllamaClientServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"out of memory"}`))
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, time.Second)
	_, err := client.Generate(context.Background(), "write something")
	require.Error(t, err)

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, errKindAPIError, genErr.Kind)
	assert.Equal(t, http.StatusInternalServerError, genErr.Status)
	assert.Contains(t, genErr.Message, "out of memory")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestOllamaClientProbeCollectsDiagnostics(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama2"},{"name":"mistral"}]}`))
		case "/api/chat":
			_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"pong"}}`))
		case "/api/generate":
			_, _ = w.Write([]byte(`{"response":"pong"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, time.Second)
	diag := client.Probe(context.Background())

	assert.Equal(t, true, diag["chat_ok"])
	assert.Equal(t, true, diag["generate_ok"])
	assert.ElementsMatch(t, []string{"llama2", "mistral"}, diag["available_models"])
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("abc"))
	assert.Equal(t, 2, estimateTokens("eight ch"))
	assert.Equal(t, 25, estimateTokens(strings.Repeat("a", 100)))
}
