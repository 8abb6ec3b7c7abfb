package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/creditmeter/internal/config"
	llmdomain "github.com/smallbiznis/creditmeter/internal/llm/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newClient(t *testing.T, handler http.HandlerFunc) llmdomain.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var cfg config.Config
	cfg.LLM.BaseURL = srv.URL + "/v1/"
	cfg.LLM.APIKey = "sk-test"
	cfg.LLM.StreamTimeout = 5 * time.Second
	return New(Params{Config: cfg, Log: zap.NewNop()})
}

func drain(t *testing.T, s llmdomain.Stream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk.Content)
	}
}

func sse(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, line := range lines {
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
}

func TestStreamChatRelaysContentAndUsage(t *testing.T) {
	var got map[string]any
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(": keep-alive\n\n"))
		sse(w,
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`not json`,
			`{"choices":[{"delta":{"content":" world"}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":500,"completion_tokens":300}}`,
			`[DONE]`,
		)
	})

	stream, err := client.StreamChat(context.Background(), llmdomain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llmdomain.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	text, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
	require.NotNil(t, stream.Usage())
	assert.Equal(t, int64(500), stream.Usage().PromptTokens)
	assert.Equal(t, int64(300), stream.Usage().CompletionTokens)

	assert.Equal(t, true, got["stream"])
	assert.Equal(t, map[string]any{"include_usage": true}, got["stream_options"])
}

func TestStreamChatReadsUsageHeaders(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderPromptTokens, "12")
		w.Header().Set(HeaderCompletionTokens, "7")
		sse(w, `{"choices":[{"delta":{"content":"ok"}}]}`, `[DONE]`)
	})

	stream, err := client.StreamChat(context.Background(), llmdomain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llmdomain.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	_, err = drain(t, stream)
	require.NoError(t, err)
	require.NotNil(t, stream.Usage())
	assert.Equal(t, int64(12), stream.Usage().PromptTokens)
}

func TestStreamChatHeaderUsageDoesNotCompleteTruncatedStream(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderPromptTokens, "12")
		w.Header().Set(HeaderCompletionTokens, "7")
		sse(w, `{"choices":[{"delta":{"content":"parti"}}]}`)
	})

	stream, err := client.StreamChat(context.Background(), llmdomain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llmdomain.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	text, err := drain(t, stream)
	assert.Equal(t, "parti", text)
	assert.ErrorIs(t, err, llmdomain.ErrProviderUnavailable)
}

func TestStreamChatUsageChunkWithoutDoneCompletes(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"choices":[{"delta":{"content":"done"}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":1}}`,
		)
	})

	stream, err := client.StreamChat(context.Background(), llmdomain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llmdomain.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	text, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "done", text)
	require.NotNil(t, stream.Usage())
	assert.Equal(t, int64(1), stream.Usage().CompletionTokens)
}

func TestStreamChatWithoutDoneIsAnError(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, `{"choices":[{"delta":{"content":"partial"}}]}`)
	})

	stream, err := client.StreamChat(context.Background(), llmdomain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llmdomain.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	text, err := drain(t, stream)
	assert.Equal(t, "partial", text)
	assert.ErrorIs(t, err, llmdomain.ErrProviderUnavailable)
	assert.Nil(t, stream.Usage())
}

func TestStreamChatProviderErrors(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
		})
		_, err := client.StreamChat(context.Background(), llmdomain.ChatRequest{
			Model:    "gpt-4o",
			Messages: []llmdomain.Message{{Role: "user", Content: "hi"}},
		})
		assert.ErrorIs(t, err, llmdomain.ErrProviderUnavailable)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("error chunk", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			sse(w, `{"error":{"message":"rate limited"}}`)
		})
		stream, err := client.StreamChat(context.Background(), llmdomain.ChatRequest{
			Model:    "gpt-4o",
			Messages: []llmdomain.Message{{Role: "user", Content: "hi"}},
		})
		require.NoError(t, err)
		defer stream.Close()
		_, err = stream.Recv()
		assert.ErrorIs(t, err, llmdomain.ErrProviderUnavailable)
	})

	t.Run("invalid request", func(t *testing.T) {
		client := newClient(t, func(w http.ResponseWriter, r *http.Request) {})
		_, err := client.StreamChat(context.Background(), llmdomain.ChatRequest{Model: "gpt-4o"})
		assert.ErrorIs(t, err, llmdomain.ErrInvalidRequest)
	})
}

func TestDataPayload(t *testing.T) {
	cases := map[string]struct {
		line string
		want string
		ok   bool
	}{
		"spaced":  {line: "data: {}", want: "{}", ok: true},
		"compact": {line: "data:[DONE]", want: "[DONE]", ok: true},
		"comment": {line: ": ping", ok: false},
		"event":   {line: "event: message", ok: false},
		"empty":   {line: "data: ", ok: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := dataPayload(tc.line)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
