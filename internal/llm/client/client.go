package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/creditmeter/internal/config"
	llmdomain "github.com/smallbiznis/creditmeter/internal/llm/domain"
	obscontext "github.com/smallbiznis/creditmeter/internal/observability/context"
	"github.com/smallbiznis/creditmeter/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	HeaderPromptTokens     = "X-Usage-Prompt-Tokens"
	HeaderCompletionTokens = "X-Usage-Completion-Tokens"

	doneSentinel     = "[DONE]"
	maxErrorBodySize = 512
	maxLineSize      = 1 << 20
)

var tracer = otel.Tracer("creditmeter/llm")

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	HTTPClient *http.Client `optional:"true"`
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	http     *http.Client
	log      *zap.Logger
	endpoint string
	apiKey   string
	timeout  time.Duration
}

func New(p Params) llmdomain.Client {
	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http:     httpClient,
		log:      p.Log.Named("llm.client"),
		endpoint: strings.TrimRight(p.Config.LLM.BaseURL, "/") + "/chat/completions",
		apiKey:   p.Config.LLM.APIKey,
		timeout:  p.Config.LLM.StreamTimeout,
	}
}

type chatCompletionRequest struct {
	Model         string              `json:"model"`
	Messages      []llmdomain.Message `json:"messages"`
	Stream        bool                `json:"stream"`
	Temperature   float64             `json:"temperature"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	StreamOptions streamOptions       `json:"stream_options"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *llmdomain.Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// StreamChat opens a streaming completion. The whole stream, including the
// caller's reads, is bounded by LLM_STREAM_TIMEOUT.
func (c *Client) StreamChat(ctx context.Context, req llmdomain.ChatRequest) (llmdomain.Stream, error) {
	if strings.TrimSpace(req.Model) == "" || len(req.Messages) == 0 {
		return nil, llmdomain.ErrInvalidRequest
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		Stream:        true,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		StreamOptions: streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", llmdomain.ErrInvalidRequest, err)
	}

	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	ctx, requestID := obscontext.EnsureRequestID(ctx)
	ctx, span := tracer.Start(ctx, "llm.stream_chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("llm.model", req.Model)),
	)
	fail := func(err error) (llmdomain.Stream, error) {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "stream open failed")
		span.End()
		cancel()
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("%w: %w", llmdomain.ErrInvalidRequest, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("X-Request-Id", requestID)
	tracing.InjectContext(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", llmdomain.ErrProviderUnavailable, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		_ = resp.Body.Close()
		c.log.Warn("llm provider rejected request",
			zap.Int("status_code", resp.StatusCode),
			zap.String("model", req.Model),
		)
		return fail(fmt.Errorf("%w: status %d: %s", llmdomain.ErrProviderUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	return &stream{
		body:   resp.Body,
		reader: reader,
		usage:  usageFromHeaders(resp.Header),
		cancel: cancel,
		span:   span,
	}, nil
}

type stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	usage  *llmdomain.Usage
	// set only by a usage chunk in the body; header usage arrives before
	// any content and says nothing about completion
	terminalUsage bool
	done          bool
	closed        bool
	cancel        context.CancelFunc
	span          trace.Span
}

func (s *stream) Recv() (llmdomain.Chunk, error) {
	if s.done {
		return llmdomain.Chunk{}, io.EOF
	}
	for {
		line, err := readLine(s.reader)
		if err != nil {
			if errors.Is(err, io.EOF) && s.terminalUsage {
				// some providers close after the usage chunk without [DONE]
				s.done = true
				return llmdomain.Chunk{}, io.EOF
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return llmdomain.Chunk{}, fmt.Errorf("%w: %w", llmdomain.ErrProviderUnavailable, err)
		}

		payload, ok := dataPayload(line)
		if !ok {
			continue
		}
		if payload == doneSentinel {
			s.done = true
			return llmdomain.Chunk{}, io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return llmdomain.Chunk{}, fmt.Errorf("%w: %s", llmdomain.ErrProviderUnavailable, chunk.Error.Message)
		}
		if chunk.Usage != nil {
			s.usage = chunk.Usage
			s.terminalUsage = true
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return llmdomain.Chunk{Content: chunk.Choices[0].Delta.Content}, nil
		}
	}
}

func (s *stream) Usage() *llmdomain.Usage {
	if s.usage == nil {
		return nil
	}
	u := *s.usage
	return &u
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.body.Close()
	s.cancel()
	if !s.done {
		s.span.SetStatus(codes.Error, "stream not completed")
	}
	s.span.End()
	return err
}

func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		part, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		buf = append(buf, part...)
		if len(buf) > maxLineSize {
			return "", errors.New("stream line too long")
		}
		if !isPrefix {
			return string(buf), nil
		}
	}
}

// dataPayload extracts the value of an SSE data field. Comments, event names
// and blank separators are skipped.
func dataPayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	return payload, payload != ""
}

func usageFromHeaders(h http.Header) *llmdomain.Usage {
	prompt, errPrompt := strconv.ParseInt(strings.TrimSpace(h.Get(HeaderPromptTokens)), 10, 64)
	completion, errCompletion := strconv.ParseInt(strings.TrimSpace(h.Get(HeaderCompletionTokens)), 10, 64)
	if errPrompt != nil || errCompletion != nil || prompt < 0 || completion < 0 {
		return nil
	}
	return &llmdomain.Usage{PromptTokens: prompt, CompletionTokens: completion}
}
