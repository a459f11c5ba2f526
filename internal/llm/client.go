package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/taskpilot/internal/observability"
	"github.com/haasonsaas/taskpilot/pkg/models"
)

// ClientConfig configures a chat-completions client.
type ClientConfig struct {
	// BaseURL is the OpenAI-compatible endpoint root, e.g.
	// "http://127.0.0.1:8080/v1". The client POSTs to
	// {BaseURL}/chat/completions.
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Model is the default model id for requests that do not set one.
	Model string

	// MaxRetries is the attempt budget for buffered requests.
	// Default: 3.
	MaxRetries int

	// RetryBaseDelay is the first backoff step; each retry doubles it
	// (1s, 2s, 4s with the default). Default: 1s.
	RetryBaseDelay time.Duration

	// RequestTimeout bounds a single HTTP request. A timed-out attempt
	// counts as a retryable failure. Default: 10 minutes.
	RequestTimeout time.Duration

	Temperature float64
	MaxTokens   int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Minute
	}
	return c
}

// Request is one chat-completion call. The caller supplies a fresh
// system prompt every time; any role=system messages lingering in
// Messages are stripped before sending.
type Request struct {
	System      string
	Messages    []models.Message
	Tools       []models.ToolSchema
	ToolChoice  string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Usage is the provider-reported token accounting for one response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the assembled result of a chat-completion call.
type Response struct {
	Message      models.Message
	Usage        *Usage
	FinishReason string
}

// StreamFunc receives incremental content. It is called with done=false
// for each delta and exactly once with done=true when the stream ends.
type StreamFunc func(chunk string, done bool)

// Client issues chat-completion requests against one OpenAI-compatible
// endpoint. At most one request is in flight per client; Abort cancels
// it. Safe for use from a single worker goroutine plus concurrent Abort
// and SetEndpoint calls.
type Client struct {
	mu       sync.Mutex
	cfg      ClientConfig
	api      *openai.Client
	inflight context.CancelFunc
	aborted  bool

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewClient creates a client for the given endpoint.
func NewClient(cfg ClientConfig, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		api:     newAPIClient(cfg),
		logger:  logger,
		metrics: metrics,
	}
}

func newAPIClient(cfg ClientConfig) *openai.Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	apiCfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	return openai.NewClientWithConfig(apiCfg)
}

// SetEndpoint swaps the endpoint and model, used by the cross-session
// setConfig fan-out. In-flight requests finish against the old endpoint.
func (c *Client) SetEndpoint(baseURL, apiKey, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if baseURL != "" {
		c.cfg.BaseURL = baseURL
	}
	c.cfg.APIKey = apiKey
	if model != "" {
		c.cfg.Model = model
	}
	c.api = newAPIClient(c.cfg)
}

// Model returns the currently configured default model id.
func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Model
}

// Abort cancels the in-flight request, if any. The cancelled call
// returns ErrRequestCancelled; the next call starts a fresh request.
func (c *Client) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != nil {
		c.aborted = true
		c.inflight()
	}
}

func (c *Client) begin(ctx context.Context) (context.Context, func(), *openai.Client, ClientConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = false
	reqCtx, cancel := context.WithCancel(ctx)
	c.inflight = cancel
	return reqCtx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.inflight != nil {
			c.inflight()
			c.inflight = nil
		}
	}, c.api, c.cfg
}

func (c *Client) wasAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// Chat issues a buffered chat-completion request with retries.
// Transient failures (network, 429, 5xx) are retried with exponential
// backoff; context-length and quota conditions surface as
// *ContextLengthError and *QuotaExceededError.
func (c *Client) Chat(ctx context.Context, req *Request) (*Response, error) {
	reqCtx, done, api, cfg := c.begin(ctx)
	defer done()

	chatReq := c.buildRequest(req, cfg, false)
	model := chatReq.Model

	spanCtx, span := observability.StartSpan(reqCtx, "llm.chat",
		attribute.String("llm.model", model),
		attribute.Int("llm.messages", len(chatReq.Messages)))
	var finalErr error
	defer func() { observability.EndSpan(span, finalErr) }()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.RetryBaseDelay << (attempt - 1)
			c.logger.Warn("retrying chat completion",
				"attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-spanCtx.Done():
				finalErr = c.cancellationError(spanCtx)
				return nil, finalErr
			case <-time.After(delay):
			}
		}

		start := time.Now()
		resp, err := api.CreateChatCompletion(spanCtx, chatReq)
		c.metrics.LLMRequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
		if err == nil {
			out, convErr := c.convertResponse(&resp)
			if convErr != nil {
				c.metrics.LLMRequestCounter.WithLabelValues(model, "fatal_error").Inc()
				finalErr = convErr
				return nil, finalErr
			}
			c.recordUsage(model, out.Usage)
			c.metrics.LLMRequestCounter.WithLabelValues(model, "success").Inc()
			return out, nil
		}

		if spanCtx.Err() != nil {
			c.metrics.LLMRequestCounter.WithLabelValues(model, "fatal_error").Inc()
			finalErr = c.cancellationError(spanCtx)
			return nil, finalErr
		}

		kind := Classify(err)
		if !kind.IsRetryable() {
			c.metrics.LLMRequestCounter.WithLabelValues(model, "fatal_error").Inc()
			finalErr = wrapFatal(kind, err)
			return nil, finalErr
		}
		c.metrics.LLMRequestCounter.WithLabelValues(model, "retryable_error").Inc()
		lastErr = err
	}

	finalErr = fmt.Errorf("chat completion failed after %d attempts: %w", cfg.MaxRetries, lastErr)
	return nil, finalErr
}

// ChatStream issues a streaming chat-completion request. Content deltas
// are forwarded to onChunk as they arrive. Stream failures are not
// retried.
func (c *Client) ChatStream(ctx context.Context, req *Request, onChunk StreamFunc) (*Response, error) {
	reqCtx, done, api, cfg := c.begin(ctx)
	defer done()

	chatReq := c.buildRequest(req, cfg, true)
	model := chatReq.Model

	spanCtx, span := observability.StartSpan(reqCtx, "llm.chat_stream",
		attribute.String("llm.model", model))
	var finalErr error
	defer func() { observability.EndSpan(span, finalErr) }()

	stream, err := api.CreateChatCompletionStream(spanCtx, chatReq)
	if err != nil {
		if spanCtx.Err() != nil {
			finalErr = c.cancellationError(spanCtx)
			return nil, finalErr
		}
		c.metrics.LLMRequestCounter.WithLabelValues(model, "fatal_error").Inc()
		finalErr = wrapFatal(Classify(err), err)
		return nil, finalErr
	}
	defer stream.Close()

	var content strings.Builder
	var usage *Usage
	finishReason := ""
	toolCalls := make(map[int]*models.ToolCall)
	order := make([]int, 0, 2)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if spanCtx.Err() != nil {
				finalErr = c.cancellationError(spanCtx)
				return nil, finalErr
			}
			c.metrics.LLMRequestCounter.WithLabelValues(model, "fatal_error").Inc()
			finalErr = wrapFatal(Classify(err), err)
			return nil, finalErr
		}

		if chunk.Usage != nil {
			usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(choice.Delta.Content, false)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc, ok := toolCalls[index]
			if !ok {
				acc = &models.ToolCall{}
				toolCalls[index] = acc
				order = append(order, index)
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Arguments += tc.Function.Arguments
		}
	}

	if onChunk != nil {
		onChunk("", true)
	}

	msg := models.Message{Role: models.RoleAssistant, Content: content.String()}
	for _, index := range order {
		tc := toolCalls[index]
		if tc.ID != "" && tc.Name != "" {
			msg.ToolCalls = append(msg.ToolCalls, *tc)
		}
	}

	c.recordUsage(model, usage)
	c.metrics.LLMRequestCounter.WithLabelValues(model, "success").Inc()
	return &Response{Message: msg, Usage: usage, FinishReason: finishReason}, nil
}

func (c *Client) cancellationError(ctx context.Context) error {
	if c.wasAborted() || errors.Is(ctx.Err(), context.Canceled) {
		return ErrRequestCancelled
	}
	return ctx.Err()
}

func (c *Client) recordUsage(model string, usage *Usage) {
	if usage == nil {
		return
	}
	c.metrics.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	c.metrics.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
}

func (c *Client) buildRequest(req *Request, cfg ClientConfig, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = cfg.Model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = cfg.MaxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model:             model,
		Messages:          PrepareMessages(req.System, req.Messages, model),
		Temperature:       float32(temperature),
		Stream:            stream,
		ParallelToolCalls: false,
	}
	if maxTokens > 0 {
		chatReq.MaxTokens = maxTokens
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
		if req.ToolChoice != "" {
			chatReq.ToolChoice = req.ToolChoice
		}
	}
	return chatReq
}

func (c *Client) convertResponse(resp *openai.ChatCompletionResponse) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	choice := resp.Choices[0]

	msg := models.Message{
		Role:             models.RoleAssistant,
		Content:          choice.Message.Content,
		ReasoningContent: choice.Message.ReasoningContent,
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	out := &Response{Message: msg, FinishReason: string(choice.FinishReason)}
	if resp.Usage.TotalTokens > 0 {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// gptOSSPattern matches models whose empty-content tool-call turns need a
// synthesized content line.
var gptOSSPattern = regexp.MustCompile(`(?i)gpt-oss-(20b|120b)`)

// PrepareMessages converts history into the wire format, applying the
// per-request preprocessing rules:
//
//   - role=system messages are stripped; system is supplied fresh.
//   - assistant reasoning_content is folded into empty content.
//   - gpt-oss models get "Calling tools: ..." content on tool-call turns.
//   - assistant content is always a string, possibly empty.
func PrepareMessages(system string, messages []models.Message, model string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleAssistant:
			content := msg.Content
			if content == "" && msg.ReasoningContent != "" {
				content = msg.ReasoningContent
			}
			if content == "" && len(msg.ToolCalls) > 0 && gptOSSPattern.MatchString(model) {
				names := make([]string, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					names[i] = tc.Name
				}
				content = "Calling tools: " + strings.Join(names, ", ")
			}
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, oaiMsg)

		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return out
}

func convertTools(tools []models.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return out
}
