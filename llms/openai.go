package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// OPENAI-COMPATIBLE PROVIDER
// ============================================================================
// Speaks the chat-completions wire format shared by OpenAI, DeepSeek,
// Moonshot, MiniMax, Qwen, and most self-hosted gateways.

// Options configures an OpenAI-compatible provider.
type Options struct {
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Client      *http.Client
}

// OpenAICompatible implements Provider over the chat-completions API.
type OpenAICompatible struct {
	opts   Options
	client *http.Client
}

// NewOpenAICompatible creates a provider with defaults filled in.
func NewOpenAICompatible(opts Options) *OpenAICompatible {
	if opts.Temperature == 0 {
		opts.Temperature = 0.7
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &OpenAICompatible{opts: opts, client: client}
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage  `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

// ModelName returns the configured model identifier.
func (p *OpenAICompatible) ModelName() string { return p.opts.Model }

// Close is a no-op; the HTTP client has no persistent resources.
func (p *OpenAICompatible) Close() error { return nil }

func (p *OpenAICompatible) buildRequest(prompt string, stream bool) chatRequest {
	req := chatRequest{
		Model:       p.opts.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   p.opts.MaxTokens,
		Temperature: p.opts.Temperature,
		Stream:      stream,
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return req
}

func (p *OpenAICompatible) post(ctx context.Context, request chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.opts.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

// Generate produces a complete response for the prompt.
func (p *OpenAICompatible) Generate(ctx context.Context, prompt string) (Completion, error) {
	resp, err := p.post(ctx, p.buildRequest(prompt, false))
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Completion{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return Completion{}, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, fmt.Errorf("no response choices returned")
	}

	return Completion{
		Text: parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// GenerateStreaming produces incremental chunks over SSE.
func (p *OpenAICompatible) GenerateStreaming(ctx context.Context, prompt string) (<-chan Chunk, error) {
	resp, err := p.post(ctx, p.buildRequest(prompt, true))
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 100)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk streamResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				out <- Chunk{Err: fmt.Errorf("failed to decode stream chunk: %w", err)}
				return
			}
			if chunk.Error != nil {
				out <- Chunk{Err: fmt.Errorf("API error: %s", chunk.Error.Message)}
				return
			}

			if chunk.Usage != nil {
				out <- Chunk{Usage: &Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}}
			}
			if len(chunk.Choices) > 0 {
				if text := chunk.Choices[0].Delta.Content; text != "" {
					out <- Chunk{Text: text}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- Chunk{Err: fmt.Errorf("stream read failed: %w", err)}
		}
	}()
	return out, nil
}
