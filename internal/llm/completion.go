package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	completionTemperature = 0.7
	completionMaxTokens   = 2000
)

// Completion is the result of a blocking chat-completion call.
type Completion struct {
	Content    string
	TokensUsed int
	Model      string
}

// Usage is the token accounting reported by the upstream, present on
// blocking responses and on the terminal chunk of a stream.
type Usage struct {
	TotalTokens      int `json:"total_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// StreamChunk is one element of a streaming completion: a content delta,
// the terminal usage report, or a mid-stream failure. A chunk with a
// non-nil Err is always the last one delivered.
type StreamChunk struct {
	Delta string
	Usage *Usage
	Err   error
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Complete sends a blocking chat-completion request. Transient upstream
// failures are retried per the client's retry policy.
func (c *Client) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyInput
	}

	resp, err := c.postChat(ctx, messages, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &UpstreamError{Status: resp.StatusCode, Message: "malformed completion response: " + err.Error()}
	}
	if len(out.Choices) == 0 {
		return nil, &UpstreamError{Status: resp.StatusCode, Message: "no response choices returned"}
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	if content == "" {
		return nil, &UpstreamError{Status: resp.StatusCode, Message: "empty response content"}
	}

	model := out.Model
	if model == "" {
		model = c.chatModel
	}
	return &Completion{
		Content:    content,
		TokensUsed: out.Usage.TotalTokens,
		Model:      model,
	}, nil
}

// StreamComplete opens a streaming chat completion and delivers tokens as
// they arrive. The retry policy covers only the initial request; once the
// stream is established a failure is surfaced as a terminal Err chunk and
// never retried, since partial output has already been handed out. The
// channel closes after the terminal chunk or when ctx is cancelled.
func (c *Client) StreamComplete(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyInput
	}

	resp, err := c.postChat(ctx, messages, true)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go c.consumeStream(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) postChat(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Temperature: completionTemperature,
		MaxTokens:   completionMaxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, err
	}

	return c.doWithRetry(func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)
		return req, nil
	})
}

type streamPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// consumeStream reads SSE "data:" lines from the response body and turns
// them into StreamChunks until the [DONE] marker or an error.
func (c *Client) consumeStream(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	emit := func(chunk StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}

		var payload streamPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			emit(StreamChunk{Err: fmt.Errorf("malformed stream chunk: %w", err)})
			return
		}

		chunk := StreamChunk{Usage: payload.Usage}
		if len(payload.Choices) > 0 {
			chunk.Delta = payload.Choices[0].Delta.Content
		}
		if chunk.Delta == "" && chunk.Usage == nil {
			continue
		}
		if !emit(chunk) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		emit(StreamChunk{Err: fmt.Errorf("stream interrupted: %w", err)})
	}
}
