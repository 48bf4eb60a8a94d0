package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 60 * time.Second

// Message is a single role/content pair in the upstream wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Config configures a Client for an OpenAI-compatible API.
type Config struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	MaxRetries     int
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Client wraps the upstream embedding and chat-completion endpoints with
// a shared retry/backoff policy and typed error mapping.
type Client struct {
	baseURL        string
	apiKey         string
	chatModel      string
	embeddingModel string
	http           *http.Client
	retry          retryPolicy
	logger         *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		http:           &http.Client{Timeout: cfg.Timeout},
		retry:          defaultRetryPolicy(cfg.MaxRetries),
		logger:         cfg.Logger,
	}, nil
}

// ChatModel reports the model identifier used for completions.
func (c *Client) ChatModel() string { return c.chatModel }

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}
