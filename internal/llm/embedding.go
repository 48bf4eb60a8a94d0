package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed converts text into a fixed-length vector using the configured
// embedding model. Transient upstream failures are retried per the
// client's retry policy.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrEmptyInput
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.embeddingModel, Input: trimmed})
	if err != nil {
		return nil, err
	}

	resp, err := c.doWithRetry(func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &UpstreamError{Status: resp.StatusCode, Message: "malformed embedding response: " + err.Error()}
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, &UpstreamError{Status: resp.StatusCode, Message: "empty embedding response"}
	}
	return out.Data[0].Embedding, nil
}
