// Package llm provides a plain HTTP JSON port to a chat-completion model,
// in the teacher's pkg/ollama idiom. The ml-worker's generated mlpb
// ChatServiceClient is not available in this module (no .proto/generated
// stubs were retrieved), so this expresses the same "send a prompt, get
// text back" contract over Ollama's HTTP API instead.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Chatter completes a prompt against a chat-capable model.
type Chatter interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// OllamaChatter implements Chatter using Ollama's /api/chat endpoint.
type OllamaChatter struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaChatter creates a chat client against an Ollama server.
func NewOllamaChatter(baseURL, model string, client *http.Client) *OllamaChatter {
	if client == nil {
		client = &http.Client{}
	}
	return &OllamaChatter{baseURL: baseURL, model: model, client: client}
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatReq struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
}

type ollamaChatResp struct {
	Message ollamaChatMessage `json:"message"`
}

// Complete implements Chatter.
func (c *OllamaChatter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := ollamaChatReq{
		Model:  c.model,
		Stream: false,
		Format: "json",
		Messages: []ollamaChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: chat status %d", resp.StatusCode)
	}

	var out ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llm: chat decode: %w", err)
	}
	return out.Message.Content, nil
}
