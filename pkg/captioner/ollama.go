// Package captioner provides an Ollama-backed Captioner for multimodal
// (vision-capable) chat models, in the teacher's pkg/ollama HTTP idiom.
package captioner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
)

// OllamaCaptioner implements engine/vision.Captioner using Ollama's
// /api/generate endpoint with an inline base64 image.
type OllamaCaptioner struct {
	baseURL string
	model   string
	prompt  string
	client  *http.Client
}

// NewOllamaCaptioner creates a Captioner against an Ollama server running a
// vision-capable model (e.g. llava).
func NewOllamaCaptioner(baseURL, model string, client *http.Client) *OllamaCaptioner {
	if client == nil {
		client = &http.Client{}
	}
	return &OllamaCaptioner{
		baseURL: baseURL,
		model:   model,
		prompt:  "Describe what is visible in this video frame in one or two sentences.",
		client:  client,
	}
}

type generateReq struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type generateResp struct {
	Response string `json:"response"`
}

// Caption implements engine/vision.Captioner.
func (c *OllamaCaptioner) Caption(ctx context.Context, imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("vision: read frame: %w", err)
	}
	reqBody := generateReq{
		Model:  c.model,
		Prompt: c.prompt,
		Images: []string{base64.StdEncoding.EncodeToString(data)},
		Stream: false,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision: caption: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vision: caption status %d", resp.StatusCode)
	}
	var out generateResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("vision: caption decode: %w", err)
	}
	return out.Response, nil
}
