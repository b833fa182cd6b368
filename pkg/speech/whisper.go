// Package speech provides an OpenAI-Whisper-API-compatible SpeechService
// implementation, in the teacher's plain-HTTP-client idiom (pkg/ollama).
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/castforge/castforge/engine/domain"
	"github.com/castforge/castforge/engine/transcription"
)

// defaultSizeLimitBytes is the Whisper API's per-request upload limit.
const defaultSizeLimitBytes = 25 * 1024 * 1024

var defaultAcceptedFormats = []string{"mp3", "mp4", "mpeg", "mpga", "m4a", "wav", "webm"}

// WhisperClient implements transcription.SpeechService against an
// OpenAI-Whisper-API-compatible HTTP endpoint.
type WhisperClient struct {
	baseURL   string
	apiKey    string
	model     string
	client    *http.Client
	sizeLimit int64
	formats   []string
}

// Option configures a WhisperClient.
type Option func(*WhisperClient)

// WithSizeLimitBytes overrides the default upload size limit.
func WithSizeLimitBytes(n int64) Option {
	return func(c *WhisperClient) { c.sizeLimit = n }
}

// WithAcceptedFormats overrides the default accepted file extensions.
func WithAcceptedFormats(formats []string) Option {
	return func(c *WhisperClient) { c.formats = formats }
}

// New creates a WhisperClient.
func New(baseURL, apiKey, model string, httpClient *http.Client, opts ...Option) *WhisperClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &WhisperClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		client:    httpClient,
		sizeLimit: defaultSizeLimitBytes,
		formats:   defaultAcceptedFormats,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SizeLimitBytes implements transcription.SpeechService.
func (c *WhisperClient) SizeLimitBytes() int64 { return c.sizeLimit }

// AcceptedFormats implements transcription.SpeechService.
func (c *WhisperClient) AcceptedFormats() []string { return c.formats }

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []whisperSegment `json:"segments"`
}

// Transcribe implements transcription.SpeechService.
func (c *WhisperClient) Transcribe(ctx context.Context, audioPath, language string, task transcription.Task) (transcription.Result, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return transcription.Result{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return transcription.Result{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return transcription.Result{}, err
	}
	_ = w.WriteField("model", c.model)
	_ = w.WriteField("response_format", "verbose_json")
	if language != "" {
		_ = w.WriteField("language", language)
	}
	if err := w.Close(); err != nil {
		return transcription.Result{}, err
	}

	endpoint := "/v1/audio/transcriptions"
	if task == transcription.TaskTranslate {
		endpoint = "/v1/audio/translations"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &body)
	if err != nil {
		return transcription.Result{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return transcription.Result{}, fmt.Errorf("speech: transcribe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return transcription.Result{}, fmt.Errorf("speech: transcribe status %d", resp.StatusCode)
	}

	var out whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return transcription.Result{}, fmt.Errorf("speech: decode response: %w", err)
	}

	segments := make([]domain.Segment, 0, len(out.Segments))
	for _, s := range out.Segments {
		segments = append(segments, domain.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}

	return transcription.Result{Text: out.Text, Language: out.Language, Segments: segments}, nil
}
