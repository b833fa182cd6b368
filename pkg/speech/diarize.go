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
)

// DiarizationClient implements transcription.SpeakerLabeler against an
// HTTP speaker-diarization service (the teacher's original ships this as a
// local speaker_diarization.py; here it's an HTTP port like WhisperClient,
// so a pyannote- or WhisperX-backed service can sit behind it).
type DiarizationClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewDiarizationClient creates a DiarizationClient.
func NewDiarizationClient(baseURL, apiKey string, httpClient *http.Client) *DiarizationClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &DiarizationClient{baseURL: baseURL, apiKey: apiKey, client: httpClient}
}

type diarizeSegmentIn struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type diarizeRequest struct {
	Segments []diarizeSegmentIn `json:"segments"`
}

type diarizeSegmentOut struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

type diarizeResponse struct {
	Segments []diarizeSegmentOut `json:"segments"`
}

// Label implements transcription.SpeakerLabeler: it uploads the audio plus
// the already-transcribed segment boundaries, and assigns each input
// segment the speaker label the service reports for the overlapping span.
func (c *DiarizationClient) Label(ctx context.Context, audioPath string, segments []domain.Segment) ([]domain.Segment, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("speech: diarize: open %s: %w", audioPath, err)
	}
	defer f.Close()

	reqBody := diarizeRequest{Segments: make([]diarizeSegmentIn, len(segments))}
	for i, s := range segments {
		reqBody.Segments[i] = diarizeSegmentIn{Start: s.Start, End: s.End, Text: s.Text}
	}
	segmentsJSON, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("speech: diarize: marshal request: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("speech: diarize: copy audio: %w", err)
	}
	if err := w.WriteField("segments", string(segmentsJSON)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/diarize", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech: diarize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speech: diarize status %d", resp.StatusCode)
	}

	var out diarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("speech: diarize: decode response: %w", err)
	}

	labeled := make([]domain.Segment, len(segments))
	copy(labeled, segments)
	for i, seg := range labeled {
		labeled[i].Speaker = speakerAt(out.Segments, seg.Start, seg.End)
	}
	return labeled, nil
}

// speakerAt returns the speaker label of whichever diarized span overlaps
// [start, end] the most, or "" if none overlap at all.
func speakerAt(spans []diarizeSegmentOut, start, end float64) string {
	best := ""
	bestOverlap := 0.0
	for _, span := range spans {
		overlap := min(end, span.End) - max(start, span.Start)
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = span.Speaker
		}
	}
	return best
}
