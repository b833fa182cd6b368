// Package extract implements the Content Extractor: an LLM call that turns
// a transcript (plus optional frame descriptions) into a structured
// domain.Content, mode-aware per spec.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/castforge/castforge/engine/domain"
	"github.com/castforge/castforge/pkg/llm"
)

// Input is everything the extractor needs to build a prompt.
type Input struct {
	TranscriptText      string
	FormattedTranscript string
	FrameDescriptions   []domain.FrameDescription
	DurationSeconds     float64
	Mode                domain.Mode
	Language            string
	YouTubeStats        map[string]any
}

// Extractor drives the LLM call and parses its response into a Content.
type Extractor struct {
	chat   llm.Chatter
	logger *slog.Logger
}

// New creates an Extractor.
func New(chat llm.Chatter, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{chat: chat, logger: logger}
}

// extracted mirrors the fixed JSON schema the system prompt asks for. Every
// mode populates the general fields; Extract maps extracted.ModePayload into
// the mode-specific named sub-object domain.Content.ModePayload expects.
type extracted struct {
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	ContentType string   `json:"content_type"`
	Topics      []string `json:"topics"`
	KeyPoints   []string `json:"key_points"`
	Entities    []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"entities"`
	ActionItems []string       `json:"action_items"`
	Quotes      []string       `json:"quotes"`
	Resources   []string       `json:"resources"`
	Tags        []string       `json:"tags"`
	ModePayload map[string]any `json:"mode_payload"`
}

// Extract runs the LLM extraction call. A malformed response is retried
// once with an "extract the outermost JSON object" repair pass before the
// stage fails.
func (e *Extractor) Extract(ctx context.Context, in Input) (domain.Content, error) {
	prompt := buildPrompt(in)

	raw, err := e.chat.Complete(ctx, systemPrompt(in.Mode), prompt)
	if err != nil {
		return domain.Content{}, fmt.Errorf("extract: llm call: %w", err)
	}

	parsed, err := parseExtracted(raw)
	if err != nil {
		e.logger.Warn("extract: malformed llm response, retrying with json repair", "err", err)
		repaired := repairOutermostJSON(raw)
		parsed, err = parseExtracted(repaired)
		if err != nil {
			return domain.Content{}, fmt.Errorf("extract: parse llm response after repair: %w", err)
		}
	}

	return toContent(parsed, in), nil
}

func parseExtracted(raw string) (extracted, error) {
	var out extracted
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return extracted{}, err
	}
	return out, nil
}

// outermostJSONObject matches the first "{" through the last "}" in s,
// the repair rule spec §4.6/§7 calls for when the model wraps its JSON in
// prose or markdown fences.
var outermostJSONObject = regexp.MustCompile(`(?s)\{.*\}`)

func repairOutermostJSON(raw string) string {
	m := outermostJSONObject.FindString(raw)
	if m == "" {
		return raw
	}
	return m
}

func toContent(x extracted, in Input) domain.Content {
	entities := make([]domain.Entity, 0, len(x.Entities))
	for _, e := range x.Entities {
		entities = append(entities, domain.Entity{Name: e.Name, Type: e.Type, Description: e.Description})
	}

	contentType := x.ContentType
	if contentType == "" {
		contentType = string(in.Mode)
	}

	return domain.Content{
		Title:             x.Title,
		ContentType:       contentType,
		Mode:              in.Mode,
		Summary:           x.Summary,
		Topics:            x.Topics,
		Entities:          entities,
		KeyPoints:         x.KeyPoints,
		ActionItems:       x.ActionItems,
		Quotes:            x.Quotes,
		Resources:         x.Resources,
		Tags:              x.Tags,
		ModePayload:       x.ModePayload,
		Transcript:        in.FormattedTranscript,
		FrameDescriptions: in.FrameDescriptions,
	}
}

func buildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\n", in.Mode)
	if in.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", in.Language)
	}
	if in.DurationSeconds > 0 {
		fmt.Fprintf(&b, "Duration (seconds): %.0f\n", in.DurationSeconds)
	}
	if len(in.YouTubeStats) > 0 {
		stats, _ := json.Marshal(in.YouTubeStats)
		fmt.Fprintf(&b, "Source stats: %s\n", stats)
	}
	b.WriteString("Transcript:\n")
	b.WriteString(in.TranscriptText)
	if len(in.FrameDescriptions) > 0 {
		b.WriteString("\n\nFrame descriptions (timestamp: description):\n")
		for _, f := range in.FrameDescriptions {
			fmt.Fprintf(&b, "%.1fs: %s\n", f.Timestamp, f.Description)
		}
	}
	return b.String()
}

func systemPrompt(mode domain.Mode) string {
	base := `You are a structured content extractor. Given a transcript and optional
frame descriptions, respond with ONLY a single JSON object matching this
schema: {"title": string, "summary": string, "content_type": string,
"topics": [string], "key_points": [string],
"entities": [{"name": string, "type": string, "description": string}],
"action_items": [string], "quotes": [string], "resources": [string],
"tags": [string], "mode_payload": object}. Do not wrap the JSON in prose
or markdown fences.`

	switch mode {
	case domain.ModeRecipe:
		return base + ` For mode "recipe", mode_payload must additionally hold
{"ingredients": [string], "steps": [string], "servings": string}.`
	case domain.ModeLearn:
		return base + ` For mode "learn", mode_payload must additionally hold
{"concepts": [string], "prerequisites": [string], "exercises": [string]}.`
	case domain.ModeCreator:
		return base + ` For mode "creator", mode_payload must additionally hold
{"tools_used": [string], "techniques": [string]}.`
	case domain.ModeMeeting:
		return base + ` For mode "meeting", mode_payload must additionally hold
{"attendees": [string], "decisions": [string], "follow_ups": [string]}.`
	default:
		return base
	}
}
