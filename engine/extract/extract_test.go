package extract

import (
	"context"
	"testing"

	"github.com/castforge/castforge/engine/domain"
)

type fakeChatter struct {
	responses []string
	calls     int
}

func (f *fakeChatter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func TestExtractParsesWellFormedJSON(t *testing.T) {
	chat := &fakeChatter{responses: []string{
		`{"title":"Knife Skills","summary":"Learn to cut","content_type":"recipe",
		  "topics":["cooking"],"key_points":["hold the knife firmly"],
		  "entities":[{"name":"Chef's knife","type":"tool","description":""}],
		  "action_items":["buy a whetstone"],"quotes":[],"resources":[],
		  "tags":["beginner"],"mode_payload":{"ingredients":["onion"],"steps":["dice"],"servings":"2"}}`,
	}}
	e := New(chat, nil)
	c, err := e.Extract(context.Background(), Input{TranscriptText: "today we cut onions", Mode: domain.ModeRecipe})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if c.Title != "Knife Skills" {
		t.Errorf("expected title to be parsed, got %q", c.Title)
	}
	if len(c.Entities) != 1 || c.Entities[0].Name != "Chef's knife" {
		t.Errorf("expected one entity, got %+v", c.Entities)
	}
	if chat.calls != 1 {
		t.Errorf("expected exactly one llm call for well-formed json, got %d", chat.calls)
	}
}

func TestExtractRepairsWrappedJSON(t *testing.T) {
	chat := &fakeChatter{responses: []string{
		"Sure, here you go:\n```json\n{\"title\":\"Wrapped\",\"summary\":\"s\",\"content_type\":\"general\",\"topics\":[],\"key_points\":[],\"entities\":[],\"action_items\":[],\"quotes\":[],\"resources\":[],\"tags\":[],\"mode_payload\":{}}\n```",
	}}
	e := New(chat, nil)
	c, err := e.Extract(context.Background(), Input{TranscriptText: "x", Mode: domain.ModeGeneral})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if c.Title != "Wrapped" {
		t.Errorf("expected repair pass to recover the title, got %q", c.Title)
	}
}

func TestExtractFailsAfterRepairStillMalformed(t *testing.T) {
	chat := &fakeChatter{responses: []string{"not json at all, no braces here"}}
	e := New(chat, nil)
	_, err := e.Extract(context.Background(), Input{TranscriptText: "x", Mode: domain.ModeGeneral})
	if err == nil {
		t.Fatal("expected an error when even the repair pass cannot find a JSON object")
	}
}

func TestSystemPromptIsModeAware(t *testing.T) {
	general := systemPrompt(domain.ModeGeneral)
	recipe := systemPrompt(domain.ModeRecipe)
	if general == recipe {
		t.Error("expected the recipe mode prompt to differ from the general prompt")
	}
}
