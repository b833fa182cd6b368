package speech

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/castforge/castforge/engine/transcription"
)

func TestTranscribeParsesVerboseJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"hello world","language":"en","segments":[{"start":0,"end":1.5,"text":"hello world"}]}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp3")
	if err := os.WriteFile(path, []byte("fake audio bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(srv.URL, "test-key", "whisper-1", nil)
	res, err := c.Transcribe(context.Background(), path, "en", transcription.TaskTranscribe)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello world" || res.Language != "en" {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.Segments) != 1 || res.Segments[0].End != 1.5 {
		t.Errorf("unexpected segments: %+v", res.Segments)
	}
}

func TestTranscribeUsesTranslationEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/translations" {
			t.Errorf("expected translation endpoint, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"text":"hola"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp3")
	os.WriteFile(path, []byte("fake"), 0o644)

	c := New(srv.URL, "", "whisper-1", nil)
	if _, err := c.Transcribe(context.Background(), path, "", transcription.TaskTranslate); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
}

func TestDefaultAcceptedFormatsAndSizeLimit(t *testing.T) {
	c := New("http://example.com", "", "whisper-1", nil)
	if c.SizeLimitBytes() != defaultSizeLimitBytes {
		t.Errorf("expected default size limit, got %d", c.SizeLimitBytes())
	}
	found := false
	for _, f := range c.AcceptedFormats() {
		if f == "mp3" {
			found = true
		}
	}
	if !found {
		t.Error("expected mp3 in default accepted formats")
	}
}
