package transcription

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/castforge/castforge/engine/domain"
)

type fakeSpeech struct {
	limit     int64
	formats   []string
	calls     []string
	responses map[string]Result
}

func (f *fakeSpeech) Transcribe(ctx context.Context, audioPath, language string, task Task) (Result, error) {
	f.calls = append(f.calls, audioPath)
	if r, ok := f.responses[filepath.Base(audioPath)]; ok {
		return r, nil
	}
	return Result{Text: "default", Segments: []domain.Segment{{Start: 0, End: 1, Text: "default"}}}, nil
}

func (f *fakeSpeech) SizeLimitBytes() int64   { return f.limit }
func (f *fakeSpeech) AcceptedFormats() []string { return f.formats }

func TestTranscribeDirectSubmissionUnderLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp3")
	if err := os.WriteFile(path, []byte("small audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	speech := &fakeSpeech{limit: 1 << 20, formats: []string{"mp3"}}
	e := New(speech, dir)

	res, err := e.Transcribe(context.Background(), path, "en", TaskTranscribe)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(speech.calls) != 1 || speech.calls[0] != path {
		t.Errorf("expected a single direct call with the original path, got %v", speech.calls)
	}
	if res.Text == "" {
		t.Error("expected non-empty text")
	}
}

func TestFormatAcceptedIsCaseInsensitive(t *testing.T) {
	speech := &fakeSpeech{limit: 1 << 20, formats: []string{"MP3", "wav"}}
	e := New(speech, t.TempDir())
	if !e.formatAccepted("/tmp/clip.mp3") {
		t.Error("expected .mp3 to match an accepted MP3 format case-insensitively")
	}
	if !e.formatAccepted("/tmp/clip.WAV") {
		t.Error("expected .WAV to match an accepted wav format case-insensitively")
	}
	if e.formatAccepted("/tmp/clip.mov") {
		t.Error("expected .mov to be rejected")
	}
}

type fakeLabeler struct {
	calls int
	err   error
}

func (f *fakeLabeler) Label(ctx context.Context, audioPath string, segments []domain.Segment) ([]domain.Segment, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Segment, len(segments))
	for i, s := range segments {
		s.Speaker = "speaker-1"
		out[i] = s
	}
	return out, nil
}

func TestTranscribeFillsSpeakerWhenLabelerConfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp3")
	if err := os.WriteFile(path, []byte("small audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	speech := &fakeSpeech{limit: 1 << 20, formats: []string{"mp3"}}
	labeler := &fakeLabeler{}
	e := New(speech, dir, WithSpeakerLabeler(labeler))

	res, err := e.Transcribe(context.Background(), path, "en", TaskTranscribe)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if labeler.calls != 1 {
		t.Fatalf("expected the labeler to be called once, got %d", labeler.calls)
	}
	for _, s := range res.Segments {
		if s.Speaker != "speaker-1" {
			t.Errorf("expected segment to be labeled speaker-1, got %q", s.Speaker)
		}
	}
}

func TestTranscribeSurvivesLabelerFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp3")
	if err := os.WriteFile(path, []byte("small audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	speech := &fakeSpeech{limit: 1 << 20, formats: []string{"mp3"}}
	labeler := &fakeLabeler{err: errors.New("diarization service unavailable")}
	e := New(speech, dir, WithSpeakerLabeler(labeler))

	res, err := e.Transcribe(context.Background(), path, "en", TaskTranscribe)
	if err != nil {
		t.Fatalf("expected a labeler failure not to fail Transcribe, got: %v", err)
	}
	if len(res.Segments) == 0 {
		t.Fatal("expected segments to still be returned, unlabeled")
	}
}

func TestSegmentsAreContiguousAfterOffsetCorrection(t *testing.T) {
	segs := []domain.Segment{{Start: 0, End: 2, Text: " hi "}, {Start: 2, End: 4, Text: "there"}}
	offset := 10.0
	var out []domain.Segment
	for _, s := range segs {
		out = append(out, domain.Segment{Start: s.Start + offset, End: s.End + offset, Text: strings.TrimSpace(s.Text)})
	}
	for i, s := range out {
		if s.End < s.Start {
			t.Errorf("segment %d has end < start: %+v", i, s)
		}
		if strings.TrimSpace(s.Text) != s.Text {
			t.Errorf("segment %d text not trimmed: %q", i, s.Text)
		}
	}
	if out[0].Start != 10 || out[1].Start != 12 {
		t.Errorf("unexpected offsets: %+v", out)
	}
}
