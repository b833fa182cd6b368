// Package transcription implements the Transcription Engine: submitting
// audio to an external speech-to-text service, chunking it when the
// service's size limit is exceeded, and returning ordered, offset-corrected
// segments.
package transcription

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/castforge/castforge/engine/domain"
)

// Task selects whether the speech service transcribes in the source
// language or translates to English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// Result is what a SpeechService call (direct or per-chunk) returns.
type Result struct {
	Text     string
	Language string
	Segments []domain.Segment
}

// SpeechService is the external speech-to-text port.
type SpeechService interface {
	Transcribe(ctx context.Context, audioPath, language string, task Task) (Result, error)
	SizeLimitBytes() int64
	AcceptedFormats() []string
}

// SpeakerLabeler is the optional speaker-diarization port (spec §2's
// Speaker Labeler component, §4.2 step 4's "(optional) Speaker-Label").
// It assigns a speaker identity to each already-transcribed segment.
type SpeakerLabeler interface {
	Label(ctx context.Context, audioPath string, segments []domain.Segment) ([]domain.Segment, error)
}

// chunkFraction is the "90% of the limit" headroom spec §4.5 requires for
// split chunks, leaving room for container overhead in each stream-copied
// chunk.
const chunkFraction = 0.9

// Engine drives the submit/extract/split decision tree.
type Engine struct {
	speech      SpeechService
	labeler     SpeakerLabeler
	ffmpegPath  string
	ffprobePath string
	workDir     string
}

// Option configures an Engine.
type Option func(*Engine)

// WithFFmpegPath overrides the ffmpeg binary used for extraction/splitting.
func WithFFmpegPath(path string) Option {
	return func(e *Engine) { e.ffmpegPath = path }
}

// WithFFprobePath overrides the ffprobe binary used to read durations.
func WithFFprobePath(path string) Option {
	return func(e *Engine) { e.ffprobePath = path }
}

// WithSpeakerLabeler attaches an optional diarization pass: after
// transcription, segments are run back through labeler to fill in
// domain.Segment.Speaker. Omitted by default — the ConfigSurface's
// "whether to detect speakers" knob gates whether a caller ever sets this.
func WithSpeakerLabeler(labeler SpeakerLabeler) Option {
	return func(e *Engine) { e.labeler = labeler }
}

// New creates an Engine. workDir is where extracted/split audio is staged.
func New(speech SpeechService, workDir string, opts ...Option) *Engine {
	e := &Engine{speech: speech, ffmpegPath: "ffmpeg", ffprobePath: "ffprobe", workDir: workDir}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Transcribe implements the contract: direct submission if accepted and
// under the limit; otherwise extract an audio-only track (stream-copy
// first, re-encode on failure); if that still exceeds the limit, split
// into equal-duration chunks each under chunkFraction of the limit,
// transcribe each, and offset-correct segment timestamps before
// concatenating.
func (e *Engine) Transcribe(ctx context.Context, path, language string, task Task) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("transcription: stat %s: %w", path, err)
	}

	if info.Size() <= e.speech.SizeLimitBytes() && e.formatAccepted(path) {
		res, err := e.speech.Transcribe(ctx, path, language, task)
		if err != nil {
			return Result{}, err
		}
		return e.labelSpeakers(ctx, path, res), nil
	}

	audioPath, err := e.extractAudio(ctx, path)
	if err != nil {
		return Result{}, fmt.Errorf("transcription: extract audio: %w", err)
	}
	defer os.Remove(audioPath)

	audioInfo, err := os.Stat(audioPath)
	if err != nil {
		return Result{}, fmt.Errorf("transcription: stat extracted audio: %w", err)
	}
	if audioInfo.Size() <= e.speech.SizeLimitBytes() {
		res, err := e.speech.Transcribe(ctx, audioPath, language, task)
		if err != nil {
			return Result{}, err
		}
		return e.labelSpeakers(ctx, audioPath, res), nil
	}

	res, err := e.transcribeChunked(ctx, audioPath, language, task)
	if err != nil {
		return Result{}, err
	}
	return e.labelSpeakers(ctx, audioPath, res), nil
}

// labelSpeakers fills in Speaker on res.Segments via e.labeler, if one is
// configured. A labeler failure is non-fatal: the transcript still carries
// timestamps and text, so the pipeline degrades to unlabeled segments
// rather than failing the job over an optional enrichment.
func (e *Engine) labelSpeakers(ctx context.Context, audioPath string, res Result) Result {
	if e.labeler == nil || len(res.Segments) == 0 {
		return res
	}
	labeled, err := e.labeler.Label(ctx, audioPath, res.Segments)
	if err != nil {
		return res
	}
	res.Segments = labeled
	return res
}

func (e *Engine) formatAccepted(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, f := range e.speech.AcceptedFormats() {
		if strings.ToLower(f) == ext {
			return true
		}
	}
	return false
}

// extractAudio pulls the audio track out of path. It first tries a
// stream-copy (no re-encode, fast, lossless) and falls back to a re-encode
// only if the copy fails (e.g. the container can't hold a bare audio
// stream-copy).
func (e *Engine) extractAudio(ctx context.Context, path string) (string, error) {
	if err := os.MkdirAll(e.workDir, 0o755); err != nil {
		return "", err
	}
	out := filepath.Join(e.workDir, fmt.Sprintf("audio-%d.m4a", time.Now().UnixNano()))

	copyArgs := []string{"-y", "-i", path, "-vn", "-acodec", "copy", out}
	if err := exec.CommandContext(ctx, e.ffmpegPath, copyArgs...).Run(); err == nil { // #nosec G204
		return out, nil
	}

	reencodeArgs := []string{"-y", "-i", path, "-vn", "-acodec", "aac", "-b:a", "64k", out}
	if err := exec.CommandContext(ctx, e.ffmpegPath, reencodeArgs...).Run(); err != nil { // #nosec G204
		return "", fmt.Errorf("ffmpeg re-encode: %w", err)
	}
	return out, nil
}

// Duration probes path's length in seconds via ffprobe, used by the worker
// pipeline's duration gate when the acquired metadata carries no duration.
func (e *Engine) Duration(ctx context.Context, path string) (float64, error) {
	return e.duration(ctx, path)
}

func (e *Engine) duration(ctx context.Context, path string) (float64, error) {
	args := []string{"-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path}
	out, err := exec.CommandContext(ctx, e.ffprobePath, args...).Output() // #nosec G204
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w", err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration parse: %w", err)
	}
	return d, nil
}

// transcribeChunked splits audioPath into equal-duration chunks each under
// chunkFraction of the service's size limit, transcribes each in order, and
// concatenates segments with their start offset added.
func (e *Engine) transcribeChunked(ctx context.Context, audioPath, language string, task Task) (Result, error) {
	total, err := e.duration(ctx, audioPath)
	if err != nil {
		return Result{}, err
	}
	info, err := os.Stat(audioPath)
	if err != nil {
		return Result{}, err
	}

	bytesPerSecond := float64(info.Size()) / total
	limit := float64(e.speech.SizeLimitBytes()) * chunkFraction
	chunkSeconds := limit / bytesPerSecond
	if chunkSeconds <= 0 {
		return Result{}, fmt.Errorf("transcription: cannot compute a positive chunk duration")
	}

	numChunks := int(math.Ceil(total / chunkSeconds))
	if numChunks < 1 {
		numChunks = 1
	}
	chunkDur := total / float64(numChunks)

	var (
		texts    []string
		segments []domain.Segment
		language0 string
	)
	for i := 0; i < numChunks; i++ {
		offset := float64(i) * chunkDur
		chunkPath, err := e.splitChunk(ctx, audioPath, offset, chunkDur, i)
		if err != nil {
			return Result{}, fmt.Errorf("transcription: split chunk %d: %w", i, err)
		}
		res, err := e.speech.Transcribe(ctx, chunkPath, language, task)
		os.Remove(chunkPath)
		if err != nil {
			return Result{}, fmt.Errorf("transcription: transcribe chunk %d: %w", i, err)
		}
		if i == 0 {
			language0 = res.Language
		}
		texts = append(texts, strings.TrimSpace(res.Text))
		for _, seg := range res.Segments {
			segments = append(segments, domain.Segment{
				Start:   seg.Start + offset,
				End:     seg.End + offset,
				Text:    strings.TrimSpace(seg.Text),
				Speaker: seg.Speaker,
			})
		}
	}

	return Result{
		Text:     strings.TrimSpace(strings.Join(texts, " ")),
		Language: language0,
		Segments: segments,
	}, nil
}

func (e *Engine) splitChunk(ctx context.Context, audioPath string, offset, dur float64, index int) (string, error) {
	out := filepath.Join(e.workDir, fmt.Sprintf("chunk-%d-%d.m4a", index, time.Now().UnixNano()))
	args := []string{
		"-y", "-ss", fmt.Sprintf("%.3f", offset), "-t", fmt.Sprintf("%.3f", dur),
		"-i", audioPath, "-acodec", "copy", out,
	}
	if err := exec.CommandContext(ctx, e.ffmpegPath, args...).Run(); err != nil { // #nosec G204
		return "", err
	}
	return out, nil
}
