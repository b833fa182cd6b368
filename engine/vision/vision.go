// Package vision implements the Frame Sampler & Vision Analyzer: sampling
// frames from a video at an adaptive cadence and driving a bounded-parallel
// captioning step over them.
package vision

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/castforge/castforge/engine/domain"
	"github.com/castforge/castforge/pkg/fn"
	"github.com/castforge/castforge/pkg/resilience"
)

// maxFrames caps how many frames a single job samples, regardless of
// duration, so a multi-hour source does not blow the vision RPC budget.
const maxFrames = 40

// minIntervalSeconds is the smallest sampling cadence used for short videos.
const minIntervalSeconds = 5.0

// maxConcurrentCaptions bounds the vision track's internal parallelism per
// spec §5 ("the vision track internally runs up to 3 concurrent calls").
const maxConcurrentCaptions = 3

// Captioner produces a natural-language description of a single frame image.
type Captioner interface {
	Caption(ctx context.Context, imagePath string) (string, error)
}

// Sampler extracts frames from a video file into a directory, one JPEG per
// sampled timestamp.
type Sampler struct {
	ffmpegPath string
}

// NewSampler creates a Sampler that shells out to the given ffmpeg binary.
func NewSampler(ffmpegPath string) *Sampler {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Sampler{ffmpegPath: ffmpegPath}
}

// interval picks an adaptive sampling cadence: one frame every
// minIntervalSeconds, but never producing more than maxFrames total.
func interval(durationSeconds float64) float64 {
	if durationSeconds <= 0 {
		return minIntervalSeconds
	}
	iv := durationSeconds / float64(maxFrames)
	if iv < minIntervalSeconds {
		return minIntervalSeconds
	}
	return iv
}

// Sample extracts frames from videoPath at an adaptive cadence into destDir,
// returning each frame's path and timestamp in ascending order.
func (s *Sampler) Sample(ctx context.Context, videoPath string, durationSeconds float64, destDir string) ([]SampledFrame, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("vision: sample dir: %w", err)
	}
	iv := interval(durationSeconds)

	pattern := filepath.Join(destDir, "frame-%04d.jpg")
	args := []string{
		"-y", "-i", videoPath,
		"-vf", fmt.Sprintf("fps=1/%.3f", iv),
		"-vframes", fmt.Sprintf("%d", maxFrames),
		pattern,
	}
	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...) // #nosec G204
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("vision: ffmpeg sample: %w", err)
	}

	entries, err := filepath.Glob(filepath.Join(destDir, "frame-*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("vision: glob frames: %w", err)
	}
	sort.Strings(entries)

	frames := make([]SampledFrame, 0, len(entries))
	for i, path := range entries {
		frames = append(frames, SampledFrame{Path: path, Timestamp: float64(i) * iv})
	}
	return frames, nil
}

// SampledFrame is one frame image on disk with its timestamp in the source.
type SampledFrame struct {
	Path      string
	Timestamp float64
}

// Analyzer drives bounded-parallel captioning over sampled frames.
type Analyzer struct {
	captioner Captioner
	limiter   *resilience.Limiter
	breaker   *resilience.Breaker
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRateLimiter bounds outbound vision RPC rate.
func WithRateLimiter(l *resilience.Limiter) Option {
	return func(a *Analyzer) { a.limiter = l }
}

// WithCircuitBreaker guards the vision RPC against a failing upstream.
func WithCircuitBreaker(b *resilience.Breaker) Option {
	return func(a *Analyzer) { a.breaker = b }
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(captioner Captioner, opts ...Option) *Analyzer {
	a := &Analyzer{captioner: captioner}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Analyze capitions every frame with up to maxConcurrentCaptions calls in
// flight, returning one FrameDescription per frame in timestamp order.
// A single frame's captioning failure does not fail the whole batch; it is
// recorded as an empty description so the pipeline can proceed without
// vision context for that frame.
func (a *Analyzer) Analyze(ctx context.Context, frames []SampledFrame) []domain.FrameDescription {
	results := fn.ParMapResult(frames, maxConcurrentCaptions, func(f SampledFrame) fn.Result[domain.FrameDescription] {
		caption, err := a.caption(ctx, f.Path)
		if err != nil {
			return fn.Ok(domain.FrameDescription{Timestamp: f.Timestamp, Description: ""})
		}
		return fn.Ok(domain.FrameDescription{Timestamp: f.Timestamp, Description: caption})
	})

	out := make([]domain.FrameDescription, 0, len(results))
	for _, r := range results {
		v, _ := r.Unwrap()
		out = append(out, v)
	}
	return out
}

func (a *Analyzer) caption(ctx context.Context, imagePath string) (string, error) {
	call := func(ctx context.Context) (string, error) {
		return a.captioner.Caption(ctx, imagePath)
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	if a.breaker == nil {
		return call(ctx)
	}
	var caption string
	err := a.breaker.Call(ctx, func(ctx context.Context) error {
		var callErr error
		caption, callErr = call(ctx)
		return callErr
	})
	return caption, err
}
