package vision

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestIntervalCapsFrameCount(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		want     float64
	}{
		{"short video uses minimum cadence", 30, minIntervalSeconds},
		{"long video caps total frames", 4000, 4000.0 / maxFrames},
		{"zero duration falls back to minimum", 0, minIntervalSeconds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := interval(tt.duration); got != tt.want {
				t.Errorf("interval(%v) = %v, want %v", tt.duration, got, tt.want)
			}
		})
	}
}

type fakeCaptioner struct {
	fail      map[string]bool
	maxActive int32
	active    int32
}

func (f *fakeCaptioner) Caption(ctx context.Context, imagePath string) (string, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		cur := atomic.LoadInt32(&f.maxActive)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxActive, cur, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	if f.fail[imagePath] {
		return "", fmt.Errorf("caption failed for %s", imagePath)
	}
	return "a caption for " + imagePath, nil
}

func TestAnalyzeBoundsConcurrency(t *testing.T) {
	frames := make([]SampledFrame, 0, 20)
	for i := 0; i < 20; i++ {
		frames = append(frames, SampledFrame{Path: fmt.Sprintf("frame-%02d.jpg", i), Timestamp: float64(i)})
	}
	cap := &fakeCaptioner{fail: map[string]bool{}}
	a := NewAnalyzer(cap)

	out := a.Analyze(context.Background(), frames)
	if len(out) != len(frames) {
		t.Fatalf("expected %d descriptions, got %d", len(frames), len(out))
	}
	if cap.maxActive > maxConcurrentCaptions {
		t.Errorf("expected at most %d concurrent captions, saw %d", maxConcurrentCaptions, cap.maxActive)
	}
}

func TestAnalyzeToleratesPerFrameFailure(t *testing.T) {
	frames := []SampledFrame{
		{Path: "ok.jpg", Timestamp: 1},
		{Path: "bad.jpg", Timestamp: 2},
	}
	cap := &fakeCaptioner{fail: map[string]bool{"bad.jpg": true}}
	a := NewAnalyzer(cap)

	out := a.Analyze(context.Background(), frames)
	if len(out) != 2 {
		t.Fatalf("expected both frames represented even after a failure, got %d", len(out))
	}
	if out[1].Description != "" {
		t.Errorf("expected empty description for the failed frame, got %q", out[1].Description)
	}
	if out[0].Description == "" {
		t.Errorf("expected a non-empty description for the successful frame")
	}
}
