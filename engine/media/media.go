// Package media implements the Media Acquirer: downloading a source URL (or
// opening a local upload) and collecting the metadata bundle the duration
// gate and extractor need.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/castforge/castforge/pkg/resilience"
)

// Metadata is the bundle step 1 of the worker pipeline collects for a URL
// source. Fields that a given provider cannot supply are left zero.
type Metadata struct {
	DurationSeconds float64
	ViewCount       int64
	LikeCount       int64
	UploadDate      time.Time
	Author          string
	Categories      []string
	Description     string
}

// truncatedDescriptionLen bounds Description the same way the extractor's
// prompt budget expects.
const truncatedDescriptionLen = 2000

// Acquired is what Acquire returns: local paths to the downloaded media,
// plus its metadata.
type Acquired struct {
	AudioPath string
	VideoPath string // empty unless AnalyzeFrames was requested
	Metadata  Metadata
}

// MetadataProvider fetches the metadata bundle for a URL source. Different
// providers serve different source domains (YouTube, Vimeo, ...);
// Acquirer picks one by matching the source URL.
type MetadataProvider interface {
	Supports(sourceURL string) bool
	Metadata(ctx context.Context, sourceURL string) (Metadata, error)
}

// Downloader fetches the raw media bytes for a URL into a local file.
// wantVideo selects audio+video vs audio-only, mirroring step 1's
// "if analyze_frames, also acquire the video" rule.
type Downloader interface {
	Download(ctx context.Context, sourceURL string, wantVideo bool, destDir string) (audioPath, videoPath string, err error)
}

// Acquirer is the Media Acquirer.
type Acquirer struct {
	downloader  Downloader
	providers   []MetadataProvider
	destDir     string
	limiter     *rate.Limiter
	breaker     *resilience.Breaker
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithMetadataProvider registers a provider, tried in registration order.
func WithMetadataProvider(p MetadataProvider) Option {
	return func(a *Acquirer) { a.providers = append(a.providers, p) }
}

// WithRateLimiter overrides the default outbound request rate limit.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(a *Acquirer) { a.limiter = l }
}

// WithCircuitBreaker guards the downloader against a failing upstream.
func WithCircuitBreaker(b *resilience.Breaker) Option {
	return func(a *Acquirer) { a.breaker = b }
}

// New creates an Acquirer. destDir is where downloaded media is staged.
func New(downloader Downloader, destDir string, opts ...Option) *Acquirer {
	a := &Acquirer{
		downloader: downloader,
		destDir:    destDir,
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Acquire fetches source. If source looks like an http(s) URL it is
// downloaded (and its metadata collected); otherwise it is treated as a
// local path and used as-is, with a zero-value Metadata.
func (a *Acquirer) Acquire(ctx context.Context, source string, wantVideo bool) (Acquired, error) {
	if !isURL(source) {
		if _, err := os.Stat(source); err != nil {
			return Acquired{}, fmt.Errorf("media: local source %s: %w", source, err)
		}
		return Acquired{AudioPath: source, VideoPath: localVideoPathIfWanted(source, wantVideo)}, nil
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return Acquired{}, fmt.Errorf("media: rate limit: %w", err)
	}

	download := func() (Acquired, error) {
		audioPath, videoPath, err := a.downloader.Download(ctx, source, wantVideo, a.destDir)
		if err != nil {
			return Acquired{}, fmt.Errorf("media: download %s: %w", source, err)
		}
		meta, err := a.metadata(ctx, source)
		if err != nil {
			return Acquired{}, fmt.Errorf("media: metadata %s: %w", source, err)
		}
		return Acquired{AudioPath: audioPath, VideoPath: videoPath, Metadata: meta}, nil
	}

	if a.breaker == nil {
		return download()
	}
	var result Acquired
	err := a.breaker.Call(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = download()
		return callErr
	})
	return result, err
}

func (a *Acquirer) metadata(ctx context.Context, sourceURL string) (Metadata, error) {
	for _, p := range a.providers {
		if p.Supports(sourceURL) {
			m, err := p.Metadata(ctx, sourceURL)
			if err != nil {
				return Metadata{}, err
			}
			m.Description = truncate(m.Description, truncatedDescriptionLen)
			return m, nil
		}
	}
	return Metadata{}, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func localVideoPathIfWanted(path string, wantVideo bool) string {
	if !wantVideo {
		return ""
	}
	return path
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// HTTPDownloader fetches a source URL over plain HTTP(S) GET. It is the
// generic fallback Downloader for sources a specialized provider does not
// handle with a richer client (e.g. a pre-signed upload bucket URL).
type HTTPDownloader struct {
	Client *http.Client
}

// Download implements Downloader. When wantVideo is true it stages the same
// fetched payload as both audio and video source; callers that need true
// audio/video separation should extract the audio track from VideoPath via
// the Transcription Engine's ffmpeg step.
func (d *HTTPDownloader) Download(ctx context.Context, sourceURL string, wantVideo bool, destDir string) (string, string, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("media: download status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", "", err
	}
	videoPath := filepath.Join(destDir, fmt.Sprintf("src-%d.media", time.Now().UnixNano()))
	f, err := os.Create(videoPath)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", "", err
	}
	if wantVideo {
		return videoPath, videoPath, nil
	}
	return videoPath, "", nil
}
