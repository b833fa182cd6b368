// Package ingest implements the Worker Stage Pipeline: the twelve-step plan
// a worker runs against one queued job, from media acquisition through
// credit gating, transcription and vision analysis, extraction, timeline
// assembly, and persistence with source-identity dedup.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/castforge/castforge/engine/credits"
	"github.com/castforge/castforge/engine/domain"
	"github.com/castforge/castforge/engine/extract"
	"github.com/castforge/castforge/engine/media"
	"github.com/castforge/castforge/engine/transcription"
	"github.com/castforge/castforge/engine/vision"
	"github.com/castforge/castforge/pkg/blob"
)

// translationChunkChars bounds each LLM translation call, per spec §4.2 step 5.
const translationChunkChars = 10000

// Progress checkpoints written through the shared progress publisher.
const (
	progressAcquired        = 10
	progressCreditsDeducted = 20
	progressTranscribed     = 45
	progressVisionDone      = 60
	progressExtracted       = 75
	progressPersisted       = 95
)

// JobController is the subset of engine/jobs.Controller the pipeline drives.
type JobController interface {
	Get(ctx context.Context, jobID string) (domain.Job, error)
	Start(ctx context.Context, jobID string) error
	Progress(ctx context.Context, jobID string, pct int, statusText string) error
	MarkCreditsDeducted(ctx context.Context, jobID string, amount int) error
	Complete(ctx context.Context, jobID string, result *domain.Content) error
	Fail(ctx context.Context, jobID, reason, errMsg string) error
}

// CreditController is the subset of engine/credits.Controller the pipeline drives.
type CreditController interface {
	CheckDuration(ctx context.Context, tenant string, minutes float64) (credits.DurationCheck, error)
	CheckStorage(ctx context.Context, tenant string, additionalBytes int64) (credits.StorageCheck, error)
	Deduct(ctx context.Context, tenant string, amount int, reason string, ref credits.TxRef) error
	RecordStorage(ctx context.Context, tenant string, addedBytes int64) error
}

// VectorMemory is the subset of engine/semantic.Memory the pipeline drives.
type VectorMemory interface {
	Add(ctx context.Context, tenant string, c domain.Content) error
	FindBySourceURL(ctx context.Context, tenant, url string) (string, bool, error)
	AddTo(ctx context.Context, collectionID, contentID string) error
}

// MediaAcquirer is the subset of engine/media.Acquirer the pipeline drives.
type MediaAcquirer interface {
	Acquire(ctx context.Context, source string, wantVideo bool) (media.Acquired, error)
}

// FrameSampler is the subset of engine/vision.Sampler the pipeline drives.
type FrameSampler interface {
	Sample(ctx context.Context, videoPath string, durationSeconds float64, destDir string) ([]vision.SampledFrame, error)
}

// VisionAnalyzer is the subset of engine/vision.Analyzer the pipeline drives.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, frames []vision.SampledFrame) []domain.FrameDescription
}

// Transcriber is the subset of engine/transcription.Engine the pipeline drives.
type Transcriber interface {
	Transcribe(ctx context.Context, path, language string, task transcription.Task) (transcription.Result, error)
	Duration(ctx context.Context, path string) (float64, error)
}

// Extractor is the subset of engine/extract.Extractor the pipeline drives.
type Extractor interface {
	Extract(ctx context.Context, in extract.Input) (domain.Content, error)
}

// Translator is satisfied by pkg/llm.Chatter; nil disables step 5 entirely.
type Translator interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Deps bundles the pipeline's external collaborators. Every field but
// Translator and Blob is required for New to produce a usable Pipeline.
type Deps struct {
	Jobs        JobController
	Credits     CreditController
	Memory      VectorMemory
	Media       MediaAcquirer
	Sampler     FrameSampler
	Vision      VisionAnalyzer
	Transcriber Transcriber
	Extractor   Extractor
	Translator  Translator
	Blob        blob.Store
	WorkDir     string
	Logger      *slog.Logger
}

// Pipeline runs the Worker Stage Pipeline for one job at a time.
type Pipeline struct {
	deps Deps
}

// New creates a Pipeline.
func New(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{deps: deps}
}

// progressPublisher serializes progress writes from the two concurrent
// tracks of step 4 through one logical channel (spec §4.2 step 4, §5).
type progressPublisher struct {
	jobs  JobController
	jobID string
	mu    sync.Mutex
}

func (p *progressPublisher) publish(ctx context.Context, pct int, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.jobs.Progress(ctx, p.jobID, pct, text)
}

// Run executes the twelve-step plan for jobID. It satisfies pkg/queue.Worker.
// Any failure in steps 1-11 is caught here, translated into a Fail() call
// (which refunds deducted credits per the policy in jobs.Controller.Fail),
// and Run returns nil: the job's terminal state has already been recorded
// durably, so the queue does not need to retry it.
func (p *Pipeline) Run(ctx context.Context, jobID string) error {
	job, err := p.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("ingest: get job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		p.deps.Logger.Info("ingest: skipping already-terminal job", "job_id", jobID, "status", job.Status)
		return nil
	}

	if err := p.deps.Jobs.Start(ctx, jobID); err != nil {
		if !errors.Is(err, domain.ErrJobNotRunning) {
			return fmt.Errorf("ingest: start job %s: %w", jobID, err)
		}
		// Already running: a crash-retry redelivery. Proceed with the same
		// job row rather than erroring, since execution is at-least-once.
	}

	// Step 1: acquire source.
	acquired, err := p.deps.Media.Acquire(ctx, job.Source, job.Settings.AnalyzeFrames)
	if err != nil {
		return p.fail(ctx, jobID, "acquire_failed", err.Error())
	}
	if isRemoteSource(job.Source) {
		defer removeIfExists(acquired.AudioPath)
		defer removeIfExists(acquired.VideoPath)
	}
	_ = p.deps.Jobs.Progress(ctx, jobID, progressAcquired, "acquired source")

	// Step 2: duration gate.
	minutes := acquired.Metadata.DurationSeconds / 60
	if minutes == 0 {
		if d, derr := p.deps.Transcriber.Duration(ctx, acquired.AudioPath); derr == nil {
			minutes = d / 60
		}
	}
	durCheck, err := p.deps.Credits.CheckDuration(ctx, job.Tenant, minutes)
	if err != nil {
		return p.fail(ctx, jobID, "duration_check_failed", err.Error())
	}
	if !durCheck.Allowed {
		msg := fmt.Sprintf("video is %.0f minutes, which exceeds your plan's %d minute limit; upgrade to %s",
			minutes, durCheck.MaxDuration, durCheck.RequiredTier)
		return p.fail(ctx, jobID, "duration_denied", msg)
	}

	// Step 3: credit debit, guarded by the idempotency check spec §5 requires.
	cost := credits.VideoCost(minutes, job.Settings.AnalyzeFrames)
	if job.CreditsDeducted == 0 {
		if err := p.deps.Credits.Deduct(ctx, job.Tenant, cost, "ingest", credits.TxRef{JobID: jobID}); err != nil {
			var qerr *domain.QuotaError
			if errors.As(err, &qerr) {
				msg := fmt.Sprintf("insufficient credits: required %d, available %d", qerr.Required, qerr.Available)
				return p.fail(ctx, jobID, "insufficient_credits", msg)
			}
			return p.fail(ctx, jobID, "credit_deduct_failed", err.Error())
		}
		if err := p.deps.Jobs.MarkCreditsDeducted(ctx, jobID, cost); err != nil {
			return p.fail(ctx, jobID, "credit_mark_failed", err.Error())
		}
		job.CreditsDeducted = cost
	}
	_ = p.deps.Jobs.Progress(ctx, jobID, progressCreditsDeducted, "credits deducted")

	// Step 4: parallel audio/vision tracks.
	progress := &progressPublisher{jobs: p.deps.Jobs, jobID: jobID}
	var (
		wg             sync.WaitGroup
		transcript     transcription.Result
		transcriptErr  error
		sampledFrames  []vision.SampledFrame
		frameDescs     []domain.FrameDescription
		visionErr      error
		framesDestDir  = filepath.Join(p.deps.WorkDir, "frames", jobID)
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		transcript, transcriptErr = p.deps.Transcriber.Transcribe(ctx, acquired.AudioPath, job.Settings.Language, transcription.TaskTranscribe)
		progress.publish(ctx, progressTranscribed, "transcription complete")
	}()

	if job.Settings.AnalyzeFrames {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frames, serr := p.deps.Sampler.Sample(ctx, acquired.VideoPath, acquired.Metadata.DurationSeconds, framesDestDir)
			if serr != nil {
				visionErr = serr
				return
			}
			sampledFrames = frames
			frameDescs = p.deps.Vision.Analyze(ctx, frames)
			progress.publish(ctx, progressVisionDone, "vision analysis complete")
		}()
	}
	wg.Wait()
	defer os.RemoveAll(framesDestDir)

	if transcriptErr != nil {
		return p.fail(ctx, jobID, "transcription_failed", transcriptErr.Error())
	}
	if visionErr != nil {
		return p.fail(ctx, jobID, "vision_failed", visionErr.Error())
	}

	formatted := formatTranscript(transcript.Segments)

	// Step 5: optional translation.
	targetLang := job.Settings.TargetLanguage
	if targetLang != "" && p.deps.Translator != nil && !strings.EqualFold(targetLang, transcript.Language) {
		translatedText, err := translateInChunks(ctx, p.deps.Translator, transcript.Text, targetLang, translationChunkChars, false)
		if err != nil {
			return p.fail(ctx, jobID, "translation_failed", err.Error())
		}
		translatedFormatted, err := translateInChunks(ctx, p.deps.Translator, formatted, targetLang, translationChunkChars, true)
		if err != nil {
			return p.fail(ctx, jobID, "translation_failed", err.Error())
		}
		transcript.Text = translatedText
		formatted = translatedFormatted
	}

	// Step 6: extraction.
	content, err := p.deps.Extractor.Extract(ctx, extract.Input{
		TranscriptText:      transcript.Text,
		FormattedTranscript: formatted,
		FrameDescriptions:   frameDescs,
		DurationSeconds:     acquired.Metadata.DurationSeconds,
		Mode:                job.Mode,
		Language:            transcript.Language,
	})
	if err != nil {
		return p.fail(ctx, jobID, "extraction_failed", err.Error())
	}
	_ = p.deps.Jobs.Progress(ctx, jobID, progressExtracted, "extraction complete")

	// Step 7: timeline assembly.
	content.Segments = transcript.Segments
	content.FrameDescriptions = frameDescs
	content.Timeline = mergeTimeline(buildTranscriptTimeline(transcript.Segments), frameDescs)
	content.SourceURL = job.Source

	// Step 8: cancellation checkpoint, the pipeline's unique commit point.
	fresh, err := p.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return p.fail(ctx, jobID, "commit_checkpoint_failed", err.Error())
	}
	if fresh.Status == domain.JobCancelled {
		p.deps.Logger.Info("ingest: job cancelled before commit, discarding artifacts", "job_id", jobID)
		return nil
	}

	// Step 9: storage gate.
	additionalBytes := fileSize(acquired.AudioPath) + fileSize(acquired.VideoPath)
	storageCheck, err := p.deps.Credits.CheckStorage(ctx, job.Tenant, additionalBytes)
	if err != nil {
		return p.fail(ctx, jobID, "storage_check_failed", err.Error())
	}
	if !storageCheck.Allowed {
		msg := fmt.Sprintf("storage limit reached: %d MB used of %d MB", storageCheck.UsedMB, storageCheck.LimitMB)
		return p.fail(ctx, jobID, "storage_denied", msg)
	}
	content.FileSizeBytes = additionalBytes

	newContentID := uuid.NewString()
	var thumbnails []domain.ThumbnailEntry
	if len(sampledFrames) > 0 && p.deps.Blob != nil {
		thumbnails, err = uploadThumbnails(ctx, p.deps.Blob, newContentID, sampledFrames)
		if err != nil {
			return p.fail(ctx, jobID, "thumbnail_upload_failed", err.Error())
		}
	}

	// Step 10: dedup by source identity.
	contentID := newContentID
	if content.SourceURL != "" {
		existingID, found, err := p.deps.Memory.FindBySourceURL(ctx, job.Tenant, content.SourceURL)
		if err != nil {
			return p.fail(ctx, jobID, "dedup_check_failed", err.Error())
		}
		if found {
			contentID = existingID
			if p.deps.Blob != nil {
				thumbnails, err = transferThumbnails(ctx, p.deps.Blob, newContentID, existingID, thumbnails)
				if err != nil {
					return p.fail(ctx, jobID, "thumbnail_transfer_failed", err.Error())
				}
			}
		}
	}
	content.ContentID = contentID
	if len(thumbnails) > 0 {
		if content.Metadata == nil {
			content.Metadata = map[string]any{}
		}
		content.Metadata["thumbnails"] = thumbnails
	}

	// Step 11: persist.
	if err := p.deps.Memory.Add(ctx, job.Tenant, content); err != nil {
		return p.fail(ctx, jobID, "persist_failed", err.Error())
	}
	if err := p.deps.Credits.RecordStorage(ctx, job.Tenant, content.FileSizeBytes); err != nil {
		p.deps.Logger.Warn("ingest: record storage failed", "job_id", jobID, "error", err)
	}
	if job.Settings.CollectionID != "" {
		if err := p.deps.Memory.AddTo(ctx, job.Settings.CollectionID, contentID); err != nil {
			p.deps.Logger.Warn("ingest: add to collection failed", "job_id", jobID, "error", err)
		}
	}
	_ = p.deps.Jobs.Progress(ctx, jobID, progressPersisted, "persisted")

	// Step 12: complete.
	if err := p.deps.Jobs.Complete(ctx, jobID, &content); err != nil {
		return fmt.Errorf("ingest: complete job %s: %w", jobID, err)
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, jobID, reason, msg string) error {
	if err := p.deps.Jobs.Fail(ctx, jobID, reason, msg); err != nil {
		p.deps.Logger.Error("ingest: fail write failed", "job_id", jobID, "error", err)
		return err
	}
	p.deps.Logger.Info("ingest: job failed", "job_id", jobID, "reason", reason, "message", msg)
	return nil
}

func isRemoteSource(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func removeIfExists(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

func fileSize(path string) int64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func uploadThumbnails(ctx context.Context, store blob.Store, contentID string, frames []vision.SampledFrame) ([]domain.ThumbnailEntry, error) {
	entries := make([]domain.ThumbnailEntry, 0, len(frames))
	for i, f := range frames {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("ingest: read frame %s: %w", f.Path, err)
		}
		filename := fmt.Sprintf("frame-%d.jpg", i)
		url, err := store.Put(ctx, thumbnailLogicalPath(contentID, filename), data, "image/jpeg")
		if err != nil {
			return nil, fmt.Errorf("ingest: upload thumbnail %s: %w", filename, err)
		}
		entries = append(entries, domain.ThumbnailEntry{Timestamp: f.Timestamp, Filename: filename, URL: url})
	}
	return entries, nil
}

func thumbnailLogicalPath(contentID, filename string) string {
	return "thumbnails/" + contentID + "/" + filename
}

// thumbnailRenamer is satisfied by pkg/blob.LocalBlob; S3Blob falls back to
// the generic get/put/delete transfer below.
type thumbnailRenamer interface {
	Rename(ctx context.Context, oldLogicalPath, newLogicalPath string) (string, error)
}

// transferThumbnails moves thumbnails uploaded under fromID to belong to
// toID, rewriting each manifest entry's URL (spec §4.2 step 10's "transfer
// thumbnail ownership" rule).
func transferThumbnails(ctx context.Context, store blob.Store, fromID, toID string, entries []domain.ThumbnailEntry) ([]domain.ThumbnailEntry, error) {
	if len(entries) == 0 || fromID == toID {
		return entries, nil
	}
	out := make([]domain.ThumbnailEntry, len(entries))
	for i, e := range entries {
		newPath := thumbnailLogicalPath(toID, e.Filename)
		var newURL string
		var err error
		if r, ok := store.(thumbnailRenamer); ok {
			newURL, err = r.Rename(ctx, thumbnailLogicalPath(fromID, e.Filename), newPath)
		} else {
			var data []byte
			data, err = store.Get(ctx, e.URL)
			if err == nil {
				newURL, err = store.Put(ctx, newPath, data, "image/jpeg")
				if err == nil {
					_ = store.Delete(ctx, e.URL)
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("ingest: transfer thumbnail %s: %w", e.Filename, err)
		}
		out[i] = domain.ThumbnailEntry{Timestamp: e.Timestamp, Filename: e.Filename, URL: newURL}
	}
	return out, nil
}

// translateInChunks calls the translator over text in chunks no larger than
// maxChars, preserving line boundaries so a formatted transcript's
// timestamp/speaker markers are never split mid-line.
func translateInChunks(ctx context.Context, translator Translator, text, targetLang string, maxChars int, preserveMarkers bool) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	var sys string
	if preserveMarkers {
		sys = fmt.Sprintf("Translate the spoken text to %s. Each line begins with a bracketed timestamp and a speaker label; reproduce those exactly as given and translate only the text that follows. Respond with only the translated lines, one per input line.", targetLang)
	} else {
		sys = fmt.Sprintf("Translate the following text to %s. Respond with only the translated text.", targetLang)
	}

	var out []string
	for _, chunk := range splitIntoChunks(text, maxChars) {
		translated, err := translator.Complete(ctx, sys, chunk)
		if err != nil {
			return "", fmt.Errorf("ingest: translate chunk: %w", err)
		}
		out = append(out, translated)
	}
	return strings.Join(out, "\n"), nil
}

func splitIntoChunks(text string, maxChars int) []string {
	lines := strings.Split(text, "\n")
	var chunks []string
	var cur strings.Builder
	for _, line := range lines {
		if cur.Len() > 0 && cur.Len()+len(line)+1 > maxChars {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	if len(chunks) == 0 {
		chunks = []string{text}
	}
	return chunks
}
