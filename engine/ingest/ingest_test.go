package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/castforge/castforge/engine/credits"
	"github.com/castforge/castforge/engine/domain"
	"github.com/castforge/castforge/engine/extract"
	"github.com/castforge/castforge/engine/jobs"
	"github.com/castforge/castforge/engine/media"
	"github.com/castforge/castforge/engine/transcription"
	"github.com/castforge/castforge/engine/vision"
	"github.com/castforge/castforge/pkg/store"
)

// --- fakes for the ports Deps wires ---

type fakeMedia struct {
	acquired media.Acquired
	err      error
}

func (f *fakeMedia) Acquire(ctx context.Context, source string, wantVideo bool) (media.Acquired, error) {
	return f.acquired, f.err
}

type fakeTranscriber struct {
	result   transcription.Result
	err      error
	duration float64
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path, language string, task transcription.Task) (transcription.Result, error) {
	return f.result, f.err
}

func (f *fakeTranscriber) Duration(ctx context.Context, path string) (float64, error) {
	return f.duration, nil
}

type fakeSampler struct {
	frames []vision.SampledFrame
	err    error
}

func (f *fakeSampler) Sample(ctx context.Context, videoPath string, duration float64, destDir string) ([]vision.SampledFrame, error) {
	return f.frames, f.err
}

type fakeAnalyzer struct {
	descs []domain.FrameDescription
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, frames []vision.SampledFrame) []domain.FrameDescription {
	return f.descs
}

type fakeExtractor struct {
	content domain.Content
	err     error
}

func (f *fakeExtractor) Extract(ctx context.Context, in extract.Input) (domain.Content, error) {
	return f.content, f.err
}

type fakeMemory struct {
	mu         sync.Mutex
	added      []domain.Content
	bySource   map[string]string
	addToCalls []string
}

func (f *fakeMemory) Add(ctx context.Context, tenant string, c domain.Content) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, c)
	return nil
}

func (f *fakeMemory) FindBySourceURL(ctx context.Context, tenant, url string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.bySource[url]
	return id, ok, nil
}

func (f *fakeMemory) AddTo(ctx context.Context, collectionID, contentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addToCalls = append(f.addToCalls, collectionID+":"+contentID)
	return nil
}

// --- real, sqlite-backed Jobs/Credits harness, matching the teacher's test style ---

func newRealHarness(t *testing.T) (*jobs.Controller, *credits.Controller) {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:", store.DefaultConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	creditsCtl := credits.New(db, logger)
	jobsCtl := jobs.New(db, creditsCtl, logger)
	return jobsCtl, creditsCtl
}

func baseDeps(t *testing.T, jobsCtl JobController, creditsCtl CreditController, mem VectorMemory) Deps {
	t.Helper()
	return Deps{
		Jobs:    jobsCtl,
		Credits: creditsCtl,
		Memory:  mem,
		Media: &fakeMedia{acquired: media.Acquired{
			AudioPath: "/tmp/audio.mp3",
			Metadata:  media.Metadata{DurationSeconds: 180},
		}},
		Sampler: &fakeSampler{},
		Vision:  &fakeAnalyzer{},
		Transcriber: &fakeTranscriber{result: transcription.Result{
			Text:     "hello world",
			Language: "en",
			Segments: []domain.Segment{{Start: 0, End: 2, Text: "hello world", Speaker: "a"}},
		}},
		Extractor: &fakeExtractor{content: domain.Content{Title: "Test Video", Summary: "a summary"}},
		WorkDir:   t.TempDir(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestRunHappyPath(t *testing.T) {
	ctx := context.Background()
	jobsCtl, creditsCtl := newRealHarness(t)

	jobID, err := jobsCtl.Enqueue(ctx, "tenant-1", "https://example.com/video?id=ABC", domain.ModeGeneral, domain.JobSettings{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	mem := &fakeMemory{bySource: map[string]string{}}
	p := New(baseDeps(t, jobsCtl, creditsCtl, mem))

	if err := p.Run(ctx, jobID); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, err := jobsCtl.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("expected completed, got %s (error=%q)", job.Status, job.Error)
	}
	if job.CreditsDeducted != 3 {
		t.Errorf("expected 3 minutes * 1 credit deducted, got %d", job.CreditsDeducted)
	}
	balance, _ := creditsCtl.Balance(ctx, "tenant-1")
	if balance != 47 {
		t.Errorf("expected balance 50-3=47, got %d", balance)
	}
	if len(mem.added) != 1 {
		t.Fatalf("expected one Content persisted, got %d", len(mem.added))
	}
	if mem.added[0].SourceURL != "https://example.com/video?id=ABC" {
		t.Errorf("unexpected source url: %q", mem.added[0].SourceURL)
	}
}

func TestRunRecordsStorageUsageFromAcquiredMediaSize(t *testing.T) {
	ctx := context.Background()
	jobsCtl, creditsCtl := newRealHarness(t)

	jobID, err := jobsCtl.Enqueue(ctx, "tenant-1", "https://example.com/video?id=SIZE", domain.ModeGeneral, domain.JobSettings{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	audioPath := filepath.Join(t.TempDir(), "audio.mp3")
	payload := make([]byte, 1<<20) // 1MB
	if err := os.WriteFile(audioPath, payload, 0o644); err != nil {
		t.Fatalf("write fixture audio: %v", err)
	}

	mem := &fakeMemory{bySource: map[string]string{}}
	deps := baseDeps(t, jobsCtl, creditsCtl, mem)
	deps.Media = &fakeMedia{acquired: media.Acquired{
		AudioPath: audioPath,
		Metadata:  media.Metadata{DurationSeconds: 180},
	}}
	p := New(deps)

	if err := p.Run(ctx, jobID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(mem.added) != 1 {
		t.Fatalf("expected one Content persisted, got %d", len(mem.added))
	}
	if mem.added[0].FileSizeBytes != int64(len(payload)) {
		t.Errorf("expected FileSizeBytes=%d, got %d", len(payload), mem.added[0].FileSizeBytes)
	}

	sub, err := creditsCtl.EnsureSubscription(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ensure subscription: %v", err)
	}
	if sub.StorageUsedBytes != int64(len(payload)) {
		t.Errorf("expected storage_used_bytes=%d after persist, got %d", len(payload), sub.StorageUsedBytes)
	}

	// A second job pushes cumulative usage past what a single job's bytes
	// would suggest, proving the gate actually accumulates across jobs
	// rather than resetting.
	jobID2, err := jobsCtl.Enqueue(ctx, "tenant-1", "https://example.com/video?id=SIZE2", domain.ModeGeneral, domain.JobSettings{})
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	// Run removes the acquired media of a remote source when it returns, so
	// the fixture is written again for the second job.
	if err := os.WriteFile(audioPath, payload, 0o644); err != nil {
		t.Fatalf("rewrite fixture audio: %v", err)
	}
	if err := p.Run(ctx, jobID2); err != nil {
		t.Fatalf("run second: %v", err)
	}
	sub, err = creditsCtl.EnsureSubscription(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ensure subscription: %v", err)
	}
	if sub.StorageUsedBytes != int64(len(payload))*2 {
		t.Errorf("expected storage_used_bytes=%d after two jobs, got %d", len(payload)*2, sub.StorageUsedBytes)
	}
}

func TestRunDurationDeniedNoDeduction(t *testing.T) {
	ctx := context.Background()
	jobsCtl, creditsCtl := newRealHarness(t)

	jobID, err := jobsCtl.Enqueue(ctx, "tenant-2", "https://example.com/video?id=LONG", domain.ModeGeneral, domain.JobSettings{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deps := baseDeps(t, jobsCtl, creditsCtl, &fakeMemory{bySource: map[string]string{}})
	deps.Media = &fakeMedia{acquired: media.Acquired{
		AudioPath: "/tmp/audio.mp3",
		Metadata:  media.Metadata{DurationSeconds: 240 * 60}, // 240 minutes, free tier max is 60
	}}
	p := New(deps)

	if err := p.Run(ctx, jobID); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, err := jobsCtl.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.CreditsDeducted != 0 {
		t.Errorf("duration-deny must not deduct credits, got %d", job.CreditsDeducted)
	}
	balance, _ := creditsCtl.Balance(ctx, "tenant-2")
	if balance != 50 {
		t.Errorf("expected balance unchanged at 50, got %d", balance)
	}
}

func TestRunStorageDeniedRefundsDeductedCredits(t *testing.T) {
	ctx := context.Background()
	jobsCtl, creditsCtl := newRealHarness(t)

	jobID, err := jobsCtl.Enqueue(ctx, "tenant-3", "https://example.com/video?id=BIG", domain.ModeGeneral, domain.JobSettings{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Create the subscription up front; the storage gate itself is forced
	// to deny by denyStorageCredits below.
	creditsCtl.EnsureSubscription(ctx, "tenant-3")

	deps := baseDeps(t, jobsCtl, creditsCtl, &fakeMemory{bySource: map[string]string{}})
	deps.Credits = denyStorageCredits{CreditController: creditsCtl}
	p := New(deps)

	if err := p.Run(ctx, jobID); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, err := jobsCtl.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	balance, _ := creditsCtl.Balance(ctx, "tenant-3")
	if balance != 50 {
		t.Errorf("expected the deducted credits refunded back to 50, got %d", balance)
	}
}

// denyStorageCredits wraps a real CreditController but always denies the
// storage gate, so the refund-on-storage-deny path (step 9) is exercised
// without needing to fabricate 10GB of usage.
type denyStorageCredits struct {
	CreditController
}

func (d denyStorageCredits) CheckStorage(ctx context.Context, tenant string, additionalBytes int64) (credits.StorageCheck, error) {
	return credits.StorageCheck{Allowed: false, UsedMB: 9800, LimitMB: 10240}, nil
}

// --- cancellation-checkpoint test, using a hand-rolled fake JobController for
// precise control over what each Get call observes ---

type fakeJobs struct {
	mu        sync.Mutex
	job       domain.Job
	getCalls  int
	completed bool
	failed    bool
	failReason string
}

func (f *fakeJobs) Get(ctx context.Context, jobID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getCalls == 2 {
		f.job.Status = domain.JobCancelled
	}
	return f.job, nil
}
func (f *fakeJobs) Start(ctx context.Context, jobID string) error { return nil }
func (f *fakeJobs) Progress(ctx context.Context, jobID string, pct int, statusText string) error {
	return nil
}
func (f *fakeJobs) MarkCreditsDeducted(ctx context.Context, jobID string, amount int) error {
	f.job.CreditsDeducted = amount
	return nil
}
func (f *fakeJobs) Complete(ctx context.Context, jobID string, result *domain.Content) error {
	f.completed = true
	return nil
}
func (f *fakeJobs) Fail(ctx context.Context, jobID, reason, errMsg string) error {
	f.failed = true
	f.failReason = reason
	return nil
}

type alwaysAllowCredits struct{}

func (alwaysAllowCredits) CheckDuration(ctx context.Context, tenant string, minutes float64) (credits.DurationCheck, error) {
	return credits.DurationCheck{Allowed: true, MaxDuration: 999}, nil
}
func (alwaysAllowCredits) CheckStorage(ctx context.Context, tenant string, additionalBytes int64) (credits.StorageCheck, error) {
	return credits.StorageCheck{Allowed: true}, nil
}
func (alwaysAllowCredits) Deduct(ctx context.Context, tenant string, amount int, reason string, ref credits.TxRef) error {
	return nil
}
func (alwaysAllowCredits) RecordStorage(ctx context.Context, tenant string, addedBytes int64) error {
	return nil
}

func TestRunDiscardsArtifactsWhenCancelledAtCheckpoint(t *testing.T) {
	ctx := context.Background()
	jf := &fakeJobs{job: domain.Job{ID: "job-1", Tenant: "tenant-4", Source: "https://example.com/v?id=X", Status: domain.JobQueued}}
	mem := &fakeMemory{bySource: map[string]string{}}

	deps := Deps{
		Jobs:    jf,
		Credits: alwaysAllowCredits{},
		Memory:  mem,
		Media: &fakeMedia{acquired: media.Acquired{
			AudioPath: "/tmp/audio.mp3",
			Metadata:  media.Metadata{DurationSeconds: 60},
		}},
		Sampler: &fakeSampler{},
		Vision:  &fakeAnalyzer{},
		Transcriber: &fakeTranscriber{result: transcription.Result{
			Text: "hi", Language: "en",
			Segments: []domain.Segment{{Start: 0, End: 1, Text: "hi"}},
		}},
		Extractor: &fakeExtractor{content: domain.Content{Title: "x"}},
		WorkDir:   t.TempDir(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	p := New(deps)

	if err := p.Run(ctx, "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if jf.completed || jf.failed {
		t.Fatal("a job cancelled at the commit checkpoint must neither complete nor fail")
	}
	if len(mem.added) != 0 {
		t.Fatal("no Content should be persisted once cancelled at the checkpoint")
	}
}

func TestRunSkipsAlreadyTerminalJob(t *testing.T) {
	ctx := context.Background()
	jf := &fakeJobs{job: domain.Job{ID: "job-2", Status: domain.JobCompleted}}
	p := New(Deps{Jobs: jf, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	if err := p.Run(ctx, "job-2"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if jf.completed || jf.failed {
		t.Fatal("an already-terminal job must not be re-processed")
	}
}
