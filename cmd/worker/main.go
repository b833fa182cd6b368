// Command worker runs the asynchronous ingestion pipeline: it consumes job
// IDs dispatched by engine/jobs.Controller.Enqueue, drives them through
// engine/ingest.Pipeline, and serves /healthz, /metrics, and a minimal
// /internal/jobs endpoint for exercising the controller without a full API
// service (the HTTP API itself is out of scope, per spec).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/castforge/castforge/engine/credits"
	"github.com/castforge/castforge/engine/domain"
	"github.com/castforge/castforge/engine/extract"
	"github.com/castforge/castforge/engine/ingest"
	"github.com/castforge/castforge/engine/jobs"
	"github.com/castforge/castforge/engine/media"
	"github.com/castforge/castforge/engine/semantic"
	"github.com/castforge/castforge/engine/transcription"
	"github.com/castforge/castforge/engine/vision"
	"github.com/castforge/castforge/pkg/blob"
	"github.com/castforge/castforge/pkg/captioner"
	"github.com/castforge/castforge/pkg/embedding"
	"github.com/castforge/castforge/pkg/llm"
	"github.com/castforge/castforge/pkg/metrics"
	"github.com/castforge/castforge/pkg/mid"
	"github.com/castforge/castforge/pkg/queue"
	"github.com/castforge/castforge/pkg/speech"
	"github.com/castforge/castforge/pkg/store"
)

var met = metrics.New()

var (
	mJobsStarted   = met.Counter("castforge_worker_jobs_started_total", "Jobs picked up off the queue")
	mJobsCompleted = met.Counter("castforge_worker_jobs_completed_total", "Jobs that reached a completed state")
	mJobsFailed    = func(reason string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("castforge_worker_jobs_failed_total", "reason", reason), "Jobs that reached a failed state, by reason")
	}
	mJobDuration    = met.Histogram("castforge_worker_job_duration_seconds", "Wall-clock time per job", nil)
	mActiveJobs     = met.Gauge("castforge_worker_active_jobs", "Jobs currently running in this process")
	mCreditsBalance = func(tenant string) *metrics.Gauge {
		return met.Gauge(metrics.WithLabels("castforge_worker_credits_balance", "tenant", tenant), "Last-observed tenant credit balance")
	}
)

// Config is assembled once in main from environment variables with
// defaults, and passed explicitly into constructors; no ambient config
// lookups inside business logic.
type Config struct {
	Port             string
	DBPath           string
	BlobRoot         string
	WorkDir          string
	NATSURL          string
	OllamaURL        string
	ChatModel        string
	EmbedModel       string
	CaptionModel     string
	WhisperURL       string
	WhisperAPIKey    string
	WhisperModel     string
	DetectSpeakers   bool
	SpeakerLabelURL  string
	SpeakerLabelKey  string
	FFmpegPath       string
	QdrantAddr       string
	QdrantCollection string
	YouTubeAPIKey    string
	S3Endpoint       string
	S3Region         string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string
	S3PublicURL      string
}

func loadConfig() Config {
	return Config{
		Port:             envOr("PORT", "8090"),
		DBPath:           envOr("DB_PATH", "/var/lib/castforge/castforge.db"),
		BlobRoot:         envOr("BLOB_ROOT", "/var/lib/castforge/blobs"),
		WorkDir:          envOr("WORK_DIR", "/tmp/castforge-worker"),
		NATSURL:          envOr("NATS_URL", ""),
		OllamaURL:        envOr("OLLAMA_URL", "http://localhost:11434"),
		ChatModel:        envOr("OLLAMA_CHAT_MODEL", "llama3.1"),
		EmbedModel:       envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		CaptionModel:     envOr("OLLAMA_CAPTION_MODEL", "llava"),
		WhisperURL:       envOr("WHISPER_URL", "http://localhost:9000"),
		WhisperAPIKey:    envOr("WHISPER_API_KEY", ""),
		WhisperModel:     envOr("WHISPER_MODEL", "whisper-1"),
		DetectSpeakers:   envOr("DETECT_SPEAKERS", "false") == "true",
		SpeakerLabelURL:  envOr("SPEAKER_LABEL_URL", "http://localhost:9001"),
		SpeakerLabelKey:  envOr("SPEAKER_LABEL_API_KEY", ""),
		FFmpegPath:       envOr("FFMPEG_PATH", "ffmpeg"),
		QdrantAddr:       envOr("QDRANT_ADDR", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "castforge_content"),
		YouTubeAPIKey:    envOr("YOUTUBE_API_KEY", ""),
		S3Endpoint:       envOr("S3_ENDPOINT", ""),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		S3Bucket:         envOr("S3_BUCKET", ""),
		S3AccessKey:      envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:      envOr("S3_SECRET_KEY", ""),
		S3PublicURL:      envOr("S3_PUBLIC_URL", ""),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

const vectorDims = 768 // nomic-embed-text

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.MkdirAll(cfg.WorkDir, 0o755)
	os.MkdirAll(cfg.BlobRoot, 0o755)

	db, err := store.Open(ctx, cfg.DBPath, store.DefaultConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	creditsCtl := credits.New(db, logger)

	vecStore, err := semantic.NewVectorStore(cfg.QdrantAddr)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vecStore.Close()
	if err := vecStore.EnsureCollections(ctx, vectorDims); err != nil {
		return fmt.Errorf("qdrant ensure collections: %w", err)
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	embedModel, err := embedding.NewCachedModel(
		embedding.NewOllamaModel(cfg.OllamaURL, cfg.EmbedModel, httpClient), 10000,
	)
	if err != nil {
		return fmt.Errorf("embedding cache: %w", err)
	}
	memory := semantic.New(vecStore, embedModel, db)

	var blobStore blob.Store
	if cfg.S3Bucket != "" {
		s3Store, err := blob.NewS3Blob(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3PublicURL, logger)
		if err != nil {
			return fmt.Errorf("s3 blob: %w", err)
		}
		blobStore = s3Store
		logger.Info("using S3 thumbnail storage", "bucket", cfg.S3Bucket)
	} else {
		blobStore = blob.NewLocalBlob(cfg.BlobRoot)
		logger.Info("using local disk thumbnail storage", "root", cfg.BlobRoot)
	}

	var mediaOpts []media.Option
	if cfg.YouTubeAPIKey != "" {
		mediaOpts = append(mediaOpts, media.WithMetadataProvider(media.NewYouTubeProvider(cfg.YouTubeAPIKey)))
	}
	acquirer := media.New(&media.HTTPDownloader{Client: httpClient}, cfg.WorkDir, mediaOpts...)
	sampler := vision.NewSampler(cfg.FFmpegPath)
	captionClient := captioner.NewOllamaCaptioner(cfg.OllamaURL, cfg.CaptionModel, httpClient)
	analyzer := vision.NewAnalyzer(captionClient)

	whisper := speech.New(cfg.WhisperURL, cfg.WhisperAPIKey, cfg.WhisperModel, httpClient)
	var transcriptionOpts []transcription.Option
	if cfg.DetectSpeakers {
		transcriptionOpts = append(transcriptionOpts, transcription.WithSpeakerLabeler(
			speech.NewDiarizationClient(cfg.SpeakerLabelURL, cfg.SpeakerLabelKey, httpClient)))
	}
	transcriber := transcription.New(whisper, cfg.WorkDir, transcriptionOpts...)

	chatter := llm.NewOllamaChatter(cfg.OllamaURL, cfg.ChatModel, httpClient)
	extractor := extract.New(chatter, logger)

	// jobsCtl has no dispatcher: it is the handle the pipeline itself uses
	// (Get/Start/Progress/Complete/Fail never enqueue). The dispatcher is
	// wired onto a second handle (enqueueCtl, below) used only by the
	// /internal/jobs endpoint, breaking the construction cycle between "the
	// dispatcher needs the worker closure" and "the worker closure needs a
	// job controller."
	jobsCtl := jobs.New(db, creditsCtl, logger)

	pipeline := ingest.New(ingest.Deps{
		Jobs:        jobsCtl,
		Credits:     creditsCtl,
		Memory:      memory,
		Media:       acquirer,
		Sampler:     sampler,
		Vision:      analyzer,
		Transcriber: transcriber,
		Extractor:   extractor,
		Translator:  chatter,
		Blob:        blobStore,
		WorkDir:     cfg.WorkDir,
		Logger:      logger,
	})

	worker := instrumentedWorker(pipeline, jobsCtl, creditsCtl)

	var nc *nats.Conn
	var dispatcher jobs.Dispatcher
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		dispatcher = queue.NewNATSDispatcher(nc, logger)
		logger.Info("dispatching jobs over NATS", "url", cfg.NATSURL, "subject", queue.IngestSubject)

		sub, err := queue.StartConsumer(nc, worker, logger)
		if err != nil {
			return fmt.Errorf("start consumer: %w", err)
		}
		defer sub.Unsubscribe()
	} else {
		// No external queue configured: jobs dispatch straight to a
		// goroutine in this process (spec's thread-fallback mode).
		dispatcher = queue.NewInProcessDispatcher(worker, logger)
		logger.Info("no NATS_URL set, falling back to in-process dispatch")
	}
	enqueueCtl := jobs.New(db, creditsCtl, logger, jobs.WithDispatcher(dispatcher))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("POST /internal/jobs", handleEnqueue(enqueueCtl))
	mux.Handle("GET /metrics", met.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker http surface starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// instrumentedWorker wraps pipeline.Run with the metrics every job
// dispatch path (NATS consumer or in-process goroutine) shares.
func instrumentedWorker(pipeline *ingest.Pipeline, jobsCtl *jobs.Controller, creditsCtl *credits.Controller) queue.Worker {
	return func(ctx context.Context, jobID string) error {
		mJobsStarted.Inc()
		mActiveJobs.Inc()
		start := time.Now()
		defer mActiveJobs.Dec()
		defer mJobDuration.Since(start)

		err := pipeline.Run(ctx, jobID)
		if err != nil {
			mJobsFailed("pipeline_error").Inc()
			return err
		}

		job, getErr := jobsCtl.Get(ctx, jobID)
		if getErr == nil {
			switch job.Status {
			case domain.JobCompleted:
				mJobsCompleted.Inc()
				if bal, balErr := creditsCtl.Balance(ctx, job.Tenant); balErr == nil {
					mCreditsBalance(job.Tenant).Set(int64(bal))
				}
			case domain.JobFailed:
				mJobsFailed(job.Error).Inc()
			}
		}
		return nil
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// enqueueRequest is the body POST /internal/jobs accepts. This endpoint
// exists to exercise jobs.Controller without a full API service; the real
// HTTP API is out of scope.
type enqueueRequest struct {
	Tenant   string             `json:"tenant"`
	Source   string             `json:"source"`
	Mode     domain.Mode        `json:"mode"`
	Settings domain.JobSettings `json:"settings"`
}

func handleEnqueue(jobsCtl *jobs.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		id, err := jobsCtl.Enqueue(r.Context(), req.Tenant, req.Source, req.Mode, req.Settings)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"job_id": id})
	}
}

