// Package domain defines the core entities of the ingestion pipeline: jobs,
// the content they produce, and the tenant-scoped credit ledger that gates
// them. It carries no storage-layer or transport-layer dependencies.
package domain

import "time"

// JobStatus is the lifecycle state of a Job. No transition leaves a terminal
// state (Completed, Failed, Cancelled).
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is one of the terminal states.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Mode selects the extraction template the Content Extractor applies.
type Mode string

const (
	ModeGeneral Mode = "general"
	ModeRecipe  Mode = "recipe"
	ModeLearn   Mode = "learn"
	ModeCreator Mode = "creator"
	ModeMeeting Mode = "meeting"
)

// ValidModes is the set of recognised ingestion modes.
var ValidModes = map[Mode]bool{
	ModeGeneral: true, ModeRecipe: true, ModeLearn: true,
	ModeCreator: true, ModeMeeting: true,
}

// JobSettings carries the per-job options a caller supplies at enqueue time.
type JobSettings struct {
	AnalyzeFrames bool   `json:"analyze_frames"`
	Language      string `json:"language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	CollectionID  string `json:"collection_id,omitempty"`
	Provider      string `json:"provider,omitempty"`
}

// Job is one ingestion attempt. See spec §3 for the full invariant list:
// a terminal status is never overwritten, progress is monotonic while
// running, and CreditsDeducted is set at most once. When a job with
// deducted credits fails, the refund is recorded right after the failed
// status is written, so the failed row can be observed briefly before its
// refund exists; a cancelled job is never refunded.
type Job struct {
	ID              string
	Tenant          string
	Source          string
	Mode            Mode
	Settings        JobSettings
	Status          JobStatus
	Progress        int
	ProgressText    string
	Title           string
	Error           string
	CreditsDeducted int
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Result          *Content
}

// JobListing is the lightweight projection List() returns: heavy columns
// (Result, Settings) are never included.
type JobListing struct {
	ID          string
	Status      JobStatus
	Progress    int
	Title       string
	Source      string
	Mode        Mode
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Segment is one ordered unit of a transcript.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// FrameDescription is a vision caption anchored at a point in time.
type FrameDescription struct {
	Timestamp   float64 `json:"timestamp"`
	Description string  `json:"description"`
}

// TimelineKind distinguishes a transcript paragraph entry from a vision entry
// in the merged Content.Timeline.
type TimelineKind string

const (
	TimelineTranscript TimelineKind = "transcript"
	TimelineVision     TimelineKind = "vision"
)

// TimelineEntry is one item of the time-sorted merged view described in
// spec §4.2 step 7.
type TimelineEntry struct {
	Kind  TimelineKind `json:"kind"`
	Start float64      `json:"start"`
	End   float64      `json:"end,omitempty"`
	Text  string       `json:"text"`
}

// Entity is a named thing extracted from the content (person, tool,
// ingredient, concept, ...); each gets its own EntityVector row.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ThumbnailEntry is one row of Content.Metadata's thumbnail manifest.
type ThumbnailEntry struct {
	Timestamp float64 `json:"timestamp"`
	Filename  string  `json:"filename"`
	URL       string  `json:"url,omitempty"`
}

// Content is the stored extract for one successful ingest.
type Content struct {
	ContentID        string
	Tenant           string
	Title            string
	ContentType      string
	Mode             Mode
	Summary          string
	Topics           []string
	Tags             []string
	Collections      []string
	SourceURL        string
	Transcript       string
	Segments         []Segment
	FrameDescriptions []FrameDescription
	FrameAnalyses    []FrameDescription
	Timeline         []TimelineEntry
	Entities         []Entity
	KeyPoints        []string
	ActionItems      []string
	Quotes           []string
	Resources        []string
	ModePayload      map[string]any
	Metadata         map[string]any
	FileSizeBytes    int64
	Embedding        []float32
	SearchableText   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EntityVector is one row per entity mention within a Content.
type EntityVector struct {
	Tenant     string
	ContentID  string
	EntityName string
	EntityType string
	Embedding  []float32
}

// CreditTxKind classifies a CreditLedger row.
type CreditTxKind string

const (
	CreditGrant  CreditTxKind = "grant"
	CreditDeduct CreditTxKind = "deduct"
	CreditRefund CreditTxKind = "refund"
	CreditTopup  CreditTxKind = "topup_purchase"
)

// CreditTx is one append-only ledger row.
type CreditTx struct {
	ID        int64
	Tenant    string
	Kind      CreditTxKind
	Delta     int
	Reason    string
	JobID     string
	ContentID string
	Timestamp time.Time
}

// Tier names a subscription level; duration/storage limits are derived from it.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierTeam Tier = "team"
)

// Subscription is the per-tenant current-state row the Credit/Quota
// Controller reads and writes.
type Subscription struct {
	Tenant          string
	Tier            Tier
	MonthlyRemaining int
	MonthlyAllotment int
	TopupBalance     int
	StorageUsedBytes int64
	ResetAt          time.Time
}
