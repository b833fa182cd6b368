// Package jobs implements the Job Controller: the conductor that creates,
// advances, cancels, completes, and fails ingestion jobs, enforcing
// terminal-state protection and refund-on-failure along the way.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/castforge/castforge/engine/credits"
	"github.com/castforge/castforge/engine/domain"
)

// Dispatcher publishes a queue hint for worker pickup. The controller works
// without one (jobs are created but never picked up, useful for tests); a
// real deployment wires in pkg/queue's NATSDispatcher or InProcessDispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Controller is the Job Controller.
type Controller struct {
	db      *sql.DB
	credits *credits.Controller
	logger  *slog.Logger
	dispatch Dispatcher
	now     func() time.Time
	newID   func() string
}

// Option configures a Controller.
type Option func(*Controller)

// WithDispatcher attaches the queue hint publisher.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Controller) { c.dispatch = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithIDFunc overrides job id generation, for tests.
func WithIDFunc(f func() string) Option {
	return func(c *Controller) { c.newID = f }
}

// New creates a Controller backed by db and by the given Credit/Quota
// Controller, which Fail consults to auto-refund deducted credits.
func New(db *sql.DB, creditsCtl *credits.Controller, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		db:      db,
		credits: creditsCtl,
		logger:  logger,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enqueue creates a queued Job and publishes a queue hint for worker
// pickup. The job row is the durable handle; the dispatch is best-effort.
func (c *Controller) Enqueue(ctx context.Context, tenant, source string, mode domain.Mode, settings domain.JobSettings) (string, error) {
	if err := domain.ValidateEnqueue(tenant, source, mode, settings); err != nil {
		return "", err
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("jobs: marshal settings: %w", err)
	}
	id := c.newID()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant, source, mode, settings_json, status, progress, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		id, tenant, source, string(mode), string(settingsJSON), string(domain.JobQueued), c.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("jobs: enqueue: %w", err)
	}
	c.logger.Info("job enqueued", "job_id", id, "tenant", tenant, "mode", mode)

	if c.dispatch != nil {
		if err := c.dispatch.Dispatch(ctx, id); err != nil {
			c.logger.Warn("dispatch failed, job remains queued", "job_id", id, "error", err)
		}
	}
	return id, nil
}

// Get reads the full Job row, including settings and result.
func (c *Controller) Get(ctx context.Context, jobID string) (domain.Job, error) {
	var job domain.Job
	var mode, status, settingsJSON, createdAt string
	var startedAt, completedAt sql.NullString

	row := c.db.QueryRowContext(ctx, `
		SELECT id, tenant, source, mode, settings_json, status, progress, progress_text,
		       title, error, credits_deducted, created_at, started_at, completed_at
		FROM jobs WHERE id = ?`, jobID)
	err := row.Scan(&job.ID, &job.Tenant, &job.Source, &mode, &settingsJSON, &status, &job.Progress,
		&job.ProgressText, &job.Title, &job.Error, &job.CreditsDeducted, &createdAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("jobs: get: %w", err)
	}
	job.Mode = domain.Mode(mode)
	job.Status = domain.JobStatus(status)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		job.CompletedAt = &t
	}
	_ = json.Unmarshal([]byte(settingsJSON), &job.Settings)
	return job, nil
}

// Start transitions a queued job to running on worker pickup.
func (c *Controller) Start(ctx context.Context, jobID string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(domain.JobRunning), c.now().Format(time.RFC3339Nano), jobID, string(domain.JobQueued),
	)
	if err != nil {
		return fmt.Errorf("jobs: start: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrJobNotRunning
	}
	return nil
}

// Progress writes pct/statusText. Terminal-state protection: the update is
// scoped to rows whose status is still running, so a late progress write
// racing a cancel/fail/complete is silently dropped. The stored percentage
// never decreases: a lower pct than the current value leaves it unchanged.
func (c *Controller) Progress(ctx context.Context, jobID string, pct int, statusText string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET progress = MAX(progress, ?), progress_text = ? WHERE id = ? AND status = ?`,
		pct, statusText, jobID, string(domain.JobRunning),
	)
	if err != nil {
		return fmt.Errorf("jobs: progress: %w", err)
	}
	return nil
}

// MarkCreditsDeducted persists the amount debited for this job. Callers
// (the worker pipeline) must check Get(jobID).CreditsDeducted == 0 before
// deducting, so a queue retry after a crash does not double-debit.
func (c *Controller) MarkCreditsDeducted(ctx context.Context, jobID string, amount int) error {
	_, err := c.db.ExecContext(ctx, `UPDATE jobs SET credits_deducted = ? WHERE id = ?`, amount, jobID)
	if err != nil {
		return fmt.Errorf("jobs: mark credits deducted: %w", err)
	}
	return nil
}

// Complete sets status=completed, progress=100, completed_at=now, and
// stores result. Guarded: only takes effect if the job is currently
// running, so a job already observed cancelled is never overwritten.
func (c *Controller) Complete(ctx context.Context, jobID string, result *domain.Content) error {
	title := ""
	contentID := ""
	if result != nil {
		title = result.Title
		contentID = result.ContentID
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = 100, progress_text = 'complete', title = ?,
		       content_id = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.JobCompleted), title, contentID, c.now().Format(time.RFC3339Nano), jobID, string(domain.JobRunning),
	)
	if err != nil {
		return fmt.Errorf("jobs: complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c.logger.Warn("complete skipped: job not running (likely cancelled)", "job_id", jobID)
	}
	return nil
}

// Fail sets status=failed, completed_at=now, stores the error message, and
// auto-refunds any credits already deducted. It is a no-op if the job is
// already in a terminal state (in particular, a cancelled job never
// transitions to failed and never refunds twice).
func (c *Controller) Fail(ctx context.Context, jobID, reason, errMsg string) error {
	job, err := c.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		c.logger.Info("fail skipped: job already terminal", "job_id", jobID, "status", job.Status)
		return nil
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(domain.JobFailed), errMsg, c.now().Format(time.RFC3339Nano), jobID,
		string(domain.JobCompleted), string(domain.JobFailed), string(domain.JobCancelled),
	)
	if err != nil {
		return fmt.Errorf("jobs: fail: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if job.CreditsDeducted > 0 && c.credits != nil {
		if err := c.credits.Refund(ctx, job.Tenant, job.CreditsDeducted, reason, credits.TxRef{JobID: jobID}); err != nil {
			c.logger.Error("refund on fail failed", "job_id", jobID, "error", err)
			return fmt.Errorf("jobs: fail: refund: %w", err)
		}
	}
	c.logger.Info("job failed", "job_id", jobID, "error", errMsg)
	return nil
}

// Cancel atomically sets status=cancelled if the job is not already
// terminal. It never refunds: cancellation after credits are deducted is
// treated as work already performed. Returns false if the job was already
// terminal.
func (c *Controller) Cancel(ctx context.Context, jobID, tenant string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ? WHERE id = ? AND tenant = ? AND status NOT IN (?, ?, ?)`,
		string(domain.JobCancelled), c.now().Format(time.RFC3339Nano), jobID, tenant,
		string(domain.JobCompleted), string(domain.JobFailed), string(domain.JobCancelled),
	)
	if err != nil {
		return false, fmt.Errorf("jobs: cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Delete removes the job row. Allowed only in terminal states.
func (c *Controller) Delete(ctx context.Context, jobID, tenant string) error {
	job, err := c.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Tenant != tenant {
		return domain.ErrJobNotFound
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("jobs: delete: job %s is %s, not in a terminal state", jobID, job.Status)
	}
	_, err = c.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND tenant = ?`, jobID, tenant)
	if err != nil {
		return fmt.Errorf("jobs: delete: %w", err)
	}
	return nil
}

// List returns lightweight projections only: result and settings are never
// projected.
func (c *Controller) List(ctx context.Context, tenant string, limit int, status *domain.JobStatus) ([]domain.JobListing, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, status, progress, title, source, mode, error, started_at, completed_at
		FROM jobs WHERE tenant = ?`
	args := []any{tenant}
	if status != nil {
		query += " AND status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobs: list: %w", err)
	}
	defer rows.Close()

	var out []domain.JobListing
	for rows.Next() {
		var l domain.JobListing
		var st string
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&l.ID, &st, &l.Progress, &l.Title, &l.Source, &l.Mode, &l.Error, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("jobs: scan listing: %w", err)
		}
		l.Status = domain.JobStatus(st)
		if startedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
			l.StartedAt = &t
		}
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			l.CompletedAt = &t
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
