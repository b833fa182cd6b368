// Package credits implements the Credit/Quota Controller: the authoritative
// source of truth for a tenant's credit balance, monthly allocation,
// top-up balance, and tier-derived duration/storage limits.
package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/castforge/castforge/engine/domain"
)

// TierLimits is the published, deterministic set of limits a tier grants.
type TierLimits struct {
	MaxDurationMinutes int
	MaxStorageBytes    int64
	MonthlyAllotment   int
}

// DefaultTierLimits returns the built-in tier table. A real deployment may
// override this via Option, but the shape (duration cap, storage cap,
// monthly allotment) never changes.
func DefaultTierLimits() map[domain.Tier]TierLimits {
	const gb = 1 << 30
	return map[domain.Tier]TierLimits{
		domain.TierFree: {MaxDurationMinutes: 60, MaxStorageBytes: 10 * gb, MonthlyAllotment: 50},
		domain.TierPro:  {MaxDurationMinutes: 240, MaxStorageBytes: 100 * gb, MonthlyAllotment: 500},
		domain.TierTeam: {MaxDurationMinutes: 480, MaxStorageBytes: 1024 * gb, MonthlyAllotment: 5000},
	}
}

// Pricing controls VideoCost. A credit buys one minute of ingestion; frame
// analysis is a flat surcharge regardless of duration.
const (
	creditsPerMinute   = 1
	frameAnalysisExtra = 2
)

// VideoCost computes the deterministic credit price of ingesting minutes of
// video, with or without frame analysis. Partial minutes round up.
func VideoCost(minutes float64, analyzeFrames bool) int {
	whole := int(minutes)
	if minutes > float64(whole) {
		whole++
	}
	cost := whole * creditsPerMinute
	if analyzeFrames {
		cost += frameAnalysisExtra
	}
	return cost
}

// DurationCheck is the result of CheckDuration.
type DurationCheck struct {
	Allowed      bool
	MaxDuration  int
	RequiredTier domain.Tier
}

// StorageCheck is the result of CheckStorage.
type StorageCheck struct {
	Allowed bool
	UsedMB  int64
	LimitMB int64
}

// Controller is the Credit/Quota Controller. All balance-mutating
// operations are serialized by mu: the store is a single SQLite writer, so
// a read-modify-write transaction is made safe by holding the Go-level lock
// across it rather than relying on row locking SQLite does not offer.
type Controller struct {
	db     *sql.DB
	logger *slog.Logger
	limits map[domain.Tier]TierLimits
	now    func() time.Time
	mu     sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithTierLimits overrides the built-in tier table.
func WithTierLimits(limits map[domain.Tier]TierLimits) Option {
	return func(c *Controller) { c.limits = limits }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller.
func New(db *sql.DB, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		db:     db,
		logger: logger,
		limits: DefaultTierLimits(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EnsureSubscription lazily creates a default free-tier subscription row
// for tenant if one does not already exist, and returns the current row.
func (c *Controller) EnsureSubscription(ctx context.Context, tenant string) (domain.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureSubscriptionLocked(ctx, tenant)
}

func (c *Controller) ensureSubscriptionLocked(ctx context.Context, tenant string) (domain.Subscription, error) {
	sub, err := c.getSubscription(ctx, tenant)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Subscription{}, err
	}
	free := c.limits[domain.TierFree]
	sub = domain.Subscription{
		Tenant:           tenant,
		Tier:             domain.TierFree,
		MonthlyRemaining: free.MonthlyAllotment,
		MonthlyAllotment: free.MonthlyAllotment,
		TopupBalance:     0,
		StorageUsedBytes: 0,
		ResetAt:          c.now().AddDate(0, 1, 0),
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO subscriptions (tenant, tier, monthly_remaining, monthly_allotment, topup_balance, storage_used_bytes, reset_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.Tenant, string(sub.Tier), sub.MonthlyRemaining, sub.MonthlyAllotment, sub.TopupBalance, sub.StorageUsedBytes, sub.ResetAt.Format(time.RFC3339),
	)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("credits: ensure subscription: %w", err)
	}
	c.logger.Info("subscription created", "tenant", tenant, "tier", sub.Tier)
	return sub, nil
}

func (c *Controller) getSubscription(ctx context.Context, tenant string) (domain.Subscription, error) {
	var sub domain.Subscription
	var tier, resetAt string
	row := c.db.QueryRowContext(ctx, `
		SELECT tenant, tier, monthly_remaining, monthly_allotment, topup_balance, storage_used_bytes, reset_at
		FROM subscriptions WHERE tenant = ?`, tenant)
	err := row.Scan(&sub.Tenant, &tier, &sub.MonthlyRemaining, &sub.MonthlyAllotment, &sub.TopupBalance, &sub.StorageUsedBytes, &resetAt)
	if err != nil {
		return domain.Subscription{}, err
	}
	sub.Tier = domain.Tier(tier)
	sub.ResetAt, _ = time.Parse(time.RFC3339, resetAt)
	return sub, nil
}

// Balance returns monthly_remaining + topup_balance for tenant.
func (c *Controller) Balance(ctx context.Context, tenant string) (int, error) {
	sub, err := c.EnsureSubscription(ctx, tenant)
	if err != nil {
		return 0, err
	}
	return sub.MonthlyRemaining + sub.TopupBalance, nil
}

// CheckDuration reports whether tenant's tier permits a video of the given
// length, and if not, the smallest tier that would allow it.
func (c *Controller) CheckDuration(ctx context.Context, tenant string, minutes float64) (DurationCheck, error) {
	sub, err := c.EnsureSubscription(ctx, tenant)
	if err != nil {
		return DurationCheck{}, err
	}
	limit := c.limits[sub.Tier]
	if minutes <= float64(limit.MaxDurationMinutes) {
		return DurationCheck{Allowed: true, MaxDuration: limit.MaxDurationMinutes}, nil
	}
	return DurationCheck{
		Allowed:      false,
		MaxDuration:  limit.MaxDurationMinutes,
		RequiredTier: c.smallestTierFor(minutes),
	}, nil
}

func (c *Controller) smallestTierFor(minutes float64) domain.Tier {
	order := []domain.Tier{domain.TierFree, domain.TierPro, domain.TierTeam}
	for _, t := range order {
		if minutes <= float64(c.limits[t].MaxDurationMinutes) {
			return t
		}
	}
	return domain.TierTeam
}

// CheckStorage reports whether persisting additionalBytes more content
// would exceed tenant's tier storage limit.
func (c *Controller) CheckStorage(ctx context.Context, tenant string, additionalBytes int64) (StorageCheck, error) {
	sub, err := c.EnsureSubscription(ctx, tenant)
	if err != nil {
		return StorageCheck{}, err
	}
	limit := c.limits[sub.Tier]
	usedMB := sub.StorageUsedBytes / (1 << 20)
	limitMB := limit.MaxStorageBytes / (1 << 20)
	return StorageCheck{
		Allowed: sub.StorageUsedBytes+additionalBytes <= limit.MaxStorageBytes,
		UsedMB:  usedMB,
		LimitMB: limitMB,
	}, nil
}

// RecordStorage adds addedBytes to tenant's running storage_used_bytes
// total. Called once per successfully persisted Content, after the
// CheckStorage gate has already allowed the write; never decremented on
// Content deletion, mirroring the source's accounting.
func (c *Controller) RecordStorage(ctx context.Context, tenant string, addedBytes int64) error {
	if addedBytes <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureSubscriptionLocked(ctx, tenant); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `
		UPDATE subscriptions SET storage_used_bytes = storage_used_bytes + ? WHERE tenant = ?`,
		addedBytes, tenant)
	if err != nil {
		return fmt.Errorf("credits: record storage: %w", err)
	}
	return nil
}

// TxRef names the job/content a ledger row is associated with.
type TxRef struct {
	JobID     string
	ContentID string
}

// Deduct atomically decrements monthly_remaining first, then topup_balance,
// and appends a deduct ledger row. Returns domain.ErrInsufficientCredits
// wrapped in a *domain.QuotaError if the tenant's balance is too low.
func (c *Controller) Deduct(ctx context.Context, tenant string, amount int, reason string, ref TxRef) error {
	if amount <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.ensureSubscriptionLocked(ctx, tenant)
	if err != nil {
		return err
	}
	available := sub.MonthlyRemaining + sub.TopupBalance
	if available < amount {
		return &domain.QuotaError{Wrapped: domain.ErrInsufficientCredits, Required: amount, Available: available}
	}

	fromMonthly := amount
	if fromMonthly > sub.MonthlyRemaining {
		fromMonthly = sub.MonthlyRemaining
	}
	fromTopup := amount - fromMonthly

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("credits: deduct: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET monthly_remaining = monthly_remaining - ?, topup_balance = topup_balance - ?
		WHERE tenant = ? AND monthly_remaining >= ? AND topup_balance >= ?`,
		fromMonthly, fromTopup, tenant, fromMonthly, fromTopup,
	); err != nil {
		return fmt.Errorf("credits: deduct: update balance: %w", err)
	}
	if err := insertLedgerRow(ctx, tx, tenant, domain.CreditDeduct, -amount, reason, ref, c.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("credits: deduct: commit: %w", err)
	}
	c.logger.Info("credits deducted", "tenant", tenant, "amount", amount, "job_id", ref.JobID)
	return nil
}

// Refund credits amount back to tenant, preferring monthly up to its
// original cap then topup, and appends a refund ledger row. Idempotent per
// (job_id, kind): a duplicate refund for the same job is silently
// suppressed via the unique natural-key index on credit_transactions.
func (c *Controller) Refund(ctx context.Context, tenant string, amount int, reason string, ref TxRef) error {
	if amount <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.ensureSubscriptionLocked(ctx, tenant)
	if err != nil {
		return err
	}
	limit := c.limits[sub.Tier]

	roomInMonthly := limit.MonthlyAllotment - sub.MonthlyRemaining
	if roomInMonthly < 0 {
		roomInMonthly = 0
	}
	toMonthly := amount
	if toMonthly > roomInMonthly {
		toMonthly = roomInMonthly
	}
	toTopup := amount - toMonthly

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("credits: refund: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET monthly_remaining = monthly_remaining + ?, topup_balance = topup_balance + ?
		WHERE tenant = ?`,
		toMonthly, toTopup, tenant,
	); err != nil {
		return fmt.Errorf("credits: refund: update balance: %w", err)
	}

	err = insertLedgerRow(ctx, tx, tenant, domain.CreditRefund, amount, reason, ref, c.now())
	if isUniqueConstraintErr(err) {
		c.logger.Info("duplicate refund suppressed", "tenant", tenant, "job_id", ref.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("credits: refund: commit: %w", err)
	}
	c.logger.Info("credits refunded", "tenant", tenant, "amount", amount, "job_id", ref.JobID)
	return nil
}

// MonthlyReset restores tenant's monthly_remaining to its tier allotment
// and sets reset_at to one month from now. Driven by a periodic job, never by
// ingest itself.
func (c *Controller) MonthlyReset(ctx context.Context, tenant string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.ensureSubscriptionLocked(ctx, tenant)
	if err != nil {
		return err
	}
	limit := c.limits[sub.Tier]
	next := c.now().AddDate(0, 1, 0)
	_, err = c.db.ExecContext(ctx, `
		UPDATE subscriptions SET monthly_remaining = ?, monthly_allotment = ?, reset_at = ? WHERE tenant = ?`,
		limit.MonthlyAllotment, limit.MonthlyAllotment, next.Format(time.RFC3339), tenant,
	)
	if err != nil {
		return fmt.Errorf("credits: monthly reset: %w", err)
	}
	return insertLedgerRow(ctx, c.db, tenant, domain.CreditGrant, limit.MonthlyAllotment, "monthly_reset", TxRef{}, c.now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLedgerRow(ctx context.Context, ex execer, tenant string, kind domain.CreditTxKind, delta int, reason string, ref TxRef, at time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO credit_transactions (tenant, kind, delta, reason, job_id, content_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tenant, string(kind), delta, reason, ref.JobID, ref.ContentID, at.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("credits: append ledger row: %w", err)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
