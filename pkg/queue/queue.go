// Package queue implements the spec's Thread-fallback vs queue execution
// Dispatcher: a durable NATS-backed dispatcher for multi-process worker
// fleets, and an in-process goroutine fallback for single-binary
// deployments. Both satisfy engine/jobs.Dispatcher. Publish/subscribe goes
// through pkg/natsutil so dispatch carries OpenTelemetry trace context
// across process boundaries the same way the rest of the NATS traffic does.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/castforge/castforge/pkg/natsutil"
)

// IngestSubject is the NATS subject job dispatch messages are published to.
const IngestSubject = "castforge.ingest"

// DLQSubject is the dead-letter subject for jobs that exhaust retries.
const DLQSubject = "castforge.ingest.dlq"

// MaxRetries bounds in-pipeline republish attempts before a message is
// routed to the DLQ.
const MaxRetries = 3

// dispatchMessage is the durable queue payload: a hint telling a worker
// which job row to pick up, plus the republish count so StartConsumer can
// enforce MaxRetries without relying on broker-side redelivery tracking.
// The job row itself, not this message, is the durable source of truth
// (spec §4.1).
type dispatchMessage struct {
	JobID   string `json:"job_id"`
	Retries int    `json:"retries"`
}

type dlqMessage struct {
	JobID   string `json:"job_id"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Worker processes one dequeued job. Returning an error triggers the
// retry/DLQ policy.
type Worker func(ctx context.Context, jobID string) error

// NATSDispatcher publishes job IDs to a NATS subject for a pool of
// independent worker processes to consume.
type NATSDispatcher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewNATSDispatcher creates a dispatcher bound to an existing NATS connection.
func NewNATSDispatcher(nc *nats.Conn, logger *slog.Logger) *NATSDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSDispatcher{nc: nc, logger: logger}
}

// Dispatch implements engine/jobs.Dispatcher.
func (d *NATSDispatcher) Dispatch(ctx context.Context, jobID string) error {
	if err := natsutil.Publish(ctx, d.nc, IngestSubject, dispatchMessage{JobID: jobID}); err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// StartConsumer subscribes worker to IngestSubject, retrying failed jobs up
// to MaxRetries times before routing to the DLQ. The handler's ctx carries
// the trace context natsutil.Subscribe extracted from the message headers.
func StartConsumer(nc *nats.Conn, worker Worker, logger *slog.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return natsutil.Subscribe(nc, IngestSubject, func(ctx context.Context, m dispatchMessage) {
		if err := worker(ctx, m.JobID); err != nil {
			retries := m.Retries + 1
			logger.Error("queue: job failed", "job_id", m.JobID, "retry", retries, "error", err)

			if retries >= MaxRetries {
				dlq := dlqMessage{JobID: m.JobID, Error: err.Error(), Retries: retries}
				if pubErr := natsutil.Publish(ctx, nc, DLQSubject, dlq); pubErr != nil {
					logger.Error("queue: DLQ publish failed", "error", pubErr)
				}
				return
			}

			if pubErr := natsutil.Publish(ctx, nc, IngestSubject, dispatchMessage{JobID: m.JobID, Retries: retries}); pubErr != nil {
				logger.Error("queue: retry publish failed", "error", pubErr)
			}
			return
		}

		logger.Info("queue: job completed", "job_id", m.JobID)
	})
}

// InProcessDispatcher runs each dispatched job in its own goroutine within
// the calling process, for single-binary deployments with no external
// queue dependency.
type InProcessDispatcher struct {
	worker Worker
	logger *slog.Logger
}

// NewInProcessDispatcher creates a dispatcher that hands jobs straight to
// worker on a fresh goroutine.
func NewInProcessDispatcher(worker Worker, logger *slog.Logger) *InProcessDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessDispatcher{worker: worker, logger: logger}
}

// Dispatch implements engine/jobs.Dispatcher.
func (d *InProcessDispatcher) Dispatch(ctx context.Context, jobID string) error {
	go func() {
		if err := d.worker(context.Background(), jobID); err != nil {
			d.logger.Error("queue: in-process job failed", "job_id", jobID, "error", err)
		}
	}()
	return nil
}
