// Package replay drains the durable operation queue once connectivity is
// back, replaying each deferred action against the remote AI service with a
// bounded retry budget.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/relicapp/relicd/internal/storage"
)

// QueueStore is the slice of the storage layer the processor needs. The
// processor is the only mutator of retry counts.
type QueueStore interface {
	ListOperations() ([]storage.QueuedOperation, error)
	RemoveOperation(id string) error
	IncrementRetry(id string) (int, error)
}

// Invoker executes one remote operation.
type Invoker interface {
	Invoke(ctx context.Context, typ, payloadJSON string) ([]byte, error)
}

// ResultSink receives the artifact a successful operation produced. The
// processor knows nothing about the domain record schema behind it.
type ResultSink interface {
	StoreResult(ctx context.Context, op storage.QueuedOperation, result []byte) error
}

// OnlineChecker re-derives connectivity at drain time. The monitor's cached
// flag is never trusted here.
type OnlineChecker interface {
	ProbeNow(ctx context.Context) bool
}

// ExhaustedOperation is an entry dropped after hitting the retry ceiling,
// surfaced so the client can tell the user rather than losing work
// silently.
type ExhaustedOperation struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Retries int    `json:"retries"`
	Error   string `json:"error"`
}

// Report summarizes one drain pass.
type Report struct {
	Processed int                  `json:"processed"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Exhausted []ExhaustedOperation `json:"exhausted,omitempty"`
	Skipped   bool                 `json:"skipped"`
}

// Processor drains the queue in insertion order. At most one drain pass
// runs at a time; re-entrant calls are no-ops.
type Processor struct {
	store      QueueStore
	invoker    Invoker
	sink       ResultSink
	online     OnlineChecker
	maxRetries int
	logger     *slog.Logger

	processing atomic.Bool
}

// New creates a Processor. MaxRetries defaults to 3 when <= 0.
func New(store QueueStore, invoker Invoker, sink ResultSink, online OnlineChecker, maxRetries int, logger *slog.Logger) *Processor {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:      store,
		invoker:    invoker,
		sink:       sink,
		online:     online,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Processing reports whether a drain pass is currently running.
func (p *Processor) Processing() bool {
	return p.processing.Load()
}

// OnConnectivityChange is the monitor subscription hook: an offline→online
// transition kicks off a drain in the background.
func (p *Processor) OnConnectivityChange(online bool) {
	if !online {
		return
	}
	go func() {
		if _, err := p.Drain(context.Background()); err != nil {
			p.logger.Error("drain after reconnect failed", "error", err)
		}
	}()
}

// Drain executes one pass over the queue. It is a no-op when a pass is
// already running, the upstream is unreachable, or the queue is empty.
// A single failing entry never blocks the entries behind it.
func (p *Processor) Drain(ctx context.Context) (Report, error) {
	if !p.processing.CompareAndSwap(false, true) {
		return Report{Skipped: true}, nil
	}
	defer p.processing.Store(false)

	ops, err := p.store.ListOperations()
	if err != nil {
		return Report{}, fmt.Errorf("listing operations: %w", err)
	}
	if len(ops) == 0 {
		return Report{}, nil
	}

	if !p.online.ProbeNow(ctx) {
		p.logger.Debug("drain skipped: offline", "queued", len(ops))
		return Report{Skipped: true}, nil
	}

	var report Report
	for _, op := range ops {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Processed++

		if err := p.processOne(ctx, op); err != nil {
			report.Failed++
			p.recordFailure(&report, op, err)
			continue
		}
		report.Succeeded++

		if err := p.store.RemoveOperation(op.ID); err != nil {
			p.logger.Error("removing completed operation failed", "id", op.ID, "error", err)
		}
	}

	p.logger.Info("drain pass complete",
		"processed", report.Processed,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"exhausted", len(report.Exhausted),
	)
	return report, nil
}

func (p *Processor) processOne(ctx context.Context, op storage.QueuedOperation) error {
	result, err := p.invoker.Invoke(ctx, op.Type, op.PayloadJSON)
	if err != nil {
		return err
	}
	if err := p.sink.StoreResult(ctx, op, result); err != nil {
		return fmt.Errorf("storing result: %w", err)
	}
	return nil
}

// recordFailure increments the retry count and drops the entry once it
// reaches the ceiling, reporting it as permanently failed. An unknown
// operation type is a configuration error and is dropped immediately.
func (p *Processor) recordFailure(report *Report, op storage.QueuedOperation, opErr error) {
	if !storage.KnownOperationType(op.Type) {
		p.logger.Error("dropping operation with unknown type", "id", op.ID, "type", op.Type)
		p.exhaust(report, op, op.RetryCount, opErr)
		return
	}

	count, err := p.store.IncrementRetry(op.ID)
	if err != nil {
		p.logger.Error("recording retry failed", "id", op.ID, "error", err)
		return
	}
	p.logger.Warn("operation failed", "id", op.ID, "type", op.Type, "retries", count, "error", opErr)

	if count >= p.maxRetries {
		p.exhaust(report, op, count, opErr)
	}
}

func (p *Processor) exhaust(report *Report, op storage.QueuedOperation, retries int, opErr error) {
	if err := p.store.RemoveOperation(op.ID); err != nil {
		p.logger.Error("removing exhausted operation failed", "id", op.ID, "error", err)
	}
	report.Exhausted = append(report.Exhausted, ExhaustedOperation{
		ID:      op.ID,
		Type:    op.Type,
		Retries: retries,
		Error:   opErr.Error(),
	})
}
