// Package coordinator bridges foreground callers and the background sync
// worker with request-response messaging. When no worker is running the
// bridge degrades to executing operations in-process, so foreground-only
// deployments keep working.
package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/tdrlabs/attendance-offline/internal/syncer"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 30 * time.Second

var (
	// ErrTimeout signals that the background worker did not reply in time.
	// The worker may still complete the operation; the reply is discarded.
	ErrTimeout = errors.New("coordinator: request timed out")

	errMissingSyncRunner    = errors.New("coordinator: sync runner is required")
	errMissingPendingSource = errors.New("coordinator: pending source is required")
	errMissingCacheClearer  = errors.New("coordinator: cache clearer is required")
)

// SyncRunner triggers one sync pass.
type SyncRunner interface {
	SyncNow(ctx context.Context) (syncer.Report, error)
}

// PendingSource answers pending-count queries.
type PendingSource interface {
	CountPending(ctx context.Context) (int64, error)
}

// CacheClearer drops the kv-cache.
type CacheClearer interface {
	ClearCache(ctx context.Context) error
}

type requestKind int

const (
	kindSyncNow requestKind = iota
	kindCheckPending
	kindClearCache
)

type request struct {
	kind  requestKind
	reply chan response
}

type response struct {
	report syncer.Report
	count  int64
	err    error
}

// Config configures a Coordinator.
type Config struct {
	Sync           SyncRunner
	Pending        PendingSource
	Cache          CacheClearer
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Coordinator routes requests to the background worker when one is running,
// with a bounded wait for the reply, and executes in-process otherwise.
type Coordinator struct {
	sync    SyncRunner
	pending PendingSource
	cache   CacheClearer
	timeout time.Duration
	logger  *zap.Logger

	requests chan request
	workerUp atomic.Bool
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Sync == nil {
		return nil, errMissingSyncRunner
	}
	if cfg.Pending == nil {
		return nil, errMissingPendingSource
	}
	if cfg.Cache == nil {
		return nil, errMissingCacheClearer
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		sync:     cfg.Sync,
		pending:  cfg.Pending,
		cache:    cfg.Cache,
		timeout:  timeout,
		logger:   logger,
		requests: make(chan request),
	}, nil
}

// StartWorker launches the background worker goroutine. Requests are executed
// under the worker's context, so a foreground caller abandoning its wait does
// not cancel the operation in flight.
func (c *Coordinator) StartWorker(ctx context.Context) {
	c.workerUp.Store(true)
	go func() {
		defer c.workerUp.Store(false)
		for {
			select {
			case <-ctx.Done():
				return
			case incoming := <-c.requests:
				incoming.reply <- c.execute(ctx, incoming.kind)
			}
		}
	}()
}

// WorkerRunning reports whether the background worker is accepting requests.
func (c *Coordinator) WorkerRunning() bool {
	return c.workerUp.Load()
}

// SyncNow requests a sync pass and waits for its report.
func (c *Coordinator) SyncNow(ctx context.Context) (syncer.Report, error) {
	result, err := c.dispatch(ctx, kindSyncNow)
	if err != nil {
		return syncer.Report{}, err
	}
	return result.report, result.err
}

// CheckPending requests the current pending-submission count.
func (c *Coordinator) CheckPending(ctx context.Context) (int64, error) {
	result, err := c.dispatch(ctx, kindCheckPending)
	if err != nil {
		return 0, err
	}
	return result.count, result.err
}

// ClearCache requests a full kv-cache drop and waits for the ack.
func (c *Coordinator) ClearCache(ctx context.Context) error {
	result, err := c.dispatch(ctx, kindClearCache)
	if err != nil {
		return err
	}
	return result.err
}

func (c *Coordinator) dispatch(ctx context.Context, kind requestKind) (response, error) {
	if !c.workerUp.Load() {
		return c.execute(ctx, kind), nil
	}

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()

	outgoing := request{kind: kind, reply: make(chan response, 1)}

	select {
	case c.requests <- outgoing:
	case <-deadline.C:
		c.logger.Warn("worker did not accept request", zap.Int("kind", int(kind)))
		return response{}, ErrTimeout
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case reply := <-outgoing.reply:
		return reply, nil
	case <-deadline.C:
		// The worker keeps going; only the reply is discarded.
		c.logger.Warn("worker reply timed out", zap.Int("kind", int(kind)))
		return response{}, ErrTimeout
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (c *Coordinator) execute(ctx context.Context, kind requestKind) response {
	switch kind {
	case kindSyncNow:
		report, err := c.sync.SyncNow(ctx)
		return response{report: report, err: err}
	case kindCheckPending:
		count, err := c.pending.CountPending(ctx)
		return response{count: count, err: err}
	case kindClearCache:
		return response{err: c.cache.ClearCache(ctx)}
	default:
		return response{err: errors.New("coordinator: unknown request kind")}
	}
}
