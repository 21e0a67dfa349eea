// Package syncer drains the durable store by replaying pending submissions
// against the attendance server in enqueue order.
package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tdrlabs/attendance-offline/internal/connectivity"
	"github.com/tdrlabs/attendance-offline/internal/events"
	"github.com/tdrlabs/attendance-offline/internal/metrics"
	"github.com/tdrlabs/attendance-offline/internal/store"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultSettleDelay    = 1500 * time.Millisecond
	defaultRetryMinDelay  = 30 * time.Second
	defaultRetryMaxDelay  = 10 * time.Minute
	retryMultiplier       = 2.0
)

var errMissingStore = errors.New("syncer: durable store is required")

// Report summarizes one sync pass. Total always equals Synced plus Failed.
type Report struct {
	Total  int      `json:"total"`
	Synced int      `json:"synced"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors,omitempty"`
}

// ConnectivitySource gates the retry kicker so the engine does not replay
// into a known-dead network.
type ConnectivitySource interface {
	State() connectivity.State
}

// EngineConfig configures the sync engine.
type EngineConfig struct {
	Store          *store.Store
	Bus            *events.Bus
	HTTPClient     *http.Client
	BaseURL        string
	Connectivity   ConnectivitySource
	RequestTimeout time.Duration
	SettleDelay    time.Duration
	RetryMinDelay  time.Duration
	RetryMaxDelay  time.Duration
	Logger         *zap.Logger
}

type passResult struct {
	report Report
	err    error
}

// Engine replays pending submissions. At most one pass runs at a time; a
// SyncNow issued while a pass is in flight receives that pass's report
// instead of starting a second one.
type Engine struct {
	store          *store.Store
	bus            *events.Bus
	client         *http.Client
	baseURL        string
	connectivity   ConnectivitySource
	requestTimeout time.Duration
	settleDelay    time.Duration
	retryBackoff   *backoff
	logger         *zap.Logger

	mu      sync.Mutex
	running bool
	waiters []chan passResult
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	settleDelay := cfg.SettleDelay
	if settleDelay <= 0 {
		settleDelay = defaultSettleDelay
	}
	retryMin := cfg.RetryMinDelay
	if retryMin <= 0 {
		retryMin = defaultRetryMinDelay
	}
	retryMax := cfg.RetryMaxDelay
	if retryMax <= 0 {
		retryMax = defaultRetryMaxDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:          cfg.Store,
		bus:            cfg.Bus,
		client:         client,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		connectivity:   cfg.Connectivity,
		requestTimeout: requestTimeout,
		settleDelay:    settleDelay,
		retryBackoff:   newBackoff(retryMin, retryMax, retryMultiplier),
		logger:         logger,
	}, nil
}

// Start reacts to went-online edges (after a settle delay, since the network
// is often still flaky right at the transition) and keeps a jittered retry
// timer armed while a backlog remains. It returns when ctx is done;
// an in-flight request is abandoned at that point and ambiguous records keep
// their attempt counters unchanged.
func (e *Engine) Start(ctx context.Context) {
	onlineStream, cancel := e.bus.Subscribe(ctx, events.TypeWentOnline)
	go func() {
		defer cancel()
		retryTimer := time.NewTimer(time.Hour)
		stopTimer(retryTimer)
		defer retryTimer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-onlineStream:
				e.retryBackoff.Reset()
				if !sleepCtx(ctx, e.settleDelay) {
					return
				}
				e.runScheduled(ctx, retryTimer)
			case <-retryTimer.C:
				if e.connectivity != nil && e.connectivity.State() != connectivity.StateOnline {
					continue
				}
				e.runScheduled(ctx, retryTimer)
			}
		}
	}()
}

func (e *Engine) runScheduled(ctx context.Context, retryTimer *time.Timer) {
	if _, err := e.SyncNow(ctx); err != nil {
		e.logger.Warn("scheduled sync pass failed", zap.Error(err))
	}
	pending, err := e.store.CountPending(ctx)
	if err != nil {
		e.logger.Warn("backlog check failed", zap.Error(err))
		return
	}
	stopTimer(retryTimer)
	if pending > 0 {
		retryTimer.Reset(e.retryBackoff.Next())
	} else {
		e.retryBackoff.Reset()
	}
}

// SyncNow runs one sync pass, or joins the pass already in flight. Every
// caller receives the pass's report.
func (e *Engine) SyncNow(ctx context.Context) (Report, error) {
	e.mu.Lock()
	if e.running {
		waiter := make(chan passResult, 1)
		e.waiters = append(e.waiters, waiter)
		e.mu.Unlock()
		select {
		case result := <-waiter:
			return result.report, result.err
		case <-ctx.Done():
			return Report{}, ctx.Err()
		}
	}
	e.running = true
	e.mu.Unlock()

	report, err := e.runPass(ctx)

	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.running = false
	e.mu.Unlock()

	result := passResult{report: report, err: err}
	for _, waiter := range waiters {
		waiter <- result
	}

	if e.bus != nil {
		if err != nil {
			e.bus.Publish(events.Event{Type: events.TypeSyncFailed, Payload: err.Error()})
		} else {
			e.bus.Publish(events.Event{Type: events.TypeSyncComplete, Payload: report})
		}
	}

	return report, err
}

func (e *Engine) runPass(ctx context.Context) (Report, error) {
	start := time.Now()

	records, err := e.store.ListPending(ctx)
	if err != nil {
		metrics.SyncPasses.WithLabelValues("failed").Inc()
		return Report{}, err
	}

	report := Report{Total: len(records)}

	for index, record := range records {
		if ctx.Err() != nil {
			metrics.SyncPasses.WithLabelValues("failed").Inc()
			return report, ctx.Err()
		}

		replayOutcome, detail := e.replay(ctx, record)
		switch replayOutcome {
		case outcomeSuccess:
			if err := e.store.MarkSynced(ctx, record.ID); err != nil {
				metrics.SyncPasses.WithLabelValues("failed").Inc()
				return report, err
			}
			if err := e.store.DeletePending(ctx, record.ID); err != nil {
				metrics.SyncPasses.WithLabelValues("failed").Inc()
				return report, err
			}
			report.Synced++
			metrics.SubmissionsSynced.Inc()
		case outcomeRejected:
			if err := e.store.MarkRejected(ctx, record.ID, detail); err != nil {
				metrics.SyncPasses.WithLabelValues("failed").Inc()
				return report, err
			}
			report.Failed++
			report.Errors = append(report.Errors, detail)
			metrics.SubmissionsFailed.WithLabelValues("rejected").Inc()
			e.logger.Warn("submission rejected by server",
				zap.Int64("id", record.ID),
				zap.String("detail", detail))
		case outcomeTransient:
			if err := e.store.MarkTransientFailure(ctx, record.ID, detail); err != nil {
				metrics.SyncPasses.WithLabelValues("failed").Inc()
				return report, err
			}
			// A transient failure blocks the rest of the pass; everything
			// after this record counts as failed and is retried from the
			// earliest unsynced id next time.
			report.Failed += len(records) - index
			report.Errors = append(report.Errors, detail)
			metrics.SubmissionsFailed.WithLabelValues("transient").Inc()
			e.logger.Warn("transient failure, stopping pass",
				zap.Int64("id", record.ID),
				zap.String("detail", detail))
			e.finishPass(ctx, report, start)
			return report, nil
		case outcomeAborted:
			metrics.SyncPasses.WithLabelValues("failed").Inc()
			return report, ctx.Err()
		}
	}

	e.finishPass(ctx, report, start)
	return report, nil
}

func (e *Engine) finishPass(ctx context.Context, report Report, start time.Time) {
	metrics.PassDuration.Observe(time.Since(start).Seconds())
	metrics.SyncPasses.WithLabelValues(passResultLabel(report)).Inc()

	count, err := e.store.CountPending(ctx)
	if err == nil {
		metrics.PendingBacklog.Set(float64(count))
		if e.bus != nil && report.Synced > 0 {
			e.bus.Publish(events.Event{Type: events.TypePendingCountChanged, Payload: count})
		}
	}

	e.logger.Info("sync pass finished",
		zap.Int("total", report.Total),
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed))
}

func (e *Engine) replay(ctx context.Context, record store.PendingSubmission) (outcome, string) {
	requestCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, record.Method, e.resolveURL(record.EndpointURL), bytes.NewReader(record.Body))
	if err != nil {
		return outcomeRejected, fmt.Sprintf("request build failed: %v", err)
	}

	pairs, err := record.Headers()
	if err != nil {
		return outcomeRejected, fmt.Sprintf("header snapshot unreadable: %v", err)
	}
	for _, pair := range pairs {
		request.Header.Add(pair.Name, pair.Value)
	}

	response, err := e.client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			// Host shutdown, not a network verdict. The record stays
			// untouched.
			return outcomeAborted, ""
		}
		return outcomeTransient, fmt.Sprintf("transport failure: %v", err)
	}
	defer response.Body.Close()        //nolint:errcheck
	io.Copy(io.Discard, response.Body) //nolint:errcheck

	replayOutcome := classifyStatus(response.StatusCode)
	if replayOutcome == outcomeSuccess {
		return outcomeSuccess, ""
	}
	return replayOutcome, fmt.Sprintf("HTTP %d", response.StatusCode)
}

func (e *Engine) resolveURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if e.baseURL == "" {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return e.baseURL + endpoint
}

func passResultLabel(report Report) string {
	switch {
	case report.Total == 0:
		return "empty"
	case report.Failed == 0:
		return "clean"
	case report.Synced > 0:
		return "partial"
	default:
		return "failed"
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func sleepCtx(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
