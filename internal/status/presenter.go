// Package status translates queue and connectivity events into user-facing
// notifications. It holds no authoritative state of its own.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/tdrlabs/attendance-offline/internal/events"
	"github.com/tdrlabs/attendance-offline/internal/syncer"
	"go.uber.org/zap"
)

// Severity grades a toast notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

var (
	errMissingBus   = errors.New("status: event bus is required")
	errMissingToast = errors.New("status: toast sink is required")
)

// ToastSink receives user-facing notifications.
type ToastSink interface {
	Push(title, message string, severity Severity)
}

// SyncRequester triggers a sync pass when connectivity returns with a
// backlog. The resulting report arrives back through the bus.
type SyncRequester interface {
	SyncNow(ctx context.Context) (syncer.Report, error)
}

// PendingCounter answers backlog size queries.
type PendingCounter interface {
	CountPending(ctx context.Context) (int64, error)
}

// Config configures a Presenter.
type Config struct {
	Bus     *events.Bus
	Toasts  ToastSink
	Badge   func(count int64)
	Sync    SyncRequester
	Pending PendingCounter
	Logger  *zap.Logger
}

// Presenter subscribes to the bus and drives the toast sink and count badge.
type Presenter struct {
	bus     *events.Bus
	toasts  ToastSink
	badge   func(count int64)
	sync    SyncRequester
	pending PendingCounter
	logger  *zap.Logger
}

// New constructs a Presenter.
func New(cfg Config) (*Presenter, error) {
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	if cfg.Toasts == nil {
		return nil, errMissingToast
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presenter{
		bus:     cfg.Bus,
		toasts:  cfg.Toasts,
		badge:   cfg.Badge,
		sync:    cfg.Sync,
		pending: cfg.Pending,
		logger:  logger,
	}, nil
}

// Start consumes bus events until ctx is done.
func (p *Presenter) Start(ctx context.Context) {
	stream, cancel := p.bus.Subscribe(ctx,
		events.TypeWentOnline,
		events.TypeWentOffline,
		events.TypePendingCountChanged,
		events.TypeSyncComplete,
		events.TypeSyncFailed,
		events.TypeTokenWarning,
	)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-stream:
				p.handle(ctx, event)
			}
		}
	}()
}

func (p *Presenter) handle(ctx context.Context, event events.Event) {
	switch event.Type {
	case events.TypeWentOffline:
		p.toasts.Push("Offline", "You are offline. Changes will be saved locally.", SeverityWarning)
	case events.TypeWentOnline:
		p.handleOnline(ctx)
	case events.TypePendingCountChanged:
		if count, ok := event.Payload.(int64); ok && p.badge != nil {
			p.badge(count)
		}
	case events.TypeSyncComplete:
		if report, ok := event.Payload.(syncer.Report); ok {
			p.presentReport(report)
		}
	case events.TypeSyncFailed:
		message, _ := event.Payload.(string)
		if message == "" {
			message = "Sync failed."
		}
		p.toasts.Push("Sync", message, SeverityError)
	case events.TypeTokenWarning:
		if message, ok := event.Payload.(string); ok {
			p.toasts.Push("Sync", message, SeverityWarning)
		}
	}
}

func (p *Presenter) handleOnline(ctx context.Context) {
	if p.pending == nil {
		return
	}
	count, err := p.pending.CountPending(ctx)
	if err != nil {
		p.logger.Warn("pending count lookup failed", zap.Error(err))
		return
	}
	if count == 0 {
		return
	}
	p.toasts.Push("Sync", "Syncing offline data…", SeverityInfo)
	if p.sync != nil {
		go func() {
			// The report comes back as a sync-complete event; this trigger
			// only has to fire the pass.
			if _, err := p.sync.SyncNow(ctx); err != nil {
				p.logger.Warn("online-edge sync request failed", zap.Error(err))
			}
		}()
	}
}

func (p *Presenter) presentReport(report syncer.Report) {
	switch {
	case report.Total == 0:
		p.toasts.Push("Sync", "No pending records.", SeverityInfo)
	case report.Failed == 0:
		p.toasts.Push("Sync", fmt.Sprintf("Synced %d offline record(s).", report.Synced), SeveritySuccess)
	case report.Synced > 0:
		p.toasts.Push("Sync",
			fmt.Sprintf("Synced %d of %d records; %d failed.", report.Synced, report.Total, report.Failed),
			SeverityWarning)
	default:
		message := "All pending records failed to sync."
		if len(report.Errors) > 0 {
			message = report.Errors[0]
		}
		p.toasts.Push("Sync", message, SeverityError)
	}
}
