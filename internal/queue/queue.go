// Package queue is the foreground API of the offline attendance queue. It
// converts caller-level submissions into durable pending records; it never
// talks to the network itself.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tdrlabs/attendance-offline/internal/events"
	"github.com/tdrlabs/attendance-offline/internal/metrics"
	"github.com/tdrlabs/attendance-offline/internal/store"
	"go.uber.org/zap"
)

// DefaultEndpoint is the attendance save endpoint used when a submission does
// not name one.
const DefaultEndpoint = "/api/attendance/save"

var (
	errMissingStore = errors.New("queue: durable store is required")
	errMissingBus   = errors.New("queue: event bus is required")
	// ErrEmptyBody rejects submissions that carry neither a raw body nor
	// attendance entries.
	ErrEmptyBody = errors.New("queue: submission carries no payload")
	// ErrInvalidMethod rejects anything other than POST or PUT.
	ErrInvalidMethod = errors.New("queue: method must be POST or PUT")
)

// AttendanceEntry is one student's attendance mark inside a submission.
type AttendanceEntry struct {
	StudentID string `json:"student_id"`
	Status    string `json:"status"`
	Notes     string `json:"notes,omitempty"`
}

// Submission is the caller-level input to Enqueue. Either RawBody carries a
// pre-serialized payload used verbatim, or the structured fields are
// serialized into the canonical shape.
type Submission struct {
	EndpointURL    string
	Method         string
	ClassID        string
	Date           string
	Entries        []AttendanceEntry
	IdempotencyKey string
	RawBody        []byte
	ExtraHeaders   []store.HeaderPair
}

// canonicalBody is the one accepted wire shape. Legacy singular
// studentId/status payloads are not produced or accepted.
type canonicalBody struct {
	ClassID        string            `json:"class_id"`
	Date           string            `json:"date"`
	AttendanceData []AttendanceEntry `json:"attendance_data"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// Receipt identifies a queued submission to the caller.
type Receipt struct {
	ID           int64     `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	TokenWarning string    `json:"token_warning,omitempty"`
}

// ServiceConfig configures the queue.
type ServiceConfig struct {
	Store           *store.Store
	Bus             *events.Bus
	Tokens          TokenSource
	DefaultEndpoint string
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Queue accepts submissions and persists them. Enqueue calls are serialized
// in invocation order.
type Queue struct {
	store    *store.Store
	bus      *events.Bus
	tokens   TokenSource
	endpoint string
	clock    func() time.Time
	logger   *zap.Logger

	mu sync.Mutex
}

// New constructs a Queue.
func New(cfg ServiceConfig) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	endpoint := cfg.DefaultEndpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:    cfg.Store,
		bus:      cfg.Bus,
		tokens:   cfg.Tokens,
		endpoint: endpoint,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Enqueue persists the submission with headers captured now and returns its
// receipt. The record is visible to CountPending before this call returns.
// A missing or expired security token is reported as a warning on the
// receipt and on the bus; the record is enqueued regardless.
func (q *Queue) Enqueue(ctx context.Context, submission Submission) (Receipt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	endpoint := submission.EndpointURL
	if endpoint == "" {
		endpoint = q.endpoint
	}
	method := strings.ToUpper(strings.TrimSpace(submission.Method))
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodPost && method != http.MethodPut {
		return Receipt{}, fmt.Errorf("%w: %s", ErrInvalidMethod, method)
	}

	body, err := q.buildBody(submission)
	if err != nil {
		return Receipt{}, err
	}

	headers := []store.HeaderPair{{Name: "Content-Type", Value: "application/json"}}
	if q.tokens != nil {
		headers = append(headers, q.tokens.Snapshot()...)
	}
	headers = append(headers, submission.ExtraHeaders...)

	now := q.clock().UTC()
	record := store.PendingSubmission{
		CreatedAtSeconds: now.Unix(),
		EndpointURL:      endpoint,
		Method:           method,
		Body:             body,
	}
	if err := record.SetHeaders(headers); err != nil {
		return Receipt{}, err
	}

	id, err := q.store.AppendPending(ctx, &record)
	if err != nil {
		return Receipt{}, err
	}
	metrics.SubmissionsEnqueued.Inc()
	q.publishPendingCount(ctx)

	receipt := Receipt{ID: id, CreatedAt: now}
	if status, message := inspectToken(headers, now); status != TokenStatusPresent {
		receipt.TokenWarning = message
		q.logger.Warn("security token warning on enqueue",
			zap.Int64("id", id),
			zap.String("status", string(status)))
		q.bus.Publish(events.Event{Type: events.TypeTokenWarning, Payload: message})
	}

	q.logger.Info("submission enqueued",
		zap.Int64("id", id),
		zap.String("endpoint", endpoint),
		zap.String("method", method))

	return receipt, nil
}

func (q *Queue) buildBody(submission Submission) ([]byte, error) {
	if len(submission.RawBody) > 0 {
		return submission.RawBody, nil
	}
	if len(submission.Entries) == 0 {
		return nil, ErrEmptyBody
	}
	key := submission.IdempotencyKey
	if key == "" {
		value, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		key = value.String()
	}
	return json.Marshal(canonicalBody{
		ClassID:        submission.ClassID,
		Date:           submission.Date,
		AttendanceData: submission.Entries,
		IdempotencyKey: key,
	})
}

// CountPending reports the number of unsynced submissions.
func (q *Queue) CountPending(ctx context.Context) (int64, error) {
	return q.store.CountPending(ctx)
}

// ListPending returns the unsynced submissions in enqueue order.
func (q *Queue) ListPending(ctx context.Context) ([]store.PendingSubmission, error) {
	return q.store.ListPending(ctx)
}

// DeletePending discards one queued submission, typically after an operator
// inspected a deterministic rejection.
func (q *Queue) DeletePending(ctx context.Context, id int64) error {
	if err := q.store.DeletePending(ctx, id); err != nil {
		return err
	}
	q.publishPendingCount(ctx)
	return nil
}

// CachePut stores reference data for offline read-through.
func (q *Queue) CachePut(ctx context.Context, key string, data []byte) error {
	return q.store.CachePut(ctx, key, data, q.clock())
}

// CacheGet returns cached reference data, or store.ErrCacheMiss.
func (q *Queue) CacheGet(ctx context.Context, key string) ([]byte, error) {
	return q.store.CacheGet(ctx, key)
}

// CacheDelete removes one cache entry.
func (q *Queue) CacheDelete(ctx context.Context, key string) error {
	return q.store.CacheDelete(ctx, key)
}

func (q *Queue) publishPendingCount(ctx context.Context) {
	count, err := q.store.CountPending(ctx)
	if err != nil {
		q.logger.Warn("pending count refresh failed", zap.Error(err))
		return
	}
	metrics.PendingBacklog.Set(float64(count))
	q.bus.Publish(events.Event{Type: events.TypePendingCountChanged, Payload: count})
}
