// Package server exposes the queue's foreground-visible surface to local UI
// pages: enqueue and administrative routes over HTTP, events over WebSocket.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tdrlabs/attendance-offline/internal/connectivity"
	"github.com/tdrlabs/attendance-offline/internal/coordinator"
	"github.com/tdrlabs/attendance-offline/internal/queue"
	"github.com/tdrlabs/attendance-offline/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingQueue       = errors.New("server: queue dependency required")
	errMissingCoordinator = errors.New("server: coordinator dependency required")
	errMissingMonitor     = errors.New("server: connectivity monitor dependency required")
	errMissingBus         = errors.New("server: event bus dependency required")
)

// Dependencies wires the HTTP surface to the queue services.
type Dependencies struct {
	Queue       *queue.Queue
	Coordinator *coordinator.Coordinator
	Monitor     *connectivity.Monitor
	Bridge      *EventBridge
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router for the local surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Monitor == nil {
		return nil, errMissingMonitor
	}
	if deps.Bridge == nil {
		return nil, errMissingBus
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", queue.HeaderAttendanceToken},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		queue:       deps.Queue,
		coordinator: deps.Coordinator,
		monitor:     deps.Monitor,
		logger:      logger,
	}

	router.POST("/api/queue/submissions", handler.handleEnqueue)
	router.GET("/api/queue/submissions", handler.handleListPending)
	router.DELETE("/api/queue/submissions/:id", handler.handleDeletePending)
	router.GET("/api/queue/pending", handler.handlePendingCount)
	router.POST("/api/queue/sync", handler.handleSyncNow)

	router.PUT("/api/cache/:key", handler.handleCachePut)
	router.GET("/api/cache/:key", handler.handleCacheGet)
	router.DELETE("/api/cache", handler.handleCacheClear)

	router.GET("/api/connectivity", handler.handleConnectivityGet)
	router.POST("/api/connectivity", handler.handleConnectivitySet)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", deps.Bridge.handleSocket)

	return router, nil
}

type httpHandler struct {
	queue       *queue.Queue
	coordinator *coordinator.Coordinator
	monitor     *connectivity.Monitor
	logger      *zap.Logger
}

type enqueuePayload struct {
	EndpointURL    string                  `json:"endpoint_url"`
	Method         string                  `json:"method"`
	ClassID        string                  `json:"class_id"`
	Date           string                  `json:"date"`
	AttendanceData []queue.AttendanceEntry `json:"attendance_data"`
	IdempotencyKey string                  `json:"idempotency_key"`
	Body           json.RawMessage         `json:"body"`
}

// handleEnqueue accepts a submission from a page. The page's own credentials
// (Authorization, X-Attendance-Token) are snapshotted into the record here,
// at enqueue time.
func (h *httpHandler) handleEnqueue(c *gin.Context) {
	var payload enqueuePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	submission := queue.Submission{
		EndpointURL:    payload.EndpointURL,
		Method:         payload.Method,
		ClassID:        payload.ClassID,
		Date:           payload.Date,
		Entries:        payload.AttendanceData,
		IdempotencyKey: payload.IdempotencyKey,
		RawBody:        payload.Body,
		ExtraHeaders:   capturePageHeaders(c.Request),
	}

	receipt, err := h.queue.Enqueue(c.Request.Context(), submission)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, receipt)
	case errors.Is(err, queue.ErrInvalidMethod), errors.Is(err, queue.ErrEmptyBody):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_submission"})
	case errors.Is(err, store.ErrStoreUnavailable):
		h.logger.Error("enqueue refused, store unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
	default:
		h.logger.Error("enqueue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
	}
}

func capturePageHeaders(request *http.Request) []store.HeaderPair {
	var pairs []store.HeaderPair
	for _, name := range []string{queue.HeaderAuthorization, queue.HeaderAttendanceToken} {
		if value := request.Header.Get(name); value != "" {
			pairs = append(pairs, store.HeaderPair{Name: name, Value: value})
		}
	}
	return pairs
}

type pendingItem struct {
	ID          int64  `json:"id"`
	CreatedAt   int64  `json:"created_at"`
	EndpointURL string `json:"endpoint_url"`
	Method      string `json:"method"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
}

// handleListPending deliberately omits header snapshots from the response;
// they carry credentials.
func (h *httpHandler) handleListPending(c *gin.Context) {
	records, err := h.queue.ListPending(c.Request.Context())
	if err != nil {
		h.logger.Error("list pending failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	items := make([]pendingItem, 0, len(records))
	for _, record := range records {
		items = append(items, pendingItem{
			ID:          record.ID,
			CreatedAt:   record.CreatedAtSeconds,
			EndpointURL: record.EndpointURL,
			Method:      record.Method,
			Attempts:    record.Attempts,
			LastError:   record.LastError,
		})
	}
	c.JSON(http.StatusOK, gin.H{"submissions": items})
}

func (h *httpHandler) handleDeletePending(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}
	if err := h.queue.DeletePending(c.Request.Context(), id); err != nil {
		h.logger.Error("delete pending failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePendingCount(c *gin.Context) {
	count, err := h.coordinator.CheckPending(c.Request.Context())
	if err != nil {
		h.respondCoordinatorError(c, err, "check-pending")
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *httpHandler) handleSyncNow(c *gin.Context) {
	report, err := h.coordinator.SyncNow(c.Request.Context())
	if err != nil {
		h.respondCoordinatorError(c, err, "sync-now")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleCachePut(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.queue.CachePut(c.Request.Context(), c.Param("key"), data); err != nil {
		h.logger.Error("cache put failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCacheGet(c *gin.Context) {
	data, err := h.queue.CacheGet(c.Request.Context(), c.Param("key"))
	if errors.Is(err, store.ErrCacheMiss) {
		c.JSON(http.StatusNotFound, gin.H{"error": "cache_miss"})
		return
	}
	if err != nil {
		h.logger.Error("cache get failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (h *httpHandler) handleCacheClear(c *gin.Context) {
	if err := h.coordinator.ClearCache(c.Request.Context()); err != nil {
		h.respondCoordinatorError(c, err, "clear-cache")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleConnectivityGet(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.CurrentSnapshot())
}

type connectivityPayload struct {
	Online *bool `json:"online"`
}

// handleConnectivitySet lets hosts with their own online/offline signal push
// it into the monitor; it still goes through the normal debounce.
func (h *httpHandler) handleConnectivitySet(c *gin.Context) {
	var payload connectivityPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.monitor.SetOnline(*payload.Online)
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) respondCoordinatorError(c *gin.Context, err error, operation string) {
	if errors.Is(err, coordinator.ErrTimeout) {
		h.logger.Warn("coordinator timeout", zap.String("operation", operation))
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "coordinator_timeout"})
		return
	}
	if errors.Is(err, store.ErrStoreUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	h.logger.Error("coordinator request failed", zap.String("operation", operation), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "request_failed"})
}
