package syncer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tdrlabs/attendance-offline/internal/events"
	"github.com/tdrlabs/attendance-offline/internal/store"
	"go.uber.org/zap"
)

type recordingServer struct {
	mu       sync.Mutex
	bodies   []string
	headers  []http.Header
	statuses []int
	served   int
	gate     chan struct{}
}

func (s *recordingServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.gate != nil {
			<-s.gate
		}
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		s.bodies = append(s.bodies, string(body))
		s.headers = append(s.headers, r.Header.Clone())
		status := http.StatusOK
		if s.served < len(s.statuses) {
			status = s.statuses[s.served]
		}
		s.served++
		s.mu.Unlock()

		w.WriteHeader(status)
	}
}

func (s *recordingServer) receivedBodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func newEngineFixture(t *testing.T, statuses []int) (*Engine, *store.Store, *events.Bus, *recordingServer) {
	t.Helper()
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	handle, err := store.Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		handle.Close() //nolint:errcheck
	})

	recorder := &recordingServer{statuses: statuses}
	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)

	bus := events.NewBus()
	engine, err := NewEngine(EngineConfig{
		Store:   handle,
		Bus:     bus,
		BaseURL: server.URL,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return engine, handle, bus, recorder
}

func appendPending(t *testing.T, handle *store.Store, body string) int64 {
	t.Helper()
	record := store.PendingSubmission{
		CreatedAtSeconds: time.Now().UTC().Unix(),
		EndpointURL:      "/api/attendance/save",
		Method:           "POST",
		Body:             []byte(body),
	}
	if err := record.SetHeaders([]store.HeaderPair{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Authorization", Value: "Bearer token-1"},
	}); err != nil {
		t.Fatalf("set headers failed: %v", err)
	}
	id, err := handle.AppendPending(context.Background(), &record)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return id
}

func TestSyncPassDrainsInEnqueueOrder(t *testing.T) {
	engine, handle, _, recorder := newEngineFixture(t, nil)

	appendPending(t, handle, "A")
	appendPending(t, handle, "B")
	appendPending(t, handle, "C")

	report, err := engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Total != 3 || report.Synced != 3 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	bodies := recorder.receivedBodies()
	if len(bodies) != 3 || bodies[0] != "A" || bodies[1] != "B" || bodies[2] != "C" {
		t.Fatalf("server saw bodies out of order: %v", bodies)
	}

	count, err := handle.CountPending(context.Background())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty backlog, got %d", count)
	}
}

func TestReplayCarriesCapturedHeaders(t *testing.T) {
	engine, handle, _, recorder := newEngineFixture(t, nil)

	appendPending(t, handle, "A")
	if _, err := engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if got := recorder.headers[0].Get("Authorization"); got != "Bearer token-1" {
		t.Fatalf("expected captured token on replay, got %q", got)
	}
}

func TestDeterministicRejectionDoesNotBlockPass(t *testing.T) {
	engine, handle, _, _ := newEngineFixture(t, []int{http.StatusBadRequest, http.StatusOK})

	rejectedID := appendPending(t, handle, "A")
	appendPending(t, handle, "B")

	report, err := engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Total != 2 || report.Synced != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Total != report.Synced+report.Failed {
		t.Fatalf("report does not balance: %+v", report)
	}

	records, err := handle.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != rejectedID {
		t.Fatalf("expected only the rejected record to remain: %+v", records)
	}
	if records[0].LastError != "HTTP 400" {
		t.Fatalf("expected last_error HTTP 400, got %q", records[0].LastError)
	}
	if records[0].Attempts != 0 {
		t.Fatalf("deterministic rejection must not bump attempts: %d", records[0].Attempts)
	}
}

func TestRejectionRemainsAcrossPassesUntilDeleted(t *testing.T) {
	engine, handle, _, _ := newEngineFixture(t, []int{http.StatusBadRequest, http.StatusBadRequest})

	id := appendPending(t, handle, "A")

	if _, err := engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	report, err := engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if report.Failed < 1 {
		t.Fatalf("expected the 4xx to be attempted and fail again: %+v", report)
	}

	if err := handle.DeletePending(context.Background(), id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	count, err := handle.CountPending(context.Background())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty backlog after explicit delete, got %d", count)
	}
}

func TestTransientFailureStopsPass(t *testing.T) {
	engine, handle, _, recorder := newEngineFixture(t, []int{http.StatusServiceUnavailable})

	first := appendPending(t, handle, "A")
	appendPending(t, handle, "B")
	appendPending(t, handle, "C")

	report, err := engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Total != 3 || report.Synced != 0 || report.Failed != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if got := len(recorder.receivedBodies()); got != 1 {
		t.Fatalf("pass must stop after the transient failure, server saw %d requests", got)
	}

	records, err := handle.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected all records retained, got %d", len(records))
	}
	if records[0].ID != first || records[0].Attempts != 1 {
		t.Fatalf("expected attempts=1 on the blocked record: %+v", records[0])
	}
	if records[1].Attempts != 0 || records[2].Attempts != 0 {
		t.Fatalf("unattempted records must stay untouched: %+v", records[1:])
	}
}

func TestTransientThenSuccessOnNextPass(t *testing.T) {
	engine, handle, _, _ := newEngineFixture(t, []int{http.StatusServiceUnavailable, http.StatusOK})

	appendPending(t, handle, "A")

	first, err := engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if first.Failed != 1 {
		t.Fatalf("expected a failed first pass: %+v", first)
	}

	second, err := engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if second.Synced != 1 || second.Failed != 0 {
		t.Fatalf("expected a clean second pass: %+v", second)
	}

	count, err := handle.CountPending(context.Background())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty backlog, got %d", count)
	}
}

func TestRequestDeadlineTreatedAsTransient(t *testing.T) {
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	handle, err := store.Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		handle.Close() //nolint:errcheck
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	t.Cleanup(server.Close)

	engine, err := NewEngine(EngineConfig{
		Store:          handle,
		Bus:            events.NewBus(),
		BaseURL:        server.URL,
		RequestTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	appendPending(t, handle, "A")

	report, err := engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("expected deadline expiry to count as transient failure: %+v", report)
	}

	records, err := handle.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if records[0].Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", records[0].Attempts)
	}
}

func TestConcurrentSyncNowCoalesces(t *testing.T) {
	engine, handle, _, recorder := newEngineFixture(t, nil)
	recorder.gate = make(chan struct{})

	appendPending(t, handle, "A")
	appendPending(t, handle, "B")
	appendPending(t, handle, "C")

	type syncResult struct {
		report Report
		err    error
	}
	results := make(chan syncResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			report, err := engine.SyncNow(context.Background())
			results <- syncResult{report: report, err: err}
		}()
	}

	// Both callers are now either running the pass or waiting on it; release
	// the server.
	time.Sleep(100 * time.Millisecond)
	close(recorder.gate)

	for i := 0; i < 2; i++ {
		select {
		case result := <-results:
			if result.err != nil {
				t.Fatalf("sync failed: %v", result.err)
			}
			if result.report.Total != 3 || result.report.Synced != 3 {
				t.Fatalf("unexpected report: %+v", result.report)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for coalesced reports")
		}
	}

	if got := len(recorder.receivedBodies()); got != 3 {
		t.Fatalf("server must see each record exactly once, saw %d requests", got)
	}
}

func TestSyncCompleteEventCarriesReport(t *testing.T) {
	engine, handle, bus, _ := newEngineFixture(t, nil)
	stream, cancel := bus.Subscribe(context.Background(), events.TypeSyncComplete)
	defer cancel()

	appendPending(t, handle, "A")
	if _, err := engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	select {
	case event := <-stream:
		report, ok := event.Payload.(Report)
		if !ok {
			t.Fatalf("unexpected payload type %T", event.Payload)
		}
		if report.Synced != 1 {
			t.Fatalf("unexpected report on bus: %+v", report)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected sync-complete event")
	}
}

func TestOnlineEdgeTriggersPassAfterSettle(t *testing.T) {
	engine, handle, bus, _ := newEngineFixture(t, nil)
	engine.settleDelay = 20 * time.Millisecond

	appendPending(t, handle, "A")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	engine.Start(ctx)

	reports, cancel := bus.Subscribe(ctx, events.TypeSyncComplete)
	defer cancel()

	bus.Publish(events.Event{Type: events.TypeWentOnline})

	select {
	case event := <-reports:
		report := event.Payload.(Report)
		if report.Synced != 1 {
			t.Fatalf("unexpected report: %+v", report)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("online edge did not trigger a sync pass")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code int
		want outcome
	}{
		{200, outcomeSuccess},
		{201, outcomeSuccess},
		{204, outcomeSuccess},
		{400, outcomeRejected},
		{401, outcomeRejected},
		{403, outcomeRejected},
		{404, outcomeRejected},
		{408, outcomeTransient},
		{429, outcomeTransient},
		{500, outcomeTransient},
		{502, outcomeTransient},
		{503, outcomeTransient},
	}
	for _, testCase := range cases {
		if got := classifyStatus(testCase.code); got != testCase.want {
			t.Fatalf("classifyStatus(%d) = %v, want %v", testCase.code, got, testCase.want)
		}
	}
}
