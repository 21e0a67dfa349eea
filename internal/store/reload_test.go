package store

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestReopenKeepsPendingRecordsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	handle, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	bodies := []string{"A", "B", "C", "D", "E"}
	ids := make([]int64, 0, len(bodies))
	for _, body := range bodies {
		ids = append(ids, appendRecord(t, handle, body))
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	t.Cleanup(func() {
		reopened.Close() //nolint:errcheck
	})

	count, err := reopened.CountPending(context.Background())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != int64(len(bodies)) {
		t.Fatalf("expected %d records after reopen, got %d", len(bodies), count)
	}

	records, err := reopened.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for index, record := range records {
		if record.ID != ids[index] {
			t.Fatalf("record %d has id %d, want %d", index, record.ID, ids[index])
		}
		if string(record.Body) != bodies[index] {
			t.Fatalf("record %d carries body %q, want %q", index, record.Body, bodies[index])
		}
	}
}

func TestReopenPurgesCommittedLeftovers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	handle, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	committed := appendRecord(t, handle, "committed")
	kept := appendRecord(t, handle, "kept")

	// A crash between the synced-flag commit and the delete leaves this row
	// behind; reopen must not resurrect it.
	if err := handle.MarkSynced(context.Background(), committed); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	t.Cleanup(func() {
		reopened.Close() //nolint:errcheck
	})

	var leftovers int64
	if err := reopened.db.Model(&PendingSubmission{}).Where("id = ?", committed).Count(&leftovers).Error; err != nil {
		t.Fatalf("leftover lookup failed: %v", err)
	}
	if leftovers != 0 {
		t.Fatalf("committed leftover row survived reopen")
	}

	records, err := reopened.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != kept {
		t.Fatalf("expected only the unsynced record, got %+v", records)
	}
}
