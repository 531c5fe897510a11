package storage

import (
	"path/filepath"
	"testing"
	"time"

	"vpin_mm/internal/domain"
)

func setupTestDB(t *testing.T) *Storage {
	s, err := NewStorage(filepath.Join(t.TempDir(), "data", "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestCommandLifecycle(t *testing.T) {
	s := setupTestDB(t)

	rec := &domain.CommandRecord{
		ClOrdID:  "mm_bitmex_abc",
		Verb:     "POST",
		Path:     "/order",
		Symbol:   "XBTUSD",
		OrderQty: -25,
		Price:    10000.5,
		Status:   domain.CommandSent,
	}

	// 1. Create
	if err := s.RecordCommand(rec); err != nil {
		t.Fatalf("RecordCommand failed: %v", err)
	}

	pending, err := s.PendingCommands()
	if err != nil {
		t.Fatalf("PendingCommands failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending command, got %d", len(pending))
	}

	// 2. Update
	if err := s.UpdateCommandStatus("mm_bitmex_abc", domain.CommandRecovered, ""); err != nil {
		t.Fatalf("UpdateCommandStatus failed: %v", err)
	}

	// 3. Get
	fetched, err := s.GetCommand("mm_bitmex_abc")
	if err != nil {
		t.Fatalf("GetCommand failed: %v", err)
	}
	if fetched == nil {
		t.Fatal("fetched command is nil")
	}
	if fetched.Status != domain.CommandRecovered {
		t.Errorf("expected status %s, got %s", domain.CommandRecovered, fetched.Status)
	}
	if fetched.OrderQty != -25 || fetched.Price != 10000.5 {
		t.Errorf("unexpected order fields: %+v", fetched)
	}

	pending, _ = s.PendingCommands()
	if len(pending) != 0 {
		t.Errorf("expected no pending commands, got %d", len(pending))
	}
}

func TestUpdateUnknownCommand(t *testing.T) {
	s := setupTestDB(t)
	if err := s.UpdateCommandStatus("missing", domain.CommandOK, ""); err == nil {
		t.Error("expected error for unknown token")
	}
}

func TestGetCommandNotFound(t *testing.T) {
	s := setupTestDB(t)
	rec, err := s.GetCommand("missing")
	if err != nil {
		t.Fatalf("GetCommand failed: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil, got %+v", rec)
	}
}

func TestExecutions(t *testing.T) {
	s := setupTestDB(t)
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	for i := 0; i < 3; i++ {
		s.OnExecution(domain.ExecutionRecord{
			OrderID:    "o" + string(rune('1'+i)),
			Symbol:     "XBTUSD",
			Side:       domain.SideBuy,
			Qty:        float64(10 * (i + 1)),
			Price:      10000,
			ExecutedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	s.OnExecution(domain.ExecutionRecord{OrderID: "other", Symbol: "ETHUSD", ExecutedAt: base})

	recs, err := s.RecentExecutions("XBTUSD", 2)
	if err != nil {
		t.Fatalf("RecentExecutions failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(recs))
	}
	if recs[0].OrderID != "o3" || recs[1].OrderID != "o2" {
		t.Errorf("unexpected order: %s, %s", recs[0].OrderID, recs[1].OrderID)
	}
	if recs[0].Qty != 30 {
		t.Errorf("expected qty 30, got %v", recs[0].Qty)
	}
}
