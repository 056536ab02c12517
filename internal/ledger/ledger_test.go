// internal/ledger/ledger_test.go
package ledger

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"easypaybackend/internal/pricing"
)

func setupTestDB(t *testing.T) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "ledger_test.db")
	if err := InitDB(dbPath); err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}
	if err := CreateTables(); err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}
	t.Cleanup(func() {
		if err := CloseDB(); err != nil {
			t.Logf("Failed to close test database: %v", err)
		}
	})
}

func testRecord(channel, plate, invoice string) *RequestRecord {
	return &RequestRecord{
		ChannelID:   channel,
		PlanKind:    pricing.KindDirect,
		Plate:       plate,
		Invoice:     invoice,
		Fingerprint: Fingerprint(channel, pricing.KindDirect, plate, invoice),
		AmountTotal: 113.25,
	}
}

func TestFingerprint(t *testing.T) {
	t.Run("Deterministic", func(t *testing.T) {
		a := Fingerprint("12345", pricing.KindDirect, "AB123", "T12345678")
		b := Fingerprint("12345", pricing.KindDirect, "AB123", "T12345678")
		if a != b {
			t.Errorf("Fingerprint not deterministic: %s vs %s", a, b)
		}
		if a != "G:12345:p1:AB123:T12345678" {
			t.Errorf("Unexpected fingerprint format: %s", a)
		}
	})

	t.Run("PlanChangesFingerprint", func(t *testing.T) {
		p1 := Fingerprint("12345", pricing.KindDirect, "AB123", "T12345678")
		p2 := Fingerprint("12345", pricing.KindDiscount, "AB123", "T12345678")
		if p1 == p2 {
			t.Error("Different plans must produce different fingerprints")
		}
		if p2 != "G:12345:p2:AB123:T12345678" {
			t.Errorf("Unexpected discount fingerprint: %s", p2)
		}
	})
}

func TestCreateOrGetExisting(t *testing.T) {
	setupTestDB(t)

	t.Run("FirstClaimWins", func(t *testing.T) {
		rec := testRecord("100", "AB123", "T00000001")
		created, existing, err := CreateOrGetExisting(rec)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !created || existing != nil {
			t.Fatalf("Expected fresh creation, got created=%v existing=%v", created, existing)
		}
		if rec.RequestID == "" {
			t.Error("RequestID was not assigned")
		}
		if rec.Status != StatusCreating {
			t.Errorf("Expected status %s, got %s", StatusCreating, rec.Status)
		}
	})

	t.Run("SecondClaimReturnsExisting", func(t *testing.T) {
		first := testRecord("100", "CD456", "T00000002")
		if _, _, err := CreateOrGetExisting(first); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		second := testRecord("100", "CD456", "T00000002")
		created, existing, err := CreateOrGetExisting(second)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if created {
			t.Error("Duplicate claim must not create a second row")
		}
		if existing == nil || existing.RequestID != first.RequestID {
			t.Errorf("Expected existing request %s, got %+v", first.RequestID, existing)
		}
	})

	t.Run("ConcurrentClaimsCreateExactlyOne", func(t *testing.T) {
		const racers = 10
		var (
			wg          sync.WaitGroup
			mu          sync.Mutex
			createdRows int
			requestIDs  = map[string]bool{}
		)

		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := testRecord("100", "EF789", "T00000003")
				created, existing, err := CreateOrGetExisting(rec)
				if err != nil {
					t.Errorf("Concurrent claim failed: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if created {
					createdRows++
					requestIDs[rec.RequestID] = true
				} else if existing != nil {
					requestIDs[existing.RequestID] = true
				}
			}()
		}
		wg.Wait()

		if createdRows != 1 {
			t.Errorf("Expected exactly 1 creation, got %d", createdRows)
		}
		if len(requestIDs) != 1 {
			t.Errorf("All racers should converge on one request, saw %d", len(requestIDs))
		}
	})

	t.Run("DeclinedReleasesFingerprint", func(t *testing.T) {
		rec := testRecord("100", "GH012", "T00000004")
		if _, _, err := CreateOrGetExisting(rec); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if err := SetDeclined(rec.RequestID); err != nil {
			t.Fatalf("SetDeclined failed: %v", err)
		}

		retry := testRecord("100", "GH012", "T00000004")
		created, _, err := CreateOrGetExisting(retry)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !created {
			t.Error("Declined request should release its fingerprint for a retry")
		}
	})
}

func TestLifecycle(t *testing.T) {
	setupTestDB(t)

	t.Run("PendingThenCompleted", func(t *testing.T) {
		rec := testRecord("200", "AB123", "T00000010")
		if _, _, err := CreateOrGetExisting(rec); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if err := SetPending(rec.RequestID, "cs_test_123", "https://pay.example/cs_test_123"); err != nil {
			t.Fatalf("SetPending failed: %v", err)
		}

		got, _, err := GetByID(rec.RequestID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Status != StatusPending || got.SessionID != "cs_test_123" {
			t.Errorf("Unexpected state after SetPending: %+v", got)
		}

		done, already, err := SetCompletedBySession("cs_test_123")
		if err != nil {
			t.Fatalf("SetCompletedBySession failed: %v", err)
		}
		if already {
			t.Error("First completion must not report already")
		}
		if done.Status != StatusCompleted || done.CompletedAt == nil {
			t.Errorf("Unexpected completed record: %+v", done)
		}
	})

	t.Run("CompletionIsIdempotent", func(t *testing.T) {
		rec := testRecord("200", "CD456", "T00000011")
		if _, _, err := CreateOrGetExisting(rec); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if err := SetPending(rec.RequestID, "cs_test_456", "https://pay.example/cs_test_456"); err != nil {
			t.Fatalf("SetPending failed: %v", err)
		}

		if _, _, err := SetCompletedBySession("cs_test_456"); err != nil {
			t.Fatalf("First completion failed: %v", err)
		}
		done, already, err := SetCompletedBySession("cs_test_456")
		if err != nil {
			t.Fatalf("Second completion failed: %v", err)
		}
		if !already {
			t.Error("Second completion must report already")
		}
		if done.Status != StatusCompleted {
			t.Errorf("Status changed unexpectedly: %s", done.Status)
		}
	})

	t.Run("UnknownSessionIsNotFound", func(t *testing.T) {
		_, _, err := SetCompletedBySession("cs_missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("FallbackCompletionPicksNewestActive", func(t *testing.T) {
		rec := testRecord("200", "EF789", "T00000012")
		if _, _, err := CreateOrGetExisting(rec); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		// Session id was never persisted (crash before SetPending).
		done, err := SetCompletedFallback(rec.Fingerprint, "cs_recovered_789")
		if err != nil {
			t.Fatalf("SetCompletedFallback failed: %v", err)
		}
		if done.RequestID != rec.RequestID {
			t.Errorf("Fallback resolved the wrong request: %s", done.RequestID)
		}
		if done.Status != StatusCompleted || done.SessionID != "cs_recovered_789" {
			t.Errorf("Unexpected record after fallback: %+v", done)
		}
	})

	t.Run("DeclinedIsTerminal", func(t *testing.T) {
		rec := testRecord("200", "IJ345", "T00000014")
		if _, _, err := CreateOrGetExisting(rec); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if err := SetPending(rec.RequestID, "cs_test_789", "https://pay.example/cs_test_789"); err != nil {
			t.Fatalf("SetPending failed: %v", err)
		}
		if err := SetDeclined(rec.RequestID); err != nil {
			t.Fatalf("SetDeclined failed: %v", err)
		}

		// A late payment signal for the declined session must not flip it.
		done, already, err := SetCompletedBySession("cs_test_789")
		if err != nil {
			t.Fatalf("SetCompletedBySession failed: %v", err)
		}
		if !already {
			t.Error("Completing a declined request must read as a no-op")
		}
		if done.Status != StatusDeclined {
			t.Errorf("Expected declined, got %s", done.Status)
		}

		got, _, err := GetByID(rec.RequestID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Status != StatusDeclined {
			t.Errorf("Declined request transitioned to %s", got.Status)
		}
	})

	t.Run("DeclineCompletedFails", func(t *testing.T) {
		rec := testRecord("200", "GH012", "T00000013")
		if _, _, err := CreateOrGetExisting(rec); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if _, err := SetCompletedFallback(rec.Fingerprint, "cs_done_013"); err != nil {
			t.Fatalf("Completion failed: %v", err)
		}
		if err := SetDeclined(rec.RequestID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Declining a completed request should fail, got %v", err)
		}
	})
}

func TestListing(t *testing.T) {
	setupTestDB(t)

	t.Run("ListRecentNewestFirst", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			rec := testRecord("300", fmt.Sprintf("AB%03d", i), fmt.Sprintf("T0000010%d", i))
			if _, _, err := CreateOrGetExisting(rec); err != nil {
				t.Fatalf("Insert %d failed: %v", i, err)
			}
			// RFC3339 second precision needs distinct timestamps for ordering.
			stamp := formatTime(time.Now().Add(time.Duration(i) * time.Second))
			if _, err := ExecDB(`UPDATE payment_requests SET created_at = ? WHERE request_id = ?`,
				stamp, rec.RequestID); err != nil {
				t.Fatalf("Timestamp adjustment failed: %v", err)
			}
		}

		records, err := ListRecent("300", 10)
		if err != nil {
			t.Fatalf("ListRecent failed: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("Expected 3 records, got %d", len(records))
		}
		if records[0].Plate != "AB002" || records[2].Plate != "AB000" {
			t.Errorf("Records not newest first: %s ... %s", records[0].Plate, records[2].Plate)
		}
	})

	t.Run("ListRecentScopedToChannel", func(t *testing.T) {
		other := testRecord("301", "ZZ999", "T00000200")
		if _, _, err := CreateOrGetExisting(other); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		records, err := ListRecent("301", 10)
		if err != nil {
			t.Fatalf("ListRecent failed: %v", err)
		}
		if len(records) != 1 || records[0].ChannelID != "301" {
			t.Errorf("Channel scoping broken: %+v", records)
		}
	})

	t.Run("ExpireStaleReleasesOldCreating", func(t *testing.T) {
		rec := testRecord("302", "ST123", "T00000300")
		if _, _, err := CreateOrGetExisting(rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		old := formatTime(time.Now().Add(-time.Hour))
		if _, err := ExecDB(`UPDATE payment_requests SET created_at = ? WHERE request_id = ?`,
			old, rec.RequestID); err != nil {
			t.Fatalf("Timestamp adjustment failed: %v", err)
		}

		n, err := ExpireStale(30 * time.Minute)
		if err != nil {
			t.Fatalf("ExpireStale failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 expired request, got %d", n)
		}

		got, _, err := GetByID(rec.RequestID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Status != StatusDeclined {
			t.Errorf("Stale request should be declined, got %s", got.Status)
		}
	})
}
