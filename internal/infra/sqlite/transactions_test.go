package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/groupfinance/txengine/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "txengine.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, db *DB, owner string, offset time.Duration, mutate ...func(*domain.Transaction)) *domain.Transaction {
	t.Helper()
	created := base.Add(offset)
	tx := &domain.Transaction{
		Kind:        domain.KindOrdinary,
		Amount:      decimal.NewFromInt(500),
		Description: "monthly contribution",
		Category:    domain.CategoryContribution,
		Status:      domain.StatusPending,
		PayeeHandle: "254712345678",
		CreatedAt:   created,
		UpdatedAt:   created,
		OwnerID:     owner,
	}
	for _, m := range mutate {
		m(tx)
	}
	if err := db.Create(context.Background(), tx); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return tx
}

// ═══════════════════════════════════════════════════════════════════════════
// Transaction Store Tests
// ═══════════════════════════════════════════════════════════════════════════

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "txengine.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	tx := seed(t, db, "alice", 0)
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer db.Close()
	if _, err := db.Get(context.Background(), tx.ID); err != nil {
		t.Errorf("Get() after reopen error: %v", err)
	}
}

func TestCreateGet_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	amount, _ := decimal.NewFromString("1250.75")
	tx := seed(t, db, "alice", 0, func(tx *domain.Transaction) { tx.Amount = amount })

	if tx.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}
	got, err := db.Get(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !got.Amount.Equal(amount) {
		t.Errorf("Amount = %s, want %s", got.Amount, amount)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}
	if got.Status != domain.StatusPending || got.CompletedAt != nil {
		t.Errorf("got status %s completed_at %v", got.Status, got.CompletedAt)
	}
}

func TestGet_NotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSetRequestToken(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tx := seed(t, db, "alice", 0)

	if err := db.SetRequestToken(ctx, tx.ID, "REQ_1_1", base.Add(time.Second)); err != nil {
		t.Fatalf("SetRequestToken() error: %v", err)
	}
	got, _ := db.Get(ctx, tx.ID)
	if got.GatewayRequestToken != "REQ_1_1" {
		t.Errorf("request token = %q", got.GatewayRequestToken)
	}
	if !got.UpdatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("UpdatedAt = %v", got.UpdatedAt)
	}

	if _, err := db.Finalize(ctx, tx.ID, domain.Finalization{Status: domain.StatusCancelled, At: base.Add(2 * time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetRequestToken(ctx, tx.ID, "REQ_2_2", base); !errors.Is(err, domain.ErrNotPending) {
		t.Errorf("SetRequestToken(terminal) error = %v, want ErrNotPending", err)
	}
	if err := db.SetRequestToken(ctx, "missing", "REQ", base); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("SetRequestToken(missing) error = %v, want ErrNotFound", err)
	}
}

// ─── Guarded Write ──────────────────────────────────────────────────────────

func TestFinalize_OnlyFirstWriterWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tx := seed(t, db, "alice", 0)
	at := base.Add(25 * time.Second)

	applied, err := db.Finalize(ctx, tx.ID, domain.Finalization{
		Status: domain.StatusCompleted, ReceiptToken: "MPE1A1", Note: "AUTO_COMPLETED", At: at,
	})
	if err != nil || !applied {
		t.Fatalf("first Finalize() = %v, %v; want applied", applied, err)
	}

	applied, err = db.Finalize(ctx, tx.ID, domain.Finalization{
		Status: domain.StatusCancelled, Note: "late", At: at.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("second Finalize() error: %v", err)
	}
	if applied {
		t.Fatal("second Finalize() applied over a terminal record")
	}

	got, _ := db.Get(ctx, tx.ID)
	if got.Status != domain.StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", got.Status)
	}
	if got.GatewayReceiptToken != "MPE1A1" || got.GatewayOutcomeNote != "AUTO_COMPLETED" {
		t.Errorf("receipt/note rewritten: %q / %q", got.GatewayReceiptToken, got.GatewayOutcomeNote)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(at) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, at)
	}
}

func TestFinalize_CancelDoesNotStampCompletedAt(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tx := seed(t, db, "alice", 0)

	if _, err := db.Finalize(ctx, tx.ID, domain.Finalization{Status: domain.StatusCancelled, At: base.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.Get(ctx, tx.ID)
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
	if got.GatewayReceiptToken != "" {
		t.Errorf("receipt = %q, want empty", got.GatewayReceiptToken)
	}
}

func TestFinalize_UpdatedAtNeverDecreases(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tx := seed(t, db, "alice", 0)
	later := base.Add(time.Minute)
	if err := db.SetRequestToken(ctx, tx.ID, "REQ", later); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Finalize(ctx, tx.ID, domain.Finalization{Status: domain.StatusFailed, At: base.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.Get(ctx, tx.ID)
	if !got.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, later)
	}
}

func TestFinalize_Errors(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Finalize(ctx, "missing", domain.Finalization{Status: domain.StatusCompleted, At: base}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Finalize(missing) error = %v, want ErrNotFound", err)
	}
	tx := seed(t, db, "alice", 0)
	if _, err := db.Finalize(ctx, tx.ID, domain.Finalization{Status: domain.StatusPending, At: base}); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Finalize(PENDING) error = %v, want ErrInvalidState", err)
	}
}

func TestFinalize_ConcurrentWriters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tx := seed(t, db, "alice", 0)

	statuses := []domain.Status{domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			applied, err := db.Finalize(ctx, tx.ID, domain.Finalization{
				Status: statuses[i%len(statuses)], At: base.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Errorf("Finalize() error: %v", err)
				return
			}
			if applied {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if w := wins.Load(); w != 1 {
		t.Errorf("winners = %d, want exactly 1", w)
	}
}

// ─── Listing ────────────────────────────────────────────────────────────────

func TestListings_NewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a1 := seed(t, db, "alice", 0)
	b1 := seed(t, db, "bob", time.Second)
	a2 := seed(t, db, "alice", 2*time.Second)

	all, err := db.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantIDs(t, all, a2.ID, b1.ID, a1.ID)

	mine, err := db.ListByOwner(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	wantIDs(t, mine, a2.ID, a1.ID)

	if _, err := db.Finalize(ctx, b1.ID, domain.Finalization{Status: domain.StatusCompleted, At: base.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	done, _ := db.ListByStatus(ctx, domain.StatusCompleted)
	wantIDs(t, done, b1.ID)

	between, _ := db.ListCreatedBetween(ctx, base, base.Add(time.Second))
	wantIDs(t, between, b1.ID, a1.ID)
}

func TestListPendingCreatedBefore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := seed(t, db, "alice", 0)
	seed(t, db, "alice", time.Minute)
	finished := seed(t, db, "alice", 0)
	if _, err := db.Finalize(ctx, finished.ID, domain.Finalization{Status: domain.StatusCompleted, At: base}); err != nil {
		t.Fatal(err)
	}

	stale, err := db.ListPendingCreatedBefore(ctx, base.Add(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	wantIDs(t, stale, old.ID)

	// strictly before
	none, _ := db.ListPendingCreatedBefore(ctx, base)
	if len(none) != 0 {
		t.Errorf("cutoff equal to created_at returned %d records", len(none))
	}
}

func TestListByOriginal(t *testing.T) {
	db := newTestDB(t)
	orig := seed(t, db, "alice", 0)
	corr := seed(t, db, "alice", time.Second, func(tx *domain.Transaction) {
		tx.Kind = domain.KindCorrection
		tx.Category = domain.CategoryCorrection
		tx.OriginalID = orig.ID
	})
	seed(t, db, "alice", 2*time.Second)

	got, err := db.ListByOriginal(context.Background(), orig.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantIDs(t, got, corr.ID)
}

func TestListByOriginal_EmptyIDMatchesNothing(t *testing.T) {
	db := newTestDB(t)
	seed(t, db, "alice", 0)
	seed(t, db, "bob", time.Second)

	got, err := db.ListByOriginal(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("ListByOriginal(\"\") = %d records, want 0", len(got))
	}
}

func wantIDs(t *testing.T, got []*domain.Transaction, ids ...string) {
	t.Helper()
	if len(got) != len(ids) {
		t.Fatalf("got %d records, want %d", len(got), len(ids))
	}
	for i, id := range ids {
		if got[i].ID != id {
			t.Errorf("record[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}
