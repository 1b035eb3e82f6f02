package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"zeitschaltuhr/pkg/logx"
)

func openTestStore(t *testing.T, keep int) *Store {
	t.Helper()
	st, err := Open(Config{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "journal.db"),
		Keep:    keep,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatal("Open returned nil store for enabled journal")
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabledReturnsNil(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Enabled: false}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil store, got %v", st)
	}
	// Nil stores must stay usable.
	if err := st.Append(context.Background(), Record{Entry: "x"}); err != ErrDisabled {
		t.Fatalf("Append on nil store = %v, want ErrDisabled", err)
	}
	if _, err := st.Recent(context.Background(), "", 10); err != ErrDisabled {
		t.Fatalf("Recent on nil store = %v, want ErrDisabled", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close on nil store = %v", err)
	}
}

func TestAppendAndRecent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, 0)
	ctx := context.Background()

	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []Record{
		{Entry: "heartbeat", Kind: "fired", Due: due, Started: due.Add(40 * time.Millisecond), Duration: 120 * time.Millisecond},
		{Entry: "report", Kind: "fired", Due: due.Add(time.Minute), Started: due.Add(time.Minute), Duration: time.Second},
		{Entry: "heartbeat", Kind: "aborted", Due: due.Add(2 * time.Minute), Started: due.Add(2 * time.Minute), Detail: "boom"},
	}
	for _, r := range records {
		if err := st.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := st.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	// Newest first.
	if all[0].Kind != "aborted" || all[0].Detail != "boom" {
		t.Fatalf("newest record = %+v", all[0])
	}
	if !all[0].Due.Equal(due.Add(2 * time.Minute)) {
		t.Fatalf("due round-trip = %v", all[0].Due)
	}

	hb, err := st.Recent(ctx, "heartbeat", 10)
	if err != nil {
		t.Fatalf("Recent(heartbeat): %v", err)
	}
	if len(hb) != 2 {
		t.Fatalf("len(heartbeat records) = %d, want 2", len(hb))
	}
	if hb[1].Duration != 120*time.Millisecond {
		t.Fatalf("duration round-trip = %v", hb[1].Duration)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, 5)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		r := Record{
			Entry:   "tick",
			Kind:    "fired",
			Due:     base.Add(time.Duration(i) * time.Minute),
			Started: base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.Append(ctx, r); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}
	if err := st.prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	got, err := st.Recent(ctx, "", 100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len after prune = %d, want 5", len(got))
	}
	if !got[0].Due.Equal(base.Add(11 * time.Minute)) {
		t.Fatalf("newest after prune = %v", got[0].Due)
	}
	if !got[4].Due.Equal(base.Add(7 * time.Minute)) {
		t.Fatalf("oldest survivor = %v", got[4].Due)
	}
}
