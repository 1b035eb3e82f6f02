package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"zeitschaltuhr/internal/journal"
	"zeitschaltuhr/pkg/eventbus"
	"zeitschaltuhr/pkg/scheduler"
)

func TestRecordFromEvent(t *testing.T) {
	t.Parallel()

	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := due.Add(15 * time.Millisecond)

	tests := []struct {
		name       string
		e          eventbus.Event
		wantOK     bool
		wantKind   string
		wantDetail string
	}{
		{
			name: "fired",
			e: eventbus.Event{
				Type: "entry.fired",
				Time: started,
				Data: scheduler.EntryEvent{Name: "n", Due: due, Started: started, Duration: 42 * time.Millisecond},
			},
			wantOK:   true,
			wantKind: "fired",
		},
		{
			name: "exhausted",
			e: eventbus.Event{
				Type: "entry.exhausted",
				Time: started,
				Data: scheduler.EntryEvent{Name: "n", Runs: 3},
			},
			wantOK:     true,
			wantKind:   "exhausted",
			wantDetail: "runs=3",
		},
		{
			name: "aborted",
			e: eventbus.Event{
				Type: "entry.aborted",
				Time: started,
				Data: scheduler.EntryEvent{Name: "n", Due: due, Panic: "boom"},
			},
			wantOK:     true,
			wantKind:   "aborted",
			wantDetail: "boom",
		},
		{
			name:   "foreign payload",
			e:      eventbus.Event{Type: "entry.fired", Time: started, Data: "nope"},
			wantOK: false,
		},
		{
			name:   "unrelated type",
			e:      eventbus.Event{Type: "config.reloaded", Time: started, Data: scheduler.EntryEvent{Name: "n"}},
			wantOK: false,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, ok := recordFromEvent(tt.e)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if rec.Entry != "n" {
				t.Fatalf("Entry = %q, want n", rec.Entry)
			}
			if rec.Kind != tt.wantKind {
				t.Fatalf("Kind = %q, want %q", rec.Kind, tt.wantKind)
			}
			if rec.Detail != tt.wantDetail {
				t.Fatalf("Detail = %q, want %q", rec.Detail, tt.wantDetail)
			}
			if rec.Started.IsZero() {
				t.Fatal("Started not backfilled from the event time")
			}
		})
	}
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	dbPath := filepath.Join(dir, "journal.db")
	writeConfig(t, cfgPath, `
logging:
  level: error
  console: false
journal:
  enabled: true
  path: `+dbPath+`
schedules:
  - name: tick
    every: 50ms
    task:
      kind: log
      message: tick
`)

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := a.Snapshot()
		if len(snap.Entries) == 1 && snap.Entries[0].Runs >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry never fired twice: %+v", snap)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Runs reach the journal through the bus consumer, so allow a moment
	// for the append to land.
	var rows []journal.Record
	for time.Now().Before(deadline) {
		rows, err = a.store.Recent(context.Background(), "tick", 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(rows) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(rows) == 0 {
		t.Fatal("no journal rows recorded for tick")
	}
	if rows[0].Kind != "fired" {
		t.Fatalf("Kind = %q, want fired", rows[0].Kind)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestAppReloadAddsSchedule(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgPath, `
logging:
  level: error
  console: false
schedules:
  - name: tick
    every: 1h
    task:
      kind: log
      message: tick
`)

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopSignal)
	}()

	updated := `
logging:
  level: error
  console: false
schedules:
  - name: tick
    every: 1h
    task:
      kind: log
      message: tick
  - name: tock
    cron: "0 3 * * *"
    task:
      kind: log
      message: tock
`
	// The watcher may still be arming; rewrite until the reload lands.
	deadline := time.Now().Add(10 * time.Second)
	for {
		writeConfig(t, cfgPath, updated)
		time.Sleep(300 * time.Millisecond)
		if len(a.Snapshot().Entries) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reload never registered the new schedule: %+v", a.Snapshot())
		}
	}

	found := false
	for _, e := range a.Snapshot().Entries {
		if e.Name == "tock" {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered entries missing tock: %+v", a.Snapshot().Entries)
	}
}
