package watch

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// One connection keeps PRAGMA state visible to every caller.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func bumpUserVersion(t *testing.T, db *sql.DB, v int) {
	t.Helper()
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		t.Fatal(err)
	}
}

// startWatcher runs OnChange in the background and gives the seed read a
// moment to complete.
func startWatcher(t *testing.T, w *Watcher, action func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.OnChange(ctx, action)
	time.Sleep(50 * time.Millisecond)
}

func TestDetectors(t *testing.T) {
	ctx := context.Background()

	t.Run("data_version is readable", func(t *testing.T) {
		db := openDB(t)
		v, err := PragmaDataVersion(ctx, db)
		if err != nil {
			t.Fatal(err)
		}
		if v < 0 {
			t.Fatalf("PragmaDataVersion = %d, want >= 0", v)
		}
	})

	t.Run("user_version tracks writes", func(t *testing.T) {
		db := openDB(t)
		bumpUserVersion(t, db, 42)
		v, err := PragmaUserVersion(ctx, db)
		if err != nil {
			t.Fatal(err)
		}
		if v != 42 {
			t.Fatalf("PragmaUserVersion = %d, want 42", v)
		}
	})

	t.Run("settings updated_at tracks puts", func(t *testing.T) {
		db := openDB(t)
		if _, err := db.Exec(`CREATE TABLE settings (
			namespace TEXT NOT NULL, key TEXT NOT NULL, value TEXT NOT NULL,
			updated_at INTEGER NOT NULL, PRIMARY KEY (namespace, key))`); err != nil {
			t.Fatal(err)
		}
		v, err := SettingsUpdatedAt(ctx, db)
		if err != nil {
			t.Fatal(err)
		}
		if v != 0 {
			t.Fatalf("empty table: SettingsUpdatedAt = %d, want 0", v)
		}
		if _, err := db.Exec(
			"INSERT INTO settings (namespace, key, value, updated_at) VALUES ('ws', 'theme', 'dark', 1700000000)"); err != nil {
			t.Fatal(err)
		}
		v, err = SettingsUpdatedAt(ctx, db)
		if err != nil {
			t.Fatal(err)
		}
		if v != 1700000000 {
			t.Fatalf("SettingsUpdatedAt = %d, want 1700000000", v)
		}
	})
}

func TestOnChange_ReloadsPerVersionBump(t *testing.T) {
	db := openDB(t)

	var reloads atomic.Int32
	w := New(db, Options{Interval: 20 * time.Millisecond, Detector: PragmaUserVersion})
	startWatcher(t, w, func() error {
		reloads.Add(1)
		return nil
	})

	bumpUserVersion(t, db, 1)
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("reloads after first bump = %d, want 1", got)
	}

	bumpUserVersion(t, db, 2)
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 2 {
		t.Fatalf("reloads after second bump = %d, want 2", got)
	}

	// Quiet database, no further reloads.
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 2 {
		t.Fatalf("reloads after quiet period = %d, want 2", got)
	}
}

func TestOnChange_DebounceCollapsesBursts(t *testing.T) {
	db := openDB(t)

	var reloads atomic.Int32
	w := New(db, Options{
		Interval: 20 * time.Millisecond,
		Debounce: 100 * time.Millisecond,
		Detector: PragmaUserVersion,
	})
	startWatcher(t, w, func() error {
		reloads.Add(1)
		return nil
	})

	// Five writes inside one debounce window.
	for i := 1; i <= 5; i++ {
		bumpUserVersion(t, db, i)
		time.Sleep(15 * time.Millisecond)
	}
	if got := reloads.Load(); got != 0 {
		t.Fatalf("reloads during open window = %d, want 0", got)
	}

	time.Sleep(200 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("reloads after window closed = %d, want 1", got)
	}
}

func TestOnChange_RetriesAfterFailedReload(t *testing.T) {
	db := openDB(t)

	var calls atomic.Int32
	w := New(db, Options{Interval: 20 * time.Millisecond, Detector: PragmaUserVersion})
	startWatcher(t, w, func() error {
		if calls.Add(1) == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})

	bumpUserVersion(t, db, 1)
	time.Sleep(120 * time.Millisecond)

	if got := calls.Load(); got < 2 {
		t.Fatalf("action calls = %d, want >= 2 (failure then retry)", got)
	}
	if v := w.Version(); v != 1 {
		t.Fatalf("Version() = %d, want 1 after successful retry", v)
	}
}

func TestWaitForVersion_UnblocksOnReload(t *testing.T) {
	db := openDB(t)

	w := New(db, Options{Interval: 20 * time.Millisecond, Detector: PragmaUserVersion})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.OnChange(ctx, func() error { return nil })
	time.Sleep(50 * time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		db.Exec("PRAGMA user_version = 10")
	}()

	if err := w.WaitForVersion(ctx, 10); err != nil {
		t.Fatalf("WaitForVersion: %v", err)
	}
	if v := w.Version(); v < 10 {
		t.Fatalf("Version() = %d, want >= 10", v)
	}
}

func TestWaitForVersion_FastPath(t *testing.T) {
	db := openDB(t)
	w := New(db, Options{Detector: PragmaUserVersion})

	// Target already satisfied: returns without a running OnChange loop.
	if err := w.WaitForVersion(context.Background(), 0); err != nil {
		t.Fatalf("WaitForVersion(0) = %v, want nil", err)
	}
}

func TestWaitForVersion_ContextExpiry(t *testing.T) {
	db := openDB(t)

	w := New(db, Options{Interval: 20 * time.Millisecond, Detector: PragmaUserVersion})
	startWatcher(t, w, func() error { return nil })

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer waitCancel()

	if err := w.WaitForVersion(waitCtx, 99); err == nil {
		t.Fatal("WaitForVersion for unreachable version: want error, got nil")
	}
}

func TestStats_CountsActivity(t *testing.T) {
	db := openDB(t)

	w := New(db, Options{Interval: 20 * time.Millisecond, Detector: PragmaUserVersion})
	startWatcher(t, w, func() error { return nil })

	bumpUserVersion(t, db, 1)
	time.Sleep(80 * time.Millisecond)

	s := w.Stats()
	if s.Checks == 0 {
		t.Error("Stats().Checks = 0, want > 0")
	}
	if s.ChangesDetected == 0 {
		t.Error("Stats().ChangesDetected = 0, want > 0")
	}
	if s.Reloads == 0 {
		t.Error("Stats().Reloads = 0, want > 0")
	}
}
