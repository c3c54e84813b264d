package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// busyTries bounds SQLITE_BUSY retries; backoff grows 100/200/300 ms.
const busyTries = 3

// IsBusy reports whether err looks like an SQLite BUSY condition. The
// driver surfaces it as text, so this is a string match on the known forms.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, marker := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// Exec runs one statement, retrying on SQLITE_BUSY.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withBusyRetry(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RunTx runs fn inside a transaction, retrying the whole transaction on
// SQLITE_BUSY. fn must be safe to run more than once.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withBusyRetry(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

func withBusyRetry(ctx context.Context, attempt func() error) error {
	for try := 1; ; try++ {
		err := attempt()
		if err == nil || !IsBusy(err) || try == busyTries {
			return err
		}
		timer := time.NewTimer(time.Duration(100*try) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("dbopen: retry interrupted: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
