package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

func openSqlite(filename string) (*sql.DB, error) {
	d, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.StoreAccessErr, filename, err)
	}
	// The tracker is the single writer but the viewers may read concurrently.
	if _, err := d.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: %s: %v", errs.StoreAccessErr, filename, err)
	}
	return d, nil
}

// nullTime maps between zero time.Time values and SQL NULLs.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(TimeLayout)
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(TimeLayout, s.String, time.UTC)
}
