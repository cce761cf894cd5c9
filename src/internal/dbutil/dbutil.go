package dbutil

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

func OpenDB(p string) (*sqlx.DB, error) {
	// How To for PRAGMAs with the modernc.org/sqlite driver
	// https://pkg.go.dev/modernc.org/sqlite@v1.34.4#Driver.Open
	db, err := sqlx.Open("sqlite", "file:"+p+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// OpenMemory opens an in-memory database.
// Every connection to ":memory:" is a different database, so the pool is limited to one.
func OpenMemory() *sqlx.DB {
	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db
}

func DoTx(ctx context.Context, db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func DoTx1[T any](ctx context.Context, db *sqlx.DB, f func(tx *sqlx.Tx) (T, error)) (T, error) {
	var ret T
	if err := DoTx(ctx, db, func(tx *sqlx.Tx) error {
		var err error
		ret, err = f(tx)
		return err
	}); err != nil {
		return ret, err
	}
	return ret, nil
}

// Migration is a schema change, applied at most once.
type Migration struct {
	RowID   int
	Name    string
	SQLText string
}

// EnsureAll applies every migration which has not been applied yet, in order.
func EnsureAll(tx *sqlx.Tx, migs []Migration) error {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	)`); err != nil {
		return errors.Wrap(err, "creating migrations table")
	}
	for i, mig := range migs {
		if mig.RowID != i+1 {
			return errors.Errorf("migration %q has row id %d, expected %d", mig.Name, mig.RowID, i+1)
		}
		var name string
		err := tx.Get(&name, `SELECT name FROM migrations WHERE id = ?`, mig.RowID)
		switch {
		case err == nil:
			if name != mig.Name {
				return errors.Errorf("migration %d was applied as %q, now named %q", mig.RowID, name, mig.Name)
			}
			continue
		case !isNoRows(err):
			return errors.Wrapf(err, "checking migration %q", mig.Name)
		}
		if _, err := tx.Exec(mig.SQLText); err != nil {
			return errors.Wrapf(err, "applying migration %q", mig.Name)
		}
		if _, err := tx.Exec(`INSERT INTO migrations (id, name) VALUES (?, ?)`, mig.RowID, mig.Name); err != nil {
			return errors.Wrapf(err, "recording migration %q", mig.Name)
		}
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
