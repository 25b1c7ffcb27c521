// Package store persists the state that outlives a computer: allocated IDs
// and computer labels. It is a single SQLite database in the save directory.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Kinds of ID.
const (
	KindComputer = "computer"
	KindDisk     = "disk"
)

// Store is an open database. It is safe for concurrent use.
type Store struct {
	db *sqlitemigration.Pool
}

// Open opens or creates the database at path, creating its directory.
// Migrations run on first use.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, fmt.Errorf("open store: %v", err)
	}
	return &Store{
		db: sqlitemigration.NewPool(path, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "Migrating %s...", path)
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "Migration: %v", err)
			},
		}),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NextID allocates the next ID of a kind. IDs start at zero and are never
// reused.
func (s *Store) NextID(ctx context.Context, kind string) (int, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return 0, err
	}
	defer s.db.Put(conn)

	id := -1
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "next_id.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":kind": kind},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = int(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("allocate %s id: %v", kind, err)
	}
	if id < 0 {
		return 0, fmt.Errorf("allocate %s id: no row returned", kind)
	}
	return id, nil
}

// Label returns the label of a computer, or "" if it has none.
func (s *Store) Label(ctx context.Context, computer int) (string, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return "", err
	}
	defer s.db.Put(conn)

	var label string
	err = sqlitex.ExecuteTransient(conn, `SELECT "label" FROM "labels" WHERE "computer" = ?;`, &sqlitex.ExecOptions{
		Args: []any{computer},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			label = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("label of computer %d: %v", computer, err)
	}
	return label, nil
}

// SetLabel sets or, when label is empty, removes a computer's label.
func (s *Store) SetLabel(ctx context.Context, computer int, label string) error {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return err
	}
	defer s.db.Put(conn)

	if label == "" {
		err = sqlitex.ExecuteTransient(conn, `DELETE FROM "labels" WHERE "computer" = ?;`, &sqlitex.ExecOptions{
			Args: []any{computer},
		})
	} else {
		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "set_label.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":computer": computer,
				":label":    label,
			},
		})
	}
	if err != nil {
		return fmt.Errorf("set label of computer %d: %v", computer, err)
	}
	return nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	return sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout = 5000;", nil)
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})
	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
