// Package db implements the content-addressed storage layer for vecmemo.
//
// Two database files back a store: embeddings.db holds services, embeddings,
// chunks, projections and the work queue; text.db (attached under a schema
// alias, text_store by default) holds chunk text and its full-text index.
// Everything is keyed by the SHA-256 hash of the chunk text.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const (
	// EmbeddingsDBFile is the filename of the main database inside a data dir.
	EmbeddingsDBFile = "embeddings.db"
	// TextDBFile is the filename of the text database inside a data dir.
	TextDBFile = "text.db"
	// DefaultTextSchema is the schema alias the text database is attached under.
	DefaultTextSchema = "text_store"
)

// DB wraps the database connection with vecmemo-specific functionality.
type DB struct {
	*sql.DB
	textSchema string
	storeText  bool
	ownsConn   bool
}

// OpenOptions contains options for opening a store.
type OpenOptions struct {
	DataDir    string
	StoreText  bool
	TextSchema string            // schema alias for the text database, DefaultTextSchema if empty
	Attach     map[string]string // alias -> path of auxiliary databases
}

// Open creates the data directory if needed, opens embeddings.db, attaches
// text.db and any auxiliary databases, and runs idempotent schema creation.
func Open(opts OpenOptions) (*DB, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := "file:" + filepath.ToSlash(filepath.Join(opts.DataDir, EmbeddingsDBFile)) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Attached schemas and pragmas are per-connection; pin the pool to one.
	sqlDB.SetMaxOpenConns(1)

	db, err := configure(sqlDB, opts)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Wrap builds a DB around an existing connection. The caller retains
// ownership: Close on the returned DB is a no-op for the connection.
// The connection must already have the text database attached when
// opts.StoreText is set.
func Wrap(sqlDB *sql.DB, opts OpenOptions) (*DB, error) {
	db := &DB{
		DB:         sqlDB,
		textSchema: textSchemaOrDefault(opts.TextSchema),
		storeText:  opts.StoreText,
	}
	if err := db.initSchema(); err != nil {
		return nil, err
	}
	return db, nil
}

func configure(sqlDB *sql.DB, opts OpenOptions) (*DB, error) {
	db := &DB{
		DB:         sqlDB,
		textSchema: textSchemaOrDefault(opts.TextSchema),
		storeText:  opts.StoreText,
		ownsConn:   true,
	}

	if opts.StoreText {
		textPath := filepath.Join(opts.DataDir, TextDBFile)
		if err := db.Attach(db.textSchema, textPath); err != nil {
			return nil, fmt.Errorf("attach text database: %w", err)
		}
	}
	for alias, path := range opts.Attach {
		if err := db.Attach(alias, path); err != nil {
			return nil, fmt.Errorf("attach %s: %w", alias, err)
		}
	}

	if err := db.initSchema(); err != nil {
		return nil, err
	}
	return db, nil
}

func textSchemaOrDefault(schema string) string {
	if schema == "" {
		return DefaultTextSchema
	}
	return schema
}

// Attach makes a database file visible under a schema alias on this
// connection so that cross-database joins are possible.
func (db *DB) Attach(alias, path string) error {
	_, err := db.Exec(fmt.Sprintf("ATTACH DATABASE %s AS %s", quoteString(path), quoteIdent(alias)))
	return err
}

// initSchema creates the database tables. Creation is idempotent.
func (db *DB) initSchema() error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if db.storeText {
		if _, err := db.Exec(textSchemaSQL(db.textSchema)); err != nil {
			return fmt.Errorf("failed to create text schema: %w", err)
		}
	}
	return nil
}

// TextSchema returns the schema alias of the attached text database.
func (db *DB) TextSchema() string {
	return db.textSchema
}

// StoresText reports whether text storage is enabled on this store.
func (db *DB) StoresText() bool {
	return db.storeText
}

// Close releases the connection and its attached databases. When the
// connection was handed in by the caller (Wrap), Close is a no-op.
func (db *DB) Close() error {
	if !db.ownsConn {
		return nil
	}
	return db.DB.Close()
}

// nowMillis is the timestamp format used across the schema: epoch millis.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func quoteIdent(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}

func quoteString(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}

// execer is satisfied by both *sql.DB and *sql.Tx so CRUD helpers can run
// standalone or inside a document transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
