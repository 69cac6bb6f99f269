package db

import (
	"context"
	"fmt"
)

// textSchemaSQL builds the DDL for the attached text database. The alias is
// interpolated because ATTACH aliases cannot be bound parameters.
func textSchemaSQL(schema string) string {
	q := quoteIdent(schema)
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s.texts (
    hash BLOB PRIMARY KEY,
    content TEXT NOT NULL
);
CREATE VIRTUAL TABLE IF NOT EXISTS %[1]s.texts_fts USING fts5(content, hash UNINDEXED);
`, q)
}

// StoreText persists chunk text under its hash. Content-addressed: a second
// store of the same hash is a no-op. The FTS shadow row is guarded by the
// same insert so duplicates cannot appear.
func (db *DB) StoreText(ctx context.Context, hash []byte, content string) error {
	return db.storeTextOn(ctx, db.DB, hash, content)
}

func (db *DB) storeTextOn(ctx context.Context, q execer, hash []byte, content string) error {
	res, err := q.ExecContext(ctx,
		fmt.Sprintf("INSERT OR IGNORE INTO %s.texts (hash, content) VALUES (?, ?)", quoteIdent(db.textSchema)),
		hash, content)
	if err != nil {
		return fmt.Errorf("store text: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store text: %w", err)
	}
	if n == 0 {
		return nil
	}
	_, err = q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s.texts_fts (hash, content)
			SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM %[1]s.texts_fts WHERE hash = ?)`,
			quoteIdent(db.textSchema)),
		hash, content, hash)
	if err != nil {
		return fmt.Errorf("store text fts: %w", err)
	}
	return nil
}

// GetText returns the stored text for a hash, or ErrNotFound.
func (db *DB) GetText(ctx context.Context, hash []byte) (string, error) {
	var content string
	err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT content FROM %s.texts WHERE hash = ?", quoteIdent(db.textSchema)),
		hash).Scan(&content)
	if err != nil {
		return "", classifyNotFound(err, "text")
	}
	return content, nil
}

func (db *DB) deleteTextOn(ctx context.Context, q execer, hash []byte) error {
	ts := quoteIdent(db.textSchema)
	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s.texts_fts WHERE hash = ?", ts), hash); err != nil {
		return fmt.Errorf("delete text fts: %w", err)
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s.texts WHERE hash = ?", ts), hash); err != nil {
		return fmt.Errorf("delete text: %w", err)
	}
	return nil
}
