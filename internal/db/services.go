package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service is a registered embedding service. A service defines a vector
// space: embeddings are comparable only within one service.
type Service struct {
	ID         int64
	Name       string
	Format     string
	BaseURL    string
	Model      string
	Dimensions int
	MaxTokens  int
	CreatedAt  time.Time
}

// ServiceParams describes a service to register.
type ServiceParams struct {
	Name       string // synthesized as "{format}/{model}" when empty
	Format     string
	BaseURL    string
	Model      string
	Dimensions int
	MaxTokens  int
}

// RegisterService returns the existing service with the same name unchanged,
// or inserts a new one. The services table is effectively write-once per name.
func (db *DB) RegisterService(ctx context.Context, p ServiceParams) (*Service, error) {
	if p.Name == "" {
		p.Name = p.Format + "/" + p.Model
	}
	if p.Dimensions < 1 {
		return nil, fmt.Errorf("service %q: dimensions must be >= 1", p.Name)
	}
	if p.MaxTokens < 1 {
		return nil, fmt.Errorf("service %q: max_tokens must be >= 1", p.Name)
	}

	if svc, err := db.GetService(ctx, p.Name); err == nil {
		return svc, nil
	} else if err != nil && !isNotFound(err) {
		return nil, err
	}

	var baseURL any
	if p.BaseURL != "" {
		baseURL = p.BaseURL
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO services (name, format, base_url, model, dimensions, max_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Format, baseURL, p.Model, p.Dimensions, p.MaxTokens, nowMillis())
	if err != nil {
		return nil, fmt.Errorf("register service: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("register service: %w", err)
	}
	return db.getServiceBy(ctx, "id = ?", id)
}

// GetService looks a service up by name.
func (db *DB) GetService(ctx context.Context, name string) (*Service, error) {
	return db.getServiceBy(ctx, "name = ?", name)
}

// GetServiceByID looks a service up by id.
func (db *DB) GetServiceByID(ctx context.Context, id int64) (*Service, error) {
	return db.getServiceBy(ctx, "id = ?", id)
}

func (db *DB) getServiceBy(ctx context.Context, where string, arg any) (*Service, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, name, format, base_url, model, dimensions, max_tokens, created_at
		FROM services WHERE `+where, arg)
	return scanService(row)
}

func scanService(row *sql.Row) (*Service, error) {
	var svc Service
	var baseURL sql.NullString
	var createdAt int64
	err := row.Scan(&svc.ID, &svc.Name, &svc.Format, &baseURL, &svc.Model,
		&svc.Dimensions, &svc.MaxTokens, &createdAt)
	if err != nil {
		return nil, classifyNotFound(err, "service")
	}
	svc.BaseURL = baseURL.String
	svc.CreatedAt = time.UnixMilli(createdAt)
	return &svc, nil
}

// ListServices returns all registered services ordered by name.
func (db *DB) ListServices(ctx context.Context) ([]Service, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, format, base_url, model, dimensions, max_tokens, created_at
		FROM services ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var services []Service
	for rows.Next() {
		var svc Service
		var baseURL sql.NullString
		var createdAt int64
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Format, &baseURL, &svc.Model,
			&svc.Dimensions, &svc.MaxTokens, &createdAt); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		svc.BaseURL = baseURL.String
		svc.CreatedAt = time.UnixMilli(createdAt)
		services = append(services, svc)
	}
	return services, rows.Err()
}

// DeleteService removes a service. Without force it fails with
// ServiceNotEmptyError when the service still owns embeddings or chunks;
// with force it cascades to chunks, projections, embeddings, stored text and
// the service's projection vectors.
func (db *DB) DeleteService(ctx context.Context, name string, force bool) error {
	svc, err := db.GetService(ctx, name)
	if err != nil {
		return err
	}

	var embeddings, chunks int64
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       (SELECT COUNT(*) FROM chunks c JOIN embeddings e ON c.hash = e.hash WHERE e.service_id = ?)
		FROM embeddings WHERE service_id = ?`, svc.ID, svc.ID).Scan(&embeddings, &chunks)
	if err != nil {
		return fmt.Errorf("count service data: %w", err)
	}

	if !force && (embeddings > 0 || chunks > 0) {
		return &ServiceNotEmptyError{Name: name, Embeddings: embeddings, Chunks: chunks}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if db.storeText {
		err = execAll(ctx, tx, fmt.Sprintf(`
			DELETE FROM %[1]s.texts_fts WHERE hash IN (SELECT hash FROM embeddings WHERE service_id = ?);
			DELETE FROM %[1]s.texts WHERE hash IN (SELECT hash FROM embeddings WHERE service_id = ?)`,
			quoteIdent(db.textSchema)), svc.ID)
		if err != nil {
			return fmt.Errorf("delete service text: %w", err)
		}
	}
	err = execAll(ctx, tx, `
		DELETE FROM chunks WHERE hash IN (SELECT hash FROM embeddings WHERE service_id = ?);
		DELETE FROM projections WHERE hash IN (SELECT hash FROM embeddings WHERE service_id = ?);
		DELETE FROM embeddings WHERE service_id = ?;
		DELETE FROM projection_vectors WHERE service_id = ?;
		DELETE FROM services WHERE id = ?`, svc.ID)
	if err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	return tx.Commit()
}

// execAll runs each ;-separated statement with the same argument.
func execAll(ctx context.Context, q execer, script string, arg any) error {
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := q.ExecContext(ctx, stmt, arg); err != nil {
			return err
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
