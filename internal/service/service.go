// Package service exposes the vecmemo engine behind a single facade. A
// Service binds a data directory, an embedding service (the vector space),
// that service's projection vectors, and the ingestion queue.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/abdul-hamid-achik/vecmemo/internal/db"
	"github.com/abdul-hamid-achik/vecmemo/internal/embed"
	"github.com/abdul-hamid-achik/vecmemo/internal/index"
	"github.com/abdul-hamid-achik/vecmemo/internal/projection"
	"github.com/abdul-hamid-achik/vecmemo/internal/search"
)

// Configuration errors raised at bind time.
var (
	ErrMissingAPIKey = errors.New("api key required for this format")
	ErrClosed        = errors.New("service is closed")
)

// Config configures a Service bind. Start from DefaultConfig and override.
type Config struct {
	DataDir string
	APIKey  string

	// Service names a pre-registered embedding service. When empty, the
	// service is registered (or found) from the inline fields below, with
	// the name synthesized as "{format}/{model}".
	Service    string
	Format     string
	BaseURL    string
	Model      string
	Dimensions int
	MaxTokens  int

	ChunkMaxTokens int  // must be <= the service's max_tokens
	StoreText      bool // persist chunk text with substring/full-text filtering

	// Attach maps schema aliases to auxiliary database paths so search
	// predicates can join application tables.
	Attach map[string]string

	BatchSize  int
	MaxRetries int

	Logger *zap.Logger
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		ChunkMaxTokens: 2000,
		StoreText:      true,
		BatchSize:      100,
		MaxRetries:     3,
	}
}

// Service is a bound vecmemo instance.
type Service struct {
	db       *db.DB
	provider embed.Provider
	svc      *db.Service
	vectors  [][]float32
	pipeline *index.Pipeline
	executor *search.Executor
	cfg      Config
	log      *zap.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// New opens (or creates) the data directory and binds a Service. The
// connection is released on every failing exit path.
func New(cfg Config) (*Service, error) {
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	database, err := db.Open(db.OpenOptions{
		DataDir:   cfg.DataDir,
		StoreText: cfg.StoreText,
		Attach:    cfg.Attach,
	})
	if err != nil {
		return nil, err
	}

	s, err := bind(database, cfg)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB binds a Service over an existing connection. The caller retains
// ownership of the connection; Close on the returned Service does not close
// it. When text storage is enabled the text database must already be
// attached under the default schema alias (db.DefaultTextSchema).
func NewWithDB(sqlDB *sql.DB, cfg Config) (*Service, error) {
	applyDefaults(&cfg)
	if cfg.Service == "" && cfg.Format == "" {
		return nil, fmt.Errorf("either service or format must be set")
	}
	database, err := db.Wrap(sqlDB, db.OpenOptions{StoreText: cfg.StoreText})
	if err != nil {
		return nil, err
	}
	return bind(database, cfg)
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.ChunkMaxTokens == 0 {
		cfg.ChunkMaxTokens = def.ChunkMaxTokens
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

func validate(cfg Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if cfg.Service == "" && cfg.Format == "" {
		return fmt.Errorf("either service or format must be set")
	}
	return nil
}

// bind resolves the service record, provider, and projection vectors over an
// open store.
func bind(database *db.DB, cfg Config) (*Service, error) {
	ctx := context.Background()

	var svc *db.Service
	var err error
	if cfg.Service != "" {
		svc, err = database.GetService(ctx, cfg.Service)
		if err != nil {
			return nil, fmt.Errorf("unknown service %q: %w", cfg.Service, err)
		}
	} else {
		svc, err = database.RegisterService(ctx, db.ServiceParams{
			Format:     cfg.Format,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			MaxTokens:  cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
	}

	if embed.RequiresAPIKey(svc.Format) && cfg.APIKey == "" {
		return nil, fmt.Errorf("format %q: %w", svc.Format, ErrMissingAPIKey)
	}
	if cfg.ChunkMaxTokens > svc.MaxTokens {
		return nil, fmt.Errorf("chunking_max_tokens %d exceeds service max_tokens %d",
			cfg.ChunkMaxTokens, svc.MaxTokens)
	}

	provider, err := embed.New(svc.Format, embed.Config{
		APIKey:     cfg.APIKey,
		BaseURL:    svc.BaseURL,
		Model:      svc.Model,
		Dimensions: svc.Dimensions,
		MaxTokens:  svc.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	vectors, err := ensureProjectionVectors(ctx, database, svc)
	if err != nil {
		return nil, err
	}

	s := &Service{
		db:       database,
		provider: provider,
		svc:      svc,
		vectors:  vectors,
		cfg:      cfg,
		log:      cfg.Logger,
	}
	s.pipeline = index.NewPipeline(database, provider, vectors, svc.ID, svc.Dimensions,
		index.DefaultChunkerConfig(cfg.ChunkMaxTokens))
	s.executor = search.NewExecutor(database, cfg.Logger)
	return s, nil
}

// ensureProjectionVectors loads a service's projection vectors, generating
// and persisting them on first use. The row is write-once per service.
func ensureProjectionVectors(ctx context.Context, database *db.DB, svc *db.Service) ([][]float32, error) {
	vectors, err := database.GetProjectionVectors(ctx, svc.ID)
	if err == nil {
		return vectors, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	vectors, err = projection.Generate(svc.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", svc.Name, err)
	}
	if err := database.StoreProjectionVectors(ctx, svc.ID, vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Service returns the bound embedding service record.
func (s *Service) Service() db.Service {
	return *s.svc
}

// Provider returns the bound embedding provider.
func (s *Service) Provider() embed.Provider {
	return s.provider
}

// DB exposes the underlying store, mainly for maintenance surfaces.
func (s *Service) DB() *db.DB {
	return s.db
}

// Delete removes the chunks of a source under this service and
// garbage-collects orphaned embeddings and projections. An empty sourceType
// selects the source id across all types. Returns the chunks deleted.
func (s *Service) Delete(ctx context.Context, sourceID int64, sourceType string) (int64, error) {
	return s.db.DeleteChunks(ctx, sourceID, sourceType, s.svc.ID)
}

// MarkAsRead bumps read_count for the given chunks.
func (s *Service) MarkAsRead(ctx context.Context, chunkIDs []int64) error {
	return s.db.IncrementReadCount(ctx, chunkIDs)
}

// Stats are counts scoped to the bound service, plus queue state.
type Stats struct {
	db.Stats
	Queue db.QueueStats `json:"queue"`
}

// Stats returns counts scoped to the bound service.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	base, err := s.db.GetStats(ctx, s.svc.ID)
	if err != nil {
		return Stats{}, err
	}
	queue, err := s.db.GetQueueStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: base, Queue: queue}, nil
}

// Services lists all registered embedding services.
func (s *Service) Services(ctx context.Context) ([]db.Service, error) {
	return s.db.ListServices(ctx)
}

// DeleteService removes a registered service; without force it fails while
// the service still owns data.
func (s *Service) DeleteService(ctx context.Context, name string, force bool) error {
	return s.db.DeleteService(ctx, name, force)
}

// Close drains background queue processing and releases the store. Safe to
// call twice.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}
