// Package sqlite implements the unified Store interface using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - No connection pooling (single file, WAL handles concurrency)
//
// All repositories are reused from the postgres package; GORM's SQLite
// dialect handles the SQL differences transparently.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/arena/internal/storage"
	pgstore "github.com/jkaninda/arena/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	// Sub-store instances (created lazily on first access).
	mu          sync.Mutex
	submissions storage.SubmissionStore
	challenges  storage.ChallengeStore
	agents      storage.AgentStore
}

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	// Build DSN with pragmas.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slogger,
		path:   cfg.Path,
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate using the same models as the
// PostgreSQL backend.
func (s *Store) Migrate(_ context.Context) error {
	return pgstore.AutoMigrate(s.db)
}

// Ping checks the database connection for health/readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// GormDB returns the underlying GORM DB for sub-store construction.
func (s *Store) GormDB() *gorm.DB {
	return s.db
}

func (s *Store) Submissions() storage.SubmissionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submissions == nil {
		s.submissions = pgstore.NewSubmissionRepository(s.db)
	}
	return s.submissions
}

func (s *Store) Challenges() storage.ChallengeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.challenges == nil {
		s.challenges = pgstore.NewChallengeRepository(s.db)
	}
	return s.challenges
}

func (s *Store) Agents() storage.AgentStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents == nil {
		s.agents = pgstore.NewAgentRepository(s.db)
	}
	return s.agents
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
