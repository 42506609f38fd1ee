// Package postgres implements PostgreSQL-backed storage for the arena using GORM.
// All GORM usage is confined to this package and its sqlite sibling —
// domain types remain ORM-free.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/arena/internal/storage"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
	ConnMaxIdleTime time.Duration // Default: 10m
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

func (c Config) maxIdleTime() time.Duration {
	if c.ConnMaxIdleTime > 0 {
		return c.ConnMaxIdleTime
	}
	return 10 * time.Minute
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	// Sub-store instances (created lazily on first access).
	mu          sync.Mutex
	submissions storage.SubmissionStore
	challenges  storage.ChallengeStore
	agents      storage.AgentStore
}

// Open connects to PostgreSQL and configures the connection pool.
// Schema creation happens in Migrate, not here.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      gormLogger,
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())
	sqlDB.SetConnMaxIdleTime(cfg.maxIdleTime())

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", cfg.maxOpen()),
		slog.Int("max_idle_conns", cfg.maxIdle()),
	)

	return &Store{db: db, logger: slogger}, nil
}

// GormDB returns the underlying *gorm.DB for repository constructors.
func (s *Store) GormDB() *gorm.DB {
	return s.db
}

// Migrate creates/updates tables.
func (s *Store) Migrate(_ context.Context) error {
	return AutoMigrate(s.db)
}

// AutoMigrate creates/updates the arena tables. Shared with the SQLite
// backend, which reuses the same models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ChallengeModel{},
		&AgentModel{},
		&SubmissionModel{},
	)
}

// Ping checks the database connection for health/readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string {
	return storage.DriverPostgres
}

func (s *Store) Submissions() storage.SubmissionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submissions == nil {
		s.submissions = NewSubmissionRepository(s.db)
	}
	return s.submissions
}

func (s *Store) Challenges() storage.ChallengeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.challenges == nil {
		s.challenges = NewChallengeRepository(s.db)
	}
	return s.challenges
}

func (s *Store) Agents() storage.AgentStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents == nil {
		s.agents = NewAgentRepository(s.db)
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
