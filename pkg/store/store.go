// Package store persists sessions and run records in a SQL database.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/energyoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistence for sessions and run records.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// UpsertSession inserts or updates a session keyed by SessionID.
	UpsertSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// ListSessions returns sessions newest first, optionally filtered by
	// workload.
	ListSessions(ctx context.Context, workload string) ([]Session, error)
	ListWorkloads(ctx context.Context) ([]string, error)

	// AppendRun inserts a run record. Existing records are never touched.
	AppendRun(ctx context.Context, r *RunRecord) error
	ListRuns(ctx context.Context, sessionID string) ([]RunRecord, error)
	ListRunsByWorkload(ctx context.Context, workload string) ([]RunRecord, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			sslMode(s.cfg.Postgres.SSLMode),
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	// Every connection to ":memory:" is a separate database.
	if s.cfg.Driver == "sqlite" && s.cfg.SQLite.Path == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(&Session{}, &RunRecord{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) UpsertSession(ctx context.Context, sess *Session) error {
	result := s.db.WithContext(ctx).
		Where("session_id = ?", sess.SessionID).
		Assign(sess).
		FirstOrCreate(sess)
	if result.Error != nil {
		return fmt.Errorf("upserting session: %w", result.Error)
	}

	return nil
}

func (s *store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session

	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	return &sess, nil
}

func (s *store) ListSessions(ctx context.Context, workload string) ([]Session, error) {
	var sessions []Session

	q := s.db.WithContext(ctx).Order("started_at DESC")
	if workload != "" {
		q = q.Where("workload = ?", workload)
	}

	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	return sessions, nil
}

func (s *store) ListWorkloads(ctx context.Context) ([]string, error) {
	var names []string

	if err := s.db.WithContext(ctx).
		Model(&Session{}).
		Distinct("workload").
		Order("workload").
		Pluck("workload", &names).Error; err != nil {
		return nil, fmt.Errorf("listing workloads: %w", err)
	}

	return names, nil
}

func (s *store) AppendRun(ctx context.Context, r *RunRecord) error {
	r.ID = 0

	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("appending run %d: %w", r.Run, err)
	}

	return nil
}

func (s *store) ListRuns(ctx context.Context, sessionID string) ([]RunRecord, error) {
	var runs []RunRecord

	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

func (s *store) ListRunsByWorkload(ctx context.Context, workload string) ([]RunRecord, error) {
	var runs []RunRecord

	if err := s.db.WithContext(ctx).
		Where("workload = ?", workload).
		Order("id ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs for workload: %w", err)
	}

	return runs, nil
}

func sslMode(mode string) string {
	if mode == "" {
		return "disable"
	}

	return mode
}
