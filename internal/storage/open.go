package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "casebot/pkg/logx"
)

// Store is the persistence API used by the queue and the lifecycle manager.
type Store interface {
	// notifications
	CreateNotification(ctx context.Context, rec *Record) error
	GetNotification(ctx context.Context, id string) (*Record, error)
	FindActiveBySubject(ctx context.Context, key SubjectKey) (*Record, error)
	// UpdateCAS applies patch only if the record's current status equals
	// expected. ok=false with a nil error means the swap was lost (or the id
	// is unknown); that is the expected signal, not a failure.
	UpdateCAS(ctx context.Context, id string, expected Status, patch Patch) (rec *Record, ok bool, err error)
	ListPending(ctx context.Context, f ListFilter) ([]Record, error)
	ListPendingDueBefore(ctx context.Context, cutoff time.Time) ([]Record, error)
	// ListProcessingDueBefore finds deliveries that started before cutoff and
	// never finalized; their executor is gone.
	ListProcessingDueBefore(ctx context.Context, cutoff time.Time) ([]Record, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// jobs
	PutJob(ctx context.Context, id string, runAt time.Time) error
	DeleteJob(ctx context.Context, id string) (bool, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	// ClaimDueJobs leases jobs that are due and unclaimed (or whose previous
	// claim is older than lease, i.e. the claimer crashed mid-execution).
	ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)
	CountJobs(ctx context.Context, now time.Time) (JobCounts, error)

	// case directory
	GetCase(ctx context.Context, caseNumber string) (*CaseInfo, error)
	UpsertCase(ctx context.Context, info CaseInfo) error

	Close() error
}

// Open initializes the configured store and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqlStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage: postgres dsn is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	st := &sqlStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
