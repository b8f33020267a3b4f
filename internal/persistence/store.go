package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"FolioLedger/internal/observability"
	"FolioLedger/internal/xerrors"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Dialect selects SQL differences between the production Postgres backend
// and the embedded SQLite backend used for single-node runs and tests.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Querier is satisfied by *sql.DB, *sql.Tx and *UnitOfWork.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store owns the connection pool and hands out units of work.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	metrics  *observability.Metrics
	logger   zerolog.Logger
	onOutbox func()
}

// Open connects and pings the database. SQLite DSNs get IMMEDIATE
// transactions, a busy timeout and foreign keys, and the pool is pinned to a
// single connection: SQLite has one writer, so writers queue in the pool
// instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, driver, dsn string, pool PoolOptions, metrics *observability.Metrics, logger zerolog.Logger) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	if dialect == DialectSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s open: %w", dialect, err)
	}

	switch dialect {
	case DialectSQLite:
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	default:
		if pool.MaxOpenConns > 0 {
			db.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.MaxIdleConns > 0 {
			db.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping: %w", dialect, err)
	}

	return NewStore(db, dialect, metrics, logger), nil
}

// NewStore wraps an already opened pool.
func NewStore(db *sql.DB, dialect Dialect, metrics *observability.Metrics, logger zerolog.Logger) *Store {
	return &Store{db: db, dialect: dialect, metrics: metrics, logger: logger}
}

func sqliteDSN(dsn string) string {
	params := []string{"_txlock=immediate", "_busy_timeout=5000", "_foreign_keys=on"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range params {
		key := p[:strings.IndexByte(p, '=')+1]
		if strings.Contains(dsn, key) {
			continue
		}
		dsn += sep + p
		sep = "&"
	}
	return dsn
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// OnOutboxCommit registers fn to run after every commit that enqueued at
// least one outbox message. Set it before the store is shared.
func (s *Store) OnOutboxCommit(fn func()) { s.onOutbox = fn }

// UnitOfWork is the transaction every leaf operation of a trade, cash
// movement or premium debit runs in. All mutations commit or roll back
// together.
type UnitOfWork struct {
	tx          *sql.Tx
	dialect     Dialect
	afterCommit []func()
	onOutbox    func()
	outboxDirty bool
}

// WithinUnitOfWork runs fn inside one transaction.
//
// ctx is only honoured up to BEGIN. Once the transaction exists, fn receives
// a context detached from the caller's cancellation so a cancelled request
// cannot interrupt a commit halfway. The transaction is rolled back when fn
// returns an error or panics; hooks registered with AfterCommit run only
// after a successful commit.
func (s *Store) WithinUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	txCtx := context.WithoutCancel(ctx)

	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		s.recordError("tx_begin")
		return xerrors.Internal(err, "begin unit of work")
	}

	uow := &UnitOfWork{tx: tx, dialect: s.dialect, onOutbox: s.onOutbox}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				s.logger.Warn().Err(rbErr).Msg("rollback failed")
			}
		}
		if s.metrics != nil {
			s.metrics.UnitOfWorkDur.Observe(time.Since(start).Seconds())
		}
	}()

	if err := fn(txCtx, uow); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.recordError("tx_commit")
		return xerrors.Internal(err, "commit unit of work")
	}
	committed = true

	for _, hook := range uow.afterCommit {
		hook()
	}
	return nil
}

func (s *Store) recordError(op string) {
	if s.metrics != nil {
		s.metrics.StorageErrors.WithLabelValues(op).Inc()
	}
}

func (u *UnitOfWork) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return u.tx.ExecContext(ctx, query, args...)
}

func (u *UnitOfWork) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return u.tx.QueryContext(ctx, query, args...)
}

func (u *UnitOfWork) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return u.tx.QueryRowContext(ctx, query, args...)
}

func (u *UnitOfWork) Dialect() Dialect { return u.dialect }

// ForUpdate returns the row-lock suffix for SELECTs that are followed by a
// write in the same unit of work. SQLite has no row locks; its IMMEDIATE
// transaction already holds the database write lock.
func (u *UnitOfWork) ForUpdate() string {
	if u.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// LockKey takes a transaction-scoped exclusive lock on key. On Postgres this
// is an advisory lock released at commit or rollback, so it serialises
// writers across server instances, including the first write for a key that
// has no row to lock yet. Re-acquiring in the same transaction is a no-op.
func (u *UnitOfWork) LockKey(ctx context.Context, key string) error {
	if u.dialect != DialectPostgres {
		return nil
	}
	if _, err := u.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return xerrors.Internal(err, "advisory lock "+key)
	}
	return nil
}

func (u *UnitOfWork) markOutbox() {
	if u.outboxDirty || u.onOutbox == nil {
		return
	}
	u.outboxDirty = true
	u.AfterCommit(u.onOutbox)
}

// AfterCommit registers fn to run once the transaction has committed.
func (u *UnitOfWork) AfterCommit(fn func()) {
	u.afterCommit = append(u.afterCommit, fn)
}
