package db

import (
	"context"
	"database/sql"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"pastebin/pkg/domain"
	"strings"
	"sync/atomic"
	"time"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

// sharedMemoryPath replaces a bare :memory: so every connection of every pool
// in the process opens the same database. It lives while any connection is open.
const sharedMemoryPath = "file:pastebin?mode=memory&cache=shared"

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

type SQLite struct {
	db            *sql.DB
	path          string
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

// NewSQLite opens path with its own pool. Journal mode, busy timeout and
// synchronous level travel in the DSN so every pooled connection gets them.
func NewSQLite(path string, pool Pool) (*SQLite, error) {
	pool = pool.withDefaults()
	if path == ":memory:" {
		path = sharedMemoryPath
	}
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if inMemory(path) {
		// Shared-cache writers lock whole tables, so one connection per pool.
		// Connections are never recycled or the database would vanish.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetMaxOpenConns(pool.MaxOpenConns)
		db.SetMaxIdleConns(pool.MaxIdleConns)
		db.SetConnMaxLifetime(1 * time.Hour)
		db.SetConnMaxIdleTime(10 * time.Minute)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		path:         path,
		queryTimeout: pool.QueryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}
func sqliteDSN(path string) string {
	params := []string{"_busy_timeout=5000", "_synchronous=FULL"}
	if !inMemory(path) {
		params = append(params, "_journal_mode=WAL")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}
func inMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isConstraint(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}
func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// mapInsertErr turns driver constraint failures into domain errors.
func mapInsertErr(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return unavailable(err, "db insert")
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
		return domain.ErrDuplicateID.WithCause(err)
	case sqlite3.ErrConstraintCheck, sqlite3.ErrConstraintNotNull:
		return domain.ErrConstraintViolation.WithCause(err)
	}
	return domain.ErrConstraintViolation.WithCause(err)
}
func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		CHECK (expires_at > created_at)
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	`
	_, err := s.db.Exec(query)
	return err
}
func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := checkInsert(p); err != nil {
		return err
	}
	if err := s.checkCircuit(); err != nil {
		return unavailable(err, "db insert")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `INSERT INTO pastes (id, content, created_at, expires_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(queryCtx, q, p.ID, p.Content, toNanos(p.CreatedAt), toNanos(p.ExpiresAt))
	s.recordError(err)
	if err != nil {
		return mapInsertErr(err)
	}
	return nil
}
func (s *SQLite) FetchLive(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, unavailable(err, "db fetch")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT id, content, created_at, expires_at FROM pastes WHERE id = ? AND expires_at > ?`
	var (
		p                domain.Paste
		created, expires int64
	)
	err := s.db.QueryRowContext(queryCtx, q, id, toNanos(now)).Scan(&p.ID, &p.Content, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, unavailable(err, "db fetch")
	}
	p.CreatedAt = fromNanos(created)
	p.ExpiresAt = fromNanos(expires)
	return &p, nil
}

// DeleteExpiredBatch runs as a single statement, so a batch is all or nothing.
func (s *SQLite) DeleteExpiredBatch(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	if err := s.checkCircuit(); err != nil {
		return 0, unavailable(err, "db delete expired")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	result, err := s.db.ExecContext(queryCtx, `
		DELETE FROM pastes
		WHERE id IN (
			SELECT id FROM pastes
			WHERE expires_at <= ?
			ORDER BY expires_at
			LIMIT ?
		)
	`, toNanos(now), limit)
	s.recordError(err)
	if err != nil {
		return 0, unavailable(err, "db delete expired")
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable(err, "db rows affected")
	}
	return int(deleted), nil
}
func (s *SQLite) Stats(ctx context.Context, now time.Time) (Stats, error) {
	if err := s.checkCircuit(); err != nil {
		return Stats{}, unavailable(err, "db stats")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var st Stats
	err := s.db.QueryRowContext(queryCtx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0)
		FROM pastes
	`, toNanos(now)).Scan(&st.Total, &st.Live)
	s.recordError(err)
	if err != nil {
		return Stats{}, unavailable(err, "db stats")
	}
	st.Expired = st.Total - st.Live
	return st, nil
}
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.Wrap(err, "sqlite ping")
	}
	return nil
}

// Path is the file the store was opened on, without DSN parameters.
func (s *SQLite) Path() string {
	return s.path
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
