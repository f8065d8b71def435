package db

import (
	"context"
	"github.com/pkg/errors"
	"pastebin/cfg"
	"pastebin/pkg/domain"
	"time"
)

// Store is the durable home of pastes. Every method is a short atomic unit
// against the backing store and is safe for concurrent use by request handlers
// and the sweeper.
type Store interface {
	// Insert fails with domain.ErrDuplicateID when the id is taken and with
	// domain.ErrConstraintViolation when expires_at is not after created_at.
	Insert(ctx context.Context, p *domain.Paste) error
	// FetchLive returns domain.ErrPasteNotFound both for unknown ids and for
	// rows whose expires_at <= now.
	FetchLive(ctx context.Context, id string, now time.Time) (*domain.Paste, error)
	// DeleteExpiredBatch removes at most limit rows with expires_at <= now,
	// oldest first, and reports how many were removed.
	DeleteExpiredBatch(ctx context.Context, now time.Time, limit int) (int, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

type Stats struct {
	Total   int64 `json:"total"`
	Live    int64 `json:"live"`
	Expired int64 `json:"expired"`
}

// Pool sizes one connection pool. The serving path and the sweeper each get their own.
type Pool struct {
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

func ServingPool(c *cfg.Cfg) Pool {
	return Pool{MaxOpenConns: c.DBMaxOpenConns, MaxIdleConns: c.DBMaxIdleConns, QueryTimeout: c.DBQueryTimeout}
}
func SweeperPool(c *cfg.Cfg) Pool {
	return Pool{MaxOpenConns: c.Sweep.DBMaxOpenConns, MaxIdleConns: c.Sweep.DBMaxOpenConns, QueryTimeout: c.DBQueryTimeout}
}

func (p Pool) withDefaults() Pool {
	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = defaultMaxOpenConns
	}
	if p.MaxIdleConns <= 0 || p.MaxIdleConns > p.MaxOpenConns {
		p.MaxIdleConns = p.MaxOpenConns
	}
	if p.QueryTimeout <= 0 {
		p.QueryTimeout = defaultQueryTimeout
	}
	return p
}

const (
	defaultMaxOpenConns = 20
	defaultQueryTimeout = 5 * time.Second
)

// Open connects to the backend selected by c.StoreBackend with the given pool.
func Open(c *cfg.Cfg, pool Pool) (Store, error) {
	switch c.StoreBackend {
	case cfg.BackendSQLite, "":
		return NewSQLite(c.DatabasePath, pool)
	case cfg.BackendBolt:
		return NewBolt(c.DatabasePath, pool.QueryTimeout)
	case cfg.BackendMySQL:
		return NewMySQL(c.MySQLDSN.Value(), pool)
	}
	return nil, errors.Errorf("unknown store backend %q", c.StoreBackend)
}

func checkInsert(p *domain.Paste) error {
	if p == nil {
		return errors.New("paste is nil")
	}
	if !p.Valid() {
		return domain.ErrConstraintViolation
	}
	return nil
}

func unavailable(err error, op string) error {
	return errors.Wrap(domain.ErrStoreUnavailable.WithCause(err), op)
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}
func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
