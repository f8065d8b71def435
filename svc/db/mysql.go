package db

import (
	"context"
	"database/sql"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"pastebin/pkg/domain"
	"pastebin/svc/util"
	"time"
)

type pasteRow struct {
	ID          string `gorm:"column:id;primaryKey;size:16"`
	Content     string `gorm:"column:content;type:mediumtext;not null"`
	CreatedNano int64  `gorm:"column:created_at;not null"`
	ExpiresNano int64  `gorm:"column:expires_at;not null;index:idx_pastes_expires_at"`
}

func (pasteRow) TableName() string { return "pastes" }

// MySQL is the shared-server backend, for deployments that run several
// server processes against one database.
type MySQL struct {
	db           *gorm.DB
	sqlDB        *sql.DB
	queryTimeout time.Duration
}

func NewMySQL(dsn string, pool Pool) (*MySQL, error) {
	if dsn == "" {
		return nil, errors.New("mysql dsn is empty")
	}
	pool = pool.withDefaults()
	lg := util.GetLogger().With().Str("component", "gorm").Logger()
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.New(&lg, logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	if err := gdb.AutoMigrate(&pasteRow{}); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return &MySQL{db: gdb, sqlDB: sqlDB, queryTimeout: pool.QueryTimeout}, nil
}
func (m *MySQL) Insert(ctx context.Context, p *domain.Paste) error {
	if err := checkInsert(p); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	row := pasteRow{
		ID:          p.ID,
		Content:     p.Content,
		CreatedNano: toNanos(p.CreatedAt),
		ExpiresNano: toNanos(p.ExpiresAt),
	}
	err := m.db.WithContext(ctx).Create(&row).Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return domain.ErrDuplicateID.WithCause(err)
	}
	return unavailable(err, "mysql insert")
}
func (m *MySQL) FetchLive(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	var row pasteRow
	err := m.db.WithContext(ctx).
		Where("id = ? AND expires_at > ?", id, toNanos(now)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, unavailable(err, "mysql fetch")
	}
	return &domain.Paste{
		ID:        row.ID,
		Content:   row.Content,
		CreatedAt: fromNanos(row.CreatedNano),
		ExpiresAt: fromNanos(row.ExpiresNano),
	}, nil
}
func (m *MySQL) DeleteExpiredBatch(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	res := m.db.WithContext(ctx).Exec(
		"DELETE FROM pastes WHERE expires_at <= ? ORDER BY expires_at LIMIT ?",
		toNanos(now), limit,
	)
	if res.Error != nil {
		return 0, unavailable(res.Error, "mysql delete expired")
	}
	return int(res.RowsAffected), nil
}
func (m *MySQL) Stats(ctx context.Context, now time.Time) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	var st Stats
	if err := m.db.WithContext(ctx).Model(&pasteRow{}).Count(&st.Total).Error; err != nil {
		return Stats{}, unavailable(err, "mysql stats")
	}
	if err := m.db.WithContext(ctx).Model(&pasteRow{}).
		Where("expires_at > ?", toNanos(now)).
		Count(&st.Live).Error; err != nil {
		return Stats{}, unavailable(err, "mysql stats")
	}
	st.Expired = st.Total - st.Live
	return st, nil
}
func (m *MySQL) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return errors.Wrap(m.sqlDB.PingContext(ctx), "mysql ping")
}
func (m *MySQL) Close() error {
	return m.sqlDB.Close()
}
