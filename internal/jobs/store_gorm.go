package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// データベースドライバー名
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenDatabase は driver と dsn から gorm の接続を開き、スキーマを移行します。
func OpenDatabase(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if db.Dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite は書き込みが 1 接続に限られるため直列化する
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&Job{}); err != nil {
		return nil, fmt.Errorf("migrate jobs table: %w", err)
	}
	return db, nil
}

// GormStore はジョブ記録を SQL データベースに保存します。
type GormStore struct {
	db *gorm.DB
	// mu はプロセス内の読み取り-更新-書き込みを直列化します。
	// PostgreSQL では加えて行ロックを取ります。
	mu sync.Mutex
}

// NewGormStore は GormStore を作成します。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *GormStore) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *GormStore) ListByOwner(ctx context.Context, ownerID string) ([]*Job, error) {
	jobs := []*Job{}
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *GormStore) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	jobs := []*Job{}
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Order("id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *GormStore) Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := s.lockedGet(tx, id)
		if err != nil {
			return err
		}
		if err := mutate(job); err != nil {
			return err
		}
		job.ID = id
		if err := tx.Save(job).Error; err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *GormStore) Delete(ctx context.Context, id string, guard func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := s.lockedGet(tx, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(job); err != nil {
				return err
			}
		}
		if err := tx.Delete(&Job{}, "id = ?", id).Error; err != nil {
			return err
		}
		deleted = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *GormStore) lockedGet(tx *gorm.DB, id string) (*Job, error) {
	q := tx
	if tx.Dialector.Name() == DriverPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var job Job
	if err := q.First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}
