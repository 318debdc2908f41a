package metrology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ResultStore keeps verdict history per unit.
type ResultStore interface {
	Save(ctx context.Context, result *VerdictResult) error
	Latest(ctx context.Context, serial string) (*VerdictResult, error)
	List(ctx context.Context, limit int) ([]*VerdictResult, error)
}

// MemoryResultStore is a ResultStore for tests and database-less runs.
type MemoryResultStore struct {
	mu      sync.RWMutex
	results []*VerdictResult
}

// NewMemoryResultStore creates an empty in-memory store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{}
}

// Save implements ResultStore.
func (s *MemoryResultStore) Save(_ context.Context, result *VerdictResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

// Latest implements ResultStore.
func (s *MemoryResultStore) Latest(_ context.Context, serial string) (*VerdictResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *VerdictResult
	for _, r := range s.results {
		if r.SerialID != serial {
			continue
		}
		if latest == nil || !r.EvaluatedAt.Before(latest.EvaluatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w for serial %s", ErrResultNotFound, serial)
	}
	return latest, nil
}

// List implements ResultStore, newest first. A limit <= 0 returns everything.
func (s *MemoryResultStore) List(_ context.Context, limit int) ([]*VerdictResult, error) {
	s.mu.RLock()
	out := make([]*VerdictResult, len(s.results))
	copy(out, s.results)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].EvaluatedAt.After(out[j].EvaluatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// VerdictRecord is the database row for one verification run.
type VerdictRecord struct {
	RunID           string    `gorm:"primaryKey;type:varchar(36)"`
	SerialID        string    `gorm:"type:varchar(64);index"`
	Passed          bool      `gorm:"not null"`
	RMSErrorPercent float64   `gorm:"not null"`
	EvaluatedAt     time.Time `gorm:"not null;index"`
	Payload         string    `gorm:"type:text;not null"` // full VerdictResult as JSON
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

// TableName sets the table name for VerdictRecord.
func (VerdictRecord) TableName() string {
	return "verdicts"
}

func newVerdictRecord(result *VerdictResult) (*VerdictRecord, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling verdict: %w", err)
	}
	return &VerdictRecord{
		RunID:           result.RunID,
		SerialID:        result.SerialID,
		Passed:          result.Passed,
		RMSErrorPercent: result.RMSErrorPercent,
		EvaluatedAt:     result.EvaluatedAt,
		Payload:         string(payload),
	}, nil
}

func (rec *VerdictRecord) result() (*VerdictResult, error) {
	var result VerdictResult
	if err := json.Unmarshal([]byte(rec.Payload), &result); err != nil {
		return nil, fmt.Errorf("decoding stored verdict %s: %w", rec.RunID, err)
	}
	return &result, nil
}

// GormResultStore persists verdicts through gorm.
type GormResultStore struct {
	db *gorm.DB
}

// NewGormResultStore wraps an open gorm connection and migrates the schema.
func NewGormResultStore(db *gorm.DB) (*GormResultStore, error) {
	if err := db.AutoMigrate(&VerdictRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &GormResultStore{db: db}, nil
}

// OpenPostgresStore connects to dsn and returns a migrated store.
func OpenPostgresStore(dsn string) (*GormResultStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return NewGormResultStore(db)
}

// Save implements ResultStore.
func (s *GormResultStore) Save(ctx context.Context, result *VerdictResult) error {
	rec, err := newVerdictRecord(result)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to save verdict: %w", err)
	}
	return nil
}

// Latest implements ResultStore.
func (s *GormResultStore) Latest(ctx context.Context, serial string) (*VerdictResult, error) {
	var rec VerdictRecord
	err := s.db.WithContext(ctx).
		Where("serial_id = ?", serial).
		Order("evaluated_at DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w for serial %s", ErrResultNotFound, serial)
		}
		return nil, fmt.Errorf("failed to get verdict: %w", err)
	}
	return rec.result()
}

// List implements ResultStore, newest first. A limit <= 0 returns everything.
func (s *GormResultStore) List(ctx context.Context, limit int) ([]*VerdictResult, error) {
	q := s.db.WithContext(ctx).Order("evaluated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []VerdictRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list verdicts: %w", err)
	}

	out := make([]*VerdictResult, 0, len(recs))
	for i := range recs {
		r, err := recs[i].result()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *GormResultStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
