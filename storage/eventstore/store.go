// Package eventstore persists liquidation events so external indexers can
// replay the cascade's decisions after a restart.
package eventstore

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"dualis/lending"
)

// Record is the persisted form of one liquidation event.
type Record struct {
	ID                 string `gorm:"type:uuid;primaryKey"`
	Borrower           string `gorm:"size:128;index"`
	PoolID             string `gorm:"size:32;index"`
	Tier               string `gorm:"size:32;index"`
	CollateralSeized   string `gorm:"size:80"`
	DebtRepaid         string `gorm:"size:80"`
	Penalty            string `gorm:"size:80"`
	BadDebt            string `gorm:"size:80"`
	HealthFactorBefore string `gorm:"size:40"`
	HealthFactorAfter  string `gorm:"size:40"`
	Timestamp          time.Time
	CreatedAt          time.Time
}

// TableName keeps the table name explicit rather than derived.
func (Record) TableName() string { return "liquidation_events" }

// Store is a database-backed event sink. It satisfies both the engine's sink
// and lister interfaces.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	return New(db)
}

// New wraps an existing connection, migrating the schema. Tests hand in an
// in-memory SQLite connection here.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Append persists one event. Events are append-only; a duplicate identifier
// is a bug upstream and surfaces as a constraint error.
func (s *Store) Append(event lending.LiquidationEvent) error {
	record := Record{
		ID:                 event.ID,
		Borrower:           event.Borrower,
		PoolID:             event.PoolID,
		Tier:               event.Tier.String(),
		CollateralSeized:   intString(event.CollateralSeized),
		DebtRepaid:         intString(event.DebtRepaid),
		Penalty:            intString(event.Penalty),
		BadDebt:            intString(event.BadDebt),
		HealthFactorBefore: event.HealthFactorBefore,
		HealthFactorAfter:  event.HealthFactorAfter,
		Timestamp:          event.Timestamp.UTC(),
	}
	if err := s.db.Create(&record).Error; err != nil {
		return fmt.Errorf("eventstore: append %s: %w", event.ID, err)
	}
	return nil
}

// List returns events matching the filter in emission order.
func (s *Store) List(filter lending.EventFilter) ([]lending.LiquidationEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Model(&Record{}).Order("timestamp asc, created_at asc")
	if borrower := strings.TrimSpace(filter.Borrower); borrower != "" {
		query = query.Where("borrower = ?", borrower)
	}
	if pool := strings.TrimSpace(filter.PoolID); pool != "" {
		query = query.Where("pool_id = ?", pool)
	}

	var records []Record
	if err := query.Offset(filter.Offset).Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("eventstore: list: %w", err)
	}
	events := make([]lending.LiquidationEvent, 0, len(records))
	for _, record := range records {
		events = append(events, record.event())
	}
	return events, nil
}

func (r Record) event() lending.LiquidationEvent {
	return lending.LiquidationEvent{
		ID:                 r.ID,
		Borrower:           r.Borrower,
		PoolID:             r.PoolID,
		Tier:               parseTier(r.Tier),
		CollateralSeized:   parseInt(r.CollateralSeized),
		DebtRepaid:         parseInt(r.DebtRepaid),
		Penalty:            parseInt(r.Penalty),
		BadDebt:            parseInt(r.BadDebt),
		HealthFactorBefore: r.HealthFactorBefore,
		HealthFactorAfter:  r.HealthFactorAfter,
		Timestamp:          r.Timestamp.UTC(),
	}
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseInt(v string) *big.Int {
	out, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
	if !ok {
		return big.NewInt(0)
	}
	return out
}

func parseTier(v string) lending.LiquidationTier {
	switch v {
	case lending.TierMarginCall.String():
		return lending.TierMarginCall
	case lending.TierSoftLiquidation.String():
		return lending.TierSoftLiquidation
	case lending.TierForcedLiquidation.String():
		return lending.TierForcedLiquidation
	case lending.TierFullLiquidation.String():
		return lending.TierFullLiquidation
	default:
		return lending.TierNone
	}
}
