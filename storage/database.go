// Package storage is the persistence contract for the execution core: a
// gorm.DB-backed store for Position and Order records plus portfolio risk
// bookkeeping, reachable via sqlite (the default, single-file deployment)
// or postgres (an alternate driver behind the same contract, for operators
// who want a shared instance across processes).
//
// Grounded on internal/database/database.go's gorm model + AutoMigrate
// idiom and execution/reconciler.go's PersistPosition/RemovePosition
// save-on-every-mutation pattern, adapted from many denormalized per-domain
// tables into two generic JSON-valued tables (positions, orders) since the
// execution core's entities are few but must round-trip exactly.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nullstake/spotexec/internal/xerrors"
	"github.com/nullstake/spotexec/orderstate"
	"github.com/nullstake/spotexec/position"
)

// positionRow is the gorm model backing the positions table.
type positionRow struct {
	PositionID string `gorm:"column:position_id;primaryKey"`
	Value      string `gorm:"column:value"` // JSON-encoded position.Snapshot
	UpdatedAt  time.Time
}

func (positionRow) TableName() string { return "positions" }

// orderRow is the gorm model backing the orders table.
type orderRow struct {
	OrderID    string `gorm:"column:order_id;primaryKey"`
	PositionID string `gorm:"column:position_id;index"`
	Value      string `gorm:"column:value"` // JSON-encoded OrderRecord
	State      int    `gorm:"column:state;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (orderRow) TableName() string { return "orders" }

// riskStateRow is the single-row table backing portfolio risk state, the
// gorm analogue of execution/reconciler.go's SaveRiskState/LoadRiskState.
type riskStateRow struct {
	ID        uint   `gorm:"primaryKey"`
	Value     string `gorm:"column:value"`
	UpdatedAt time.Time
}

func (riskStateRow) TableName() string { return "risk_state" }

type migrationRow struct {
	Version   int `gorm:"primaryKey"`
	AppliedAt time.Time
}

func (migrationRow) TableName() string { return "migrations" }

// OrderRecord is the persisted shape of one order: enough to rebuild an
// orderstate.Machine and the venue identifiers needed to re-poll it during
// reconciliation.
type OrderRecord struct {
	OrderID       string
	VenueOrderID  string // assigned once the venue acks; "" before then
	ClientOrderID string
	PositionID    string
	ProductID     string
	Kind          string // "entry" | "stop" | "force_exit"
	Price         string
	TriggerPrice  string
	Qty           string
	FilledQty     string
	State         orderstate.State
}

// Store is the persistence boundary every other component depends on.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn. A postgres:// or postgresql:// prefix selects the
// postgres driver; anything else is treated as a sqlite file path,
// matching internal/database.New's driver-selection idiom.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindPersistenceError, "open postgres", err)
		}
		log.Info().Msg("storage connected (postgres)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, xerrors.Wrap(xerrors.KindPersistenceError, "create db directory", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindPersistenceError, "open sqlite", err)
		}
		// sqlite has no real concurrent-writer story and an in-memory DSN is
		// per-connection — cap the pool at one connection so every caller
		// (including ":memory:" in tests) observes a single, consistent database.
		if sqlDB, sqlErr := db.DB(); sqlErr == nil {
			sqlDB.SetMaxOpenConns(1)
		}
		log.Info().Str("path", dsn).Msg("storage connected (sqlite)")
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates every table with gorm's AutoMigrate and, the
// first time it runs, records schema version 1 in the migrations table.
// There is no per-version migration step beyond that single version, and
// no rollback path; AutoMigrate adds missing tables/columns and never
// drops data.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&migrationRow{}, &positionRow{}, &orderRow{}, &riskStateRow{}); err != nil {
		return xerrors.Wrap(xerrors.KindPersistenceError, "automigrate", err)
	}

	var applied int64
	s.db.Model(&migrationRow{}).Count(&applied)
	if applied == 0 {
		if err := s.db.Create(&migrationRow{Version: 1, AppliedAt: time.Now()}).Error; err != nil {
			return xerrors.Wrap(xerrors.KindPersistenceError, "record migration v1", err)
		}
	}
	return nil
}

// SavePosition upserts a position snapshot.
func (s *Store) SavePosition(snap position.Snapshot) error {
	value, err := json.Marshal(snap)
	if err != nil {
		return xerrors.Wrap(xerrors.KindPersistenceError, "encode position", err)
	}
	row := positionRow{PositionID: snap.PositionID, Value: string(value), UpdatedAt: time.Now()}
	if err := s.db.Save(&row).Error; err != nil {
		return xerrors.Wrap(xerrors.KindPersistenceError, "save position", err)
	}
	return nil
}

// LoadPosition fetches one position snapshot by id.
func (s *Store) LoadPosition(positionID string) (position.Snapshot, error) {
	var row positionRow
	if err := s.db.First(&row, "position_id = ?", positionID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return position.Snapshot{}, xerrors.New(xerrors.KindPersistenceError, "position not found: "+positionID)
		}
		return position.Snapshot{}, xerrors.Wrap(xerrors.KindPersistenceError, "load position", err)
	}
	var snap position.Snapshot
	if err := json.Unmarshal([]byte(row.Value), &snap); err != nil {
		return position.Snapshot{}, xerrors.Wrap(xerrors.KindPersistenceError, "decode position", err)
	}
	return snap, nil
}

// ListPositions returns every persisted position snapshot, used at startup
// to seed reconciliation.
func (s *Store) ListPositions() ([]position.Snapshot, error) {
	var rows []positionRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, xerrors.Wrap(xerrors.KindPersistenceError, "list positions", err)
	}
	out := make([]position.Snapshot, 0, len(rows))
	for _, row := range rows {
		var snap position.Snapshot
		if err := json.Unmarshal([]byte(row.Value), &snap); err != nil {
			return nil, xerrors.Wrap(xerrors.KindPersistenceError, fmt.Sprintf("decode position %s", row.PositionID), err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// SaveOrder upserts an order record.
func (s *Store) SaveOrder(rec OrderRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.KindPersistenceError, "encode order", err)
	}

	var existing orderRow
	createdAt := time.Now()
	if err := s.db.First(&existing, "order_id = ?", rec.OrderID).Error; err == nil {
		createdAt = existing.CreatedAt
	}

	row := orderRow{
		OrderID:    rec.OrderID,
		PositionID: rec.PositionID,
		Value:      string(value),
		State:      int(rec.State),
		CreatedAt:  createdAt,
		UpdatedAt:  time.Now(),
	}
	if err := s.db.Save(&row).Error; err != nil {
		return xerrors.Wrap(xerrors.KindPersistenceError, "save order", err)
	}
	return nil
}

// LoadOrder fetches one order record by id.
func (s *Store) LoadOrder(orderID string) (OrderRecord, error) {
	var row orderRow
	if err := s.db.First(&row, "order_id = ?", orderID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return OrderRecord{}, xerrors.New(xerrors.KindPersistenceError, "order not found: "+orderID)
		}
		return OrderRecord{}, xerrors.Wrap(xerrors.KindPersistenceError, "load order", err)
	}
	return decodeOrderRow(row)
}

// ListOrders returns every order associated with positionID.
func (s *Store) ListOrders(positionID string) ([]OrderRecord, error) {
	var rows []orderRow
	if err := s.db.Where("position_id = ?", positionID).Find(&rows).Error; err != nil {
		return nil, xerrors.Wrap(xerrors.KindPersistenceError, "list orders", err)
	}
	return decodeOrderRows(rows)
}

// ListOpenOrders returns every order not yet in a terminal orderstate,
// across all positions — the seed set for reconciliation's venue
// cross-check.
func (s *Store) ListOpenOrders() ([]OrderRecord, error) {
	terminal := []int{int(orderstate.StateFilled), int(orderstate.StateCancelled), int(orderstate.StateRejected)}
	var rows []orderRow
	if err := s.db.Where("state NOT IN ?", terminal).Find(&rows).Error; err != nil {
		return nil, xerrors.Wrap(xerrors.KindPersistenceError, "list open orders", err)
	}
	return decodeOrderRows(rows)
}

func decodeOrderRow(row orderRow) (OrderRecord, error) {
	var rec OrderRecord
	if err := json.Unmarshal([]byte(row.Value), &rec); err != nil {
		return OrderRecord{}, xerrors.Wrap(xerrors.KindPersistenceError, "decode order", err)
	}
	return rec, nil
}

func decodeOrderRows(rows []orderRow) ([]OrderRecord, error) {
	out := make([]OrderRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeOrderRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// RiskState is the persisted shape of portfolio-level risk bookkeeping.
type RiskState struct {
	Capital               string
	ConsecutiveLosses     int
	DailyRealizedPnL      string
	DailyPnLDate          string
	CircuitBreakerTripped bool
}

// SaveRiskState upserts the single risk-state row.
func (s *Store) SaveRiskState(state RiskState) error {
	value, err := json.Marshal(state)
	if err != nil {
		return xerrors.Wrap(xerrors.KindPersistenceError, "encode risk state", err)
	}
	row := riskStateRow{ID: 1, Value: string(value), UpdatedAt: time.Now()}
	if err := s.db.Save(&row).Error; err != nil {
		return xerrors.Wrap(xerrors.KindPersistenceError, "save risk state", err)
	}
	return nil
}

// LoadRiskState fetches the single risk-state row. It returns the zero
// value with no error if none has been saved yet.
func (s *Store) LoadRiskState() (RiskState, error) {
	var row riskStateRow
	err := s.db.First(&row, "id = ?", 1).Error
	if err == gorm.ErrRecordNotFound {
		return RiskState{}, nil
	}
	if err != nil {
		return RiskState{}, xerrors.Wrap(xerrors.KindPersistenceError, "load risk state", err)
	}
	var state RiskState
	if err := json.Unmarshal([]byte(row.Value), &state); err != nil {
		return RiskState{}, xerrors.Wrap(xerrors.KindPersistenceError, "decode risk state", err)
	}
	return state, nil
}

// Transaction runs fn inside a gorm transaction, rolling back on any
// returned error. fn receives a *Store scoped to the transaction so it can
// call the same Save/Load methods atomically.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	return s.db.Transaction(func(gtx *gorm.DB) error {
		return fn(&Store{db: gtx})
	})
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return xerrors.Wrap(xerrors.KindPersistenceError, "get sql.DB", err)
	}
	return sqlDB.Close()
}
