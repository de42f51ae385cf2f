package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vigil/internal/broker"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Journal is the trade audit trail: every order, fill, exit and cancellation
// of the session, queryable after the fact. It is append-mostly and separate
// from the state document, which only holds what the next cycle needs.
type Journal struct {
	db *gorm.DB
}

func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OrderModel{}, &FillModel{}, &ExitModel{}, &CancelModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: keep connections low so the session loop and the admin
	// API readers do not fight over locks.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordOrder writes the submitted order with its outcome status. Replays of
// the same client ID update the existing row instead of duplicating it.
func (j *Journal) RecordOrder(ord *broker.Order, status OrderStatus, rejectReason string) error {
	if ord == nil {
		return nil
	}
	raw, _ := json.Marshal(ord)
	now := time.Now().Unix()
	row := OrderModel{
		ClientID:      ord.ClientID,
		Symbol:        ord.Symbol,
		Side:          string(ord.Side),
		Quantity:      ord.Quantity,
		StopLoss:      ord.StopLoss,
		TakeProfit:    ord.TakeProfit,
		Equity:        ord.EquityAtSubmit,
		Status:        status,
		RejectReason:  rejectReason,
		RawJSON:       datatypes.JSON(raw),
		CreatedAtUnix: ord.CreatedAt.Unix(),
		UpdatedAtUnix: now,
	}
	return j.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "reject_reason", "updated_at",
		}),
	}).Create(&row).Error
}

func (j *Journal) RecordFills(fills []broker.Fill) error {
	for _, f := range fills {
		row := FillModel{
			FillID:        f.ID,
			OrderID:       f.OrderID,
			Symbol:        f.Symbol,
			Side:          string(f.Side),
			Quantity:      f.Quantity,
			Price:         f.Price,
			CreatedAtUnix: f.Time.Unix(),
		}
		if f.Partial {
			row.Partial = 1
		}
		if err := j.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) RecordExits(exits []broker.ExitEvent) error {
	for _, e := range exits {
		row := ExitModel{
			Symbol:        e.Symbol,
			Side:          e.Side,
			Quantity:      e.Quantity,
			Price:         e.Price,
			PnL:           e.PnL,
			Reason:        e.Reason,
			CreatedAtUnix: e.Time.Unix(),
		}
		if err := j.db.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) RecordCancels(cancels []broker.CancelEvent) error {
	for _, c := range cancels {
		row := CancelModel{
			WorkingOrderID: c.WorkingOrderID,
			ParentID:       c.ParentID,
			Symbol:         c.Symbol,
			Remaining:      c.Remaining,
			Reason:         c.Reason,
			CreatedAtUnix:  c.Time.Unix(),
		}
		if err := j.db.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// MarkOrdersCanceled moves the given orders to the canceled status, keeping
// the audit trail consistent with the cancel events written at shutdown.
func (j *Journal) MarkOrdersCanceled(clientIDs []string) error {
	if len(clientIDs) == 0 {
		return nil
	}
	return j.db.Model(&OrderModel{}).
		Where("client_id IN ?", clientIDs).
		Updates(map[string]any{
			"status":     OrderStatusCanceled,
			"updated_at": time.Now().Unix(),
		}).Error
}

// OrderQuery filters ListOrders. Zero values mean "no filter".
type OrderQuery struct {
	Symbol string
	Status OrderStatus
	Limit  int
	Offset int
}

func (j *Journal) ListOrders(q OrderQuery) ([]OrderModel, error) {
	tx := j.db.Model(&OrderModel{}).Order("created_at DESC, id DESC")
	if q.Symbol != "" {
		tx = tx.Where("symbol = ?", q.Symbol)
	}
	if q.Status != OrderStatusUnknown {
		tx = tx.Where("status = ?", q.Status)
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	tx = tx.Limit(limit).Offset(q.Offset)
	var rows []OrderModel
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (j *Journal) ListFills(orderID string, limit int) ([]FillModel, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	tx := j.db.Model(&FillModel{}).Order("created_at DESC, id DESC").Limit(limit)
	if orderID != "" {
		tx = tx.Where("order_id = ?", orderID)
	}
	var rows []FillModel
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (j *Journal) ListExits(limit int) ([]ExitModel, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []ExitModel
	err := j.db.Model(&ExitModel{}).Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SessionTotals aggregates realized results for the end-of-session summary.
type SessionTotals struct {
	Orders  int64
	Fills   int64
	Exits   int64
	Cancels int64
	PnL     float64
	Wins    int64
	Losses  int64
}

func (j *Journal) Totals() (SessionTotals, error) {
	var t SessionTotals
	if err := j.db.Model(&OrderModel{}).Count(&t.Orders).Error; err != nil {
		return t, err
	}
	if err := j.db.Model(&FillModel{}).Count(&t.Fills).Error; err != nil {
		return t, err
	}
	if err := j.db.Model(&ExitModel{}).Count(&t.Exits).Error; err != nil {
		return t, err
	}
	if err := j.db.Model(&CancelModel{}).Count(&t.Cancels).Error; err != nil {
		return t, err
	}
	var pnl *float64
	if err := j.db.Model(&ExitModel{}).Select("SUM(pnl)").Scan(&pnl).Error; err != nil {
		return t, err
	}
	if pnl != nil {
		t.PnL = *pnl
	}
	if err := j.db.Model(&ExitModel{}).Where("pnl > 0").Count(&t.Wins).Error; err != nil {
		return t, err
	}
	if err := j.db.Model(&ExitModel{}).Where("pnl < 0").Count(&t.Losses).Error; err != nil {
		return t, err
	}
	return t, nil
}
