package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"grid-hedge/internal/core"
)

// TradeRecord is the sqlite row for one executed fill. Rows are append-only.
type TradeRecord struct {
	ID             string `gorm:"primaryKey"`
	StrategyID     string `gorm:"index"`
	LevelIndex     int
	OrderID        string `gorm:"uniqueIndex"`
	Symbol         string
	Side           string
	Price          string
	Qty            string
	Fee            string
	RealizedProfit string
	Account        string
	Timestamp      int64 `gorm:"index"`
}

// TradeRecorder keeps the durable trade history behind the list_trades and
// stats query surfaces.
type TradeRecorder struct {
	db *gorm.DB
}

func NewTradeRecorder(dsn string) (*TradeRecorder, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open trade db: %v", core.ErrPersistence, err)
	}
	if err := db.AutoMigrate(&TradeRecord{}); err != nil {
		return nil, fmt.Errorf("%w: migrate trade db: %v", core.ErrPersistence, err)
	}
	return &TradeRecorder{db: db}, nil
}

// Close releases the underlying database handle.
func (r *TradeRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append records a trade. A replayed trade with an order id already recorded
// is ignored, keeping the history idempotent under duplicate delivery.
func (r *TradeRecorder) Append(trade core.Trade) error {
	rec := TradeRecord{
		ID:             trade.ID,
		StrategyID:     trade.StrategyID,
		LevelIndex:     trade.LevelIndex,
		OrderID:        trade.OrderID,
		Symbol:         trade.Symbol,
		Side:           string(trade.Side),
		Price:          trade.Price.String(),
		Qty:            trade.Qty.String(),
		Fee:            trade.Fee.String(),
		RealizedProfit: trade.RealizedProfit.String(),
		Account:        trade.Account,
		Timestamp:      trade.Time.Unix(),
	}
	err := r.db.Create(&rec).Error
	if err != nil {
		if r.db.Where("order_id = ?", trade.OrderID).First(&TradeRecord{}).Error == nil {
			return nil
		}
		return fmt.Errorf("%w: append trade: %v", core.ErrPersistence, err)
	}
	return nil
}

// Recent returns up to limit trades, newest first, optionally filtered by
// strategy id.
func (r *TradeRecorder) Recent(strategyID string, limit int) ([]core.Trade, error) {
	if limit <= 0 {
		limit = 20
	}
	q := r.db.Order("timestamp desc").Limit(limit)
	if strategyID != "" {
		q = q.Where("strategy_id = ?", strategyID)
	}
	var rows []TradeRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: query trades: %v", core.ErrPersistence, err)
	}
	trades := make([]core.Trade, 0, len(rows))
	for _, row := range rows {
		trades = append(trades, row.toTrade())
	}
	return trades, nil
}

// Totals sums realized profit and counts trades across the whole history.
func (r *TradeRecorder) Totals() (decimal.Decimal, int64, error) {
	var count int64
	if err := r.db.Model(&TradeRecord{}).Count(&count).Error; err != nil {
		return decimal.Zero, 0, fmt.Errorf("%w: count trades: %v", core.ErrPersistence, err)
	}
	var rows []TradeRecord
	if err := r.db.Select("realized_profit").Find(&rows).Error; err != nil {
		return decimal.Zero, 0, fmt.Errorf("%w: sum profit: %v", core.ErrPersistence, err)
	}
	total := decimal.Zero
	for _, row := range rows {
		p, err := decimal.NewFromString(row.RealizedProfit)
		if err != nil {
			continue
		}
		total = total.Add(p)
	}
	return total, count, nil
}

func (rec TradeRecord) toTrade() core.Trade {
	price, _ := decimal.NewFromString(rec.Price)
	qty, _ := decimal.NewFromString(rec.Qty)
	fee, _ := decimal.NewFromString(rec.Fee)
	profit, _ := decimal.NewFromString(rec.RealizedProfit)
	return core.Trade{
		ID:             rec.ID,
		StrategyID:     rec.StrategyID,
		LevelIndex:     rec.LevelIndex,
		OrderID:        rec.OrderID,
		Symbol:         rec.Symbol,
		Side:           core.Side(rec.Side),
		Price:          price,
		Qty:            qty,
		Fee:            fee,
		RealizedProfit: profit,
		Account:        rec.Account,
		Time:           time.Unix(rec.Timestamp, 0).UTC(),
	}
}
