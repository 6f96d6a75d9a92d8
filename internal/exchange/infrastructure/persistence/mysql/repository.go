package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/exchange/internal/exchange/domain"
	"github.com/wyfcoding/exchange/pkg/db"
)

// MarketRepository 交易对仓储的 MySQL 实现
type MarketRepository struct {
	db *db.DB
}

// NewMarketRepository 创建交易对仓储
func NewMarketRepository(database *db.DB) *MarketRepository {
	return &MarketRepository{db: database}
}

// ListActive 全部可交易的交易对
func (r *MarketRepository) ListActive(ctx context.Context) ([]*domain.Market, error) {
	var models []*MarketModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(domain.MarketStatusActive)).
		Order("symbol ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	markets := make([]*domain.Market, len(models))
	for i, m := range models {
		markets[i] = m.toDomain()
	}
	return markets, nil
}

// OrderRepository 订单仓储的 MySQL 实现
type OrderRepository struct {
	db *db.DB
}

// NewOrderRepository 创建订单仓储
func NewOrderRepository(database *db.DB) *OrderRepository {
	return &OrderRepository{db: database}
}

// ListOpen 某交易对全部 OPEN 订单，按提交时间升序
func (r *OrderRepository) ListOpen(ctx context.Context, symbol string) ([]*domain.Order, error) {
	var models []*OrderModel
	if err := r.db.WithContext(ctx).
		Where("symbol = ? AND status = ?", symbol, string(domain.StatusOpen)).
		Order("submitted_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	orders := make([]*domain.Order, 0, len(models))
	for _, m := range models {
		o, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// Get 按订单 ID 查询，不存在返回 nil
func (r *OrderRepository) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return model.toDomain()
}

// KlineRepository K 线仓储的 MySQL 实现
type KlineRepository struct {
	db *db.DB
}

// NewKlineRepository 创建 K 线仓储
func NewKlineRepository(database *db.DB) *KlineRepository {
	return &KlineRepository{db: database}
}

// Latest 某周期最近一条 K 线，不存在返回 nil
func (r *KlineRepository) Latest(ctx context.Context, symbol, interval string) (*domain.Kline, error) {
	var model KlineModel
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND interval_period = ?", symbol, interval).
		Order("open_time DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest kline: %w", err)
	}
	return model.toDomain(), nil
}

// DailyBefore 指定时刻之前最近一条日线，不存在返回 nil
func (r *KlineRepository) DailyBefore(ctx context.Context, symbol string, before time.Time) (*domain.Kline, error) {
	var model KlineModel
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND interval_period = ? AND open_time < ?",
			symbol, domain.IntervalDay, before.UTC()).
		Order("open_time DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get previous daily kline: %w", err)
	}
	return model.toDomain(), nil
}

// Range 时间区间内的 K 线，按桶起始时间升序
func (r *KlineRepository) Range(ctx context.Context, symbol, interval string, from, to time.Time, limit int) ([]*domain.Kline, error) {
	q := r.db.WithContext(ctx).
		Where("symbol = ? AND interval_period = ?", symbol, interval)
	if !from.IsZero() {
		q = q.Where("open_time >= ?", from.UTC())
	}
	if !to.IsZero() {
		q = q.Where("open_time < ?", to.UTC())
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []*KlineModel
	if err := q.Order("open_time ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to range klines: %w", err)
	}
	klines := make([]*domain.Kline, len(models))
	for i, m := range models {
		klines[i] = m.toDomain()
	}
	return klines, nil
}

// BatchWriter 撮合批次写仓储的 MySQL 实现
type BatchWriter struct {
	db *db.DB
}

// NewBatchWriter 创建批次写仓储
func NewBatchWriter(database *db.DB) *BatchWriter {
	return &BatchWriter{db: database}
}

var orderUpdateColumns = []string{
	"filled", "remaining", "cost", "fee", "fee_currency", "status", "trades", "updated_at",
}

var klineUpdateColumns = []string{
	"close_time", "open", "high", "low", "close", "volume", "updated_at",
}

// SaveOrder 单订单插入或按业务主键更新
func (w *BatchWriter) SaveOrder(ctx context.Context, order *domain.Order) error {
	model, err := orderToModel(order)
	if err != nil {
		return err
	}
	return w.db.UpsertWithConflict(ctx, model, []string{"order_id"}, orderUpdateColumns)
}

// WriteRound 一轮撮合的订单、K 线与档位在单个事务内原子落库。
// 任一写入失败整体回滚，调用方可按一致性策略决定重试或继续。
func (w *BatchWriter) WriteRound(ctx context.Context, batch *domain.RoundBatch) error {
	models := make([]*OrderModel, len(batch.Orders))
	for i, o := range batch.Orders {
		m, err := orderToModel(o)
		if err != nil {
			return err
		}
		models[i] = m
	}

	return w.db.WithTx(ctx, func(tx *gorm.DB) error {
		for _, m := range models {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "order_id"}},
				DoUpdates: clause.AssignmentColumns(orderUpdateColumns),
			}).Create(m).Error; err != nil {
				return fmt.Errorf("failed to upsert order %s: %w", m.OrderID, err)
			}
		}

		for _, k := range batch.Klines {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "symbol"}, {Name: "interval_period"}, {Name: "open_time"},
				},
				DoUpdates: clause.AssignmentColumns(klineUpdateColumns),
			}).Create(klineToModel(k)).Error; err != nil {
				return fmt.Errorf("failed to upsert kline %s/%s: %w", k.Symbol, k.Interval, err)
			}
		}

		for _, lvl := range batch.Levels {
			if !lvl.Quantity.IsPositive() {
				if err := tx.Where("symbol = ? AND side = ? AND price = ?",
					lvl.Symbol, string(lvl.Side), lvl.Price).
					Delete(&BookLevelModel{}).Error; err != nil {
					return fmt.Errorf("failed to delete book level: %w", err)
				}
				continue
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "symbol"}, {Name: "side"}, {Name: "price"},
				},
				DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at"}),
			}).Create(&BookLevelModel{
				Symbol:   lvl.Symbol,
				Side:     string(lvl.Side),
				Price:    lvl.Price,
				Quantity: lvl.Quantity,
			}).Error; err != nil {
				return fmt.Errorf("failed to upsert book level: %w", err)
			}
		}
		return nil
	})
}
