package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"prediction-trader-go/order"
)

type orderRow struct {
	ClientOrderID string `gorm:"primaryKey;size:128"`
	Ticker        string `gorm:"size:64;index"`
	Status        string `gorm:"size:32;index"`
	Version       uint64
	Payload       string    `gorm:"type:text"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (orderRow) TableName() string { return "order_checkpoints" }

// SQLStore 按客户端订单号 upsert，快照中已不存在的订单（已淘汰）随之删除。
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&orderRow{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoint table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Save(ctx context.Context, orders []order.Order) error {
	rows := make([]orderRow, 0, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		payload, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("marshal order %s: %w", o.ClientOrderID, err)
		}
		rows = append(rows, orderRow{
			ClientOrderID: o.ClientOrderID,
			Ticker:        o.Ticker,
			Status:        string(o.Status),
			Version:       o.Version,
			Payload:       string(payload),
			UpdatedAt:     o.UpdatedAt,
		})
		ids = append(ids, o.ClientOrderID)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(ids) == 0 {
			return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&orderRow{}).Error
		}
		if err := tx.Where("client_order_id NOT IN ?", ids).Delete(&orderRow{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"ticker", "status", "version", "payload", "updated_at"}),
		}).CreateInBatches(rows, 200).Error
	})
}

func (s *SQLStore) Load(ctx context.Context) ([]order.Order, error) {
	var rows []orderRow
	if err := s.db.WithContext(ctx).Order("client_order_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]order.Order, 0, len(rows))
	for _, row := range rows {
		var o order.Order
		if err := json.Unmarshal([]byte(row.Payload), &o); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", row.ClientOrderID, err)
		}
		out = append(out, o)
	}
	return out, nil
}
