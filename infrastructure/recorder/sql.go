package recorder

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type recordRow struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	Kind          string    `gorm:"size:16;index"`
	Name          string    `gorm:"size:64"`
	ClientOrderID string    `gorm:"size:128;index"`
	Seq           uint64
	Source        string    `gorm:"size:64"`
	Payload       string    `gorm:"type:text"`
	At            time.Time `gorm:"index"`
}

func (recordRow) TableName() string { return "execution_records" }

// SQLSink 通过 gorm 写入 execution_records 表。连接由调用方持有。
type SQLSink struct {
	db        *gorm.DB
	batchSize int
}

func NewSQLSink(db *gorm.DB) (*SQLSink, error) {
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return nil, err
	}
	return &SQLSink{db: db, batchSize: 200}, nil
}

func (s *SQLSink) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]recordRow, len(records))
	for i, r := range records {
		rows[i] = recordRow{
			Kind:          string(r.Kind),
			Name:          r.Name,
			ClientOrderID: r.ClientOrderID,
			Seq:           r.Seq,
			Source:        r.Source,
			Payload:       string(r.Payload),
			At:            r.At,
		}
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, s.batchSize).Error
}

// Query 按订单取回记录，id 为空时返回全部，按写入顺序排列。
func (s *SQLSink) Query(ctx context.Context, clientOrderID string) ([]Record, error) {
	var rows []recordRow
	q := s.db.WithContext(ctx).Order("id")
	if clientOrderID != "" {
		q = q.Where("client_order_id = ?", clientOrderID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, len(rows))
	for i, row := range rows {
		out[i] = Record{
			Kind:          Kind(row.Kind),
			Name:          row.Name,
			ClientOrderID: row.ClientOrderID,
			Seq:           row.Seq,
			Source:        row.Source,
			Payload:       []byte(row.Payload),
			At:            row.At,
		}
	}
	return out, nil
}

func (s *SQLSink) Close() error { return nil }
