// Package checkpoint 持久化账本快照，重启后据此恢复在途订单。
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"prediction-trader-go/order"
)

const formatVersion = 1

// Snapshot 文件格式。Seq 为快照中最大的订单版本号。
type Snapshot struct {
	Format  int           `json:"format"`
	Seq     uint64        `json:"seq"`
	SavedAt time.Time     `json:"saved_at"`
	Orders  []order.Order `json:"orders"`
}

// FileStore 将快照写入单个 JSON 文件，先写临时文件再 rename。
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Save(_ context.Context, orders []order.Order) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	snap := Snapshot{Format: formatVersion, SavedAt: time.Now().UTC(), Orders: orders}
	for _, o := range orders {
		if o.Version > snap.Seq {
			snap.Seq = o.Version
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Load 文件不存在时返回空结果。
func (s *FileStore) Load(_ context.Context) ([]order.Order, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", s.path, err)
	}
	if snap.Format != formatVersion {
		return nil, fmt.Errorf("checkpoint %s: unsupported format %d", s.path, snap.Format)
	}
	return snap.Orders, nil
}
