package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"collabEngine/backend/internal/collab"
)

type documentRow struct {
	ID      string `gorm:"column:id;primaryKey"`
	OwnerID uint64 `gorm:"column:owner_id"`
	Title   string `gorm:"column:title"`
}

func (documentRow) TableName() string { return "documents" }

// DocumentStore 文档元数据查询（join 时各调用一次）
type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) GetDocument(ctx context.Context, docID string) (collab.DocumentMeta, error) {
	var row documentRow
	err := s.db.WithContext(ctx).Select("id", "owner_id").First(&row, "id = ?", docID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return collab.DocumentMeta{}, collab.ErrDocumentNotFound
		}
		return collab.DocumentMeta{}, err
	}
	return collab.DocumentMeta{ID: row.ID, OwnerID: row.OwnerID}, nil
}
