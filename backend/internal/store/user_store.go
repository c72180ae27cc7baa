package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"collabEngine/backend/internal/collab"
)

type userRow struct {
	ID       uint64 `gorm:"column:id;primaryKey"`
	Username string `gorm:"column:username"`
	Avatar   string `gorm:"column:avatar"`
}

func (userRow) TableName() string { return "users" }

type UserStore struct{ db *gorm.DB }

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) GetUser(ctx context.Context, userID uint64) (collab.UserInfo, error) {
	var row userRow
	err := s.db.WithContext(ctx).Select("id", "username", "avatar").First(&row, "id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return collab.UserInfo{}, collab.ErrUserNotFound
		}
		return collab.UserInfo{}, err
	}
	return collab.UserInfo{Name: row.Username, Avatar: row.Avatar}, nil
}
