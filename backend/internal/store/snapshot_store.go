package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// SnapshotStore 版本快照落库。pending 缓冲刷写时由引擎调用，fire-and-forget。
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) CreateVersionSnapshot(ctx context.Context, docID string, userID uint64, trigger, note string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_version_snapshots (document_id, user_id, trigger_type, note)
		VALUES (?, ?, ?, ?)`,
		docID,
		userID,
		trigger,
		note,
	)
	if err != nil {
		// 重复快照不视为错误
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}
