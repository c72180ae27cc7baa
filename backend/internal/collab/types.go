package collab

import (
	"context"
	"errors"
	"time"
)

// 操作类型：一次原子编辑，针对文档中的单个块
type OperationType string

const (
	OpInsert OperationType = "insert"
	OpDelete OperationType = "delete"
	OpUpdate OperationType = "update"
	OpMove   OperationType = "move"
)

func (t OperationType) Valid() bool {
	switch t {
	case OpInsert, OpDelete, OpUpdate, OpMove:
		return true
	}
	return false
}

// Operation 一旦写入操作日志即不可变
type Operation struct {
	ID         string         `json:"id"`
	Type       OperationType  `json:"type"`
	BlockIndex int            `json:"blockIndex"`
	Payload    map[string]any `json:"payload,omitempty"`
	UserID     uint64         `json:"userId"`
	Timestamp  time.Time      `json:"timestamp"`
	// 被接受时的文档版本（全局递增，同一文档内唯一）
	Version uint64 `json:"version"`
}

// 客户端提交的操作草稿；id/timestamp/version 由服务端在接受时赋值
type OperationDraft struct {
	Type       OperationType  `json:"type"`
	BlockIndex int            `json:"blockIndex"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Session struct {
	ID             string    `json:"id"`
	UserID         uint64    `json:"userId"`
	DocID          string    `json:"docId"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivity   time.Time `json:"lastActivity"`
	OperationCount int       `json:"operationCount"`
}

type CursorPosition struct {
	BlockIndex int `json:"blockIndex"`
	Offset     int `json:"offset"`
}

type SelectionRange struct {
	StartBlock  int `json:"startBlock"`
	StartOffset int `json:"startOffset"`
	EndBlock    int `json:"endBlock"`
	EndOffset   int `json:"endOffset"`
}

// Presence 单个协作者在单个文档上的在线 UI 状态。
// 仅作为界面提示广播，冲突检测从不读取这里的数据。
type Presence struct {
	SessionID    string          `json:"sessionId"`
	UserID       uint64          `json:"userId"`
	Username     string          `json:"username"`
	Avatar       string          `json:"avatar,omitempty"`
	Color        string          `json:"color"`
	Cursor       *CursorPosition `json:"cursor,omitempty"`
	Selection    *SelectionRange `json:"selection,omitempty"`
	LastActivity time.Time       `json:"lastActivity"`
	Active       bool            `json:"active"`

	// 调色板槽位，-1 表示调色板耗尽后的复用色
	colorSlot int
}

type DocumentSnapshot struct {
	DocID        string      `json:"docId"`
	Version      uint64      `json:"version"`
	Operations   []Operation `json:"operations"`
	LastModified time.Time   `json:"lastModified"`
}

type JoinResult struct {
	Session       *Session         `json:"session"`
	Collaborators []Presence       `json:"collaborators"`
	Snapshot      DocumentSnapshot `json:"snapshot"`
}

// SyncResult 要么 InSync=true（无需追赶），要么携带完整有序的缺失操作
type SyncResult struct {
	InSync         bool        `json:"inSync"`
	CurrentVersion uint64      `json:"currentVersion"`
	Operations     []Operation `json:"operations,omitempty"`
}

type ApplyResult struct {
	Operation   Operation `json:"operation"`
	Transformed bool      `json:"transformed"`
}

// BatchResult 单条失败不会中止其余操作，调用方必须检查 Applied 数量
type BatchResult struct {
	Applied []ApplyResult `json:"applied"`
	Failed  int           `json:"failed"`
}

type InlineComment struct {
	ID         string          `json:"id"`
	DocID      string          `json:"docId"`
	BlockIndex int             `json:"blockIndex"`
	Selection  *SelectionRange `json:"selection,omitempty"`
	Text       string          `json:"text"`
	AuthorID   uint64          `json:"authorId"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type SessionStats struct {
	SessionID      string    `json:"sessionId"`
	UserID         uint64    `json:"userId"`
	DocID          string    `json:"docId"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivity   time.Time `json:"lastActivity"`
	DurationSec    int64     `json:"durationSec"`
	OperationCount int       `json:"operationCount"`
}

type DocumentStats struct {
	DocID               string    `json:"docId"`
	Version             uint64    `json:"version"`
	OperationCount      int       `json:"operationCount"`
	PendingCount        int       `json:"pendingCount"`
	ActiveCollaborators int       `json:"activeCollaborators"`
	LastModified        time.Time `json:"lastModified"`
}

// === 外部协作方（本服务只声明接口，实现位于 store / ws / cache） ===

type DocumentMeta struct {
	ID      string
	OwnerID uint64
}

type UserInfo struct {
	Name   string
	Avatar string
}

// 文档/用户查询，仅在 join 时各调用一次
type DocumentStore interface {
	GetDocument(ctx context.Context, docID string) (DocumentMeta, error)
}

type UserStore interface {
	GetUser(ctx context.Context, userID uint64) (UserInfo, error)
}

// 版本快照持久化；pending 缓冲刷写时调用，fire-and-forget
type VersionStore interface {
	CreateVersionSnapshot(ctx context.Context, docID string, userID uint64, trigger, note string) error
}

// 实时推送通道；本服务从不自行管理连接
type Transport interface {
	SendToUser(userID uint64, channel string, payload any)
}

// 可选：把在线状态镜像到外部缓存，供其他服务只读使用
type PresenceMirror interface {
	AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID string, userID uint64) error
	SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error
}

// 可选：已应用操作 / 快照事件的异步发布（Kafka）
type EventPublisher interface {
	Enqueue(ctx context.Context, evt DocEvent) error
}

var (
	ErrDocumentNotFound     = errors.New("DOCUMENT_NOT_FOUND")
	ErrUserNotFound         = errors.New("USER_NOT_FOUND")
	ErrSessionNotFound      = errors.New("SESSION_NOT_FOUND")
	ErrUnknownOperationType = errors.New("UNKNOWN_OPERATION_TYPE")

	// reaper 守卫：移除前复核发现 presence 仍在活动窗口内
	errPresenceStillActive = errors.New("PRESENCE_STILL_ACTIVE")
)
