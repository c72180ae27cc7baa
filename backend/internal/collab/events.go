package collab

import "time"

// 广播事件类型（经由 Transport 推给同文档的其他协作者）
const (
	EventCollaboratorJoined = "collaborator_joined"
	EventCollaboratorLeft   = "collaborator_left"
	EventOperationApplied   = "operation_applied"
	EventCursorUpdate       = "cursor_update"
	EventSelectionUpdate    = "selection_update"
	EventBlockLocked        = "block_locked"
	EventBlockUnlocked      = "block_unlocked"
	EventCommentAdded       = "comment_added"
	EventCommentResolved    = "comment_resolved"
	EventPresenceHeartbeat  = "presence_heartbeat"
)

// docChannel 广播通道名；一个文档一个通道
func docChannel(docID string) string { return "collab:doc:" + docID }

type CollaboratorEvent struct {
	Type     string   `json:"type"` // collaborator_joined / collaborator_left
	DocID    string   `json:"docId"`
	Presence Presence `json:"presence"`
	// 离开原因："leave" 或 "timeout"（reaper 强制移除）
	Reason string `json:"reason,omitempty"`
}

type OperationEvent struct {
	Type        string    `json:"type"` // operation_applied
	DocID       string    `json:"docId"`
	Operation   Operation `json:"operation"`
	Transformed bool      `json:"transformed"`
}

type CursorEvent struct {
	Type      string          `json:"type"` // cursor_update / selection_update
	DocID     string          `json:"docId"`
	SessionID string          `json:"sessionId"`
	UserID    uint64          `json:"userId"`
	Color     string          `json:"color"`
	Cursor    *CursorPosition `json:"cursor,omitempty"`
	Selection *SelectionRange `json:"selection,omitempty"`
}

// 咨询性块锁：只广播“谁在编辑哪个块”，不做任何强制
type BlockLockEvent struct {
	Type       string `json:"type"` // block_locked / block_unlocked
	DocID      string `json:"docId"`
	BlockIndex int    `json:"blockIndex"`
	SessionID  string `json:"sessionId"`
	UserID     uint64 `json:"userId"`
	Username   string `json:"username"`
}

// 心跳广播：同伴据此刷新协作者列表里的活跃标记
type HeartbeatEvent struct {
	Type         string    `json:"type"` // presence_heartbeat
	DocID        string    `json:"docId"`
	SessionID    string    `json:"sessionId"`
	UserID       uint64    `json:"userId"`
	LastActivity time.Time `json:"lastActivity"`
}

type CommentEvent struct {
	Type    string        `json:"type"` // comment_added
	DocID   string        `json:"docId"`
	Comment InlineComment `json:"comment"`
}

type CommentResolvedEvent struct {
	Type      string `json:"type"` // comment_resolved
	DocID     string `json:"docId"`
	CommentID string `json:"commentId"`
	UserID    uint64 `json:"userId"`
}

// === Kafka 事件（经 Dispatcher 异步发布，按 docID 分区） ===

const (
	DocEventOpApplied = "OP_APPLIED"
	DocEventSnapshot  = "SNAPSHOT_FLUSHED"
)

type DocEvent struct {
	EventType string `json:"eventType"` // OP_APPLIED / SNAPSHOT_FLUSHED
	DocID     string `json:"docId"`

	// OP_APPLIED
	OperationID string         `json:"operationId,omitempty"`
	OpType      OperationType  `json:"opType,omitempty"`
	BlockIndex  int            `json:"blockIndex,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	AuthorID    uint64         `json:"authorId,omitempty"`
	Revision    uint64         `json:"revision,omitempty"`

	// SNAPSHOT_FLUSHED
	Trigger    string `json:"trigger,omitempty"`
	FlushedOps int    `json:"flushedOps,omitempty"`

	AppliedAt time.Time `json:"appliedAt"`
}
