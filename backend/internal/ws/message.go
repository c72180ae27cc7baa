package ws

import (
	"collabEngine/backend/internal/collab"
)

type ClientMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId,omitempty"`

	// op_submit / op_batch
	Op  *collab.OperationDraft  `json:"op,omitempty"`
	Ops []collab.OperationDraft `json:"ops,omitempty"`

	// sync
	ClientVersion uint64 `json:"clientVersion,omitempty"`

	// cursor / selection / lock / comment
	Cursor     *collab.CursorPosition `json:"cursor,omitempty"`
	Selection  *collab.SelectionRange `json:"selection,omitempty"`
	BlockIndex int                    `json:"blockIndex,omitempty"`
	Text       string                 `json:"text,omitempty"`
	CommentID  string                 `json:"commentId,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string  { return m.Type }
func (m JoinAckMessage) MessageType() string { return m.Type }
func (m OpAckMessage) MessageType() string   { return m.Type }
func (m SyncMessage) MessageType() string    { return m.Type }
func (m EventMessage) MessageType() string   { return m.Type }

type ServerMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId,omitempty"`
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type JoinAckMessage struct {
	Type          string                  `json:"type"` // 固定 "join_ack"
	Success       bool                    `json:"success"`
	SessionID     string                  `json:"sessionId"`
	Collaborators []collab.Presence       `json:"collaborators"`
	Snapshot      collab.DocumentSnapshot `json:"snapshot"`
}

type OpAckMessage struct {
	Type    string             `json:"type"` // "op_ack" / "batch_ack"
	Success bool               `json:"success"`
	Result  *collab.ApplyResult `json:"result,omitempty"`
	Batch   *collab.BatchResult `json:"batch,omitempty"`
}

type SyncMessage struct {
	Type    string            `json:"type"` // 固定 "sync_result"
	Success bool              `json:"success"`
	Result  collab.SyncResult `json:"result"`
}

// EventMessage 引擎广播经 Transport 下发的包装
type EventMessage struct {
	Type    string `json:"type"` // 固定 "event"
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}
