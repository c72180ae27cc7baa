package ws

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabEngine/backend/internal/collab"
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	userID   uint64
	username string

	// 当前加入的文档与会话；未加入时为空
	docID     string
	sessionID string

	send chan OutboundMessage
	svc  collab.Service
	sem  *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		userID:   userID,
		username: username,
		send:     make(chan OutboundMessage, 32),
		svc:      svc,
		sem:      sem,
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
		// 队列满则丢弃，慢连接不拖垮广播
	}
}

func (c *Conn) sendError(err error) {
	c.SendMessage_Enqueue(ServerMessage{Type: "error", Success: false, Reason: err.Error()})
}

func (c *Conn) handleJoin(ctx context.Context, docID string) {
	if c.sessionID != "" {
		// 重复 join（含对同一文档重发）先退出旧会话，否则旧 presence/颜色要等 reaper 才释放
		if err := c.svc.Leave(ctx, c.docID, c.sessionID); err != nil {
			log.Printf("leave before rejoin failed doc=%s session=%s err=%v", c.docID, c.sessionID, err)
		}
		c.docID, c.sessionID = "", ""
	}
	sessionID := uuid.NewString()
	res, err := c.svc.Join(ctx, docID, c.userID, sessionID)
	if err != nil {
		c.SendMessage_Enqueue(JoinAckMessage{Type: "join_ack", Success: false})
		c.sendError(err)
		return
	}
	c.docID = docID
	c.sessionID = sessionID
	c.SendMessage_Enqueue(JoinAckMessage{
		Type:          "join_ack",
		Success:       true,
		SessionID:     sessionID,
		Collaborators: res.Collaborators,
		Snapshot:      res.Snapshot,
	})
}

func (c *Conn) handleOpSubmit(ctx context.Context, draft collab.OperationDraft) {
	opCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(opCtx); err != nil {
		c.sendError(err)
		return
	}
	defer c.sem.Release()

	res, err := c.svc.ApplyOperation(opCtx, c.docID, c.sessionID, draft)
	if err != nil {
		c.SendMessage_Enqueue(OpAckMessage{Type: "op_ack", Success: false})
		c.sendError(err)
		return
	}
	c.SendMessage_Enqueue(OpAckMessage{Type: "op_ack", Success: true, Result: &res})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.send)
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d, doc=%s): %v", c.userID, c.docID, err)
			return
		}

		// join 之外的消息都要求已有会话
		if msg.Type != "join_document" && msg.Type != "heartbeat" && c.sessionID == "" {
			c.sendError(collab.ErrSessionNotFound)
			continue
		}

		switch msg.Type {
		case "join_document":
			if msg.DocID == "" {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Success: false, Reason: "missing docId"})
				continue
			}
			c.handleJoin(ctx, msg.DocID)

		case "leave_document":
			if err := c.svc.Leave(ctx, c.docID, c.sessionID); err != nil {
				c.sendError(err)
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "leave_ack", DocID: c.docID, Success: true})
			c.docID, c.sessionID = "", ""

		case "heartbeat":
			if c.sessionID != "" {
				if err := c.svc.Heartbeat(ctx, c.docID, c.sessionID); err != nil {
					c.sendError(err)
					continue
				}
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Success: true, Content: "Heartbeat received"})

		case "cursor":
			if msg.Cursor == nil {
				continue
			}
			if err := c.svc.UpdateCursor(ctx, c.docID, c.sessionID, *msg.Cursor); err != nil {
				c.sendError(err)
			}

		case "selection":
			if msg.Selection == nil {
				continue
			}
			if err := c.svc.UpdateSelection(ctx, c.docID, c.sessionID, *msg.Selection); err != nil {
				c.sendError(err)
			}

		case "op_submit":
			if msg.Op == nil {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Success: false, Reason: "missing op"})
				continue
			}
			c.handleOpSubmit(ctx, *msg.Op)

		case "op_batch":
			res, err := c.svc.ApplyOperationBatch(ctx, c.docID, c.sessionID, msg.Ops)
			if err != nil {
				c.sendError(err)
				continue
			}
			c.SendMessage_Enqueue(OpAckMessage{Type: "batch_ack", Success: true, Batch: &res})

		case "sync":
			res, err := c.svc.SyncDocumentState(ctx, c.docID, msg.ClientVersion)
			if err != nil {
				c.sendError(err)
				continue
			}
			c.SendMessage_Enqueue(SyncMessage{Type: "sync_result", Success: true, Result: res})

		case "lock_block":
			if err := c.svc.LockBlock(ctx, c.docID, c.sessionID, msg.BlockIndex); err != nil {
				c.sendError(err)
			}

		case "unlock_block":
			if err := c.svc.UnlockBlock(ctx, c.docID, c.sessionID, msg.BlockIndex); err != nil {
				c.sendError(err)
			}

		case "comment_add":
			comment, err := c.svc.AddInlineComment(ctx, c.docID, c.sessionID, msg.BlockIndex, msg.Selection, msg.Text)
			if err != nil {
				c.sendError(err)
				continue
			}
			c.SendMessage_Enqueue(EventMessage{Type: "event", Channel: "collab:doc:" + c.docID, Payload: collab.CommentEvent{Type: collab.EventCommentAdded, DocID: c.docID, Comment: comment}})

		case "comment_resolve":
			if err := c.svc.ResolveInlineComment(ctx, c.docID, c.sessionID, msg.CommentID); err != nil {
				c.sendError(err)
			}

		default:
			c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Success: false, Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}

// cleanup 连接断开时的隐式 leave；咨询性块锁随之自然失效
func (c *Conn) cleanup(ctx context.Context) {
	if c.sessionID != "" {
		if err := c.svc.Leave(ctx, c.docID, c.sessionID); err != nil {
			log.Printf("implicit leave failed doc=%s session=%s err=%v", c.docID, c.sessionID, err)
		}
	}
	c.hub.Unregister(c)
}
