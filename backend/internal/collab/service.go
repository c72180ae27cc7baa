package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// 协作引擎接口（由外层 ws / httpapi 消费）
type Service interface {
	Join(ctx context.Context, docID string, userID uint64, sessionID string) (JoinResult, error)
	Leave(ctx context.Context, docID, sessionID string) error
	GetCollaborators(ctx context.Context, docID string) ([]Presence, error)

	UpdateCursor(ctx context.Context, docID, sessionID string, cursor CursorPosition) error
	UpdateSelection(ctx context.Context, docID, sessionID string, sel SelectionRange) error
	Heartbeat(ctx context.Context, docID, sessionID string) error

	ApplyOperation(ctx context.Context, docID, sessionID string, draft OperationDraft) (ApplyResult, error)
	ApplyOperationBatch(ctx context.Context, docID, sessionID string, drafts []OperationDraft) (BatchResult, error)
	SyncDocumentState(ctx context.Context, docID string, clientVersion uint64) (SyncResult, error)

	LockBlock(ctx context.Context, docID, sessionID string, blockIndex int) error
	UnlockBlock(ctx context.Context, docID, sessionID string, blockIndex int) error

	AddInlineComment(ctx context.Context, docID, sessionID string, blockIndex int, selection *SelectionRange, text string) (InlineComment, error)
	ResolveInlineComment(ctx context.Context, docID, sessionID, commentID string) error

	GetSessionStats(ctx context.Context, sessionID string) (SessionStats, error)
	GetDocumentCollaborationStats(ctx context.Context, docID string) (DocumentStats, error)
}

type Config struct {
	// presence 超过该窗口未活动即视为掉线（reaper 强制移除）
	ActivityWindow time.Duration
	// reaper 扫描周期
	ReapInterval time.Duration
	// pending 缓冲达到该数量时自动刷写快照
	FlushThreshold int
}

func (c Config) withDefaults() Config {
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 60 * time.Second
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = 10
	}
	return c
}

// Engine 是 Service 的进程内实现。
// 每个文档一把锁：版本推进、日志追加、冲突解析都在锁内完成，
// 再快的两次并发提交也按真实到达顺序串行化；对外部协作方的调用都在锁外。
type Engine struct {
	cfg   Config
	state StateStore

	documents DocumentStore
	users     UserStore
	versions  VersionStore
	transport Transport

	mirror PresenceMirror
	events EventPublisher

	now func() time.Time
}

func NewEngine(cfg Config, state StateStore, documents DocumentStore, users UserStore, versions VersionStore, transport Transport) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		state:     state,
		documents: documents,
		users:     users,
		versions:  versions,
		transport: transport,
		now:       time.Now,
	}
}

func (e *Engine) SetPresenceMirror(m PresenceMirror) { e.mirror = m }
func (e *Engine) SetEventPublisher(p EventPublisher) { e.events = p }

// === 会话与在线状态 ===

func (e *Engine) Join(ctx context.Context, docID string, userID uint64, sessionID string) (JoinResult, error) {
	meta, err := e.documents.GetDocument(ctx, docID)
	if err != nil {
		return JoinResult{}, ErrDocumentNotFound
	}
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return JoinResult{}, ErrUserNotFound
	}

	now := e.now()
	sess := &Session{
		ID:           sessionID,
		UserID:       userID,
		DocID:        docID,
		StartedAt:    now,
		LastActivity: now,
	}
	e.state.PutSession(sess)

	// 查到的状态可能恰好被最后一人离开的逐出作废，重试重建
	var ds *DocState
	for {
		ds = e.state.GetOrCreateDocument(docID, meta.OwnerID)
		ds.mu.Lock()
		if !ds.evicted {
			break
		}
		ds.mu.Unlock()
	}
	p := ds.addPresence(sess, user, now)
	joined := *p
	collaborators := ds.activePresences(now, e.cfg.ActivityWindow)
	snapshot := DocumentSnapshot{
		DocID:        docID,
		Version:      ds.version,
		Operations:   append([]Operation(nil), ds.ops...),
		LastModified: ds.lastModified,
	}
	peers := ds.peerUserIDs(sessionID, now, e.cfg.ActivityWindow)
	ds.mu.Unlock()

	e.sendTo(peers, docID, CollaboratorEvent{Type: EventCollaboratorJoined, DocID: docID, Presence: joined})
	e.mirrorAdd(ctx, docID, userID, user.Name)

	return JoinResult{Session: sess, Collaborators: collaborators, Snapshot: snapshot}, nil
}

func (e *Engine) Leave(ctx context.Context, docID, sessionID string) error {
	ds, ok := e.state.GetDocument(docID)
	if !ok {
		return ErrDocumentNotFound
	}
	if _, ok := e.state.GetSession(sessionID); !ok {
		return ErrSessionNotFound
	}
	return e.removeSession(ctx, ds, sessionID, "leave", 0)
}

// removeSession 显式 leave 与 reaper 超时共用的移除路径。
// onlyIfIdleFor > 0 时在锁内复核空闲时长，扫描与移除之间到达的心跳让 presence 免于回收。
// 最后一个协作者离开时刷写 pending 并从内存逐出文档。
func (e *Engine) removeSession(ctx context.Context, ds *DocState, sessionID, reason string, onlyIfIdleFor time.Duration) error {
	now := e.now()
	ds.mu.Lock()
	p, ok := ds.presences[sessionID]
	if !ok {
		ds.mu.Unlock()
		e.state.DeleteSession(sessionID)
		return ErrSessionNotFound
	}
	if onlyIfIdleFor > 0 && now.Sub(p.LastActivity) <= onlyIfIdleFor {
		ds.mu.Unlock()
		return errPresenceStillActive
	}
	ds.removePresence(sessionID)
	left := *p
	empty := len(ds.presences) == 0
	var flushOps []Operation
	if empty {
		flushOps = ds.pending
		ds.pending = nil
	}
	peers := ds.peerUserIDs(sessionID, now, e.cfg.ActivityWindow)
	ds.mu.Unlock()

	e.state.DeleteSession(sessionID)

	e.sendTo(peers, ds.docID, CollaboratorEvent{Type: EventCollaboratorLeft, DocID: ds.docID, Presence: left, Reason: reason})
	if e.mirror != nil {
		if err := e.mirror.RemoveMember(ctx, ds.docID, left.UserID); err != nil {
			log.Printf("presence mirror remove failed doc=%s user=%d err=%v", ds.docID, left.UserID, err)
		}
	}

	if empty {
		e.flush(ctx, ds.docID, left.UserID, "last_leave", flushOps)
		// 逐出前在锁内复核仍无人在场；此间落地的 join 保住文档
		e.state.DeleteDocumentIfEmpty(ds)
	}
	return nil
}

func (e *Engine) GetCollaborators(ctx context.Context, docID string) ([]Presence, error) {
	ds, ok := e.state.GetDocument(docID)
	if !ok {
		return nil, ErrDocumentNotFound
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.activePresences(e.now(), e.cfg.ActivityWindow), nil
}

func (e *Engine) UpdateCursor(ctx context.Context, docID, sessionID string, cursor CursorPosition) error {
	ds, p, err := e.touchPresence(docID, sessionID)
	if err != nil {
		return err
	}
	now := e.now()
	ds.mu.Lock()
	p.Cursor = &cursor
	evt := CursorEvent{Type: EventCursorUpdate, DocID: docID, SessionID: sessionID, UserID: p.UserID, Color: p.Color, Cursor: p.Cursor}
	peers := ds.peerUserIDs(sessionID, now, e.cfg.ActivityWindow)
	ds.mu.Unlock()

	e.sendTo(peers, docID, evt)
	if e.mirror != nil {
		if b, err := json.Marshal(cursor); err == nil {
			if err := e.mirror.SetCursor(ctx, docID, evt.UserID, b, e.cfg.ActivityWindow); err != nil {
				log.Printf("presence mirror set cursor failed doc=%s user=%d err=%v", docID, evt.UserID, err)
			}
		}
	}
	return nil
}

func (e *Engine) UpdateSelection(ctx context.Context, docID, sessionID string, sel SelectionRange) error {
	ds, p, err := e.touchPresence(docID, sessionID)
	if err != nil {
		return err
	}
	now := e.now()
	ds.mu.Lock()
	p.Selection = &sel
	evt := CursorEvent{Type: EventSelectionUpdate, DocID: docID, SessionID: sessionID, UserID: p.UserID, Color: p.Color, Selection: p.Selection}
	peers := ds.peerUserIDs(sessionID, now, e.cfg.ActivityWindow)
	ds.mu.Unlock()

	e.sendTo(peers, docID, evt)
	return nil
}

// Heartbeat 刷新活跃时间（本地 + 镜像）并向同伴广播在线状态
func (e *Engine) Heartbeat(ctx context.Context, docID, sessionID string) error {
	ds, p, err := e.touchPresence(docID, sessionID)
	if err != nil {
		return err
	}
	now := e.now()
	ds.mu.Lock()
	evt := HeartbeatEvent{Type: EventPresenceHeartbeat, DocID: docID, SessionID: sessionID, UserID: p.UserID, LastActivity: p.LastActivity}
	peers := ds.peerUserIDs(sessionID, now, e.cfg.ActivityWindow)
	ds.mu.Unlock()

	e.sendTo(peers, docID, evt)
	e.mirrorAdd(ctx, docID, evt.UserID, p.Username)
	return nil
}

// touchPresence 校验会话并刷新 session/presence 的 lastActivity
func (e *Engine) touchPresence(docID, sessionID string) (*DocState, *Presence, error) {
	sess, ok := e.state.GetSession(sessionID)
	if !ok || sess.DocID != docID {
		return nil, nil, ErrSessionNotFound
	}
	ds, ok := e.state.GetDocument(docID)
	if !ok {
		return nil, nil, ErrDocumentNotFound
	}
	now := e.now()
	ds.mu.Lock()
	defer ds.mu.Unlock()
	p, ok := ds.presences[sessionID]
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	p.LastActivity = now
	p.Active = true
	sess.LastActivity = now
	return ds, p, nil
}

// === 操作提交与同步 ===

func (e *Engine) ApplyOperation(ctx context.Context, docID, sessionID string, draft OperationDraft) (ApplyResult, error) {
	sess, ok := e.state.GetSession(sessionID)
	if !ok || sess.DocID != docID {
		return ApplyResult{}, ErrSessionNotFound
	}
	if !draft.Type.Valid() {
		return ApplyResult{}, ErrUnknownOperationType
	}
	ds, ok := e.state.GetDocument(docID)
	if !ok {
		return ApplyResult{}, ErrDocumentNotFound
	}

	now := e.now()
	ds.mu.Lock()
	// 对照 pending 缓冲解析冲突；冲突通过变换解决，从不拒绝
	transformed := resolveConflicts(&draft, ds.pending)

	// 版本推进与日志追加在任何外部调用之前同步完成，
	// 保证并发提交按真实到达顺序得到唯一递增的版本号
	ds.version++
	op := Operation{
		ID:         uuid.NewString(),
		Type:       draft.Type,
		BlockIndex: draft.BlockIndex,
		Payload:    draft.Payload,
		UserID:     sess.UserID,
		Timestamp:  now,
		Version:    ds.version,
	}
	ds.ops = append(ds.ops, op)
	ds.pending = append(ds.pending, op)
	ds.lastModified = now

	var flushOps []Operation
	if len(ds.pending) >= e.cfg.FlushThreshold {
		flushOps = ds.pending
		ds.pending = nil
	}

	sess.LastActivity = now
	sess.OperationCount++
	if p := ds.presences[sessionID]; p != nil {
		p.LastActivity = now
	}
	peers := ds.peerUserIDs(sessionID, now, e.cfg.ActivityWindow)
	ds.mu.Unlock()

	e.sendTo(peers, docID, OperationEvent{Type: EventOperationApplied, DocID: docID, Operation: op, Transformed: transformed})

	if e.events != nil {
		ectx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		if err := e.events.Enqueue(ectx, DocEvent{
			EventType:   DocEventOpApplied,
			DocID:       docID,
			OperationID: op.ID,
			OpType:      op.Type,
			BlockIndex:  op.BlockIndex,
			Payload:     op.Payload,
			AuthorID:    op.UserID,
			Revision:    op.Version,
			AppliedAt:   now,
		}); err != nil {
			log.Printf("op event enqueue dropped doc=%s op=%s err=%v", docID, op.ID, err)
		}
		cancel()
	}

	if flushOps != nil {
		e.flush(ctx, docID, sess.UserID, "auto", flushOps)
	}

	return ApplyResult{Operation: op, Transformed: transformed}, nil
}

func (e *Engine) ApplyOperationBatch(ctx context.Context, docID, sessionID string, drafts []OperationDraft) (BatchResult, error) {
	var res BatchResult
	for _, draft := range drafts {
		applied, err := e.ApplyOperation(ctx, docID, sessionID, draft)
		if err != nil {
			// 单条失败不中止批次，调用方检查 Applied 数量
			res.Failed++
			continue
		}
		res.Applied = append(res.Applied, applied)
	}
	return res, nil
}

func (e *Engine) SyncDocumentState(ctx context.Context, docID string, clientVersion uint64) (SyncResult, error) {
	ds, ok := e.state.GetDocument(docID)
	if !ok {
		return SyncResult{}, ErrDocumentNotFound
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if clientVersion >= ds.version {
		return SyncResult{InSync: true, CurrentVersion: ds.version}, nil
	}
	// 日志按版本升序追加，线性扫描即可得到有序的缺失操作
	missed := make([]Operation, 0, ds.version-clientVersion)
	for _, op := range ds.ops {
		if op.Version > clientVersion {
			missed = append(missed, op)
		}
	}
	return SyncResult{CurrentVersion: ds.version, Operations: missed}, nil
}

// === 咨询性块锁与行内评论（均为纯广播，不进操作日志） ===

func (e *Engine) LockBlock(ctx context.Context, docID, sessionID string, blockIndex int) error {
	return e.broadcastLock(docID, sessionID, blockIndex, EventBlockLocked)
}

func (e *Engine) UnlockBlock(ctx context.Context, docID, sessionID string, blockIndex int) error {
	return e.broadcastLock(docID, sessionID, blockIndex, EventBlockUnlocked)
}

func (e *Engine) broadcastLock(docID, sessionID string, blockIndex int, eventType string) error {
	ds, p, err := e.touchPresence(docID, sessionID)
	if err != nil {
		return err
	}
	now := e.now()
	ds.mu.Lock()
	evt := BlockLockEvent{Type: eventType, DocID: docID, BlockIndex: blockIndex, SessionID: sessionID, UserID: p.UserID, Username: p.Username}
	peers := ds.peerUserIDs(sessionID, now, e.cfg.ActivityWindow)
	ds.mu.Unlock()
	e.sendTo(peers, docID, evt)
	return nil
}

func (e *Engine) AddInlineComment(ctx context.Context, docID, sessionID string, blockIndex int, selection *SelectionRange, text string) (InlineComment, error) {
	ds, p, err := e.touchPresence(docID, sessionID)
	if err != nil {
		return InlineComment{}, err
	}
	comment := InlineComment{
		ID:         uuid.NewString(),
		DocID:      docID,
		BlockIndex: blockIndex,
		Selection:  selection,
		Text:       text,
		AuthorID:   p.UserID,
		CreatedAt:  e.now(),
	}
	now := e.now()
	ds.mu.Lock()
	peers := ds.peerUserIDs(sessionID, now, e.cfg.ActivityWindow)
	ds.mu.Unlock()
	e.sendTo(peers, docID, CommentEvent{Type: EventCommentAdded, DocID: docID, Comment: comment})
	return comment, nil
}

func (e *Engine) ResolveInlineComment(ctx context.Context, docID, sessionID, commentID string) error {
	ds, p, err := e.touchPresence(docID, sessionID)
	if err != nil {
		return err
	}
	now := e.now()
	ds.mu.Lock()
	peers := ds.peerUserIDs(sessionID, now, e.cfg.ActivityWindow)
	ds.mu.Unlock()
	e.sendTo(peers, docID, CommentResolvedEvent{Type: EventCommentResolved, DocID: docID, CommentID: commentID, UserID: p.UserID})
	return nil
}

// === 统计 ===

func (e *Engine) GetSessionStats(ctx context.Context, sessionID string) (SessionStats, error) {
	sess, ok := e.state.GetSession(sessionID)
	if !ok {
		return SessionStats{}, ErrSessionNotFound
	}
	return SessionStats{
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		DocID:          sess.DocID,
		StartedAt:      sess.StartedAt,
		LastActivity:   sess.LastActivity,
		DurationSec:    int64(e.now().Sub(sess.StartedAt).Seconds()),
		OperationCount: sess.OperationCount,
	}, nil
}

func (e *Engine) GetDocumentCollaborationStats(ctx context.Context, docID string) (DocumentStats, error) {
	ds, ok := e.state.GetDocument(docID)
	if !ok {
		return DocumentStats{}, ErrDocumentNotFound
	}
	now := e.now()
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return DocumentStats{
		DocID:               docID,
		Version:             ds.version,
		OperationCount:      len(ds.ops),
		PendingCount:        len(ds.pending),
		ActiveCollaborators: len(ds.activePresences(now, e.cfg.ActivityWindow)),
		LastModified:        ds.lastModified,
	}, nil
}

// === 内部辅助 ===

// peerUserIDs 锁内收集广播目标：活动窗口内、排除指定会话所属用户，按 userID 去重
func (ds *DocState) peerUserIDs(excludeSessionID string, now time.Time, window time.Duration) []uint64 {
	var excludeUser uint64
	if p, ok := ds.presences[excludeSessionID]; ok {
		excludeUser = p.UserID
	}
	seen := make(map[uint64]struct{}, len(ds.presences))
	out := make([]uint64, 0, len(ds.presences))
	for sid, p := range ds.presences {
		if sid == excludeSessionID || p.UserID == excludeUser {
			continue
		}
		if now.Sub(p.LastActivity) > window {
			continue
		}
		if _, dup := seen[p.UserID]; dup {
			continue
		}
		seen[p.UserID] = struct{}{}
		out = append(out, p.UserID)
	}
	return out
}

func (e *Engine) sendTo(userIDs []uint64, docID string, payload any) {
	if e.transport == nil {
		return
	}
	ch := docChannel(docID)
	for _, uid := range userIDs {
		e.transport.SendToUser(uid, ch, payload)
	}
}

func (e *Engine) mirrorAdd(ctx context.Context, docID string, userID uint64, username string) {
	if e.mirror == nil {
		return
	}
	if err := e.mirror.AddMember(ctx, docID, userID, username, e.cfg.ActivityWindow); err != nil {
		log.Printf("presence mirror add failed doc=%s user=%d err=%v", docID, userID, err)
	}
}

// flush 把一段 pending 操作固化为一次外部版本快照。
// 快照失败只记日志不上抛；pending 在调用方锁内已清空，不会重复刷写。
func (e *Engine) flush(ctx context.Context, docID string, userID uint64, trigger string, flushed []Operation) {
	if len(flushed) == 0 {
		return
	}
	note := fmt.Sprintf("flush of %d operations", len(flushed))
	if err := e.versions.CreateVersionSnapshot(ctx, docID, userID, trigger, note); err != nil {
		log.Printf("create version snapshot failed doc=%s trigger=%s err=%v", docID, trigger, err)
	}
	if e.events != nil {
		ectx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		if err := e.events.Enqueue(ectx, DocEvent{
			EventType:  DocEventSnapshot,
			DocID:      docID,
			AuthorID:   userID,
			Trigger:    trigger,
			FlushedOps: len(flushed),
			AppliedAt:  e.now(),
		}); err != nil {
			log.Printf("snapshot event enqueue dropped doc=%s err=%v", docID, err)
		}
		cancel()
	}
}
