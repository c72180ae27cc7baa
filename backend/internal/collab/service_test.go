package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// === 测试替身 ===

type fakeDocuments struct {
	docs map[string]DocumentMeta
}

func (f *fakeDocuments) GetDocument(ctx context.Context, docID string) (DocumentMeta, error) {
	meta, ok := f.docs[docID]
	if !ok {
		return DocumentMeta{}, ErrDocumentNotFound
	}
	return meta, nil
}

type fakeUsers struct {
	users map[uint64]UserInfo
}

func (f *fakeUsers) GetUser(ctx context.Context, userID uint64) (UserInfo, error) {
	u, ok := f.users[userID]
	if !ok {
		return UserInfo{}, ErrUserNotFound
	}
	return u, nil
}

type snapshotCall struct {
	DocID   string
	UserID  uint64
	Trigger string
	Note    string
}

type fakeVersions struct {
	mu    sync.Mutex
	calls []snapshotCall
}

func (f *fakeVersions) CreateVersionSnapshot(ctx context.Context, docID string, userID uint64, trigger, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, snapshotCall{DocID: docID, UserID: userID, Trigger: trigger, Note: note})
	return nil
}

func (f *fakeVersions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sentMessage struct {
	UserID  uint64
	Channel string
	Payload any
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeTransport) SendToUser(userID uint64, channel string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{UserID: userID, Channel: channel, Payload: payload})
}

func (f *fakeTransport) forUser(userID uint64) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

type testEnv struct {
	engine    *Engine
	versions  *fakeVersions
	transport *fakeTransport
	clock     *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	return newTestEnvWithStore(t, cfg, NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, cfg Config, state StateStore) *testEnv {
	t.Helper()
	docs := &fakeDocuments{docs: map[string]DocumentMeta{
		"d1": {ID: "d1", OwnerID: 1},
		"d2": {ID: "d2", OwnerID: 2},
	}}
	users := &fakeUsers{users: map[uint64]UserInfo{
		1: {Name: "alice"}, 2: {Name: "bob"}, 3: {Name: "carol"},
	}}
	for i := uint64(4); i <= 20; i++ {
		users.users[i] = UserInfo{Name: fmt.Sprintf("user-%d", i)}
	}
	versions := &fakeVersions{}
	transport := &fakeTransport{}
	clock := &fakeClock{cur: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	engine := NewEngine(cfg, state, docs, users, versions, transport)
	engine.now = clock.Now
	return &testEnv{engine: engine, versions: versions, transport: transport, clock: clock}
}

// === join / leave ===

func TestJoin_UnknownDocumentOrUser(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.engine.Join(ctx, "missing", 1, "s1")
	require.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = env.engine.Join(ctx, "d1", 999, "s1")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestJoin_ReturnsSnapshotAndCollaborators(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	r1, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", r1.Session.ID)
	assert.Equal(t, uint64(0), r1.Snapshot.Version)
	assert.Len(t, r1.Collaborators, 1)

	_, err = env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{Type: OpInsert, BlockIndex: 0})
	require.NoError(t, err)

	r2, err := env.engine.Join(ctx, "d1", 2, "s2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r2.Snapshot.Version)
	require.Len(t, r2.Snapshot.Operations, 1)
	assert.Len(t, r2.Collaborators, 2)

	// 已在场的 u1 收到 join 广播，新加入的 u2 不给自己发
	got := env.transport.forUser(1)
	require.NotEmpty(t, got)
	evt, ok := got[len(got)-1].Payload.(CollaboratorEvent)
	require.True(t, ok)
	assert.Equal(t, EventCollaboratorJoined, evt.Type)
	assert.Equal(t, uint64(2), evt.Presence.UserID)
}

func TestJoin_ColorsPairwiseDistinct(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 1; i <= 12; i++ {
		r, err := env.engine.Join(ctx, "d1", uint64(i), fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		var me *Presence
		for idx := range r.Collaborators {
			if r.Collaborators[idx].SessionID == r.Session.ID {
				me = &r.Collaborators[idx]
			}
		}
		require.NotNil(t, me)
		assert.False(t, seen[me.Color], "color %s reused within palette size", me.Color)
		seen[me.Color] = true
	}

	// 第 13 个加入者复用调色板颜色
	r13, err := env.engine.Join(ctx, "d1", 13, "s13")
	require.NoError(t, err)
	var me *Presence
	for idx := range r13.Collaborators {
		if r13.Collaborators[idx].SessionID == "s13" {
			me = &r13.Collaborators[idx]
		}
	}
	require.NotNil(t, me)
	assert.True(t, seen[me.Color])
}

func TestLeave_LastCollaboratorFlushesAndEvicts(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{Type: OpInsert, BlockIndex: i})
		require.NoError(t, err)
	}

	require.NoError(t, env.engine.Leave(ctx, "d1", "s1"))

	// 恰好一次快照，文档从内存逐出
	require.Equal(t, 1, env.versions.count())
	assert.Equal(t, "last_leave", env.versions.calls[0].Trigger)
	_, ok := env.engine.state.GetDocument("d1")
	assert.False(t, ok, "document should be evicted")
	_, ok = env.engine.state.GetSession("s1")
	assert.False(t, ok, "session should be removed")

	// 重新加入得到全新状态
	r, err := env.engine.Join(ctx, "d1", 1, "s1b")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Snapshot.Version)
	assert.Empty(t, r.Snapshot.Operations)
}

func TestLeave_NotLastKeepsDocument(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	_, err = env.engine.Join(ctx, "d1", 2, "s2")
	require.NoError(t, err)
	_, err = env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{Type: OpInsert, BlockIndex: 0})
	require.NoError(t, err)

	require.NoError(t, env.engine.Leave(ctx, "d1", "s1"))
	assert.Equal(t, 0, env.versions.count(), "no flush while collaborators remain")
	_, ok := env.engine.state.GetDocument("d1")
	assert.True(t, ok)

	// 留守的 u2 收到 left 广播
	got := env.transport.forUser(2)
	require.NotEmpty(t, got)
	evt, ok := got[len(got)-1].Payload.(CollaboratorEvent)
	require.True(t, ok)
	assert.Equal(t, EventCollaboratorLeft, evt.Type)
	assert.Equal(t, "leave", evt.Reason)
}

func TestLeave_UnknownSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	require.ErrorIs(t, env.engine.Leave(ctx, "d1", "nope"), ErrSessionNotFound)
}

// === 操作提交 ===

func TestApplyOperation_VersionStrictlyIncreasing(t *testing.T) {
	env := newTestEnv(t, Config{FlushThreshold: 1000})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)

	const n = 25
	seen := make(map[uint64]bool)
	var last uint64
	for i := 0; i < n; i++ {
		res, err := env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{Type: OpInsert, BlockIndex: 0})
		require.NoError(t, err)
		assert.False(t, seen[res.Operation.Version], "version %d assigned twice", res.Operation.Version)
		assert.Greater(t, res.Operation.Version, last)
		seen[res.Operation.Version] = true
		last = res.Operation.Version
	}

	stats, err := env.engine.GetDocumentCollaborationStats(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, uint64(n), stats.Version)
	assert.Equal(t, n, stats.OperationCount)
}

func TestApplyOperation_Validation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)

	_, err = env.engine.ApplyOperation(ctx, "d1", "nope", OperationDraft{Type: OpInsert})
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{Type: "scribble"})
	require.ErrorIs(t, err, ErrUnknownOperationType)

	// 会话与文档不匹配同样视为未知会话
	_, err = env.engine.ApplyOperation(ctx, "d2", "s1", OperationDraft{Type: OpInsert})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestApplyOperation_BroadcastExcludesSubmitter(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	_, err = env.engine.Join(ctx, "d1", 2, "s2")
	require.NoError(t, err)

	before := len(env.transport.forUser(2))
	_, err = env.engine.ApplyOperation(ctx, "d1", "s2", OperationDraft{Type: OpInsert, BlockIndex: 0})
	require.NoError(t, err)

	assert.Len(t, env.transport.forUser(2), before, "submitter must not receive own op")
	got := env.transport.forUser(1)
	require.NotEmpty(t, got)
	evt, ok := got[len(got)-1].Payload.(OperationEvent)
	require.True(t, ok)
	assert.Equal(t, EventOperationApplied, evt.Type)
	assert.Equal(t, "collab:doc:d1", got[len(got)-1].Channel)
}

func TestApplyOperation_FlushAtThreshold(t *testing.T) {
	env := newTestEnv(t, Config{FlushThreshold: 10})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		_, err = env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{Type: OpInsert, BlockIndex: i})
		require.NoError(t, err)
	}
	assert.Equal(t, 0, env.versions.count())

	_, err = env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{Type: OpInsert, BlockIndex: 9})
	require.NoError(t, err)
	require.Equal(t, 1, env.versions.count())
	assert.Equal(t, "auto", env.versions.calls[0].Trigger)

	stats, err := env.engine.GetDocumentCollaborationStats(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PendingCount, "pending buffer resets after flush")
	assert.Equal(t, 10, stats.OperationCount, "log is never truncated by flush")
}

func TestApplyOperationBatch_ContinuesPastFailures(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)

	res, err := env.engine.ApplyOperationBatch(ctx, "d1", "s1", []OperationDraft{
		{Type: OpInsert, BlockIndex: 0},
		{Type: "bogus", BlockIndex: 1},
		{Type: OpUpdate, BlockIndex: 0, Payload: map[string]any{"text": "hi"}},
	})
	require.NoError(t, err)
	assert.Len(t, res.Applied, 2)
	assert.Equal(t, 1, res.Failed)

	stats, err := env.engine.GetDocumentCollaborationStats(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Version)
}

// === 同步协议 ===

func TestSyncDocumentState_UpToDate(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	_, err = env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{Type: OpInsert, BlockIndex: 0})
	require.NoError(t, err)

	res, err := env.engine.SyncDocumentState(ctx, "d1", 1)
	require.NoError(t, err)
	assert.True(t, res.InSync)
	assert.Empty(t, res.Operations)

	// 客户端声称的版本超前也视为无需同步
	res, err = env.engine.SyncDocumentState(ctx, "d1", 7)
	require.NoError(t, err)
	assert.True(t, res.InSync)
}

func TestSyncDocumentState_Idempotent(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{Type: OpInsert, BlockIndex: i})
		require.NoError(t, err)
	}

	first, err := env.engine.SyncDocumentState(ctx, "d1", 2)
	require.NoError(t, err)
	second, err := env.engine.SyncDocumentState(ctx, "d1", 2)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.Len(t, first.Operations, 3)
	for i, op := range first.Operations {
		assert.Equal(t, uint64(3+i), op.Version, "operations must replay in ascending version order")
	}
	assert.Equal(t, uint64(5), first.CurrentVersion)
}

// === 端到端：并发编辑 + 变换 + 追赶 ===

func TestEndToEnd_ConcurrentEditTransformAndSync(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	ins, err := env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{
		Type: OpInsert, BlockIndex: 0, Payload: map[string]any{"text": "heading"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ins.Operation.Version)

	// u2 加入后在未看到 u1 插入的前提下提交 update@0
	_, err = env.engine.Join(ctx, "d1", 2, "s2")
	require.NoError(t, err)
	upd, err := env.engine.ApplyOperation(ctx, "d1", "s2", OperationDraft{
		Type: OpUpdate, BlockIndex: 0, Payload: map[string]any{"text": "body"},
	})
	require.NoError(t, err)
	assert.True(t, upd.Transformed)
	assert.Equal(t, 1, upd.Operation.BlockIndex, "update must shift past the concurrent insert")
	assert.Equal(t, uint64(2), upd.Operation.Version)

	// 从版本 0 追赶：两条操作按序返回，最终下标 0 和 1
	res, err := env.engine.SyncDocumentState(ctx, "d1", 0)
	require.NoError(t, err)
	require.Len(t, res.Operations, 2)
	assert.Equal(t, uint64(1), res.Operations[0].Version)
	assert.Equal(t, 0, res.Operations[0].BlockIndex)
	assert.Equal(t, uint64(2), res.Operations[1].Version)
	assert.Equal(t, 1, res.Operations[1].BlockIndex)
	assert.Equal(t, uint64(2), res.CurrentVersion)
}

// === presence 更新与统计 ===

func TestUpdateCursorAndSelection_Broadcast(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	_, err = env.engine.Join(ctx, "d1", 2, "s2")
	require.NoError(t, err)

	require.NoError(t, env.engine.UpdateCursor(ctx, "d1", "s1", CursorPosition{BlockIndex: 2, Offset: 5}))
	require.NoError(t, env.engine.UpdateSelection(ctx, "d1", "s1", SelectionRange{StartBlock: 1, EndBlock: 2}))

	got := env.transport.forUser(2)
	require.GreaterOrEqual(t, len(got), 2)
	cur, ok := got[len(got)-2].Payload.(CursorEvent)
	require.True(t, ok)
	assert.Equal(t, EventCursorUpdate, cur.Type)
	require.NotNil(t, cur.Cursor)
	assert.Equal(t, 2, cur.Cursor.BlockIndex)

	sel, ok := got[len(got)-1].Payload.(CursorEvent)
	require.True(t, ok)
	assert.Equal(t, EventSelectionUpdate, sel.Type)
	require.NotNil(t, sel.Selection)
}

func TestHeartbeat_BroadcastsToPeers(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	_, err = env.engine.Join(ctx, "d1", 2, "s2")
	require.NoError(t, err)

	before := len(env.transport.forUser(2))
	require.NoError(t, env.engine.Heartbeat(ctx, "d1", "s1"))

	got := env.transport.forUser(2)
	require.Len(t, got, before+1, "peer must see the heartbeat")
	evt, ok := got[len(got)-1].Payload.(HeartbeatEvent)
	require.True(t, ok)
	assert.Equal(t, EventPresenceHeartbeat, evt.Type)
	assert.Equal(t, uint64(1), evt.UserID)
	assert.Equal(t, "s1", evt.SessionID)

	// 自己的心跳不回发给自己
	mine := env.transport.forUser(1)
	for _, m := range mine {
		if _, ok := m.Payload.(HeartbeatEvent); ok {
			t.Fatalf("submitter received own heartbeat")
		}
	}
}

func TestGetSessionStats(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	_, err = env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{Type: OpInsert, BlockIndex: 0})
	require.NoError(t, err)

	env.clock.Advance(90 * time.Second)
	stats, err := env.engine.GetSessionStats(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.UserID)
	assert.Equal(t, 1, stats.OperationCount)
	assert.Equal(t, int64(90), stats.DurationSec)

	_, err = env.engine.GetSessionStats(ctx, "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

// === 块锁与评论（纯广播） ===

func TestLockBlock_AdvisoryBroadcast(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	_, err = env.engine.Join(ctx, "d1", 2, "s2")
	require.NoError(t, err)

	require.NoError(t, env.engine.LockBlock(ctx, "d1", "s1", 4))
	got := env.transport.forUser(2)
	require.NotEmpty(t, got)
	evt, ok := got[len(got)-1].Payload.(BlockLockEvent)
	require.True(t, ok)
	assert.Equal(t, EventBlockLocked, evt.Type)
	assert.Equal(t, 4, evt.BlockIndex)
	assert.Equal(t, "alice", evt.Username)

	// 锁不产生任何强制：另一会话照常对同一块提交操作
	_, err = env.engine.ApplyOperation(ctx, "d1", "s2", OperationDraft{Type: OpUpdate, BlockIndex: 4})
	require.NoError(t, err)

	require.NoError(t, env.engine.UnlockBlock(ctx, "d1", "s1", 4))
	got = env.transport.forUser(2)
	evt, ok = got[len(got)-1].Payload.(BlockLockEvent)
	require.True(t, ok)
	assert.Equal(t, EventBlockUnlocked, evt.Type)
}

func TestInlineComments_EphemeralBroadcast(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	_, err = env.engine.Join(ctx, "d1", 2, "s2")
	require.NoError(t, err)

	comment, err := env.engine.AddInlineComment(ctx, "d1", "s1", 3, &SelectionRange{StartBlock: 3, EndBlock: 3}, "typo here")
	require.NoError(t, err)
	assert.NotEmpty(t, comment.ID)
	assert.Equal(t, uint64(1), comment.AuthorID)

	got := env.transport.forUser(2)
	evt, ok := got[len(got)-1].Payload.(CommentEvent)
	require.True(t, ok)
	assert.Equal(t, "typo here", evt.Comment.Text)

	require.NoError(t, env.engine.ResolveInlineComment(ctx, "d1", "s2", comment.ID))
	got = env.transport.forUser(1)
	resolved, ok := got[len(got)-1].Payload.(CommentResolvedEvent)
	require.True(t, ok)
	assert.Equal(t, comment.ID, resolved.CommentID)

	// 评论不进操作日志
	stats, err := env.engine.GetDocumentCollaborationStats(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.Version)
	assert.Equal(t, 0, stats.OperationCount)
}

// === 最后一人离开与并发 join 的竞争 ===

// 在逐出动作前插入钩子，确定性复现 leave 与 join 的交错
type hookedEvictStore struct {
	*MemoryStore
	beforeEvict func()
}

func (s *hookedEvictStore) DeleteDocumentIfEmpty(ds *DocState) bool {
	if f := s.beforeEvict; f != nil {
		s.beforeEvict = nil
		f()
	}
	return s.MemoryStore.DeleteDocumentIfEmpty(ds)
}

func TestLeave_EvictionYieldsToRacingJoin(t *testing.T) {
	st := &hookedEvictStore{MemoryStore: NewMemoryStore()}
	env := newTestEnvWithStore(t, Config{}, st)
	ctx := context.Background()

	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	_, err = env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{Type: OpInsert, BlockIndex: 0})
	require.NoError(t, err)

	// u2 在 s1 的"最后一人"判定之后、逐出执行之前落地
	st.beforeEvict = func() {
		if _, err := env.engine.Join(ctx, "d1", 2, "s2"); err != nil {
			t.Errorf("racing join failed: %v", err)
		}
	}
	require.NoError(t, env.engine.Leave(ctx, "d1", "s1"))

	// 复核后文档保留，s2 的会话照常可用
	_, ok := env.engine.state.GetDocument("d1")
	assert.True(t, ok, "document must survive when a join wins the race")
	_, err = env.engine.ApplyOperation(ctx, "d1", "s2", OperationDraft{Type: OpUpdate, BlockIndex: 0})
	require.NoError(t, err)
}

// 查表与加锁之间完成逐出，join 拿到的是作废指针
type staleLookupStore struct {
	*MemoryStore
	onLookup func()
}

func (s *staleLookupStore) GetOrCreateDocument(docID string, ownerID uint64) *DocState {
	ds := s.MemoryStore.GetOrCreateDocument(docID, ownerID)
	if f := s.onLookup; f != nil {
		s.onLookup = nil
		f()
	}
	return ds
}

func TestJoin_RetriesWhenLookupRacesEviction(t *testing.T) {
	st := &staleLookupStore{MemoryStore: NewMemoryStore()}
	env := newTestEnvWithStore(t, Config{}, st)
	ctx := context.Background()

	_, err := env.engine.Join(ctx, "d1", 1, "s1")
	require.NoError(t, err)
	_, err = env.engine.ApplyOperation(ctx, "d1", "s1", OperationDraft{Type: OpInsert, BlockIndex: 0})
	require.NoError(t, err)

	// u2 刚查到旧 DocState，s1 的离开就把它逐出了
	st.onLookup = func() {
		if err := env.engine.Leave(ctx, "d1", "s1"); err != nil {
			t.Errorf("leave during lookup failed: %v", err)
		}
	}
	r, err := env.engine.Join(ctx, "d1", 2, "s2")
	require.NoError(t, err)
	// 重试后拿到重建的全新文档
	assert.Equal(t, uint64(0), r.Snapshot.Version)

	_, ok := env.engine.state.GetDocument("d1")
	assert.True(t, ok)
	_, err = env.engine.ApplyOperation(ctx, "d1", "s2", OperationDraft{Type: OpInsert, BlockIndex: 0})
	require.NoError(t, err)
}
