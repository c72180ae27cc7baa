package collab

import (
	"sync"
	"time"
)

// DocState 单个活跃文档的全部内存状态。
// 版本计数与操作日志只由 Engine 持有 mu 时修改；presence 表同样受 mu 保护。
type DocState struct {
	mu sync.Mutex

	docID        string
	ownerID      uint64
	version      uint64
	ops          []Operation
	pending      []Operation
	lastModified time.Time

	// sessionID -> presence
	presences map[string]*Presence
	colors    colorAllocator

	// 已被逐出 store 的标记；拿到旧指针的 join 据此重试
	evicted bool
}

func NewDocState(docID string, ownerID uint64) *DocState {
	return &DocState{
		docID:     docID,
		ownerID:   ownerID,
		presences: make(map[string]*Presence),
	}
}

// StateStore 文档/会话状态的注入点。
// 默认是进程内存实现；测试可替换为 fake，部署侧也可以换成共享缓存而不动冲突解析逻辑。
type StateStore interface {
	GetDocument(docID string) (*DocState, bool)
	GetOrCreateDocument(docID string, ownerID uint64) *DocState
	DeleteDocumentIfEmpty(ds *DocState) bool
	DocumentIDs() []string

	GetSession(sessionID string) (*Session, bool)
	PutSession(s *Session)
	DeleteSession(sessionID string)
}

type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]*DocState
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]*DocState),
		sessions: make(map[string]*Session),
	}
}

func (m *MemoryStore) GetDocument(docID string) (*DocState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.docs[docID]
	return ds, ok
}

func (m *MemoryStore) GetOrCreateDocument(docID string, ownerID uint64) *DocState {
	m.mu.RLock()
	ds := m.docs[docID]
	m.mu.RUnlock()
	if ds != nil {
		return ds
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds = m.docs[docID]; ds == nil {
		ds = NewDocState(docID, ownerID)
		m.docs[docID] = ds
	}
	return ds
}

// DeleteDocumentIfEmpty 在 store 锁与文档锁内复核 presence 表仍为空后才逐出，
// 与最后一人离开并发的 join 赢得竞争时文档保留。
// 锁序固定为 store.mu -> ds.mu，与逐出路径之外的用法不交叉。
func (m *MemoryStore) DeleteDocumentIfEmpty(ds *DocState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[ds.docID] != ds {
		return false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if len(ds.presences) > 0 {
		return false
	}
	ds.evicted = true
	delete(m.docs, ds.docID)
	return true
}

func (m *MemoryStore) DocumentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	return ids
}

func (m *MemoryStore) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *MemoryStore) PutSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *MemoryStore) DeleteSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
