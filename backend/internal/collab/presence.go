package collab

import "time"

// 固定调色板：同一文档上同时在线的协作者颜色两两不同，直到 12 个槽位耗尽
var collaboratorPalette = [12]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
	"#bcf60c", "#fabebe", "#008080", "#e6beff",
}

// colorAllocator 显式的“第一个空槽”分配器，不依赖 map 遍历顺序
type colorAllocator struct {
	used [len(collaboratorPalette)]bool
	// 调色板耗尽后轮转复用
	wrap int
}

func (a *colorAllocator) alloc() (color string, slot int) {
	for i, inUse := range a.used {
		if !inUse {
			a.used[i] = true
			return collaboratorPalette[i], i
		}
	}
	color = collaboratorPalette[a.wrap%len(collaboratorPalette)]
	a.wrap++
	return color, -1
}

func (a *colorAllocator) release(slot int) {
	if slot >= 0 && slot < len(a.used) {
		a.used[slot] = false
	}
}

// 以下方法要求调用方已持有 ds.mu

func (ds *DocState) addPresence(sess *Session, user UserInfo, now time.Time) *Presence {
	color, slot := ds.colors.alloc()
	p := &Presence{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		Username:     user.Name,
		Avatar:       user.Avatar,
		Color:        color,
		LastActivity: now,
		Active:       true,
		colorSlot:    slot,
	}
	ds.presences[sess.ID] = p
	return p
}

func (ds *DocState) removePresence(sessionID string) *Presence {
	p, ok := ds.presences[sessionID]
	if !ok {
		return nil
	}
	ds.colors.release(p.colorSlot)
	delete(ds.presences, sessionID)
	return p
}

// activePresences 返回活动窗口内的 presence 快照，顺序不保证
func (ds *DocState) activePresences(now time.Time, window time.Duration) []Presence {
	out := make([]Presence, 0, len(ds.presences))
	for _, p := range ds.presences {
		if now.Sub(p.LastActivity) <= window {
			out = append(out, *p)
		}
	}
	return out
}
