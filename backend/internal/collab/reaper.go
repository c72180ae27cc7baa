package collab

import (
	"context"
	"log"
	"time"
)

// StartReaper 启动周期清扫，ctx 取消即停止。
// 超过活动窗口的 presence 走与显式 leave 完全相同的移除路径，
// 包括最后一人离开时的刷写与文档逐出，用于约束崩溃/失联客户端占用的内存。
func (e *Engine) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.SweepStale(ctx); n > 0 {
					log.Printf("reaper removed %d stale presences", n)
				}
			}
		}
	}()
}

// SweepStale 执行一轮清扫，返回被移除的 presence 数量
func (e *Engine) SweepStale(ctx context.Context) int {
	now := e.now()
	reaped := 0
	for _, docID := range e.state.DocumentIDs() {
		ds, ok := e.state.GetDocument(docID)
		if !ok {
			continue
		}
		ds.mu.Lock()
		var stale []string
		for sid, p := range ds.presences {
			if now.Sub(p.LastActivity) > e.cfg.ActivityWindow {
				stale = append(stale, sid)
			}
		}
		ds.mu.Unlock()

		for _, sid := range stale {
			// 扫描与移除之间可能有心跳续活，removeSession 锁内再核一次
			if err := e.removeSession(ctx, ds, sid, "timeout", e.cfg.ActivityWindow); err == nil {
				reaped++
			}
		}
	}
	return reaped
}
