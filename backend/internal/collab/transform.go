package collab

// 冲突检测与变换。
//
// 新操作在接受前要对照同文档的 pending 缓冲逐条检查：
//   - blockIndex 相同                     -> 冲突（直接竞争同一个块）
//   - pending 删除发生在更小的 blockIndex -> 冲突（后续块下标左移）
//   - pending 插入发生在 <= blockIndex    -> 冲突（后续块下标右移）
//
// 冲突不会拒绝操作，而是通过 transformAgainst 调整下标/合并字段，
// 保证日志中的块引用结构一致。块内字符级的意图保留合并不在此实现范围，
// 并发 update 按字段做 last-write-wins。

// conflictsWith 判断草稿与一条 pending 操作是否冲突
func conflictsWith(draft OperationDraft, pending Operation) bool {
	if pending.BlockIndex == draft.BlockIndex {
		return true
	}
	if pending.Type == OpDelete && pending.BlockIndex < draft.BlockIndex {
		return true
	}
	if pending.Type == OpInsert && pending.BlockIndex <= draft.BlockIndex {
		return true
	}
	return false
}

// transformAgainst 把草稿针对一条已接受的 pending 操作做变换，
// 返回是否发生了实际调整。调用方按 pending 的接受顺序逐条套用。
func transformAgainst(draft *OperationDraft, pending Operation) bool {
	switch pending.Type {
	case OpInsert:
		if pending.BlockIndex <= draft.BlockIndex {
			draft.BlockIndex++
			return true
		}
	case OpDelete:
		if pending.BlockIndex < draft.BlockIndex {
			if draft.BlockIndex > 0 {
				draft.BlockIndex--
			}
			return true
		}
	case OpUpdate:
		// 同一块上的并发 update：字段级合并，后到者的字段覆盖先到者
		if draft.Type == OpUpdate && pending.BlockIndex == draft.BlockIndex {
			draft.Payload = mergePayload(pending.Payload, draft.Payload)
			return true
		}
	}
	return false
}

// resolveConflicts 对照整个 pending 缓冲解析草稿，返回是否有过变换
func resolveConflicts(draft *OperationDraft, pendingOps []Operation) bool {
	transformed := false
	for _, p := range pendingOps {
		if !conflictsWith(*draft, p) {
			continue
		}
		if transformAgainst(draft, p) {
			transformed = true
		}
	}
	return transformed
}

// mergePayload 先到者字段打底，后到者字段覆盖；两边都不被就地修改
func mergePayload(earlier, later map[string]any) map[string]any {
	if earlier == nil && later == nil {
		return nil
	}
	merged := make(map[string]any, len(earlier)+len(later))
	for k, v := range earlier {
		merged[k] = v
	}
	for k, v := range later {
		merged[k] = v
	}
	return merged
}
