package repcore

import (
	"sync/atomic"
)

// journalIndex 将对外的共识 lsn 映射为自由块日志自己的 LogStore 索引
// 等价于 uint64(lsn)，但显式经过 toStoreLSN 以保留和 store-lsn 编号的对应关系
func journalIndex(lsn LSN) uint64 {
	return uint64(toStoreLSN(lsn)) + 1
}

// FreePbaJournal 每个副本集持有一份，记录哪些 lsn 释放了哪些 pba，用于崩溃恢复时安全地物理释放存储
type FreePbaJournal struct {
	store        LogStore
	logger       Logger
	lastWriteLSN atomic.Int64
}

// NewFreePbaJournal store 是该日志专属的 LogStore 实例，不能与共识日志共用
func NewFreePbaJournal(store LogStore, logger Logger) *FreePbaJournal {
	return &FreePbaJournal{
		store:  store,
		logger: logger,
	}
}

// Append 追加一条 (lsn, pbas) 记录，写入失败时返回 ErrLogStoreFailure，调用方必须让对应的 commit 不前进
func (j *FreePbaJournal) Append(lsn LSN, pbas []PBA) error {
	entry := &LogEntry{
		Index: journalIndex(lsn),
		Type:  LogCommand,
		Data:  EncodeFreePbaRecord(pbas),
	}
	if err := j.store.SetLogs([]*LogEntry{entry}); err != nil {
		j.logger.Errorf("FreePbaJournal|Append lsn:%d err:%s", lsn, err)
		return ErrLogStoreFailure
	}
	j.lastWriteLSN.Store(int64(lsn))
	return nil
}

// Replay 从 startLSN（包含）开始遍历，visit 在 lsn < endLSN-1 时持续调用以继续遍历，
// 并且在 lsn == endLSN-1 时仍会被调用一次后停止：半开区间加末尾补发，
// 调用方可以精确排空到某个边界为止
func (j *FreePbaJournal) Replay(startLSN, endLSN LSN, visit func(LSN, []PBA) bool) error {
	first := journalIndex(startLSN)
	last, err := j.store.LastIndex()
	if err != nil {
		return err
	}
	if last < first {
		return nil
	}
	entries, err := j.store.GetLogRange(first, last)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		lsn := toReplicaLSN(LSN(entry.Index) - 1)
		pbas, err := DecodeFreePbaRecord(entry.Data)
		if err != nil {
			return ErrCorruption
		}
		cont := lsn < endLSN-1
		if lsn < endLSN {
			if !visit(lsn, pbas) {
				return nil
			}
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// TruncateUpto 物理删除 lsn 及之前的记录，并重置 lastWriteLSN
func (j *FreePbaJournal) TruncateUpto(lsn LSN) error {
	first, err := j.store.FirstIndex()
	if err != nil {
		return err
	}
	last := journalIndex(lsn)
	if last < first {
		return nil
	}
	if err := j.store.DeleteRange(first, last); err != nil {
		return err
	}
	j.lastWriteLSN.Store(0)
	return nil
}

// FlushSync 强制落盘到 lastWriteLSN，如果从未写入过则视为在一个无效的哨兵 lsn 上落盘，即空操作
func (j *FreePbaJournal) FlushSync() error {
	last := j.lastWriteLSN.Load()
	if last == 0 {
		return nil
	}
	// 底层 LogStore 的实现（内存 / bolt）本身是同步写入的，这里保留该调用只是为了
	// 与契约保持对称，真正需要落盘保证的后端应该在这里做一次 fsync
	if flusher, ok := j.store.(interface{ FlushSync() error }); ok {
		return flusher.FlushSync()
	}
	return nil
}
