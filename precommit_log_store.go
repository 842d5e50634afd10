package repcore

import (
	. "github.com/fuyao-w/common-util"
)

// dataJournalCacheSize 数据日志尾部缓存的槽位数，预提交解码和覆盖截断的回读都落在尾部
const dataJournalCacheSize = 128

// preCommitLogStore 数据日志的装饰器，一层做两件事：
//
// 钩子分发：领导者提交与跟随者落盘都经过 SetLogs，且都按索引顺序串行调用，
// 预提交钩子借用该调用点即可保证顺序，不需要额外的分发线程；日志被新领导者
// 覆盖时会先对后缀执行 DeleteRange，回滚钩子挂在这里。
//
// 尾部缓存：环形缓存最近追加的条目，回滚前的回读和共识实现的尾部读不用
// 穿透到底层存储，只在 SetLogs、DeleteRange 时更新以保证局部性
type preCommitLogStore struct {
	store    LogStore
	sm       *ReplicaStateMachine
	logger   Logger
	buffer   *LockItem[[]*LogEntry]
	capacity uint64
}

func newPreCommitLogStore(store LogStore, sm *ReplicaStateMachine, logger Logger) LogStore {
	return &preCommitLogStore{
		store:    store,
		sm:       sm,
		logger:   logger,
		buffer:   NewLockItem(make([]*LogEntry, dataJournalCacheSize)),
		capacity: dataJournalCacheSize,
	}
}

func (p *preCommitLogStore) FirstIndex() (uint64, error) {
	return p.store.FirstIndex()
}

func (p *preCommitLogStore) LastIndex() (uint64, error) {
	return p.store.LastIndex()
}

func (p *preCommitLogStore) GetLog(index uint64) (log *LogEntry, err error) {
	p.buffer.Action(func(t *[]*LogEntry) {
		log = (*t)[index%p.capacity]
	})
	if log != nil && log.Index == index {
		return
	}
	return p.store.GetLog(index)
}

func (p *preCommitLogStore) GetLogRange(from, to uint64) (logs []*LogEntry, err error) {
	buf := *p.buffer.Lock()
	for i := from; i <= to; i++ {
		if log := buf[i%p.capacity]; log != nil && log.Index == i {
			logs = append(logs, log)
		} else {
			goto LOAD
		}
	}
	p.buffer.Unlock()
	return
LOAD:
	p.buffer.Unlock()
	return p.store.GetLogRange(from, to)
}

func (p *preCommitLogStore) SetLogs(logs []*LogEntry) error {
	if err := p.store.SetLogs(logs); err != nil {
		return err
	}
	p.buffer.Action(func(buf *[]*LogEntry) {
		for _, log := range logs {
			(*buf)[log.Index%p.capacity] = log
		}
	})
	for _, entry := range logs {
		if entry.Type != LogCommand {
			continue
		}
		rec, err := DecodeWriteRecord(entry.Data)
		if err != nil {
			p.logger.Errorf("preCommitLogStore|decode index:%d err:%s", entry.Index, err)
			return ErrCorruption
		}
		if err = p.sm.OnPreCommit(LSN(entry.Index), rec.Header, rec.Key, nil); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRange 区分两种调用：删到最新索引为止的是覆盖截断，需要逐条回滚；
// 从头开始的前缀删除属于日志回收，已提交的条目不会回滚
func (p *preCommitLogStore) DeleteRange(from, to uint64) error {
	last, err := p.store.LastIndex()
	if err != nil {
		return err
	}
	var overwritten []*LogEntry
	if last > 0 && to >= last {
		if overwritten, err = p.GetLogRange(from, to); err != nil {
			return err
		}
	}
	if err = p.store.DeleteRange(from, to); err != nil {
		return err
	}
	p.buffer.Action(func(buf *[]*LogEntry) {
		for i := from; i <= to; i++ {
			idx := i % p.capacity
			if log := (*buf)[idx]; log != nil && log.Index == i {
				(*buf)[idx] = nil
			}
		}
	})
	for _, entry := range overwritten {
		if entry.Type != LogCommand {
			continue
		}
		rec, err := DecodeWriteRecord(entry.Data)
		if err != nil {
			p.logger.Errorf("preCommitLogStore|decode rollback index:%d err:%s", entry.Index, err)
			continue
		}
		if err = p.sm.OnRollback(LSN(entry.Index), rec.Header, rec.Key, nil); err != nil {
			return err
		}
	}
	return nil
}
