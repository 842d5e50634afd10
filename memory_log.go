package repcore

import (
	"time"

	. "github.com/fuyao-w/common-util"
	"github.com/fuyao-w/deepcopy"
)

type memLog struct {
	firstIndex, lastIndex uint64
	log                   map[uint64]*LogEntry
}

// memLogStore LogStore 的内存实现，home/jungle 两种日志后端在进程内的承载：
// 自由块日志和共识数据日志在这些模式下都落在这里。条目在存取两侧深拷贝，
// 调用方持有的切片不会和存储内部互相污染
type memLogStore struct {
	log *LockItem[memLog]
}

func newMemLogStore() *memLogStore {
	return &memLogStore{
		log: NewLockItem(memLog{
			log: map[uint64]*LogEntry{},
		}),
	}
}

func (m *memLogStore) FirstIndex() (uint64, error) {
	var idx uint64
	m.log.Action(func(t *memLog) {
		idx = t.firstIndex
	})
	return idx, nil
}

func (m *memLogStore) LastIndex() (uint64, error) {
	var idx uint64
	m.log.Action(func(t *memLog) {
		idx = t.lastIndex
	})
	return idx, nil
}

func (m *memLogStore) GetLog(index uint64) (log *LogEntry, err error) {
	m.log.Action(func(t *memLog) {
		entry, ok := t.log[index]
		if ok {
			log = deepcopy.Copy(entry).(*LogEntry)
		} else {
			err = ErrNotFoundLog
		}
	})
	return
}

func (m *memLogStore) GetLogRange(from, to uint64) (logs []*LogEntry, err error) {
	m.log.Action(func(t *memLog) {
		for i := from; i <= to; i++ {
			entry := t.log[i]
			if entry == nil {
				continue
			}
			logs = append(logs, deepcopy.Copy(entry).(*LogEntry))
		}
	})
	return
}

func (m *memLogStore) SetLogs(logs []*LogEntry) error {
	m.log.Action(func(t *memLog) {
		for _, entry := range logs {
			t.log[entry.Index] = deepcopy.Copy(entry).(*LogEntry)
			t.log[entry.Index].CreatedAt = time.Now()
			if t.firstIndex == 0 {
				t.firstIndex = entry.Index
			}
			if entry.Index > t.lastIndex {
				t.lastIndex = entry.Index
			}
		}
	})
	return nil
}

func (m *memLogStore) DeleteRange(min, max uint64) error {
	if min > max {
		return ErrRange
	}
	m.log.Action(func(t *memLog) {
		for i := min; i <= max; i++ {
			delete(t.log, i)
		}
		if min <= t.firstIndex {
			t.firstIndex = max + 1
		}
		if max >= t.lastIndex {
			t.lastIndex = min - 1
		}
		if t.firstIndex > t.lastIndex {
			t.firstIndex = 0
			t.lastIndex = 0
		}
	})
	return nil
}
