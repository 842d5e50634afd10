package repcore

import (
	"errors"
	"fmt"
)

// fsmAdapter 把 ReplicaStateMachine 挂到共识引擎的 FSM 接口上，
// Apply 就是提交线程的入口：共识实现保证单线程按索引严格递增调用
type fsmAdapter struct {
	sm     *ReplicaStateMachine
	logger Logger
}

func newFsmAdapter(sm *ReplicaStateMachine, logger Logger) *fsmAdapter {
	return &fsmAdapter{sm: sm, logger: logger}
}

func (f *fsmAdapter) Apply(entry *LogEntry) interface{} {
	rec, err := DecodeWriteRecord(entry.Data)
	if err != nil {
		f.logger.Errorf("fsmAdapter|decode write record index:%d err:%s", entry.Index, err)
		return ErrCorruption
	}
	if err = f.sm.OnCommit(LSN(entry.Index), rec.Header, rec.Key, rec.Pbas, rec.Origin, nil); err != nil {
		if errors.Is(err, ErrLogStoreFailure) {
			// commit_lsn 没有前进，条目会随重启后的日志重放再次交付
			return err
		}
		// 提交线程上的其他错误无法在不破坏释放链的前提下恢复
		panic(fmt.Errorf("commit lsn %d failed :%s", entry.Index, err))
	}
	return nil
}
