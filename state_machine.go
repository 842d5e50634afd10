package repcore

import (
	"sync"
	"sync/atomic"
)

// ReplicaStateMachine 承接共识日志的 pre-commit / commit / rollback 钩子，
// 负责用户监听者的分发以及 pba 的生命周期：监听者在 commit 回调中交还的 pba
// 必须先写入自由块日志并落盘，commit_lsn 才能前进，之后才允许物理释放
type ReplicaStateMachine struct {
	groupID  string
	store    StateMachineStore
	engine   StorageEngine
	resolver *PbaResolver
	listener ReplicaSetListener
	logger   Logger

	// lastPreCommit 已按序交付的最大预提交 lsn，回滚会把它回退以便新条目重新预提交
	lastPreCommit atomic.Int64
	stopOnce      sync.Once
}

func NewReplicaStateMachine(groupID string, store StateMachineStore, engine StorageEngine,
	resolver *PbaResolver, listener ReplicaSetListener, logger Logger) *ReplicaStateMachine {
	return &ReplicaStateMachine{
		groupID:  groupID,
		store:    store,
		engine:   engine,
		resolver: resolver,
		listener: listener,
		logger:   logger,
	}
}

// Recover 启动时恢复：把 lsn <= commit_lsn 的自由块记录重放给存储引擎（FreePba 幂等，
// 已释放的记录会被静默忽略），lsn > commit_lsn 的条目由共识日志的重放路径重新交付
func (m *ReplicaStateMachine) Recover() error {
	commit := m.store.CommitLSN()
	m.lastPreCommit.Store(int64(commit))
	if commit == 0 {
		return nil
	}
	return m.store.GetFreePbaRecords(1, commit+1, func(lsn LSN, pbas []PBA) bool {
		for _, pba := range pbas {
			if err := m.engine.FreePba(pba); err != nil {
				m.logger.Errorf("ReplicaStateMachine|Recover free pba:%d lsn:%d err:%s", pba, lsn, err)
			}
		}
		return true
	})
}

// OnPreCommit 在条目被排序后、提交前按日志序号顺序调用，重复交付会被跳过
func (m *ReplicaStateMachine) OnPreCommit(lsn LSN, header, key []byte, ctx interface{}) error {
	if int64(lsn) <= m.lastPreCommit.Load() {
		return nil
	}
	if err := m.listener.OnPreCommit(lsn, header, key, ctx); err != nil {
		m.logger.Errorf("ReplicaStateMachine|OnPreCommit lsn:%d err:%s", lsn, err)
		return err
	}
	m.lastPreCommit.Store(int64(lsn))
	return nil
}

// OnCommit 只能由唯一的提交线程按 lsn 严格递增调用。顺序固定：
// 监听者回调 -> 自由块记录落盘 -> commit_lsn 前进 -> 物理释放，
// 自由块记录写失败时返回 ErrLogStoreFailure 且 commit_lsn 不前进
func (m *ReplicaStateMachine) OnCommit(lsn LSN, header, key []byte, pbas []PBA, origin string, ctx interface{}) error {
	if lsn <= m.store.CommitLSN() {
		// 崩溃恢复后共识日志会重新交付已提交的条目
		return nil
	}
	freed, err := m.listener.OnCommit(lsn, header, key, pbas, ctx)
	if err != nil {
		m.logger.Errorf("ReplicaStateMachine|listener OnCommit group:%s lsn:%d err:%s", m.groupID, lsn, err)
		return err
	}
	if err = m.store.AddFreePbaRecord(lsn, freed); err != nil {
		return err
	}
	if err = m.store.FlushFreePbaRecords(); err != nil {
		m.logger.Errorf("ReplicaStateMachine|flush free pba records group:%s lsn:%d err:%s", m.groupID, lsn, err)
		return ErrLogStoreFailure
	}
	m.store.SetCommitLSN(lsn)
	if m.resolver != nil && len(origin) > 0 {
		// 日志提交后本地 pba 成为规范引用，远端映射可以淘汰
		for _, pba := range pbas {
			m.resolver.Release(FullyQualifiedPBA{SrvID: ServerID(origin), Pba: pba})
		}
	}
	for _, pba := range freed {
		if err = m.engine.FreePba(pba); err != nil {
			m.logger.Errorf("ReplicaStateMachine|free pba:%d lsn:%d err:%s", pba, lsn, err)
		}
	}
	return nil
}

// OnRollback 仅在跟随者上，已预提交的条目被新领导者覆盖时调用，同一个 lsn 之后
// 还会以新条目的内容重新预提交、提交
func (m *ReplicaStateMachine) OnRollback(lsn LSN, header, key []byte, ctx interface{}) error {
	if lsn <= m.store.CommitLSN() {
		// 同一个 lsn 上提交和回滚互斥，已提交的条目不可能再被覆盖
		return nil
	}
	if err := m.listener.OnRollback(lsn, header, key, ctx); err != nil {
		m.logger.Errorf("ReplicaStateMachine|OnRollback lsn:%d err:%s", lsn, err)
		return err
	}
	for {
		cur := m.lastPreCommit.Load()
		if int64(lsn)-1 >= cur || m.lastPreCommit.CompareAndSwap(cur, int64(lsn)-1) {
			return nil
		}
	}
}

// OnReplicaStop 停机：刷盘自由块日志、持久化超级块、通知监听者，幂等
func (m *ReplicaStateMachine) OnReplicaStop() {
	m.stopOnce.Do(func() {
		if err := m.store.FlushFreePbaRecords(); err != nil {
			m.logger.Errorf("ReplicaStateMachine|stop flush err:%s", err)
		}
		if err := m.store.Close(); err != nil {
			m.logger.Errorf("ReplicaStateMachine|stop close store err:%s", err)
		}
		m.listener.OnReplicaStop()
	})
}
