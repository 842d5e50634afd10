package repcore

import (
	"errors"
	"fmt"
	"sync/atomic"

	. "github.com/fuyao-w/common-util"
)

// replicaStateStore 聚合超级块与自由块日志，实现 StateMachineStore
// commit_lsn 的热读路径走 atomic，超级块结构快照由 LockItem 保护
type replicaStateStore struct {
	engine    StorageEngine
	tag       string
	sb        *LockItem[ReplicaSetSuperblock]
	commitLSN atomic.Int64
	journal   *FreePbaJournal
	logger    Logger
}

func superblockTag(uuid [16]byte) string {
	return fmt.Sprintf("%s/%x", replicaSetSuperblockTag, uuid)
}

// openReplicaStateStore 打开或创建副本集的持久化状态：超级块不存在时创建超级块和
// 专属的自由块日志存储，并把存储 id 记录进超级块；存在时按超级块里的 id 找回日志存储
func openReplicaStateStore(engine StorageEngine, uuid [16]byte, logger Logger) (*replicaStateStore, error) {
	tag := superblockTag(uuid)
	sb, err := engine.OpenSuperblock(tag)
	if err != nil {
		if !errors.Is(err, ErrNotExist) {
			return nil, err
		}
		if sb, err = engine.CreateSuperblock(tag); err != nil {
			return nil, err
		}
		id, _, err := engine.CreateLogStore()
		if err != nil {
			return nil, err
		}
		sb.UUID = uuid
		sb.FreePbaStoreID = id
		if err = engine.WriteSuperblock(tag, sb); err != nil {
			return nil, err
		}
	}
	store, err := engine.OpenLogStore(sb.FreePbaStoreID)
	if err != nil {
		return nil, err
	}
	s := &replicaStateStore{
		engine:  engine,
		tag:     tag,
		sb:      NewLockItem(*sb),
		journal: NewFreePbaJournal(store, logger),
		logger:  logger,
	}
	s.commitLSN.Store(int64(sb.CommitLSN))
	return s, nil
}

func (s *replicaStateStore) CommitLSN() LSN {
	return LSN(s.commitLSN.Load())
}

// SetCommitLSN 更新内存中的 commit_lsn 并持久化超级块，调用前对应的自由块记录必须已经落盘
func (s *replicaStateStore) SetCommitLSN(lsn LSN) {
	s.sb.Action(func(t *ReplicaSetSuperblock) {
		t.CommitLSN = lsn
		s.commitLSN.Store(int64(lsn))
		if err := s.engine.WriteSuperblock(s.tag, Ptr(t.clone())); err != nil {
			s.logger.Errorf("replicaStateStore|WriteSuperblock lsn:%d err:%s", lsn, err)
		}
	})
}

// Checkpoint 推进 checkpoint_lsn，与 commit_lsn 相互独立
func (s *replicaStateStore) Checkpoint(lsn LSN) {
	s.sb.Action(func(t *ReplicaSetSuperblock) {
		if lsn <= t.CheckpointLSN {
			return
		}
		t.CheckpointLSN = lsn
		if err := s.engine.WriteSuperblock(s.tag, Ptr(t.clone())); err != nil {
			s.logger.Errorf("replicaStateStore|Checkpoint lsn:%d err:%s", lsn, err)
		}
	})
}

func (s *replicaStateStore) CheckpointLSN() (lsn LSN) {
	s.sb.Action(func(t *ReplicaSetSuperblock) {
		lsn = t.CheckpointLSN
	})
	return
}

// dataJournalStore 返回共识日志使用的 LogStore，首次调用时创建并把 id 写回超级块
func (s *replicaStateStore) dataJournalStore() (LogStore, error) {
	var id uint32
	s.sb.Action(func(t *ReplicaSetSuperblock) {
		id = t.DataJournalStoreID
	})
	if id > 0 {
		return s.engine.OpenLogStore(id)
	}
	id, store, err := s.engine.CreateLogStore()
	if err != nil {
		return nil, err
	}
	s.sb.Action(func(t *ReplicaSetSuperblock) {
		t.DataJournalStoreID = id
		err = s.engine.WriteSuperblock(s.tag, Ptr(t.clone()))
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (s *replicaStateStore) AddFreePbaRecord(lsn LSN, pbas []PBA) error {
	return s.journal.Append(lsn, pbas)
}

func (s *replicaStateStore) GetFreePbaRecords(startLSN, endLSN LSN, visit func(LSN, []PBA) bool) error {
	return s.journal.Replay(startLSN, endLSN, visit)
}

func (s *replicaStateStore) RemoveFreePbaRecordsUpto(lsn LSN) error {
	return s.journal.TruncateUpto(lsn)
}

func (s *replicaStateStore) FlushFreePbaRecords() error {
	return s.journal.FlushSync()
}

// Close 刷盘自由块日志并持久化超级块快照
func (s *replicaStateStore) Close() error {
	if err := s.journal.FlushSync(); err != nil {
		return err
	}
	var err error
	s.sb.Action(func(t *ReplicaSetSuperblock) {
		err = s.engine.WriteSuperblock(s.tag, Ptr(t.clone()))
	})
	return err
}

// destroy 删除超级块，副本集销毁时调用
func (s *replicaStateStore) destroy() error {
	return s.engine.RemoveSuperblock(s.tag)
}
