package repcore

import (
	crand "crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ConsensusLogFactory 为副本集构建共识日志。fsm 与 logStore 必须原样接入共识引擎：
// fsm 的 Apply 是提交线程入口，logStore 已经装饰了预提交/回滚钩子
type ConsensusLogFactory func(groupID string, fsm FSM, logStore LogStore) (ConsensusLog, error)

// NewUUID 随机生成一个副本集标识
func NewUUID() (uuid [16]byte) {
	if _, err := crand.Read(uuid[:]); err != nil {
		panic(fmt.Errorf("failed to read random bytes :%s", err))
	}
	return
}

// ReplicaSet 一组共享同一条共识日志与同一份状态机存储的副本，
// 写入口在领导者上执行：分配 pba、并行落盘与推送数据、最后追加共识日志
type ReplicaSet struct {
	groupID      string
	uuid         [16]byte
	localID      ServerID
	engine       StorageEngine
	channel      DataChannel
	store        *replicaStateStore
	resolver     *PbaResolver
	stateMachine *ReplicaStateMachine
	consensusLog ConsensusLog
	listener     ReplicaSetListener
	logger       Logger

	maintenanceStop chan struct{}
	stopOnce        sync.Once
}

func newReplicaSet(conf *Config, uuid [16]byte, engine StorageEngine, channel DataChannel,
	listener ReplicaSetListener, factory ConsensusLogFactory, logger Logger) (*ReplicaSet, error) {
	groupID := fmt.Sprintf("%x", uuid)
	store, err := openReplicaStateStore(engine, uuid, logger)
	if err != nil {
		return nil, err
	}
	fetchTimeout := conf.PbaResolverFetchTimeout
	if fetchTimeout == 0 {
		fetchTimeout = 3 * time.Second
	}
	resolver := NewPbaResolver(channel, engine, logger, fetchTimeout)
	sm := NewReplicaStateMachine(groupID, store, engine, resolver, listener, logger)
	if err = sm.Recover(); err != nil {
		return nil, err
	}
	dataJournal, err := store.dataJournalStore()
	if err != nil {
		return nil, err
	}
	if factory == nil {
		factory = LocalConsensusLogFactory
	}
	consensusLog, err := factory(groupID, newFsmAdapter(sm, logger),
		newPreCommitLogStore(dataJournal, sm, logger))
	if err != nil {
		return nil, err
	}
	rs := &ReplicaSet{
		groupID:         groupID,
		uuid:            uuid,
		localID:         ServerID(conf.LocalID),
		engine:          engine,
		channel:         channel,
		store:           store,
		resolver:        resolver,
		stateMachine:    sm,
		consensusLog:    consensusLog,
		listener:        listener,
		logger:          logger,
		maintenanceStop: make(chan struct{}),
	}
	checkpointInterval := conf.CheckpointInterval
	if checkpointInterval == 0 {
		checkpointInterval = 30 * time.Second
	}
	flushInterval := conf.FreePbaFlushInterval
	if flushInterval == 0 {
		flushInterval = 100 * time.Millisecond
	}
	go rs.runMaintenance(checkpointInterval, flushInterval)
	return rs, nil
}

// runMaintenance 周期性把 checkpoint_lsn 推进到当前的 commit_lsn，并按
// FreePbaFlushInterval 强制刷盘自由块日志，兜住提交间隙里积累的缓冲
func (rs *ReplicaSet) runMaintenance(checkpointInterval, flushInterval time.Duration) {
	checkpoint := time.NewTicker(checkpointInterval)
	flush := time.NewTicker(flushInterval)
	defer func() {
		checkpoint.Stop()
		flush.Stop()
	}()
	for {
		select {
		case <-rs.maintenanceStop:
			return
		case <-checkpoint.C:
			rs.store.Checkpoint(rs.store.CommitLSN())
		case <-flush.C:
			if err := rs.store.FlushFreePbaRecords(); err != nil {
				rs.logger.Errorf("ReplicaSet|maintenance flush group:%s err:%s", rs.groupID, err)
			}
		}
	}
}

func (rs *ReplicaSet) GroupID() string {
	return rs.groupID
}

func (rs *ReplicaSet) UUID() [16]byte {
	return rs.uuid
}

func (rs *ReplicaSet) CommitLSN() LSN {
	return rs.store.CommitLSN()
}

// Write 领导者写入口：分配 pba，并行执行本地落盘与数据通道推送，两者都完成后
// 把 {header, key, pbas} 追加到共识日志。追加之前任何一步失败，分配的 pba
// 从未被日志引用过，立即物理释放
func (rs *ReplicaSet) Write(header, key, value []byte, ctx interface{}) (LSN, error) {
	pbas, err := rs.engine.AllocPbas(len(value))
	if err != nil {
		return 0, err
	}
	release := func() {
		for _, pba := range pbas {
			if err := rs.engine.FreePba(pba); err != nil {
				rs.logger.Errorf("ReplicaSet|Write release pba:%d err:%s", pba, err)
			}
		}
	}
	eg := new(errgroup.Group)
	eg.Go(func() error {
		errCh := make(chan error, 1)
		rs.engine.AsyncWrite(pbas, value, func(err error) { errCh <- err })
		return <-errCh
	})
	eg.Go(func() error {
		return rs.channel.Push(rs.groupID, pbas, value)
	})
	if err = eg.Wait(); err != nil {
		rs.logger.Errorf("ReplicaSet|Write group:%s err:%s", rs.groupID, err)
		release()
		return 0, err
	}
	lsn, err := rs.consensusLog.Append(EncodeWriteRecord(WriteRecord{
		Header: header,
		Key:    key,
		Pbas:   pbas,
		Origin: string(rs.localID),
	}))
	if err != nil {
		release()
		return 0, err
	}
	return lsn, nil
}

// MapPba 把远端副本引用的 pba 解析为本地 pba，未命中时按需拉取并物化
func (rs *ReplicaSet) MapPba(fqpba FullyQualifiedPBA) (PBA, error) {
	return rs.resolver.Map(fqpba)
}

// GetFreePbaRecords 按 [startLSN, endLSN) 遍历自由块记录，边界语义见 FreePbaJournal.Replay
func (rs *ReplicaSet) GetFreePbaRecords(startLSN, endLSN LSN, visit func(LSN, []PBA) bool) error {
	return rs.store.GetFreePbaRecords(startLSN, endLSN, visit)
}

// RemoveFreePbaRecordsUpto 在 checkpoint 覆盖到 lsn 之后删除之前的自由块记录
func (rs *ReplicaSet) RemoveFreePbaRecordsUpto(lsn LSN) error {
	return rs.store.RemoveFreePbaRecordsUpto(lsn)
}

// WaitForCommit 阻塞到提交线程交付完 lsn，配合监听者在预提交里记录的待决键实现强一致读
func (rs *ReplicaSet) WaitForCommit(lsn LSN) error {
	if waiter, ok := rs.consensusLog.(interface {
		WaitForApplied(lsn LSN) (LSN, error)
	}); ok {
		_, err := waiter.WaitForApplied(lsn)
		return err
	}
	if rs.store.CommitLSN() >= lsn {
		return nil
	}
	return fmt.Errorf("consensus log does not support commit wait")
}

// Stop 停机：结束维护线程、关闭共识日志、排空提交线程后刷盘状态并通知监听者
func (rs *ReplicaSet) Stop() {
	rs.stopOnce.Do(func() {
		close(rs.maintenanceStop)
		if closer, ok := rs.consensusLog.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				rs.logger.Errorf("ReplicaSet|Stop close consensus log err:%s", err)
			}
		}
		rs.stateMachine.OnReplicaStop()
	})
}

// destroy 停机并删除超级块，副本集从此不存在
func (rs *ReplicaSet) destroy() error {
	rs.Stop()
	return rs.store.destroy()
}
