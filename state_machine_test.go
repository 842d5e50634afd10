package repcore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/fuyao-w/log"
	. "github.com/smartystreets/goconvey/convey"
)

// recordingListener 记录回调顺序的 ReplicaSetListener 测试替身，
// OnCommit 默认把条目携带的 pba 全部交还给引擎释放
type recordingListener struct {
	mu     sync.Mutex
	events []string
	keep   bool // true 时 OnCommit 不交还任何 pba
}

func (l *recordingListener) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.events...)
}

func (l *recordingListener) OnPreCommit(lsn LSN, header, key []byte, ctx interface{}) error {
	l.record(fmt.Sprintf("pre-commit:%d", lsn))
	return nil
}

func (l *recordingListener) OnCommit(lsn LSN, header, key []byte, pbas []PBA, ctx interface{}) ([]PBA, error) {
	l.record(fmt.Sprintf("commit:%d", lsn))
	if l.keep {
		return nil, nil
	}
	return pbas, nil
}

func (l *recordingListener) OnRollback(lsn LSN, header, key []byte, ctx interface{}) error {
	l.record(fmt.Sprintf("rollback:%d", lsn))
	return nil
}

func (l *recordingListener) OnReplicaStop() {
	l.record("stop")
}

func buildStateMachine(engine *memStorageEngine, uuid [16]byte, listener ReplicaSetListener) (*ReplicaStateMachine, *replicaStateStore) {
	store, err := openReplicaStateStore(engine, uuid, log.NewLogger())
	if err != nil {
		panic(err)
	}
	sm := NewReplicaStateMachine("test-group", store, engine, nil, listener, log.NewLogger())
	if err = sm.Recover(); err != nil {
		panic(err)
	}
	return sm, store
}

func TestStateMachineHappyWrite(t *testing.T) {
	Convey("pre-commit then commit for lsn 1, the released pba flows through the journal", t, func() {
		var (
			engine   = newMemStorageEngine()
			listener = &recordingListener{}
		)
		sm, store := buildStateMachine(engine, NewUUID(), listener)
		pbas, err := engine.AllocPbas(4096)
		So(err, ShouldBeNil)

		So(sm.OnPreCommit(1, []byte{0x01}, []byte("k"), nil), ShouldBeNil)
		So(sm.OnCommit(1, []byte{0x01}, []byte("k"), pbas, "", nil), ShouldBeNil)

		So(listener.Events(), ShouldResemble, []string{"pre-commit:1", "commit:1"})
		So(store.CommitLSN(), ShouldEqual, LSN(1))
		err = store.GetFreePbaRecords(1, 2, func(lsn LSN, recorded []PBA) bool {
			So(lsn, ShouldEqual, LSN(1))
			So(recorded, ShouldResemble, pbas)
			return true
		})
		So(err, ShouldBeNil)
		So(engine.isFreed(pbas[0]), ShouldBeTrue)
	})
}

func TestStateMachineCommitIdempotentAcrossRestart(t *testing.T) {
	Convey("crash between journal write and superblock advance", t, func() {
		var (
			engine   = newMemStorageEngine()
			listener = &recordingListener{}
			uuid     = NewUUID()
		)
		sm, store := buildStateMachine(engine, uuid, listener)

		// 提交到 lsn 4
		for lsn := LSN(1); lsn <= 4; lsn++ {
			pbas, err := engine.AllocPbas(1)
			So(err, ShouldBeNil)
			So(sm.OnCommit(lsn, nil, nil, pbas, "", nil), ShouldBeNil)
		}
		So(store.CommitLSN(), ShouldEqual, LSN(4))

		// 模拟崩溃点：lsn 5 的自由块记录已落盘，但 commit_lsn 仍是 4
		pbas, err := engine.AllocPbas(8192)
		So(err, ShouldBeNil)
		So(store.AddFreePbaRecord(5, pbas), ShouldBeNil)
		So(store.FlushFreePbaRecords(), ShouldBeNil)

		Convey("restart keeps the pbas allocated and re-delivery converges", func() {
			listener2 := &recordingListener{}
			sm2, store2 := buildStateMachine(engine, uuid, listener2)
			So(store2.CommitLSN(), ShouldEqual, LSN(4))
			// 恢复只重放 lsn <= 4 的记录，5 的 pba 仍然保留
			So(engine.isAllocated(pbas[0]), ShouldBeTrue)
			So(engine.isAllocated(pbas[1]), ShouldBeTrue)

			// 共识重新交付 1..5：1..4 被跳过，5 重新提交，记录按 lsn 覆盖
			for lsn := LSN(1); lsn <= 4; lsn++ {
				So(sm2.OnCommit(lsn, nil, nil, nil, "", nil), ShouldBeNil)
			}
			So(listener2.Events(), ShouldBeEmpty)
			So(sm2.OnCommit(5, nil, nil, pbas, "", nil), ShouldBeNil)
			So(store2.CommitLSN(), ShouldEqual, LSN(5))
			So(listener2.Events(), ShouldResemble, []string{"commit:5"})
			So(engine.isFreed(pbas[0]), ShouldBeTrue)
			So(engine.isFreed(pbas[1]), ShouldBeTrue)
		})
	})
}

func TestStateMachineRollback(t *testing.T) {
	Convey("an overwritten pre-committed entry rolls back, then the new entry commits", t, func() {
		var (
			engine   = newMemStorageEngine()
			listener = &recordingListener{keep: true}
		)
		sm, store := buildStateMachine(engine, NewUUID(), listener)

		So(sm.OnPreCommit(9, []byte("old"), []byte("k"), nil), ShouldBeNil)
		So(sm.OnRollback(9, []byte("old"), []byte("k"), nil), ShouldBeNil)

		// 回滚后同一个 lsn 允许重新预提交
		So(sm.OnPreCommit(9, []byte("new"), []byte("k"), nil), ShouldBeNil)
		So(sm.OnCommit(9, []byte("new"), []byte("k"), nil, "", nil), ShouldBeNil)

		So(listener.Events(), ShouldResemble, []string{"pre-commit:9", "rollback:9", "pre-commit:9", "commit:9"})
		So(store.CommitLSN(), ShouldEqual, LSN(9))
		// 被回滚的 lsn 没有留下自由块记录之外的内容，9 的记录为空列表
		err := store.GetFreePbaRecords(9, 10, func(lsn LSN, recorded []PBA) bool {
			So(lsn, ShouldEqual, LSN(9))
			So(recorded, ShouldBeEmpty)
			return true
		})
		So(err, ShouldBeNil)
	})
	Convey("rollback of a committed lsn is refused silently", t, func() {
		var (
			engine   = newMemStorageEngine()
			listener = &recordingListener{}
		)
		sm, _ := buildStateMachine(engine, NewUUID(), listener)
		So(sm.OnCommit(1, nil, nil, nil, "", nil), ShouldBeNil)
		So(sm.OnRollback(1, nil, nil, nil), ShouldBeNil)
		So(listener.Events(), ShouldResemble, []string{"commit:1"})
	})
}

func TestStateMachinePreCommitDedup(t *testing.T) {
	Convey("a re-delivered pre-commit below the frontier is skipped", t, func() {
		var (
			engine   = newMemStorageEngine()
			listener = &recordingListener{}
		)
		sm, _ := buildStateMachine(engine, NewUUID(), listener)
		So(sm.OnPreCommit(1, nil, nil, nil), ShouldBeNil)
		So(sm.OnPreCommit(2, nil, nil, nil), ShouldBeNil)
		So(sm.OnPreCommit(2, nil, nil, nil), ShouldBeNil)
		So(sm.OnPreCommit(1, nil, nil, nil), ShouldBeNil)
		So(listener.Events(), ShouldResemble, []string{"pre-commit:1", "pre-commit:2"})
	})
}

func TestStateMachineStop(t *testing.T) {
	Convey("stop flushes, persists and notifies exactly once", t, func() {
		var (
			engine   = newMemStorageEngine()
			listener = &recordingListener{}
		)
		sm, _ := buildStateMachine(engine, NewUUID(), listener)
		So(sm.OnCommit(1, nil, nil, nil, "", nil), ShouldBeNil)
		sm.OnReplicaStop()
		sm.OnReplicaStop()
		So(listener.Events(), ShouldResemble, []string{"commit:1", "stop"})
	})
}
