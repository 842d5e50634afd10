package repcore

import (
	"testing"

	"github.com/fuyao-w/log"
	. "github.com/smartystreets/goconvey/convey"
)

func buildLocalConsensusLog(engine *memStorageEngine, uuid [16]byte, listener ReplicaSetListener) (*localConsensusLog, *ReplicaStateMachine, LogStore) {
	sm, _ := buildStateMachine(engine, uuid, listener)
	journal := newMemLogStore()
	consensus, err := newLocalConsensusLog("test-group", newFsmAdapter(sm, log.NewLogger()),
		newPreCommitLogStore(journal, sm, log.NewLogger()))
	if err != nil {
		panic(err)
	}
	return consensus, sm, journal
}

func TestLocalConsensusLogOrdering(t *testing.T) {
	Convey("appends get increasing lsns and hooks fire pre-commit then commit per entry", t, func() {
		var (
			engine   = newMemStorageEngine()
			listener = &recordingListener{}
		)
		consensus, _, _ := buildLocalConsensusLog(engine, NewUUID(), listener)
		defer consensus.Close()

		for i := 1; i <= 3; i++ {
			lsn, err := consensus.Append(EncodeWriteRecord(WriteRecord{Key: []byte("k")}))
			So(err, ShouldBeNil)
			So(lsn, ShouldEqual, LSN(i))
		}
		So(listener.Events(), ShouldResemble, []string{
			"pre-commit:1", "commit:1",
			"pre-commit:2", "commit:2",
			"pre-commit:3", "commit:3",
		})

		Convey("wait for applied returns once the commit thread covered the lsn", func() {
			applied, err := consensus.WaitForApplied(3)
			So(err, ShouldBeNil)
			So(applied, ShouldBeGreaterThanOrEqualTo, LSN(3))
		})
	})
}

func TestLocalConsensusLogClose(t *testing.T) {
	Convey("append after close fails with shut down", t, func() {
		var (
			engine   = newMemStorageEngine()
			listener = &recordingListener{}
		)
		consensus, _, _ := buildLocalConsensusLog(engine, NewUUID(), listener)
		So(consensus.Close(), ShouldBeNil)
		_, err := consensus.Append(EncodeWriteRecord(WriteRecord{}))
		So(err, ShouldEqual, ErrShutDown)
	})
}

func TestLocalConsensusLogReplay(t *testing.T) {
	Convey("an entry ordered before a crash is delivered on reopen", t, func() {
		var (
			engine   = newMemStorageEngine()
			listener = &recordingListener{}
			uuid     = NewUUID()
			journal  = newMemLogStore()
		)
		// 模拟崩溃点：条目已定序落盘，但从未提交
		So(journal.SetLogs([]*LogEntry{{
			Index: 1,
			Term:  1,
			Type:  LogCommand,
			Data:  EncodeWriteRecord(WriteRecord{Key: []byte("k")}),
		}}), ShouldBeNil)

		sm, store := buildStateMachine(engine, uuid, listener)
		consensus, err := newLocalConsensusLog("test-group", newFsmAdapter(sm, log.NewLogger()),
			newPreCommitLogStore(journal, sm, log.NewLogger()))
		So(err, ShouldBeNil)
		defer consensus.Close()

		So(store.CommitLSN(), ShouldEqual, LSN(1))
		So(listener.Events(), ShouldResemble, []string{"pre-commit:1", "commit:1"})

		Convey("the next append continues after the replayed tail", func() {
			lsn, err := consensus.Append(EncodeWriteRecord(WriteRecord{Key: []byte("k2")}))
			So(err, ShouldBeNil)
			So(lsn, ShouldEqual, LSN(2))
		})
	})
}
