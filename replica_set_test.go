package repcore

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func buildService(localID string, channel DataChannel, listener ReplicaSetListener) *ReplicationService {
	conf := DefaultConfig()
	conf.LocalID = localID
	conf.CheckpointInterval = 20 * time.Millisecond
	service, err := NewReplicationService(conf, channel, LocalConsensusLogFactory,
		func(uuid [16]byte) ReplicaSetListener { return listener })
	if err != nil {
		panic(err)
	}
	return service
}

func TestReplicaSetHappyWrite(t *testing.T) {
	Convey("a single-node write runs alloc, data push, append, pre-commit and commit in order", t, func() {
		var (
			listener = &recordingListener{}
			service  = buildService("1", NewMemDataChannel("1", nil), listener)
			uuid     = NewUUID()
		)
		defer service.Close()
		rs, err := service.CreateReplicaSet(uuid)
		So(err, ShouldBeNil)

		value := make([]byte, 4096)
		for i := range value {
			value[i] = 0xAB
		}
		lsn, err := rs.Write([]byte{0x01}, []byte("k"), value, nil)
		So(err, ShouldBeNil)
		So(lsn, ShouldEqual, LSN(1))
		So(rs.CommitLSN(), ShouldEqual, LSN(1))
		So(rs.WaitForCommit(1), ShouldBeNil)
		So(listener.Events(), ShouldResemble, []string{"pre-commit:1", "commit:1"})

		var recorded []PBA
		err = rs.GetFreePbaRecords(1, 2, func(lsn LSN, pbas []PBA) bool {
			So(lsn, ShouldEqual, LSN(1))
			recorded = pbas
			return true
		})
		So(err, ShouldBeNil)
		So(len(recorded), ShouldEqual, 1)
	})
}

func TestReplicaSetDirectory(t *testing.T) {
	Convey("create, lookup and iterate over the replica set directory", t, func() {
		var (
			listener = &recordingListener{}
			service  = buildService("1", NewMemDataChannel("1", nil), listener)
			first    = NewUUID()
			second   = NewUUID()
		)
		defer service.Close()

		rs1, err := service.CreateReplicaSet(first)
		So(err, ShouldBeNil)
		_, err = service.CreateReplicaSet(first)
		So(err, ShouldNotBeNil)
		rs2, err := service.CreateReplicaSet(second)
		So(err, ShouldBeNil)
		So(rs1.GroupID(), ShouldNotEqual, rs2.GroupID())

		found, ok := service.LookupReplicaSet(first)
		So(ok, ShouldBeTrue)
		So(found, ShouldEqual, rs1)
		_, ok = service.LookupReplicaSet(NewUUID())
		So(ok, ShouldBeFalse)

		var count int
		service.IterateReplicaSets(func(rs *ReplicaSet) bool {
			count++
			return true
		})
		So(count, ShouldEqual, 2)

		service.IterateReplicaSets(func(rs *ReplicaSet) bool {
			count++
			return false
		})
		So(count, ShouldEqual, 3)
	})
}

func TestReplicaSetRemoteFetch(t *testing.T) {
	Convey("a follower maps a foreign pba by pulling bytes over the data channel", t, func() {
		var (
			leaderEngine   = newMemStorageEngine()
			leaderChannel  = NewMemDataChannel("A", leaderEngine)
			followerLis    = &recordingListener{}
			followerEngine *memStorageEngine
		)
		// 领导者侧：本地写好块内容
		pbas, err := leaderEngine.AllocPbas(len("remote-payload"))
		So(err, ShouldBeNil)
		done := make(chan error, 1)
		leaderEngine.AsyncWrite(pbas, []byte("remote-payload"), func(err error) { done <- err })
		So(<-done, ShouldBeNil)

		followerService := buildService("B", func() DataChannel {
			ch := NewMemDataChannel("B", nil)
			ch.Connect(leaderChannel)
			return ch
		}(), followerLis)
		defer followerService.Close()
		followerEngine = followerService.StorageEngine().(*memStorageEngine)

		rs, err := followerService.CreateReplicaSet(NewUUID())
		So(err, ShouldBeNil)

		local, err := rs.MapPba(FullyQualifiedPBA{SrvID: "A", Pba: pbas[0]})
		So(err, ShouldBeNil)
		readDone := make(chan struct{})
		followerEngine.AsyncRead(local, len("remote-payload"), func(data []byte, err error) {
			So(err, ShouldBeNil)
			So(string(data), ShouldEqual, "remote-payload")
			close(readDone)
		})
		<-readDone

		Convey("a second map on the same fqpba is a hit", func() {
			again, err := rs.MapPba(FullyQualifiedPBA{SrvID: "A", Pba: pbas[0]})
			So(err, ShouldBeNil)
			So(again, ShouldEqual, local)
		})
	})
}

func TestReplicaSetRestart(t *testing.T) {
	Convey("a replica set reopened on the same engine resumes from its superblock", t, func() {
		var (
			listener = &recordingListener{}
			service  = buildService("1", NewMemDataChannel("1", nil), listener)
			uuid     = NewUUID()
		)
		rs, err := service.CreateReplicaSet(uuid)
		So(err, ShouldBeNil)
		_, err = rs.Write([]byte{0x01}, []byte("k"), []byte("v"), nil)
		So(err, ShouldBeNil)
		So(rs.CommitLSN(), ShouldEqual, LSN(1))
		rs.Stop()

		// 同一个引擎上重新打开：commit_lsn 与日志存储 id 都来自超级块
		listener2 := &recordingListener{}
		rs2, err := newReplicaSet(service.conf, uuid, service.engine, service.channel,
			listener2, LocalConsensusLogFactory, service.conf.Logger)
		So(err, ShouldBeNil)
		So(rs2.CommitLSN(), ShouldEqual, LSN(1))
		rs2.Stop()
		service.Close()
	})
}

func TestReplicaSetDestroy(t *testing.T) {
	Convey("destroy removes the superblock so a reopen starts fresh", t, func() {
		var (
			listener = &recordingListener{}
			service  = buildService("1", NewMemDataChannel("1", nil), listener)
			uuid     = NewUUID()
		)
		defer service.Close()
		rs, err := service.CreateReplicaSet(uuid)
		So(err, ShouldBeNil)
		_, err = rs.Write(nil, []byte("k"), []byte("v"), nil)
		So(err, ShouldBeNil)

		So(service.DestroyReplicaSet(uuid), ShouldBeNil)
		_, ok := service.LookupReplicaSet(uuid)
		So(ok, ShouldBeFalse)

		recreated, err := service.CreateReplicaSet(uuid)
		So(err, ShouldBeNil)
		So(recreated.CommitLSN(), ShouldEqual, LSN(0))
	})
}
