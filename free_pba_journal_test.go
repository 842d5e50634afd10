package repcore

import (
	"testing"

	"github.com/fuyao-w/log"
	. "github.com/smartystreets/goconvey/convey"
)

func buildJournal(lsns ...LSN) *FreePbaJournal {
	journal := NewFreePbaJournal(newMemLogStore(), log.NewLogger())
	for _, lsn := range lsns {
		if err := journal.Append(lsn, []PBA{PBA(lsn * 10), PBA(lsn*10 + 1)}); err != nil {
			panic(err)
		}
	}
	return journal
}

func replayLsns(journal *FreePbaJournal, start, end LSN) (visited []LSN) {
	err := journal.Replay(start, end, func(lsn LSN, pbas []PBA) bool {
		visited = append(visited, lsn)
		return true
	})
	So(err, ShouldBeNil)
	return
}

func TestFreePbaJournalReplayBoundary(t *testing.T) {
	Convey("records at 1..5, replay [2,5) visits 2,3,4 and not 5", t, func() {
		journal := buildJournal(1, 2, 3, 4, 5)
		So(replayLsns(journal, 2, 5), ShouldResemble, []LSN{2, 3, 4})
	})
	Convey("the final record at end-1 is still emitted before iteration stops", t, func() {
		journal := buildJournal(1, 2, 3)
		So(replayLsns(journal, 1, 4), ShouldResemble, []LSN{1, 2, 3})
	})
	Convey("visitor can stop early", t, func() {
		journal := buildJournal(1, 2, 3)
		var visited []LSN
		err := journal.Replay(1, 4, func(lsn LSN, pbas []PBA) bool {
			visited = append(visited, lsn)
			return false
		})
		So(err, ShouldBeNil)
		So(visited, ShouldResemble, []LSN{1})
	})
	Convey("replay decodes the pbas written at each lsn", t, func() {
		journal := buildJournal(7)
		err := journal.Replay(7, 8, func(lsn LSN, pbas []PBA) bool {
			So(lsn, ShouldEqual, LSN(7))
			So(pbas, ShouldResemble, []PBA{70, 71})
			return true
		})
		So(err, ShouldBeNil)
	})
}

func TestFreePbaJournalTruncate(t *testing.T) {
	Convey("after truncating through 1000, replay from 1 sees nothing and from 1001 sees the rest", t, func() {
		var lsns []LSN
		for lsn := LSN(1); lsn <= 1002; lsn++ {
			lsns = append(lsns, lsn)
		}
		journal := buildJournal(lsns...)
		So(journal.TruncateUpto(1000), ShouldBeNil)
		So(replayLsns(journal, 1, 1001), ShouldBeEmpty)
		So(replayLsns(journal, 1001, 1003), ShouldResemble, []LSN{1001, 1002})
	})
	Convey("truncate below the first record is a no-op", t, func() {
		journal := buildJournal(5, 6)
		So(journal.TruncateUpto(5), ShouldBeNil)
		So(journal.TruncateUpto(3), ShouldBeNil)
		So(replayLsns(journal, 1, 10), ShouldResemble, []LSN{6})
	})
}

func TestFreePbaJournalFlush(t *testing.T) {
	Convey("flush without any write is a no-op", t, func() {
		journal := NewFreePbaJournal(newMemLogStore(), log.NewLogger())
		So(journal.FlushSync(), ShouldBeNil)
	})
	Convey("flush after append succeeds", t, func() {
		journal := buildJournal(1)
		So(journal.FlushSync(), ShouldBeNil)
	})
}
