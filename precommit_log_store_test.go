package repcore

import (
	"testing"

	"github.com/fuyao-w/log"
	. "github.com/smartystreets/goconvey/convey"
)

func commandEntry(index uint64, header string) *LogEntry {
	return &LogEntry{
		Index: index,
		Term:  1,
		Type:  LogCommand,
		Data:  EncodeWriteRecord(WriteRecord{Header: []byte(header), Key: []byte("k")}),
	}
}

func TestPreCommitLogStore(t *testing.T) {
	Convey("SetLogs delivers pre-commit in index order, non-command entries pass through", t, func() {
		var (
			engine   = newMemStorageEngine()
			listener = &recordingListener{}
		)
		sm, _ := buildStateMachine(engine, NewUUID(), listener)
		store := newPreCommitLogStore(newMemLogStore(), sm, log.NewLogger())

		So(store.SetLogs([]*LogEntry{
			commandEntry(1, "a"),
			{Index: 2, Term: 1, Type: LogNoop},
			commandEntry(3, "b"),
		}), ShouldBeNil)
		So(listener.Events(), ShouldResemble, []string{"pre-commit:1", "pre-commit:3"})

		Convey("a suffix truncation rolls the overwritten entries back", func() {
			So(store.DeleteRange(3, 3), ShouldBeNil)
			So(listener.Events(), ShouldResemble, []string{"pre-commit:1", "pre-commit:3", "rollback:3"})

			Convey("and the same index pre-commits again with the new entry", func() {
				So(store.SetLogs([]*LogEntry{commandEntry(3, "c")}), ShouldBeNil)
				So(listener.Events(), ShouldResemble,
					[]string{"pre-commit:1", "pre-commit:3", "rollback:3", "pre-commit:3"})
			})
		})

		Convey("a prefix trim does not roll anything back", func() {
			So(store.DeleteRange(1, 1), ShouldBeNil)
			So(listener.Events(), ShouldResemble, []string{"pre-commit:1", "pre-commit:3"})
		})
	})
}
